package tasks

import (
	"context"
	"errors"

	"github.com/antoniostano/posegen/internal/generation"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable side of the registry. List returns tasks in the order
// they were first upserted.
type Store interface {
	Get(ctx context.Context, taskID string) (generation.Task, error)
	Upsert(ctx context.Context, task generation.Task) error
	List(ctx context.Context) ([]generation.Task, error)
	Delete(ctx context.Context, taskIDs ...string) error
	Owner(ctx context.Context) (string, error)
	SetOwner(ctx context.Context, ownerID string) error
	Close() error
}
