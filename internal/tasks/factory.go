package tasks

import (
	"context"
	"fmt"
	"strings"
)

// NewStore builds the registry store for mode: memory, file or postgres.
func NewStore(ctx context.Context, mode, path, databaseURL string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(path)
	case "postgres":
		return NewPostgresStore(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported store mode %q", mode)
	}
}
