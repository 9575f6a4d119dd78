// Package backend talks to the generation service: job submission, status
// polling, result commit and the per-task push channel.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/protocol"
)

// SubmitRequest carries the inputs for every submission mode. Fields that do
// not apply to a mode are ignored.
type SubmitRequest struct {
	Mode              generation.Mode
	EntityID          string
	Notes             string
	Description       string
	UploadID          string
	ReferenceImageURL string
}

// Submission is the backend's acknowledgement of a new job.
type Submission struct {
	TaskID        string
	Status        generation.Status
	Progress      int
	StatusMessage string
}

func submissionFromWire(resp protocol.SubmitResponse) Submission {
	status := generation.ParseStatus(resp.Status)
	if status == "" {
		status = generation.StatusPending
	}
	return Submission{
		TaskID:        strings.TrimSpace(resp.TaskID),
		Status:        status,
		Progress:      generation.ClampProgress(resp.Progress),
		StatusMessage: strings.TrimSpace(resp.StatusMessage),
	}
}

// Client is the request/response side of the generation service.
type Client interface {
	Upload(ctx context.Context, filename string, body io.Reader) (string, error)
	Submit(ctx context.Context, req SubmitRequest) (Submission, error)
	Status(ctx context.Context, taskID string) (protocol.StatusPayload, error)
	Apply(ctx context.Context, entityID, taskID string) (json.RawMessage, error)
}
