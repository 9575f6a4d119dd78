package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/protocol"
)

// MockClient is a deterministic in-process generation service. Each status
// poll advances a job by Step percent until it completes.
type MockClient struct {
	Step int

	mu      sync.Mutex
	jobs    map[string]*mockJob
	uploads map[string]int64
}

type mockJob struct {
	entityID string
	progress int
	applied  json.RawMessage
}

func NewMockClient() *MockClient {
	return &MockClient{
		Step:    25,
		jobs:    make(map[string]*mockJob),
		uploads: make(map[string]int64),
	}
}

func (m *MockClient) Upload(ctx context.Context, filename string, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if n == 0 {
		return "", &APIError{StatusCode: http.StatusBadRequest, Message: "empty upload"}
	}
	id := "upl-" + uuid.NewString()
	m.mu.Lock()
	m.uploads[id] = n
	m.mu.Unlock()
	return id, nil
}

func (m *MockClient) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch req.Mode {
	case generation.ModeFromText:
		if strings.TrimSpace(req.Description) == "" {
			return Submission{}, &APIError{StatusCode: http.StatusBadRequest, Message: "description is required"}
		}
	case generation.ModeFromUpload:
		if _, ok := m.uploads[req.UploadID]; !ok {
			return Submission{}, &APIError{StatusCode: http.StatusNotFound, Message: "unknown upload"}
		}
	case generation.ModeFromEntity, generation.ModeRegenerate:
		if strings.TrimSpace(req.EntityID) == "" {
			return Submission{}, &APIError{StatusCode: http.StatusBadRequest, Message: "entity_id is required"}
		}
	default:
		return Submission{}, fmt.Errorf("unsupported generation mode %q", req.Mode)
	}

	id := uuid.NewString()
	m.jobs[id] = &mockJob{entityID: req.EntityID}
	return Submission{TaskID: id, Status: generation.StatusPending, StatusMessage: "queued"}, nil
}

func (m *MockClient) Status(ctx context.Context, taskID string) (protocol.StatusPayload, error) {
	if err := ctx.Err(); err != nil {
		return protocol.StatusPayload{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[taskID]
	if !ok {
		return protocol.StatusPayload{}, &APIError{StatusCode: http.StatusNotFound, Message: "task not found"}
	}
	step := m.Step
	if step <= 0 {
		step = 25
	}
	job.progress = generation.ClampProgress(job.progress + step)

	progress := job.progress
	out := protocol.StatusPayload{TaskID: taskID, Progress: &progress}
	if progress >= 100 {
		out.Status = string(generation.StatusCompleted)
		out.Result = &generation.Result{
			PhotoURL:       "mock://" + taskID + "/photo.png",
			MuscleLayerURL: "mock://" + taskID + "/muscles.png",
			SkeletonURL:    "mock://" + taskID + "/skeleton.png",
		}
		return out, nil
	}
	msg := fmt.Sprintf("rendering %d%%", progress)
	out.Status = string(generation.StatusProcessing)
	out.StatusMessage = &msg
	return out, nil
}

// Apply is idempotent per task: repeat calls return the first snapshot.
func (m *MockClient) Apply(ctx context.Context, entityID, taskID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[taskID]
	if !ok || (job.entityID != "" && job.entityID != entityID) {
		return nil, &APIError{StatusCode: http.StatusNotFound, Message: "not found"}
	}
	if job.progress < 100 {
		return nil, &APIError{StatusCode: http.StatusBadRequest, Message: "generation not completed"}
	}
	if job.applied != nil {
		return append(json.RawMessage(nil), job.applied...), nil
	}
	snapshot, err := json.Marshal(map[string]any{
		"id":                 entityID,
		"generation_task_id": taskID,
		"photo_url":          "mock://" + taskID + "/photo.png",
		"updated_at":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	job.applied = snapshot
	return append(json.RawMessage(nil), snapshot...), nil
}

// ErrPushUnavailable is returned by the mock channel factory so transports
// run on polling alone.
var ErrPushUnavailable = errors.New("push channel unavailable")

func MockChannelFactory(string, string) (Channel, error) {
	return nil, ErrPushUnavailable
}
