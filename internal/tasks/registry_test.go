package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/posegen/internal/autoapply"
	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/protocol"
	"github.com/antoniostano/posegen/internal/transport"
)

type fakeClient struct {
	mu         sync.Mutex
	nextID     []string
	submitErr  error
	submits    []backend.SubmitRequest
	uploads    []string
	statuses   map[string][]protocol.StatusPayload
	applyErrs  map[string][]error
	applyCalls map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		statuses:   make(map[string][]protocol.StatusPayload),
		applyErrs:  make(map[string][]error),
		applyCalls: make(map[string]int),
	}
}

func (c *fakeClient) Upload(_ context.Context, filename string, body io.Reader) (string, error) {
	data, _ := io.ReadAll(body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, filename+":"+string(data))
	return fmt.Sprintf("upl-%d", len(c.uploads)), nil
}

func (c *fakeClient) Submit(_ context.Context, req backend.SubmitRequest) (backend.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return backend.Submission{}, c.submitErr
	}
	c.submits = append(c.submits, req)
	id := fmt.Sprintf("task-%d", len(c.submits))
	if len(c.nextID) > 0 {
		id, c.nextID = c.nextID[0], c.nextID[1:]
	}
	return backend.Submission{TaskID: id, Status: generation.StatusPending}, nil
}

func (c *fakeClient) Status(_ context.Context, taskID string) (protocol.StatusPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	script := c.statuses[taskID]
	if len(script) == 0 {
		return protocol.StatusPayload{TaskID: taskID, Status: "processing"}, nil
	}
	next := script[0]
	if len(script) > 1 {
		c.statuses[taskID] = script[1:]
	}
	return next, nil
}

func (c *fakeClient) Apply(_ context.Context, entityID, taskID string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyCalls[taskID]++
	if errs := c.applyErrs[taskID]; len(errs) > 0 {
		err := errs[0]
		c.applyErrs[taskID] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"id":"` + entityID + `","image":"` + taskID + `"}`), nil
}

func (c *fakeClient) script(taskID string, steps ...protocol.StatusPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[taskID] = steps
}

func (c *fakeClient) applyCount(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyCalls[taskID]
}

func pct(v int) *int { return &v }

func testOptions(client backend.Client, store Store, bus *Bus) Options {
	opts := Options{
		Store:    store,
		Client:   client,
		Channels: backend.MockChannelFactory,
		Transport: transport.Config{
			FallbackDelay: 10 * time.Millisecond,
			SilenceDelay:  20 * time.Millisecond,
			PollBase:      5 * time.Millisecond,
			PollFactor:    1.2,
			PollCap:       20 * time.Millisecond,
		},
		Apply: autoapply.Config{MaxAttempts: 5, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	}
	if bus != nil {
		opts.Publisher = bus
	}
	return opts
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	r, err := NewRegistry(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 2*time.Millisecond, msg)
}

func taskIs(r *Registry, id string, check func(generation.Task) bool) func() bool {
	return func() bool {
		task, err := r.Get(id)
		return err == nil && check(task)
	}
}

func drain(ch <-chan Event) []EventType {
	var out []EventType
	for {
		select {
		case evt := <-ch:
			out = append(out, evt.Type)
		default:
			return out
		}
	}
}

func TestTextSubmissionReachesApplied(t *testing.T) {
	client := newFakeClient()
	client.nextID = []string{"t1"}
	client.script("t1",
		protocol.StatusPayload{TaskID: "t1", Status: "processing", Progress: pct(40)},
		protocol.StatusPayload{
			TaskID:   "t1",
			Status:   "completed",
			Progress: pct(100),
			Result:   &generation.Result{PhotoURL: "https://cdn/t1.png"},
		},
	)
	bus := NewBus(64)
	events, cancel := bus.Subscribe()
	defer cancel()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), bus))

	id, err := r.StartFromText(context.Background(), TextRequest{
		EntityID:    "pose-7",
		Description: "Warrior II pose description",
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	eventually(t, taskIs(r, "t1", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyApplied
	}), "task never applied")
	r.WaitApplies()

	task, err := r.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, generation.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
	require.NotNil(t, task.AppliedAt)
	assert.JSONEq(t, `{"id":"pose-7","image":"t1"}`, string(task.AppliedResult))
	assert.Equal(t, 1, client.applyCount("t1"))
	assert.Zero(t, r.ActiveCount())

	snap, ok := r.Entity("pose-7")
	require.True(t, ok)
	assert.JSONEq(t, string(task.AppliedResult), string(snap))

	seen := drain(events)
	assert.Contains(t, seen, EventTaskCreated)
	assert.Contains(t, seen, EventTaskCompleted)
	assert.Contains(t, seen, EventApplyStarted)
	assert.Contains(t, seen, EventApplySucceeded)
	assert.Contains(t, seen, EventCollectionInvalidated)
}

func TestSubmissionFailureCreatesNoRecord(t *testing.T) {
	client := newFakeClient()
	client.submitErr = &backend.APIError{StatusCode: http.StatusBadRequest, Message: "entity is archived"}
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	_, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-1"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, backend.StatusCode(err))
	assert.Empty(t, r.List(true))
	assert.Zero(t, r.ActiveCount())
}

func TestInvalidRequestNeverReachesBackend(t *testing.T) {
	client := newFakeClient()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	_, err := r.StartFromText(context.Background(), TextRequest{EntityID: "pose-1", Description: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = r.StartRegeneration(context.Background(), RegenerateRequest{EntityID: "pose-1", ReferenceImageURL: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, client.submits)
}

func TestUploadModeUploadsBeforeSubmitting(t *testing.T) {
	client := newFakeClient()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	id, err := r.StartFromUpload(context.Background(), UploadRequest{
		EntityID: "pose-2",
		Filename: "tree.png",
		Content:  strings.NewReader("img"),
		Notes:    "left leg",
	})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.submits, 1)
	assert.Equal(t, []string{"tree.png:img"}, client.uploads)
	assert.Equal(t, "upl-1", client.submits[0].UploadID)
	assert.Equal(t, generation.ModeFromUpload, client.submits[0].Mode)

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, generation.ModeFromUpload, task.Mode)
}

func TestDismissWhileProcessingIsNoop(t *testing.T) {
	client := newFakeClient()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	id, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-3"})
	require.NoError(t, err)
	eventually(t, taskIs(r, id, func(task generation.Task) bool {
		return task.Status == generation.StatusProcessing
	}), "task never processing")

	dismissed, err := r.Dismiss(id)
	require.NoError(t, err)
	assert.False(t, dismissed)
	assert.True(t, r.HasTransport(id))
	assert.Len(t, r.List(false), 1)

	task, _ := r.Get(id)
	assert.Nil(t, task.DismissedAt)
}

func TestDismissWhileApplyingIsNoop(t *testing.T) {
	client := newFakeClient()
	client.nextID = []string{"busy"}
	client.script("busy", protocol.StatusPayload{TaskID: "busy", Status: "completed", Progress: pct(100)})
	conflict := &backend.APIError{StatusCode: http.StatusConflict, Message: "entity locked"}
	client.applyErrs["busy"] = []error{conflict, conflict, conflict}
	opts := testOptions(client, NewMemoryStore(), nil)
	opts.Apply = autoapply.Config{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	r := newTestRegistry(t, opts)

	_, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-14"})
	require.NoError(t, err)
	eventually(t, taskIs(r, "busy", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyApplying
	}), "apply never started")

	dismissed, err := r.Dismiss("busy")
	require.NoError(t, err)
	assert.False(t, dismissed)
	assert.ErrorIs(t, r.RetryApply("busy"), ErrApplyInFlight)

	eventually(t, taskIs(r, "busy", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyApplied
	}), "apply never finished")
	r.WaitApplies()

	task, _ := r.Get("busy")
	assert.Nil(t, task.DismissedAt)
	assert.Len(t, r.List(false), 1)
	assert.Equal(t, 4, client.applyCount("busy"))

	require.NoError(t, r.RetryApply("busy"))
	r.WaitApplies()
	again, _ := r.Get("busy")
	assert.JSONEq(t, string(task.AppliedResult), string(again.AppliedResult))
}

func TestRegenerationUploadsReferenceBeforeSubmitting(t *testing.T) {
	client := newFakeClient()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	id, err := r.StartRegeneration(context.Background(), RegenerateRequest{
		EntityID:          "pose-15",
		EntityLabel:       "Crow",
		ReferenceImageURL: "https://cdn.example/crow.png",
		Reference:         strings.NewReader("ref"),
		Feedback:          " lift the hips ",
	})
	require.NoError(t, err)

	_, err = r.StartRegeneration(context.Background(), RegenerateRequest{
		EntityID:          "pose-16",
		Reference:         strings.NewReader("named"),
		ReferenceFilename: "side.jpg",
	})
	require.NoError(t, err)

	_, err = r.StartRegeneration(context.Background(), RegenerateRequest{EntityID: "pose-17"})
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"reference.png:ref", "side.jpg:named"}, client.uploads)
	require.Len(t, client.submits, 3)

	first := client.submits[0]
	assert.Equal(t, generation.ModeRegenerate, first.Mode)
	assert.Equal(t, "pose-15", first.EntityID)
	assert.Equal(t, "upl-1", first.UploadID)
	assert.Equal(t, "https://cdn.example/crow.png", first.ReferenceImageURL)
	assert.Equal(t, "lift the hips", first.Notes)

	assert.Equal(t, "upl-2", client.submits[1].UploadID)
	assert.Empty(t, client.submits[2].UploadID)
	assert.Empty(t, client.submits[2].ReferenceImageURL)

	task, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, generation.ModeRegenerate, task.Mode)
	assert.Equal(t, "Crow", task.TargetEntityLabel)
}

func TestDismissThenClearDismissed(t *testing.T) {
	client := newFakeClient()
	client.nextID = []string{"bad"}
	client.script("bad", protocol.StatusPayload{TaskID: "bad", Status: "failed", ErrorMessage: strPtr("nsfw input")})
	store := NewMemoryStore()
	r := newTestRegistry(t, testOptions(client, store, nil))

	_, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-4"})
	require.NoError(t, err)
	eventually(t, taskIs(r, "bad", func(task generation.Task) bool {
		return task.Status == generation.StatusFailed
	}), "task never failed")

	task, _ := r.Get("bad")
	assert.Equal(t, "nsfw input", task.ErrorMessage)
	assert.Equal(t, generation.ApplyPending, task.AutoApplyStatus)

	dismissed, err := r.Dismiss("bad")
	require.NoError(t, err)
	assert.True(t, dismissed)
	assert.Empty(t, r.List(false))
	assert.Len(t, r.List(true), 1)

	n, err := r.ClearDismissed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, r.List(true))
	_, err = store.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestSyncOwnerDropsPreviousOwnerTasks(t *testing.T) {
	client := newFakeClient()
	store := NewMemoryStore()
	bus := NewBus(16)
	events, cancel := bus.Subscribe()
	defer cancel()
	r := newTestRegistry(t, testOptions(client, store, bus))

	changed, err := r.SyncOwner(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, changed)

	id, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-5"})
	require.NoError(t, err)
	task, _ := r.Get(id)
	assert.Equal(t, "alice", task.OwnerID)
	require.True(t, r.HasTransport(id))

	changed, err = r.SyncOwner(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, r.List(true))
	assert.Zero(t, r.ActiveCount())

	stored, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stored)
	owner, _ := store.Owner(context.Background())
	assert.Equal(t, "bob", owner)

	changed, err = r.SyncOwner(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Contains(t, drain(events), EventOwnerChanged)
}

func TestBootstrapResumesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()
	require.NoError(t, store.Upsert(ctx, generation.Task{
		ID: "p1", TargetEntityID: "pose-8", Mode: generation.ModeFromEntity,
		Status: generation.StatusProcessing, Progress: 30,
		AutoApplyStatus: generation.ApplyPending, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Upsert(ctx, generation.Task{
		ID: "c1", TargetEntityID: "pose-9", Mode: generation.ModeFromText,
		Status: generation.StatusCompleted, Progress: 100,
		AutoApplyStatus: generation.ApplyPending, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.Upsert(ctx, generation.Task{
		ID: "d1", TargetEntityID: "pose-10", Status: generation.StatusProcessing,
		AutoApplyStatus: generation.ApplyPending, StartedAt: now, UpdatedAt: now, DismissedAt: &now,
	}))

	client := newFakeClient()
	client.script("p1", protocol.StatusPayload{TaskID: "p1", Status: "processing", Progress: pct(10)})
	r := newTestRegistry(t, testOptions(client, store, nil))

	report := r.Bootstrap()
	assert.Equal(t, BootstrapReport{Resumed: 1, Reapplied: 1}, report)
	assert.Equal(t, BootstrapReport{}, r.Bootstrap())
	assert.True(t, r.HasTransport("p1"))
	assert.False(t, r.HasTransport("d1"))
	assert.Equal(t, 1, r.ActiveCount())

	eventually(t, taskIs(r, "c1", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyApplied
	}), "completed task never re-applied")
	r.WaitApplies()
	assert.Equal(t, 1, client.applyCount("c1"))

	time.Sleep(30 * time.Millisecond)
	p1, _ := r.Get("p1")
	assert.Equal(t, 30, p1.Progress, "stored progress is the floor")
}

func TestRetryApplyAfterFailure(t *testing.T) {
	client := newFakeClient()
	client.nextID = []string{"t9"}
	client.script("t9", protocol.StatusPayload{TaskID: "t9", Status: "completed", Progress: pct(100)})
	client.applyErrs["t9"] = []error{&backend.APIError{StatusCode: http.StatusNotFound, Message: "gone"}}
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	_, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-11"})
	require.NoError(t, err)
	eventually(t, taskIs(r, "t9", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyFailed
	}), "apply never failed")
	r.WaitApplies()

	failed, _ := r.Get("t9")
	assert.NotEmpty(t, failed.ApplyError)

	dismissed, err := r.Dismiss("t9")
	require.NoError(t, err)
	assert.True(t, dismissed, "failed apply is settled")

	require.NoError(t, r.RetryApply("t9"))
	eventually(t, taskIs(r, "t9", func(task generation.Task) bool {
		return task.AutoApplyStatus == generation.ApplyApplied
	}), "retry never applied")
	r.WaitApplies()
	assert.Equal(t, 2, client.applyCount("t9"))

	first, _ := r.Get("t9")
	require.NoError(t, r.RetryApply("t9"))
	r.WaitApplies()
	second, _ := r.Get("t9")
	assert.Equal(t, generation.ApplyApplied, second.AutoApplyStatus)
	assert.JSONEq(t, string(first.AppliedResult), string(second.AppliedResult))
}

func TestRetryApplyRequiresCompletedTask(t *testing.T) {
	client := newFakeClient()
	r := newTestRegistry(t, testOptions(client, NewMemoryStore(), nil))

	id, err := r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-12"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.RetryApply(id), ErrInvalidTaskState)
	assert.ErrorIs(t, r.RetryApply("missing"), ErrTaskNotFound)
	_, err = r.Dismiss("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	client := newFakeClient()
	client.nextID = []string{"keep"}
	r, err := NewRegistry(context.Background(), testOptions(client, store, nil))
	require.NoError(t, err)
	_, err = r.SyncOwner(context.Background(), "alice")
	require.NoError(t, err)
	_, err = r.StartFromEntity(context.Background(), EntityRequest{EntityID: "pose-13", EntityLabel: "Tree"})
	require.NoError(t, err)
	r.Close()

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	r2 := newTestRegistry(t, testOptions(newFakeClient(), reopened, nil))
	assert.Equal(t, "alice", r2.Owner())
	tasks := r2.List(true)
	require.Len(t, tasks, 1)
	assert.Equal(t, "keep", tasks[0].ID)
	assert.Equal(t, "Tree", tasks[0].TargetEntityLabel)
	assert.Zero(t, r2.ActiveCount(), "nothing runs before bootstrap")
}

func TestNewRegistryRequiresClient(t *testing.T) {
	_, err := NewRegistry(context.Background(), Options{})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrTaskNotFound))
}

func strPtr(v string) *string { return &v }
