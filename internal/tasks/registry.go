// Package tasks owns every generation task for the current owner: durable
// records, live transports, apply triggers and change notifications.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/autoapply"
	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/observability"
	"github.com/antoniostano/posegen/internal/transport"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrInvalidTaskState = errors.New("invalid task state")
	ErrRegistryClosed   = errors.New("registry closed")
	ErrApplyInFlight    = autoapply.ErrApplyInFlight
)

const persistTimeout = 2 * time.Second

type Options struct {
	Store       Store
	Publisher   Publisher
	Cache       *EntityCache
	Client      backend.Client
	Channels    backend.ChannelFactory
	Credentials auth.Credentials
	Transport   transport.Config
	Apply       autoapply.Config
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// BootstrapReport counts the work resumed by Bootstrap.
type BootstrapReport struct {
	Resumed   int `json:"resumed"`
	Reapplied int `json:"reapplied"`
}

type Registry struct {
	mu sync.Mutex

	store     Store
	publisher Publisher
	cache     *EntityCache
	client    backend.Client
	engine    *autoapply.Engine
	metrics   *observability.Metrics
	logger    *slog.Logger

	transportCfg  transport.Config
	transportDeps transport.Deps

	owner        string
	tasks        map[string]*generation.Task
	order        []string
	transports   map[string]*transport.Transport
	submittedAt  map[string]time.Time
	bootstrapped bool
	closed       bool

	now func() time.Time
}

// NewRegistry loads the stored owner and tasks. It does not resume any work;
// call Bootstrap for that.
func NewRegistry(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Cache == nil {
		opts.Cache = NewEntityCache()
	}
	if opts.Client == nil {
		return nil, errors.New("registry requires a backend client")
	}
	logger := logging.Or(opts.Logger)

	r := &Registry{
		store:     opts.Store,
		publisher: opts.Publisher,
		cache:     opts.Cache,
		client:    opts.Client,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "registry"),

		transportCfg: opts.Transport,
		transportDeps: transport.Deps{
			Poller:      opts.Client,
			Channels:    opts.Channels,
			Credentials: opts.Credentials,
			Metrics:     opts.Metrics,
			Logger:      logger,
		},

		tasks:       make(map[string]*generation.Task),
		transports:  make(map[string]*transport.Transport),
		submittedAt: make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
	r.engine = autoapply.New(opts.Apply, opts.Client, opts.Metrics, logger)
	r.engine.Bind(r)

	owner, err := opts.Store.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry owner: %w", err)
	}
	stored, err := opts.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry tasks: %w", err)
	}
	r.owner = owner
	for _, task := range stored {
		t := task.Clone()
		r.tasks[t.ID] = &t
		r.order = append(r.order, t.ID)
	}
	return r, nil
}

func (r *Registry) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// StartFromEntity generates a new image for an existing entity.
func (r *Registry) StartFromEntity(ctx context.Context, req EntityRequest) (string, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.Notes = strings.TrimSpace(req.Notes)
	if err := validateRequest(req); err != nil {
		return "", err
	}
	return r.start(ctx, req.EntityID, req.EntityLabel, backend.SubmitRequest{
		Mode:     generation.ModeFromEntity,
		EntityID: req.EntityID,
		Notes:    req.Notes,
	})
}

// StartFromUpload uploads the source image, then creates the job from it.
func (r *Registry) StartFromUpload(ctx context.Context, req UploadRequest) (string, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.Filename = strings.TrimSpace(req.Filename)
	req.Notes = strings.TrimSpace(req.Notes)
	if err := validateRequest(req); err != nil {
		return "", err
	}
	uploadID, err := r.client.Upload(ctx, req.Filename, req.Content)
	if err != nil {
		return "", fmt.Errorf("upload source image: %w", err)
	}
	return r.start(ctx, req.EntityID, req.EntityLabel, backend.SubmitRequest{
		Mode:     generation.ModeFromUpload,
		EntityID: req.EntityID,
		UploadID: uploadID,
		Notes:    req.Notes,
	})
}

func (r *Registry) StartFromText(ctx context.Context, req TextRequest) (string, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.Description = strings.TrimSpace(req.Description)
	if err := validateRequest(req); err != nil {
		return "", err
	}
	return r.start(ctx, req.EntityID, req.EntityLabel, backend.SubmitRequest{
		Mode:        generation.ModeFromText,
		EntityID:    req.EntityID,
		Description: req.Description,
	})
}

func (r *Registry) StartRegeneration(ctx context.Context, req RegenerateRequest) (string, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.ReferenceImageURL = strings.TrimSpace(req.ReferenceImageURL)
	req.Feedback = strings.TrimSpace(req.Feedback)
	if err := validateRequest(req); err != nil {
		return "", err
	}
	submit := backend.SubmitRequest{
		Mode:              generation.ModeRegenerate,
		EntityID:          req.EntityID,
		ReferenceImageURL: req.ReferenceImageURL,
		Notes:             req.Feedback,
	}
	if req.Reference != nil {
		name := strings.TrimSpace(req.ReferenceFilename)
		if name == "" {
			name = "reference.png"
		}
		uploadID, err := r.client.Upload(ctx, name, req.Reference)
		if err != nil {
			return "", fmt.Errorf("upload reference image: %w", err)
		}
		submit.UploadID = uploadID
	}
	return r.start(ctx, req.EntityID, req.EntityLabel, submit)
}

// start submits the job and only then creates the record. A failed
// submission leaves no trace.
func (r *Registry) start(ctx context.Context, entityID, label string, req backend.SubmitRequest) (string, error) {
	sub, err := r.client.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit %s generation: %w", req.Mode, err)
	}

	now := r.now()
	task := generation.Task{
		ID:                sub.TaskID,
		TargetEntityID:    entityID,
		TargetEntityLabel: strings.TrimSpace(label),
		Mode:              req.Mode,
		Status:            sub.Status,
		Progress:          generation.ClampProgress(sub.Progress),
		StatusMessage:     sub.StatusMessage,
		AutoApplyStatus:   generation.ApplyPending,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if task.Status == generation.StatusCompleted {
		task.Progress = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrRegistryClosed
	}
	if _, exists := r.tasks[task.ID]; exists {
		return "", fmt.Errorf("%w: duplicate task id %s", ErrInvalidTaskState, task.ID)
	}

	task.OwnerID = r.owner
	r.tasks[task.ID] = &task
	r.order = append(r.order, task.ID)
	r.submittedAt[task.ID] = now
	r.persistLocked(task)
	r.publishLocked(EventTaskCreated, &task, "")
	r.logger.Info("generation task created", "task_id", task.ID, "mode", task.Mode, "entity_id", entityID)

	switch {
	case task.Status == generation.StatusCompleted:
		r.engine.ApplyAsync(task.ID)
	case !task.Terminal():
		r.startTransportLocked(task.ID)
	}
	return task.ID, nil
}

func (r *Registry) startTransportLocked(taskID string) {
	if _, live := r.transports[taskID]; live {
		return
	}
	tr := transport.New(taskID, r.transportCfg, r.transportDeps, r.handleUpdate)
	r.transports[taskID] = tr
	tr.Start()
}

func (r *Registry) stopTransportLocked(taskID string) {
	if tr, ok := r.transports[taskID]; ok {
		delete(r.transports, taskID)
		tr.Stop()
	}
}

// handleUpdate folds a transport update into the task. Updates from a
// transport that no longer owns the task are dropped.
func (r *Registry) handleUpdate(tr *transport.Transport, u generation.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := tr.TaskID()
	if r.transports[id] != tr {
		return
	}
	current, ok := r.tasks[id]
	if !ok {
		r.stopTransportLocked(id)
		return
	}

	merged, changed := generation.Merge(*current, u, r.now())
	if merged.Terminal() {
		r.stopTransportLocked(id)
	}
	if !changed {
		return
	}
	r.tasks[id] = &merged
	r.persistLocked(merged)
	r.observeStagesLocked(*current, merged)

	switch {
	case merged.Status == generation.StatusCompleted && current.Status != generation.StatusCompleted:
		r.publishLocked(EventTaskCompleted, &merged, "")
		r.logger.Info("generation completed", "task_id", id)
	case merged.Status == generation.StatusFailed && current.Status != generation.StatusFailed:
		r.publishLocked(EventTaskFailed, &merged, merged.ErrorMessage)
		r.logger.Info("generation failed", "task_id", id, "error", merged.ErrorMessage)
	default:
		r.publishLocked(EventTaskUpdated, &merged, "")
	}

	if merged.Status == generation.StatusCompleted && merged.AutoApplyStatus == generation.ApplyPending {
		r.engine.ApplyAsync(id)
	}
}

func (r *Registry) observeStagesLocked(before, after generation.Task) {
	submitted, ok := r.submittedAt[after.ID]
	if !ok {
		return
	}
	if before.UpdatedAt.Equal(before.StartedAt) {
		r.metrics.ObserveStage(observability.StageSubmitToFirstUpdate, after.UpdatedAt.Sub(submitted))
	}
	if after.Terminal() {
		r.metrics.ObserveStage(observability.StageSubmitToTerminal, after.UpdatedAt.Sub(submitted))
		delete(r.submittedAt, after.ID)
	}
}

// Lookup implements autoapply.Recorder.
func (r *Registry) Lookup(taskID string) (generation.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return generation.Task{}, false
	}
	return task.Clone(), true
}

func (r *Registry) BeginApply(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status != generation.StatusCompleted {
		return fmt.Errorf("%w: cannot apply a %s task", ErrInvalidTaskState, task.Status)
	}
	next := task.Clone()
	next.AutoApplyStatus = generation.ApplyApplying
	next.ApplyError = ""
	next.UpdatedAt = r.now()
	r.tasks[taskID] = &next
	r.persistLocked(next)
	r.publishLocked(EventApplyStarted, &next, "")
	return nil
}

func (r *Registry) FinishApply(taskID string, snapshot json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	now := r.now()
	next := task.Clone()
	next.AutoApplyStatus = generation.ApplyApplied
	next.ApplyError = ""
	next.AppliedAt = &now
	next.AppliedResult = append(json.RawMessage(nil), snapshot...)
	next.UpdatedAt = now
	r.tasks[taskID] = &next
	r.persistLocked(next)
	r.cache.Put(next.TargetEntityID, snapshot)
	r.publishLocked(EventApplySucceeded, &next, "")
	r.publishLocked(EventCollectionInvalidated, &next, "entity updated by generation")
}

func (r *Registry) FailApply(taskID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return
	}
	next := task.Clone()
	next.AutoApplyStatus = generation.ApplyFailed
	next.ApplyError = message
	next.UpdatedAt = r.now()
	r.tasks[taskID] = &next
	r.persistLocked(next)
	r.publishLocked(EventApplyFailed, &next, message)
}

// RetryApply re-runs the apply for a completed task whatever its apply
// status. The attempt runs in the background; its outcome lands on the task.
func (r *Registry) RetryApply(taskID string) error {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	if task.Status != generation.StatusCompleted {
		r.mu.Unlock()
		return fmt.Errorf("%w: task is %s", ErrInvalidTaskState, task.Status)
	}
	closed := r.closed
	r.mu.Unlock()

	if closed {
		return ErrRegistryClosed
	}
	if r.engine.InFlight(taskID) {
		return ErrApplyInFlight
	}
	r.logger.Info("apply retry requested", "task_id", taskID)
	r.engine.ApplyAsync(taskID)
	return nil
}

// Dismiss hides a settled task. It is a no-op while either lifecycle is in
// flight; the returned bool reports whether the task is now dismissed.
func (r *Registry) Dismiss(taskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Dismissed() {
		return true, nil
	}
	if task.InFlight() || r.engine.InFlight(taskID) {
		r.logger.Debug("dismiss ignored for in-flight task", "task_id", taskID)
		return false, nil
	}

	r.stopTransportLocked(taskID)
	now := r.now()
	next := task.Clone()
	next.DismissedAt = &now
	next.UpdatedAt = now
	r.tasks[taskID] = &next
	r.persistLocked(next)
	r.publishLocked(EventTaskDismissed, &next, "")
	return true, nil
}

// ClearDismissed drops dismissed tasks from memory and storage.
func (r *Registry) ClearDismissed(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var drop []string
	kept := r.order[:0]
	for _, id := range r.order {
		task, ok := r.tasks[id]
		if ok && task.Dismissed() {
			drop = append(drop, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	if len(drop) == 0 {
		return 0, nil
	}
	for _, id := range drop {
		r.stopTransportLocked(id)
		delete(r.tasks, id)
		delete(r.submittedAt, id)
	}
	if err := r.store.Delete(ctx, drop...); err != nil {
		r.logger.Error("failed to prune dismissed tasks", "error", err, "count", len(drop))
		return len(drop), fmt.Errorf("prune dismissed tasks: %w", err)
	}
	r.publishLocked(EventCollectionInvalidated, nil, fmt.Sprintf("cleared %d dismissed task(s)", len(drop)))
	return len(drop), nil
}

// SyncOwner switches the registry to ownerID. When the owner changes, every
// task and transport of the previous owner is torn down.
func (r *Registry) SyncOwner(ctx context.Context, ownerID string) (bool, error) {
	ownerID = strings.TrimSpace(ownerID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if ownerID == r.owner {
		return false, nil
	}

	previous := r.owner
	for id := range r.transports {
		r.stopTransportLocked(id)
	}
	ids := append([]string(nil), r.order...)
	r.tasks = make(map[string]*generation.Task)
	r.order = nil
	r.submittedAt = make(map[string]time.Time)
	r.owner = ownerID
	r.cache.Clear()

	var errs []error
	if err := r.store.Delete(ctx, ids...); err != nil {
		errs = append(errs, fmt.Errorf("drop previous owner tasks: %w", err))
	}
	if err := r.store.SetOwner(ctx, ownerID); err != nil {
		errs = append(errs, fmt.Errorf("persist owner: %w", err))
	}
	r.publishLocked(EventOwnerChanged, nil, "")
	r.logger.Info("registry owner changed", "previous_owner", previous, "owner", ownerID, "dropped_tasks", len(ids))
	return true, errors.Join(errs...)
}

// Bootstrap resumes work left in flight by a previous process. Only the first
// call does anything.
func (r *Registry) Bootstrap() BootstrapReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report BootstrapReport
	if r.bootstrapped || r.closed {
		return report
	}
	r.bootstrapped = true

	for _, id := range r.order {
		task, ok := r.tasks[id]
		if !ok || task.Dismissed() {
			continue
		}
		switch {
		case !task.Terminal():
			if _, live := r.transports[id]; !live {
				r.startTransportLocked(id)
				report.Resumed++
			}
		case task.NeedsApply():
			if !r.engine.InFlight(id) {
				r.engine.ApplyAsync(id)
				report.Reapplied++
			}
		}
	}
	r.logger.Info("registry bootstrapped", "resumed", report.Resumed, "reapplied", report.Reapplied)
	return report
}

func (r *Registry) Get(taskID string) (generation.Task, error) {
	task, ok := r.Lookup(taskID)
	if !ok {
		return generation.Task{}, ErrTaskNotFound
	}
	return task, nil
}

// List returns tasks in submission order.
func (r *Registry) List(includeDismissed bool) []generation.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]generation.Task, 0, len(r.order))
	for _, id := range r.order {
		task, ok := r.tasks[id]
		if !ok || (!includeDismissed && task.Dismissed()) {
			continue
		}
		out = append(out, task.Clone())
	}
	return out
}

// ActiveCount reports the number of live transports.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

func (r *Registry) HasTransport(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.transports[taskID]
	return ok
}

// Entity returns the cached snapshot of an entity after a successful apply.
func (r *Registry) Entity(entityID string) (json.RawMessage, bool) {
	return r.cache.Get(entityID)
}

// WaitApplies blocks until background applies started so far have returned.
func (r *Registry) WaitApplies() {
	r.engine.Wait()
}

// Close stops every transport and waits for background applies. Records stay
// in the store so the next process can bootstrap from them.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id := range r.transports {
		r.stopTransportLocked(id)
	}
	r.mu.Unlock()

	r.engine.Close()
}

func (r *Registry) persistLocked(task generation.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.Upsert(ctx, task); err != nil {
		r.logger.Error("failed to persist task", "task_id", task.ID, "error", err)
	}
}

func (r *Registry) publishLocked(kind EventType, task *generation.Task, detail string) {
	r.metrics.ObserveRegistryEvent(string(kind))
	if r.publisher == nil {
		return
	}
	evt := Event{
		ID:      uuid.NewString(),
		Type:    kind,
		OwnerID: r.owner,
		Detail:  detail,
		At:      r.now(),
	}
	if task != nil {
		snapshot := task.Clone()
		evt.TaskID = snapshot.ID
		evt.EntityID = snapshot.TargetEntityID
		evt.Task = &snapshot
	}
	r.publisher.Publish(evt)
}
