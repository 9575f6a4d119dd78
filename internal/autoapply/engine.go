// Package autoapply commits completed generation results to their target
// entity with bounded retries.
package autoapply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/observability"
	"github.com/antoniostano/posegen/internal/reliability"
)

var (
	ErrApplyInFlight = errors.New("apply already in flight for task")
	ErrNotCompleted  = errors.New("task has not completed")
	ErrUnknownTask   = errors.New("unknown task")
)

// Committer performs the commit call. It must be safe to repeat for the same
// task.
type Committer interface {
	Apply(ctx context.Context, entityID, taskID string) (json.RawMessage, error)
}

// Recorder is where the engine reads tasks and writes apply outcomes.
type Recorder interface {
	Lookup(taskID string) (generation.Task, bool)
	BeginApply(taskID string) error
	FinishApply(taskID string, snapshot json.RawMessage)
	FailApply(taskID string, message string)
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 10, BaseDelay: 250 * time.Millisecond, MaxDelay: 15 * time.Second}
}

type Engine struct {
	cfg       Config
	committer Committer
	recorder  Recorder
	metrics   *observability.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, committer Committer, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		committer: committer,
		metrics:   metrics,
		logger:    logging.Or(logger).With("component", "autoapply"),
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[string]struct{}),
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// Bind attaches the task store. It must be called before the first Apply.
func (e *Engine) Bind(r Recorder) {
	e.recorder = r
}

// Apply runs one attempt sequence for taskID and returns once it settles.
// A cancelled ctx leaves the task in applying so a later bootstrap resumes it.
func (e *Engine) Apply(ctx context.Context, taskID string) error {
	task, ok := e.recorder.Lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status != generation.StatusCompleted {
		return fmt.Errorf("%w: status %s", ErrNotCompleted, task.Status)
	}
	if !e.acquire(taskID) {
		return ErrApplyInFlight
	}
	defer e.release(taskID)

	if err := e.recorder.BeginApply(taskID); err != nil {
		return err
	}

	logger := e.logger.With("task_id", taskID, "entity_id", task.TargetEntityID)
	started := e.now()
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		snapshot, err := e.committer.Apply(ctx, task.TargetEntityID, taskID)
		if err == nil {
			e.metrics.ObserveApplyAttempt("success")
			e.metrics.ObserveApplyLatency(e.now().Sub(started))
			if !task.UpdatedAt.IsZero() {
				e.metrics.ObserveStage(observability.StageTerminalToApplied, e.now().Sub(task.UpdatedAt))
			}
			e.recorder.FinishApply(taskID, snapshot)
			logger.Info("generation applied", "attempts", attempt+1)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			logger.Info("apply interrupted", "error", err)
			return ctx.Err()
		}

		code := backend.StatusCode(err)
		if !reliability.IsRetryableApplyStatus(code) {
			e.metrics.ObserveApplyAttempt("fatal")
			e.metrics.ObserveApplyLatency(e.now().Sub(started))
			logger.Warn("apply failed", "status", code, "error", err)
			e.recorder.FailApply(taskID, failureMessage(err))
			return err
		}
		e.metrics.ObserveApplyAttempt(retryOutcome(code))
		if attempt == e.cfg.MaxAttempts-1 {
			break
		}

		delay := reliability.WithJitter(
			reliability.ExponentialBackoff(attempt, e.cfg.BaseDelay, e.cfg.MaxDelay),
			e.cfg.MaxDelay,
		)
		if code == http.StatusTooManyRequests {
			if hint, ok := backend.RetryAfter(err); ok {
				delay = reliability.BoundRetryAfter(hint, e.cfg.MaxDelay)
			}
		}
		logger.Debug("apply contended, retrying", "status", code, "attempt", attempt+1, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	e.metrics.ObserveApplyAttempt("exhausted")
	e.metrics.ObserveApplyLatency(e.now().Sub(started))
	msg := fmt.Sprintf("gave up after %d attempts: %s", e.cfg.MaxAttempts, failureMessage(lastErr))
	logger.Warn("apply retries exhausted", "error", lastErr)
	e.recorder.FailApply(taskID, msg)
	return lastErr
}

// ApplyAsync runs Apply on the engine's own context. Duplicate triggers are
// dropped by the in-flight guard.
func (e *Engine) ApplyAsync(taskID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.Apply(e.ctx, taskID)
		switch {
		case err == nil, errors.Is(err, ErrApplyInFlight), errors.Is(err, context.Canceled):
		default:
			e.logger.Debug("async apply ended with error", "task_id", taskID, "error", err)
		}
	}()
}

func (e *Engine) InFlight(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[taskID]
	return ok
}

// Wait blocks until every ApplyAsync call has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close interrupts pending retries and waits for async applies to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) acquire(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[taskID]; busy {
		return false
	}
	e.inFlight[taskID] = struct{}{}
	return true
}

func (e *Engine) release(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, taskID)
}

func retryOutcome(code int) string {
	switch code {
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "unavailable"
	}
}

func failureMessage(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return "target entity or generation not found"
		case http.StatusBadRequest:
			return "generation is not ready to apply: " + apiErr.Message
		}
		return apiErr.Message
	}
	if err == nil {
		return "apply failed"
	}
	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
