// Package transport keeps one task's status stream alive. It prefers the
// push channel and falls back to polling whenever the channel is slow,
// silent, closed or cannot be built.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/observability"
	"github.com/antoniostano/posegen/internal/protocol"
	"github.com/antoniostano/posegen/internal/reliability"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StatePush       State = "push_active"
	StatePolling    State = "polling_active"
	StateTerminal   State = "terminal"
	StateStopped    State = "stopped"
)

const sessionExpiredMessage = "session expired, sign in again to keep tracking this generation"

type Config struct {
	FallbackDelay time.Duration
	SilenceDelay  time.Duration
	PollBase      time.Duration
	PollFactor    float64
	PollCap       time.Duration
	RefreshSkew   time.Duration
}

func DefaultConfig() Config {
	return Config{
		FallbackDelay: 2500 * time.Millisecond,
		SilenceDelay:  3500 * time.Millisecond,
		PollBase:      2 * time.Second,
		PollFactor:    1.2,
		PollCap:       15 * time.Second,
		RefreshSkew:   60 * time.Second,
	}
}

// Poller fetches one status snapshot.
type Poller interface {
	Status(ctx context.Context, taskID string) (protocol.StatusPayload, error)
}

type Deps struct {
	Poller      Poller
	Channels    backend.ChannelFactory
	Credentials auth.Credentials
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// UpdateFunc receives every normalized update. It runs on the transport's
// goroutine and must not block on the transport itself.
type UpdateFunc func(t *Transport, u generation.Update)

type Transport struct {
	taskID   string
	cfg      Config
	deps     Deps
	onUpdate UpdateFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	stateMu sync.RWMutex
	state   State

	// Loop-owned from here on.
	connected   chan connectResult
	pollResults chan pollResult
	channel     backend.Channel
	stream      <-chan backend.Message
	fallback    Slot
	silence     Slot
	poll        Slot
	pollBusy    bool
	pollAttempt int
}

type connectResult struct {
	channel backend.Channel
	stream  <-chan backend.Message
	err     error
}

type pollResult struct {
	payload protocol.StatusPayload
	err     error
}

func New(taskID string, cfg Config, deps Deps, onUpdate UpdateFunc) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		taskID:      taskID,
		cfg:         cfg,
		deps:        deps,
		onUpdate:    onUpdate,
		logger:      logging.Or(deps.Logger).With("component", "transport", "task_id", taskID),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateIdle,
		connected:   make(chan connectResult),
		pollResults: make(chan pollResult, 1),
	}
}

func (t *Transport) TaskID() string { return t.taskID }

func (t *Transport) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

// Done is closed once the loop has released every timer and channel.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Start() {
	t.startOnce.Do(func() {
		t.deps.Metrics.TransportStarted()
		go t.run()
	})
}

// Stop cancels the loop without waiting for it, so it is safe to call from
// inside an UpdateFunc. It is idempotent and valid in every state.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.cancel()
		started := true
		t.startOnce.Do(func() {
			started = false
			close(t.done)
		})
		if !started {
			t.setState(StateStopped)
		}
	})
}

func (t *Transport) setState(s State) {
	t.stateMu.Lock()
	prev := t.state
	if prev == s || prev == StateTerminal || prev == StateStopped {
		t.stateMu.Unlock()
		return
	}
	t.state = s
	t.stateMu.Unlock()
	t.deps.Metrics.ObserveTransition(string(s))
	t.logger.Debug("transport state changed", "from", prev, "to", s)
}

func (t *Transport) run() {
	defer close(t.done)
	defer t.release()

	t.setState(StateConnecting)
	if !t.ensureCredentials() {
		return
	}

	t.fallback.Arm(t.cfg.FallbackDelay)
	go t.connect()

	for {
		select {
		case <-t.ctx.Done():
			return

		case res := <-t.connected:
			if res.err != nil {
				t.logger.Info("push channel unavailable, polling", "error", res.err)
				t.enterPolling()
				continue
			}
			t.channel, t.stream = res.channel, res.stream
			t.enterPush()

		case msg, ok := <-t.stream:
			if !ok {
				t.dropChannel()
				t.enterPolling()
				continue
			}
			if t.onPushMessage(msg) {
				return
			}

		case <-t.fallback.C():
			t.fallback.Fired()
			if t.State() == StateConnecting {
				t.logger.Info("push channel slow to open, polling")
				t.enterPolling()
			}

		case <-t.silence.C():
			t.silence.Fired()
			if t.State() == StatePush {
				t.logger.Info("push channel silent, polling")
				t.enterPolling()
			}

		case <-t.poll.C():
			t.poll.Fired()
			t.startPoll()

		case res := <-t.pollResults:
			t.pollBusy = false
			if t.onPollResult(res) {
				return
			}
		}
	}
}

// ensureCredentials refreshes a stale credential before any channel opens.
// A failed refresh is the one case where the transport fails the task itself.
func (t *Transport) ensureCredentials() bool {
	creds := t.deps.Credentials
	if creds == nil || !creds.NeedsRefresh(t.cfg.RefreshSkew) {
		return true
	}
	if err := creds.Refresh(t.ctx); err != nil {
		if t.ctx.Err() != nil {
			return false
		}
		t.logger.Warn("credential refresh failed", "error", err)
		t.emit(generation.Failure(sessionExpiredMessage))
		t.setState(StateTerminal)
		return false
	}
	return true
}

func (t *Transport) connect() {
	res := t.openChannel()
	select {
	case t.connected <- res:
	case <-t.ctx.Done():
		if res.channel != nil {
			_ = res.channel.Close()
		}
	}
}

func (t *Transport) openChannel() connectResult {
	if t.deps.Channels == nil {
		return connectResult{err: backend.ErrPushUnavailable}
	}
	token := ""
	if t.deps.Credentials != nil {
		token = t.deps.Credentials.AccessToken()
	}
	ch, err := t.deps.Channels(t.taskID, token)
	if err != nil {
		return connectResult{err: fmt.Errorf("build push channel: %w", err)}
	}
	stream, err := ch.Connect(t.ctx)
	if err != nil {
		_ = ch.Close()
		return connectResult{err: err}
	}
	return connectResult{channel: ch, stream: stream}
}

func (t *Transport) enterPush() {
	t.fallback.Cancel()
	t.poll.Cancel()
	t.silence.Arm(t.cfg.SilenceDelay)
	t.setState(StatePush)
}

// enterPolling restarts polling from the base delay. The push channel, if
// any, stays open so a late event can still win.
func (t *Transport) enterPolling() {
	t.fallback.Cancel()
	t.silence.Cancel()
	if t.State() == StatePolling {
		return
	}
	t.setState(StatePolling)
	t.pollAttempt = 0
	t.poll.Cancel()
	t.startPoll()
}

func (t *Transport) onPushMessage(msg backend.Message) bool {
	t.deps.Metrics.ObservePushMessage(string(msg.Kind))
	switch msg.Kind {
	case backend.KindProgress:
		if t.emit(msg.Payload.Update()) {
			return true
		}
		t.enterPush()
	case backend.KindPong:
		// Liveness only.
	case backend.KindClosed:
		t.logger.Info("push channel closed, polling", "code", msg.CloseCode)
		t.dropChannel()
		t.enterPolling()
	case backend.KindError:
		t.logger.Info("push channel error, polling", "error", msg.Err)
		t.dropChannel()
		t.enterPolling()
	}
	return false
}

func (t *Transport) startPoll() {
	if t.pollBusy || t.deps.Poller == nil {
		return
	}
	t.pollBusy = true
	ctx := t.ctx
	go func() {
		payload, err := t.deps.Poller.Status(ctx, t.taskID)
		t.pollResults <- pollResult{payload: payload, err: err}
	}()
}

func (t *Transport) onPollResult(res pollResult) bool {
	if t.ctx.Err() != nil {
		return true
	}
	delay := reliability.GrowthBackoff(t.pollAttempt, t.cfg.PollBase, t.cfg.PollFactor, t.cfg.PollCap)

	if res.err != nil {
		code := backend.StatusCode(res.err)
		switch {
		case reliability.IsFatalPollStatus(code):
			t.deps.Metrics.ObservePoll("fatal")
			t.logger.Warn("status poll rejected, giving up", "status", code, "error", res.err)
			t.emit(generation.Failure(fatalPollMessage(code)))
			t.setState(StateTerminal)
			return true
		case code == http.StatusTooManyRequests:
			t.deps.Metrics.ObservePoll("rate_limited")
			if hint, ok := backend.RetryAfter(res.err); ok {
				delay = reliability.BoundRetryAfter(hint, t.cfg.PollCap)
			}
		default:
			if errors.Is(res.err, context.Canceled) {
				return true
			}
			t.deps.Metrics.ObservePoll("error")
			t.logger.Debug("status poll failed", "error", res.err)
		}
	} else {
		t.deps.Metrics.ObservePoll("ok")
		if t.emit(res.payload.Update()) {
			return true
		}
	}

	t.pollAttempt++
	if t.State() == StatePolling {
		t.poll.Arm(delay)
	}
	return false
}

func fatalPollMessage(code int) string {
	switch code {
	case http.StatusNotFound:
		return "generation task not found"
	default:
		return fmt.Sprintf("not authorized to track this generation (status %d)", code)
	}
}

// emit forwards u and reports whether it ended the task.
func (t *Transport) emit(u generation.Update) bool {
	if t.stopped.Load() {
		return true
	}
	if t.onUpdate != nil {
		t.onUpdate(t, u)
	}
	if generation.IsTerminal(u.Status) {
		t.logger.Info("task reached terminal status", "status", u.Status)
		t.setState(StateTerminal)
		return true
	}
	return false
}

func (t *Transport) dropChannel() {
	if t.channel != nil {
		_ = t.channel.Close()
	}
	t.channel = nil
	t.stream = nil
}

func (t *Transport) release() {
	t.fallback.Cancel()
	t.silence.Cancel()
	t.poll.Cancel()
	t.dropChannel()
	t.cancel()
	if t.stopped.Load() {
		t.stateMu.Lock()
		if t.state != StateTerminal {
			t.state = StateStopped
		}
		t.stateMu.Unlock()
	}
	t.deps.Metrics.TransportStopped()
}
