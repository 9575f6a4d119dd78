package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/protocol"
)

func fastConfig() Config {
	return Config{
		FallbackDelay: 20 * time.Millisecond,
		SilenceDelay:  30 * time.Millisecond,
		PollBase:      5 * time.Millisecond,
		PollFactor:    1.2,
		PollCap:       50 * time.Millisecond,
	}
}

type pollStep struct {
	payload protocol.StatusPayload
	err     error
}

type scriptedPoller struct {
	mu    sync.Mutex
	steps []pollStep
	calls []time.Time
	busy  atomic.Int32
	peak  atomic.Int32
}

func (p *scriptedPoller) Status(ctx context.Context, taskID string) (protocol.StatusPayload, error) {
	n := p.busy.Add(1)
	defer p.busy.Add(-1)
	if n > p.peak.Load() {
		p.peak.Store(n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, time.Now())
	if len(p.steps) == 0 {
		return protocol.StatusPayload{TaskID: taskID, Status: "processing"}, nil
	}
	step := p.steps[0]
	if len(p.steps) > 1 {
		p.steps = p.steps[1:]
	}
	return step.payload, step.err
}

func (p *scriptedPoller) callTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

type fakeChannel struct {
	block    bool
	msgs     []backend.Message
	closeOut bool
	closed   atomic.Int32
}

func (c *fakeChannel) Connect(ctx context.Context) (<-chan backend.Message, error) {
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make(chan backend.Message, len(c.msgs)+1)
	for _, m := range c.msgs {
		out <- m
	}
	if c.closeOut {
		close(out)
	}
	return out, nil
}

func (c *fakeChannel) Close() error {
	c.closed.Add(1)
	return nil
}

type recorder struct {
	mu      sync.Mutex
	updates []generation.Update
}

func (r *recorder) onUpdate(_ *Transport, u generation.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) snapshot() []generation.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]generation.Update(nil), r.updates...)
}

func (r *recorder) last() generation.Update {
	all := r.snapshot()
	if len(all) == 0 {
		return generation.Update{}
	}
	return all[len(all)-1]
}

type failingCreds struct{}

func (failingCreds) AccessToken() string { return "expired" }

func (failingCreds) NeedsRefresh(time.Duration) bool { return true }

func (failingCreds) Refresh(context.Context) error { return errors.New("refresh token revoked") }

func progress(v int) *int { return &v }

func waitDone(t *testing.T, tr *Transport) {
	t.Helper()
	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("transport did not finish, state=%s", tr.State())
	}
}

func staticFactory(ch backend.Channel) (backend.ChannelFactory, *atomic.Int32) {
	var built atomic.Int32
	return func(string, string) (backend.Channel, error) {
		built.Add(1)
		return ch, nil
	}, &built
}

func TestFallbackToPollingReachesCompleted(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "processing", Progress: progress(40)}},
		{payload: protocol.StatusPayload{
			TaskID:   "t1",
			Status:   "completed",
			Progress: progress(100),
			Result:   &generation.Result{PhotoURL: "https://cdn/p.png"},
		}},
	}}
	ch := &fakeChannel{block: true}
	factory, _ := staticFactory(ch)
	rec := &recorder{}

	tr := New("t1", fastConfig(), Deps{Poller: poller, Channels: factory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Equal(t, StateTerminal, tr.State())
	updates := rec.snapshot()
	require.Len(t, updates, 2)
	assert.Equal(t, generation.StatusProcessing, updates[0].Status)
	assert.Equal(t, generation.StatusCompleted, updates[1].Status)
	require.NotNil(t, updates[1].Result)
	assert.Equal(t, "https://cdn/p.png", updates[1].Result.PhotoURL)
}

func TestPushDeliversWithoutPolling(t *testing.T) {
	poller := &scriptedPoller{}
	ch := &fakeChannel{msgs: []backend.Message{
		{Kind: backend.KindPong},
		{Kind: backend.KindProgress, Payload: protocol.StatusPayload{TaskID: "t1", Status: "processing", Progress: progress(60)}},
		{Kind: backend.KindProgress, Payload: protocol.StatusPayload{TaskID: "t1", Status: "completed", Progress: progress(100)}},
	}}
	factory, built := staticFactory(ch)
	rec := &recorder{}

	cfg := fastConfig()
	cfg.FallbackDelay = time.Second
	tr := New("t1", cfg, Deps{Poller: poller, Channels: factory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Equal(t, int32(1), built.Load())
	assert.Empty(t, poller.callTimes())
	assert.Len(t, rec.snapshot(), 2, "pong frames never reach the task")
	assert.Equal(t, generation.StatusCompleted, rec.last().Status)
	assert.GreaterOrEqual(t, ch.closed.Load(), int32(1))
}

func TestNormalCloseFallsBackToPolling(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "completed", Progress: progress(100)}},
	}}
	ch := &fakeChannel{closeOut: true, msgs: []backend.Message{
		{Kind: backend.KindClosed, CloseCode: 1000},
	}}
	factory, _ := staticFactory(ch)
	rec := &recorder{}

	cfg := fastConfig()
	cfg.FallbackDelay = time.Second
	tr := New("t1", cfg, Deps{Poller: poller, Channels: factory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Len(t, poller.callTimes(), 1)
	assert.Equal(t, generation.StatusCompleted, rec.last().Status)
}

func TestSilentChannelFallsBackToPolling(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "processing", Progress: progress(20)}},
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "completed", Progress: progress(100)}},
	}}
	ch := &fakeChannel{msgs: []backend.Message{{Kind: backend.KindPong}}}
	factory, _ := staticFactory(ch)
	rec := &recorder{}

	cfg := fastConfig()
	cfg.FallbackDelay = time.Second
	tr := New("t1", cfg, Deps{Poller: poller, Channels: factory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Len(t, poller.callTimes(), 2)
	assert.Equal(t, generation.StatusCompleted, rec.last().Status)
}

func TestChannelConstructionFailureFallsBackToPolling(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "failed", ErrorMessage: strPtr("model crashed")}},
	}}
	rec := &recorder{}

	cfg := fastConfig()
	cfg.FallbackDelay = time.Second
	tr := New("t1", cfg, Deps{Poller: poller, Channels: backend.MockChannelFactory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	last := rec.last()
	assert.Equal(t, generation.StatusFailed, last.Status)
	require.NotNil(t, last.ErrorMessage)
	assert.Equal(t, "model crashed", *last.ErrorMessage)
}

func TestFatalPollStatusFailsTask(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{err: &backend.APIError{StatusCode: http.StatusNotFound, Message: "not found"}},
	}}
	rec := &recorder{}

	tr := New("t1", fastConfig(), Deps{Poller: poller, Channels: backend.MockChannelFactory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Len(t, poller.callTimes(), 1)
	last := rec.last()
	assert.Equal(t, generation.StatusFailed, last.Status)
	require.NotNil(t, last.ErrorMessage)
	assert.Contains(t, *last.ErrorMessage, "not found")
}

func TestRateLimitedPollHonorsRetryAfter(t *testing.T) {
	hint := 80 * time.Millisecond
	poller := &scriptedPoller{steps: []pollStep{
		{err: &backend.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: hint}},
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "completed", Progress: progress(100)}},
	}}
	rec := &recorder{}

	cfg := fastConfig()
	cfg.PollCap = time.Second
	tr := New("t1", cfg, Deps{Poller: poller, Channels: backend.MockChannelFactory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	calls := poller.callTimes()
	require.Len(t, calls, 2)
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), hint)
	assert.Equal(t, generation.StatusCompleted, rec.last().Status)
}

func TestTransientPollErrorsKeepPolling(t *testing.T) {
	poller := &scriptedPoller{steps: []pollStep{
		{err: errors.New("connection reset")},
		{err: &backend.APIError{StatusCode: http.StatusBadGateway}},
		{payload: protocol.StatusPayload{TaskID: "t1", Status: "completed", Progress: progress(100)}},
	}}
	rec := &recorder{}

	tr := New("t1", fastConfig(), Deps{Poller: poller, Channels: backend.MockChannelFactory}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Len(t, poller.callTimes(), 3)
	assert.Equal(t, int32(1), poller.peak.Load(), "at most one poll in flight")
	assert.Equal(t, generation.StatusCompleted, rec.last().Status)
}

func TestRefreshFailureFailsWithoutOpeningChannel(t *testing.T) {
	poller := &scriptedPoller{}
	factory, built := staticFactory(&fakeChannel{block: true})
	rec := &recorder{}

	tr := New("t1", fastConfig(), Deps{
		Poller:      poller,
		Channels:    factory,
		Credentials: failingCreds{},
	}, rec.onUpdate)
	tr.Start()
	waitDone(t, tr)

	assert.Equal(t, StateTerminal, tr.State())
	assert.Zero(t, built.Load())
	assert.Empty(t, poller.callTimes())
	last := rec.last()
	assert.Equal(t, generation.StatusFailed, last.Status)
	require.NotNil(t, last.ErrorMessage)
	assert.Contains(t, *last.ErrorMessage, "session expired")
}

func TestStopIsIdempotentAndReleasesChannel(t *testing.T) {
	ch := &fakeChannel{msgs: []backend.Message{{Kind: backend.KindPong}}}
	factory, _ := staticFactory(ch)
	rec := &recorder{}

	cfg := fastConfig()
	cfg.SilenceDelay = time.Second
	tr := New("t1", cfg, Deps{Poller: &scriptedPoller{}, Channels: factory}, rec.onUpdate)
	tr.Start()
	require.Eventually(t, func() bool { return tr.State() == StatePush }, time.Second, time.Millisecond)

	tr.Stop()
	tr.Stop()
	waitDone(t, tr)
	tr.Stop()

	assert.Equal(t, StateStopped, tr.State())
	assert.Equal(t, int32(1), ch.closed.Load())
	assert.Empty(t, rec.snapshot())
}

func TestStopBeforeStart(t *testing.T) {
	tr := New("t1", fastConfig(), Deps{}, nil)
	tr.Stop()
	tr.Start()
	waitDone(t, tr)
	assert.Equal(t, StateStopped, tr.State())
}

func strPtr(v string) *string { return &v }
