package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages of a generation task's life, measured in wall-clock time.
const (
	StageSubmitToFirstUpdate = "submit_to_first_update"
	StageSubmitToTerminal    = "submit_to_terminal"
	StageTerminalToApplied   = "terminal_to_applied"
)

var stageTargets = map[string]time.Duration{
	StageSubmitToFirstUpdate: 3 * time.Second,
	StageSubmitToTerminal:    90 * time.Second,
	StageTerminalToApplied:   2 * time.Second,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  bool    `json:"over_target,omitempty"`
}

// Indicator counts a notable non-success outcome, e.g. an apply conflict.
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples per stage for the latency
// endpoint. Prometheus histograms hold the long-run view.
type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	ms    []float64
	head  int
	count int
	last  float64
}

func (r *sampleRing) push(v float64) {
	r.ms[r.head] = v
	r.head = (r.head + 1) % len(r.ms)
	if r.count < len(r.ms) {
		r.count++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.ms[:r.count])
	slices.Sort(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.rings[stage]
	if !ok {
		ring = &sampleRing{ms: make([]float64, w.size)}
		w.rings[stage] = ring
	}
	ring.push(float64(d) / float64(time.Millisecond))
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		ring := w.rings[stage]
		if ring.count == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, ring))
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, ring *sampleRing) StageStats {
	samples := ring.sorted()
	var sum float64
	for _, v := range samples {
		sum += v
	}
	stats := StageStats{
		Stage:   stage,
		Samples: len(samples),
		LastMS:  round2(ring.last),
		AvgMS:   round2(sum / float64(len(samples))),
		P50MS:   round2(quantile(samples, 0.50)),
		P95MS:   round2(quantile(samples, 0.95)),
		P99MS:   round2(quantile(samples, 0.99)),
	}
	if target, ok := stageTargets[stage]; ok {
		stats.TargetP95MS = float64(target.Milliseconds())
		stats.OverTarget = stats.P95MS > stats.TargetP95MS
	}
	return stats
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
