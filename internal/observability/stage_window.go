package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Request stages observed by the conversation orchestrator.
const (
	StageMemoryContext = "memory_context"
	StageAgentLoop     = "agent_loop"
	StagePersist       = "persist"
	StageRequestTotal  = "request_total"
)

// p95 latency goals in milliseconds, reported next to the measured values.
var stageTargets = map[string]float64{
	StageMemoryContext: 100,
	StagePersist:       250,
	StageAgentLoop:     8000,
	StageRequestTotal:  10000,
}

// StageStats summarizes recent latencies of one request stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"lastMs"`
	AvgMS       float64 `json:"avgMs"`
	P50MS       float64 `json:"p50Ms"`
	P95MS       float64 `json:"p95Ms"`
	P99MS       float64 `json:"p99Ms"`
	TargetP95MS float64 `json:"targetP95Ms,omitempty"`
	OverTarget  int     `json:"overTarget,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// StageSnapshot is the rolling latency view served by the perf endpoint.
type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	WindowSize  int          `json:"windowSize"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent len(vals) samples.
type ring struct {
	vals []float64
	n    int
	pos  int
	last float64
}

func (r *ring) add(v float64) {
	r.vals[r.pos] = v
	r.pos = (r.pos + 1) % len(r.vals)
	if r.n < len(r.vals) {
		r.n++
	}
	r.last = v
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.vals[:r.n])
	slices.Sort(out)
	return out
}

type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &ring{vals: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(float64(d) / float64(time.Millisecond))
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[stage]
		if r.n == 0 {
			continue
		}
		samples := r.sorted()
		target := stageTargets[stage]
		var sum float64
		over := 0
		for _, v := range samples {
			sum += v
			if target > 0 && v > target {
				over++
			}
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     r.n,
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(r.n)),
			P50MS:       round2(percentile(samples, 50)),
			P95MS:       round2(percentile(samples, 95)),
			P99MS:       round2(percentile(samples, 99)),
			TargetP95MS: target,
			OverTarget:  over,
		})
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo, frac := math.Modf(rank)
	i := int(lo)
	if i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
