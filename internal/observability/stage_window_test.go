package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	for _, ms := range []int{5000, 7000, 9000} {
		w.Observe(StageAgentLoop, time.Duration(ms)*time.Millisecond)
	}
	w.ObserveIndicator("degraded")
	w.ObserveIndicator(" degraded ")
	w.ObserveIndicator("")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageAgentLoop || s.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 samples of %q", s, StageAgentLoop)
	}
	if s.LastMS != 9000 || s.AvgMS != 7000 || s.P50MS != 7000 {
		t.Fatalf("last/avg/p50 = %.2f/%.2f/%.2f, want 9000/7000/7000", s.LastMS, s.AvgMS, s.P50MS)
	}
	if s.P95MS <= 7000 || s.P95MS > 9000 {
		t.Fatalf("P95MS = %.2f, want (7000,9000]", s.P95MS)
	}
	if s.TargetP95MS != 8000 || s.OverTarget != 1 {
		t.Fatalf("target/over = %.0f/%d, want 8000/1", s.TargetP95MS, s.OverTarget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0] != (Indicator{Name: "degraded", Count: 2}) {
		t.Fatalf("Indicators = %+v, want [{degraded 2}]", snap.Indicators)
	}
}

func TestStageWindowKeepsMostRecentSamples(t *testing.T) {
	w := newStageWindow(3)
	for ms := 1; ms <= 5; ms++ {
		w.Observe(StagePersist, time.Duration(ms)*time.Millisecond)
	}
	w.Observe(StagePersist, -time.Millisecond)

	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.AvgMS != 4 || s.LastMS != 5 {
		t.Fatalf("avg/last = %.2f/%.2f, want 4/5", s.AvgMS, s.LastMS)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	cases := map[float64]float64{0: 10, 50: 25, 100: 40}
	for p, want := range cases {
		if got := percentile(sorted, p); got != want {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}
