package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := NewStageWindow(8)
	for _, ms := range []int{900, 500, 700} {
		w.Observe(StageToolCall, time.Duration(ms)*time.Millisecond)
	}
	w.Observe(StageModelConnect, 1500*time.Microsecond)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != StageModelConnect || snap.Stages[1].Stage != StageToolCall {
		t.Fatalf("stages = %+v, want sorted by name", snap.Stages)
	}
	if got := snap.Stages[0].LastMS; got != 1.5 {
		t.Fatalf("model_connect LastMS = %v, want 1.5", got)
	}
	s := snap.Stages[1]
	if s.Samples != 3 || s.LastMS != 700 || s.P50MS != 700 || s.P95MS != 900 {
		t.Fatalf("tool_call = %+v, want 3 samples, last 700, p50 700, p95 900", s)
	}
}

func TestStageWindowKeepsMostRecent(t *testing.T) {
	w := NewStageWindow(2)
	w.Observe(StageReconfigure, 100*time.Millisecond)
	w.Observe(StageReconfigure, 20*time.Millisecond)
	w.Observe(StageReconfigure, 30*time.Millisecond)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.P95MS != 30 {
		t.Fatalf("P95MS = %v, want 30 once the 100ms sample aged out", s.P95MS)
	}
}

func TestNilStageWindowIsSafe(t *testing.T) {
	var w *StageWindow
	w.Observe(StageToolCall, time.Second)
	if snap := w.Snapshot(); len(snap.Stages) != 0 {
		t.Fatalf("Stages = %+v, want empty", snap.Stages)
	}
}
