package observability

import (
	"sort"
	"sync"
	"time"
)

// Session stages reported by GET /v1/perf/latency.
const (
	StageParticipantWait = "participant_wait"
	StageModelConnect    = "model_connect"
	StageJoinToActive    = "join_to_active"
	StageToolCall        = "tool_call"
	StageReconfigure     = "reconfigure"
)

type StageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Stages      []StageStats `json:"stages"`
}

// StageWindow remembers the most recent durations of each stage.
type StageWindow struct {
	mu     sync.Mutex
	keep   int
	recent map[string][]time.Duration
}

func NewStageWindow(keep int) *StageWindow {
	if keep <= 0 {
		keep = 256
	}
	return &StageWindow{keep: keep, recent: make(map[string][]time.Duration)}
}

func (w *StageWindow) Observe(stage string, d time.Duration) {
	if w == nil || stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := append(w.recent[stage], d)
	if len(samples) > w.keep {
		samples = samples[len(samples)-w.keep:]
	}
	w.recent[stage] = samples
}

// Snapshot reports stages in name order. Percentiles use the nearest rank.
func (w *StageWindow) Snapshot() StageSnapshot {
	snap := StageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for stage, samples := range w.recent {
		sorted := append([]time.Duration(nil), samples...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.Stages = append(snap.Stages, StageStats{
			Stage:   stage,
			Samples: len(sorted),
			LastMS:  millis(samples[len(samples)-1]),
			P50MS:   millis(nearestRank(sorted, 50)),
			P95MS:   millis(nearestRank(sorted, 95)),
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })
	return snap
}

func nearestRank(sorted []time.Duration, pct int) time.Duration {
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
