package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stage names observed by the turn processor.
const (
	StageFirstFragment = "final_to_first_fragment"
	StageAgentReply    = "agent_reply"
	StageSynthesis     = "synthesis"
	StageFinalToAudio  = "final_to_audio"
	StageTurnTotal     = "turn_total"
)

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// sampleRing keeps the most recent samples of one stage.
type sampleRing struct {
	values []float64
	size   int
	next   int
	last   float64
}

func (r *sampleRing) add(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.size < len(r.values) {
		r.size++
	}
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.values[:r.size])
	slices.Sort(out)
	return out
}

type turnStageWindow struct {
	mu         sync.RWMutex
	capacity   int
	stages     map[string]*sampleRing
	indicators map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &turnStageWindow{
		capacity:   capacity,
		stages:     make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.stages[stage]
	if !ok {
		ring = &sampleRing{values: make([]float64, w.capacity)}
		w.stages[stage] = ring
	}
	ring.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for stage, ring := range w.stages {
		if ring.size == 0 {
			continue
		}
		samples := ring.sorted()
		var sum float64
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, TurnStageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(ring.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetP95MS(stage),
		})
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

// quantile interpolates linearly between the two nearest ranks.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo <= 0 && hi <= 0 {
		return sorted[0]
	}
	if hi >= n {
		return sorted[n-1]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case StageFirstFragment:
		return 900
	case StageAgentReply:
		return 4000
	case StageSynthesis:
		return 1500
	default:
		return 0
	}
}
