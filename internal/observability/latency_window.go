package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stage names for the rolling latency window.
const (
	StageFirstDelta                = "response_to_first_delta"
	StageFirstAudio                = "response_to_first_audio"
	StageSpeechStoppedToFirstAudio = "speech_stopped_to_first_audio"
	StageTranscription             = "transcription"
	StageResponseTotal             = "response_total"
)

// Indicator names counted alongside the stages.
const (
	IndicatorBargeIn         = "barge_in"
	IndicatorCancelled       = "response_cancelled"
	IndicatorTimeout         = "response_timeout"
	IndicatorDeferred        = "response_deferred"
	IndicatorTranscribeError = "transcription_failed"
)

var stageTargetsP95MS = map[string]float64{
	StageFirstDelta:                550,
	StageFirstAudio:                900,
	StageSpeechStoppedToFirstAudio: 1200,
	StageTranscription:             800,
	StageResponseTotal:             3200,
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
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// LatencySnapshot is served by /v1/perf/latency.
type LatencySnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// latencyWindow keeps the last maxSamples observations per stage.
type latencyWindow struct {
	mu         sync.RWMutex
	maxSamples int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	count  int
	last   float64
}

func (r *ring) push(v float64) {
	r.values[r.count%len(r.values)] = v
	r.count++
	r.last = v
}

func (r *ring) sorted() []float64 {
	n := min(r.count, len(r.values))
	out := slices.Clone(r.values[:n])
	slices.Sort(out)
	return out
}

func newLatencyWindow(maxSamples int) *latencyWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &latencyWindow{
		maxSamples: maxSamples,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.maxSamples)}
		w.rings[stage] = r
	}
	r.push(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range slices.Sorted(maps.Keys(w.rings)) {
		r := w.rings[stage]
		samples := r.sorted()
		if len(samples) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(samples),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(samples))),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			P99MS:       round2(quantile(samples, 0.99)),
			TargetP95MS: stageTargetsP95MS[stage],
		})
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.rings)
	clear(w.indicators)
}

// quantile interpolates linearly between closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	q = math.Max(0, math.Min(1, q))
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
