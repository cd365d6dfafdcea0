package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.ObserveIndicator(IndicatorBargeIn)
	w.ObserveIndicator(IndicatorBargeIn)

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio || s.Samples != 3 {
		t.Fatalf("stage = %+v", s)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 900 {
		t.Fatalf("TargetP95MS = %.2f, want 900", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageFirstDelta, float64(i*100))
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	// Only 700..1000 remain.
	if s.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850", s.AvgMS)
	}
	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("rtvoice_test")
	m.ActiveSessions.Inc()
	m.Responses.WithLabelValues("completed").Inc()
	m.ObserveFirstDeltaLatency(120 * time.Millisecond)
	m.TrackWorkpool("rtvoice_test", func() int { return 3 })

	// A second instance must not collide with the first.
	_ = NewMetrics("rtvoice_test")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"rtvoice_test_active_sessions 1",
		`rtvoice_test_responses_total{status="completed"} 1`,
		"rtvoice_test_workpool_in_flight 3",
		"rtvoice_test_first_delta_latency_ms_count 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if snap := m.LatencySnapshot(); len(snap.Stages) != 1 || snap.Stages[0].Stage != StageFirstDelta {
		t.Fatalf("LatencySnapshot() = %+v", snap)
	}
}
