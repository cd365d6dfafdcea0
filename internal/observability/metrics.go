package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// instance owns its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry
	latency  *latencyWindow

	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ClientErrors      *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	CredentialRejects *prometheus.CounterVec
	Responses         *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram
	FirstAudioLatency prometheus.Histogram
	WorkpoolInFlight  prometheus.GaugeFunc
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		latency:  newLatencyWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime voice sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ClientErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_errors_total",
			Help:      "Error events sent to clients by type and code.",
		}, []string{"type", "code"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and code.",
		}, []string{"provider", "code"}),
		CredentialRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_rejects_total",
			Help:      "Rejected admissions by internal reason.",
		}, []string{"reason"}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Terminal responses by status.",
		}, []string{"status"}),
		FirstDeltaLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from response.created to the first output delta in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from response.created to the first audio delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

// TrackWorkpool exports the in-flight count reported by fn.
func (m *Metrics) TrackWorkpool(namespace string, fn func() int) {
	m.WorkpoolInFlight = promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workpool_in_flight",
		Help:      "Collaborator calls currently holding a workpool slot.",
	}, func() float64 { return float64(fn()) })
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageFirstDelta, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageFirstAudio, float64(d.Microseconds())/1000)
}

// ObserveStage records a latency sample for the rolling window only.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.latency.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latency.Snapshot()
}

func (m *Metrics) ResetLatency() {
	m.latency.Reset()
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
