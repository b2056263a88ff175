package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	AICalls             *prometheus.CounterVec
	AILatency           prometheus.Histogram
	CaptureRestarts     *prometheus.CounterVec
	PlaybackOutcomes    *prometheus.CounterVec
	AnalysisOutcomes    *prometheus.CounterVec
	InvariantViolations *prometheus.CounterVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active rehearsal sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction, type and result.",
		}, []string{"direction", "type", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		AICalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_calls_total",
			Help:      "AI-response calls by outcome.",
		}, []string{"outcome"}),
		AILatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_response_latency_ms",
			Help:      "Time from utterance dispatch to AI reply in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 1500, 2500, 4000, 6000, 10000},
		}),
		CaptureRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_restarts_total",
			Help:      "Supervised speech-capture restarts by result.",
		}, []string{"result"}),
		PlaybackOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_outcomes_total",
			Help:      "Finished playbacks by outcome.",
		}, []string{"outcome"}),
		AnalysisOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_outcomes_total",
			Help:      "End-of-session analyses by status.",
		}, []string{"status"}),
		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Turn-taking invariant violations by kind.",
		}, []string{"kind"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveInbound(msgType string) {
	m.WSMessages.WithLabelValues("inbound", msgType, "received").Inc()
}

func (m *Metrics) ObserveOutbound(msgType, result string) {
	m.WSMessages.WithLabelValues("outbound", msgType, result).Inc()
}

// ObserveStage records a provider stage duration in the latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.latency.observe(stage, float64(d.Microseconds())/1000)
}

// ObserveAIResponse records dispatch-to-reply time as seen by a conversation.
func (m *Metrics) ObserveAIResponse(d time.Duration) {
	m.AILatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.latency.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
