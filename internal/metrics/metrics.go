package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"agent-relay/internal/domain"
)

const namespace = "agent_relay"

// Relay agrupa los colectores del relay. Un *Relay nil es valido y no registra nada.
type Relay struct {
	events          *prometheus.CounterVec
	streams         *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	malformedFrames prometheus.Counter
	fallbacks       *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	streamDuration  prometheus.Histogram
	activeStreams   prometheus.Gauge
	rateLimited     prometheus.Counter
}

func NewRelay(reg prometheus.Registerer) *Relay {
	f := promauto.With(reg)
	return &Relay{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Normalized events forwarded to clients, by type.",
		}, []string{"type"}),
		streams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Relay streams by outcome (ended, failed, canceled).",
		}, []string{"outcome"}),
		upstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Errors talking to the agent, by stage.",
		}, []string{"stage"}),
		malformedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Upstream frames dropped because their payload could not be parsed.",
		}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_fallbacks_total",
			Help:      "File-mode requests retried as text, by result.",
		}, []string{"result"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tokens_total",
			Help:      "Token usage reported by the agent.",
		}, []string{"direction"}),
		streamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Wall time of relay streams.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently open.",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
}

func (m *Relay) ObserveEvent(t domain.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t)).Inc()
}

// StreamStarted devuelve la funcion que cierra la medicion del stream.
func (m *Relay) StreamStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.activeStreams.Inc()
	return func(outcome string) {
		m.activeStreams.Dec()
		m.streams.WithLabelValues(outcome).Inc()
		m.streamDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Relay) UpstreamError(stage string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(stage).Inc()
}

func (m *Relay) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Relay) Fallback(result string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(result).Inc()
}

func (m *Relay) Tokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.tokens.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.tokens.WithLabelValues("output").Add(float64(output))
	}
}

func (m *Relay) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
