package monitoring

import (
	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records call metrics on the softphone and routing
// metrics on the relay.
type PrometheusCollector struct {
	// Calls
	callsStarted   *prometheus.CounterVec
	callsActive    prometheus.Gauge
	callsFinished  *prometheus.CounterVec
	callSetup      prometheus.Histogram
	pathRestarts   *prometheus.CounterVec
	silentRetries  prometheus.Counter
	callsConnected prometheus.Counter

	// Relay
	connectionsOpen   prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesRouted    *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	credentialsIssued *prometheus.CounterVec
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers every collector on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_started_total",
			Help: "Calls placed or received",
		}, []string{"role", "kind"}),

		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_calls_active",
			Help: "Calls between start and a terminal state",
		}),

		callsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_finished_total",
			Help: "Calls that reached a terminal state",
		}, []string{"role", "outcome", "reason"}),

		callSetup: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_setup_duration_seconds",
			Help:    "Time from placing or receiving a call to connected",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
		}),

		pathRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_path_restarts_total",
			Help: "ICE restarts started to recover a stuck network path",
		}, []string{"role"}),

		silentRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "peercall_silent_audio_retries_total",
			Help: "Audio captures retried because the first device was silent",
		}),

		callsConnected: f.NewCounter(prometheus.CounterOpts{
			Name: "peercall_calls_connected_total",
			Help: "Calls that reached connected",
		}),

		connectionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_relay_connections",
			Help: "Open signaling channels on this relay instance",
		}),

		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "peercall_relay_connections_total",
			Help: "Signaling channels accepted",
		}),

		messagesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_messages_routed_total",
			Help: "Signaling messages routed by type",
		}, []string{"type"}),

		messagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_messages_dropped_total",
			Help: "Signaling messages not routed, by type and reason",
		}, []string{"type", "reason"}),

		credentialsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_turn_credentials_issued_total",
			Help: "TURN credential requests by result",
		}, []string{"result"}),
	}
}

func (c *PrometheusCollector) CallStarted(role domain.Role, kind domain.MediaKind) {
	c.callsStarted.WithLabelValues(role.String(), string(kind)).Inc()
	c.callsActive.Inc()
}

func (c *PrometheusCollector) CallFinished(role domain.Role, outcome domain.State, reason domain.EndReason) {
	c.callsFinished.WithLabelValues(role.String(), outcome.String(), string(reason)).Inc()
	c.callsActive.Dec()
}

func (c *PrometheusCollector) CallConnected(setupSeconds float64) {
	c.callsConnected.Inc()
	c.callSetup.Observe(setupSeconds)
}

func (c *PrometheusCollector) PathRestart(role domain.Role) {
	c.pathRestarts.WithLabelValues(role.String()).Inc()
}

func (c *PrometheusCollector) SilentAudioRetry() {
	c.silentRetries.Inc()
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsOpen.Inc()
	c.connectionsTotal.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsOpen.Dec()
}

func (c *PrometheusCollector) MessageRouted(msgType domain.MessageType) {
	c.messagesRouted.WithLabelValues(string(msgType)).Inc()
}

func (c *PrometheusCollector) MessageDropped(msgType domain.MessageType, reason string) {
	t := string(msgType)
	if t == "" {
		t = "unknown"
	}
	c.messagesDropped.WithLabelValues(t, reason).Inc()
}

func (c *PrometheusCollector) CredentialsIssued(success bool) {
	result := "success"
	if !success {
		result = "unavailable"
	}
	c.credentialsIssued.WithLabelValues(result).Inc()
}
