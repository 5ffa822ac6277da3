package monitoring

import (
	"time"

	"avatarlink/internal/core/ports"
	"avatarlink/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records provider-layer metrics in Prometheus.
type Collector struct {
	// Counters
	connectionsTotal *prometheus.CounterVec
	switchesTotal    *prometheus.CounterVec
	chunksSentTotal  *prometheus.CounterVec
	bytesSentTotal   *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec

	// Histograms
	connectDuration *prometheus.HistogramVec
	switchDuration  *prometheus.HistogramVec

	// Gauges
	networkScore   *prometheus.GaugeVec
	activeProvider *prometheus.GaugeVec
}

var _ ports.Metrics = (*Collector)(nil)

// NewCollector registers the avatarlink metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_provider_connections_total",
			Help: "Provider connect attempts by result",
		}, []string{"provider", "result"}),

		switchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_provider_switches_total",
			Help: "Provider switches by target and result",
		}, []string{"from", "to", "result"}),

		chunksSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_message_chunks_sent_total",
			Help: "Chat chunks written to the data channel",
		}, []string{"provider"}),

		bytesSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_message_bytes_sent_total",
			Help: "Encoded bytes written to the data channel",
		}, []string{"provider"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_messages_total",
			Help: "Chat messages by result",
		}, []string{"provider", "result"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatarlink_provider_errors_total",
			Help: "Normalized provider errors by code",
		}, []string{"provider", "code"}),

		connectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarlink_provider_connect_duration_seconds",
			Help:    "Time to join a room",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),

		switchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "avatarlink_provider_switch_duration_seconds",
			Help:    "Time to hand a session to another provider",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"to"}),

		networkScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avatarlink_network_quality_score",
			Help: "Latest connection quality score (0-100)",
		}, []string{"provider"}),

		activeProvider: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avatarlink_active_provider",
			Help: "1 for the provider currently holding the session",
		}, []string{"provider"}),
	}
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	if se := errors.GetStreamingError(err); se != nil {
		return string(se.Code)
	}
	return "error"
}

func (c *Collector) ConnectAttempt(provider string, err error, d time.Duration) {
	c.connectionsTotal.WithLabelValues(provider, result(err)).Inc()
	c.connectDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (c *Collector) SwitchCompleted(from, to string, err error, d time.Duration) {
	if from == "" {
		from = "none"
	}
	c.switchesTotal.WithLabelValues(from, to, result(err)).Inc()
	c.switchDuration.WithLabelValues(to).Observe(d.Seconds())
}

func (c *Collector) ChunkSent(provider string, bytes int) {
	c.chunksSentTotal.WithLabelValues(provider).Inc()
	c.bytesSentTotal.WithLabelValues(provider).Add(float64(bytes))
}

func (c *Collector) MessageSent(provider string, chunks int, err error) {
	c.messagesTotal.WithLabelValues(provider, result(err)).Inc()
}

func (c *Collector) ErrorRaised(provider, code string) {
	c.errorsTotal.WithLabelValues(provider, code).Inc()
}

func (c *Collector) QualityObserved(provider string, score int) {
	c.networkScore.WithLabelValues(provider).Set(float64(score))
}

// ActiveProvider marks provider as the only active one. An empty name
// clears the gauge.
func (c *Collector) ActiveProvider(provider string) {
	c.activeProvider.Reset()
	if provider != "" {
		c.activeProvider.WithLabelValues(provider).Set(1)
	}
}
