package monitoring

import (
	"time"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports call negotiation and relay metrics.
type PrometheusCollector struct {
	// Call
	transitions         *prometheus.CounterVec
	negotiationFailures *prometheus.CounterVec
	timeToConnect       prometheus.Histogram
	packetLoss          *prometheus.HistogramVec
	jitter              *prometheus.GaugeVec
	nacks               *prometheus.CounterVec
	plis                *prometheus.CounterVec

	// Relay
	relayed     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	connections prometheus.Gauge
	rooms       prometheus.Gauge
}

var (
	_ ports.CallMetrics  = (*PrometheusCollector)(nil)
	_ ports.RelayMetrics = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the metrics with reg, or with the default
// registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_call_transitions_total",
			Help: "Negotiation state transitions",
		}, []string{"from", "to"}),

		negotiationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_call_failures_total",
			Help: "Call failures by error kind",
		}, []string{"kind"}),

		timeToConnect: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "teleconsult_call_time_to_connect_seconds",
			Help:    "Time from joining a room to a connected call",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		packetLoss: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teleconsult_media_fraction_lost",
			Help:    "Fraction of outgoing packets the peer reported lost",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}, []string{"kind"}),

		jitter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "teleconsult_media_jitter",
			Help: "Last reported interarrival jitter in timestamp units",
		}, []string{"kind"}),

		nacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_media_nacks_total",
			Help: "Packets the peer asked to be retransmitted",
		}, []string{"kind"}),

		plis: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_media_keyframe_requests_total",
			Help: "Keyframe requests received from the peer",
		}, []string{"kind"}),

		relayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_relay_messages_total",
			Help: "Signaling messages relayed by type",
		}, []string{"type"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "teleconsult_relay_rejected_total",
			Help: "Signaling messages rejected by reason",
		}, []string{"reason"}),

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsult_relay_connections",
			Help: "Open relay websocket connections",
		}),

		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "teleconsult_relay_rooms",
			Help: "Rooms with at least one member",
		}),
	}
}

func (p *PrometheusCollector) ObserveTransition(from, to domain.CallState) {
	p.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (p *PrometheusCollector) ObserveNegotiationFailure(kind domain.ErrorKind) {
	p.negotiationFailures.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ObserveTimeToConnect(d time.Duration) {
	p.timeToConnect.Observe(d.Seconds())
}

func (p *PrometheusCollector) ObserveQuality(sample domain.QualitySample) {
	kind := string(sample.Kind)
	p.packetLoss.WithLabelValues(kind).Observe(sample.FractionLost)
	p.jitter.WithLabelValues(kind).Set(float64(sample.Jitter))
	if sample.NACKs > 0 {
		p.nacks.WithLabelValues(kind).Add(float64(sample.NACKs))
	}
	if sample.PLIs > 0 {
		p.plis.WithLabelValues(kind).Add(float64(sample.PLIs))
	}
}

func (p *PrometheusCollector) ObserveRelayed(msgType domain.MessageType) {
	p.relayed.WithLabelValues(string(msgType)).Inc()
}

func (p *PrometheusCollector) ObserveRejected(reason string) {
	p.rejected.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetConnections(n int) {
	p.connections.Set(float64(n))
}

func (p *PrometheusCollector) SetRooms(n int) {
	p.rooms.Set(float64(n))
}
