package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamStates lists every value StreamState may be called with; the gauge
// holds 1 for the current state and 0 for the others.
var StreamStates = []string{"disconnected", "connecting", "subscribing", "streaming"}

// PrometheusCollector implements Recorder backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	updatesReceived  *prometheus.CounterVec
	eventsRouted     *prometheus.CounterVec
	publishTotal     *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	reconnectBackoff prometheus.Histogram
	streamState      *prometheus.GaugeVec
	processingErrors prometheus.Counter
}

var _ Recorder = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering on reg (the default
// registerer if nil) under namespace ("yellowstone_ingestor" if empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "yellowstone_ingestor"
	}
	p := &PrometheusCollector{reg: reg, namespace: namespace}
	p.ensureRegistered()
	return p
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.updatesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "updates_received_total",
			Help:      "Total upstream updates received by kind.",
		}, []string{"kind"})

		p.eventsRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "events_routed_total",
			Help:      "Total (event, topic) destinations chosen by the router.",
		}, []string{"topic"})

		p.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "publisher",
			Name:      "publish_total",
			Help:      "Total publish attempts by topic and result (success, failure).",
		}, []string{"topic", "result"})

		p.reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Total transitions back to disconnected by reason.",
		}, []string{"reason"})

		p.reconnectBackoff = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "reconnect_backoff_seconds",
			Help:      "Delay scheduled before each reconnect attempt.",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		})

		p.streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "state",
			Help:      "Current stream client state (1 for the active state).",
		}, []string{"state"})

		p.processingErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "stream",
			Name:      "processing_errors_total",
			Help:      "Updates for which the processor chain returned an error.",
		})

		p.reg.MustRegister(
			p.updatesReceived,
			p.eventsRouted,
			p.publishTotal,
			p.reconnects,
			p.reconnectBackoff,
			p.streamState,
			p.processingErrors,
		)
	})
}

func (p *PrometheusCollector) UpdateReceived(kind string) {
	p.updatesReceived.WithLabelValues(kind).Inc()
}

func (p *PrometheusCollector) EventRouted(topic string) {
	p.eventsRouted.WithLabelValues(topic).Inc()
}

func (p *PrometheusCollector) PublishResult(topic string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	p.publishTotal.WithLabelValues(topic, result).Inc()
}

func (p *PrometheusCollector) Reconnect(reason string, delay time.Duration) {
	p.reconnects.WithLabelValues(reason).Inc()
	p.reconnectBackoff.Observe(delay.Seconds())
}

func (p *PrometheusCollector) StreamState(state string) {
	for _, s := range StreamStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.streamState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusCollector) ProcessingFailed() {
	p.processingErrors.Inc()
}
