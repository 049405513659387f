package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardrelay"

// Collector owns the relay's Prometheus instruments on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry          *prometheus.Registry
	connections       *prometheus.GaugeVec
	messagesRelayed   *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	slowConsumers     *prometheus.CounterVec
	rejectedMessages  *prometheus.CounterVec
	patchOutcomes     *prometheus.CounterVec
	patchDuration     prometheus.Histogram
	busMessages       *prometheus.CounterVec
	inkDocumentsGauge prometheus.Collector
}

// New registers every instrument plus the Go and process collectors.
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := &Collector{
		registry: registry,
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections by channel.",
		}, []string{"channel"}),
		messagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound WebSocket messages by channel.",
		}, []string{"channel"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames enqueued to peers by channel.",
		}, []string{"channel"}),
		slowConsumers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_disconnects_total",
			Help:      "Connections closed because their send queue was full.",
		}, []string{"channel"}),
		rejectedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_messages_total",
			Help:      "Inbound messages refused by the relay, by reason.",
		}, []string{"reason"}),
		patchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_patches_total",
			Help:      "Board patch submissions by outcome.",
		}, []string{"outcome"}),
		patchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "board_patch_duration_seconds",
			Help:      "Time spent validating and committing board patches.",
			Buckets:   prometheus.DefBuckets,
		}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Cross-replica bus messages by direction.",
		}, []string{"direction"}),
	}
	registry.MustRegister(
		collector.connections,
		collector.messagesRelayed,
		collector.deliveries,
		collector.slowConsumers,
		collector.rejectedMessages,
		collector.patchOutcomes,
		collector.patchDuration,
		collector.busMessages,
	)
	return collector
}

// Registry exposes the underlying registry for tests and extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveInkDocuments exports the number of live ink documents through a callback.
func (c *Collector) ObserveInkDocuments(count func() int) {
	if c == nil || c.inkDocumentsGauge != nil {
		return
	}
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ink_documents",
		Help:      "Sessions holding an in-memory ink document.",
	}, func() float64 {
		return float64(count())
	})
	c.registry.MustRegister(gauge)
	c.inkDocumentsGauge = gauge
}

func (c *Collector) ConnectionOpened(channel string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(channel).Inc()
}

func (c *Collector) ConnectionClosed(channel string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(channel).Dec()
}

func (c *Collector) MessageReceived(channel string) {
	if c == nil {
		return
	}
	c.messagesRelayed.WithLabelValues(channel).Inc()
}

func (c *Collector) FramesDelivered(channel string, count int) {
	if c == nil || count <= 0 {
		return
	}
	c.deliveries.WithLabelValues(channel).Add(float64(count))
}

func (c *Collector) SlowConsumer(channel string) {
	if c == nil {
		return
	}
	c.slowConsumers.WithLabelValues(channel).Inc()
}

func (c *Collector) MessageRejected(reason string) {
	if c == nil {
		return
	}
	c.rejectedMessages.WithLabelValues(reason).Inc()
}

// PatchProcessed records one patch submission outcome and its latency.
func (c *Collector) PatchProcessed(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.patchOutcomes.WithLabelValues(outcome).Inc()
	c.patchDuration.Observe(elapsed.Seconds())
}

func (c *Collector) BusMessage(direction string) {
	if c == nil {
		return
	}
	c.busMessages.WithLabelValues(direction).Inc()
}
