// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"potentiostat-service/internal/model"
)

const namespace = "potentiostat"

// InstrumentSource is read on every scrape
type InstrumentSource interface {
	Status() model.InstrumentInfo
	LinkStats() (model.LinkStats, error)
}

// Collector exposes link statistics and counts instrument events
type Collector struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	runs     *prometheus.CounterVec
}

// NewCollector registers the instrument gauges and event counters on a
// private registry
func NewCollector(instrument InstrumentSource) (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Instrument events published, by type.",
		}, []string{"event_type"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs, by technique and outcome.",
		}, []string{"technique", "outcome"}),
	}

	link := func(read func(model.LinkStats) float64) func() float64 {
		return func() float64 {
			stats, err := instrument.LinkStats()
			if err != nil {
				return 0
			}
			return read(stats)
		}
	}

	collectors := []prometheus.Collector{
		c.events,
		c.runs,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instrument_online",
			Help:      "1 while the instrument link is open.",
		}, func() float64 {
			if instrument.Status().Status == model.InstrumentStatusOnline {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_written",
			Help:      "Bytes written on the current link.",
		}, link(func(s model.LinkStats) float64 { return float64(s.BytesWritten) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "bytes_read",
			Help:      "Bytes read on the current link.",
		}, link(func(s model.LinkStats) float64 { return float64(s.BytesRead) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "errors",
			Help:      "I/O errors on the current link.",
		}, link(func(s model.LinkStats) float64 { return float64(s.ErrorCount) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects",
			Help:      "Reconnects of the current link.",
		}, link(func(s model.LinkStats) float64 { return float64(s.Reconnects) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "average_latency_seconds",
			Help:      "Average command round trip on the current link.",
		}, link(func(s model.LinkStats) float64 { return s.AverageLatency.Seconds() })),
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe counts one event
func (c *Collector) Observe(event *model.InstrumentEvent) {
	c.events.WithLabelValues(string(event.EventType)).Inc()

	var outcome string
	switch event.EventType {
	case model.EventRunCompleted:
		outcome = "success"
	case model.EventRunFailed:
		outcome = "failed"
	default:
		return
	}
	technique, _ := event.Data["technique"].(string)
	c.runs.WithLabelValues(technique, outcome).Inc()
}

// Consume observes events until the channel closes
func (c *Collector) Consume(events <-chan *model.InstrumentEvent) {
	for event := range events {
		c.Observe(event)
	}
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
