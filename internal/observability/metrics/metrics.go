// Package metrics turns dispatch events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"noticed/internal/eventbus"
)

type Metrics struct {
	reg *prometheus.Registry

	outcomes *prometheus.CounterVec
	queued   prometheus.Counter
	replayed prometheus.Counter
}

// New registers the dispatch series on a private registry. depth, when set,
// backs the queue depth gauge and is called on every scrape.
func New(depth func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "noticed_deliveries_total",
			Help: "Per recipient and channel dispatch outcomes.",
		}, []string{"channel", "outcome"}),
		queued: f.NewCounter(prometheus.CounterOpts{
			Name: "noticed_batches_queued_total",
			Help: "Dispatch batches appended to the queue.",
		}),
		replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "noticed_batches_replayed_total",
			Help: "Dispatch batches claimed and replayed by the worker.",
		}),
	}
	if depth != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "noticed_queue_depth",
			Help: "Batches waiting in the queue.",
		}, depth)
	}
	return m
}

// Observe records one event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	de, _ := e.Data.(eventbus.DispatchEvent)
	switch e.Type {
	case eventbus.Delivered:
		m.outcomes.WithLabelValues(de.Channel, "delivered").Inc()
	case eventbus.Skipped:
		m.outcomes.WithLabelValues(de.Channel, "skipped").Inc()
	case eventbus.Failed:
		m.outcomes.WithLabelValues(de.Channel, "failed").Inc()
	case eventbus.Queued:
		m.queued.Inc()
	case eventbus.Replayed:
		m.replayed.Inc()
	}
}

// Run observes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			m.Observe(e)
		}
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
