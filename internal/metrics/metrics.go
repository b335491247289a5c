// Package metrics owns the Prometheus registry for scheduler and relay
// counters. A Registry is created per process so tests never share state with
// the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ballotline"

// Transition results.
const (
	ResultAdvanced  = "advanced"
	ResultCompleted = "completed"
	ResultConflict  = "conflict"
	ResultFailed    = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	SchedulerTicks        prometheus.Counter
	SchedulerTransitions  *prometheus.CounterVec
	SchedulerTickDuration prometheus.Histogram
	OutboxPublished       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks run.",
		}),
		SchedulerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "transitions_total",
			Help:      "Instances handled by the scheduler, by result.",
		}, []string{"result"}),
		SchedulerTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Invalidation deliveries attempted by the relay, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.SchedulerTicks,
		m.SchedulerTransitions,
		m.SchedulerTickDuration,
		m.OutboxPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTick records one finished tick. m may be nil.
func (m *Metrics) ObserveTick(started time.Time, advanced, completed, conflicts, failed int) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Inc()
	m.SchedulerTickDuration.Observe(time.Since(started).Seconds())
	m.SchedulerTransitions.WithLabelValues(ResultAdvanced).Add(float64(advanced))
	m.SchedulerTransitions.WithLabelValues(ResultCompleted).Add(float64(completed))
	m.SchedulerTransitions.WithLabelValues(ResultConflict).Add(float64(conflicts))
	m.SchedulerTransitions.WithLabelValues(ResultFailed).Add(float64(failed))
}

// ObserveDelivery counts one relay publish attempt. m may be nil.
func (m *Metrics) ObserveDelivery(err error) {
	if m == nil {
		return
	}
	status := "published"
	if err != nil {
		status = "failed"
	}
	m.OutboxPublished.WithLabelValues(status).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
