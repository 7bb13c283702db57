// Package metrics exposes dispatcher and run counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tickflow/internal/domain"
)

// Collector implements dispatcher.Recorder and worker.Observer.
type Collector struct {
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	processed     prometheus.Counter
	scheduleErrs  prometheus.Counter
	claimLost     prometheus.Counter
	duplicateRuns prometheus.Counter
	backlog       prometheus.Counter
	runsFinished  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_ticks_total",
			Help: "Total number of dispatcher ticks",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickflow_tick_duration_seconds",
			Help:    "Wall time of a dispatcher tick in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_schedules_processed_total",
			Help: "Total number of schedules claimed and advanced",
		}),
		scheduleErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_schedule_errors_total",
			Help: "Total number of schedules whose processing failed",
		}),
		claimLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_claims_lost_total",
			Help: "Total number of claims lost to another worker",
		}),
		duplicateRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_duplicate_runs_total",
			Help: "Total number of slots that already had a run recorded",
		}),
		backlog: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tickflow_backlog_advances_total",
			Help: "Total number of advances that left the schedule still due",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickflow_runs_finished_total",
			Help: "Total number of runs that reached a terminal status",
		}, []string{"status"}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.processed,
		c.scheduleErrs,
		c.claimLost,
		c.duplicateRuns,
		c.backlog,
		c.runsFinished,
	)
	return c
}

func (c *Collector) TickCompleted(elapsed time.Duration, processed, failed int) {
	c.ticks.Inc()
	c.tickDuration.Observe(elapsed.Seconds())
	c.processed.Add(float64(processed))
	c.scheduleErrs.Add(float64(failed))
}

func (c *Collector) ClaimLost() { c.claimLost.Inc() }

func (c *Collector) DuplicateRun() { c.duplicateRuns.Inc() }

func (c *Collector) BacklogAdvance() { c.backlog.Inc() }

func (c *Collector) RunFinished(status domain.RunStatus) {
	c.runsFinished.WithLabelValues(string(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
