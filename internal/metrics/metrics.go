// Package metrics exposes Prometheus metrics for command runs, queue
// consumption and dispatcher fan-out.
//
// Every method is safe to call on a nil *Collector, so callers can leave
// metrics disabled without guarding each call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes recorded in commandpipe_runs_total.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeStopped = "stopped"
	OutcomeSkipped = "skipped"
)

// Collector holds the CommandPipe metric families.
type Collector struct {
	runs       *prometheus.CounterVec
	runLatency *prometheus.HistogramVec

	enqueued  *prometheus.CounterVec
	processed *prometheus.CounterVec
	squashed  *prometheus.CounterVec

	dispatched    *prometheus.CounterVec
	dispatchFails *prometheus.CounterVec
	inFlight      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metric families and registers them with reg. A nil
// reg uses a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_runs_total",
			Help: "Handler invocations by command and outcome",
		}, []string{"command", "outcome"}),
		runLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "commandpipe_run_duration_seconds",
			Help:    "Handler invocation latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_tasks_enqueued_total",
			Help: "Tasks pushed to a trigger queue",
		}, []string{"queue"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_tasks_processed_total",
			Help: "Tasks handed to a queue consumer handler",
		}, []string{"queue"}),
		squashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_queue_squashes_total",
			Help: "Times a consumer discarded pending triggers",
		}, []string{"queue"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_dispatch_tasks_total",
			Help: "Range tasks submitted to the dispatcher worker pool",
		}, []string{"command"}),
		dispatchFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandpipe_dispatch_failures_total",
			Help: "Range tasks whose handler returned an error",
		}, []string{"command"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commandpipe_dispatch_in_flight",
			Help: "Range tasks currently being processed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.runs, c.runLatency,
		c.enqueued, c.processed, c.squashed,
		c.dispatched, c.dispatchFails, c.inFlight,
	)
	return c
}

// RecordRun counts one handler invocation and its latency.
func (c *Collector) RecordRun(command, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(command, outcome).Inc()
	c.runLatency.WithLabelValues(command).Observe(seconds)
}

// RecordSkip counts a single-instance run that found a live duplicate.
func (c *Collector) RecordSkip(command string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(command, OutcomeSkipped).Inc()
}

// RecordEnqueue counts a task pushed to queue.
func (c *Collector) RecordEnqueue(queue string) {
	if c == nil {
		return
	}
	c.enqueued.WithLabelValues(queue).Inc()
}

// RecordProcessed counts a task handed to the consumer handler.
func (c *Collector) RecordProcessed(queue string) {
	if c == nil {
		return
	}
	c.processed.WithLabelValues(queue).Inc()
}

// RecordSquash counts a queue clear performed by a squashing consumer.
func (c *Collector) RecordSquash(queue string) {
	if c == nil {
		return
	}
	c.squashed.WithLabelValues(queue).Inc()
}

// DispatchStarted marks a range task as submitted and in flight.
func (c *Collector) DispatchStarted(command string) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(command).Inc()
	c.inFlight.Inc()
}

// DispatchFinished marks a range task as complete.
func (c *Collector) DispatchFinished(command string, failed bool) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	if failed {
		c.dispatchFails.WithLabelValues(command).Inc()
	}
}

// Handler serves the registered metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
