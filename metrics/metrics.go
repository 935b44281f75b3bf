// Package metrics exports execution metrics to Prometheus. A Collector
// is an execution listener with its own registry, so every executor can
// have its own set of metrics.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

const namespace = "tqbulk"

// Collector records executor callbacks as Prometheus metrics
type Collector struct {
	registry *prometheus.Registry

	executions       *prometheus.CounterVec   // kind, outcome
	executionLatency *prometheus.HistogramVec // kind
	requests         *prometheus.CounterVec   // kind, outcome
	requestLatency   *prometheus.HistogramVec // kind
	rows             prometheus.Counter
	statements       prometheus.Counter
	affected         prometheus.Counter

	// Totals for Summary
	succeeded    atomic.Int64
	failed       atomic.Int64
	rowCount     atomic.Int64
	stmtCount    atomic.Int64
	requestCount atomic.Int64
}

var _ executor.Listener = (*Collector)(nil)

// New creates a collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of finished executions",
			},
			[]string{"kind", "outcome"},
		),
		executionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_latency_seconds",
				Help:      "Execution latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests sent to the database",
			},
			[]string{"kind", "outcome"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "Request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_received_total",
			Help:      "Total number of rows emitted by reads",
		}),
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_written_total",
			Help:      "Total number of statements in successful writes",
		}),
		affected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_affected_total",
			Help:      "Total number of rows affected by writes",
		}),
	}
	c.registry.MustRegister(
		c.executions,
		c.executionLatency,
		c.requests,
		c.requestLatency,
		c.rows,
		c.statements,
		c.affected,
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus HTTP handler for the registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WatchInFlight exports f as the number of requests in flight
func (c *Collector) WatchInFlight(f func() int64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of requests currently dispatched",
		},
		func() float64 { return float64(f()) },
	))
}

func (c *Collector) OnExecutionStarted(ec *executor.ExecutionContext) {}

func (c *Collector) OnExecutionSuccessful(ec *executor.ExecutionContext) {
	c.succeeded.Add(1)
	c.executions.WithLabelValues(ec.Kind.String(), "success").Inc()
	c.executionLatency.WithLabelValues(ec.Kind.String()).Observe(ec.Elapsed().Seconds())
}

func (c *Collector) OnExecutionFailed(ec *executor.ExecutionContext, err error) {
	c.failed.Add(1)
	c.executions.WithLabelValues(ec.Kind.String(), "failure").Inc()
	c.executionLatency.WithLabelValues(ec.Kind.String()).Observe(ec.Elapsed().Seconds())
}

func (c *Collector) OnReadRequestStarted(ec *executor.ExecutionContext) {
	c.requestCount.Add(1)
}

func (c *Collector) OnReadRequestSuccessful(ec *executor.ExecutionContext, rows int) {
	c.finishRequest(ec, "success")
}

func (c *Collector) OnReadRequestFailed(ec *executor.ExecutionContext, err error) {
	c.finishRequest(ec, "failure")
}

func (c *Collector) OnWriteRequestStarted(ec *executor.ExecutionContext) {
	c.requestCount.Add(1)
}

func (c *Collector) OnWriteRequestSuccessful(ec *executor.ExecutionContext, ack session.WriteAck) {
	c.finishRequest(ec, "success")
	n := ec.Unit.Len()
	c.stmtCount.Add(int64(n))
	c.statements.Add(float64(n))
	c.affected.Add(float64(ack.AffectedRows))
}

func (c *Collector) OnWriteRequestFailed(ec *executor.ExecutionContext, err error) {
	c.finishRequest(ec, "failure")
}

// OnRowReceived only bumps counters; it runs once per row
func (c *Collector) OnRowReceived(ec *executor.ExecutionContext, row statement.Row, position int64) {
	c.rowCount.Add(1)
	c.rows.Inc()
}

func (c *Collector) finishRequest(ec *executor.ExecutionContext, outcome string) {
	c.requests.WithLabelValues(ec.Kind.String(), outcome).Inc()
	c.requestLatency.WithLabelValues(ec.Kind.String()).Observe(ec.RequestElapsed().Seconds())
}

// Summary holds end-of-run totals
type Summary struct {
	Succeeded  int64
	Failed     int64
	Requests   int64
	Rows       int64
	Statements int64
}

// Summary returns the totals recorded so far
func (c *Collector) Summary() Summary {
	return Summary{
		Succeeded:  c.succeeded.Load(),
		Failed:     c.failed.Load(),
		Requests:   c.requestCount.Load(),
		Rows:       c.rowCount.Load(),
		Statements: c.stmtCount.Load(),
	}
}
