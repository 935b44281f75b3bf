// Package executor drives writes and reads against the cluster under
// admission control, and reports every step to an execution listener.
package executor

import (
	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/admission"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

// Options holds the executor configuration
type Options struct {
	Admission        admission.Config
	FailFast         bool
	PageSize         int // Rows per page for standard paging
	ContinuousPaging bool
	Continuous       session.ContinuousOptions
}

// DefaultOptions returns the default configuration
func DefaultOptions() Options {
	return Options{
		Admission: admission.Config{
			MaxInFlight: 1024,
		},
		FailFast:   false,
		PageSize:   5000,
		Continuous: session.DefaultContinuousOptions(),
	}
}

// Executor executes statements, batches and queries. It is safe for
// concurrent use; the admission controllers are shared by all of its
// executions.
type Executor struct {
	session   session.Session
	options   Options
	requests  *admission.Controller // gates request dispatch
	rows      *admission.Controller // throttles emitted rows
	listener  Listener
	estimator statement.Estimator
	log       *zap.Logger
}

// Option configures an Executor
type Option func(*Executor)

// WithListener sets the execution listener
func WithListener(l Listener) Option {
	return func(e *Executor) { e.listener = l }
}

// WithLogger sets the executor logger
func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithEstimator sets the size estimator for statements and rows
func WithEstimator(est statement.Estimator) Option {
	return func(e *Executor) { e.estimator = est }
}

// New creates an executor on top of s
func New(s session.Session, options Options, opts ...Option) *Executor {
	e := &Executor{
		session:  s,
		options:  options,
		requests: admission.New(options.Admission),
		rows: admission.New(admission.Config{
			MaxPerSecond:      options.Admission.MaxPerSecond,
			MaxBytesPerSecond: options.Admission.MaxBytesPerSecond,
		}),
		listener:  NoopListener{},
		estimator: statement.DefaultEstimator{},
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InFlight returns the number of requests currently dispatched
func (e *Executor) InFlight() int64 {
	return e.requests.InFlight()
}

// Available returns the number of free in-flight permits, -1 when
// unlimited
func (e *Executor) Available() int64 {
	return e.requests.Available()
}

// sizeOf returns the estimated size of unit, estimating statements
// whose producer did not
func (e *Executor) sizeOf(unit statement.ExecutionUnit) int64 {
	if n := unit.SizeBytes(); n > 0 {
		return n
	}
	var n int64
	for _, s := range unit.Statements() {
		n += statement.EstimateSize(e.estimator, s, e.log)
	}
	return n
}
