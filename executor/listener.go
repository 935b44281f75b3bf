package executor

import (
	"time"

	"github.com/google/uuid"

	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

// Kind tells reads from writes
type Kind int

const (
	KindWrite Kind = iota
	KindRead
)

func (k Kind) String() string {
	if k == KindRead {
		return "read"
	}
	return "write"
}

// ExecutionContext describes one execution: a write of a statement or
// batch, or a read subscription. Its fields are set by the executor
// before each callback; listeners must treat them as read-only.
type ExecutionContext struct {
	ID         uuid.UUID
	Kind       Kind
	Unit       statement.ExecutionUnit
	Continuous bool      // Read uses continuous paging
	Start      time.Time // Start of the execution
	Requests   int       // Requests started so far
	// RequestStart is the start of the latest request
	RequestStart time.Time
}

func newExecutionContext(kind Kind, unit statement.ExecutionUnit) *ExecutionContext {
	return &ExecutionContext{
		ID:    uuid.New(),
		Kind:  kind,
		Unit:  unit,
		Start: time.Now(),
	}
}

// Elapsed returns the time since the execution started
func (ec *ExecutionContext) Elapsed() time.Duration {
	return time.Since(ec.Start)
}

// RequestElapsed returns the time since the latest request started
func (ec *ExecutionContext) RequestElapsed() time.Duration {
	return time.Since(ec.RequestStart)
}

// Listener is notified at the lifecycle points of executions. Callbacks
// of one execution are never concurrent, but different executions call
// in concurrently. OnRowReceived is called once per row, after the
// consumer received it, so implementations must be cheap and must not
// block.
type Listener interface {
	OnExecutionStarted(ec *ExecutionContext)
	OnExecutionSuccessful(ec *ExecutionContext)
	OnExecutionFailed(ec *ExecutionContext, err error)

	OnReadRequestStarted(ec *ExecutionContext)
	OnReadRequestSuccessful(ec *ExecutionContext, rows int)
	OnReadRequestFailed(ec *ExecutionContext, err error)

	OnWriteRequestStarted(ec *ExecutionContext)
	OnWriteRequestSuccessful(ec *ExecutionContext, ack session.WriteAck)
	OnWriteRequestFailed(ec *ExecutionContext, err error)

	OnRowReceived(ec *ExecutionContext, row statement.Row, position int64)
}

// NoopListener ignores every callback. Embed it to implement only some
// of the callbacks.
type NoopListener struct{}

func (NoopListener) OnExecutionStarted(*ExecutionContext)                         {}
func (NoopListener) OnExecutionSuccessful(*ExecutionContext)                      {}
func (NoopListener) OnExecutionFailed(*ExecutionContext, error)                   {}
func (NoopListener) OnReadRequestStarted(*ExecutionContext)                       {}
func (NoopListener) OnReadRequestSuccessful(*ExecutionContext, int)               {}
func (NoopListener) OnReadRequestFailed(*ExecutionContext, error)                 {}
func (NoopListener) OnWriteRequestStarted(*ExecutionContext)                      {}
func (NoopListener) OnWriteRequestSuccessful(*ExecutionContext, session.WriteAck) {}
func (NoopListener) OnWriteRequestFailed(*ExecutionContext, error)                {}
func (NoopListener) OnRowReceived(*ExecutionContext, statement.Row, int64)        {}

// Listeners fans callbacks out to every listener in order
type Listeners []Listener

func (ls Listeners) OnExecutionStarted(ec *ExecutionContext) {
	for _, l := range ls {
		l.OnExecutionStarted(ec)
	}
}

func (ls Listeners) OnExecutionSuccessful(ec *ExecutionContext) {
	for _, l := range ls {
		l.OnExecutionSuccessful(ec)
	}
}

func (ls Listeners) OnExecutionFailed(ec *ExecutionContext, err error) {
	for _, l := range ls {
		l.OnExecutionFailed(ec, err)
	}
}

func (ls Listeners) OnReadRequestStarted(ec *ExecutionContext) {
	for _, l := range ls {
		l.OnReadRequestStarted(ec)
	}
}

func (ls Listeners) OnReadRequestSuccessful(ec *ExecutionContext, rows int) {
	for _, l := range ls {
		l.OnReadRequestSuccessful(ec, rows)
	}
}

func (ls Listeners) OnReadRequestFailed(ec *ExecutionContext, err error) {
	for _, l := range ls {
		l.OnReadRequestFailed(ec, err)
	}
}

func (ls Listeners) OnWriteRequestStarted(ec *ExecutionContext) {
	for _, l := range ls {
		l.OnWriteRequestStarted(ec)
	}
}

func (ls Listeners) OnWriteRequestSuccessful(ec *ExecutionContext, ack session.WriteAck) {
	for _, l := range ls {
		l.OnWriteRequestSuccessful(ec, ack)
	}
}

func (ls Listeners) OnWriteRequestFailed(ec *ExecutionContext, err error) {
	for _, l := range ls {
		l.OnWriteRequestFailed(ec, err)
	}
}

func (ls Listeners) OnRowReceived(ec *ExecutionContext, row statement.Row, position int64) {
	for _, l := range ls {
		l.OnRowReceived(ec, row, position)
	}
}
