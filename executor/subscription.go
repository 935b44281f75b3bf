package executor

import (
	"context"
	"iter"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

// State is the lifecycle state of a subscription
type State int32

const (
	StateIdle      State = iota // Waiting for demand
	StateFetching               // A page request is in flight
	StateEmitting               // Emitting rows of the current page
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateEmitting:
		return "emitting"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s >= StateComplete
}

// ReadResult is one row of a read, or its failure. Positions start at 1
// and increase by one per row.
type ReadResult struct {
	Row      statement.Row
	Position int64
	Err      error
}

// Success reports whether the result carries a row
func (r ReadResult) Success() bool {
	return r.Err == nil
}

// arrival is the outcome of a page request
type arrival struct {
	page    *session.Page
	err     error
	started bool // OnReadRequestStarted was called
}

// Subscription streams the rows of a query with demand-driven
// backpressure. Pages are only fetched while the consumer has
// outstanding demand, and at most one page request is in flight.
//
// A single goroutine owns the page and emits rows; Request and Cancel
// may be called from any goroutine.
type Subscription struct {
	exec       *Executor
	stmt       *statement.Statement
	ec         *ExecutionContext
	continuous bool

	state      atomic.Int32
	demand     atomic.Int64
	invalid    atomic.Bool
	signal     chan struct{} // demand added
	cancel     chan struct{} // closed by Cancel
	cancelOnce sync.Once
	arrivals   chan arrival
	rows       chan ReadResult
	done       chan struct{}
	err        error // set before done is closed
	position   atomic.Int64

	ctx      context.Context // used by page requests
	waitCtx  context.Context // used by admission waits
	stopWait context.CancelFunc

	// Owned by run
	page     *session.Page
	next     int // index of the next row of page
	started  bool
	fetching bool
}

func newSubscription(ctx context.Context, e *Executor, stmt *statement.Statement, continuous bool) *Subscription {
	waitCtx, stopWait := context.WithCancel(ctx)
	ec := newExecutionContext(KindRead, stmt)
	ec.Continuous = continuous
	return &Subscription{
		exec:       e,
		stmt:       stmt,
		ec:         ec,
		continuous: continuous,
		signal:     make(chan struct{}, 1),
		cancel:     make(chan struct{}),
		arrivals:   make(chan arrival, 1),
		rows:       make(chan ReadResult),
		done:       make(chan struct{}),
		ctx:        ctx,
		waitCtx:    waitCtx,
		stopWait:   stopWait,
	}
}

// Request adds n to the outstanding demand. Demand saturates at
// math.MaxInt64. A non-positive n fails the subscription with
// ErrInvalidDemand.
func (s *Subscription) Request(n int64) {
	if n <= 0 {
		s.invalid.Store(true)
		s.wake()
		return
	}
	for {
		d := s.demand.Load()
		next := d + n
		if next < d {
			next = math.MaxInt64
		}
		if s.demand.CompareAndSwap(d, next) {
			break
		}
	}
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Cancel stops the subscription. No page is requested and no listener
// callback is made after Cancel returns, except from a request already
// in flight. The Rows channel is closed shortly after. Calling Cancel
// more than once, or after the subscription ended, has no effect.
func (s *Subscription) Cancel() {
	s.transition(StateCancelled)
	s.cancelOnce.Do(func() {
		close(s.cancel)
		s.stopWait()
	})
}

// Rows returns the channel rows are emitted on. It is closed when the
// subscription completes, fails or is cancelled.
func (s *Subscription) Rows() <-chan ReadResult {
	return s.rows
}

// Done is closed once the subscription reached a terminal state and
// released its resources.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err waits for the subscription to end and returns why it stopped:
// nil when complete, ErrCancelled when cancelled, or an
// *ExecutionError. Without fail-fast the failure was also emitted on
// Rows.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// State returns the current state
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Position returns the position of the last row the consumer received
func (s *Subscription) Position() int64 {
	return s.position.Load()
}

// Continuous reports whether the query is read with continuous paging
func (s *Subscription) Continuous() bool {
	return s.continuous
}

// All returns an iterator over the results that requests prefetch rows
// at a time. Breaking out of the loop cancels the subscription.
func (s *Subscription) All(prefetch int) iter.Seq[ReadResult] {
	if prefetch <= 0 {
		prefetch = 1
	}
	return func(yield func(ReadResult) bool) {
		s.Request(int64(prefetch))
		received := 0
		for r := range s.rows {
			if !yield(r) {
				s.Cancel()
				return
			}
			received++
			if received == prefetch {
				received = 0
				s.Request(int64(prefetch))
			}
		}
	}
}

// transition moves to state to unless the current state is terminal
func (s *Subscription) transition(to State) bool {
	for {
		cur := s.state.Load()
		if State(cur).Terminal() {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (s *Subscription) cancelled() bool {
	return s.State() == StateCancelled
}

func (s *Subscription) run() {
	defer s.cleanup()
	for {
		if s.State().Terminal() {
			return
		}
		if s.invalid.Load() {
			s.fail(ErrInvalidDemand)
			return
		}
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return
		}

		switch {
		case s.page != nil && s.next < len(s.page.Rows):
			if s.demand.Load() > 0 {
				s.emit()
				continue
			}
		case s.page != nil && !s.page.HasMorePages():
			s.complete()
			return
		case !s.fetching && s.demand.Load() > 0:
			s.fetch()
		}

		if s.fetching {
			s.transition(StateFetching)
		} else {
			s.transition(StateIdle)
		}

		select {
		case <-s.signal:
		case a := <-s.arrivals:
			s.arrive(a)
		case <-s.cancel:
		case <-s.ctx.Done():
		}
	}
}

// emit sends rows of the current page while demand lasts. It returns
// early on cancellation; run then finds the terminal state. A row is
// only consumed once it passed the rate budget, and the listener hears
// of it once the consumer received it.
func (s *Subscription) emit() {
	if !s.transition(StateEmitting) {
		return
	}
	for s.next < len(s.page.Rows) && s.demand.Load() > 0 {
		row := s.page.Rows[s.next]
		if err := s.throttle(row); err != nil {
			if !s.cancelled() {
				s.fail(err)
			}
			return
		}
		if s.cancelled() {
			return
		}
		// Only emit consumes demand, so it cannot have dropped since Load
		s.take()
		s.next++
		position := s.position.Load() + 1
		select {
		case s.rows <- ReadResult{Row: row, Position: position}:
		case <-s.cancel:
			return
		case <-s.ctx.Done():
			return
		}
		s.position.Store(position)
		s.exec.listener.OnRowReceived(s.ec, row, position)
	}
}

// take consumes one unit of demand
func (s *Subscription) take() bool {
	for {
		d := s.demand.Load()
		if d <= 0 {
			return false
		}
		if s.demand.CompareAndSwap(d, d-1) {
			return true
		}
	}
}

func (s *Subscription) throttle(row statement.Row) error {
	var size int64
	if s.exec.rows.Config().MaxBytesPerSecond > 0 {
		size = statement.EstimateRowSize(s.exec.estimator, row, s.exec.log)
	}
	return s.exec.rows.Throttle(s.waitCtx, 1, size)
}

// fetch requests the first or the next page in the background
func (s *Subscription) fetch() {
	if !s.started {
		s.started = true
		s.ec.Start = time.Now()
		s.exec.listener.OnExecutionStarted(s.ec)
	}
	s.fetching = true
	prev := s.page
	go func() {
		s.arrivals <- s.request(prev)
	}()
}

// request runs one page request under an in-flight permit. The permit
// is released when the page arrived, before it is handed to run.
func (s *Subscription) request(prev *session.Page) arrival {
	permit, err := s.exec.requests.Acquire(s.waitCtx, 0, 0)
	if err != nil {
		return arrival{err: err}
	}
	defer permit.Release()
	if s.cancelled() {
		return arrival{err: ErrCancelled}
	}

	s.ec.Requests++
	s.ec.RequestStart = time.Now()
	s.exec.listener.OnReadRequestStarted(s.ec)

	var page *session.Page
	switch {
	case prev != nil:
		page, err = prev.FetchMore(s.ctx)
	case s.continuous:
		page, err = s.exec.session.ExecuteContinuous(s.ctx, s.stmt, s.exec.options.Continuous)
	default:
		page, err = s.exec.session.ExecuteRead(s.ctx, s.stmt, s.exec.options.PageSize)
	}
	return arrival{page: page, err: err, started: true}
}

func (s *Subscription) arrive(a arrival) {
	s.fetching = false
	if s.cancelled() {
		if a.page != nil {
			a.page.Cancel()
		}
		return
	}
	if a.err != nil {
		if a.started {
			s.exec.listener.OnReadRequestFailed(s.ec, a.err)
		}
		s.fail(a.err)
		return
	}
	s.exec.listener.OnReadRequestSuccessful(s.ec, len(a.page.Rows))
	s.page = a.page
	s.next = 0
}

func (s *Subscription) complete() {
	if !s.transition(StateComplete) {
		return
	}
	s.exec.listener.OnExecutionSuccessful(s.ec)
}

func (s *Subscription) fail(cause error) {
	if !s.transition(StateFailed) {
		return
	}
	err := newExecutionError(s.stmt, cause)
	s.err = err
	if s.started {
		s.exec.listener.OnExecutionFailed(s.ec, err)
	}
	if s.exec.options.FailFast {
		return
	}
	select {
	case s.rows <- ReadResult{Err: err}:
	case <-s.cancel:
	case <-s.ctx.Done():
	}
}

// cleanup cancels the page stream and closes the channels. A request
// still in flight is discarded when it arrives.
func (s *Subscription) cleanup() {
	if s.page != nil {
		s.page.Cancel()
	}
	if s.fetching {
		go func() {
			if a := <-s.arrivals; a.page != nil {
				a.page.Cancel()
			}
		}()
	}
	if s.State() == StateCancelled {
		s.err = ErrCancelled
	}
	s.stopWait()
	close(s.rows)
	close(s.done)
}
