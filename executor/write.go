package executor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/tqbulk/admission"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

// WriteResult is the outcome of one written statement or batch. Err is
// an *ExecutionError when the write failed.
type WriteResult struct {
	Unit statement.ExecutionUnit
	Ack  session.WriteAck
	Err  error
}

// Success reports whether the write succeeded
func (r WriteResult) Success() bool {
	return r.Err == nil
}

// Write executes unit and waits for its result
func (e *Executor) Write(ctx context.Context, unit statement.ExecutionUnit) WriteResult {
	ec := newExecutionContext(KindWrite, unit)
	e.listener.OnExecutionStarted(ec)
	permit, err := e.admit(ctx, unit)
	if err != nil {
		return e.failWrite(ec, unit, err)
	}
	return e.dispatchWrite(ctx, ec, unit, permit)
}

// WriteAsync executes unit in the background. The returned channel
// receives exactly one result.
func (e *Executor) WriteAsync(ctx context.Context, unit statement.ExecutionUnit) <-chan WriteResult {
	out := make(chan WriteResult, 1)
	go func() {
		out <- e.Write(ctx, unit)
	}()
	return out
}

// admit validates unit and waits for its permit
func (e *Executor) admit(ctx context.Context, unit statement.ExecutionUnit) (*admission.Permit, error) {
	if b, ok := unit.(*statement.Batch); ok {
		if err := b.Validate(); err != nil {
			return nil, err
		}
	}
	return e.requests.Acquire(ctx, unit.Len(), e.sizeOf(unit))
}

// dispatchWrite sends unit to the session. The permit is released
// before the result is returned.
func (e *Executor) dispatchWrite(ctx context.Context, ec *ExecutionContext, unit statement.ExecutionUnit, permit *admission.Permit) WriteResult {
	defer permit.Release()

	ec.Requests++
	ec.RequestStart = time.Now()
	e.listener.OnWriteRequestStarted(ec)

	ack, err := e.session.ExecuteWrite(ctx, unit)
	if err != nil {
		e.listener.OnWriteRequestFailed(ec, err)
		permit.Release()
		return e.failWrite(ec, unit, err)
	}
	e.listener.OnWriteRequestSuccessful(ec, ack)
	permit.Release()
	e.listener.OnExecutionSuccessful(ec)
	return WriteResult{Unit: unit, Ack: ack}
}

func (e *Executor) failWrite(ec *ExecutionContext, unit statement.ExecutionUnit, cause error) WriteResult {
	err := newExecutionError(unit, cause)
	e.log.Debug("write failed",
		zap.String("execution", ec.ID.String()),
		zap.Int("statements", unit.Len()),
		zap.Error(cause))
	e.listener.OnExecutionFailed(ec, err)
	return WriteResult{Unit: unit, Err: err}
}

// WriteStream is the result stream of a streamed write. Results arrive
// in completion order, not input order.
type WriteStream struct {
	results chan WriteResult
	done    chan struct{}
	err     error
}

// Results returns the channel of write results. It is closed once the
// input is exhausted and every dispatched unit has completed.
func (ws *WriteStream) Results() <-chan WriteResult {
	return ws.results
}

// Err returns the terminal error once Results is closed. Under fail-fast
// it is the first write failure; otherwise it is only set when ctx was
// cancelled.
func (ws *WriteStream) Err() error {
	<-ws.done
	return ws.err
}

// WriteStream executes every unit received from units. Units are
// dispatched as soon as the admission controller allows, so the number
// of concurrent writes is bounded by MaxInFlight.
//
// With FailFast the first failure stops dispatching; writes already in
// flight complete and their successes are still delivered, but failures
// are not emitted. Units received after the stop are discarded without
// being executed until units is closed or ctx is done, so producers
// feeding units never block. Without FailFast failures are delivered as
// results next to the successes.
func (e *Executor) WriteStream(ctx context.Context, units <-chan statement.ExecutionUnit) *WriteStream {
	ws := &WriteStream{
		results: make(chan WriteResult, 16),
		done:    make(chan struct{}),
	}
	go e.runWriteStream(ctx, units, ws)
	return ws
}

func (e *Executor) runWriteStream(ctx context.Context, units <-chan statement.ExecutionUnit, ws *WriteStream) {
	defer close(ws.done)
	defer close(ws.results)

	g, gctx := errgroup.WithContext(ctx)

	deliver := func(res WriteResult) error {
		if res.Err != nil && e.options.FailFast {
			return res.Err
		}
		select {
		case ws.results <- res:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	drained := false
loop:
	for {
		var unit statement.ExecutionUnit
		var ok bool
		select {
		case unit, ok = <-units:
			if !ok {
				drained = true
				break loop
			}
		case <-gctx.Done():
			break loop
		}

		ec := newExecutionContext(KindWrite, unit)
		e.listener.OnExecutionStarted(ec)
		permit, err := e.admit(gctx, unit)
		if err != nil {
			res := e.failWrite(ec, unit, err)
			if gctx.Err() != nil {
				// Stopped while waiting: the unit never ran
				break loop
			}
			if derr := deliver(res); derr != nil {
				g.Go(func() error { return derr })
				break loop
			}
			continue
		}
		// In-flight writes use ctx so that fail-fast lets them drain
		g.Go(func() error {
			return deliver(e.dispatchWrite(ctx, ec, unit, permit))
		})
	}

	if !drained {
		go discard(ctx, units)
	}

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		e.log.Debug("write stream stopped", zap.Error(err))
	}
	ws.err = err
}

// discard receives and drops units until the channel is closed or ctx
// is done
func discard(ctx context.Context, units <-chan statement.ExecutionUnit) {
	for {
		select {
		case _, ok := <-units:
			if !ok {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
