package session

import (
	"context"
	"database/sql"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mevdschee/tqbulk/statement"
)

// cursor reads a result set page by page. It keeps one row of look
// ahead so that the last page is known to be last.
type cursor struct {
	rows     *sql.Rows
	columns  []string
	pageSize int
	pending  bool // rows.Next returned true and the row is not scanned yet
	mu       sync.Mutex
	closed   bool
}

func newCursor(rows *sql.Rows, pageSize int) (*cursor, error) {
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "reading columns")
	}
	if pageSize <= 0 {
		pageSize = 5000
	}
	c := &cursor{rows: rows, columns: columns, pageSize: pageSize}
	c.pending = rows.Next()
	return c, nil
}

// read scans up to one page of rows. more reports whether rows remain.
func (c *cursor) read() (page []statement.Row, more bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrStreamCancelled
	}

	page = make([]statement.Row, 0, c.pageSize)
	for c.pending && len(page) < c.pageSize {
		values := make([]interface{}, len(c.columns))
		ptrs := make([]interface{}, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := c.rows.Scan(ptrs...); err != nil {
			c.closeLocked()
			return nil, false, errors.Wrap(err, "scanning row")
		}
		page = append(page, statement.Row{Columns: c.columns, Values: values})
		c.pending = c.rows.Next()
	}
	if c.pending {
		return page, true, nil
	}
	err = c.rows.Err()
	c.closeLocked()
	return page, false, err
}

func (c *cursor) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *cursor) closeLocked() {
	if !c.closed {
		c.closed = true
		c.rows.Close()
	}
}

// ExecuteRead implements Session. The cursor stays open until the last
// page has been read or the page is cancelled.
func (s *SQLSession) ExecuteRead(ctx context.Context, stmt *statement.Statement, pageSize int) (*Page, error) {
	rows, err := s.readDB().QueryContext(ctx, stmt.Query, stmt.Args...)
	if err != nil {
		return nil, err
	}
	c, err := newCursor(rows, pageSize)
	if err != nil {
		return nil, err
	}
	return c.page(ctx)
}

func (c *cursor) page(ctx context.Context) (*Page, error) {
	if err := ctx.Err(); err != nil {
		c.close()
		return nil, err
	}
	rows, more, err := c.read()
	if err != nil {
		return nil, err
	}
	if !more {
		return NewPage(rows, nil, nil), nil
	}
	return NewPage(rows, c.page, c.close), nil
}

// pushed is one item of a continuous stream
type pushed struct {
	rows []statement.Row
	last bool
	err  error
}

// ExecuteContinuous implements Session. A producer goroutine reads the
// result set and pushes pages into a queue of opts.MaxEnqueuedPages
// pages; the producer blocks while the queue is full. Cancelling any
// page of the stream stops the producer and closes the cursor.
func (s *SQLSession) ExecuteContinuous(ctx context.Context, stmt *statement.Statement, opts ContinuousOptions) (*Page, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	rows, err := s.readDB().QueryContext(streamCtx, stmt.Query, stmt.Args...)
	if err != nil {
		cancel()
		return nil, err
	}
	c, err := newCursor(rows, opts.PageSize)
	if err != nil {
		cancel()
		return nil, err
	}

	queue := opts.MaxEnqueuedPages
	if queue <= 0 {
		queue = 1
	}
	st := &stream{
		pages:  make(chan pushed, queue),
		cancel: cancel,
		done:   streamCtx.Done(),
	}
	var limiter *rate.Limiter
	if opts.MaxPagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxPagesPerSecond), 1)
	}
	go s.produce(streamCtx, c, st, opts.MaxPages, limiter)

	return st.next(ctx)
}

type stream struct {
	pages  chan pushed
	cancel context.CancelFunc
	done   <-chan struct{}
}

func (s *SQLSession) produce(ctx context.Context, c *cursor, st *stream, maxPages int, limiter *rate.Limiter) {
	defer close(st.pages)
	defer c.close()

	sent := 0
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		rows, more, err := c.read()
		sent++
		item := pushed{rows: rows, last: !more || err != nil || (maxPages > 0 && sent >= maxPages), err: err}
		select {
		case st.pages <- item:
		case <-ctx.Done():
			return
		}
		if item.last {
			if more && err == nil {
				s.log.Debug("continuous paging stopped at page limit", zap.Int("pages", sent))
			}
			return
		}
	}
}

func (st *stream) next(ctx context.Context) (*Page, error) {
	// Pages still queued after a cancellation are dropped
	select {
	case <-st.done:
		return nil, ErrStreamCancelled
	default:
	}

	select {
	case item, ok := <-st.pages:
		if !ok {
			return nil, ErrStreamCancelled
		}
		if item.err != nil {
			st.cancel()
			return nil, item.err
		}
		if item.last {
			st.cancel()
			return NewPage(item.rows, nil, nil), nil
		}
		return NewPage(item.rows, st.next, st.cancel), nil
	case <-ctx.Done():
		st.cancel()
		return nil, ctx.Err()
	case <-st.done:
		return nil, ErrStreamCancelled
	}
}
