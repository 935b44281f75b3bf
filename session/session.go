// Package session defines the database client the bulk executor drives,
// and implements it on top of database/sql.
package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/mevdschee/tqbulk/statement"
)

var (
	// ErrNoMorePages is returned by FetchMore on the last page
	ErrNoMorePages = errors.New("no more pages")

	// ErrStreamCancelled is returned when fetching from a cancelled stream
	ErrStreamCancelled = errors.New("page stream cancelled")
)

// Session executes statements against the cluster. Every method blocks
// until the database answered or ctx is done; callers run them on their
// own goroutines.
type Session interface {
	// ExecuteWrite executes a statement or a batch. A batch is applied
	// atomically.
	ExecuteWrite(ctx context.Context, unit statement.ExecutionUnit) (WriteAck, error)

	// ExecuteRead runs a query and returns its first page of at most
	// pageSize rows.
	ExecuteRead(ctx context.Context, stmt *statement.Statement, pageSize int) (*Page, error)

	// ExecuteContinuous runs a query whose pages are pushed by the
	// server without a round trip per page.
	ExecuteContinuous(ctx context.Context, stmt *statement.Statement, opts ContinuousOptions) (*Page, error)
}

// WriteAck acknowledges a write
type WriteAck struct {
	AffectedRows int64
	LastInsertID int64
}

// ContinuousOptions configures a continuous paging stream
type ContinuousOptions struct {
	PageSize          int     // Rows per page
	MaxPages          int     // Pages after which the stream stops (<= 0 unlimited)
	MaxPagesPerSecond float64 // Push rate (<= 0 unlimited)
	MaxEnqueuedPages  int     // Pages buffered ahead of the consumer
}

// DefaultContinuousOptions returns the default continuous paging options
func DefaultContinuousOptions() ContinuousOptions {
	return ContinuousOptions{
		PageSize:         5000,
		MaxEnqueuedPages: 4,
	}
}

// Page is one chunk of result rows plus an optional continuation
type Page struct {
	Rows []statement.Row

	next   func(ctx context.Context) (*Page, error)
	cancel func()
}

// NewPage creates a page. next is nil on the last page; cancel releases
// the stream behind the page and may be nil.
func NewPage(rows []statement.Row, next func(ctx context.Context) (*Page, error), cancel func()) *Page {
	if cancel != nil {
		var once sync.Once
		inner := cancel
		cancel = func() { once.Do(inner) }
	}
	return &Page{Rows: rows, next: next, cancel: cancel}
}

// HasMorePages reports whether FetchMore may return another page
func (p *Page) HasMorePages() bool {
	return p.next != nil
}

// FetchMore fetches the page following p
func (p *Page) FetchMore(ctx context.Context) (*Page, error) {
	if p.next == nil {
		return nil, ErrNoMorePages
	}
	return p.next(ctx)
}

// Cancel stops the stream behind p. For continuous paging this tells
// the producer to stop pushing pages. It is safe to call more than once.
func (p *Page) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}
