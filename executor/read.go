package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/mevdschee/tqbulk/parser"
	"github.com/mevdschee/tqbulk/statement"
)

// Read returns a subscription to the rows of stmt. Nothing is fetched
// until the first call to Request. Continuous paging is used when it is
// enabled and the statement supports it; otherwise the read silently
// falls back to standard paging.
func (e *Executor) Read(ctx context.Context, stmt *statement.Statement) *Subscription {
	continuous := e.options.ContinuousPaging
	if continuous && !parser.Parse(stmt.Query).SupportsContinuousPaging() {
		e.log.Warn("continuous paging not supported, using standard paging",
			zap.String("query", truncateQuery(stmt.Query, 50)))
		continuous = false
	}
	s := newSubscription(ctx, e, stmt, continuous)
	go s.run()
	return s
}

// ReadAll reads every row of stmt, requesting a page worth of rows at
// a time. Without fail-fast a failure is also part of the results.
func (e *Executor) ReadAll(ctx context.Context, stmt *statement.Statement) ([]ReadResult, error) {
	sub := e.Read(ctx, stmt)
	var results []ReadResult
	for r := range sub.All(e.prefetch()) {
		results = append(results, r)
	}
	return results, sub.Err()
}

func (e *Executor) prefetch() int {
	n := e.options.PageSize
	if e.options.ContinuousPaging && e.options.Continuous.PageSize > 0 {
		n = e.options.Continuous.PageSize
	}
	if n <= 0 {
		n = 1000
	}
	return n
}
