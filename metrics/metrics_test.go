package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/tqbulk/executor"
	"github.com/mevdschee/tqbulk/session"
	"github.com/mevdschee/tqbulk/statement"
)

func setupExecutor(t *testing.T, c *Collector) *executor.Executor {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	opts := executor.DefaultOptions()
	opts.PageSize = 4
	exec := executor.New(session.FromDB(db), opts, executor.WithListener(c))
	c.WatchInFlight(exec.InFlight)
	return exec
}

func TestCollector_Writes(t *testing.T) {
	c := New()
	exec := setupExecutor(t, c)
	ctx := context.Background()

	res := exec.Write(ctx, statement.NewBatch(
		statement.New("INSERT INTO items (id, name) VALUES (?, ?)", 1, "a"),
		statement.New("INSERT INTO items (id, name) VALUES (?, ?)", 2, "b"),
	))
	require.NoError(t, res.Err)
	res = exec.Write(ctx, statement.New("INSERT INTO missing VALUES (1)"))
	require.Error(t, res.Err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("write", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("write", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("write", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.statements))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.affected))

	s := c.Summary()
	assert.Equal(t, int64(1), s.Succeeded)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(2), s.Requests)
	assert.Equal(t, int64(2), s.Statements)
}

func TestCollector_Reads(t *testing.T) {
	c := New()
	exec := setupExecutor(t, c)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res := exec.Write(ctx, statement.New("INSERT INTO items (id, name) VALUES (?, ?)", i, fmt.Sprint(i)))
		require.NoError(t, res.Err)
	}
	results, err := exec.ReadAll(ctx, statement.New("SELECT id, name FROM items ORDER BY id"))
	require.NoError(t, err)
	require.Len(t, results, 10)

	assert.Equal(t, 10.0, testutil.ToFloat64(c.rows))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.requests.WithLabelValues("read", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("read", "success")))
	assert.Equal(t, int64(10), c.Summary().Rows)
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	exec := setupExecutor(t, c)
	exec.Write(context.Background(), statement.New("INSERT INTO items (id, name) VALUES (1, 'a')"))

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, metric := range []string{
		"tqbulk_executions_total",
		"tqbulk_execution_latency_seconds",
		"tqbulk_requests_total",
		"tqbulk_request_latency_seconds",
		"tqbulk_statements_written_total",
		"tqbulk_requests_in_flight",
	} {
		assert.True(t, strings.Contains(body, metric), "metric %q not found", metric)
	}
}

func TestCollector_RegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	ec := &executor.ExecutionContext{Kind: executor.KindRead}
	a.OnRowReceived(ec, statement.Row{}, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.rows))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.rows))
}
