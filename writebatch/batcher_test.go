package writebatch

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mevdschee/tqbulk/cache"
	"github.com/mevdschee/tqbulk/statement"
)

func keyed(i int, key string) *statement.Statement {
	return statement.New(fmt.Sprintf("INSERT INTO t VALUES (%d)", i), i).WithRoutingKey([]byte(key))
}

func tokened(i int, token int64) *statement.Statement {
	return statement.New(fmt.Sprintf("INSERT INTO t VALUES (%d)", i), i).WithToken(statement.Token(token))
}

// ids returns the first argument of every statement of unit
func ids(unit statement.ExecutionUnit) []int {
	var out []int
	for _, s := range unit.Statements() {
		out = append(out, s.Args[0].(int))
	}
	return out
}

func isBatch(unit statement.ExecutionUnit) bool {
	_, ok := unit.(*statement.Batch)
	return ok
}

func total(units []statement.ExecutionUnit) int {
	n := 0
	for _, u := range units {
		n += u.Len()
	}
	return n
}

func TestBatchByGroupingKey_RoutingKeys(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey}, nil)
	stmts := []*statement.Statement{
		keyed(1, "K1"), keyed(2, "K1"), keyed(3, "K2"),
		keyed(4, "K2"), keyed(5, "K3"), keyed(6, "K1"),
	}

	units := b.BatchByGroupingKey(stmts)
	require.Len(t, units, 3)
	assert.True(t, isBatch(units[0]))
	assert.Equal(t, []int{1, 2, 6}, ids(units[0]))
	assert.True(t, isBatch(units[1]))
	assert.Equal(t, []int{3, 4}, ids(units[1]))
	assert.False(t, isBatch(units[2]))
	assert.Equal(t, []int{5}, ids(units[2]))
}

func TestBatchByGroupingKey_MaxStatements(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxStatements: 2}, nil)
	const tokenA, tokenB = 1, 2
	stmts := []*statement.Statement{
		tokened(1, tokenA), tokened(2, tokenA), tokened(3, tokenB),
		tokened(4, tokenB), tokened(5, tokenA), tokened(6, tokenA),
	}

	units := b.BatchByGroupingKey(stmts)
	require.Len(t, units, 3)
	assert.Equal(t, []int{1, 2}, ids(units[0]))
	assert.Equal(t, []int{5, 6}, ids(units[1]))
	assert.Equal(t, []int{3, 4}, ids(units[2]))
	for _, u := range units {
		assert.LessOrEqual(t, u.Len(), 2)
		token := *u.Statements()[0].Token
		for _, s := range u.Statements() {
			assert.Equal(t, token, *s.Token)
		}
	}
}

func TestBatchByGroupingKey_TokenPreferredOverKey(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey}, nil)
	units := b.BatchByGroupingKey([]*statement.Statement{
		keyed(1, "a").WithToken(7),
		keyed(2, "b").WithToken(7),
	})
	require.Len(t, units, 1)
	assert.Equal(t, []int{1, 2}, ids(units[0]))
}

func TestBatchByGroupingKey_HighSizeLimitChangesNothing(t *testing.T) {
	stmts := make([]*statement.Statement, 0, 50)
	for i := 0; i < 50; i++ {
		stmts = append(stmts, keyed(i, fmt.Sprintf("K%d", i%7)).WithSize(100))
	}

	unlimited := New(Config{Mode: ModePartitionKey}, nil).BatchByGroupingKey(stmts)
	high := New(Config{Mode: ModePartitionKey, MaxSizeBytes: 1 << 40}, nil).BatchByGroupingKey(stmts)
	require.Equal(t, len(unlimited), len(high))
	for i := range unlimited {
		assert.Equal(t, ids(unlimited[i]), ids(high[i]))
	}
}

func TestBatchByGroupingKey_NonPositiveLimitsAreUnlimited(t *testing.T) {
	stmts := make([]*statement.Statement, 0, 20)
	for i := 0; i < 20; i++ {
		stmts = append(stmts, keyed(i, "K").WithSize(10))
	}
	for _, cfg := range []Config{
		{Mode: ModePartitionKey},
		{Mode: ModePartitionKey, MaxStatements: -1, MaxSizeBytes: -1},
		{Mode: ModePartitionKey, MaxStatements: 0, MaxSizeBytes: -100},
	} {
		units := New(cfg, nil).BatchByGroupingKey(stmts)
		require.Len(t, units, 1)
		assert.Equal(t, 20, units[0].Len())
	}
}

func TestBatchByGroupingKey_OversizedStatementAlone(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxSizeBytes: 100}, nil)
	units := b.BatchByGroupingKey([]*statement.Statement{
		keyed(1, "K").WithSize(40),
		keyed(2, "K").WithSize(500),
		keyed(3, "K").WithSize(40),
		keyed(4, "K").WithSize(40),
	})
	require.Len(t, units, 3)
	assert.Equal(t, []int{1}, ids(units[0]))
	assert.False(t, isBatch(units[0]))
	assert.Equal(t, []int{2}, ids(units[1]))
	assert.False(t, isBatch(units[1]))
	assert.Equal(t, []int{3, 4}, ids(units[2]))
	assert.Equal(t, int64(80), units[2].SizeBytes())
}

// fixedEstimator sizes every statement the same
type fixedEstimator int64

func (e fixedEstimator) EstimateStatement(*statement.Statement) (int64, error) {
	return int64(e), nil
}

func (e fixedEstimator) EstimateRow(statement.Row) (int64, error) {
	return int64(e), nil
}

func TestBatchByGroupingKey_UnsizedStatementsEstimated(t *testing.T) {
	stmts := make([]*statement.Statement, 0, 5)
	for i := 0; i < 5; i++ {
		stmts = append(stmts, keyed(i, "K"))
	}

	b := New(Config{Mode: ModePartitionKey, MaxSizeBytes: 40}, nil, WithEstimator(fixedEstimator(15)))
	units := b.BatchByGroupingKey(stmts)
	require.Len(t, units, 3)
	assert.Equal(t, []int{0, 1}, ids(units[0]))
	assert.Equal(t, int64(30), units[0].SizeBytes())
	assert.Equal(t, []int{2, 3}, ids(units[1]))
	assert.Equal(t, []int{4}, ids(units[2]))

	// The default estimator counts the query text and arguments
	units = New(Config{Mode: ModePartitionKey, MaxSizeBytes: 40}, nil).BatchByGroupingKey(stmts)
	require.Equal(t, 5, total(units))
	for _, u := range units {
		assert.False(t, isBatch(u))
	}
}

func TestBatchStream_UnsizedStatementsEstimated(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxSizeBytes: 40}, nil, WithEstimator(fixedEstimator(15)))
	in := make(chan *statement.Statement, 5)
	for i := 0; i < 5; i++ {
		in <- keyed(i, "K")
	}
	close(in)

	units := collect(t, b.BatchStream(context.Background(), in))
	require.Len(t, units, 3)
	for _, u := range units {
		if isBatch(u) {
			assert.LessOrEqual(t, u.SizeBytes(), int64(40))
		}
	}
}

func TestResolver_KeysDoNotCollide(t *testing.T) {
	r := NewResolver(ModePartitionKey)
	a, ok := r.Resolve(keyed(1, "x").WithKeyspace("a\x00k:"))
	require.True(t, ok)
	b, ok := r.Resolve(keyed(2, "x").WithKeyspace("a"))
	require.True(t, ok)
	c, ok := r.Resolve(keyed(3, "\x00k:x").WithKeyspace("a"))
	require.True(t, ok)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)

	tok, ok := r.Resolve(tokened(4, 5))
	require.True(t, ok)
	key, ok := r.Resolve(keyed(5, "5"))
	require.True(t, ok)
	assert.NotEqual(t, tok, key)
}

func TestBatchByGroupingKey_KeylessStatementsStandAlone(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey}, nil)
	units := b.BatchByGroupingKey([]*statement.Statement{
		statement.New("INSERT INTO t VALUES (?)", 1),
		keyed(2, "K"),
		statement.New("INSERT INTO t VALUES (?)", 3),
		keyed(4, "K"),
	})
	require.Len(t, units, 3)
	assert.Equal(t, []int{1}, ids(units[0]))
	assert.Equal(t, []int{2, 4}, ids(units[1]))
	assert.Equal(t, []int{3}, ids(units[2]))
}

func TestBatchByGroupingKey_KeyspacesNeverMix(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey}, nil)
	units := b.BatchByGroupingKey([]*statement.Statement{
		keyed(1, "K").WithKeyspace("a"),
		keyed(2, "K").WithKeyspace("b"),
		keyed(3, "K").WithKeyspace("a"),
	})
	require.Len(t, units, 2)
	assert.Equal(t, []int{1, 3}, ids(units[0]))
	assert.Equal(t, []int{2}, ids(units[1]))
	for _, u := range units {
		if batch, ok := u.(*statement.Batch); ok {
			assert.NoError(t, batch.Validate())
		}
	}
}

func TestBatchByGroupingKey_ModeNone(t *testing.T) {
	b := New(Config{Mode: ModeNone}, nil)
	units := b.BatchByGroupingKey([]*statement.Statement{keyed(1, "K"), keyed(2, "K")})
	require.Len(t, units, 2)
	for _, u := range units {
		assert.False(t, isBatch(u))
	}
}

func TestBatchByGroupingKey_Randomized(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		cfg := Config{
			Mode:          ModePartitionKey,
			MaxStatements: rnd.Intn(6) - 1,
			MaxSizeBytes:  int64(rnd.Intn(400) - 50),
		}
		n := rnd.Intn(200)
		stmts := make([]*statement.Statement, 0, n)
		for i := 0; i < n; i++ {
			s := keyed(i, fmt.Sprintf("K%d", rnd.Intn(5))).WithSize(int64(rnd.Intn(120)))
			stmts = append(stmts, s)
		}

		units := New(cfg, nil).BatchByGroupingKey(stmts)
		require.Equal(t, n, total(units))

		seen := make(map[int]bool)
		for _, u := range units {
			for _, id := range ids(u) {
				require.False(t, seen[id], "statement %d emitted twice", id)
				seen[id] = true
			}
			if !isBatch(u) {
				continue
			}
			require.GreaterOrEqual(t, u.Len(), 2)
			if cfg.MaxStatements > 0 {
				require.LessOrEqual(t, u.Len(), cfg.MaxStatements)
			}
			if cfg.MaxSizeBytes > 0 {
				require.LessOrEqual(t, u.SizeBytes(), cfg.MaxSizeBytes)
			}
			key := string(u.Statements()[0].RoutingKey)
			for _, s := range u.Statements() {
				require.Equal(t, key, string(s.RoutingKey))
			}
		}
	}
}

func TestBatchAll(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxStatements: 4}, nil)
	stmts := []*statement.Statement{
		keyed(1, "K1"), keyed(2, "K2"), statement.New("x", 3),
		keyed(4, "K1"), keyed(5, "K3"), keyed(6, "K2"),
	}

	units := b.BatchAll(stmts)
	require.Len(t, units, 2)
	assert.Equal(t, []int{1, 2, 3, 4}, ids(units[0]))
	assert.Equal(t, []int{5, 6}, ids(units[1]))
}

func TestBatchAll_SingleDegrades(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxStatements: 2}, nil)
	units := b.BatchAll([]*statement.Statement{keyed(1, "a"), keyed(2, "b"), keyed(3, "c")})
	require.Len(t, units, 2)
	assert.True(t, isBatch(units[0]))
	assert.False(t, isBatch(units[1]))
	assert.Empty(t, b.BatchAll(nil))
}

// fakeTopology maps a key's last byte to a token and tokens to replicas
type fakeTopology struct {
	replicas map[statement.Token][]string
	calls    atomic.Int64
}

func (f *fakeTopology) TokenOf(key []byte) statement.Token {
	return statement.Token(key[len(key)-1])
}

func (f *fakeTopology) ReplicasFor(keyspace string, token statement.Token) []string {
	f.calls.Add(1)
	return f.replicas[token]
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{replicas: map[statement.Token][]string{
		'1': {"h2", "h1"},
		'2': {"h1", "h2"},
		'3': {"h3", "h1"},
	}}
}

func TestReplicaSetMode(t *testing.T) {
	topo := newFakeTopology()
	r := NewResolver(ModeReplicaSet, WithTopology(topo))
	b := New(Config{Mode: ModeReplicaSet}, r)

	units := b.BatchByGroupingKey([]*statement.Statement{
		keyed(1, "k1"), keyed(2, "k3"), keyed(3, "k2"), keyed(4, "k3"),
	})
	require.Len(t, units, 2)
	assert.Equal(t, []int{1, 3}, ids(units[0]))
	assert.Equal(t, []int{2, 4}, ids(units[1]))
}

func TestReplicaSetMode_UnknownFallsBackToKey(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	topo := newFakeTopology()
	r := NewResolver(ModeReplicaSet, WithTopology(topo), WithLogger(zap.New(core)))
	b := New(Config{Mode: ModeReplicaSet}, r)

	units := b.BatchByGroupingKey([]*statement.Statement{
		keyed(1, "a9"), keyed(2, "b9"), keyed(3, "a9"), keyed(4, "b8"),
	})
	require.Len(t, units, 3)
	assert.Equal(t, []int{1, 3}, ids(units[0]))
	assert.Equal(t, []int{2}, ids(units[1]))
	assert.Equal(t, []int{4}, ids(units[2]))
	assert.Equal(t, 1, logs.FilterMessageSnippet("replica set unknown").Len())
}

func TestReplicaSetMode_Cached(t *testing.T) {
	c, err := cache.New(100)
	require.NoError(t, err)
	defer c.Close()
	topo := newFakeTopology()
	r := NewResolver(ModeReplicaSet, WithTopology(topo), WithCache(c, time.Minute))

	key1, ok := r.Resolve(keyed(1, "k1"))
	require.True(t, ok)
	key2, ok := r.Resolve(keyed(2, "k1"))
	require.True(t, ok)
	assert.Equal(t, key1, key2)
	assert.Equal(t, "0:r:h1,h2", key1)
	assert.Equal(t, int64(1), topo.calls.Load())
}

func TestResolver_NoKey(t *testing.T) {
	r := NewResolver(ModePartitionKey)
	_, ok := r.Resolve(statement.New("INSERT INTO t VALUES (1)"))
	assert.False(t, ok)
}

func collect(t *testing.T, out <-chan statement.ExecutionUnit) []statement.ExecutionUnit {
	t.Helper()
	var units []statement.ExecutionUnit
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-out:
			if !ok {
				return units
			}
			units = append(units, u)
		case <-timeout:
			t.Fatal("timed out collecting units")
		}
	}
}

func TestBatchStream(t *testing.T) {
	b := New(Config{Mode: ModePartitionKey, MaxStatements: 2}, nil)
	in := make(chan *statement.Statement)
	out := b.BatchStream(context.Background(), in)

	in <- keyed(1, "K1")
	in <- keyed(2, "K1")
	// A full batch is sent without waiting for more input
	select {
	case u := <-out:
		assert.Equal(t, []int{1, 2}, ids(u))
	case <-time.After(2 * time.Second):
		t.Fatal("full batch not sent")
	}

	in <- keyed(3, "K2")
	in <- statement.New("x", 4)
	select {
	case u := <-out:
		assert.Equal(t, []int{4}, ids(u))
	case <-time.After(2 * time.Second):
		t.Fatal("keyless statement not sent")
	}
	in <- keyed(5, "K1")
	in <- keyed(6, "K2")
	close(in)

	units := collect(t, out)
	require.Len(t, units, 2)
	assert.Equal(t, []int{3, 6}, ids(units[0]))
	assert.Equal(t, []int{5}, ids(units[1]))
}

func TestBatchStream_ModeNone(t *testing.T) {
	b := New(Config{Mode: ModeNone}, nil)
	in := make(chan *statement.Statement, 3)
	in <- keyed(1, "K")
	in <- keyed(2, "K")
	in <- keyed(3, "K")
	close(in)

	units := collect(t, b.BatchStream(context.Background(), in))
	require.Len(t, units, 3)
}

func TestBatchStream_Cancelled(t *testing.T) {
	b := New(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *statement.Statement)
	out := b.BatchStream(ctx, in)
	cancel()
	assert.Empty(t, collect(t, out))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":              ModeNone,
		"none":          ModeNone,
		"DISABLED":      ModeNone,
		"partition_key": ModePartitionKey,
		" Replica_Set ": ModeReplicaSet,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("token")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, "replica_set", ModeReplicaSet.String())
}
