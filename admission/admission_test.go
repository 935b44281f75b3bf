package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	c := New(Config{})
	ctx := context.Background()

	permits := make([]*Permit, 0, 1000)
	for i := 0; i < 1000; i++ {
		p, err := c.Acquire(ctx, 1, 1<<20)
		require.NoError(t, err)
		permits = append(permits, p)
	}
	assert.Equal(t, int64(1000), c.InFlight())
	assert.Equal(t, int64(-1), c.Available())

	for _, p := range permits {
		p.Release()
	}
	assert.Equal(t, int64(0), c.InFlight())
}

func TestInFlightCapBlocks(t *testing.T) {
	c := New(Config{MaxInFlight: 2})
	ctx := context.Background()

	p1, err := c.Acquire(ctx, 1, 0)
	require.NoError(t, err)
	p2, err := c.Acquire(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Available())

	acquired := make(chan *Permit)
	go func() {
		p, err := c.Acquire(ctx, 1, 0)
		if err == nil {
			acquired <- p
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a third permit with a cap of two")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	select {
	case p3 := <-acquired:
		p3.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after a release")
	}
	p2.Release()
	assert.Equal(t, int64(2), c.Available())
}

func TestAcquireCancelled(t *testing.T) {
	c := New(Config{MaxInFlight: 1})
	p, err := c.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)
	defer p.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, 1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), c.InFlight())
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	c := New(Config{MaxInFlight: 4})
	p, err := c.Acquire(context.Background(), 1, 0)
	require.NoError(t, err)

	p.Release()
	p.Release()

	assert.Equal(t, int64(0), c.InFlight())
	assert.Equal(t, int64(4), c.Available())
}

func TestPermitsReturnAfterBurst(t *testing.T) {
	c := New(Config{MaxInFlight: 8})
	before := c.Available()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			if i%7 == 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}
			p, err := c.Acquire(ctx, 1, 10)
			if err != nil {
				return
			}
			defer p.Release()
			time.Sleep(time.Millisecond)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, before, c.Available())
	assert.Equal(t, int64(0), c.InFlight())
}

func TestOperationRate(t *testing.T) {
	c := New(Config{MaxPerSecond: 100})
	ctx := context.Background()

	// The first second worth of tokens is available as burst
	require.NoError(t, c.Throttle(ctx, 100, 0))

	start := time.Now()
	require.NoError(t, c.Throttle(ctx, 20, 0))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestByteRateLargerThanBurst(t *testing.T) {
	c := New(Config{MaxBytesPerSecond: 1000})
	ctx := context.Background()

	start := time.Now()
	// 1000 bytes burst plus 200 paced bytes
	require.NoError(t, c.Throttle(ctx, 0, 1200))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestThrottleCancelled(t *testing.T) {
	c := New(Config{MaxPerSecond: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, c.Throttle(ctx, 5, 0))
}
