package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
)

func newTestMemoryLock(t *testing.T) types.RegenLock {
	t.Helper()

	l := NewMemoryLock(context.Background(), logger.NewNopLogger())
	require.NoError(t, l.Start())
	t.Cleanup(func() { _ = l.Stop() })

	return l
}

func TestMemoryLockSingleHolder(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	lease, ok, err := l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, lease)
	assert.NotEmpty(t, lease.HolderID)

	_, ok, err = l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different key is unaffected.
	_, ok, err = l.TryAcquire(ctx, "/other", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockReleaseFreesKey(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	lease, ok, err := l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, lease))

	_, ok, err = l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockReleaseIdempotent(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	lease, _, err := l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, lease))
	require.NoError(t, l.Release(ctx, lease))
	require.NoError(t, l.Release(ctx, nil))
}

func TestMemoryLockStaleReleaseIsNoop(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	first, _, err := l.TryAcquire(ctx, "/k", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	second, ok, err := l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The expired holder releasing must not free the new holder's lease.
	require.NoError(t, l.Release(ctx, first))

	_, ok, err = l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Release(ctx, second))
}

func TestMemoryLockExpiredLeaseReclaimed(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	_, ok, err := l.TryAcquire(ctx, "/k", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = l.TryAcquire(ctx, "/k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLockConcurrentAcquire(t *testing.T) {
	l := newTestMemoryLock(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.TryAcquire(ctx, "/k", time.Second)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
