package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/lock"
	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/scheduler"
	"github.com/regenlab/regencache/store"
	"github.com/regenlab/regencache/types"
)

type stubRenderer struct {
	calls int64
}

func (r *stubRenderer) Render(ctx context.Context, key string, params map[string]string) (*types.RenderOutput, error) {
	atomic.AddInt64(&r.calls, 1)
	return &types.RenderOutput{Payload: []byte("regenerated"), ContentType: "text/html"}, nil
}

func newSweepFixture(t *testing.T, batchLimit int) (types.EntryStore, *stubRenderer, *Sweeper) {
	t.Helper()

	ctx := context.Background()
	log := logger.NewNopLogger()

	entryStore, err := store.NewEntryStore(ctx, &types.StoreConfig{Type: "memory"}, log, nil, nil)
	require.NoError(t, err)
	require.NoError(t, entryStore.Start())
	t.Cleanup(func() { _ = entryStore.Stop() })

	regenLock := lock.NewMemoryLock(ctx, log)
	require.NoError(t, regenLock.Start())
	t.Cleanup(func() { _ = regenLock.Stop() })

	renderer := &stubRenderer{}

	sched, err := scheduler.NewScheduler(ctx, nil, time.Second, entryStore, regenLock, renderer, log, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Start())
	t.Cleanup(func() { _ = sched.Stop() })

	sweeper := NewSweeper(entryStore, sched, &types.SweepConfig{BatchLimit: batchLimit}, log, nil)

	return entryStore, renderer, sweeper
}

func seedEntry(t *testing.T, s types.EntryStore, key string, age, revalidate time.Duration) {
	t.Helper()

	require.NoError(t, s.Replace(context.Background(), &types.Entry{
		Key:         key,
		Payload:     []byte("old"),
		GeneratedAt: time.Now().Add(-age),
		Revalidate:  revalidate,
	}, 0))
}

func TestSweeperRefreshesStaleEntriesOnly(t *testing.T) {
	entryStore, renderer, sweeper := newSweepFixture(t, 0)
	ctx := context.Background()

	seedEntry(t, entryStore, "/stale", time.Hour, time.Minute)
	seedEntry(t, entryStore, "/fresh", time.Second, time.Hour)
	seedEntry(t, entryStore, "/static", time.Hour, types.RevalidateNever)

	sweeper.Run()

	require.Eventually(t, func() bool {
		entry, err := entryStore.Get(ctx, "/stale")
		return err == nil && string(entry.Payload) == "regenerated"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), atomic.LoadInt64(&renderer.calls))

	fresh, err := entryStore.Get(ctx, "/fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), fresh.Payload)

	static, err := entryStore.Get(ctx, "/static")
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), static.Payload)
}

func TestSweeperHonorsBatchLimit(t *testing.T) {
	entryStore, renderer, sweeper := newSweepFixture(t, 1)

	seedEntry(t, entryStore, "/a", time.Hour, time.Minute)
	seedEntry(t, entryStore, "/b", time.Hour, time.Minute)
	seedEntry(t, entryStore, "/c", time.Hour, time.Minute)

	sweeper.Run()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&renderer.calls) == 1
	}, time.Second, 5*time.Millisecond)

	// Give any stray regenerations a moment to surface.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&renderer.calls))
}

func TestSweeperSkipsInvalidatedEntries(t *testing.T) {
	entryStore, renderer, sweeper := newSweepFixture(t, 0)
	ctx := context.Background()

	seedEntry(t, entryStore, "/k", time.Hour, time.Minute)
	require.NoError(t, entryStore.MarkInvalidated(ctx, "/k", false))

	sweeper.Run()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&renderer.calls))
}
