package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
)

func newTestMemoryStore(t *testing.T) types.EntryStore {
	t.Helper()

	s, err := NewMemoryStore(context.Background(), logger.NewNopLogger(), &types.StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testEntry(key string, tags ...string) *types.Entry {
	return &types.Entry{
		Key:         key,
		Payload:     []byte("<html>" + key + "</html>"),
		ContentType: "text/html",
		GeneratedAt: time.Now(),
		Revalidate:  10 * time.Second,
		Tags:        tags,
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	entry := testEntry("/blog/a", "blog")
	require.NoError(t, s.Replace(ctx, entry, 0))

	got, err := s.Get(ctx, "/blog/a")
	require.NoError(t, err)
	assert.Equal(t, entry.Payload, got.Payload)
	assert.Equal(t, entry.Revalidate, got.Revalidate)
	assert.Equal(t, []string{"blog"}, got.Tags)
	assert.Equal(t, types.StateCommitted, got.State)
	assert.Equal(t, uint64(1), got.Generation)
}

func TestMemoryStoreMissing(t *testing.T) {
	s := newTestMemoryStore(t)

	_, err := s.Get(context.Background(), "/nope")
	assert.ErrorIs(t, err, types.ErrEntryNotFound)
}

func TestMemoryStoreReplaceAdvancesGeneration(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))
	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))

	got, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Generation)
}

func TestMemoryStoreReturnsPrivateCopies(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))

	first, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	first.Payload[0] = 'X'

	second, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.NotEqual(t, first.Payload[0], second.Payload[0])
}

func TestMemoryStoreInvalidateIdempotent(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))
	require.NoError(t, s.MarkInvalidated(ctx, "/k", false))
	require.NoError(t, s.MarkInvalidated(ctx, "/k", false))

	got, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, types.StateInvalidated, got.State)
	assert.Equal(t, uint64(0), got.HardEpoch)
}

func TestMemoryStoreInvalidateMissingIsNoop(t *testing.T) {
	s := newTestMemoryStore(t)

	assert.NoError(t, s.MarkInvalidated(context.Background(), "/nope", false))
}

func TestMemoryStoreHardInvalidationRejectsInFlightReplace(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))

	observed, err := s.Get(ctx, "/k")
	require.NoError(t, err)

	// Hard invalidation lands while a render holding the old epoch is in
	// flight; the render's commit must lose.
	require.NoError(t, s.MarkInvalidated(ctx, "/k", true))

	err = s.Replace(ctx, testEntry("/k"), observed.HardEpoch)
	assert.ErrorIs(t, err, types.ErrInvalidationConflict)

	got, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, types.StateInvalidated, got.State)
}

func TestMemoryStoreSoftInvalidationDoesNotRejectReplace(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))
	require.NoError(t, s.MarkInvalidated(ctx, "/k", false))

	// Completion wins over a soft invalidation issued mid-render.
	require.NoError(t, s.Replace(ctx, testEntry("/k"), 0))

	got, err := s.Get(ctx, "/k")
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, got.State)
}

func TestMemoryStoreHardInvalidationOnMissingKey(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkInvalidated(ctx, "/k", true))

	// A render that started before the invalidation observed epoch 0.
	err := s.Replace(ctx, testEntry("/k"), 0)
	assert.ErrorIs(t, err, types.ErrInvalidationConflict)
}

func TestMemoryStoreInvalidateTag(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/blog/a", "blog"), 0))
	require.NoError(t, s.Replace(ctx, testEntry("/blog/b", "blog", "featured"), 0))
	require.NoError(t, s.Replace(ctx, testEntry("/about"), 0))

	count, err := s.InvalidateTag(ctx, "blog", false)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, key := range []string{"/blog/a", "/blog/b"} {
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, types.StateInvalidated, got.State, key)
	}

	got, err := s.Get(ctx, "/about")
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, got.State)
}

func TestMemoryStoreReplaceRefreshesTagIndex(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/k", "old"), 0))
	require.NoError(t, s.Replace(ctx, testEntry("/k", "new"), 0))

	count, err := s.InvalidateTag(ctx, "old", false)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = s.InvalidateTag(ctx, "new", false)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStoreScan(t *testing.T) {
	s := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, testEntry("/a"), 0))
	require.NoError(t, s.Replace(ctx, testEntry("/b"), 0))

	seen := map[string]bool{}
	require.NoError(t, s.Scan(ctx, func(entry *types.Entry) bool {
		seen[entry.Key] = true
		return true
	}))

	assert.Len(t, seen, 2)
	assert.True(t, seen["/a"])
	assert.True(t, seen["/b"])
}

func TestMemoryStoreCapacityEviction(t *testing.T) {
	s, err := NewMemoryStore(context.Background(), logger.NewNopLogger(), &types.StoreConfig{
		Type:   "memory",
		Config: &MemoryConfig{MaxEntries: 2},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	ctx := context.Background()
	base := time.Now()

	oldest := testEntry("/a")
	oldest.GeneratedAt = base.Add(-time.Hour)
	require.NoError(t, s.Replace(ctx, oldest, 0))

	middle := testEntry("/b")
	middle.GeneratedAt = base.Add(-time.Minute)
	require.NoError(t, s.Replace(ctx, middle, 0))

	require.NoError(t, s.Replace(ctx, testEntry("/c"), 0))

	_, err = s.Get(ctx, "/a")
	assert.ErrorIs(t, err, types.ErrEntryNotFound)

	_, err = s.Get(ctx, "/b")
	assert.NoError(t, err)
}
