package types

import (
	"context"
)

// EntryStore is the storage capability behind the cache. Implementations must
// provide per-key atomic replace semantics: readers never observe a partially
// written payload, and writes to a single key are linearized.
type EntryStore interface {
	LifecycleManager

	// Get returns the committed or invalidated entry for key, or
	// ErrEntryNotFound. The returned entry is a private copy.
	Get(ctx context.Context, key string) (*Entry, error)

	// Replace atomically installs entry as the new committed value for
	// entry.Key. observedHardEpoch is the HardEpoch the writer saw before it
	// started rendering; if a hard invalidation advanced the epoch in the
	// meantime the replace fails with ErrInvalidationConflict and the entry
	// stays invalidated. Concurrent soft writes resolve last-completion-wins.
	Replace(ctx context.Context, entry *Entry, observedHardEpoch uint64) error

	// MarkInvalidated flips the entry to StateInvalidated in place. It never
	// requires the regeneration lock and is a no-op for missing keys.
	MarkInvalidated(ctx context.Context, key string, hard bool) error

	// InvalidateTag invalidates every entry whose tag set contains tag.
	// Each entry transitions as a unit; the set as a whole is not atomic.
	// Returns the number of entries invalidated.
	InvalidateTag(ctx context.Context, tag string, hard bool) (int, error)

	// Scan visits entries until fn returns false. Used by revalidation
	// sweeps; the visit order is unspecified and entries are private copies.
	Scan(ctx context.Context, fn func(*Entry) bool) error
}

type StoreCreator func(config interface{}) (EntryStore, error)
