package types

import "context"

// Scheduler runs renders. Blocking renders are deduplicated per key and the
// caller waits for the result; background refreshes are fire-and-forget and
// guarded by the regeneration lock.
type Scheduler interface {
	LifecycleManager

	// RenderBlocking renders the key now and commits the result against the
	// given hard invalidation epoch. Concurrent callers for the same key
	// share one render.
	RenderBlocking(ctx context.Context, request *RenderRequest, observedHardEpoch uint64) (*Entry, error)

	// ScheduleRefresh starts a detached regeneration if the key's lock is
	// free and capacity allows. Returns false when it was not scheduled.
	ScheduleRefresh(request *RenderRequest, observedHardEpoch uint64) bool

	// InFlight reports the number of background regenerations running.
	InFlight() int
}
