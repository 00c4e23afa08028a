package types

import (
	"context"
	"time"
)

// Lease identifies one acquisition of a key's regeneration lock.
type Lease struct {
	Key        string
	HolderID   string
	AcquiredAt time.Time
	TTL        time.Duration
}

func (l *Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// RegenLock guarantees at most one live holder per key at any instant.
// Losing the race is not an error: TryAcquire returns ok=false when someone
// else already holds the key. Leases expire on their own so a crashed holder
// cannot wedge a key.
type RegenLock interface {
	LifecycleManager

	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error)

	// Release is idempotent: releasing an unheld, expired, or foreign lease
	// is a no-op, never an error.
	Release(ctx context.Context, lease *Lease) error
}

type LockCreator func(config interface{}) (RegenLock, error)
