package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
)

// MemoryLock keeps leases in process memory. It only coordinates goroutines
// of a single instance; multi-instance deployments need the redis backend.
type MemoryLock struct {
	ctx    context.Context
	logger types.Logger

	mu     sync.Mutex
	leases map[string]*types.Lease

	started int32
}

func NewMemoryLock(ctx context.Context, logger types.Logger) types.RegenLock {
	return &MemoryLock{
		ctx:    ctx,
		logger: logger,
		leases: make(map[string]*types.Lease),
	}
}

func (m *MemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*types.Lease, bool, error) {
	if key == "" {
		return nil, false, types.ErrEntryKeyEmpty
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, held := m.leases[key]; held {
		// An expired lease means its holder crashed or stalled; the key is
		// up for grabs again.
		if now.Before(existing.ExpiresAt()) {
			return nil, false, nil
		}
		m.logger.Warn("reclaiming expired regeneration lease",
			zap.String("key", key), zap.String("holder", existing.HolderID))
	}

	lease := &types.Lease{
		Key:        key,
		HolderID:   uuid.NewString(),
		AcquiredAt: now,
		TTL:        ttl,
	}
	m.leases[key] = lease

	return lease, true, nil
}

func (m *MemoryLock) Release(ctx context.Context, lease *types.Lease) error {
	if lease == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, held := m.leases[lease.Key]
	if !held || current.HolderID != lease.HolderID {
		return nil
	}

	delete(m.leases, lease.Key)
	return nil
}

func (m *MemoryLock) Start() error {
	if !atomic.CompareAndSwapInt32(&m.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryLock) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	m.mu.Lock()
	m.leases = make(map[string]*types.Lease)
	m.mu.Unlock()

	return nil
}

func (m *MemoryLock) IsRunning() bool {
	return atomic.LoadInt32(&m.started) == 1
}
