package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

type MemoryConfig struct {
	// MaxEntries bounds the capacity; zero disables the bound. Victims are
	// chosen FIFO by generation time. Eviction policy beyond this bound is
	// out of scope for the cache core.
	MaxEntries int `json:"max_entries"`
}

// MemoryStore keeps entries in process memory. Suitable for single-instance
// deployments and tests; nothing survives a restart.
type MemoryStore struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *MemoryConfig
	logger types.Logger

	data map[string]*types.Entry
	// tags maps tag -> set of keys currently carrying it.
	tags map[string]map[string]struct{}
	// hardEpochs survives entry replacement so an in-flight render that
	// observed an older epoch is still rejected after the entry was swapped.
	hardEpochs map[string]uint64

	evictions uint64
	mu        sync.RWMutex
	state     atomic.Value
}

func NewMemoryStore(ctx context.Context, logger types.Logger, config *types.StoreConfig) (types.EntryStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries: 0,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory store config")
		}
	}

	storeCtx, cancel := context.WithCancel(ctx)

	ms := &MemoryStore{
		ctx:        storeCtx,
		cancel:     cancel,
		config:     memConfig,
		logger:     logger,
		data:       make(map[string]*types.Entry),
		tags:       make(map[string]map[string]struct{}),
		hardEpochs: make(map[string]uint64),
	}

	ms.state.Store(MemoryStateStopped)

	return ms, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	if key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		return nil, types.ErrEntryNotFound
	}

	clone := entry.Clone()
	m.mu.RUnlock()

	return clone, nil
}

func (m *MemoryStore) Replace(ctx context.Context, entry *types.Entry, observedHardEpoch uint64) error {
	if entry == nil || entry.Key == "" {
		return types.ErrEntryKeyEmpty
	}

	stored := entry.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	currentEpoch := m.hardEpochs[stored.Key]
	if currentEpoch > observedHardEpoch {
		return types.ErrInvalidationConflict
	}

	old, exists := m.data[stored.Key]
	if exists {
		stored.Generation = old.Generation + 1
		m.dropTagsLocked(stored.Key, old.Tags)
	} else {
		stored.Generation = 1
		if m.config.MaxEntries > 0 && len(m.data) >= m.config.MaxEntries {
			m.evictOneLocked()
		}
	}

	stored.State = types.StateCommitted
	stored.HardEpoch = currentEpoch

	m.data[stored.Key] = stored
	m.addTagsLocked(stored.Key, stored.Tags)

	return nil
}

func (m *MemoryStore) MarkInvalidated(ctx context.Context, key string, hard bool) error {
	if key == "" {
		return types.ErrEntryKeyEmpty
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.invalidateLocked(key, hard)
	return nil
}

func (m *MemoryStore) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.tags[tag]
	if len(members) == 0 {
		return 0, nil
	}

	count := 0
	for key := range members {
		if m.invalidateLocked(key, hard) {
			count++
		}
	}

	return count, nil
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(*types.Entry) bool) error {
	m.mu.RLock()
	snapshot := make([]*types.Entry, 0, len(m.data))
	for _, entry := range m.data {
		snapshot = append(snapshot, entry.Clone())
	}
	m.mu.RUnlock()

	for _, entry := range snapshot {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !fn(entry) {
			return nil
		}
	}

	return nil
}

func (m *MemoryStore) Start() error {
	if !m.state.CompareAndSwap(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory store is already running")
		return types.ErrServerAlreadyRunning
	}

	m.state.Store(MemoryStateRunning)
	m.logger.Info("Memory store started",
		zap.Int("max_entries", m.config.MaxEntries))
	return nil
}

func (m *MemoryStore) Stop() error {
	if !m.state.CompareAndSwap(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory store is not running")
		return types.ErrServerNotRunning
	}

	defer m.state.Store(MemoryStateStopped)

	m.cancel()

	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*types.Entry)
	m.tags = make(map[string]map[string]struct{})
	m.hardEpochs = make(map[string]uint64)
	m.mu.Unlock()

	m.logger.Info("Memory store stopped", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return m.state.Load().(MemoryState) == MemoryStateRunning
}

func (m *MemoryStore) invalidateLocked(key string, hard bool) bool {
	entry, exists := m.data[key]
	if !exists {
		if hard {
			// Still advance the epoch so a render already in flight for a
			// missing key cannot commit a pre-invalidation result.
			m.hardEpochs[key]++
		}
		return false
	}

	entry.State = types.StateInvalidated
	if hard {
		m.hardEpochs[key]++
		entry.HardEpoch = m.hardEpochs[key]
	}

	return true
}

func (m *MemoryStore) addTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		members, exists := m.tags[tag]
		if !exists {
			members = make(map[string]struct{})
			m.tags[tag] = members
		}
		members[key] = struct{}{}
	}
}

func (m *MemoryStore) dropTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		if members, exists := m.tags[tag]; exists {
			delete(members, key)
			if len(members) == 0 {
				delete(m.tags, tag)
			}
		}
	}
}

func (m *MemoryStore) evictOneLocked() {
	var victimKey string
	var oldest time.Time

	for key, entry := range m.data {
		if victimKey == "" || entry.GeneratedAt.Before(oldest) {
			victimKey = key
			oldest = entry.GeneratedAt
		}
	}

	if victimKey == "" {
		return
	}

	if victim := m.data[victimKey]; victim != nil {
		m.dropTagsLocked(victimKey, victim.Tags)
	}
	delete(m.data, victimKey)
	delete(m.hardEpochs, victimKey)
	atomic.AddUint64(&m.evictions, 1)

	m.logger.Debug("Evicted entry at capacity", zap.String("key", victimKey))
}
