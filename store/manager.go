package store

import (
	"context"
	"time"

	"github.com/regenlab/regencache/types"
)

var customStoreCreators = make(map[string]types.StoreCreator)

// RegisterStore makes a custom backend available under the given type name.
func RegisterStore(storeName string, creator types.StoreCreator) {
	customStoreCreators[storeName] = creator
}

// NewEntryStore builds the configured backend and wraps it with the payload
// codec and metrics instrumentation.
func NewEntryStore(ctx context.Context, config *types.StoreConfig, logger types.Logger, metrics types.MetricsManager, health types.HealthManager) (types.EntryStore, error) {
	var impl types.EntryStore
	var err error

	switch config.Type {
	case "memory":
		impl, err = NewMemoryStore(ctx, logger, config)
	case "redis":
		impl, err = NewRedisStore(ctx, logger, config, health)
	case "file":
		impl, err = NewFileStore(ctx, logger, config, health)
	case "sqlite":
		impl, err = NewSQLiteStore(ctx, logger, config, health)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStoreTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	codec, err := newPayloadCodec(config.Compression)
	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(impl, codec, logger, metrics), nil
}

// instrumentedStore applies the payload codec around the backend and records
// operation metrics. Entries below the backend always hold encoded payloads;
// entries above it are plain.
type instrumentedStore struct {
	impl    types.EntryStore
	codec   payloadCodec
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStore(impl types.EntryStore, codec payloadCodec, logger types.Logger, metrics types.MetricsManager) types.EntryStore {
	return &instrumentedStore{
		impl:    impl,
		codec:   codec,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (*types.Entry, error) {
	start := time.Now()
	entry, err := s.impl.Get(ctx, key)
	s.recordMetric("get", resultLabel(err), time.Since(start))

	if err != nil {
		return nil, err
	}

	payload, decErr := s.codec.Decode(entry.Payload)
	if decErr != nil {
		return nil, types.WrapError(decErr, "failed to decode payload")
	}
	entry.Payload = payload

	return entry, nil
}

func (s *instrumentedStore) Replace(ctx context.Context, entry *types.Entry, observedHardEpoch uint64) error {
	encoded, err := s.codec.Encode(entry.Payload)
	if err != nil {
		return types.WrapError(err, "failed to encode payload")
	}

	stored := entry.Clone()
	stored.Payload = encoded

	start := time.Now()
	err = s.impl.Replace(ctx, stored, observedHardEpoch)
	s.recordMetric("replace", resultLabel(err), time.Since(start))

	return err
}

func (s *instrumentedStore) MarkInvalidated(ctx context.Context, key string, hard bool) error {
	start := time.Now()
	err := s.impl.MarkInvalidated(ctx, key, hard)
	s.recordMetric("invalidate", resultLabel(err), time.Since(start))
	return err
}

func (s *instrumentedStore) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	start := time.Now()
	count, err := s.impl.InvalidateTag(ctx, tag, hard)
	s.recordMetric("invalidate_tag", resultLabel(err), time.Since(start))
	return count, err
}

func (s *instrumentedStore) Scan(ctx context.Context, fn func(*types.Entry) bool) error {
	return s.impl.Scan(ctx, func(entry *types.Entry) bool {
		payload, err := s.codec.Decode(entry.Payload)
		if err != nil {
			// Skip undecodable entries rather than aborting the sweep.
			return true
		}
		entry.Payload = payload
		return fn(entry)
	})
}

func (s *instrumentedStore) Start() error {
	return s.impl.Start()
}

func (s *instrumentedStore) Stop() error {
	return s.impl.Stop()
}

func (s *instrumentedStore) IsRunning() bool {
	return s.impl.IsRunning()
}

func (s *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	s.metrics.Histogram("store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case types.IsError(err, types.ErrEntryNotFound):
		return "miss"
	case types.IsError(err, types.ErrInvalidationConflict):
		return "conflict"
	default:
		return "error"
	}
}
