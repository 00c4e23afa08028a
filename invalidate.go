package regencache

import (
	"context"

	"go.uber.org/zap"

	"github.com/regenlab/regencache/types"
)

// Invalidate marks the given keys invalidated. A soft invalidation lets an
// in-flight regeneration commit; a hard one advances the key's epoch so any
// render started before this call is rejected at commit time. Missing keys
// are recorded for hard invalidations and ignored for soft ones.
func (s *Service) Invalidate(ctx context.Context, keys []string, hard bool) error {
	if len(keys) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "no keys to invalidate")
	}

	entryStore := s.container.GetStore()

	var errs []error
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := entryStore.MarkInvalidated(ctx, key, hard); err != nil {
			s.logger().Error("Failed to invalidate key",
				zap.String("key", key),
				zap.Bool("hard", hard),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("invalidation failed for %d of %d keys: %v", len(errs), len(keys), errs)
	}

	s.recordInvalidation("key", hard, len(keys))
	s.publish(&types.InvalidationEvent{Keys: keys, Hard: hard})

	return nil
}

// InvalidateTag invalidates every entry carrying the tag and returns how
// many entries were affected.
func (s *Service) InvalidateTag(ctx context.Context, tag string, hard bool) (int, error) {
	if tag == "" {
		return 0, types.Errorf(types.ErrInvalidParameter, "tag is empty")
	}

	count, err := s.container.GetStore().InvalidateTag(ctx, tag, hard)
	if err != nil {
		return count, types.WrapError(err, "tag invalidation failed")
	}

	s.recordInvalidation("tag", hard, count)
	s.publish(&types.InvalidationEvent{Tag: tag, Hard: hard})

	return count, nil
}

// publish fans the invalidation out to peers. Failures are logged only; the
// local invalidation already took effect.
func (s *Service) publish(event *types.InvalidationEvent) {
	n := s.container.GetNotifier()
	if n == nil {
		return
	}

	if err := n.Publish(event); err != nil {
		s.logger().Warn("Failed to publish invalidation event",
			zap.Strings("keys", event.Keys),
			zap.String("tag", event.Tag),
			zap.Error(err))
	}
}

// applyPeerEvent replays an invalidation received from a peer against the
// local store. Peer events are never re-published, so a fan-out cannot loop.
func (s *Service) applyPeerEvent(event *types.InvalidationEvent) {
	if event == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.shutdownTimeout)
	defer cancel()

	entryStore := s.container.GetStore()

	for _, key := range event.Keys {
		if key == "" {
			continue
		}
		if err := entryStore.MarkInvalidated(ctx, key, event.Hard); err != nil {
			s.logger().Warn("Failed to apply peer invalidation",
				zap.String("key", key),
				zap.Error(err))
		}
	}

	if event.Tag != "" {
		if _, err := entryStore.InvalidateTag(ctx, event.Tag, event.Hard); err != nil {
			s.logger().Warn("Failed to apply peer tag invalidation",
				zap.String("tag", event.Tag),
				zap.Error(err))
		}
	}

	s.logger().Debug("Applied peer invalidation event",
		zap.String("origin", event.Origin),
		zap.Int("keys", len(event.Keys)),
		zap.String("tag", event.Tag),
		zap.Bool("hard", event.Hard))
}

func (s *Service) recordInvalidation(scope string, hard bool, count int) {
	m := s.container.GetMetrics()
	if m == nil {
		return
	}

	mode := "soft"
	if hard {
		mode = "hard"
	}

	m.Counter("regen_invalidations_total", map[string]string{
		"scope": scope,
		"mode":  mode,
	}).Add(float64(count))
}
