package regencache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/regenlab/regencache/policy"
	"github.com/regenlab/regencache/types"
)

// Serve returns the payload for one key, regenerating it as the freshness
// class demands: fresh entries are returned as-is, stale entries are
// returned once more while a background refresh is scheduled, and missing or
// expired entries block on a synchronous render.
func (s *Service) Serve(ctx context.Context, request *types.RenderRequest) (*types.ServeResult, error) {
	if !s.IsRunning() {
		return nil, types.ErrServiceIsNotRunning
	}
	if request == nil || request.Key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	now := time.Now()

	entry, err := s.lookup(ctx, request.Key)
	if err != nil {
		return nil, err
	}

	switch policy.Classify(entry, now) {
	case types.FreshnessFresh:
		s.recordServe(types.ServedFresh)
		return buildResult(entry, types.ServedFresh, now), nil

	case types.FreshnessStale:
		scheduled := s.container.GetScheduler().ScheduleRefresh(request, entry.HardEpoch)
		if !scheduled {
			s.logger().Debug("Background refresh not scheduled",
				zap.String("key", request.Key))
		}
		s.recordServe(types.ServedStale)
		return buildResult(entry, types.ServedStale, now), nil

	default:
		var observedHardEpoch uint64
		if entry != nil {
			observedHardEpoch = entry.HardEpoch
		}

		rendered, err := s.container.GetScheduler().RenderBlocking(ctx, request, observedHardEpoch)
		if err != nil {
			return nil, err
		}

		s.recordServe(types.ServedGenerated)
		return buildResult(rendered, types.ServedGenerated, now), nil
	}
}

// lookup reads the current entry, mapping not-found to nil. Other read
// errors either degrade to a miss or surface, per the store configuration.
func (s *Service) lookup(ctx context.Context, key string) (*types.Entry, error) {
	entry, err := s.container.GetStore().Get(ctx, key)
	if err == nil {
		return entry, nil
	}

	if types.IsError(err, types.ErrEntryNotFound) {
		return nil, nil
	}

	if s.degradeToRender {
		s.logger().Warn("Store read failed, degrading to render",
			zap.String("key", key),
			zap.Error(err))
		return nil, nil
	}

	return nil, types.WrapError(err, "store read failed")
}

func buildResult(entry *types.Entry, servedFrom types.ServedFrom, now time.Time) *types.ServeResult {
	return &types.ServeResult{
		Payload:     entry.Payload,
		ContentType: entry.ContentType,
		ServedFrom:  servedFrom,
		GeneratedAt: entry.GeneratedAt,
		Age:         now.Sub(entry.GeneratedAt),
	}
}

func (s *Service) recordServe(servedFrom types.ServedFrom) {
	m := s.container.GetMetrics()
	if m == nil {
		return
	}
	m.Counter("regen_serves_total", map[string]string{
		"source": string(servedFrom),
	}).Inc()
}
