package cron

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/regenlab/regencache/policy"
	"github.com/regenlab/regencache/types"
)

// Sweeper walks the store on a schedule and proactively regenerates entries
// that went stale without traffic. Request-driven refreshes already cover hot
// keys; the sweep keeps cold keys from serving arbitrarily old payloads.
type Sweeper struct {
	store     types.EntryStore
	scheduler types.Scheduler
	logger    types.Logger
	metrics   types.MetricsManager

	batchLimit int
}

func NewSweeper(store types.EntryStore, scheduler types.Scheduler, config *types.SweepConfig, logger types.Logger, metrics types.MetricsManager) *Sweeper {
	batchLimit := 0
	if config != nil {
		batchLimit = config.BatchLimit
	}

	return &Sweeper{
		store:      store,
		scheduler:  scheduler,
		logger:     logger,
		metrics:    metrics,
		batchLimit: batchLimit,
	}
}

// Run is the cron job body: one full scan, scheduling refreshes for stale
// entries until the batch limit is hit.
func (s *Sweeper) Run() {
	ctx := context.Background()
	now := time.Now()

	scanned := 0
	scheduled := 0

	err := s.store.Scan(ctx, func(entry *types.Entry) bool {
		scanned++

		if policy.Classify(entry, now) != types.FreshnessStale {
			return true
		}

		request := &types.RenderRequest{
			Key:        entry.Key,
			Params:     entry.Params,
			Revalidate: entry.Revalidate,
			Tags:       entry.Tags,
		}

		if s.scheduler.ScheduleRefresh(request, entry.HardEpoch) {
			scheduled++
		}

		return s.batchLimit == 0 || scheduled < s.batchLimit
	})
	if err != nil {
		s.logger.Error("revalidation sweep failed", zap.Error(err))
		return
	}

	s.recordSweep(scanned, scheduled)

	s.logger.Debug("revalidation sweep finished",
		zap.Int("scanned", scanned),
		zap.Int("scheduled", scheduled))
}

func (s *Sweeper) recordSweep(scanned, scheduled int) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("sweep_entries_scanned_total", nil).Add(float64(scanned))
	s.metrics.Counter("sweep_refreshes_scheduled_total", nil).Add(float64(scheduled))
}
