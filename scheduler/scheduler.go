// Package scheduler runs page regenerations: synchronous renders the caller
// waits on, and detached background refreshes behind the regeneration lock.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/regenlab/regencache/types"
)

const (
	defaultRenderTimeout   = 10 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *types.SchedulerConfig
	leaseTTL time.Duration

	store    types.EntryStore
	lock     types.RegenLock
	renderer types.Renderer
	logger   types.Logger
	metrics  types.MetricsManager

	// group collapses concurrent blocking renders of the same key into one.
	group singleflight.Group

	// slots caps detached regenerations when MaxInFlight > 0.
	slots    chan struct{}
	inFlight int64
	wg       sync.WaitGroup

	state atomic.Value
}

func NewScheduler(
	ctx context.Context,
	config *types.SchedulerConfig,
	leaseTTL time.Duration,
	store types.EntryStore,
	lock types.RegenLock,
	renderer types.Renderer,
	logger types.Logger,
	metrics types.MetricsManager,
) (types.Scheduler, error) {
	if renderer == nil {
		return nil, types.ErrRendererIsNil
	}

	if config == nil {
		config = &types.SchedulerConfig{}
	}
	if config.RenderTimeout <= 0 {
		config.RenderTimeout = defaultRenderTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}

	schedulerCtx, cancel := context.WithCancel(ctx)

	s := &Scheduler{
		ctx:      schedulerCtx,
		cancel:   cancel,
		config:   config,
		leaseTTL: leaseTTL,
		store:    store,
		lock:     lock,
		renderer: renderer,
		logger:   logger,
		metrics:  metrics,
	}

	if config.MaxInFlight > 0 {
		s.slots = make(chan struct{}, config.MaxInFlight)
	}

	s.state.Store(StateStopped)

	return s, nil
}

func (s *Scheduler) RenderBlocking(ctx context.Context, request *types.RenderRequest, observedHardEpoch uint64) (*types.Entry, error) {
	if request == nil || request.Key == "" {
		return nil, types.ErrEntryKeyEmpty
	}

	result, err, shared := s.group.Do(request.Key, func() (interface{}, error) {
		return s.renderAndCommit(ctx, request, observedHardEpoch, "blocking")
	})
	if err != nil {
		return nil, err
	}

	if shared {
		s.recordRender("blocking", "deduplicated")
	}

	return result.(*types.Entry), nil
}

func (s *Scheduler) ScheduleRefresh(request *types.RenderRequest, observedHardEpoch uint64) bool {
	if request == nil || request.Key == "" {
		return false
	}
	if s.getState() != StateRunning {
		return false
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		default:
			s.recordRender("background", "saturated")
			return false
		}
	}

	lease, acquired, err := s.lock.TryAcquire(s.ctx, request.Key, s.leaseTTL)
	if err != nil {
		s.releaseSlot()
		s.logger.Error("failed to acquire regeneration lease",
			zap.String("key", request.Key), zap.Error(err))
		return false
	}
	if !acquired {
		s.releaseSlot()
		return false
	}

	atomic.AddInt64(&s.inFlight, 1)
	s.wg.Add(1)

	go func() {
		defer func() {
			if releaseErr := s.lock.Release(s.ctx, lease); releaseErr != nil {
				s.logger.Error("failed to release regeneration lease",
					zap.String("key", request.Key), zap.Error(releaseErr))
			}
			s.releaseSlot()
			atomic.AddInt64(&s.inFlight, -1)
			s.wg.Done()
		}()

		// Detached from the request context: the caller got a stale page and
		// moved on, the refresh runs on the scheduler's lifetime.
		if _, err := s.renderAndCommit(s.ctx, request, observedHardEpoch, "background"); err != nil {
			s.logger.Warn("background regeneration failed, existing entry retained",
				zap.String("key", request.Key), zap.Error(err))
		}
	}()

	return true
}

// renderAndCommit invokes the renderer under the configured timeout and
// replaces the stored entry. A failed render leaves the store untouched: the
// previous entry, including its timestamps, keeps serving.
func (s *Scheduler) renderAndCommit(ctx context.Context, request *types.RenderRequest, observedHardEpoch uint64, mode string) (*types.Entry, error) {
	renderCtx, cancel := context.WithTimeout(ctx, s.config.RenderTimeout)
	defer cancel()

	start := time.Now()
	output, err := s.renderer.Render(renderCtx, request.Key, request.Params)
	s.recordDuration(mode, time.Since(start))

	if err != nil {
		s.recordRender(mode, "failed")
		if renderCtx.Err() == context.DeadlineExceeded {
			return nil, types.Errorf(types.ErrRenderTimeout, "key: %s", request.Key)
		}
		return nil, types.WrapError(err, "render failed")
	}
	if output == nil {
		s.recordRender(mode, "failed")
		return nil, types.Errorf(types.ErrRenderFailed, "renderer returned no output for key: %s", request.Key)
	}

	entry := &types.Entry{
		Key:         request.Key,
		Payload:     output.Payload,
		ContentType: output.ContentType,
		GeneratedAt: time.Now(),
		Revalidate:  request.Revalidate,
		Tags:        request.Tags,
		Params:      request.Params,
		State:       types.StateCommitted,
	}

	if err := s.store.Replace(ctx, entry, observedHardEpoch); err != nil {
		if types.IsError(err, types.ErrInvalidationConflict) {
			// A hard invalidation landed mid-render. The invalidation wins in
			// the store; the already rendered payload is still good enough
			// for the caller that waited on it.
			s.recordRender(mode, "conflict")
			s.logger.Info("regeneration lost to hard invalidation",
				zap.String("key", request.Key))
			entry.State = types.StatePendingWrite
			return entry, nil
		}

		s.recordRender(mode, "store_error")
		s.logger.Error("failed to store regenerated entry",
			zap.String("key", request.Key), zap.Error(err))
		// Same shape as the conflict case: serve the render, keep nothing.
		entry.State = types.StatePendingWrite
		return entry, nil
	}

	s.recordRender(mode, "success")

	return entry, nil
}

func (s *Scheduler) InFlight() int {
	return int(atomic.LoadInt64(&s.inFlight))
}

func (s *Scheduler) Start() error {
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	s.state.Store(StateRunning)
	s.logger.Info("Scheduler started",
		zap.Duration("render_timeout", s.config.RenderTimeout),
		zap.Int("max_in_flight", s.config.MaxInFlight))

	return nil
}

func (s *Scheduler) Stop() error {
	if !s.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.state.Store(StateStopped)
		s.cancel()
	}()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("shutdown timeout reached with regenerations in flight",
			zap.Int("in_flight", s.InFlight()))
	}

	return nil
}

func (s *Scheduler) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Scheduler) getState() State {
	return s.state.Load().(State)
}

func (s *Scheduler) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Scheduler) recordRender(mode, result string) {
	if s.metrics == nil {
		return
	}

	s.metrics.Counter("regen_renders_total", map[string]string{
		"mode":   mode,
		"result": result,
	}).Inc()
}

func (s *Scheduler) recordDuration(mode string, duration time.Duration) {
	if s.metrics == nil {
		return
	}

	s.metrics.Histogram("regen_render_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0},
		map[string]string{"mode": mode},
	).Observe(duration.Seconds())
}
