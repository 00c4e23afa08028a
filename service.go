// Package regencache is an incremental regeneration cache: rendered payloads
// are served from a store while a scheduler regenerates them in the
// background once they go stale, with time-based expiry and on-demand
// invalidation by key or tag.
package regencache

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/regenlab/regencache/config"
	"github.com/regenlab/regencache/cron"
	"github.com/regenlab/regencache/health"
	"github.com/regenlab/regencache/lock"
	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/metrics"
	"github.com/regenlab/regencache/notifier"
	"github.com/regenlab/regencache/scheduler"
	"github.com/regenlab/regencache/server"
	"github.com/regenlab/regencache/store"
	"github.com/regenlab/regencache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service wires the store, lock, scheduler and the optional sweep, notifier
// and admin components into one cache instance.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	container       *Container
	renderer        types.Renderer
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	degradeToRender bool
	shutdownTimeout time.Duration
}

// NewService builds a cache instance from a YAML config file.
func NewService(ctx context.Context, configPath string, renderer types.Renderer) (*Service, error) {
	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to load configuration")
	}

	return newService(ctx, configManager, renderer)
}

// NewServiceWithConfig builds a cache instance from an in-memory
// configuration, for embedding without a config file.
func NewServiceWithConfig(ctx context.Context, cfg *types.ServiceConfig, renderer types.Renderer) (*Service, error) {
	configManager, err := config.NewStaticManager(ctx, cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to validate configuration")
	}

	return newService(ctx, configManager, renderer)
}

func newService(ctx context.Context, configManager types.ConfigManager, renderer types.Renderer) (*Service, error) {
	if renderer == nil {
		return nil, types.ErrRendererIsNil
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		container:       NewContainer(),
		renderer:        renderer,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := service.registerComponents(configManager); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register components")
	}

	return service, nil
}

func (s *Service) registerComponents(configManager types.ConfigManager) error {
	s.container.SetConfig(configManager)

	cfg := configManager.GetConfig()
	s.degradeToRender = cfg.Store.DegradeToRender

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.container.SetLogger(log)

	var metricsManager types.MetricsManager
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(s.ctx, cfg.Metrics, log)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		s.container.SetMetrics(metricsManager)
	}

	var healthManager types.HealthManager
	if cfg.Health != nil && cfg.Health.Enabled {
		healthManager = health.NewManager(s.ctx, log)
		s.container.SetHealth(healthManager)
	}

	entryStore, err := store.NewEntryStore(s.ctx, cfg.Store, log, metricsManager, healthManager)
	if err != nil {
		return types.WrapError(err, "failed to register entry store")
	}
	s.container.SetStore(entryStore)

	regenLock, err := lock.NewRegenLock(s.ctx, cfg.Lock, log, healthManager)
	if err != nil {
		return types.WrapError(err, "failed to register regeneration lock")
	}
	s.container.SetLock(regenLock)

	sched, err := scheduler.NewScheduler(s.ctx, cfg.Scheduler, cfg.Lock.Lease, entryStore, regenLock, s.renderer, log, metricsManager)
	if err != nil {
		return types.WrapError(err, "failed to register scheduler")
	}
	s.container.SetScheduler(sched)

	if cfg.Sweep != nil && cfg.Sweep.Enabled {
		cronManager, err := cron.NewManager(s.ctx, cfg.Sweep.Timezone, log, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}

		sweeper := cron.NewSweeper(entryStore, sched, cfg.Sweep, log, metricsManager)
		if err := cronManager.Add("revalidation_sweep", cfg.Sweep.Spec, sweeper.Run); err != nil {
			return types.WrapError(err, "failed to register revalidation sweep")
		}
		s.container.SetCron(cronManager)
	}

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		notifierManager, err := notifier.NewNotifier(s.ctx, cfg.Notifier, log, healthManager)
		if err != nil {
			return types.WrapError(err, "failed to register notifier")
		}
		notifierManager.Subscribe(s.applyPeerEvent)
		s.container.SetNotifier(notifierManager)
	}

	if cfg.Admin != nil && cfg.Admin.Enabled {
		adminServer, err := server.NewAdminServer(s.ctx, cfg.Admin, log, s, healthManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register admin server")
		}
		s.container.SetAdmin(adminServer)
	}

	return nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	if err := s.startComponents(); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger().Info("Cache service started successfully")
	return nil
}

func (s *Service) startComponents() error {
	if err := s.container.GetConfig().Start(); err != nil {
		return types.WrapError(err, "failed to start config manager")
	}

	if m := s.container.GetMetrics(); m != nil {
		if err := m.Start(); err != nil {
			s.logger().Error("Failed to start metrics manager", zap.Error(err))
		}
	}

	if m := s.container.GetHealth(); m != nil {
		if err := m.Start(); err != nil {
			s.logger().Error("Failed to start health manager", zap.Error(err))
		}
	}

	if err := s.container.GetStore().Start(); err != nil {
		return types.WrapError(err, "failed to start entry store")
	}

	if err := s.container.GetLock().Start(); err != nil {
		return types.WrapError(err, "failed to start regeneration lock")
	}

	if err := s.container.GetScheduler().Start(); err != nil {
		return types.WrapError(err, "failed to start scheduler")
	}

	if m := s.container.GetCron(); m != nil {
		if err := m.Start(); err != nil {
			s.logger().Error("Failed to start cron manager", zap.Error(err))
		}
	}

	if m := s.container.GetNotifier(); m != nil {
		if err := m.Start(); err != nil {
			s.logger().Error("Failed to start notifier", zap.Error(err))
		}
	}

	if m := s.container.GetAdmin(); m != nil {
		if err := m.Start(); err != nil {
			return types.WrapError(err, "failed to start admin server")
		}
	}

	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
		s.wg.Wait()
	}()

	return s.stopComponents()
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	g, gCtx := errgroup.WithContext(ctx)

	if m := s.container.GetAdmin(); m != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := m.Stop(); err != nil {
					s.logger().Error("Failed to stop admin server", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if m := s.container.GetCron(); m != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := m.Stop(); err != nil {
					s.logger().Error("Failed to stop cron manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if m := s.container.GetNotifier(); m != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				// The notifier stops itself when reconnection gives up.
				if err := m.Stop(); err != nil && !types.IsError(err, types.ErrServerNotRunning) {
					s.logger().Error("Failed to stop notifier", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	// The scheduler drains in-flight regenerations before the store and
	// lock go away.
	if err := s.container.GetScheduler().Stop(); err != nil {
		s.logger().Error("Failed to stop scheduler", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.container.GetLock().Stop(); err != nil {
		s.logger().Error("Failed to stop regeneration lock", zap.Error(err))
		errs = append(errs, err)
	}

	if err := s.container.GetStore().Stop(); err != nil {
		s.logger().Error("Failed to stop entry store", zap.Error(err))
		errs = append(errs, err)
	}

	if m := s.container.GetMetrics(); m != nil {
		if err := m.Stop(); err != nil {
			s.logger().Error("Failed to stop metrics manager", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if m := s.container.GetHealth(); m != nil {
		if err := m.Stop(); err != nil {
			s.logger().Error("Failed to stop health manager", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := s.container.GetConfig().Stop(); err != nil {
		s.logger().Error("Failed to stop config manager", zap.Error(err))
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	s.logger().Info("Cache service stopped gracefully")
	return nil
}

// Run starts the service and blocks until the context is cancelled or a
// shutdown signal arrives.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	s.setupSignalHandling()

	<-s.done

	if s.IsRunning() {
		return s.Stop()
	}
	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

// Store exposes the underlying entry store, mainly for tests and callers
// that need read access beyond Serve.
func (s *Service) Store() types.EntryStore {
	return s.container.GetStore()
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			s.logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			s.cancel()
		case <-s.ctx.Done():
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger().Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger().Info("Service shutdown: context done")
	}
}

func (s *Service) logger() types.Logger {
	return s.container.GetLogger()
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
