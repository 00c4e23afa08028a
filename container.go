package regencache

import (
	"sync/atomic"

	"github.com/regenlab/regencache/server"
	"github.com/regenlab/regencache/types"
)

// Container holds the wired components of one cache instance. Pointers are
// atomic so lifecycle transitions and request paths never race on wiring.
type Container struct {
	Config    atomic.Pointer[types.ConfigManager]
	Logger    atomic.Pointer[types.Logger]
	Store     atomic.Pointer[types.EntryStore]
	Lock      atomic.Pointer[types.RegenLock]
	Scheduler atomic.Pointer[types.Scheduler]
	Cron      atomic.Pointer[types.CronManager]
	Metrics   atomic.Pointer[types.MetricsManager]
	Health    atomic.Pointer[types.HealthManager]
	Notifier  atomic.Pointer[types.Notifier]
	Admin     atomic.Pointer[*server.AdminServer]
}

func NewContainer() *Container {
	return &Container{}
}

func (c *Container) SetConfig(config types.ConfigManager) {
	c.Config.Store(&config)
}

func (c *Container) SetLogger(logger types.Logger) {
	c.Logger.Store(&logger)
}

func (c *Container) SetStore(store types.EntryStore) {
	c.Store.Store(&store)
}

func (c *Container) SetLock(lock types.RegenLock) {
	c.Lock.Store(&lock)
}

func (c *Container) SetScheduler(scheduler types.Scheduler) {
	c.Scheduler.Store(&scheduler)
}

func (c *Container) SetCron(cron types.CronManager) {
	c.Cron.Store(&cron)
}

func (c *Container) SetMetrics(metrics types.MetricsManager) {
	c.Metrics.Store(&metrics)
}

func (c *Container) SetHealth(health types.HealthManager) {
	c.Health.Store(&health)
}

func (c *Container) SetNotifier(notifier types.Notifier) {
	c.Notifier.Store(&notifier)
}

func (c *Container) SetAdmin(admin *server.AdminServer) {
	c.Admin.Store(&admin)
}

func (c *Container) GetConfig() types.ConfigManager {
	if ptr := c.Config.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetLogger() types.Logger {
	if ptr := c.Logger.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetStore() types.EntryStore {
	if ptr := c.Store.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetLock() types.RegenLock {
	if ptr := c.Lock.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetScheduler() types.Scheduler {
	if ptr := c.Scheduler.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetCron() types.CronManager {
	if ptr := c.Cron.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetMetrics() types.MetricsManager {
	if ptr := c.Metrics.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetHealth() types.HealthManager {
	if ptr := c.Health.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetNotifier() types.Notifier {
	if ptr := c.Notifier.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

func (c *Container) GetAdmin() *server.AdminServer {
	if ptr := c.Admin.Load(); ptr != nil {
		return *ptr
	}
	return nil
}
