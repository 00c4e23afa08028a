package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/regenlab/regencache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(types.ErrConfigNotFound, "file not found: "+configPath)
	}

	data, err := l.readFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "failed to parse YAML config: %v", err)
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, nil
}

func (l *Loader) readFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

// FillDefaults populates sections the caller left nil, so an in-memory
// config behaves like a partial YAML file.
func (l *Loader) FillDefaults(config *types.ServiceConfig) {
	defaults := l.Defaults()

	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Store == nil {
		config.Store = defaults.Store
	}
	if config.Lock == nil {
		config.Lock = defaults.Lock
	}
	if config.Scheduler == nil {
		config.Scheduler = defaults.Scheduler
	}
	if config.Sweep == nil {
		config.Sweep = defaults.Sweep
	}
	if config.Admin == nil {
		config.Admin = defaults.Admin
	}
	if config.Notifier == nil {
		config.Notifier = defaults.Notifier
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Health == nil {
		config.Health = defaults.Health
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "regencache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Type:  "default",
			Level: "debug",
		},
		Store: &types.StoreConfig{
			Type:            "memory",
			Compression:     "none",
			DegradeToRender: true,
		},
		Lock: &types.LockConfig{
			Type:  "memory",
			Lease: 30 * time.Second,
		},
		Scheduler: &types.SchedulerConfig{
			RenderTimeout:   10 * time.Second,
			MaxInFlight:     0,
			ShutdownTimeout: 30 * time.Second,
		},
		Sweep: &types.SweepConfig{
			Enabled:    false,
			Spec:       "0 * * * * *",
			BatchLimit: 0,
			Timezone:   "UTC",
		},
		Admin: &types.AdminConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		Notifier: &types.NotifierConfig{
			Enabled: false,
			Type:    "websocket",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
	}
}
