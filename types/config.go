package types

import (
	"time"
)

type ConfigManager interface {
	LifecycleManager
	Load() error
	GetConfig() *ServiceConfig
}

type ServiceConfig struct {
	Name      string           `yaml:"name" json:"name" validate:"required"`
	Version   string           `yaml:"version" json:"version"`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger"`
	Store     *StoreConfig     `yaml:"store" json:"store"`
	Lock      *LockConfig      `yaml:"lock" json:"lock"`
	Scheduler *SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Sweep     *SweepConfig     `yaml:"sweep" json:"sweep"`
	Admin     *AdminConfig     `yaml:"admin" json:"admin"`
	Notifier  *NotifierConfig  `yaml:"notifier" json:"notifier"`
	Metrics   *MetricsConfig   `yaml:"metrics" json:"metrics"`
	Health    *HealthConfig    `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Type string `yaml:"type" json:"type" validate:"required"`

	// Compression selects the payload codec applied around the backend:
	// "none" or "brotli".
	Compression string `yaml:"compression" json:"compression" validate:"omitempty,oneof=none brotli"`

	// DegradeToRender controls read-failure behavior: when true a store read
	// error is treated as a missing entry (always-regenerate), otherwise it
	// surfaces as a hard error.
	DegradeToRender bool `yaml:"degrade_to_render" json:"degrade_to_render"`

	Config interface{} `yaml:"config" json:"config"`
}

type LockConfig struct {
	Type string `yaml:"type" json:"type" validate:"required"`

	// Lease bounds how long a regeneration may hold a key before the lock
	// self-expires and recurrence retries become possible again.
	Lease time.Duration `yaml:"lease" json:"lease"`

	Config interface{} `yaml:"config" json:"config"`
}

type SchedulerConfig struct {
	// RenderTimeout is the caller-supplied bound on one renderer invocation;
	// a timeout counts as a regeneration failure.
	RenderTimeout time.Duration `yaml:"render_timeout" json:"render_timeout"`

	// MaxInFlight caps concurrent background regenerations across all keys.
	// Zero means unlimited.
	MaxInFlight int `yaml:"max_in_flight" json:"max_in_flight" validate:"min=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type SweepConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Spec is a robfig/cron expression (with seconds field) controlling how
	// often the store is scanned for stale entries.
	Spec string `yaml:"spec" json:"spec" validate:"required_if=Enabled true"`

	// BatchLimit caps how many refreshes one sweep may schedule.
	BatchLimit int `yaml:"batch_limit" json:"batch_limit" validate:"min=0"`

	Timezone string `yaml:"timezone" json:"timezone"`
}

type AdminConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
	Token           string `yaml:"token" json:"token"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type NotifierConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Config  interface{}       `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
