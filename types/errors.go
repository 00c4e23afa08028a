package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrEntryNotFound         = errors.New("entry not found")
	ErrEntryKeyEmpty         = errors.New("entry key empty")
	ErrStoreUnavailable      = errors.New("entry store unavailable")
	ErrStoreTypeUnknown      = errors.New("store type unknown")
	ErrInvalidationConflict  = errors.New("replace rejected by hard invalidation")
	ErrStoreConnectionFailed = errors.New("store connection failed")
)

var (
	ErrLockTypeUnknown      = errors.New("lock type unknown")
	ErrLockConnectionFailed = errors.New("lock connection failed")
)

var (
	ErrRenderFailed  = errors.New("render failed")
	ErrRenderTimeout = errors.New("render timeout")
	ErrRendererIsNil = errors.New("renderer is nil")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrAdminTokenInvalid    = errors.New("admin token invalid")
)

var (
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronSchedulerStopped  = errors.New("cron scheduler stopped")
	ErrCronJobFailed         = errors.New("cron job failed")
	ErrCronJobTimeout        = errors.New("cron job timeout")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
	ErrMetricsNotRunning  = errors.New("metrics manager is not running")
)

var (
	ErrLoggerTypeUnknown = errors.New("logger type unknown")
	ErrLogFileIsEmpty    = errors.New("log file is empty")
)

var (
	ErrNotifierIsDisabled  = errors.New("notifier is disabled")
	ErrNotifierNotRunning  = errors.New("notifier not running")
	ErrNotifierTypeUnknown = errors.New("notifier type unknown")
	ErrNotifierQueueFull   = errors.New("notifier queue full")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
	ErrInvalidParameter    = errors.New("invalid parameter")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
