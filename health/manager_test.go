package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
)

func newTestHealthManager(t *testing.T) *Manager {
	t.Helper()

	m := NewManager(context.Background(), logger.NewNopLogger())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func healthyChecker(ctx context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func unhealthyChecker(ctx context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusUnhealthy, Message: "backend down"}
}

func TestCheckAllHealthy(t *testing.T) {
	m := newTestHealthManager(t)
	m.RegisterChecker("store", healthyChecker)
	m.RegisterChecker("lock", healthyChecker)

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, "store", report.Checks["store"].Name)
}

func TestCheckOneUnhealthyDegradesReport(t *testing.T) {
	m := newTestHealthManager(t)
	m.RegisterChecker("store", healthyChecker)
	m.RegisterChecker("lock", unhealthyChecker)

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "backend down", report.Checks["lock"].Message)
}

func TestCheckRecoversPanickingChecker(t *testing.T) {
	m := newTestHealthManager(t)
	m.RegisterChecker("store", healthyChecker)
	m.RegisterChecker("broken", func(ctx context.Context) types.HealthCheck {
		panic("checker bug")
	})

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Contains(t, report.Checks["broken"].Message, "panicked")
}

func TestCheckNoCheckers(t *testing.T) {
	m := newTestHealthManager(t)

	report := m.Check(context.Background())

	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
	assert.GreaterOrEqual(t, report.Uptime, time.Duration(0))
}
