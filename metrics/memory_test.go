package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regenlab/regencache/logger"
	"github.com/regenlab/regencache/types"
	"github.com/regenlab/regencache/utils"
)

func newTestManager(t *testing.T) types.MetricsManager {
	t.Helper()

	m, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true,
		Type:    "memory",
	}, logger.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	return m
}

func TestManagerDisabled(t *testing.T) {
	_, err := NewManager(context.Background(), &types.MetricsConfig{Enabled: false}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)

	_, err = NewManager(context.Background(), nil, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsIsDisabled)
}

func TestManagerUnknownType(t *testing.T) {
	_, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true,
		Type:    "statsd",
	}, logger.NewNopLogger())
	assert.ErrorIs(t, err, types.ErrMetricsTypeUnknown)
}

func TestCounterAccumulates(t *testing.T) {
	m := newTestManager(t)

	counter := m.Counter("serve_total", map[string]string{"outcome": "fresh"})
	counter.Inc()
	counter.Add(2)

	assert.Equal(t, float64(3), counter.Get())

	// Same name and labels resolve to the same instrument.
	assert.Equal(t, float64(3), m.Counter("serve_total", map[string]string{"outcome": "fresh"}).Get())

	// Different labels are independent.
	assert.Equal(t, float64(0), m.Counter("serve_total", map[string]string{"outcome": "stale"}).Get())
}

func TestCounterIgnoresNegativeAdd(t *testing.T) {
	m := newTestManager(t)

	counter := m.Counter("c", nil)
	counter.Inc()
	counter.Add(-5)

	assert.Equal(t, float64(1), counter.Get())
}

func TestGauge(t *testing.T) {
	m := newTestManager(t)

	gauge := m.Gauge("in_flight", nil)
	gauge.Set(4)
	gauge.Inc()
	gauge.Dec()
	gauge.Dec()

	assert.Equal(t, float64(3), gauge.Get())
}

func TestHistogram(t *testing.T) {
	m := newTestManager(t)

	histogram := m.Histogram("duration_seconds", []float64{0.1, 1.0}, nil)
	histogram.Observe(0.05)
	histogram.Observe(0.5)
	histogram.Observe(2.0)

	assert.Equal(t, uint64(3), histogram.GetCount())
	assert.InDelta(t, 2.55, histogram.GetSum(), 1e-9)
}

func TestGetMetricsSnapshot(t *testing.T) {
	m := newTestManager(t)

	m.Counter("serve_total", map[string]string{"outcome": "fresh"}).Inc()
	m.Gauge("in_flight", nil).Set(2)

	data, err := m.GetMetrics()
	require.NoError(t, err)

	var values []types.MetricValue
	require.NoError(t, utils.Unmarshal(data, &values))
	require.Len(t, values, 2)

	byName := map[string]types.MetricValue{}
	for _, v := range values {
		byName[v.Name] = v
	}

	assert.Equal(t, float64(1), byName["serve_total"].Value)
	assert.Equal(t, "fresh", byName["serve_total"].Labels["outcome"])
	assert.Equal(t, float64(2), byName["in_flight"].Value)
}

func TestInstrumentsAreNoopWhenStopped(t *testing.T) {
	m, err := NewManager(context.Background(), &types.MetricsConfig{
		Enabled: true,
		Type:    "memory",
	}, logger.NewNopLogger())
	require.NoError(t, err)

	// Not started yet: instruments must absorb writes silently.
	m.Counter("c", nil).Inc()

	require.NoError(t, m.Start())
	defer m.Stop()

	assert.Equal(t, float64(0), m.Counter("c", nil).Get())
}
