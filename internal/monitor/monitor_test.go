package monitor

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMonitor returns a monitor with fixed samplers so checks are
// deterministic.
func testMonitor(cfg Config, onCritical func(string)) *Monitor {
	m := New(cfg, onCritical)
	m.sampleRSS = func() (float64, error) { return 1.0, nil }
	m.sampleSys = func() (float64, float64, error) { return 4.0, 50.0, nil }
	m.sampleCPU = func() (float64, error) { return 10.0, nil }
	m.sampleGPU = func() (float64, error) { return 0, nil }
	return m
}

func TestCheckWithinLimits(t *testing.T) {
	t.Parallel()

	m := testMonitor(Config{MaxMemoryGB: 8, MaxGPUMemoryGB: 4, MaxCPUPercent: 90}, nil)
	m.check()

	snap := m.Latest()
	assert.Empty(t, snap.CriticalAlerts)
	assert.Empty(t, snap.WarningAlerts)
	assert.Equal(t, 1.0, snap.ProcessRSSGB)
	assert.Equal(t, 10.0, snap.CPUPercent)
}

func TestMemoryCriticalFiresCallback(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	var reason atomic.Value
	m := testMonitor(Config{MaxMemoryGB: 8}, func(r string) {
		fired.Add(1)
		reason.Store(r)
	})
	m.sampleRSS = func() (float64, error) { return 9.5, nil }

	m.check()
	require.Equal(t, int32(1), fired.Load())
	assert.Contains(t, reason.Load().(string), "memory")
	assert.Contains(t, m.Latest().CriticalAlerts, ResourceMemory)

	// Staying critical must not re-fire the callback every tick.
	m.check()
	assert.Equal(t, int32(1), fired.Load())
}

func TestCPUCriticalFiresCallback(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	m := testMonitor(Config{MaxCPUPercent: 90}, func(string) {
		fired.Add(1)
	})
	m.sampleCPU = func() (float64, error) { return 99.0, nil }

	m.check()
	assert.Equal(t, int32(1), fired.Load())
	assert.Contains(t, m.Latest().CriticalAlerts, ResourceCPU)
}

func TestGPULimit(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	m := testMonitor(Config{MaxGPUMemoryGB: 4}, func(string) {
		fired.Add(1)
	})
	m.SetGPUSampler(func() (float64, error) { return 5.0, nil })

	m.check()
	assert.Equal(t, int32(1), fired.Load())
	assert.Contains(t, m.Latest().CriticalAlerts, ResourceGPU)
}

func TestWarningBeforeCritical(t *testing.T) {
	t.Parallel()

	m := testMonitor(Config{MaxMemoryGB: 8}, nil)
	m.sampleRSS = func() (float64, error) { return 7.0, nil } // 87.5% of limit

	m.check()
	snap := m.Latest()
	assert.Contains(t, snap.WarningAlerts, ResourceMemory)
	assert.Empty(t, snap.CriticalAlerts)
}

func TestHysteresisClearsAlert(t *testing.T) {
	t.Parallel()

	m := testMonitor(Config{MaxMemoryGB: 8}, nil)

	m.sampleRSS = func() (float64, error) { return 9.0, nil }
	m.check()
	assert.Contains(t, m.Latest().CriticalAlerts, ResourceMemory)

	// Just under the limit stays critical (inside the hysteresis band).
	m.sampleRSS = func() (float64, error) { return 7.9, nil }
	m.check()
	assert.Contains(t, m.Latest().CriticalAlerts, ResourceMemory)

	// Well below clears.
	m.sampleRSS = func() (float64, error) { return 5.0, nil }
	m.check()
	assert.Empty(t, m.Latest().CriticalAlerts)
}

func TestZeroLimitDisablesResource(t *testing.T) {
	t.Parallel()

	m := testMonitor(Config{MaxMemoryGB: 0, MaxCPUPercent: 0}, nil)
	m.sampleRSS = func() (float64, error) { return 100.0, nil }
	m.sampleCPU = func() (float64, error) { return 100.0, nil }

	m.check()
	assert.Empty(t, m.Latest().CriticalAlerts)
}
