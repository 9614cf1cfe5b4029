// Package monitor samples system resources and raises threshold alerts.
// Critical transitions are delivered to a registered callback; the
// caller decides whether a breach triggers an emergency shutdown.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/voxflow/voxflow-go/internal/logging"
)

// Monitored resource names.
const (
	ResourceMemory = "memory"
	ResourceGPU    = "gpu-memory"
	ResourceCPU    = "cpu"
)

const (
	bytesPerGB         = 1024 * 1024 * 1024
	warningFraction    = 0.85 // warn at 85% of the critical limit
	hysteresisFraction = 0.05 // clear alerts 5% below their trigger point
)

// Config controls the monitor.
type Config struct {
	Interval       time.Duration
	MaxMemoryGB    float64 // process RSS limit
	MaxGPUMemoryGB float64 // accelerator memory limit
	MaxCPUPercent  float64
}

// Snapshot is one sampling of the resources the monitor watches.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	ProcessRSSGB   float64   `json:"process_rss_gb"`
	SystemUsedGB   float64   `json:"system_used_gb"`
	SystemPercent  float64   `json:"system_percent"`
	GPUMemoryGB    float64   `json:"gpu_memory_gb"`
	CPUPercent     float64   `json:"cpu_percent"`
	CriticalAlerts []string  `json:"critical_alerts,omitempty"`
	WarningAlerts  []string  `json:"warning_alerts,omitempty"`
}

// alertState tracks whether a resource is currently in warning or
// critical so alerts fire on transitions, not every tick.
type alertState struct {
	inWarning  bool
	inCritical bool
}

// Monitor polls resource usage on an interval.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	// onCritical receives a reason string whenever any resource crosses
	// its critical limit. Whether that tears the service down is the
	// callback's decision, not the monitor's.
	onCritical func(reason string)

	mu     sync.Mutex
	states map[string]*alertState
	last   Snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Samplers are swappable for tests.
	sampleRSS func() (float64, error)
	sampleSys func() (usedGB, percent float64, err error)
	sampleCPU func() (float64, error)
	sampleGPU func() (float64, error)
}

// New creates a monitor. onCritical may be nil.
func New(cfg Config, onCritical func(reason string)) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}

	logger := logging.ForService("monitor")
	if logger == nil {
		logger = slog.Default().With("service", "monitor")
	}

	return &Monitor{
		cfg:        cfg,
		logger:     logger,
		onCritical: onCritical,
		states:     make(map[string]*alertState),
		sampleRSS:  processRSSGB,
		sampleSys:  systemMemory,
		sampleCPU:  cpuPercent,
		sampleGPU:  func() (float64, error) { return 0, nil },
	}
}

// SetGPUSampler installs an accelerator-memory probe. Without one the
// GPU reading stays at zero and its limit never trips.
func (m *Monitor) SetGPUSampler(fn func() (float64, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampleGPU = fn
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.check()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()

	m.logger.Info("resource monitor started",
		"interval", m.cfg.Interval,
		"max_memory_gb", m.cfg.MaxMemoryGB,
		"max_gpu_memory_gb", m.cfg.MaxGPUMemoryGB,
		"max_cpu_percent", m.cfg.MaxCPUPercent)
}

// Stop terminates the sampling loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Latest returns the most recent snapshot.
func (m *Monitor) Latest() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// check samples every resource and evaluates thresholds.
func (m *Monitor) check() {
	snap := Snapshot{Timestamp: time.Now()}

	if rss, err := m.sampleRSS(); err == nil {
		snap.ProcessRSSGB = rss
	} else {
		m.logger.Warn("process memory sample failed", "error", err)
	}
	if used, pct, err := m.sampleSys(); err == nil {
		snap.SystemUsedGB = used
		snap.SystemPercent = pct
	}
	if gpuGB, err := m.sampleGPU(); err == nil {
		snap.GPUMemoryGB = gpuGB
	} else {
		m.logger.Warn("gpu memory sample failed", "error", err)
	}
	if pct, err := m.sampleCPU(); err == nil {
		snap.CPUPercent = pct
	}

	m.evaluate(&snap, ResourceMemory, snap.ProcessRSSGB, m.cfg.MaxMemoryGB, "GB")
	m.evaluate(&snap, ResourceGPU, snap.GPUMemoryGB, m.cfg.MaxGPUMemoryGB, "GB")
	m.evaluate(&snap, ResourceCPU, snap.CPUPercent, m.cfg.MaxCPUPercent, "%")

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
}

// evaluate applies warning/critical thresholds with hysteresis so a
// value hovering at a limit does not flap alerts.
func (m *Monitor) evaluate(snap *Snapshot, resource string, value, limit float64, unit string) {
	if limit <= 0 {
		return
	}

	m.mu.Lock()
	state, ok := m.states[resource]
	if !ok {
		state = &alertState{}
		m.states[resource] = state
	}

	warnAt := limit * warningFraction
	clearCritical := limit * (1 - hysteresisFraction)
	clearWarning := warnAt * (1 - hysteresisFraction)

	enteredCritical := false
	switch {
	case value >= limit:
		if !state.inCritical {
			state.inCritical = true
			enteredCritical = true
		}
		state.inWarning = true
	case state.inCritical && value < clearCritical:
		state.inCritical = false
	case value >= warnAt && !state.inWarning:
		state.inWarning = true
		m.logger.Warn("resource approaching limit",
			"resource", resource,
			"value", value,
			"limit", limit,
			"unit", unit)
	case state.inWarning && !state.inCritical && value < clearWarning:
		state.inWarning = false
		m.logger.Info("resource recovered", "resource", resource, "value", value, "unit", unit)
	}

	if state.inCritical {
		snap.CriticalAlerts = append(snap.CriticalAlerts, resource)
	} else if state.inWarning {
		snap.WarningAlerts = append(snap.WarningAlerts, resource)
	}
	onCritical := m.onCritical
	m.mu.Unlock()

	if enteredCritical {
		reason := fmt.Sprintf("%s at %.2f%s exceeds limit %.2f%s", resource, value, unit, limit, unit)
		m.logger.Error("resource limit exceeded", "resource", resource, "reason", reason)
		if onCritical != nil {
			onCritical(reason)
		}
	}
}

func processRSSGB() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return float64(info.RSS) / bytesPerGB, nil
}

func systemMemory() (float64, float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return float64(vm.Used) / bytesPerGB, vm.UsedPercent, nil
}

func cpuPercent() (float64, error) {
	// Non-blocking sample against the previous call's counters.
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}
