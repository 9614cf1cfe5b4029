package modelrt

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Strategy is one way of placing the model onto a device.
type Strategy string

const (
	StrategyStandard Strategy = "standard"
	StrategyAccel    Strategy = "accelerator"
	StrategyUnified  Strategy = "unified-memory"
)

// ModelInfo describes a model's inferred capabilities.
type ModelInfo struct {
	Name                  string
	Family                string
	SupportsAccelerator   bool
	SupportsUnifiedMemory bool
	EstimatedMemoryMB     uint64
}

// DeviceInfo describes the host's inference capabilities.
type DeviceInfo struct {
	Kind            string // cpu, accelerator, unified-accelerator
	TotalMemoryMB   uint64
	MixedPrecision  bool
	FlashAttention  bool
	UnifiedMemory   bool
}

// InspectModel infers capability flags from the model name. Family and
// size markers in the name drive the estimates.
func InspectModel(name string) ModelInfo {
	lower := strings.ToLower(name)
	info := ModelInfo{
		Name:                name,
		Family:              "whisper",
		SupportsAccelerator: true,
	}
	switch {
	case strings.Contains(lower, "voxtral"):
		info.Family = "voxtral"
		info.SupportsUnifiedMemory = true
		info.EstimatedMemoryMB = 6500
	case strings.Contains(lower, "large"):
		info.EstimatedMemoryMB = 3100
	case strings.Contains(lower, "medium"):
		info.EstimatedMemoryMB = 1500
	case strings.Contains(lower, "small"):
		info.EstimatedMemoryMB = 500
	case strings.Contains(lower, "base"):
		info.EstimatedMemoryMB = 150
	case strings.Contains(lower, "tiny"):
		info.EstimatedMemoryMB = 80
	default:
		info.EstimatedMemoryMB = 1500
	}
	return info
}

// DetectDevice reports host capabilities, honoring the configured
// preference where the platform allows it.
func DetectDevice(preference string) DeviceInfo {
	info := DeviceInfo{Kind: "cpu"}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryMB = vm.Total / (1024 * 1024)
	}

	// Apple silicon shares memory between CPU and GPU.
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		info.UnifiedMemory = true
	}

	switch preference {
	case "accelerator":
		info.Kind = "accelerator"
		info.MixedPrecision = true
		info.FlashAttention = true
	case "unified-accelerator":
		if info.UnifiedMemory {
			info.Kind = "unified-accelerator"
		}
	}
	return info
}

// StrategyList builds the ordered loading strategies: the recommended one
// first, then every other compatible strategy, Standard always last.
// Duplicates are removed preserving first occurrence.
func StrategyList(model ModelInfo, device DeviceInfo) []Strategy {
	var candidates []Strategy

	candidates = append(candidates, recommendStrategy(model, device))

	if model.SupportsAccelerator && device.Kind == "accelerator" {
		candidates = append(candidates, StrategyAccel)
	}
	if model.SupportsUnifiedMemory && device.UnifiedMemory {
		candidates = append(candidates, StrategyUnified)
	}
	candidates = append(candidates, StrategyStandard)

	seen := make(map[Strategy]bool, len(candidates))
	ordered := make([]Strategy, 0, len(candidates))
	for _, s := range candidates {
		if !seen[s] {
			seen[s] = true
			ordered = append(ordered, s)
		}
	}
	return ordered
}

func recommendStrategy(model ModelInfo, device DeviceInfo) Strategy {
	switch {
	case model.SupportsUnifiedMemory && device.UnifiedMemory:
		return StrategyUnified
	case model.SupportsAccelerator && device.Kind == "accelerator":
		return StrategyAccel
	default:
		return StrategyStandard
	}
}

// LoadingResult reports the outcome of the strategy cascade.
type LoadingResult struct {
	Success  bool
	Strategy Strategy
	Device   string
	LoadTime time.Duration
	MemoryMB uint64
	Warnings []string
}

// loadAttempt is one strategy's loading function. It must either fully
// succeed or leave no partial state behind.
type loadAttempt func(Strategy) error

// tryStrategies attempts each strategy in order, recording failures as
// warnings. The first success wins; exhaustion is an error.
func tryStrategies(strategies []Strategy, device DeviceInfo, attempt loadAttempt) (*LoadingResult, error) {
	result := &LoadingResult{Device: device.Kind}
	start := time.Now()

	for _, strategy := range strategies {
		if err := attempt(strategy); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("strategy %s failed: %v", strategy, err))
			continue
		}
		result.Success = true
		result.Strategy = strategy
		result.LoadTime = time.Since(start)
		return result, nil
	}

	result.LoadTime = time.Since(start)
	return result, fmt.Errorf("all %d loading strategies failed: %s",
		len(strategies), strings.Join(result.Warnings, "; "))
}
