// Package modelrt abstracts the speech-to-text inference backend behind a
// uniform runtime interface with capability detection and ordered
// strategy fallback.
package modelrt

import (
	"context"
	"sync"
	"time"
)

// TranscribeRequest carries one chunk of audio into the runtime.
type TranscribeRequest struct {
	Samples        []float32
	SampleRate     int
	Language       string // "" or "auto" lets the runtime detect
	WantTimestamps bool
	WantConfidence bool
	SystemPrompt   string // optional, <= 2000 chars, checked upstream
	MaxTokens      int
}

// SubSegment is a timestamped span within one chunk, chunk-local times.
type SubSegment struct {
	Start      float64
	End        float64
	Text       string
	Confidence *float64
}

// TranscribeResult is the runtime's output for one chunk.
type TranscribeResult struct {
	Text       string
	Segments   []SubSegment // empty when the backend has no sub-chunk timing
	Confidence *float64
	TokensUsed int
}

// HealthStatus reports runtime liveness and performance.
type HealthStatus struct {
	Alive       bool
	Ready       bool
	ModelLoaded bool
	Device      string
	Engine      string
	Stats       PerfSnapshot
}

// ModelConfig identifies the model to load.
type ModelConfig struct {
	Name     string
	CacheDir string
	Device   string // cpu, accelerator, unified-accelerator
}

// Runtime is the uniform interface over inference backends.
type Runtime interface {
	LoadModel(ctx context.Context, cfg ModelConfig) (*LoadingResult, error)
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error)
	Warmup(ctx context.Context, samples []float32) error
	Unload() error
	Health() HealthStatus
}

// PerfStats accumulates inference timing for observability.
type PerfStats struct {
	mu              sync.Mutex
	totalInferences int64
	totalTime       time.Duration
	totalAudioSecs  float64
}

// PerfSnapshot is a copy of the accumulated stats.
type PerfSnapshot struct {
	TotalInferences   int64   `json:"total_inferences"`
	AvgInferenceSecs  float64 `json:"avg_inference_seconds"`
	AvgRealTimeFactor float64 `json:"avg_rtf"`
}

// Record adds one inference to the stats.
func (ps *PerfStats) Record(elapsed time.Duration, audioSeconds float64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.totalInferences++
	ps.totalTime += elapsed
	ps.totalAudioSecs += audioSeconds
}

// Snapshot returns a copy of the current stats.
func (ps *PerfStats) Snapshot() PerfSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	snap := PerfSnapshot{TotalInferences: ps.totalInferences}
	if ps.totalInferences > 0 {
		snap.AvgInferenceSecs = ps.totalTime.Seconds() / float64(ps.totalInferences)
	}
	if ps.totalAudioSecs > 0 {
		snap.AvgRealTimeFactor = ps.totalTime.Seconds() / ps.totalAudioSecs
	}
	return snap
}
