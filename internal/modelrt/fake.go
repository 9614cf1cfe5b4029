package modelrt

import (
	"context"
	"sync"
	"time"
)

// FakeRuntime is an in-memory Runtime for tests. Scripted responses are
// returned per call in order; when the script runs out a canned response
// derived from the chunk duration is produced.
type FakeRuntime struct {
	mu sync.Mutex

	// LoadErr fails LoadModel when set.
	LoadErr error
	// TranscribeErrs fails the N-th Transcribe call when non-nil.
	TranscribeErrs []error
	// Responses are returned in order; reused cyclically when exhausted.
	Responses []TranscribeResult
	// Delay simulates inference latency.
	Delay time.Duration

	loaded     bool
	calls      int
	stats      PerfStats
	lastConfig ModelConfig
}

// NewFakeRuntime creates a fake with default responses.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{}
}

// Calls returns how many Transcribe calls were made.
func (f *FakeRuntime) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastConfig returns the config passed to the most recent LoadModel.
func (f *FakeRuntime) LastConfig() ModelConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConfig
}

func (f *FakeRuntime) LoadModel(_ context.Context, cfg ModelConfig) (*LoadingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.LoadErr != nil {
		return nil, f.LoadErr
	}
	f.loaded = true
	f.lastConfig = cfg
	return &LoadingResult{
		Success:  true,
		Strategy: StrategyStandard,
		Device:   "cpu",
		LoadTime: time.Millisecond,
	}, nil
}

func (f *FakeRuntime) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	delay := f.Delay
	var err error
	if call < len(f.TranscribeErrs) {
		err = f.TranscribeErrs[call]
	}
	var resp *TranscribeResult
	if len(f.Responses) > 0 {
		r := f.Responses[call%len(f.Responses)]
		resp = &r
	}
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		audioSeconds := float64(len(req.Samples)) / float64(req.SampleRate)
		resp = &TranscribeResult{
			Text:       "transcribed audio",
			TokensUsed: int(audioSeconds),
		}
	}
	f.stats.Record(time.Millisecond, float64(len(req.Samples))/float64(req.SampleRate))
	return resp, nil
}

func (f *FakeRuntime) Warmup(ctx context.Context, samples []float32) error {
	_, err := f.Transcribe(ctx, TranscribeRequest{Samples: samples, SampleRate: 16000})
	return err
}

func (f *FakeRuntime) Unload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	return nil
}

func (f *FakeRuntime) Health() HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return HealthStatus{
		Alive:       true,
		Ready:       f.loaded,
		ModelLoaded: f.loaded,
		Device:      "cpu",
		Engine:      "fake",
		Stats:       f.stats.Snapshot(),
	}
}
