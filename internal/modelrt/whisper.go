package modelrt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
)

// defaultSystemPrompt steers the decoder toward verbatim output when the
// caller supplies no instruction of its own.
const defaultSystemPrompt = "Transcribe the audio faithfully and completely."

// NativeRuntime runs inference through the whisper.cpp CGO bindings. The
// model is loaded once and shared; each Transcribe call creates its own
// context because contexts are not thread-safe.
type NativeRuntime struct {
	mu     sync.RWMutex
	model  whisperlib.Model
	cfg    ModelConfig
	stats  PerfStats
	logger *slog.Logger

	loadResult *LoadingResult
}

// NewNativeRuntime creates an unloaded runtime.
func NewNativeRuntime() *NativeRuntime {
	logger := logging.ForService("modelrt")
	if logger == nil {
		logger = slog.Default().With("service", "modelrt")
	}
	return &NativeRuntime{logger: logger}
}

// LoadModel resolves the model file, builds the strategy list and tries
// each strategy until one produces a usable model handle.
func (rt *NativeRuntime) LoadModel(ctx context.Context, cfg ModelConfig) (*LoadingResult, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.model != nil {
		return nil, errors.NewStd("model already loaded, unload first")
	}

	modelPath, err := resolveModelPath(cfg.Name, cfg.CacheDir)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			Context("model_name", cfg.Name).
			Build()
	}

	modelInfo := InspectModel(cfg.Name)
	device := DetectDevice(cfg.Device)
	strategies := StrategyList(modelInfo, device)

	rssBefore := currentRSSMB()

	result, err := tryStrategies(strategies, device, func(strategy Strategy) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rt.logger.Debug("attempting model load", "strategy", string(strategy))
		model, err := whisperlib.New(modelPath)
		if err != nil {
			return err
		}
		rt.model = model
		return nil
	})
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryModelLoad).
			Context("model_name", cfg.Name).
			Context("strategies_tried", len(strategies)).
			Build()
	}
	noteStrategyLimitation(result)

	if rssAfter := currentRSSMB(); rssAfter > rssBefore {
		result.MemoryMB = rssAfter - rssBefore
	}
	rt.cfg = cfg
	rt.loadResult = result

	rt.logger.Info("model loaded",
		"model", cfg.Name,
		"strategy", string(result.Strategy),
		"device", result.Device,
		"load_time", result.LoadTime,
		"memory_mb", result.MemoryMB,
		"warnings", len(result.Warnings))
	return result, nil
}

// Transcribe runs one chunk through whisper.cpp.
func (rt *NativeRuntime) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	rt.mu.RLock()
	model := rt.model
	rt.mu.RUnlock()
	if model == nil {
		return nil, errors.NewStd("model not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	wctx, err := model.NewContext()
	if err != nil {
		return nil, errors.New(fmt.Errorf("creating inference context: %w", err)).
			Category(errors.CategoryInference).
			Build()
	}

	if lang := normalizeLanguage(req.Language); lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			rt.logger.Warn("failed to set language, falling back to detection",
				"language", lang, "error", err)
		}
	}
	if req.MaxTokens > 0 {
		wctx.SetMaxTokensPerSegment(uint(req.MaxTokens))
	}
	wctx.SetInitialPrompt(effectivePrompt(req.SystemPrompt))
	// Greedy decode keeps the instructed transcription deterministic.
	wctx.SetTemperature(0)

	if err := wctx.Process(req.Samples, nil, nil, nil); err != nil {
		return nil, errors.New(fmt.Errorf("processing audio: %w", err)).
			Category(errors.CategoryInference).
			Timing("transcribe_chunk", time.Since(start)).
			Build()
	}

	result := &TranscribeResult{}
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.New(fmt.Errorf("reading segment: %w", err)).
				Category(errors.CategoryInference).
				Build()
		}

		text := StripPromptArtifacts(strings.TrimSpace(segment.Text))
		if text == "" {
			continue
		}
		parts = append(parts, text)
		result.TokensUsed += len(segment.Tokens)

		if req.WantTimestamps {
			result.Segments = append(result.Segments, SubSegment{
				Start: segment.Start.Seconds(),
				End:   segment.End.Seconds(),
				Text:  text,
			})
		}
	}
	result.Text = strings.Join(parts, " ")

	audioSeconds := float64(len(req.Samples)) / float64(req.SampleRate)
	rt.stats.Record(time.Since(start), audioSeconds)

	return result, nil
}

// Warmup runs a silent inference to page in model weights. Failure is
// reported but callers treat it as a warning.
func (rt *NativeRuntime) Warmup(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		samples = make([]float32, 16000)
	}
	_, err := rt.Transcribe(ctx, TranscribeRequest{
		Samples:    samples,
		SampleRate: 16000,
		MaxTokens:  MaxTokensFor(1),
	})
	return err
}

// Unload releases the model.
func (rt *NativeRuntime) Unload() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.model == nil {
		return nil
	}
	err := rt.model.Close()
	rt.model = nil
	rt.loadResult = nil
	return err
}

// Health reports runtime status.
func (rt *NativeRuntime) Health() HealthStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	status := HealthStatus{
		Alive:  true,
		Engine: "whisper.cpp",
		Stats:  rt.stats.Snapshot(),
	}
	if rt.model != nil {
		status.Ready = true
		status.ModelLoaded = true
		status.Device = rt.loadResult.Device
	}
	return status
}

// noteStrategyLimitation flags that the whisper.cpp bindings expose no
// per-strategy load parameters, so non-standard strategies load through
// the backend's default device placement.
func noteStrategyLimitation(result *LoadingResult) {
	if result.Strategy == StrategyStandard {
		return
	}
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("strategy %s uses the backend's default device placement", result.Strategy))
}

// effectivePrompt picks the instruction handed to the decoder: the
// request's system prompt, or the default when none was supplied.
func effectivePrompt(systemPrompt string) string {
	if prompt := strings.TrimSpace(systemPrompt); prompt != "" {
		return prompt
	}
	return defaultSystemPrompt
}

// normalizeLanguage maps the request hint to what the backend expects.
// "auto" and empty mean detection.
func normalizeLanguage(hint string) string {
	hint = strings.TrimSpace(strings.ToLower(hint))
	if hint == "auto" {
		return ""
	}
	return hint
}

// resolveModelPath finds the model file on disk. Bare names are looked up
// inside the cache directory with a ggml naming convention.
func resolveModelPath(name, cacheDir string) (string, error) {
	if name == "" {
		return "", errors.NewStd("model name is empty")
	}
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	candidates := []string{
		filepath.Join(cacheDir, name),
		filepath.Join(cacheDir, "ggml-"+filepath.Base(name)+".bin"),
		filepath.Join(cacheDir, filepath.Base(name)+".bin"),
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("model %q not found in cache dir %q", name, cacheDir)
}

// currentRSSMB returns the process resident set size in MiB.
func currentRSSMB() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS / (1024 * 1024)
}
