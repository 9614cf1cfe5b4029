// Package core wires the service together. A single Core value owns
// the model runtime, orchestrator, session manager, monitor, notifier
// and metrics; the adapter layer touches service state only through it.
package core

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/voxflow/voxflow-go/internal/buildinfo"
	"github.com/voxflow/voxflow-go/internal/conf"
	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/jobs"
	"github.com/voxflow/voxflow-go/internal/logging"
	"github.com/voxflow/voxflow-go/internal/modelrt"
	"github.com/voxflow/voxflow-go/internal/monitor"
	"github.com/voxflow/voxflow-go/internal/notify"
	"github.com/voxflow/voxflow-go/internal/observability"
	"github.com/voxflow/voxflow-go/internal/session"
	"github.com/voxflow/voxflow-go/internal/telemetry"
)

// Health is the service health report.
type Health struct {
	Alive       bool                 `json:"alive"`
	Ready       bool                 `json:"ready"`
	ModelLoaded bool                 `json:"model_loaded"`
	Device      string               `json:"device"`
	Engine      string               `json:"engine"`
	Stats       modelrt.PerfSnapshot `json:"stats"`
	Resources   monitor.Snapshot     `json:"resources"`
}

// Info is the static service description.
type Info struct {
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	BuildDate      string   `json:"build_date,omitempty"`
	ModelName      string   `json:"model_name"`
	Device         string   `json:"device"`
	Strategy       string   `json:"strategy,omitempty"`
	LoadWarnings   []string `json:"load_warnings,omitempty"`
	SampleRate     int      `json:"sample_rate"`
	ChunkDuration  string   `json:"chunk_duration"`
	MaxAudioLength float64  `json:"max_audio_length"`
	Formats        []string `json:"formats"`
}

// Core owns the service singletons.
type Core struct {
	settings *conf.Settings
	build    buildinfo.Context
	logger   *slog.Logger

	runtime  modelrt.Runtime
	orch     *jobs.Orchestrator
	sessions *session.Manager
	monitor  *monitor.Monitor
	notifier *notify.Notifier
	metrics  *observability.Metrics

	// reloadMu serializes model reloads.
	reloadMu sync.Mutex

	mu         sync.Mutex
	ready      bool
	loadResult *modelrt.LoadingResult

	// exit is swappable for tests of the emergency path.
	exit func(int)

	shutdownOnce sync.Once
}

// Options override pieces of the default construction.
type Options struct {
	// Runtime replaces the native whisper runtime, used by tests.
	Runtime modelrt.Runtime
	// Build is the binary's stamped metadata.
	Build buildinfo.Context
}

// New builds a Core from settings. Nothing is started until Start.
func New(settings *conf.Settings, opts Options) (*Core, error) {
	logger := logging.ForService("core")
	if logger == nil {
		logger = slog.Default().With("service", "core")
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(session.Config{
		Root:              settings.Temp.Dir,
		SweepInterval:     settings.Temp.SweepInterval,
		IdleTimeout:       settings.Temp.IdleTimeout,
		StaleAge:          settings.Temp.StaleAge,
		MinFreeBytes:      settings.Temp.MinFreeBytes,
		EmergencyStaleAge: settings.Temp.EmergencyStaleAge,
		EmergencyIdle:     settings.Temp.EmergencyIdle,
	})
	if err != nil {
		return nil, err
	}

	runtime := opts.Runtime
	if runtime == nil {
		runtime = modelrt.NewNativeRuntime()
	}

	notifier := notify.New(notify.Config{
		Enabled:        settings.Notify.Enabled,
		ReceiverURL:    settings.Notify.NodeServiceURL,
		Timeout:        settings.Notify.Timeout,
		ConnectTimeout: settings.Notify.ConnectTimeout,
	})

	c := &Core{
		settings: settings,
		build:    opts.Build,
		logger:   logger,
		runtime:  runtime,
		sessions: sessions,
		notifier: notifier,
		metrics:  metrics,
		exit:     os.Exit,
	}

	c.orch = jobs.New(jobs.Config{
		MaxConcurrentRequests: int64(settings.Jobs.MaxConcurrentRequests),
		CleanupDelay:          settings.Jobs.CleanupDelay,
		UploadTimeout:         settings.Jobs.UploadTimeout,
		InferenceTimeout:      settings.Model.InferenceTimeout,
		MaxAudioLength:        settings.Jobs.MaxAudioLength.Seconds(),
		MaxFileSizeBytes:      settings.Jobs.MaxFileSizeBytes,
		SampleRate:            settings.Processing.SampleRate,
		ChunkDuration:         settings.Processing.ChunkDuration,
		Overlap:               settings.Processing.Overlap,
		NoiseReduction:        settings.Processing.NoiseReduction,
		VADEnabled:            settings.Processing.VADEnabled,
		SpillThresholdBytes:   settings.Processing.SpillThresholdBytes,
	}, jobs.Deps{
		Runtime:  runtime,
		Sessions: sessions,
		Notifier: notifier,
		Metrics:  metrics,
	})

	if settings.Monitor.Enabled {
		c.monitor = monitor.New(monitor.Config{
			Interval:       settings.Monitor.Interval,
			MaxMemoryGB:    settings.Monitor.MaxMemoryGB,
			MaxGPUMemoryGB: settings.Monitor.MaxGPUMemoryGB,
			MaxCPUPercent:  settings.Monitor.MaxCPUPercent,
		}, c.emergencyStop)
	}

	return c, nil
}

// Start loads the model and launches the background services. A model
// load failure is fatal: the service must not accept work it cannot
// process.
func (c *Core) Start(ctx context.Context) error {
	if err := c.loadModel(ctx); err != nil {
		return err
	}

	c.sessions.Start(ctx)
	if c.monitor != nil {
		c.monitor.Start(ctx)
	}
	return nil
}

// loadModel runs the strategy-ordered load and flips readiness.
func (c *Core) loadModel(ctx context.Context) error {
	loadCtx := ctx
	if c.settings.Model.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, c.settings.Model.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := c.runtime.LoadModel(loadCtx, modelrt.ModelConfig{
		Name:     c.settings.Model.Name,
		CacheDir: c.settings.Model.CacheDir,
		Device:   c.settings.Model.Device,
	})
	c.metrics.ModelLoadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ModelLoadTotal.WithLabelValues("", "error").Inc()
		return errors.New(err).
			Category(errors.CategoryModelLoad).
			Context("model", c.settings.Model.Name).
			Build()
	}
	c.metrics.ModelLoadTotal.WithLabelValues(string(result.Strategy), "success").Inc()
	c.metrics.ModelLoadedGauge.Set(1)

	for _, w := range result.Warnings {
		c.logger.Warn("model load fallback", "warning", w)
	}
	c.logger.Info("model loaded",
		"model", c.settings.Model.Name,
		"strategy", result.Strategy,
		"device", result.Device,
		"load_time", result.LoadTime,
		"memory_mb", result.MemoryMB)

	if c.settings.Model.WarmupEnabled {
		if err := c.runtime.Warmup(ctx, nil); err != nil {
			c.logger.Warn("model warmup failed", "error", err)
		}
	}

	c.mu.Lock()
	c.ready = true
	c.loadResult = result
	c.mu.Unlock()
	return nil
}

// SubmitFile accepts a transcription job once the model is ready.
func (c *Core) SubmitFile(req jobs.Request) (string, error) {
	if !c.Health().Ready {
		return "", errors.Newf("service not ready, model is not loaded").
			Category(errors.CategoryState).
			Build()
	}
	return c.orch.SubmitFile(req)
}

// GetJob returns a snapshot of the job, if known.
func (c *Core) GetJob(id string) (jobs.Snapshot, bool) {
	return c.orch.GetJob(id)
}

// CancelJob requests cooperative cancellation.
func (c *Core) CancelJob(id string) bool {
	return c.orch.CancelJob(id)
}

// ReloadModel unloads and reloads the model. Refused while any job is
// not yet in a terminal state.
func (c *Core) ReloadModel(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if n := c.orch.ProcessingCount(); n > 0 {
		return errors.Newf("cannot reload model while %d jobs are processing", n).
			Category(errors.CategoryState).
			Build()
	}

	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.metrics.ModelLoadedGauge.Set(0)

	if err := c.runtime.Unload(); err != nil {
		c.logger.Warn("model unload reported an error", "error", err)
	}

	return c.loadModel(ctx)
}

// Health reports liveness, readiness and runtime state.
func (c *Core) Health() Health {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	rt := c.runtime.Health()
	h := Health{
		Alive:       true,
		Ready:       ready && rt.ModelLoaded,
		ModelLoaded: rt.ModelLoaded,
		Device:      rt.Device,
		Engine:      rt.Engine,
		Stats:       rt.Stats,
	}
	if c.monitor != nil {
		h.Resources = c.monitor.Latest()
	}
	return h
}

// Info describes the service and its configuration surface.
func (c *Core) Info() Info {
	c.mu.Lock()
	load := c.loadResult
	c.mu.Unlock()

	info := Info{
		Name:           c.settings.Main.Name,
		Version:        c.build.DisplayVersion(),
		BuildDate:      c.build.BuildDate,
		ModelName:      c.settings.Model.Name,
		Device:         c.settings.Model.Device,
		SampleRate:     c.settings.Processing.SampleRate,
		ChunkDuration:  c.settings.Processing.ChunkDuration.String(),
		MaxAudioLength: c.settings.Jobs.MaxAudioLength.Seconds(),
		Formats:        []string{"json", "txt", "srt", "vtt"},
	}
	if load != nil {
		info.Strategy = string(load.Strategy)
		info.LoadWarnings = load.Warnings
	}
	return info
}

// Metrics exposes the collectors for the adapter's /metrics endpoint.
func (c *Core) Metrics() *observability.Metrics {
	return c.metrics
}

// Shutdown stops the service: no new admissions, wait for running
// jobs, stop the background loops, unload the model.
func (c *Core) Shutdown(ctx context.Context) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()

		c.logger.Info("shutting down")
		err = c.orch.Shutdown(ctx)
		if c.monitor != nil {
			c.monitor.Stop()
		}
		c.sessions.Stop()
		if uerr := c.runtime.Unload(); uerr != nil {
			c.logger.Warn("model unload reported an error", "error", uerr)
		}
		c.metrics.ModelLoadedGauge.Set(0)
		telemetry.Flush(2 * time.Second)
	})
	return err
}

// emergencyStop is the monitor's critical callback. Process termination
// is gated on the emergency-shutdown setting; without it a breach is
// logged and the service keeps running.
func (c *Core) emergencyStop(reason string) {
	if !c.settings.Monitor.EmergencyShutdown {
		c.logger.Error("resource limit critical", "reason", reason)
		return
	}
	c.logger.Error("emergency shutdown", "reason", reason)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.Shutdown(ctx)
	c.exit(1)
}
