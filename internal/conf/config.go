// Package conf loads and validates the service configuration.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/voxflow/voxflow-go/internal/errors"
)

// Device preference values recognized in configuration.
const (
	DeviceCPU     = "cpu"
	DeviceAccel   = "accelerator"
	DeviceUnified = "unified-accelerator"
)

// MainSettings holds application-wide settings.
type MainSettings struct {
	Name string      // service name used in logs
	Log  LogSettings // main application log
}

// LogSettings configures a rotating file log.
type LogSettings struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ModelSettings configures the inference runtime.
type ModelSettings struct {
	Name             string        // model identifier or path
	CacheDir         string        // where model files are cached
	Device           string        // cpu, accelerator, unified-accelerator
	LoadTimeout      time.Duration // hard ceiling for model loading
	InferenceTimeout time.Duration // per-chunk inference ceiling
	WarmupEnabled    bool          // run a silent warmup inference after load
	Language         string        // default language hint, "auto" detects
}

// ProcessingSettings mirrors the per-job processing configuration defaults.
type ProcessingSettings struct {
	SampleRate          int           // target PCM rate
	ChunkDuration       time.Duration // chunk window length
	Overlap             time.Duration // chunk overlap
	NoiseReduction      bool
	VADEnabled          bool
	VADAggressiveness   int // 0-3
	MaxConcurrentChunks int
	SpillThresholdBytes int64 // uploads above this stream to disk before decode
}

// JobSettings configures the orchestrator.
type JobSettings struct {
	MaxConcurrentRequests int           // global admission semaphore size
	CleanupDelay          time.Duration // delay before terminal-job scratch cleanup
	UploadTimeout         time.Duration // decode phase ceiling
	MaxAudioLength        time.Duration // reject longer inputs
	MaxFileSizeBytes      int64         // reject larger uploads
}

// TempSettings configures the session/temp manager.
type TempSettings struct {
	Dir               string        // temp root, per-session subdirectories
	SweepInterval     time.Duration // background loop period
	IdleTimeout       time.Duration // idle-session eviction threshold
	StaleAge          time.Duration // stale-file sweep threshold
	MinFreeBytes      uint64        // emergency cleanup trigger
	EmergencyStaleAge time.Duration // stale threshold during emergency
	EmergencyIdle     time.Duration // idle threshold during emergency
}

// MonitorSettings configures the resource monitor.
type MonitorSettings struct {
	Enabled           bool
	Interval          time.Duration
	MaxMemoryGB       float64
	MaxGPUMemoryGB    float64
	MaxCPUPercent     float64
	EmergencyShutdown bool
}

// NotifySettings configures the progress notifier.
type NotifySettings struct {
	Enabled        bool
	NodeServiceURL string
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// WebSettings configures the HTTP adapter.
type WebSettings struct {
	Enabled bool
	Host    string
	Port    string
	Debug   bool
}

// TelemetrySettings configures optional Sentry reporting.
type TelemetrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
}

// Settings is the root configuration struct.
type Settings struct {
	Debug      bool
	Main       MainSettings
	Model      ModelSettings
	Processing ProcessingSettings
	Jobs       JobSettings
	Temp       TempSettings
	Monitor    MonitorSettings
	Notify     NotifySettings
	Web        WebSettings
	Telemetry  TelemetrySettings
}

// Load reads configuration from the given file (optional), environment
// variables prefixed with VOXFLOW_, and built-in defaults.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("voxflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.New(fmt.Errorf("reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				Context("config_path", filepath.Base(configPath)).
				Build()
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range configDirs() {
			v.AddConfigPath(dir)
		}
		// Missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("reading config file: %w", err)).
				Category(errors.CategoryConfiguration).
				Build()
		}
	}

	settings := fromViper(v)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// configDirs returns the directories searched for a config file, in order.
func configDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "voxflow"))
	}
	dirs = append(dirs, "/etc/voxflow")
	return dirs
}

func fromViper(v *viper.Viper) *Settings {
	return &Settings{
		Debug: v.GetBool("debug"),
		Main: MainSettings{
			Name: v.GetString("main.name"),
			Log: LogSettings{
				Enabled:    v.GetBool("main.log.enabled"),
				Path:       v.GetString("main.log.path"),
				MaxSizeMB:  v.GetInt("main.log.maxsize"),
				MaxBackups: v.GetInt("main.log.maxbackups"),
				MaxAgeDays: v.GetInt("main.log.maxage"),
			},
		},
		Model: ModelSettings{
			Name:             v.GetString("model.name"),
			CacheDir:         v.GetString("model.cachedir"),
			Device:           v.GetString("model.device"),
			LoadTimeout:      v.GetDuration("model.timeout"),
			InferenceTimeout: v.GetDuration("model.inferencetimeout"),
			WarmupEnabled:    v.GetBool("model.warmup"),
			Language:         v.GetString("model.language"),
		},
		Processing: ProcessingSettings{
			SampleRate:          v.GetInt("processing.samplerate"),
			ChunkDuration:       v.GetDuration("processing.chunkduration"),
			Overlap:             v.GetDuration("processing.overlap"),
			NoiseReduction:      v.GetBool("processing.noisereduction"),
			VADEnabled:          v.GetBool("processing.vad.enabled"),
			VADAggressiveness:   v.GetInt("processing.vad.aggressiveness"),
			MaxConcurrentChunks: v.GetInt("processing.maxconcurrentchunks"),
			SpillThresholdBytes: v.GetInt64("processing.spillthreshold"),
		},
		Jobs: JobSettings{
			MaxConcurrentRequests: v.GetInt("jobs.maxconcurrentrequests"),
			CleanupDelay:          v.GetDuration("jobs.cleanupdelay"),
			UploadTimeout:         v.GetDuration("jobs.uploadtimeout"),
			MaxAudioLength:        v.GetDuration("jobs.maxaudiolength"),
			MaxFileSizeBytes:      v.GetInt64("jobs.maxfilesize"),
		},
		Temp: TempSettings{
			Dir:               v.GetString("temp.dir"),
			SweepInterval:     v.GetDuration("temp.sweepinterval"),
			IdleTimeout:       v.GetDuration("temp.idletimeout"),
			StaleAge:          v.GetDuration("temp.staleage"),
			MinFreeBytes:      v.GetUint64("temp.minfreebytes"),
			EmergencyStaleAge: v.GetDuration("temp.emergencystaleage"),
			EmergencyIdle:     v.GetDuration("temp.emergencyidle"),
		},
		Monitor: MonitorSettings{
			Enabled:           v.GetBool("monitor.enabled"),
			Interval:          v.GetDuration("monitor.interval"),
			MaxMemoryGB:       v.GetFloat64("monitor.maxmemorygb"),
			MaxGPUMemoryGB:    v.GetFloat64("monitor.maxgpumemorygb"),
			MaxCPUPercent:     v.GetFloat64("monitor.maxcpupercent"),
			EmergencyShutdown: v.GetBool("monitor.emergencyshutdown"),
		},
		Notify: NotifySettings{
			Enabled:        v.GetBool("notify.enabled"),
			NodeServiceURL: v.GetString("notify.nodeserviceurl"),
			Timeout:        v.GetDuration("notify.timeout"),
			ConnectTimeout: v.GetDuration("notify.connecttimeout"),
		},
		Web: WebSettings{
			Enabled: v.GetBool("webserver.enabled"),
			Host:    v.GetString("webserver.host"),
			Port:    v.GetString("webserver.port"),
			Debug:   v.GetBool("webserver.debug"),
		},
		Telemetry: TelemetrySettings{
			Enabled:     v.GetBool("telemetry.enabled"),
			DSN:         v.GetString("telemetry.dsn"),
			Environment: v.GetString("telemetry.environment"),
		},
	}
}

// Validate checks configuration invariants.
func (s *Settings) Validate() error {
	fail := func(format string, args ...any) error {
		return errors.Newf(format, args...).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if s.Processing.SampleRate <= 0 {
		return fail("invalid sample rate %d", s.Processing.SampleRate)
	}
	if s.Processing.ChunkDuration <= 0 {
		return fail("chunk duration must be positive, got %s", s.Processing.ChunkDuration)
	}
	if s.Processing.Overlap < 0 || s.Processing.Overlap >= s.Processing.ChunkDuration {
		return fail("overlap %s must be in [0, chunk duration %s)", s.Processing.Overlap, s.Processing.ChunkDuration)
	}
	if s.Processing.VADAggressiveness < 0 || s.Processing.VADAggressiveness > 3 {
		return fail("vad aggressiveness must be 0-3, got %d", s.Processing.VADAggressiveness)
	}
	if s.Processing.MaxConcurrentChunks < 1 {
		return fail("max concurrent chunks must be at least 1, got %d", s.Processing.MaxConcurrentChunks)
	}
	if s.Jobs.MaxConcurrentRequests < 1 {
		return fail("max concurrent requests must be at least 1, got %d", s.Jobs.MaxConcurrentRequests)
	}
	switch s.Model.Device {
	case DeviceCPU, DeviceAccel, DeviceUnified, "":
	default:
		return fail("unknown device preference %q", s.Model.Device)
	}
	if s.Monitor.MaxMemoryGB < 0 || s.Monitor.MaxCPUPercent < 0 || s.Monitor.MaxCPUPercent > 100 {
		return fail("invalid monitor limits: memory %.1f GB, cpu %.1f%%", s.Monitor.MaxMemoryGB, s.Monitor.MaxCPUPercent)
	}
	if s.Notify.Enabled && s.Notify.NodeServiceURL == "" {
		return fail("notifications enabled but nodeserviceurl is empty")
	}
	return nil
}
