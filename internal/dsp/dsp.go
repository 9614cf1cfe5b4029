// Package dsp implements the audio preprocessing pipeline: downmix,
// resample, normalize, optional denoise, optional voice-activity trim.
package dsp

import (
	"log/slog"
	"math"

	"github.com/voxflow/voxflow-go/internal/logging"
)

// Config controls the preprocessing steps.
type Config struct {
	TargetRate     int
	NoiseReduction bool
	VADEnabled     bool
}

// Preprocessor runs the fixed pipeline over decoded PCM.
type Preprocessor struct {
	cfg    Config
	logger *slog.Logger
}

// NewPreprocessor creates a preprocessor for the given config.
func NewPreprocessor(cfg Config) *Preprocessor {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = 16000
	}
	logger := logging.ForService("dsp")
	if logger == nil {
		logger = slog.Default().With("service", "dsp")
	}
	return &Preprocessor{cfg: cfg, logger: logger}
}

// Process runs every enabled step in order and returns a mono buffer at
// the target rate. Each step is idempotent on already-conforming input.
func (p *Preprocessor) Process(samples []float32, sampleRate, channels int) []float32 {
	out := Downmix(samples, channels)
	out = Resample(out, sampleRate, p.cfg.TargetRate)
	out = PeakNormalize(out)

	if p.cfg.NoiseReduction && len(out) > 0 {
		out = SpectralGate(out, p.cfg.TargetRate)
	}
	if p.cfg.VADEnabled && len(out) > 0 {
		before := len(out)
		out = TrimSilence(out, p.cfg.TargetRate)
		if trimmed := before - len(out); trimmed > 0 {
			p.logger.Debug("silence trimmed",
				"removed_seconds", float64(trimmed)/float64(p.cfg.TargetRate))
		}
	}
	return out
}

// Downmix averages interleaved channels into a mono buffer. Mono input is
// returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		base := i * channels
		for c := range channels {
			sum += samples[base+c]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// Resample converts between sample rates using cubic interpolation.
// Same-rate input is returned unchanged.
func Resample(samples []float32, originalRate, targetRate int) []float32 {
	if originalRate == targetRate || len(samples) < 4 {
		return samples
	}

	ratio := float64(targetRate) / float64(originalRate)
	newLength := int(float64(len(samples)) * ratio)
	resampled := make([]float32, newLength)

	lastIndex := len(samples) - 3

	for i := range newLength {
		origPos := float64(i) / ratio
		index := int(origPos)

		if index < 1 {
			index = 1
		} else if index > lastIndex {
			index = lastIndex
		}

		frac := float32(origPos - float64(index))

		y0, y1, y2, y3 := samples[index-1], samples[index], samples[index+1], samples[index+2]
		mu2 := frac * frac
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		a3 := y1

		resampled[i] = a0*frac*mu2 + a1*mu2 + a2*frac + a3
	}

	return resampled
}

// PeakNormalize scales the buffer so |x| <= 1, only when the signal
// actually exceeds that range.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak <= 1 || peak == 0 {
		return samples
	}
	scale := 1 / peak
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * scale
	}
	return out
}
