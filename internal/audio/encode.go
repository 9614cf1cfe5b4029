package audio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const encodeBitDepth = 16

// SaveWAV writes mono float32 samples as a 16-bit PCM WAV file at filePath,
// creating parent directories as needed.
func SaveWAV(filePath string, samples []float32, sampleRate int) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	outFile, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer outFile.Close()

	enc := wav.NewEncoder(outFile, sampleRate, encodeBitDepth, 1, 1)

	intSamples := make([]int, len(samples))
	for i, s := range samples {
		// Clamp before quantizing, denoised signals can overshoot slightly.
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		intSamples[i] = int(s * 32767)
	}

	if err := enc.Write(&audio.IntBuffer{
		Data:   intSamples,
		Format: &audio.Format{SampleRate: sampleRate, NumChannels: 1},
	}); err != nil {
		return fmt.Errorf("failed to write to WAV encoder: %w", err)
	}

	return enc.Close()
}
