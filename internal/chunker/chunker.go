// Package chunker splits preprocessed audio into overlapping windows,
// produced lazily so downstream back-pressure bounds memory use.
package chunker

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/voxflow/voxflow-go/internal/audio"
	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
)

const (
	// Windows shorter than this are skipped, except the final tail.
	minWindowSeconds = 5.0
	// A final tail shorter than this is logged but still emitted.
	tinyTailSeconds = 1.0
)

// Chunk is one window of audio handed to the transcriber.
type Chunk struct {
	Index      int
	SessionID  string
	Samples    []float32
	SampleRate int
	StartTime  float64 // seconds within the original audio
	Duration   float64 // seconds
	SpillPath  string  // on-disk wav for the runtime to consume
}

// Config shapes the chunk stream.
type Config struct {
	ChunkDuration time.Duration
	Overlap       time.Duration
	SessionID     string
	SpillDir      string // chunks are written here as chunk_NNNN.wav
}

// Chunker produces a finite, non-restartable stream of chunks. The stream
// always yields Total(duration, window) chunks: window k starts at
// k*(window-overlap) and the final window runs to the end of the audio.
type Chunker struct {
	samples    []float32
	sampleRate int
	cfg        Config
	logger     *slog.Logger

	chunkLen int // samples per full window
	step     int // samples between window starts
	total    int // chunks this stream will yield
	next     int // next window number
	index    int // next emitted chunk index
}

// New creates a chunker over a mono preprocessed buffer.
func New(samples []float32, sampleRate int, cfg Config) (*Chunker, error) {
	if sampleRate <= 0 {
		return nil, errors.Newf("invalid sample rate %d", sampleRate).
			Category(errors.CategoryChunking).
			Build()
	}
	chunkLen := int(cfg.ChunkDuration.Seconds() * float64(sampleRate))
	overlapLen := int(cfg.Overlap.Seconds() * float64(sampleRate))
	if chunkLen <= 0 || overlapLen < 0 || overlapLen >= chunkLen {
		return nil, errors.Newf("invalid chunk shape: window %s overlap %s",
			cfg.ChunkDuration, cfg.Overlap).
			Category(errors.CategoryChunking).
			Build()
	}

	logger := logging.ForService("chunker")
	if logger == nil {
		logger = slog.Default().With("service", "chunker")
	}

	total := 1
	if len(samples) > chunkLen {
		total = (len(samples) + chunkLen - 1) / chunkLen
	}

	return &Chunker{
		samples:    samples,
		sampleRate: sampleRate,
		cfg:        cfg,
		logger:     logger,
		chunkLen:   chunkLen,
		step:       chunkLen - overlapLen,
		total:      total,
	}, nil
}

// Total returns the chunk count for duration d under window c, at least 1.
func Total(d, c time.Duration) int {
	if d <= 0 || c <= 0 {
		return 1
	}
	n := int((d + c - 1) / c)
	if n < 1 {
		n = 1
	}
	return n
}

// Count returns how many chunks this stream yields in total.
func (ck *Chunker) Count() int {
	return ck.total
}

// Next materializes the next chunk, spilling it to disk when a spill
// directory is configured. Returns io.EOF when the stream is exhausted.
// The stream cannot be restarted.
func (ck *Chunker) Next() (*Chunk, error) {
	for {
		if ck.next >= ck.total {
			return nil, io.EOF
		}

		window := ck.next
		ck.next++
		isFinal := window == ck.total-1

		start := window * ck.step
		if start >= len(ck.samples) {
			return nil, io.EOF
		}
		end := start + ck.chunkLen
		if isFinal || end > len(ck.samples) {
			// The final window absorbs the remainder so no audio is lost.
			end = len(ck.samples)
		}

		durSeconds := float64(end-start) / float64(ck.sampleRate)

		if durSeconds < minWindowSeconds && !isFinal {
			continue
		}
		if isFinal && durSeconds < tinyTailSeconds {
			ck.logger.Warn("final chunk is very short, emitting anyway",
				"session_id", ck.cfg.SessionID,
				"duration_seconds", durSeconds)
		}

		samples := make([]float32, end-start)
		copy(samples, ck.samples[start:end])

		chunk := &Chunk{
			Index:      ck.index,
			SessionID:  ck.cfg.SessionID,
			Samples:    samples,
			SampleRate: ck.sampleRate,
			StartTime:  float64(start) / float64(ck.sampleRate),
			Duration:   durSeconds,
		}

		if ck.cfg.SpillDir != "" {
			path := filepath.Join(ck.cfg.SpillDir, fmt.Sprintf("chunk_%04d.wav", chunk.Index))
			if err := audio.SaveWAV(path, samples, ck.sampleRate); err != nil {
				return nil, errors.New(err).
					Category(errors.CategoryChunking).
					Context("chunk_index", chunk.Index).
					Build()
			}
			chunk.SpillPath = path
		}

		ck.index++
		return chunk, nil
	}
}

// Emitted returns how many chunks have been produced so far.
func (ck *Chunker) Emitted() int {
	return ck.index
}
