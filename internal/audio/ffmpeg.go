package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"sync"
)

// boundedBuffer keeps the most recent stderr output from ffmpeg for
// error reporting without growing unbounded.
type boundedBuffer struct {
	buffer bytes.Buffer
	mu     sync.Mutex
	size   int
}

func newBoundedBuffer(size int) *boundedBuffer {
	return &boundedBuffer{size: size}
}

func (b *boundedBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffer.Len()+len(p) > b.size {
		b.buffer.Reset()
		if len(p) > b.size {
			p = p[len(p)-b.size:]
		}
	}
	return b.buffer.Write(p)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}

// decodeFFmpeg converts compressed formats (mp3, m4a, mp4, webm, ogg) to
// mono float32 PCM at the target rate by piping through ffmpeg. When the
// upload was spilled to disk ffmpeg reads the file, otherwise stdin.
func (d *FileDecoder) decodeFFmpeg(ctx context.Context, data []byte, spillPath string) (*Clip, error) {
	input := "pipe:0"
	if spillPath != "" {
		input = spillPath
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(d.opts.TargetRate),
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if spillPath == "" {
		cmd.Stdin = bytes.NewReader(data)
	}

	var stdout bytes.Buffer
	stderr := newBoundedBuffer(4 * 1024)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	raw := stdout.Bytes()

	// ffmpeg exits nonzero on truncated streams but still emits the audio
	// it managed to decode. Treat partial output as a truncated clip and
	// only fail when nothing was produced.
	if runErr != nil && len(raw) < 4 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ffmpeg decode failed: %w (%s)", runErr, stderr.String())
	}

	samples := make([]float32, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		bits := binary.LittleEndian.Uint32(raw[i:])
		sample := math.Float32frombits(bits)
		// Guard against NaN from a corrupt tail frame.
		if sample != sample {
			sample = 0
		}
		samples = append(samples, sample)
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no audio data (%s)", stderr.String())
	}

	return &Clip{
		Samples:    samples,
		SampleRate: d.opts.TargetRate,
		Channels:   1,
		Truncated:  runErr != nil,
	}, nil
}
