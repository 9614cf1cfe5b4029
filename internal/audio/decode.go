package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/voxflow/voxflow-go/internal/errors"
)

// Options controls decoding behavior.
type Options struct {
	// TargetRate is used only by the ffmpeg path, which converts compressed
	// formats straight to this rate. WAV and FLAC are decoded at their
	// native rate and resampled later by the preprocessor.
	TargetRate int
	// SpillThresholdBytes: uploads larger than this are written to SpillDir
	// and decoded from disk instead of memory.
	SpillThresholdBytes int64
	// SpillDir is the session scratch directory for spilled uploads.
	SpillDir string
}

// Decoder turns uploaded bytes into PCM clips.
type Decoder interface {
	Decode(ctx context.Context, data []byte, filename string) (*Clip, error)
	Probe(ctx context.Context, data []byte, filename string) (*Info, error)
}

// FileDecoder is the production decoder. WAV and FLAC decode natively,
// everything else goes through ffmpeg.
type FileDecoder struct {
	opts Options
}

// NewDecoder creates a decoder with the given options.
func NewDecoder(opts Options) *FileDecoder {
	if opts.TargetRate <= 0 {
		opts.TargetRate = 16000
	}
	return &FileDecoder{opts: opts}
}

// Decode detects the format and decodes data into a Clip.
func (d *FileDecoder) Decode(ctx context.Context, data []byte, filename string) (*Clip, error) {
	if len(data) == 0 {
		return nil, errors.NewStd("empty upload")
	}

	format, err := DetectFormat(data, filename)
	if err != nil {
		return nil, err
	}

	spillPath := ""
	if d.opts.SpillThresholdBytes > 0 && int64(len(data)) > d.opts.SpillThresholdBytes && d.opts.SpillDir != "" {
		spillPath, err = d.spill(data, format)
		if err != nil {
			return nil, err
		}
	}

	var clip *Clip
	switch format {
	case FormatWAV:
		clip, err = decodeWAV(data)
	case FormatFLAC:
		clip, err = decodeFLAC(data)
	default:
		clip, err = d.decodeFFmpeg(ctx, data, spillPath)
	}
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryAudioDecode).
			FileContext(filename, int64(len(data))).
			Context("format", format).
			Build()
	}

	clip.Format = format
	clip.SpillPath = spillPath
	return clip, nil
}

// Probe decodes only enough to report metadata.
func (d *FileDecoder) Probe(ctx context.Context, data []byte, filename string) (*Info, error) {
	clip, err := d.Decode(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	return &Info{
		Format:     clip.Format,
		SampleRate: clip.SampleRate,
		Channels:   clip.Channels,
		Duration:   clip.Duration(),
		SizeBytes:  int64(len(data)),
		Truncated:  clip.Truncated,
	}, nil
}

// spill writes the upload to the session scratch dir as original.<ext>.
func (d *FileDecoder) spill(data []byte, format string) (string, error) {
	if err := os.MkdirAll(d.opts.SpillDir, 0o755); err != nil {
		return "", fmt.Errorf("creating spill directory: %w", err)
	}
	path := filepath.Join(d.opts.SpillDir, "original."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spilling upload to disk: %w", err)
	}
	return path, nil
}

// decodeWAV reads PCM from a WAV container. A stream that ends early is
// decoded as far as it goes and flagged truncated.
func decodeWAV(data []byte) (*Clip, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, errors.NewStd("not a valid WAV file")
	}

	divisor, err := bitDepthDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, err
	}

	sampleRate := int(decoder.SampleRate)
	channels := int(decoder.NumChans)

	clip := &Clip{
		SampleRate: sampleRate,
		Channels:   channels,
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, 8192),
		Format: &audio.Format{SampleRate: sampleRate, NumChannels: channels},
	}

	for {
		n, err := decoder.PCMBuffer(buf)
		if n > 0 {
			for _, sample := range buf.Data[:n] {
				clip.Samples = append(clip.Samples, float32(sample)/divisor)
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				clip.Truncated = true
				break
			}
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	if len(clip.Samples) == 0 {
		return nil, errors.NewStd("WAV file contains no audio data")
	}
	return clip, nil
}

// decodeFLAC reads PCM frames from a FLAC stream.
func decodeFLAC(data []byte) (*Clip, error) {
	decoder, err := flac.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening FLAC stream: %w", err)
	}

	divisor, err := bitDepthDivisor(decoder.BitsPerSample)
	if err != nil {
		return nil, err
	}

	clip := &Clip{
		SampleRate: decoder.SampleRate,
		Channels:   decoder.NChannels,
	}

	bytesPerSample := decoder.BitsPerSample / 8

	for {
		frame, err := decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				clip.Truncated = true
				break
			}
			return nil, err
		}

		for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
			var sample int32
			switch decoder.BitsPerSample {
			case 16:
				sample = int32(int16(binary.LittleEndian.Uint16(frame[i:])))
			case 24:
				sample = int32(frame[i]) | int32(frame[i+1])<<8 | int32(int8(frame[i+2]))<<16
			case 32:
				sample = int32(binary.LittleEndian.Uint32(frame[i:]))
			}
			clip.Samples = append(clip.Samples, float32(sample)/divisor)
		}
	}

	if len(clip.Samples) == 0 {
		return nil, errors.NewStd("FLAC file contains no audio data")
	}
	return clip, nil
}

// bitDepthDivisor returns the divisor converting integer PCM to [-1, 1].
func bitDepthDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}
}
