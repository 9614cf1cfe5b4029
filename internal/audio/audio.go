// Package audio decodes uploaded media into raw PCM for the pipeline.
package audio

import (
	"bytes"
	"time"

	"github.com/voxflow/voxflow-go/internal/errors"
)

// Format identifiers for supported containers/codecs.
const (
	FormatWAV  = "wav"
	FormatMP3  = "mp3"
	FormatM4A  = "m4a"
	FormatMP4  = "mp4"
	FormatWebM = "webm"
	FormatOGG  = "ogg"
	FormatFLAC = "flac"
)

// supportedFormats is the set of accepted container/codec identifiers.
var supportedFormats = map[string]bool{
	FormatWAV:  true,
	FormatMP3:  true,
	FormatM4A:  true,
	FormatMP4:  true,
	FormatWebM: true,
	FormatOGG:  true,
	FormatFLAC: true,
}

// Clip is decoded audio held in memory. Samples are interleaved when
// Channels > 1 and normalized to [-1, 1].
type Clip struct {
	Samples    []float32
	SampleRate int
	Channels   int
	Format     string
	Truncated  bool   // stream ended early, partial decode
	SpillPath  string // on-disk copy of the original upload, if spilled
}

// Duration returns the clip length derived from the sample count.
func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}

// Seconds returns the clip length in seconds.
func (c *Clip) Seconds() float64 {
	return c.Duration().Seconds()
}

// Info describes decoded audio without carrying samples.
type Info struct {
	Format     string
	SampleRate int
	Channels   int
	Duration   time.Duration
	SizeBytes  int64
	Truncated  bool
}

// DetectFormat determines the container format from the filename extension,
// falling back to magic bytes when the extension is missing or unknown.
func DetectFormat(data []byte, filename string) (string, error) {
	if ext := extensionOf(filename); supportedFormats[ext] {
		return ext, nil
	}
	if format := sniffMagic(data); format != "" {
		return format, nil
	}
	return "", errors.Newf("unsupported audio format for %q", safeName(filename)).
		Category(errors.CategoryValidation).
		Build()
}

func extensionOf(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		switch filename[i] {
		case '.':
			return toLower(filename[i+1:])
		case '/', '\\':
			return ""
		}
	}
	return ""
}

func toLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// sniffMagic inspects leading bytes for known container signatures.
func sniffMagic(data []byte) string {
	if len(data) < 12 {
		return ""
	}
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return FormatWAV
	case bytes.HasPrefix(data, []byte("fLaC")):
		return FormatFLAC
	case bytes.HasPrefix(data, []byte("OggS")):
		return FormatOGG
	case bytes.HasPrefix(data, []byte("ID3")),
		len(data) >= 2 && data[0] == 0xFF && (data[1]&0xE0) == 0xE0:
		return FormatMP3
	case bytes.Equal(data[4:8], []byte("ftyp")):
		return FormatM4A
	case bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	}
	return ""
}

// safeName strips any directory components so upload paths never leak
// into error messages.
func safeName(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '/' || filename[i] == '\\' {
			return filename[i+1:]
		}
	}
	return filename
}
