// Package format renders a finished transcription into the supported
// output formats: json, txt, srt and vtt.
package format

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/jobs"
)

// Supported output formats.
const (
	JSON = "json"
	TXT  = "txt"
	SRT  = "srt"
	VTT  = "vtt"
)

// ContentType returns the MIME type for a format.
func ContentType(format string) string {
	switch format {
	case JSON:
		return "application/json"
	case VTT:
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render serializes the response in the requested format. An empty
// format defaults to json.
func Render(resp *jobs.Response, format string) (string, error) {
	switch format {
	case "", JSON:
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return "", errors.New(err).Category(errors.CategoryValidation).Build()
		}
		return string(out), nil
	case TXT:
		return resp.FullText, nil
	case SRT:
		return renderSRT(resp), nil
	case VTT:
		return renderVTT(resp), nil
	default:
		return "", errors.Newf("unsupported output format %q", format).
			Category(errors.CategoryValidation).
			Build()
	}
}

// renderSRT emits numbered subtitle blocks. Segments emptied by the
// deduper are skipped so the sequence stays dense.
func renderSRT(resp *jobs.Response) string {
	var b strings.Builder
	seq := 0
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		seq++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			seq, srtTime(s.Start), srtTime(s.End), text)
	}
	return b.String()
}

func renderVTT(resp *jobs.Response) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			vttTime(s.Start), vttTime(s.End), text)
	}
	return b.String()
}

// srtTime formats seconds as HH:MM:SS,mmm.
func srtTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// vttTime formats seconds as HH:MM:SS.mmm.
func vttTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func splitTime(seconds float64) (h, m, s, ms int) {
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	h = int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m = int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s = int(d / time.Second)
	d -= time.Duration(s) * time.Second
	ms = int(d / time.Millisecond)
	return h, m, s, ms
}
