package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxflow/voxflow-go/internal/jobs"
	"github.com/voxflow/voxflow-go/internal/stitch"
)

func sampleResponse() *jobs.Response {
	conf := 0.9
	return &jobs.Response{
		JobID:    "job-1",
		Filename: "meeting.mp3",
		Status:   jobs.StatusCompleted,
		Segments: []stitch.Segment{
			{Start: 0, End: 4.5, Text: "hello everyone"},
			{Start: 4.5, End: 9, Text: ""},
			{Start: 9, End: 3671.25, Text: "and we are done"},
		},
		FullText:      "hello everyone and we are done",
		AudioDuration: 3671.25,
		ChunkCount:    7,
		Confidence:    &conf,
	}
}

func TestRenderJSON(t *testing.T) {
	t.Parallel()

	out, err := Render(sampleResponse(), JSON)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, "hello everyone and we are done", decoded["full_text"])

	// Empty format defaults to json.
	same, err := Render(sampleResponse(), "")
	require.NoError(t, err)
	assert.Equal(t, out, same)
}

func TestRenderTXT(t *testing.T) {
	t.Parallel()

	out, err := Render(sampleResponse(), TXT)
	require.NoError(t, err)
	assert.Equal(t, "hello everyone and we are done", out)
}

func TestRenderSRT(t *testing.T) {
	t.Parallel()

	out, err := Render(sampleResponse(), SRT)
	require.NoError(t, err)

	assert.Contains(t, out, "1\n00:00:00,000 --> 00:00:04,500\nhello everyone\n")
	// The empty segment is skipped and the sequence stays dense.
	assert.Contains(t, out, "2\n00:00:09,000 --> 01:01:11,250\nand we are done\n")
	assert.NotContains(t, out, "3\n")
}

func TestRenderVTT(t *testing.T) {
	t.Parallel()

	out, err := Render(sampleResponse(), VTT)
	require.NoError(t, err)

	assert.True(t, len(out) > 7 && out[:7] == "WEBVTT\n")
	assert.Contains(t, out, "00:00:00.000 --> 00:00:04.500\nhello everyone\n")
	assert.Contains(t, out, "00:00:09.000 --> 01:01:11.250\nand we are done\n")
}

func TestRenderUnsupportedFormat(t *testing.T) {
	t.Parallel()

	_, err := Render(sampleResponse(), "xml")
	require.Error(t, err)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "application/json", ContentType(JSON))
	assert.Equal(t, "text/vtt", ContentType(VTT))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType(TXT))
	assert.Equal(t, "text/plain; charset=utf-8", ContentType(SRT))
}
