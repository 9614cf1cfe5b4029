// Package stitch merges per-chunk transcripts into one timeline by
// removing text duplicated across overlapping chunk borders.
package stitch

import (
	"strings"
)

const (
	// Longest word window considered when matching a chunk tail against
	// the next chunk's head.
	maxDedupWindow = 10
	// Word-set similarity accepted as a fuzzy match.
	jaccardThreshold = 0.8
)

// Segment is a timed span of transcribed text with absolute times.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Dedup removes duplicated words at chunk boundaries. Segments keep their
// order and times; only text shrinks. Empty text is allowed and retained.
func Dedup(segments []Segment, overlapSeconds float64) []Segment {
	if len(segments) < 2 {
		return segments
	}

	out := make([]Segment, len(segments))
	copy(out, segments)

	for i := 0; i < len(out)-1; i++ {
		cur := &out[i]
		next := &out[i+1]

		// Only segments whose times actually overlap are candidates.
		winStart := max(cur.Start, next.Start-overlapSeconds)
		winEnd := min(cur.End, next.Start+overlapSeconds)
		if winEnd <= winStart {
			continue
		}

		// A wholly repeated chunk text collapses to a single copy; the
		// windowed search below can only remove up to half of it.
		if t := strings.TrimSpace(cur.Text); t != "" && strings.EqualFold(t, strings.TrimSpace(next.Text)) {
			next.Text = ""
			continue
		}

		a := strings.Fields(cur.Text)
		b := strings.Fields(next.Text)
		if len(a) < 2 || len(b) < 2 {
			continue
		}

		// Prefer the longest overlap, searching downward.
		maxL := min(len(a)/2, len(b)/2, maxDedupWindow)
		for l := maxL; l >= 1; l-- {
			tail := strings.ToLower(strings.Join(a[len(a)-l:], " "))
			head := strings.ToLower(strings.Join(b[:l], " "))

			if tail == head || jaccard(tail, head) >= jaccardThreshold {
				cur.Text = strings.Join(a[:len(a)-l], " ")
				next.Text = strings.Join(b[l:], " ")
				break
			}
		}
	}

	return out
}

// jaccard computes word-set similarity between two phrases.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

// FullText joins non-empty segment texts with single spaces.
func FullText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// WordCount returns the total number of words across all segments.
func WordCount(segments []Segment) int {
	n := 0
	for _, s := range segments {
		n += len(strings.Fields(s.Text))
	}
	return n
}

// MeanConfidence returns the mean of non-nil segment confidences, or nil
// when no segment carries one.
func MeanConfidence(segments []Segment) *float64 {
	var sum float64
	var n int
	for _, s := range segments {
		if s.Confidence != nil {
			sum += *s.Confidence
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}
