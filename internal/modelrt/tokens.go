package modelrt

import (
	"math"
	"strings"
)

const (
	minTokenEstimate = 100
	tokenHeadroom    = 300
	maxTokenBudget   = 2048
	// Within this many tokens of the budget the output may be cut off.
	truncationMargin = 10
)

// MaxTokensFor computes the dynamic token budget for a chunk of audio.
func MaxTokensFor(audioSeconds float64) int {
	if audioSeconds < 0 {
		audioSeconds = 0
	}
	est := int(math.Ceil(audioSeconds * 5))
	if est < minTokenEstimate {
		est = minTokenEstimate
	}
	budget := est + tokenHeadroom
	if budget > maxTokenBudget {
		budget = maxTokenBudget
	}
	return budget
}

// PossiblyTruncated reports whether generation came close enough to the
// budget that the output may be cut off.
func PossiblyTruncated(tokensUsed, maxTokens int) bool {
	return maxTokens > 0 && tokensUsed >= maxTokens-truncationMargin
}

// promptArtifacts are instruction tokens some backends echo at the start
// of their output.
var promptArtifacts = []string{"<|audio|>", "<|transcribe|>"}

// StripPromptArtifacts removes leading prompt echoes ("lang:xx" markers
// and special tokens) from decoded text.
func StripPromptArtifacts(text string) string {
	for {
		trimmed := strings.TrimSpace(text)
		stripped := trimmed

		for _, artifact := range promptArtifacts {
			stripped = strings.TrimSpace(strings.TrimPrefix(stripped, artifact))
		}
		if strings.HasPrefix(strings.ToLower(stripped), "lang:") {
			// Drop the "lang:" marker and the language code that follows.
			rest := strings.TrimSpace(stripped[len("lang:"):])
			if fields := strings.Fields(rest); len(fields) > 0 {
				stripped = strings.TrimSpace(strings.TrimPrefix(rest, fields[0]))
			} else {
				stripped = ""
			}
		}

		if stripped == trimmed {
			return stripped
		}
		text = stripped
	}
}
