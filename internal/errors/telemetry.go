// Package errors - telemetry reporting hook (optional)
package errors

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	telemetryMu             sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter installs the global telemetry reporter. Passing nil
// disables reporting and restores the cheap Build() path.
func SetTelemetryReporter(reporter TelemetryReporter) {
	telemetryMu.Lock()
	globalTelemetryReporter = reporter
	telemetryMu.Unlock()
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	telemetryMu.RLock()
	defer telemetryMu.RUnlock()
	return globalTelemetryReporter
}

func reportToTelemetry(ee *EnhancedError) {
	telemetryMu.RLock()
	reporter := globalTelemetryReporter
	telemetryMu.RUnlock()
	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}

// PrivacyScrubber removes sensitive data from a message before it leaves
// the process.
type PrivacyScrubber func(string) string

var (
	scrubberMu            sync.RWMutex
	globalPrivacyScrubber PrivacyScrubber
)

// SetPrivacyScrubber sets the global privacy scrubbing function
func SetPrivacyScrubber(scrubber PrivacyScrubber) {
	scrubberMu.Lock()
	defer scrubberMu.Unlock()
	globalPrivacyScrubber = scrubber
}

// ScrubMessage applies privacy protection to a message destined for telemetry
func ScrubMessage(message string) string {
	scrubberMu.RLock()
	scrubber := globalPrivacyScrubber
	scrubberMu.RUnlock()
	if scrubber != nil {
		return scrubber(message)
	}
	return basicScrub(message)
}

var (
	urlQueryRegex = regexp.MustCompile(`(https?://[^?\s]+)\?\S*`)
	tokenRegexes  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)api[_-]?key[=:]\S+`),
		regexp.MustCompile(`(?i)token[=:]\S+`),
		regexp.MustCompile(`(?i)auth[=:]\S+`),
		regexp.MustCompile(`[0-9a-fA-F]{32,}`),
	}
	// Absolute paths in error strings leak usernames and upload names.
	pathRegex = regexp.MustCompile(`(/[\w.\-]+){2,}`)
)

// basicScrub is the fallback scrubber when no custom one is installed
func basicScrub(message string) string {
	scrubbed := urlQueryRegex.ReplaceAllString(message, "$1?[REDACTED]")
	for _, re := range tokenRegexes {
		scrubbed = re.ReplaceAllString(scrubbed, "[REDACTED]")
	}
	scrubbed = pathRegex.ReplaceAllString(scrubbed, "[PATH]")
	return scrubbed
}

// ErrorTitle builds a human-readable title for telemetry grouping
func ErrorTitle(ee *EnhancedError) string {
	var parts []string

	if component := ee.GetComponent(); component != "" && component != ComponentUnknown {
		parts = append(parts, titleCase(component))
	}
	if categoryTitle := formatCategoryForTitle(ee.Category); categoryTitle != "" {
		parts = append(parts, categoryTitle)
	}
	if ctx := ee.GetContext(); ctx != nil {
		if operation, ok := ctx["operation"].(string); ok && operation != "" {
			parts = append(parts, formatOperationForTitle(operation))
		}
	}

	if len(parts) == 0 {
		return "Error"
	}
	return strings.Join(parts, " ")
}

func formatCategoryForTitle(category ErrorCategory) string {
	switch category {
	case CategoryModelLoad:
		return "Model Loading Error"
	case CategoryAudioDecode:
		return "Audio Decode Error"
	case CategoryAudioProcess:
		return "Audio Processing Error"
	case CategoryChunking:
		return "Chunking Error"
	case CategoryInference:
		return "Inference Error"
	case CategoryValidation:
		return "Validation Error"
	case CategoryFileIO:
		return "File I/O Error"
	case CategoryNetwork:
		return "Network Error"
	case CategoryNotification:
		return "Notification Error"
	case CategoryJobQueue:
		return "Job Queue Error"
	case CategorySession:
		return "Session Cleanup Error"
	case CategoryConfiguration:
		return "Configuration Error"
	case CategorySystem:
		return "System Resource Error"
	case CategoryTimeout:
		return "Timeout"
	case CategoryCancellation:
		return "Cancelled"
	default:
		return string(category)
	}
}

func formatOperationForTitle(operation string) string {
	words := strings.Fields(strings.ReplaceAll(operation, "_", " "))
	for i, word := range words {
		words[i] = titleCase(word)
	}
	return strings.Join(words, " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
