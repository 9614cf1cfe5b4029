// Package telemetry wires optional Sentry error reporting into the
// application's enhanced error handling.
package telemetry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/voxflow/voxflow-go/internal/errors"
	"github.com/voxflow/voxflow-go/internal/logging"
)

var logger *slog.Logger

// Settings controls telemetry behavior.
type Settings struct {
	Enabled     bool
	DSN         string
	Environment string
	Release     string
	Debug       bool
}

// Init initializes Sentry and installs the error reporter. When telemetry
// is disabled this is a no-op and error building stays on the cheap path.
func Init(settings *Settings) error {
	logger = logging.ForService("telemetry")
	if logger == nil {
		logger = slog.Default().With("service", "telemetry")
	}

	if settings == nil || !settings.Enabled || settings.DSN == "" {
		errors.SetTelemetryReporter(nil)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.DSN,
		Environment:      settings.Environment,
		Release:          settings.Release,
		Debug:            settings.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			// Scrub all message content before it leaves the process.
			event.Message = errors.ScrubMessage(event.Message)
			for i := range event.Exception {
				event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
			}
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(NewSentryReporter(true))
	logger.Info("telemetry enabled", "environment", settings.Environment)
	return nil
}

// Flush waits for buffered events to be sent, bounded by timeout.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// SentryReporter implements errors.TelemetryReporter for Sentry.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter.
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled.
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry with privacy scrubbing.
func (sr *SentryReporter) ReportError(ee *errors.EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := errors.ScrubMessage(fmt.Sprintf("[%s] %s", ee.Category, ee.Error()))
	title := errors.ErrorTitle(ee)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_title", title)
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))

		for key, value := range ee.GetContext() {
			scrubbed := value
			if str, ok := value.(string); ok {
				scrubbed = errors.ScrubMessage(str)
			}
			scope.SetContext(key, map[string]any{"value": scrubbed})
		}

		level := errorLevel(ee.Category)
		scope.SetLevel(level)
		scope.SetFingerprint([]string{title, ee.GetComponent(), string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = level
		event.Exception = []sentry.Exception{{
			Type:  title,
			Value: message,
		}}
		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// errorLevel maps error categories to Sentry severity levels.
func errorLevel(category errors.ErrorCategory) sentry.Level {
	switch category {
	case errors.CategoryModelLoad, errors.CategoryConfiguration, errors.CategorySystem:
		return sentry.LevelError
	case errors.CategoryNetwork, errors.CategoryNotification, errors.CategoryTimeout:
		return sentry.LevelWarning
	case errors.CategoryCancellation:
		return sentry.LevelInfo
	default:
		return sentry.LevelError
	}
}
