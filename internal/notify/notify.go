// Package notify defines the notification collaborator that pause-state
// transitions and ledger mismatches are published through. The
// transports themselves (Telegram, HTTP) live outside the engine core;
// the engine ships a slog-backed default and a no-op for tests.
package notify

import "log/slog"

// Level grades a notification's urgency.
type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// Notifier publishes operator-facing events.
type Notifier interface {
	Notify(level Level, eventType, message string, fields map[string]any) error
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates the default notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(level Level, eventType, message string, fields map[string]any) error {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "event", eventType)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}

	switch level {
	case Critical:
		n.logger.Error(message, attrs...)
	case Warning:
		n.logger.Warn(message, attrs...)
	default:
		n.logger.Info(message, attrs...)
	}
	return nil
}

// NoopNotifier discards everything.
type NoopNotifier struct{}

func (NoopNotifier) Notify(Level, string, string, map[string]any) error { return nil }
