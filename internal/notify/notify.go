// Package notify delivers fired alert events to external channels. Every
// notifier is fire-and-forget: delivery failures are logged and swallowed,
// never propagated back into the alert engine or the ingestion path.
package notify

import (
	"log/slog"

	"carbonscope/internal/alerts"
)

// LogNotifier writes alert events to the application log. Always active;
// serves as the baseline notifier when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements alerts.Sink.
func (n *LogNotifier) Notify(ev alerts.Event) {
	n.logger.Warn("CO2 alert",
		slog.String("origin", ev.Origin),
		slog.Float64("windowSum_g", ev.WindowGrams),
		slog.Int("windowMinutes", ev.WindowMinutes),
		slog.Time("firedAt", ev.FiredAt))
}
