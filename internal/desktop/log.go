package desktop

import (
	"context"

	"diagd/internal/diagnostics"
	"diagd/internal/logging"
)

// LogNotifier writes toasts and notices to the daemon log. It stands in
// when no notification server is reachable.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier returns a LogNotifier writing to logger.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LogNotifier{logger: logger.WithComponent("notice")}
}

func (l *LogNotifier) Toast(_ context.Context, msg string) error {
	l.logger.Info("toast", "message", msg)
	return nil
}

func (l *LogNotifier) Notify(_ context.Context, n diagnostics.Notice) error {
	keys := make([]string, 0, len(n.Actions))
	for _, a := range n.Actions {
		keys = append(keys, a.Key())
	}
	l.logger.Warn("notice", "title", n.Title, "summary", n.Summary, "actions", keys)
	return nil
}
