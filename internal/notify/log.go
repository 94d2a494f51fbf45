package notify

import "context"

// LogNotifier mirrors every notification into the process log, so the
// batched messages remain observable even with no outbound transport
// configured. It never fails.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier builds the always-on log transport.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name identifies this transport in dispatcher logs.
func (l *LogNotifier) Name() string { return "log" }

// Send records the notification at Info level.
func (l *LogNotifier) Send(_ context.Context, title, message string) error {
	l.log.Info("notification", "title", title, "message", message)
	return nil
}
