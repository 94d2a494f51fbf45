// Package notify delivers guerite's batched notifications to the configured
// outbound transports.
package notify

import "context"

// Notifier is one outbound transport. Send delivers a single titled
// message; implementations decide the wire format.
type Notifier interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Logger is the small logging surface the dispatcher needs, declared here
// so this package stays free of the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}
