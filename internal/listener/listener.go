// Package listener wakes the main loop when the Docker daemon reports
// lifecycle activity on a monitored container.
package listener

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/events"

	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/docker"
	"github.com/rcarmo/guerite/internal/logging"
)

// maxReconnectBackoff caps the delay between reconnect attempts.
const maxReconnectBackoff = 60 * time.Second

// watchedActions is the set of container actions that warrant a wake.
var watchedActions = map[string]struct{}{
	"create": {}, "destroy": {}, "die": {}, "kill": {}, "pause": {},
	"rename": {}, "restart": {}, "start": {}, "stop": {}, "unpause": {},
	"update": {},
}

// Listener consumes the engine's event stream on its own client and signals
// the main loop. Events caused by guerite's own recent actions are filtered
// out via the action cooldown.
type Listener struct {
	factory  func() (docker.ContainerEngine, error)
	settings *config.Settings
	log      *logging.Logger
	inCool   func(base string) bool
	wake     func()
}

// New creates a Listener. factory builds a fresh engine client per
// connection; inCool reports whether a base name acted recently; wake
// signals the main loop.
func New(factory func() (docker.ContainerEngine, error), settings *config.Settings,
	log *logging.Logger, inCool func(base string) bool, wake func()) *Listener {
	return &Listener{
		factory:  factory,
		settings: settings,
		log:      log,
		inCool:   inCool,
		wake:     wake,
	}
}

// Run consumes the event stream until the context is cancelled, reconnecting
// with exponential back-off on stream errors.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.settings.DockerConnectBackoff
	for ctx.Err() == nil {
		eng, err := l.factory()
		if err != nil {
			l.log.Warn("event listener could not connect", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxReconnectBackoff)
			continue
		}

		streamed := l.consume(ctx, eng)
		if err := eng.Close(); err != nil {
			l.log.Debug("closing event client failed", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if streamed {
			backoff = l.settings.DockerConnectBackoff
		} else {
			backoff = min(backoff*2, maxReconnectBackoff)
		}
		l.log.Warn("event stream ended; reconnecting", "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// consume drains one event stream. Returns true when at least one event was
// received before the stream broke (resets the reconnect back-off).
func (l *Listener) consume(ctx context.Context, eng docker.ContainerEngine) bool {
	msgs, errs := eng.Events(ctx)
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case err, ok := <-errs:
			if ok && err != nil {
				l.log.Warn("event stream error", "error", err)
			}
			return received
		case msg, ok := <-msgs:
			if !ok {
				return received
			}
			received = true
			l.handle(msg)
		}
	}
}

// handle filters one event and wakes the main loop when it is relevant.
func (l *Listener) handle(msg events.Message) {
	if string(msg.Type) != "container" {
		return
	}
	if _, watched := watchedActions[string(msg.Action)]; !watched {
		return
	}
	attrs := msg.Actor.Attributes
	if attrs == nil {
		return
	}
	monitored := false
	for _, label := range l.settings.ScheduleLabels() {
		if _, ok := attrs[label]; ok {
			monitored = true
			break
		}
	}
	if !monitored {
		return
	}

	display := attrs["name"]
	if display == "" {
		display = attrs["container"]
	}
	if display == "" {
		display = attrs["com.docker.compose.service"]
	}
	if display == "" {
		display = docker.ShortID(msg.Actor.ID)
	}

	base := docker.BaseName(display)
	if l.inCool(base) {
		l.log.Debug("ignoring event from our own recent action", "name", base, "action", msg.Action)
		return
	}

	l.log.Info("container event; waking main loop", "name", base, "action", msg.Action)
	l.wake()
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
