// Package sched computes when the supervisor should wake next and provides
// the interruptible wait the main loop sleeps in.
package sched

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rcarmo/guerite/internal/clock"
	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/cron"
	"github.com/rcarmo/guerite/internal/docker"
)

// DefaultIdleWait is used when no container or prune schedule yields a
// candidate firing.
const DefaultIdleWait = 300 * time.Second

// Wake describes the next scheduled firing.
type Wake struct {
	At    time.Time
	Name  string // container name, or "prune"
	Label string // schedule label, or "prune"
}

// WakeSource identifies what ended an interruptible wait.
type WakeSource string

const (
	SourceStartup WakeSource = "startup"
	SourceTimer   WakeSource = "schedule"
	SourceEvent   WakeSource = "docker_event"
	SourceAPI     WakeSource = "http_api"
	SourceStop    WakeSource = "stop"
)

type candidate struct {
	at    time.Time
	name  string
	label string
}

// collect enumerates, per container x schedule label with a parseable
// expression, the next firing after the reference time, plus the prune cron.
func collect(snaps []*docker.Snapshot, settings *config.Settings, ref time.Time) []candidate {
	var out []candidate
	for _, snap := range snaps {
		for _, label := range settings.ScheduleLabels() {
			expr, ok := snap.Labels[label]
			if !ok {
				continue
			}
			next, err := cron.Next(expr, ref)
			if err != nil || next.IsZero() {
				continue
			}
			out = append(out, candidate{at: next, name: snap.Name, label: label})
		}
	}
	if expr := cron.Clean(settings.PruneCron); expr != "" {
		if next, err := cron.Next(expr, ref); err == nil && !next.IsZero() {
			out = append(out, candidate{at: next, name: "prune", label: "prune"})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].at.Equal(out[j].at) {
			return out[i].at.Before(out[j].at)
		}
		return out[i].name < out[j].name
	})
	return out
}

// NextWake returns the earliest upcoming firing across all containers and
// the prune cron, or ref+DefaultIdleWait when nothing is scheduled.
func NextWake(snaps []*docker.Snapshot, settings *config.Settings, ref time.Time) Wake {
	cands := collect(snaps, settings, ref)
	if len(cands) == 0 {
		return Wake{At: ref.Add(DefaultIdleWait)}
	}
	first := cands[0]
	return Wake{At: first.at, Name: first.name, Label: first.label}
}

// Summary formats the next up-to-ten schedule events for startup logging,
// as "today HH:MM", "tomorrow HH:MM", or "YYYY-MM-DD HH:MM".
func Summary(snaps []*docker.Snapshot, settings *config.Settings, ref time.Time) []string {
	cands := collect(snaps, settings, ref)
	if len(cands) > 10 {
		cands = cands[:10]
	}
	lines := make([]string, 0, len(cands))
	for _, c := range cands {
		lines = append(lines, fmt.Sprintf("%s %s (%s)", humanTime(c.at, ref), c.name, shortLabel(c.label)))
	}
	return lines
}

func humanTime(t, ref time.Time) string {
	t = t.In(ref.Location())
	refDate := ref.Format("2006-01-02")
	tomorrow := ref.AddDate(0, 0, 1).Format("2006-01-02")
	switch t.Format("2006-01-02") {
	case refDate:
		return "today " + t.Format("15:04")
	case tomorrow:
		return "tomorrow " + t.Format("15:04")
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func shortLabel(label string) string {
	const prefix = "guerite."
	if len(label) > len(prefix) && label[:len(prefix)] == prefix {
		return label[len(prefix):]
	}
	return label
}

// Waiter is the interruptible sleep between ticks. Wakes from the event
// listener and the control API share one buffered channel; whichever source
// fires first ends the wait.
type Waiter struct {
	clock clock.Clock
	wake  chan WakeSource
}

// NewWaiter creates a Waiter.
func NewWaiter(clk clock.Clock) *Waiter {
	return &Waiter{clock: clk, wake: make(chan WakeSource, 1)}
}

// Wake signals the main loop to start a tick early. Non-blocking; a wake
// that arrives while one is already pending is coalesced.
func (w *Waiter) Wake(source WakeSource) {
	select {
	case w.wake <- source:
	default:
	}
}

// Wait sleeps until the deadline, an external wake, or cancellation,
// whichever comes first, and reports which one it was.
func (w *Waiter) Wait(ctx context.Context, until time.Time) WakeSource {
	d := until.Sub(w.clock.Now())
	if d < time.Second {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return SourceStop
	case source := <-w.wake:
		return source
	case <-w.clock.After(d):
		return SourceTimer
	}
}

// Drain discards a pending wake, so stale signals from our own actions do
// not trigger an immediate re-tick.
func (w *Waiter) Drain() {
	select {
	case <-w.wake:
	default:
	}
}
