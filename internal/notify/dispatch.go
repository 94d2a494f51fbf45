package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// detectInterval rate-limits detection notifications.
const detectInterval = 60 * time.Second

// Dispatcher accumulates the tick's event log and flushes it as a single
// message per transport. Detection notices batch separately and are
// rate-limited. Failures are logged and never propagated: notifications
// must not block actions.
type Dispatcher struct {
	hostname  string
	notifiers []Notifier
	log       Logger

	mu         sync.Mutex
	events     []string
	detects    []string
	lastDetect time.Time
}

// NewDispatcher creates a Dispatcher for the given transports.
func NewDispatcher(hostname string, log Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{hostname: hostname, log: log, notifiers: notifiers}
}

// Append queues a human-readable event line for the tick's batch.
func (d *Dispatcher) Append(line string) {
	d.mu.Lock()
	d.events = append(d.events, line)
	d.mu.Unlock()
}

// AppendDetect queues a newly-detected container name.
func (d *Dispatcher) AppendDetect(name string) {
	d.mu.Lock()
	d.detects = append(d.detects, name)
	d.mu.Unlock()
}

// Flush sends the accumulated event lines (if any) as one notification per
// transport, titled "Guerite on <hostname>".
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	events := d.events
	d.events = nil
	d.mu.Unlock()

	if len(events) == 0 {
		return
	}
	d.send(ctx, strings.Join(events, "\n"))
}

// FlushDetects sends the batched detection notice, at most once per minute.
func (d *Dispatcher) FlushDetects(ctx context.Context, now time.Time) {
	d.mu.Lock()
	if len(d.detects) == 0 {
		d.mu.Unlock()
		return
	}
	if !d.lastDetect.IsZero() && now.Sub(d.lastDetect) < detectInterval {
		d.mu.Unlock()
		return
	}
	unique := map[string]struct{}{}
	for _, name := range d.detects {
		if name == "" {
			name = "unknown"
		}
		unique[name] = struct{}{}
	}
	names := make([]string, 0, len(unique))
	for name := range unique {
		names = append(names, name)
	}
	sort.Strings(names)
	d.detects = nil
	d.lastDetect = now
	d.mu.Unlock()

	message := "New monitored containers: " + strings.Join(names, ", ")
	d.log.Info(message)
	d.send(ctx, message)
}

// DropDetects discards pending detection notices (used when the detect
// category is disabled).
func (d *Dispatcher) DropDetects() {
	d.mu.Lock()
	d.detects = nil
	d.mu.Unlock()
}

func (d *Dispatcher) send(ctx context.Context, message string) {
	title := "Guerite on " + d.hostname
	for _, n := range d.notifiers {
		if err := n.Send(ctx, title, message); err != nil {
			d.log.Warn("notification failed", "provider", n.Name(), "error", err)
		}
	}
}
