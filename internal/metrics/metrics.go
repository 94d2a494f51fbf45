// Package metrics tracks the guerite counters. The counters live in a small
// struct so the control API can render them and tests can snapshot them; a
// Prometheus mirror feeds the textfile exporter.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guerite_scans_total",
		Help: "Total number of scan ticks performed.",
	})
	promSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guerite_scans_skipped",
		Help: "Containers skipped during scans (cooldown, in-flight, gating).",
	})
	promScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guerite_containers_scanned",
		Help: "Containers examined across all scans.",
	})
	promUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guerite_containers_updated",
		Help: "Containers successfully updated, restarted, or recreated.",
	})
	promFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guerite_containers_failed",
		Help: "Container actions that failed.",
	})
)

// Metrics holds the monotonic counters. A dedicated mutex keeps snapshots
// cheap relative to the engine's state mutex.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// New creates a Metrics with every counter present at zero.
func New() *Metrics {
	return &Metrics{counters: map[string]uint64{
		"scans_total":        0,
		"scans_skipped":      0,
		"containers_scanned": 0,
		"containers_updated": 0,
		"containers_failed":  0,
	}}
}

func (m *Metrics) inc(name string, prom prometheus.Counter) {
	m.mu.Lock()
	m.counters[name]++
	m.mu.Unlock()
	prom.Inc()
}

func (m *Metrics) ScanStarted()      { m.inc("scans_total", promScans) }
func (m *Metrics) ScanSkipped()      { m.inc("scans_skipped", promSkipped) }
func (m *Metrics) ContainerScanned() { m.inc("containers_scanned", promScanned) }
func (m *Metrics) ContainerUpdated() { m.inc("containers_updated", promUpdated) }
func (m *Metrics) ContainerFailed()  { m.inc("containers_failed", promFailed) }

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Render produces the plain-text exposition the control API serves:
// one "guerite_<counter> <value>" line per counter, sorted by name.
func (m *Metrics) Render() string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "guerite_%s %d\n", name, snap[name])
	}
	return b.String()
}
