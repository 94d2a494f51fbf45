package metrics

import (
	"strings"
	"testing"
)

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.ScanStarted()
	m.ContainerScanned()
	m.ContainerScanned()

	snap := m.Snapshot()
	if snap["scans_total"] != 1 || snap["containers_scanned"] != 2 {
		t.Errorf("snapshot = %v", snap)
	}

	snap["scans_total"] = 99
	if m.Snapshot()["scans_total"] != 1 {
		t.Error("mutating the snapshot leaked into the metrics")
	}
}

func TestAllCountersPresentAtZero(t *testing.T) {
	snap := New().Snapshot()
	for _, name := range []string{
		"scans_total", "scans_skipped", "containers_scanned",
		"containers_updated", "containers_failed",
	} {
		if v, ok := snap[name]; !ok || v != 0 {
			t.Errorf("counter %q = %d, present=%v", name, v, ok)
		}
	}
}

func TestRenderFormat(t *testing.T) {
	m := New()
	m.ContainerUpdated()
	out := m.Render()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines: %q", len(lines), out)
	}
	if !strings.Contains(out, "guerite_containers_updated 1\n") {
		t.Errorf("output missing updated counter: %q", out)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "guerite_") {
			t.Errorf("line %q missing guerite_ prefix", line)
		}
	}
}
