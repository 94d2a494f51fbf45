package sched

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/docker"
)

func testSettings() *config.Settings {
	return &config.Settings{
		UpdateLabel:   config.DefaultUpdateLabel,
		RestartLabel:  config.DefaultRestartLabel,
		RecreateLabel: config.DefaultRecreateLabel,
		HealthLabel:   config.DefaultHealthLabel,
	}
}

func labelled(name string, labels map[string]string) *docker.Snapshot {
	return &docker.Snapshot{ID: "id-" + name, Name: name, BaseName: name, Labels: labels}
}

func TestNextWakeNoCandidates(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	wake := NextWake(nil, testSettings(), ref)
	if !wake.At.Equal(ref.Add(300 * time.Second)) {
		t.Errorf("At = %v, want ref+300s", wake.At)
	}
	if wake.Name != "" || wake.Label != "" {
		t.Errorf("Name/Label = %q/%q, want empty", wake.Name, wake.Label)
	}
}

func TestNextWakePicksEarliest(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps := []*docker.Snapshot{
		labelled("late", map[string]string{config.DefaultUpdateLabel: "0 18 * * *"}),
		labelled("soon", map[string]string{config.DefaultRestartLabel: "30 12 * * *"}),
	}
	wake := NextWake(snaps, testSettings(), ref)
	want := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	if !wake.At.Equal(want) {
		t.Errorf("At = %v, want %v", wake.At, want)
	}
	if wake.Name != "soon" || wake.Label != config.DefaultRestartLabel {
		t.Errorf("Name/Label = %q/%q", wake.Name, wake.Label)
	}
}

func TestNextWakeInvalidCronIgnored(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps := []*docker.Snapshot{
		labelled("broken", map[string]string{config.DefaultUpdateLabel: "bogus"}),
		labelled("fine", map[string]string{config.DefaultUpdateLabel: "0 13 * * *"}),
	}
	wake := NextWake(snaps, testSettings(), ref)
	if wake.Name != "fine" {
		t.Errorf("Name = %q, want the valid container", wake.Name)
	}
}

func TestNextWakeMergesPruneCron(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	settings := testSettings()
	settings.PruneCron = "15 12 * * *"
	snaps := []*docker.Snapshot{
		labelled("app", map[string]string{config.DefaultUpdateLabel: "0 18 * * *"}),
	}
	wake := NextWake(snaps, settings, ref)
	if wake.Name != "prune" || wake.Label != "prune" {
		t.Errorf("Name/Label = %q/%q, want prune", wake.Name, wake.Label)
	}
	want := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	if !wake.At.Equal(want) {
		t.Errorf("At = %v, want %v", wake.At, want)
	}
}

func TestSummaryFormatting(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snaps := []*docker.Snapshot{
		labelled("today-app", map[string]string{config.DefaultUpdateLabel: "30 18 * * *"}),
		labelled("tomorrow-app", map[string]string{config.DefaultRestartLabel: "0 3 * * *"}),
		labelled("later-app", map[string]string{config.DefaultRecreateLabel: "0 0 15 6 *"}),
	}
	lines := Summary(snaps, testSettings(), ref)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "today 18:30") || !strings.Contains(lines[0], "today-app (update)") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "tomorrow 03:00") || !strings.Contains(lines[1], "tomorrow-app (restart)") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "2025-06-15 00:00") {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestSummaryCapsAtTen(t *testing.T) {
	ref := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var snaps []*docker.Snapshot
	for i := 0; i < 15; i++ {
		snaps = append(snaps, labelled(
			strings.Repeat("x", i+1),
			map[string]string{config.DefaultUpdateLabel: "* * * * *"},
		))
	}
	lines := Summary(snaps, testSettings(), ref)
	if len(lines) != 10 {
		t.Errorf("got %d lines, want 10", len(lines))
	}
}

// fakeClock fires short timers immediately; long timers never fire, so
// tests can prove an external wake won the race.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if d <= 10*time.Second {
		c.mu.Lock()
		c.now = c.now.Add(d)
		ch <- c.now
		c.mu.Unlock()
	}
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func TestWaiterTimerExpiry(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	w := NewWaiter(clk)
	source := w.Wait(context.Background(), clk.Now().Add(5*time.Second))
	if source != SourceTimer {
		t.Errorf("source = %q, want schedule", source)
	}
}

func TestWaiterExternalWakeWins(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	w := NewWaiter(clk)
	w.Wake(SourceEvent)
	source := w.Wait(context.Background(), clk.Now().Add(time.Hour))
	if source != SourceEvent {
		t.Errorf("source = %q, want docker_event", source)
	}
}

func TestWaiterWakeCoalesces(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	w := NewWaiter(clk)
	w.Wake(SourceEvent)
	w.Wake(SourceAPI) // coalesced into the pending wake
	source := w.Wait(context.Background(), clk.Now().Add(time.Hour))
	if source != SourceEvent {
		t.Errorf("source = %q, want first wake preserved", source)
	}
	w.Drain()
}

func TestWaiterCancelled(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	w := NewWaiter(clk)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if source := w.Wait(ctx, clk.Now().Add(time.Hour)); source != SourceStop {
		t.Errorf("source = %q, want stop", source)
	}
}
