package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	bodies []string
	err    error
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(_ context.Context, title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, message)
	return nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any) {}
func (nopLogger) Warn(string, ...any) {}

func TestFlushBatchesIntoOneMessage(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher("myhost", nopLogger{}, rec)

	d.Append("first event")
	d.Append("second event")
	d.Flush(context.Background())

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d messages, want 1", len(rec.bodies))
	}
	if rec.titles[0] != "Guerite on myhost" {
		t.Errorf("title = %q", rec.titles[0])
	}
	if rec.bodies[0] != "first event\nsecond event" {
		t.Errorf("body = %q", rec.bodies[0])
	}

	// A second flush with nothing queued stays silent.
	d.Flush(context.Background())
	if len(rec.bodies) != 1 {
		t.Errorf("empty flush sent a message")
	}
}

func TestFlushDetectsRateLimited(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher("myhost", nopLogger{}, rec)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	d.AppendDetect("beta")
	d.AppendDetect("alpha")
	d.AppendDetect("beta")
	d.FlushDetects(context.Background(), now)

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d messages, want 1", len(rec.bodies))
	}
	if want := "New monitored containers: alpha, beta"; rec.bodies[0] != want {
		t.Errorf("body = %q, want %q", rec.bodies[0], want)
	}

	// Within the rate window nothing more goes out.
	d.AppendDetect("gamma")
	d.FlushDetects(context.Background(), now.Add(30*time.Second))
	if len(rec.bodies) != 1 {
		t.Errorf("rate limit not applied")
	}

	// After the window the held names flush.
	d.FlushDetects(context.Background(), now.Add(61*time.Second))
	if len(rec.bodies) != 2 {
		t.Fatalf("got %d messages, want 2", len(rec.bodies))
	}
	if !strings.Contains(rec.bodies[1], "gamma") {
		t.Errorf("second body = %q", rec.bodies[1])
	}
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("unreachable")}
	ok := &recordingNotifier{}
	d := NewDispatcher("myhost", nopLogger{}, failing, ok)

	d.Append("event")
	d.Flush(context.Background())

	if len(ok.bodies) != 1 {
		t.Errorf("healthy transport did not receive the message")
	}
}

func TestDropDetects(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher("myhost", nopLogger{}, rec)

	d.AppendDetect("app")
	d.DropDetects()
	d.FlushDetects(context.Background(), time.Now())
	if len(rec.bodies) != 0 {
		t.Errorf("dropped detects were still sent")
	}
}
