package cron

import (
	"testing"
	"time"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "* * * * *", "* * * * *"},
		{"brackets", "[* * * * *]", "* * * * *"},
		{"double quotes", `"0 4 * * *"`, "0 4 * * *"},
		{"single quotes", "'0 4 * * *'", "0 4 * * *"},
		{"brackets then quotes", `["0 4 * * *"]`, "0 4 * * *"},
		{"whitespace", "  0 4 * * *  ", "0 4 * * *"},
		{"empty", "", ""},
		{"only brackets", "[]", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatch(t *testing.T) {
	at := time.Date(2025, 6, 1, 4, 30, 12, 0, time.UTC) // Sunday 04:30

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"every minute", "* * * * *", true},
		{"exact minute", "30 4 * * *", true},
		{"different minute", "31 4 * * *", false},
		{"different hour", "30 5 * * *", false},
		{"sunday", "30 4 * * 0", true},
		{"monday", "30 4 * * 1", false},
		{"quoted", `"30 4 * * *"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(tt.expr, at)
			if err != nil {
				t.Fatalf("Match(%q) error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Match(%q, %v) = %v, want %v", tt.expr, at, got, tt.want)
			}
		})
	}
}

func TestMatchInvalid(t *testing.T) {
	if _, err := Match("not a cron", time.Now()); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if _, err := Match("* * * *", time.Now()); err == nil {
		t.Fatal("expected error for four-field expression")
	}
}

func TestNext(t *testing.T) {
	ref := time.Date(2025, 6, 1, 4, 30, 0, 0, time.UTC)

	next, err := Next("0 5 * * *", ref)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := time.Date(2025, 6, 1, 5, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}

	// Strictly after: an expression firing exactly at ref yields the next slot.
	next, err = Next("30 4 * * *", ref)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want = time.Date(2025, 6, 2, 4, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestUpcoming(t *testing.T) {
	ref := time.Date(2025, 6, 1, 4, 0, 0, 0, time.UTC)
	runs, err := Upcoming("*/15 * * * *", ref, 3)
	if err != nil {
		t.Fatalf("Upcoming error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, wantMin := range []int{15, 30, 45} {
		if runs[i].Minute() != wantMin {
			t.Errorf("run %d at minute %d, want %d", i, runs[i].Minute(), wantMin)
		}
	}
}
