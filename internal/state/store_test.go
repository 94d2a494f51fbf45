package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcarmo/guerite/internal/logging"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "guerite_state.json")
	return New(path, logging.New(false, "ERROR")), dir
}

func TestHealthRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	want := map[string]time.Time{
		"aaa": time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		"bbb": time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC),
	}
	if err := store.SaveHealth(want); err != nil {
		t.Fatalf("SaveHealth: %v", err)
	}

	got := store.LoadHealth()
	if len(got) != len(want) {
		t.Fatalf("loaded %d entries, want %d", len(got), len(want))
	}
	for id, ts := range want {
		if !got[id].Equal(ts) {
			t.Errorf("entry %s = %v, want %v", id, got[id], ts)
		}
	}
}

func TestUpgradeRoundTripPreservesTimestamps(t *testing.T) {
	store, _ := newTestStore(t)

	started := time.Date(2025, 6, 1, 12, 34, 56, 0, time.UTC)
	want := map[string]*Upgrade{
		"aaa": {
			OriginalImageID: "sha256:old",
			TargetImageID:   "sha256:new",
			BaseName:        "app",
			StartedAt:       started,
			Status:          UpgradeInProgress,
		},
	}
	if err := store.SaveUpgrades(want); err != nil {
		t.Fatalf("SaveUpgrades: %v", err)
	}

	got := store.LoadUpgrades()
	u, ok := got["aaa"]
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if !u.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", u.StartedAt, started)
	}
	if u.Status != UpgradeInProgress || u.BaseName != "app" {
		t.Errorf("entry = %+v", u)
	}
}

func TestKnownRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	ids := map[string]struct{}{"id1": {}, "id2": {}}
	names := map[string]struct{}{"app": {}, "db": {}}
	if err := store.SaveKnown(ids, names); err != nil {
		t.Fatalf("SaveKnown: %v", err)
	}

	gotIDs, gotNames := store.LoadKnown()
	if len(gotIDs) != 2 || len(gotNames) != 2 {
		t.Fatalf("got %d ids, %d names", len(gotIDs), len(gotNames))
	}
	if _, ok := gotIDs["id1"]; !ok {
		t.Error("id1 missing")
	}
	if _, ok := gotNames["db"]; !ok {
		t.Error("db missing")
	}
}

func TestMissingFilesYieldEmptyState(t *testing.T) {
	store, _ := newTestStore(t)

	if got := store.LoadHealth(); len(got) != 0 {
		t.Errorf("LoadHealth = %v, want empty", got)
	}
	if got := store.LoadUpgrades(); len(got) != 0 {
		t.Errorf("LoadUpgrades = %v, want empty", got)
	}
	ids, names := store.LoadKnown()
	if len(ids) != 0 || len(names) != 0 {
		t.Errorf("LoadKnown = %v/%v, want empty", ids, names)
	}
}

func TestMalformedFileYieldsEmptyState(t *testing.T) {
	store, dir := newTestStore(t)
	path := filepath.Join(dir, "guerite_state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := store.LoadHealth(); len(got) != 0 {
		t.Errorf("LoadHealth = %v, want empty on malformed file", got)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.SaveHealth(map[string]time.Time{"a": time.Now()}); err != nil {
		t.Fatalf("SaveHealth: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestDerivedFilePaths(t *testing.T) {
	store, dir := newTestStore(t)
	if err := store.SaveUpgrades(map[string]*Upgrade{}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveKnown(nil, nil); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"guerite_state_upgrade.json", "guerite_state_known.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}
