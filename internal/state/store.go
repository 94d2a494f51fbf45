// Package state persists guerite's crash-recovery state as three JSON files
// next to each other, each replaced atomically (temp file + rename).
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcarmo/guerite/internal/logging"
)

// Upgrade statuses.
const (
	UpgradeInProgress = "in-progress"
	UpgradeCompleted  = "completed"
	UpgradeFailed     = "failed"
)

// Upgrade tracks one blue/green image upgrade from start to resolution.
type Upgrade struct {
	OriginalImageID string    `json:"original_image_id"`
	TargetImageID   string    `json:"target_image_id"`
	BaseName        string    `json:"base_name"`
	StartedAt       time.Time `json:"started_at"`
	Status          string    `json:"status"`
}

// Known holds the detection sets for new-container notifications.
type Known struct {
	ContainerIDs   []string `json:"container_ids"`
	ContainerNames []string `json:"container_names"`
}

// Store reads and writes the three state files. All mutations are
// serialized by a single store-wide mutex; writes are atomic replacements.
type Store struct {
	mu          sync.Mutex
	healthPath  string
	upgradePath string
	knownPath   string
	log         *logging.Logger
}

// New creates a Store rooted at the health-backoff state file path. The
// upgrade and known files sit alongside it, derived from the same base.
func New(stateFile string, log *logging.Logger) *Store {
	base := strings.TrimSuffix(stateFile, ".json")
	return &Store{
		healthPath:  stateFile,
		upgradePath: base + "_upgrade.json",
		knownPath:   base + "_known.json",
		log:         log,
	}
}

// LoadHealth reads the health back-off map (container id -> suppressed-until).
// A missing or malformed file yields an empty map.
func (s *Store) LoadHealth() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := map[string]string{}
	s.read(s.healthPath, &raw)
	out := make(map[string]time.Time, len(raw))
	for id, iso := range raw {
		t, err := time.Parse(time.RFC3339, iso)
		if err != nil {
			continue
		}
		out[id] = t
	}
	return out
}

// SaveHealth atomically persists the health back-off map.
func (s *Store) SaveHealth(backoff map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := make(map[string]string, len(backoff))
	for id, t := range backoff {
		raw[id] = t.UTC().Format(time.RFC3339)
	}
	return s.write(s.healthPath, raw)
}

// LoadUpgrades reads the upgrade-progress map keyed by container id.
func (s *Store) LoadUpgrades() map[string]*Upgrade {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]*Upgrade{}
	s.read(s.upgradePath, &out)
	for id, u := range out {
		if u == nil {
			delete(out, id)
		}
	}
	return out
}

// SaveUpgrades atomically persists the upgrade-progress map.
func (s *Store) SaveUpgrades(upgrades map[string]*Upgrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.upgradePath, upgrades)
}

// LoadKnown reads the detection sets.
func (s *Store) LoadKnown() (ids, names map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var known Known
	s.read(s.knownPath, &known)
	ids = make(map[string]struct{}, len(known.ContainerIDs))
	for _, id := range known.ContainerIDs {
		ids[id] = struct{}{}
	}
	names = make(map[string]struct{}, len(known.ContainerNames))
	for _, name := range known.ContainerNames {
		names[name] = struct{}{}
	}
	return ids, names
}

// SaveKnown atomically persists the detection sets, sorted for stable diffs.
func (s *Store) SaveKnown(ids, names map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := Known{
		ContainerIDs:   sortedKeys(ids),
		ContainerNames: sortedKeys(names),
	}
	return s.write(s.knownPath, known)
}

// read unmarshals path into v. Missing files are silent; malformed files
// warn and leave v untouched (empty state).
func (s *Store) read(path string, v any) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("failed to read state file", "path", path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("malformed state file, starting empty", "path", path, "error", err)
	}
}

// write marshals v and atomically replaces path: a temp file is written in
// the same directory, synced, then renamed over the target.
func (s *Store) write(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state for %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp state file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state file %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		s.log.Debug("fsync on state file failed", "path", tmpName, "error", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state file %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file %s: %w", path, err)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
