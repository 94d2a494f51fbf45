// Package engine implements guerite's per-tick decision loop: which action
// each supervised container gets, under cooldowns, dependency gating, and
// failure back-off, plus the blue/green recreate protocol.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rcarmo/guerite/internal/clock"
	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/docker"
	"github.com/rcarmo/guerite/internal/logging"
	"github.com/rcarmo/guerite/internal/metrics"
	"github.com/rcarmo/guerite/internal/notify"
	"github.com/rcarmo/guerite/internal/state"
)

// maxBackoff caps the restart back-off delay.
const maxBackoff = time.Hour

// Engine owns all mutable supervisor state. Every map below is guarded by
// the single state mutex; the prune mutex only serialises prune passes.
type Engine struct {
	docker   docker.ContainerEngine
	store    *state.Store
	cfg      *config.Settings
	log      *logging.Logger
	clock    clock.Clock
	notifier *notify.Dispatcher
	metrics  *metrics.Metrics
	loc      *time.Location

	mu     sync.Mutex
	loaded bool

	healthBackoff   map[string]time.Time // container id -> suppressed until
	restartBackoff  map[string]time.Time // container id -> next attempt
	failCount       map[string]int
	backoffNotified map[string]struct{}

	upgrades        map[string]*state.Upgrade // container id -> upgrade entry
	upgradeNotified map[string]struct{}

	knownIDs   map[string]struct{}
	knownNames map[string]struct{}
	knownInit  bool
	created    map[string]struct{} // ids we created; suppress next detection

	inFlight       map[string]struct{} // base names with an action running
	lastAction     map[string]time.Time
	noHealthWarned map[string]struct{}
	badCron        map[string]struct{} // "<id>/<label>" warn-once
	pruneWarned    bool

	pruneMu sync.Mutex
}

// New creates an Engine.
func New(d docker.ContainerEngine, store *state.Store, cfg *config.Settings,
	log *logging.Logger, clk clock.Clock, notifier *notify.Dispatcher,
	m *metrics.Metrics, loc *time.Location) *Engine {
	return &Engine{
		docker:   d,
		store:    store,
		cfg:      cfg,
		log:      log,
		clock:    clk,
		notifier: notifier,
		metrics:  m,
		loc:      loc,

		healthBackoff:   map[string]time.Time{},
		restartBackoff:  map[string]time.Time{},
		failCount:       map[string]int{},
		backoffNotified: map[string]struct{}{},
		upgrades:        map[string]*state.Upgrade{},
		upgradeNotified: map[string]struct{}{},
		knownIDs:        map[string]struct{}{},
		knownNames:      map[string]struct{}{},
		created:         map[string]struct{}{},
		inFlight:        map[string]struct{}{},
		lastAction:      map[string]time.Time{},
		noHealthWarned:  map[string]struct{}{},
		badCron:         map[string]struct{}{},
	}
}

// ensureLoaded reads the persisted state once, on the first tick.
func (e *Engine) ensureLoaded() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return
	}
	e.healthBackoff = e.store.LoadHealth()
	e.upgrades = e.store.LoadUpgrades()
	e.knownIDs, e.knownNames = e.store.LoadKnown()
	e.knownInit = len(e.knownIDs) > 0 || len(e.knownNames) > 0
	e.loaded = true
}

// CooldownActive reports whether the base name acted within the action
// cooldown. The event listener uses it to ignore echoes of our own actions.
func (e *Engine) CooldownActive(base string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastAction[base]
	if !ok {
		return false
	}
	return e.clock.Now().Sub(last) < e.cfg.ActionCooldown
}

// markInFlight claims the base name for this tick's action. Returns false
// when another action already holds it.
func (e *Engine) markInFlight(base string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[base]; busy {
		return false
	}
	e.inFlight[base] = struct{}{}
	return true
}

func (e *Engine) clearInFlight(base string) {
	e.mu.Lock()
	delete(e.inFlight, base)
	e.mu.Unlock()
}

// cooldownOK reports whether the base may act now.
func (e *Engine) cooldownOK(base string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastAction[base]
	return !ok || now.Sub(last) >= e.cfg.ActionCooldown
}

func (e *Engine) noteAction(base string, now time.Time) {
	e.mu.Lock()
	e.lastAction[base] = now
	e.mu.Unlock()
}

// healthAllowed reports whether a health-triggered recreate may run for the id.
func (e *Engine) healthAllowed(id string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.healthBackoff[id]
	if !ok || !now.Before(until) {
		return true
	}
	e.log.Debug("health recreate suppressed", "id", docker.ShortID(id),
		"remaining", until.Sub(now).Round(time.Second))
	return false
}

// restartAllowed reports whether the failure back-off permits acting on the id.
func (e *Engine) restartAllowed(id string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.restartBackoff[id]
	if !ok || !now.Before(until) {
		return true
	}
	e.log.Debug("action suppressed by restart backoff", "id", docker.ShortID(id),
		"remaining", until.Sub(now).Round(time.Second))
	return false
}

// registerRestartFailure bumps the failure count for the container and
// schedules the next attempt after HealthBackoff times the failure count,
// capped at maxBackoff; once the retry limit is reached the delay is at
// least HealthBackoff times the limit.
func (e *Engine) registerRestartFailure(id, name string, now time.Time, doNotify bool) {
	e.mu.Lock()
	e.failCount[id]++
	count := e.failCount[id]
	delay := min(e.cfg.HealthBackoff*time.Duration(max(1, count)), maxBackoff)
	if count >= e.cfg.RestartRetryLimit {
		delay = max(delay, e.cfg.HealthBackoff*time.Duration(e.cfg.RestartRetryLimit))
	}
	until := now.Add(delay)
	e.restartBackoff[id] = until
	_, alreadyNotified := e.backoffNotified[id]
	if doNotify && !alreadyNotified {
		e.backoffNotified[id] = struct{}{}
	}
	e.mu.Unlock()

	e.log.Warn("action failed, backing off", "name", name, "fail_count", count,
		"retry_at", until.Format(time.RFC3339))
	if doNotify && !alreadyNotified {
		e.notifier.Append(fmt.Sprintf("Recreate for %s deferred until %s after repeated failures",
			name, until.Format(time.RFC3339)))
	}
}

// clearFailureState forgets the back-off bookkeeping for an id after a
// successful action.
func (e *Engine) clearFailureState(ids ...string) {
	e.mu.Lock()
	for _, id := range ids {
		delete(e.failCount, id)
		delete(e.restartBackoff, id)
		delete(e.backoffNotified, id)
	}
	e.mu.Unlock()
}

// setHealthBackoff records and immediately persists the window during which
// health-triggered recreation stays off for the id.
func (e *Engine) setHealthBackoff(id string, until time.Time) {
	e.mu.Lock()
	e.healthBackoff[id] = until
	snapshot := make(map[string]time.Time, len(e.healthBackoff))
	for k, v := range e.healthBackoff {
		snapshot[k] = v
	}
	e.mu.Unlock()

	if err := e.store.SaveHealth(snapshot); err != nil {
		e.log.Warn("failed to persist health backoff", "error", err)
	}
}

// notifyEnabled checks a notification category against the settings.
func (e *Engine) notifyEnabled(category string) bool {
	return e.cfg.NotifyEnabled(category)
}

// persistState writes the upgrade and known maps to disk.
func (e *Engine) persistState() {
	e.mu.Lock()
	upgrades := make(map[string]*state.Upgrade, len(e.upgrades))
	for k, v := range e.upgrades {
		clone := *v
		upgrades[k] = &clone
	}
	ids := make(map[string]struct{}, len(e.knownIDs))
	for k := range e.knownIDs {
		ids[k] = struct{}{}
	}
	names := make(map[string]struct{}, len(e.knownNames))
	for k := range e.knownNames {
		names[k] = struct{}{}
	}
	e.mu.Unlock()

	if err := e.store.SaveUpgrades(upgrades); err != nil {
		e.log.Warn("failed to persist upgrade state", "error", err)
	}
	if err := e.store.SaveKnown(ids, names); err != nil {
		e.log.Warn("failed to persist known containers", "error", err)
	}
}

// saveUpgrades persists only the upgrade map, used when an entry changes
// mid-action so a crash cannot lose the in-progress marker.
func (e *Engine) saveUpgrades() {
	e.mu.Lock()
	upgrades := make(map[string]*state.Upgrade, len(e.upgrades))
	for k, v := range e.upgrades {
		clone := *v
		upgrades[k] = &clone
	}
	e.mu.Unlock()
	if err := e.store.SaveUpgrades(upgrades); err != nil {
		e.log.Warn("failed to persist upgrade state", "error", err)
	}
}
