// Package config loads the frozen guerite settings from the environment,
// with an optional YAML file underneath (environment always wins).
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default label names consumed from containers.
const (
	DefaultUpdateLabel   = "guerite.update"
	DefaultRestartLabel  = "guerite.restart"
	DefaultRecreateLabel = "guerite.recreate"
	DefaultHealthLabel   = "guerite.health_check"
	DefaultDependsLabel  = "guerite.depends_on"
	DefaultScopeLabel    = "guerite.scope"

	MonitorOnlyLabel = "guerite.monitor_only"
	NoPullLabel      = "guerite.no_pull"
	NoRestartLabel   = "guerite.no_restart"

	LifecyclePrefix = "guerite.lifecycle."

	// ComposeProjectLabel groups containers into compose projects.
	ComposeProjectLabel = "com.docker.compose.project"
	// SwarmServiceLabel marks containers owned by an external orchestrator.
	SwarmServiceLabel = "com.docker.swarm.service.id"
)

// Notification categories recognised in GUERITE_NOTIFICATIONS.
var AllNotifications = []string{
	"update", "restart", "recreate", "health", "startup", "detect", "prune",
}

const defaultPushoverAPI = "https://api.pushover.net/1/messages.json"

// Settings is the frozen runtime configuration. It is built once at startup
// and never mutated afterwards.
type Settings struct {
	DockerHost string
	Timezone   string
	Hostname   string

	UpdateLabel   string
	RestartLabel  string
	RecreateLabel string
	HealthLabel   string
	DependsLabel  string
	ScopeLabel    string
	ScopeValue    string // scoping is on when non-empty

	IncludeNames map[string]struct{} // empty = all
	ExcludeNames map[string]struct{}

	HealthBackoff        time.Duration
	HealthCheckTimeout   time.Duration
	RollbackGrace        time.Duration
	ActionCooldown       time.Duration
	UpgradeStallTimeout  time.Duration
	PruneTimeout         time.Duration
	StopTimeout          time.Duration
	HookTimeout          time.Duration
	DockerConnectBackoff time.Duration
	NotificationTimeout  time.Duration

	RestartRetryLimit    int
	DockerConnectRetries int

	DryRun         bool
	MonitorOnly    bool
	NoPull         bool
	NoRestart      bool
	RollingRestart bool
	LifecycleHooks bool
	RunOnce        bool

	Notifications map[string]struct{}

	PruneCron string

	PushoverToken string
	PushoverUser  string
	PushoverAPI   string
	WebhookURL    string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	StateFile       string
	MetricsTextfile string

	HTTPAPIEnabled bool
	HTTPAPIHost    string
	HTTPAPIPort    int
	HTTPAPIToken   string
	HTTPAPIMetrics bool

	LogLevel string
	LogJSON  bool
}

// Load builds Settings from the environment. When GUERITE_CONFIG points to a
// YAML file its top-level string keys provide defaults under the environment.
func Load() (*Settings, error) {
	l, err := newLoader(os.Getenv("GUERITE_CONFIG"))
	if err != nil {
		return nil, err
	}

	hostname := l.str("GUERITE_HOSTNAME", "")
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}

	s := &Settings{
		DockerHost: l.str("DOCKER_HOST", "/var/run/docker.sock"),
		Timezone:   l.str("GUERITE_TZ", "UTC"),
		Hostname:   hostname,

		UpdateLabel:   l.str("GUERITE_UPDATE_LABEL", DefaultUpdateLabel),
		RestartLabel:  l.str("GUERITE_RESTART_LABEL", DefaultRestartLabel),
		RecreateLabel: l.str("GUERITE_RECREATE_LABEL", DefaultRecreateLabel),
		HealthLabel:   l.str("GUERITE_HEALTH_CHECK_LABEL", DefaultHealthLabel),
		DependsLabel:  l.str("GUERITE_DEPENDS_LABEL", DefaultDependsLabel),
		ScopeLabel:    l.str("GUERITE_SCOPE_LABEL", DefaultScopeLabel),
		ScopeValue:    l.str("GUERITE_SCOPE", ""),

		IncludeNames: l.csvSet("GUERITE_INCLUDE_NAMES"),
		ExcludeNames: l.csvSet("GUERITE_EXCLUDE_NAMES"),

		HealthBackoff:        l.seconds("GUERITE_HEALTH_CHECK_BACKOFF_SECONDS", 300),
		HealthCheckTimeout:   l.seconds("GUERITE_HEALTH_CHECK_TIMEOUT_SECONDS", 60),
		RollbackGrace:        l.seconds("GUERITE_ROLLBACK_GRACE_SECONDS", 3600),
		ActionCooldown:       l.seconds("GUERITE_ACTION_COOLDOWN_SECONDS", 60),
		UpgradeStallTimeout:  l.seconds("GUERITE_UPGRADE_STALL_TIMEOUT_SECONDS", 1800),
		PruneTimeout:         l.seconds("GUERITE_PRUNE_TIMEOUT_SECONDS", 180),
		StopTimeout:          l.seconds("GUERITE_STOP_TIMEOUT_SECONDS", 120),
		HookTimeout:          l.seconds("GUERITE_HOOK_TIMEOUT_SECONDS", 30),
		DockerConnectBackoff: l.seconds("GUERITE_DOCKER_CONNECT_BACKOFF_SECONDS", 5),
		NotificationTimeout:  l.seconds("GUERITE_NOTIFICATION_TIMEOUT_SECONDS", 30),

		RestartRetryLimit:    l.count("GUERITE_RESTART_RETRY_LIMIT", 3),
		DockerConnectRetries: l.count("GUERITE_DOCKER_CONNECT_RETRIES", 5),

		DryRun:         l.boolean("GUERITE_DRY_RUN", false),
		MonitorOnly:    l.boolean("GUERITE_MONITOR_ONLY", false),
		NoPull:         l.boolean("GUERITE_NO_PULL", false),
		NoRestart:      l.boolean("GUERITE_NO_RESTART", false),
		RollingRestart: l.boolean("GUERITE_ROLLING_RESTART", false),
		LifecycleHooks: l.boolean("GUERITE_LIFECYCLE_HOOKS", false),
		RunOnce:        l.boolean("GUERITE_RUN_ONCE", false),

		Notifications: parseNotifications(l.str("GUERITE_NOTIFICATIONS", "update")),

		PruneCron: l.str("GUERITE_PRUNE_CRON", ""),

		PushoverToken: l.str("GUERITE_PUSHOVER_TOKEN", ""),
		PushoverUser:  l.str("GUERITE_PUSHOVER_USER", ""),
		PushoverAPI:   l.str("GUERITE_PUSHOVER_API", defaultPushoverAPI),
		WebhookURL:    l.str("GUERITE_WEBHOOK_URL", ""),

		MQTTBroker:   l.str("GUERITE_MQTT_BROKER", ""),
		MQTTTopic:    l.str("GUERITE_MQTT_TOPIC", "guerite/events"),
		MQTTClientID: l.str("GUERITE_MQTT_CLIENT_ID", "guerite"),
		MQTTUsername: l.str("GUERITE_MQTT_USERNAME", ""),
		MQTTPassword: l.str("GUERITE_MQTT_PASSWORD", ""),

		StateFile:       l.str("GUERITE_STATE_FILE", "/tmp/guerite_state.json"),
		MetricsTextfile: l.str("GUERITE_METRICS_TEXTFILE", ""),

		HTTPAPIEnabled: l.boolean("GUERITE_HTTP_API", false),
		HTTPAPIHost:    l.str("GUERITE_HTTP_API_HOST", "127.0.0.1"),
		HTTPAPIPort:    l.count("GUERITE_HTTP_API_PORT", 8067),
		HTTPAPIToken:   l.str("GUERITE_HTTP_API_TOKEN", ""),
		HTTPAPIMetrics: l.boolean("GUERITE_HTTP_API_METRICS", false),

		LogLevel: strings.ToUpper(l.str("GUERITE_LOG_LEVEL", "INFO")),
		LogJSON:  l.boolean("GUERITE_LOG_JSON", false),
	}
	return s, nil
}

// ScheduleLabels returns the four schedule label names in priority order.
func (s *Settings) ScheduleLabels() []string {
	return []string{s.UpdateLabel, s.RecreateLabel, s.RestartLabel, s.HealthLabel}
}

// NotifyEnabled reports whether the given notification category is on.
// "health_check" is accepted as an alias for "health".
func (s *Settings) NotifyEnabled(category string) bool {
	if category == "health_check" {
		category = "health"
	}
	_, ok := s.Notifications[category]
	return ok
}

// NameSelected applies the include/exclude name sets to a base name.
func (s *Settings) NameSelected(name string) bool {
	if _, excluded := s.ExcludeNames[name]; excluded {
		return false
	}
	if len(s.IncludeNames) == 0 {
		return true
	}
	_, included := s.IncludeNames[name]
	return included
}

// Values returns the effective configuration for the startup summary,
// secrets redacted.
func (s *Settings) Values() []string {
	redact := func(v string) string {
		if v != "" {
			return "(set)"
		}
		return ""
	}
	lines := []string{
		fmt.Sprintf("DOCKER_HOST=%s", s.DockerHost),
		fmt.Sprintf("GUERITE_TZ=%s", s.Timezone),
		fmt.Sprintf("GUERITE_STATE_FILE=%s", s.StateFile),
		fmt.Sprintf("GUERITE_PRUNE_CRON=%s", s.PruneCron),
		fmt.Sprintf("GUERITE_NOTIFICATIONS=%s", joinSet(s.Notifications)),
		fmt.Sprintf("GUERITE_DRY_RUN=%t", s.DryRun),
		fmt.Sprintf("GUERITE_MONITOR_ONLY=%t", s.MonitorOnly),
		fmt.Sprintf("GUERITE_RUN_ONCE=%t", s.RunOnce),
		fmt.Sprintf("GUERITE_HTTP_API=%t", s.HTTPAPIEnabled),
		fmt.Sprintf("GUERITE_PUSHOVER_TOKEN=%s", redact(s.PushoverToken)),
		fmt.Sprintf("GUERITE_WEBHOOK_URL=%s", redact(s.WebhookURL)),
		fmt.Sprintf("GUERITE_MQTT_BROKER=%s", s.MQTTBroker),
	}
	return lines
}

func joinSet(set map[string]struct{}) string {
	items := make([]string, 0, len(set))
	for k := range set {
		items = append(items, k)
	}
	sort.Strings(items)
	return strings.Join(items, ",")
}

func parseNotifications(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if item == "health_check" {
			item = "health"
		}
		if item == "all" {
			for _, cat := range AllNotifications {
				out[cat] = struct{}{}
			}
			return out
		}
		out[item] = struct{}{}
	}
	if len(out) == 0 {
		out["update"] = struct{}{}
	}
	return out
}

// loader resolves keys from the environment first, then the optional YAML
// file, then the built-in default.
type loader struct {
	file map[string]string
}

func newLoader(path string) (*loader, error) {
	l := &loader{file: map[string]string{}}
	if path == "" {
		return l, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range doc {
		l.file[strings.ToUpper(k)] = fmt.Sprintf("%v", v)
	}
	return l, nil
}

func (l *loader) lookup(key string) (string, bool) {
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	if v, ok := l.file[key]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (l *loader) str(key, def string) string {
	if v, ok := l.lookup(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (l *loader) boolean(key string, def bool) bool {
	v, ok := l.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// seconds parses a positive integer number of seconds. Zero and negative
// values fall back to the default: these are always timeouts or backoffs
// where "disabled" makes no sense.
func (l *loader) seconds(key string, def int) time.Duration {
	v, ok := l.lookup(key)
	if !ok {
		return time.Duration(def) * time.Second
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(n) * time.Second
}

// count parses a non-negative integer. Zero is meaningful here
// (e.g. GUERITE_DOCKER_CONNECT_RETRIES=0 means a single attempt).
func (l *loader) count(key string, def int) int {
	v, ok := l.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (l *loader) csvSet(key string) map[string]struct{} {
	out := make(map[string]struct{})
	v, ok := l.lookup(key)
	if !ok {
		return out
	}
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}
