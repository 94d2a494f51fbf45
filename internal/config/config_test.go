package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.UpdateLabel != "guerite.update" {
		t.Errorf("UpdateLabel = %q", s.UpdateLabel)
	}
	if s.HealthBackoff != 300*time.Second {
		t.Errorf("HealthBackoff = %v", s.HealthBackoff)
	}
	if s.RestartRetryLimit != 3 {
		t.Errorf("RestartRetryLimit = %d", s.RestartRetryLimit)
	}
	if s.DockerConnectRetries != 5 {
		t.Errorf("DockerConnectRetries = %d", s.DockerConnectRetries)
	}
	if s.StateFile != "/tmp/guerite_state.json" {
		t.Errorf("StateFile = %q", s.StateFile)
	}
	if !s.NotifyEnabled("update") || s.NotifyEnabled("prune") {
		t.Errorf("default notifications = %v", s.Notifications)
	}
}

func TestNotificationsAll(t *testing.T) {
	t.Setenv("GUERITE_NOTIFICATIONS", "all")
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	for _, cat := range AllNotifications {
		if !s.NotifyEnabled(cat) {
			t.Errorf("category %q not enabled by all", cat)
		}
	}
}

func TestNotificationsHealthCheckAlias(t *testing.T) {
	t.Setenv("GUERITE_NOTIFICATIONS", "health_check,prune")
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !s.NotifyEnabled("health") || !s.NotifyEnabled("health_check") {
		t.Error("health_check alias not honored")
	}
	if s.NotifyEnabled("update") {
		t.Error("update unexpectedly enabled")
	}
}

func TestSecondsRejectsNonPositive(t *testing.T) {
	t.Setenv("GUERITE_HEALTH_CHECK_BACKOFF_SECONDS", "0")
	t.Setenv("GUERITE_PRUNE_TIMEOUT_SECONDS", "-5")
	t.Setenv("GUERITE_STOP_TIMEOUT_SECONDS", "45")
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.HealthBackoff != 300*time.Second {
		t.Errorf("HealthBackoff = %v, want default for zero", s.HealthBackoff)
	}
	if s.PruneTimeout != 180*time.Second {
		t.Errorf("PruneTimeout = %v, want default for negative", s.PruneTimeout)
	}
	if s.StopTimeout != 45*time.Second {
		t.Errorf("StopTimeout = %v", s.StopTimeout)
	}
}

func TestConnectRetriesZeroMeansSingleAttempt(t *testing.T) {
	t.Setenv("GUERITE_DOCKER_CONNECT_RETRIES", "0")
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.DockerConnectRetries != 0 {
		t.Errorf("DockerConnectRetries = %d, want 0 preserved", s.DockerConnectRetries)
	}
}

func TestIncludeExcludeSets(t *testing.T) {
	t.Setenv("GUERITE_INCLUDE_NAMES", "app, db")
	t.Setenv("GUERITE_EXCLUDE_NAMES", "db")
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !s.NameSelected("app") {
		t.Error("app should be selected")
	}
	if s.NameSelected("db") {
		t.Error("db excluded, should not be selected")
	}
	if s.NameSelected("other") {
		t.Error("other not included, should not be selected")
	}
}

func TestYAMLFileUnderEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guerite.yml")
	content := "GUERITE_TZ: Europe/Lisbon\nGUERITE_RESTART_RETRY_LIMIT: 7\nGUERITE_DRY_RUN: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GUERITE_CONFIG", path)
	t.Setenv("GUERITE_TZ", "America/New_York") // env wins

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.Timezone != "America/New_York" {
		t.Errorf("Timezone = %q, want env override", s.Timezone)
	}
	if s.RestartRetryLimit != 7 {
		t.Errorf("RestartRetryLimit = %d, want 7 from file", s.RestartRetryLimit)
	}
	if !s.DryRun {
		t.Error("DryRun = false, want true from file")
	}
}

func TestBadConfigFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guerite.yml")
	if err := os.WriteFile(path, []byte("{ unclosed: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GUERITE_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
