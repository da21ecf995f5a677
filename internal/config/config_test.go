package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", "/tmp/remcli-test")
	t.Setenv("REMCLI_VARIANT", "")
	t.Setenv("REMCLI_DAEMON_HEARTBEAT_INTERVAL", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HomeDir != "/tmp/remcli-test" {
		t.Errorf("HomeDir = %q", cfg.HomeDir)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.TmuxSession() != "remcli" {
		t.Errorf("TmuxSession = %q", cfg.TmuxSession())
	}
}

func TestFromEnvVariantSuffix(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", "/tmp/remcli-test")
	t.Setenv("REMCLI_VARIANT", "dev")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HomeDir != "/tmp/remcli-test-dev" {
		t.Errorf("HomeDir = %q", cfg.HomeDir)
	}
	if cfg.TmuxSession() != "remcli-dev" {
		t.Errorf("TmuxSession = %q", cfg.TmuxSession())
	}
}

func TestFromEnvHeartbeatInterval(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", "/tmp/remcli-test")
	t.Setenv("REMCLI_DAEMON_HEARTBEAT_INTERVAL", "5s")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}

	t.Setenv("REMCLI_DAEMON_HEARTBEAT_INTERVAL", "bogus")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for unparsable interval")
	}
	t.Setenv("REMCLI_DAEMON_HEARTBEAT_INTERVAL", "-10s")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for negative interval")
	}
}

func TestPaths(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", "/tmp/remcli-test")
	t.Setenv("REMCLI_VARIANT", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.StateFilePath(); got != filepath.Join(cfg.HomeDir, "daemon.state.json") {
		t.Errorf("StateFilePath = %q", got)
	}
	if got := cfg.UsageDBPath(); got != filepath.Join(cfg.HomeDir, "usage.db") {
		t.Errorf("UsageDBPath = %q", got)
	}
}
