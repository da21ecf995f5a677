// Package config resolves the daemon's environment-driven configuration and
// the well-known file paths under the remcli home directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultHeartbeatInterval is how often the daemon runs its housekeeping
// tick.
const DefaultHeartbeatInterval = 60 * time.Second

// Config is the resolved daemon configuration.
type Config struct {
	// HomeDir is the remcli state directory, REMCLI_HOME_DIR or ~/.remcli,
	// suffixed by the variant when one is set.
	HomeDir string

	// Variant isolates parallel installs (e.g. "dev"): it suffixes the home
	// directory and the tmux session name.
	Variant string

	Experimental bool

	// NoSleep disables the sleep-inhibition helper.
	NoSleep bool

	// WebappDir overrides the embedded web bundle location.
	WebappDir string

	// Tunnel selects a tunnel provider ("cloudflared") or is empty for LAN
	// only.
	Tunnel string

	HeartbeatInterval time.Duration
}

// FromEnv resolves the configuration from the process environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Variant:           os.Getenv("REMCLI_VARIANT"),
		Experimental:      os.Getenv("REMCLI_EXPERIMENTAL") != "",
		NoSleep:           os.Getenv("REMCLI_NO_SLEEP") != "",
		WebappDir:         os.Getenv("REMCLI_WEBAPP_DIR"),
		Tunnel:            os.Getenv("REMCLI_TUNNEL"),
		HeartbeatInterval: DefaultHeartbeatInterval,
	}

	if raw := os.Getenv("REMCLI_DAEMON_HEARTBEAT_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parse REMCLI_DAEMON_HEARTBEAT_INTERVAL: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("REMCLI_DAEMON_HEARTBEAT_INTERVAL must be positive, got %s", d)
		}
		cfg.HeartbeatInterval = d
	}

	home := os.Getenv("REMCLI_HOME_DIR")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".remcli")
	}
	if cfg.Variant != "" {
		home += "-" + cfg.Variant
	}
	cfg.HomeDir = home

	return cfg, nil
}

// EnsureHome creates the home directory if missing.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.HomeDir, 0o700); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}
	return nil
}

// TmuxSession is the tmux session name hosting spawned children.
func (c *Config) TmuxSession() string {
	if c.Variant != "" {
		return "remcli-" + c.Variant
	}
	return "remcli"
}

// Paths under the home directory.

func (c *Config) LockPath() string          { return filepath.Join(c.HomeDir, "daemon.lock") }
func (c *Config) StateFilePath() string     { return filepath.Join(c.HomeDir, "daemon.state.json") }
func (c *Config) SnapshotPath() string      { return filepath.Join(c.HomeDir, "store-snapshot.json") }
func (c *Config) UsageDBPath() string       { return filepath.Join(c.HomeDir, "usage.db") }
func (c *Config) VersionMarkerPath() string { return filepath.Join(c.HomeDir, "version") }
func (c *Config) ScratchDir() string        { return filepath.Join(c.HomeDir, "scratch") }
