package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// State is the daemon's published rendezvous record. The CLI and newly
// started daemon generations read it to find the running instance.
type State struct {
	PID                   int    `json:"pid"`
	StartedWithCLIVersion string `json:"startedWithCliVersion"`
	ControlPort           int    `json:"controlPort"`
	PublicPort            int    `json:"publicPort"`
	Secret                string `json:"secret"` // base64
	ConnectURL            string `json:"connectUrl"`
	TunnelURL             string `json:"tunnelUrl,omitempty"`
	StartedAt             int64  `json:"startedAt"`               // unix millis
	LastHeartbeat         int64  `json:"lastHeartbeat,omitempty"` // unix millis
}

// LoadState reads the state file. A missing file returns (nil, nil).
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}

// Save writes the state file atomically.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// RemoveStateIfOwned deletes the state file only when it still names pid as
// the owner; a replacement daemon's record is left alone.
func RemoveStateIfOwned(path string, pid int) {
	state, err := LoadState(path)
	if err != nil || state == nil || state.PID != pid {
		return
	}
	_ = os.Remove(path)
}
