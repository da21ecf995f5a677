package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.state.json")

	state := &State{
		PID:                   1234,
		StartedWithCLIVersion: "1.2.3",
		ControlPort:           40001,
		PublicPort:            40002,
		Secret:                "c2VjcmV0",
		ConnectURL:            "http://192.168.1.5:40002/terminal/connect#abc",
		StartedAt:             1700000000000,
	}
	if err := state.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || *loaded != *state {
		t.Errorf("loaded = %+v, want %+v", loaded, state)
	}
}

func TestLoadStateMissing(t *testing.T) {
	state, err := LoadState(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil || state != nil {
		t.Errorf("missing file = (%+v, %v), want (nil, nil)", state, err)
	}
}

func TestLoadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.state.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(path); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestRemoveStateIfOwned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.state.json")
	state := &State{PID: 1234}
	if err := state.Save(path); err != nil {
		t.Fatal(err)
	}

	// A different PID must not remove someone else's record.
	RemoveStateIfOwned(path, 9999)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("state removed by non-owner")
	}

	RemoveStateIfOwned(path, 1234)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("state not removed by owner")
	}
}
