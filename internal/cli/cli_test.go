package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/remcli/remcli/internal/authkit"
	"github.com/remcli/remcli/internal/config"
	"github.com/remcli/remcli/internal/control"
	"github.com/remcli/remcli/internal/daemon"
	"github.com/remcli/remcli/internal/events"
	"github.com/remcli/remcli/internal/public"
	"github.com/remcli/remcli/internal/rpc"
	"github.com/remcli/remcli/internal/store"
	"github.com/remcli/remcli/internal/supervisor"
)

type nopTmux struct{}

func (nopTmux) Spawn(ctx context.Context, name, dir string, env map[string]string, command []string) (int, error) {
	return 1, nil
}
func (nopTmux) Kill(ctx context.Context, name string) error { return nil }

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3-test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "1.2.3-test" {
		t.Errorf("version output = %q", out)
	}
}

func TestDaemonStatusNotRunning(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", t.TempDir())

	out, err := runCommand(t, "daemon", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("status output = %q", out)
	}
}

func TestDaemonStatusRunning(t *testing.T) {
	home := t.TempDir()
	t.Setenv("REMCLI_HOME_DIR", home)

	sup := supervisor.New(supervisor.Options{Tmux: nopTmux{}, ProcessEnv: []string{}})
	srv := control.New(sup, control.Hooks{
		Status: func() control.Status {
			return control.Status{PID: 4321, Version: "1.2.3-test", StartedAt: time.Now()}
		},
		Shutdown: func(string) {},
	}, nil)
	port, err := srv.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop(t.Context()) })

	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		t.Fatal(err)
	}
	state := &daemon.State{PID: 4321, ControlPort: port, StartedWithCLIVersion: "1.2.3-test"}
	if err := state.Save(cfg.StateFilePath()); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, "daemon", "status")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "running") || !strings.Contains(out, "4321") {
		t.Errorf("status output = %q", out)
	}
}

// startPublicAPI brings up a real public plane and returns its port, token
// and store.
func startPublicAPI(t *testing.T) (int, string, *store.Store) {
	t.Helper()

	secret, err := authkit.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	st := store.New(store.Options{})
	srv := httptest.NewServer(public.NewServer(public.Options{
		Secret: secret,
		Store:  st,
		Events: events.NewRouter(st, nil),
		RPC:    rpc.NewRegistry(nil),
	}).Routes())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return port, authkit.DeriveToken(secret), st
}

func TestRegisterSession(t *testing.T) {
	port, token, st := startPublicAPI(t)

	id, err := registerSession(port, token, "daemon")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	if st.GetSession(id) == nil {
		t.Fatalf("session %q not in store", id)
	}

	// Same working directory, same tag: the existing session is rebound.
	again, err := registerSession(port, token, "daemon")
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("rebind returned %q, want %q", again, id)
	}
}

func TestConnectWithoutDaemon(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", t.TempDir())

	if _, err := runCommand(t, "connect"); err == nil {
		t.Error("connect without a daemon should fail")
	}
}

func TestRemoteModeWithoutDaemon(t *testing.T) {
	t.Setenv("REMCLI_HOME_DIR", t.TempDir())

	if _, err := runCommand(t, "--remcli-starting-mode", "remote", "--started-by", "daemon"); err == nil {
		t.Error("remote mode without a daemon state file should fail")
	}
}
