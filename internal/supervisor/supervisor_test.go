package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeTmux struct {
	mu      sync.Mutex
	nextPID int
	spawned []string // window names
	killed  []string
	failAll bool
}

func (f *fakeTmux) Spawn(ctx context.Context, name, dir string, env map[string]string, command []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return 0, fmt.Errorf("no tmux server")
	}
	f.nextPID++
	f.spawned = append(f.spawned, name)
	return 10000 + f.nextPID, nil
}

func (f *fakeTmux) Kill(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, name)
	return nil
}

func newTestSupervisor(t *testing.T, tmux *fakeTmux) *Supervisor {
	t.Helper()
	s := New(Options{
		Tmux:           tmux,
		Exe:            "/usr/local/bin/remcli",
		ScratchDir:     t.TempDir(),
		WebhookTimeout: 100 * time.Millisecond,
		ProcessEnv:     []string{"PATH=/usr/bin"},
	})
	// Fake children have fake PIDs; keep the pruner from reaping them.
	s.alive = func(int) bool { return true }
	return s
}

func TestSpawnAdoptsEarlyReport(t *testing.T) {
	tmux := &fakeTmux{}
	s := newTestSupervisor(t, tmux)
	dir := t.TempDir()

	// The webhook can land before Spawn tracks the PID; the report is then
	// recorded as an external child and must be adopted, not waited for.
	s.OnChildReport("S-early", 10001)

	result := s.Spawn(context.Background(), SpawnOptions{Directory: dir, Agent: AgentClaude})
	if result.Type != SpawnSuccess || result.SessionID != "S-early" {
		t.Fatalf("result = %+v", result)
	}

	children := s.List()
	if len(children) != 1 {
		t.Fatalf("children = %+v", children)
	}
	if children[0].StartedBy != StartedByDaemon || children[0].Window == "" {
		t.Errorf("adopted child = %+v", children[0])
	}
}

func TestSpawnResolvedByWebhook(t *testing.T) {
	tmux := &fakeTmux{}
	s := newTestSupervisor(t, tmux)
	dir := t.TempDir()

	done := make(chan SpawnResult, 1)
	go func() {
		done <- s.Spawn(context.Background(), SpawnOptions{Directory: dir, Agent: AgentClaude})
	}()

	// Wait for the child to be tracked, then deliver its self-report.
	var pid int
	deadline := time.After(2 * time.Second)
	for pid == 0 {
		select {
		case <-deadline:
			t.Fatal("child never tracked")
		default:
		}
		if children := s.List(); len(children) == 1 {
			pid = children[0].PID
		}
		time.Sleep(time.Millisecond)
	}
	s.OnChildReport("S1", pid)

	result := <-done
	if result.Type != SpawnSuccess || result.SessionID != "S1" {
		t.Fatalf("result = %+v", result)
	}

	children := s.List()
	if len(children) != 1 || children[0].SessionID != "S1" || children[0].StartedBy != StartedByDaemon {
		t.Errorf("children = %+v", children)
	}
}

func TestSpawnWebhookTimeout(t *testing.T) {
	tmux := &fakeTmux{}
	s := newTestSupervisor(t, tmux)

	result := s.Spawn(context.Background(), SpawnOptions{Directory: t.TempDir(), Agent: AgentClaude})
	if result.Type != SpawnError {
		t.Fatalf("result = %+v", result)
	}
	// The tracked child is discarded on timeout.
	if children := s.List(); len(children) != 0 {
		t.Errorf("children after timeout = %+v", children)
	}
}

func TestSpawnMissingDirectoryNeedsApproval(t *testing.T) {
	s := newTestSupervisor(t, &fakeTmux{})
	missing := filepath.Join(t.TempDir(), "not", "yet")

	result := s.Spawn(context.Background(), SpawnOptions{Directory: missing, Agent: AgentClaude})
	if result.Type != SpawnNeedsDirectoryApproval || result.Directory != missing {
		t.Fatalf("result = %+v", result)
	}
}

func TestSpawnCreatesApprovedDirectory(t *testing.T) {
	tmux := &fakeTmux{}
	s := newTestSupervisor(t, tmux)
	missing := filepath.Join(t.TempDir(), "workspaces", "new")

	done := make(chan SpawnResult, 1)
	go func() {
		done <- s.Spawn(context.Background(), SpawnOptions{
			Directory:                    missing,
			Agent:                        AgentClaude,
			ApprovedNewDirectoryCreation: true,
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("child never tracked")
		default:
		}
		if children := s.List(); len(children) == 1 {
			s.OnChildReport("S1", children[0].PID)
			break
		}
		time.Sleep(time.Millisecond)
	}

	if result := <-done; result.Type != SpawnSuccess {
		t.Fatalf("result = %+v", result)
	}
	if children := s.List(); children[0].Directory != missing {
		t.Error("directory not recorded")
	}
}

func TestSpawnTmuxFailure(t *testing.T) {
	s := newTestSupervisor(t, &fakeTmux{failAll: true})

	result := s.Spawn(context.Background(), SpawnOptions{Directory: t.TempDir(), Agent: AgentClaude})
	if result.Type != SpawnError {
		t.Fatalf("result = %+v", result)
	}
}

func TestExternalChildReport(t *testing.T) {
	s := newTestSupervisor(t, &fakeTmux{})

	s.OnChildReport("S-ext", 4242)

	children := s.List()
	if len(children) != 1 {
		t.Fatalf("children = %+v", children)
	}
	if children[0].StartedBy != StartedByExternal || children[0].SessionID != "S-ext" || children[0].PID != 4242 {
		t.Errorf("child = %+v", children[0])
	}
}

func TestStopBySessionID(t *testing.T) {
	tmux := &fakeTmux{}
	s := newTestSupervisor(t, tmux)

	done := make(chan SpawnResult, 1)
	go func() {
		done <- s.Spawn(context.Background(), SpawnOptions{Directory: t.TempDir(), Agent: AgentClaude})
	}()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("child never tracked")
		default:
		}
		if children := s.List(); len(children) == 1 {
			s.OnChildReport("S1", children[0].PID)
			break
		}
		time.Sleep(time.Millisecond)
	}
	<-done

	if !s.Stop(context.Background(), "S1") {
		t.Fatal("stop returned false")
	}
	// Daemon-spawned children die with their window.
	if len(tmux.killed) != 1 {
		t.Errorf("killed windows = %v", tmux.killed)
	}
	if len(s.List()) != 0 {
		t.Error("child still tracked after stop")
	}
	if s.Stop(context.Background(), "S1") {
		t.Error("second stop should return false")
	}
}

func TestStopByPIDFallback(t *testing.T) {
	s := newTestSupervisor(t, &fakeTmux{})
	s.OnChildReport("", 5151)

	if !s.Stop(context.Background(), "PID-5151") {
		t.Fatal("stop by PID fallback failed")
	}
	if s.Stop(context.Background(), "PID-5151") {
		t.Error("stopped child should be forgotten")
	}
	if s.Stop(context.Background(), "PID-not-a-number") {
		t.Error("malformed PID fallback must not match")
	}
}

func TestPrune(t *testing.T) {
	s := newTestSupervisor(t, &fakeTmux{})
	s.OnChildReport("alive", 100)
	s.OnChildReport("dead", 200)

	s.alive = func(pid int) bool { return pid == 100 }
	s.Prune()

	children := s.List()
	if len(children) != 1 || children[0].PID != 100 {
		t.Errorf("children after prune = %+v", children)
	}
}
