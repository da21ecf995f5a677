// Package supervisor spawns, tracks and reaps the AI-agent child processes.
// Children launch in tmux windows so they own a PTY; each child proves it
// came up by posting a self-report webhook within a deadline, which is how
// the spawned PID gets bound to its session id.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultWebhookTimeout bounds how long a spawn waits for the child's
// self-report.
const DefaultWebhookTimeout = 15 * time.Second

// StartedBy records whether this daemon spawned the child or it announced
// itself from outside.
type StartedBy string

const (
	StartedByDaemon   StartedBy = "daemon"
	StartedByExternal StartedBy = "external"
)

// TrackedChild is one live (or believed-live) agent process.
type TrackedChild struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId,omitempty"`
	Window    string    `json:"window,omitempty"`
	Directory string    `json:"directory,omitempty"`
	Agent     Agent     `json:"agent,omitempty"`
	StartedBy StartedBy `json:"startedBy"`
	StartedAt time.Time `json:"startedAt"`
}

// SpawnOptions describes a spawn request.
type SpawnOptions struct {
	Directory                    string            `json:"directory"`
	Agent                        Agent             `json:"agent"`
	AuthToken                    string            `json:"authToken,omitempty"`
	Env                          map[string]string `json:"env,omitempty"`
	ApprovedNewDirectoryCreation bool              `json:"approvedNewDirectoryCreation,omitempty"`
}

// Spawn result discriminators.
const (
	SpawnSuccess                = "success"
	SpawnNeedsDirectoryApproval = "requestToApproveDirectoryCreation"
	SpawnError                  = "error"
)

// SpawnResult is the tri-state outcome of a spawn request.
type SpawnResult struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId,omitempty"`
	Directory    string `json:"directory,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// WindowSpawner is the slice of tmuxctl the supervisor needs.
type WindowSpawner interface {
	Spawn(ctx context.Context, name, dir string, env map[string]string, command []string) (int, error)
	Kill(ctx context.Context, name string) error
}

// Options configures a Supervisor.
type Options struct {
	Tmux           WindowSpawner
	Logger         *slog.Logger
	Exe            string   // path to the daemon's own binary, re-invoked as the child CLI
	ScratchDir     string   // parent dir for disposable credential dirs; "" = os temp
	WebhookTimeout time.Duration
	ProcessEnv     []string // defaults to os.Environ()
}

// Supervisor owns the PID → child map and the one-shot spawn awaiters.
type Supervisor struct {
	logger         *slog.Logger
	tmux           WindowSpawner
	exe            string
	scratchDir     string
	webhookTimeout time.Duration
	processEnv     []string
	alive          func(pid int) bool

	mu        sync.Mutex
	children  map[int]*TrackedChild
	awaiters  map[int]chan string
	windowSeq int
}

// New creates a Supervisor.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.WebhookTimeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	processEnv := opts.ProcessEnv
	if processEnv == nil {
		processEnv = os.Environ()
	}
	return &Supervisor{
		logger:         logger.With("component", "supervisor"),
		tmux:           opts.Tmux,
		exe:            opts.Exe,
		scratchDir:     opts.ScratchDir,
		webhookTimeout: timeout,
		processEnv:     processEnv,
		alive:          processAlive,
		children:       make(map[int]*TrackedChild),
		awaiters:       make(map[int]chan string),
	}
}

// Spawn launches a child per opts and waits for its self-report webhook.
// Returns needsDirectoryApproval instead of creating a missing working
// directory unless the request pre-approved creation.
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) SpawnResult {
	if opts.Directory == "" {
		return SpawnResult{Type: SpawnError, ErrorMessage: "directory is required"}
	}

	if _, err := os.Stat(opts.Directory); err != nil {
		if !os.IsNotExist(err) {
			return SpawnResult{Type: SpawnError, ErrorMessage: fmt.Sprintf("stat directory: %v", err)}
		}
		if !opts.ApprovedNewDirectoryCreation {
			return SpawnResult{Type: SpawnNeedsDirectoryApproval, Directory: opts.Directory}
		}
		if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
			return SpawnResult{Type: SpawnError, ErrorMessage: fmt.Sprintf("create directory: %v", err)}
		}
	}

	auth, err := authEnv(opts.Agent, opts.AuthToken, s.scratchDir)
	if err != nil {
		return SpawnResult{Type: SpawnError, ErrorMessage: err.Error()}
	}
	env, err := composeEnv(s.processEnv, opts.Env, auth)
	if err != nil {
		return SpawnResult{Type: SpawnError, ErrorMessage: err.Error()}
	}

	s.mu.Lock()
	s.windowSeq++
	window := fmt.Sprintf("remcli-%d", s.windowSeq)
	s.mu.Unlock()

	command := []string{s.exe, "--remcli-starting-mode", "remote", "--started-by", "daemon"}
	pid, err := s.tmux.Spawn(ctx, window, opts.Directory, env, command)
	if err != nil {
		return SpawnResult{Type: SpawnError, ErrorMessage: fmt.Sprintf("spawn child: %v", err)}
	}

	awaiter := make(chan string, 1)
	s.mu.Lock()
	// A fast child can post its webhook before this insert runs, in which
	// case OnChildReport already recorded the PID as external. Adopt that
	// binding instead of waiting for a report that already happened.
	if prior, ok := s.children[pid]; ok && prior.SessionID != "" {
		prior.StartedBy = StartedByDaemon
		prior.Window = window
		prior.Directory = opts.Directory
		prior.Agent = opts.Agent
		sessionID := prior.SessionID
		s.mu.Unlock()
		s.logger.Info("child reported before tracking", "pid", pid, "session", sessionID)
		return SpawnResult{Type: SpawnSuccess, SessionID: sessionID}
	}
	s.children[pid] = &TrackedChild{
		PID:       pid,
		Window:    window,
		Directory: opts.Directory,
		Agent:     opts.Agent,
		StartedBy: StartedByDaemon,
		StartedAt: time.Now(),
	}
	s.awaiters[pid] = awaiter
	s.mu.Unlock()

	s.logger.Info("child spawned", "pid", pid, "window", window, "agent", opts.Agent)

	timer := time.NewTimer(s.webhookTimeout)
	defer timer.Stop()

	select {
	case sessionID := <-awaiter:
		return SpawnResult{Type: SpawnSuccess, SessionID: sessionID}
	case <-timer.C:
		s.discard(pid)
		s.logger.Warn("child never reported", "pid", pid)
		return SpawnResult{Type: SpawnError, ErrorMessage: fmt.Sprintf("child (pid %d) did not report within %s", pid, s.webhookTimeout)}
	case <-ctx.Done():
		s.discard(pid)
		return SpawnResult{Type: SpawnError, ErrorMessage: ctx.Err().Error()}
	}
}

// OnChildReport handles the child self-report webhook. A report for a spawned
// PID enriches that child and resolves its awaiter; a report for an unknown
// PID registers an externally started child.
func (s *Supervisor) OnChildReport(sessionID string, hostPID int) {
	s.mu.Lock()
	child, tracked := s.children[hostPID]
	if tracked {
		if child.SessionID == "" {
			child.SessionID = sessionID
		}
		awaiter := s.awaiters[hostPID]
		delete(s.awaiters, hostPID)
		s.mu.Unlock()
		if awaiter != nil {
			awaiter <- sessionID
		}
		s.logger.Info("child reported", "pid", hostPID, "session", sessionID)
		return
	}

	s.children[hostPID] = &TrackedChild{
		PID:       hostPID,
		SessionID: sessionID,
		StartedBy: StartedByExternal,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()
	s.logger.Info("external child registered", "pid", hostPID, "session", sessionID)
}

// List snapshots the tracked children.
func (s *Supervisor) List() []TrackedChild {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TrackedChild, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, *c)
	}
	return out
}

// Stop terminates the child owning sessionID and forgets it. The id may also
// be the "PID-<n>" fallback form for children that never bound a session.
// Daemon-spawned children die with their tmux window; external ones get a
// TERM signal.
func (s *Supervisor) Stop(ctx context.Context, sessionID string) bool {
	s.mu.Lock()
	var child *TrackedChild
	for _, c := range s.children {
		if c.SessionID == sessionID {
			child = c
			break
		}
	}
	if child == nil {
		if n, ok := strings.CutPrefix(sessionID, "PID-"); ok {
			if pid, err := strconv.Atoi(n); err == nil {
				child = s.children[pid]
			}
		}
	}
	if child == nil {
		s.mu.Unlock()
		return false
	}
	delete(s.children, child.PID)
	delete(s.awaiters, child.PID)
	s.mu.Unlock()

	if child.StartedBy == StartedByDaemon && child.Window != "" {
		if err := s.tmux.Kill(ctx, child.Window); err != nil {
			s.logger.Warn("kill window", "window", child.Window, "error", err)
			terminate(child.PID)
		}
	} else {
		terminate(child.PID)
	}

	s.logger.Info("child stopped", "pid", child.PID, "session", child.SessionID)
	return true
}

// StopAll terminates every tracked child. Called during shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, c := range s.List() {
		id := c.SessionID
		if id == "" {
			id = fmt.Sprintf("PID-%d", c.PID)
		}
		s.Stop(ctx, id)
	}
}

// Prune drops tracked children whose process no longer exists. Called on
// every heartbeat tick.
func (s *Supervisor) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, c := range s.children {
		if s.alive(pid) {
			continue
		}
		delete(s.children, pid)
		delete(s.awaiters, pid)
		s.logger.Info("pruned dead child", "pid", pid, "session", c.SessionID)
	}
}

func (s *Supervisor) discard(pid int) {
	s.mu.Lock()
	delete(s.children, pid)
	delete(s.awaiters, pid)
	s.mu.Unlock()
}
