// Package tmuxctl drives a dedicated tmux session that hosts the agent child
// processes. Every spawned child gets its own window, which gives it a real
// PTY and lets the user attach to watch or intervene.
package tmuxctl

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Controller shells out to the tmux binary. All windows live in one tmux
// session named by Session.
type Controller struct {
	Session string
}

// New creates a Controller for the given tmux session name.
func New(session string) *Controller {
	return &Controller{Session: session}
}

// Available reports whether a tmux binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

// Window is one live window in the controller's session.
type Window struct {
	Name    string
	PanePID int
}

// Spawn launches command in a new window and returns the PID of the window's
// pane process. The session is created on first use. Extra environment
// variables are applied to the new window only.
func (c *Controller) Spawn(ctx context.Context, name, dir string, env map[string]string, command []string) (int, error) {
	if len(command) == 0 {
		return 0, fmt.Errorf("empty command")
	}

	var args []string
	if c.sessionExists(ctx) {
		args = []string{"new-window", "-d", "-t", c.Session, "-n", name, "-c", dir, "-P", "-F", "#{pane_pid}"}
	} else {
		args = []string{"new-session", "-d", "-s", c.Session, "-n", name, "-c", dir, "-P", "-F", "#{pane_pid}"}
	}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, command...)

	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		return 0, fmt.Errorf("tmux spawn %s: %w", name, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", strings.TrimSpace(string(out)), err)
	}
	return pid, nil
}

// Kill terminates the named window. Missing windows are not an error.
func (c *Controller) Kill(ctx context.Context, name string) error {
	err := exec.CommandContext(ctx, "tmux", "kill-window", "-t", c.Session+":"+name).Run()
	if err != nil && c.sessionExists(ctx) && c.windowExists(ctx, name) {
		return fmt.Errorf("tmux kill-window %s: %w", name, err)
	}
	return nil
}

// List returns the windows of the controller's session with their pane PIDs.
// A missing session lists as empty.
func (c *Controller) List(ctx context.Context) ([]Window, error) {
	out, err := exec.CommandContext(ctx, "tmux",
		"list-windows", "-t", c.Session, "-F", "#{window_name}|#{pane_pid}").Output()
	if err != nil {
		if !c.sessionExists(ctx) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-windows: %w", err)
	}

	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		name, pidStr, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
		if err != nil {
			continue
		}
		windows = append(windows, Window{Name: name, PanePID: pid})
	}
	return windows, nil
}

func (c *Controller) sessionExists(ctx context.Context) bool {
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", c.Session).Run() == nil
}

func (c *Controller) windowExists(ctx context.Context, name string) bool {
	windows, err := c.List(ctx)
	if err != nil {
		return false
	}
	for _, w := range windows {
		if w.Name == name {
			return true
		}
	}
	return false
}
