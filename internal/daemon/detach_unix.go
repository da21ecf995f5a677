//go:build unix

package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// SpawnDetached launches exe with args in its own session, detached from the
// current terminal, with output appended to daemon.log under logDir. Returns
// the new PID.
func SpawnDetached(exe string, args []string, logDir string) (int, error) {
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "daemon.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start detached: %w", err)
	}
	pid := cmd.Process.Pid

	// Detach fully; the child outlives us.
	_ = cmd.Process.Release()
	return pid, nil
}

// killProcess force-kills a PID, best effort.
func killProcess(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
