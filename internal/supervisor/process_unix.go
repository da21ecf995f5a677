//go:build unix

package supervisor

import "golang.org/x/sys/unix"

// processAlive probes a PID with the zero signal.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// terminate sends SIGTERM, best effort.
func terminate(pid int) {
	_ = unix.Kill(pid, unix.SIGTERM)
}
