package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked means another daemon generation holds the lock.
var ErrLocked = errors.New("daemon lock held by another process")

// Lock is the daemon's single-instance guard: an OS file lock with the
// owner's PID written into the file for diagnostics.
type Lock struct {
	fl   *flock.Flock
	path string
}

// AcquireLock tries to take the exclusive daemon lock, retrying until wait
// elapses (a replaced daemon needs a moment to let go during upgrades).
func AcquireLock(path string, wait time.Duration) (*Lock, error) {
	fl := flock.New(path)
	deadline := time.Now().Add(wait)

	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire daemon lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrLocked
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write lock pid: %w", err)
	}
	return &Lock{fl: fl, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() {
	_ = l.fl.Unlock()
	_ = os.Remove(l.path)
}

// LockOwnerPID reads the PID recorded in a lock file, 0 if unreadable.
func LockOwnerPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil {
		return 0
	}
	return pid
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
