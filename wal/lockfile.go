package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// processLock is the "lock-file recorded at init" from spec.md §4.1: it
// contains the owning process identifier, and startup takes over a stale
// lock if the recorded process is no longer alive. The advisory OS lock
// (gofrs/flock, a direct teacher dependency) backstops the PID check against
// false takeovers on platforms where PID reuse is plausible.
type processLock struct {
	path string
	fl   *flock.Flock
}

func acquireProcessLock(dir string) (*processLock, error) {
	path := filepath.Join(dir, "LOCK")
	fl := flock.New(path + ".flock")

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire wal lock: %w", err)
	}
	if !locked {
		if owner, ok := readLockOwner(path); ok && pidAlive(owner) {
			return nil, fmt.Errorf("wal directory %s is owned by live process %d", dir, owner)
		}
		// Lock file present but OS advisory lock is free or the owner is
		// dead: force takeover.
		_ = fl.Unlock()
		locked, err = fl.TryLock()
		if err != nil || !locked {
			return nil, fmt.Errorf("wal directory %s is locked by another process", dir)
		}
	} else if owner, ok := readLockOwner(path); ok && pidAlive(owner) && owner != os.Getpid() {
		_ = fl.Unlock()
		return nil, fmt.Errorf("wal directory %s is owned by live process %d", dir, owner)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("write wal lock file: %w", err)
	}
	return &processLock{path: path, fl: fl}, nil
}

func (l *processLock) Release() error {
	if l == nil {
		return nil
	}
	_ = os.Remove(l.path)
	return l.fl.Unlock()
}

func readLockOwner(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// pidAlive reports whether pid refers to a live process by sending the null
// signal, the standard POSIX liveness probe.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}
