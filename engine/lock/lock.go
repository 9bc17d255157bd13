// Package lock implements the per-WAN process-exclusive file lock:
// create-exclusive with stale-owner detection. Acquire registers no release
// hook; the holder calls Release, or arms ReleaseOnSignal itself. A lock
// left behind by a process that died without releasing it is reclaimed by
// the next Acquire's liveness check.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyHeld is returned when the lock is held by another live process.
var ErrAlreadyHeld = errors.New("lock: already held by a live process")

// Lock is a held, exclusive file lock. Call Release (or arm
// ReleaseOnSignal) to give it up.
type Lock struct {
	path     string
	released bool
}

// Path returns the filesystem path backing this lock.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReleaseOnSignal arms a terminator hook: the first value received on c
// releases the lock. That value is consumed by the hook and c is not read
// again, so a caller that also handles shutdown needs its own channel.
// This handles the graceful-signal case;
// abrupt termination (SIGKILL, power loss) is covered
// by the stale-owner liveness check on the next Acquire, not by this hook.
func (l *Lock) ReleaseOnSignal(c <-chan os.Signal) {
	go func() {
		<-c
		_ = l.Release()
	}()
}

type payload struct {
	PID       int
	CreatedAt time.Time
}

func encode(p payload) string {
	return fmt.Sprintf("%d\n%d\n", p.PID, p.CreatedAt.UnixNano())
}

func decode(s string) (payload, error) {
	lines := strings.SplitN(strings.TrimSpace(s), "\n", 2)
	if len(lines) == 0 {
		return payload{}, errors.New("lock: empty lock file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return payload{}, fmt.Errorf("lock: parse pid: %w", err)
	}
	var createdAt time.Time
	if len(lines) > 1 {
		if ns, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
			createdAt = time.Unix(0, ns)
		}
	}
	return payload{PID: pid, CreatedAt: createdAt}, nil
}

// isLive reports whether pid names a live process. On POSIX systems sending
// signal 0 is the cheap, standard liveness probe: it performs permission and
// existence checks without actually delivering a signal.
func isLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but we can't signal it: still live.
	var errno syscall.Errno
	if errors.As(err, &errno) && errno == syscall.EPERM {
		return true
	}
	return false
}

// Acquire attempts to take the lock at path. On collision with a stale
// (non-live) owner, the stale file is removed and acquisition is retried
// exactly once before failing.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(encode(payload{PID: os.Getpid(), CreatedAt: time.Now()}))
			cerr := f.Close()
			if werr != nil {
				_ = os.Remove(path)
				return nil, werr
			}
			if cerr != nil {
				_ = os.Remove(path)
				return nil, cerr
			}
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			if os.IsNotExist(rerr) {
				// Raced with the holder's release; retry immediately.
				continue
			}
			return nil, rerr
		}
		holder, derr := decode(string(raw))
		if derr != nil {
			// Unreadable lock file: treat as stale and reclaim it.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, rmErr
			}
			continue
		}
		if isLive(holder.PID) {
			return nil, ErrAlreadyHeld
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		// Loop back and retry the exclusive create exactly once.
	}
	return nil, ErrAlreadyHeld
}
