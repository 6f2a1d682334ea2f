package locking

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/log"
)

// DefaultStaleThreshold is how old an orphaned sentinel lock must be before
// it is reclaimed.
const DefaultStaleThreshold = 5 * time.Minute

// ownerInfo is written into the lock file so stale locks can be attributed
// and reclaimed.
type ownerInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// FileLock provides mutual exclusion across processes via an advisory OS
// file lock, with a create-exclusive sentinel fallback for filesystems that
// reject flock (some network mounts). Acquisition retries with bounded
// exponential backoff and jitter; sentinel locks whose owner is gone and
// older than the stale threshold are reclaimed.
//
// A FileLock is re-entrant-safe per process: an in-process gate serializes
// goroutines before the OS lock is touched, so concurrent acquirers in one
// process queue instead of fighting over the file.
type FileLock struct {
	path       string
	staleAfter time.Duration
	gate       chan struct{} // capacity 1; in-process exclusivity
	fl         *flock.Flock
	sentinel   bool // fallback mode: O_CREATE|O_EXCL sentinel file
}

// NewFileLock creates a process lock backed by the given path. The parent
// directory is created on first acquisition.
func NewFileLock(path string, staleAfter time.Duration) *FileLock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleThreshold
	}
	return &FileLock{
		path:       path,
		staleAfter: staleAfter,
		gate:       make(chan struct{}, 1),
		fl:         flock.New(path),
	}
}

// SupportsOSLock reports whether the platform offers a true cross-process
// advisory lock. Callers on platforms without one should treat the sentinel
// fallback as best-effort.
func SupportsOSLock() bool {
	switch {
	case os.PathSeparator == '/':
		return true // flock on POSIX
	default:
		return true // LockFileEx on Windows via gofrs/flock
	}
}

// UsingFallback reports whether this lock degraded to sentinel-file mode.
func (l *FileLock) UsingFallback() bool {
	return l.sentinel
}

// Acquire obtains the lock, retrying until the context expires. It returns
// ErrTimeout when the deadline passes and ErrLockStale when a stale sentinel
// was detected but could not be reclaimed.
func (l *FileLock) Acquire(ctx context.Context) error {
	// In-process gate first: goroutines of this process queue here.
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errdefs.Timeout("process lock %s: in-process gate", l.path)
		}
		return ctx.Err()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		<-l.gate
		return errdefs.Internal("failed to create lock directory: %v", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // the context carries the deadline

	for {
		ok, err := l.tryAcquire()
		if err != nil {
			<-l.gate
			return err
		}
		if ok {
			l.writeOwner()
			return nil
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			<-l.gate
			if ctx.Err() == context.DeadlineExceeded {
				return errdefs.Timeout("process lock %s not acquired in time", l.path)
			}
			return ctx.Err()
		}
	}
}

// Release drops the lock. Safe to call once per successful Acquire.
func (l *FileLock) Release() error {
	var err error
	if l.sentinel {
		err = os.Remove(l.path)
	} else {
		// The lock file itself stays; removing it would let a racing
		// process lock a fresh inode while a third still holds the old one.
		err = l.fl.Unlock()
	}
	<-l.gate
	return err
}

// tryAcquire attempts one non-blocking acquisition, switching to sentinel
// mode when the filesystem rejects advisory locks.
func (l *FileLock) tryAcquire() (bool, error) {
	if !l.sentinel {
		ok, err := l.fl.TryLock()
		if err == nil {
			return ok, nil
		}
		if errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP) || errors.Is(err, syscall.ENOLCK) {
			logger := log.WithComponent("locking")
			logger.Warn().
				Str("path", l.path).Err(err).
				Msg("advisory lock unsupported, falling back to sentinel file")
			l.sentinel = true
		} else {
			return false, errdefs.Internal("flock %s: %v", l.path, err)
		}
	}
	return l.trySentinel()
}

// trySentinel performs a create-exclusive acquisition with stale reclaim.
func (l *FileLock) trySentinel() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		f.Close()
		return true, nil
	}
	if !os.IsExist(err) {
		return false, errdefs.Internal("create lock sentinel %s: %v", l.path, err)
	}

	if l.isStale() {
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, errdefs.LockStale("lock %s could not be reclaimed: %v", l.path, rmErr)
		}
		logger := log.WithComponent("locking")
		logger.Warn().
			Str("path", l.path).
			Msg("reclaimed stale process lock")
	}
	return false, nil
}

// isStale reports whether the current sentinel is older than the threshold
// and its recorded owner process no longer exists.
func (l *FileLock) isStale() bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) < l.staleAfter {
		return false
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var owner ownerInfo
	if err := json.Unmarshal(data, &owner); err != nil {
		// Unreadable owner payload on an old file: treat as stale.
		return true
	}
	return !processAlive(owner.PID)
}

// writeOwner records this process as the lock holder. Best effort; the lock
// itself is already held.
func (l *FileLock) writeOwner() {
	host, _ := os.Hostname()
	data, err := json.Marshal(ownerInfo{
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(l.path, data, 0600)
}

// processAlive reports whether a PID refers to a live process on this host.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
