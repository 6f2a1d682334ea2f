package locking

import (
	"context"
	"sync"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// RWLock allows N concurrent readers or one exclusive writer, with FIFO
// writer fairness: once a writer is queued, new readers are held back until
// every earlier writer has been granted and released. All acquisitions honor
// context cancellation and deadlines; a timed-out waiter removes itself from
// the queue atomically and is never woken afterwards.
type RWLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	readQ   []*waiter
	writeQ  []*waiter
}

type waiter struct {
	ready   chan struct{} // closed on grant
	granted bool          // written under RWLock.mu
}

// NewRWLock creates an idle lock.
func NewRWLock() *RWLock {
	return &RWLock{}
}

// RLock acquires a shared read slot. Readers are admitted immediately only
// when no writer is active and no writer is queued; otherwise the caller
// waits behind the pending writers.
func (l *RWLock) RLock(ctx context.Context) error {
	l.mu.Lock()
	if !l.writer && len(l.writeQ) == 0 {
		l.readers++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.readQ = append(l.readQ, w)
	l.mu.Unlock()

	return l.wait(ctx, w, false)
}

// RUnlock releases a read slot. When the last reader leaves and writers are
// queued, the head writer is granted.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.readers--
	if l.readers < 0 {
		panic("locking: RUnlock without matching RLock")
	}
	if l.readers == 0 && !l.writer && len(l.writeQ) > 0 {
		l.grantWriterLocked()
	}
}

// Lock acquires the exclusive write slot. Writers queue FIFO; a writer is
// granted once the reader count is zero and no other writer is active.
func (l *RWLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.writer && l.readers == 0 && len(l.writeQ) == 0 {
		l.writer = true
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	l.writeQ = append(l.writeQ, w)
	l.mu.Unlock()

	return l.wait(ctx, w, true)
}

// Unlock releases the write slot. Queued writers take priority; otherwise
// every queued reader is admitted at once.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.writer {
		panic("locking: Unlock without matching Lock")
	}
	l.writer = false

	if len(l.writeQ) > 0 {
		l.grantWriterLocked()
		return
	}
	l.grantReadersLocked()
}

// WithRead runs fn while holding a read slot, releasing on every exit path
// including panics.
func (l *RWLock) WithRead(ctx context.Context, fn func() error) error {
	if err := l.RLock(ctx); err != nil {
		return err
	}
	defer l.RUnlock()
	return fn()
}

// WithWrite runs fn while holding the write slot, releasing on every exit
// path including panics.
func (l *RWLock) WithWrite(ctx context.Context, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// wait blocks until the waiter is granted or the context expires. When a
// grant races with expiry, the grant is rolled back so the caller observes a
// clean timeout with no side effects.
func (l *RWLock) wait(ctx context.Context, w *waiter, write bool) error {
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	if w.granted {
		// Granted between ctx expiry and queue removal. Roll the grant
		// back; the caller must see a timeout, not a held lock.
		l.mu.Unlock()
		if write {
			l.Unlock()
		} else {
			l.RUnlock()
		}
	} else {
		if write {
			l.writeQ = removeWaiter(l.writeQ, w)
			// Readers queued behind this writer must not stay parked once
			// the writer queue drains.
			if len(l.writeQ) == 0 && !l.writer {
				l.grantReadersLocked()
			}
		} else {
			l.readQ = removeWaiter(l.readQ, w)
		}
		l.mu.Unlock()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errdefs.Timeout("lock acquisition deadline exceeded")
	}
	return ctx.Err()
}

func (l *RWLock) grantWriterLocked() {
	w := l.writeQ[0]
	l.writeQ = l.writeQ[1:]
	l.writer = true
	w.granted = true
	close(w.ready)
}

func (l *RWLock) grantReadersLocked() {
	for _, w := range l.readQ {
		w.granted = true
		l.readers++
		close(w.ready)
	}
	l.readQ = nil
}

func removeWaiter(q []*waiter, w *waiter) []*waiter {
	for i, cand := range q {
		if cand == w {
			return append(q[:i:i], q[i+1:]...)
		}
	}
	return q
}

// Holders reports the current reader count and whether a writer is active.
func (l *RWLock) Holders() (readers int, writer bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readers, l.writer
}

// Waiters reports the number of queued readers and writers.
func (l *RWLock) Waiters() (readWaiters, writeWaiters int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.readQ), len(l.writeQ)
}
