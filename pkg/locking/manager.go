package locking

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
)

// ManagerConfig tunes the lock manager.
type ManagerConfig struct {
	// LockDir is where process-lock files live (<dir>/<resource>.lock).
	LockDir string
	// ReadTimeout / WriteTimeout / ProcessTimeout apply when the caller's
	// context carries no deadline of its own.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProcessTimeout time.Duration
	// StaleThreshold governs stale process-lock reclamation.
	StaleThreshold time.Duration
	// LongWaitThreshold marks queued waiters as suspect deadlocks.
	LongWaitThreshold time.Duration
}

// DefaultManagerConfig returns the documented defaults.
func DefaultManagerConfig(lockDir string) ManagerConfig {
	return ManagerConfig{
		LockDir:           lockDir,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ProcessTimeout:    60 * time.Second,
		StaleThreshold:    5 * time.Minute,
		LongWaitThreshold: 5 * time.Minute,
	}
}

type statKey struct {
	resource string
	kind     Kind
}

type waitRecord struct {
	resource string
	kind     Kind
	since    time.Time
}

// Manager is the per-process lock registry. It vends RW and process locks
// keyed by resource name, records per-(resource, kind) statistics, and
// reports waiters stuck beyond the long-wait threshold. Get is idempotent,
// and locks with active holders or pending waiters are never collected.
//
// One Manager is created per Runtime so resource names collide intentionally
// within a process; tests build a fresh Manager per case.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu         sync.Mutex
	rw         map[string]*RWLock
	file       map[string]*FileLock
	stats      map[statKey]*lockStats
	waiters    map[uint64]waitRecord
	nextWaiter uint64
}

// NewManager creates an empty registry.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("locking"),
		rw:      make(map[string]*RWLock),
		file:    make(map[string]*FileLock),
		stats:   make(map[statKey]*lockStats),
		waiters: make(map[uint64]waitRecord),
	}
}

// Handle is a scoped lock acquisition. Release is idempotent and must be
// called on every exit path; defer it immediately after acquisition.
type Handle struct {
	once    sync.Once
	release func()
}

// Release gives the lock back and records hold time.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Get returns the RW lock for a resource, creating it on first use.
func (m *Manager) Get(resource string) *RWLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(resource)
}

func (m *Manager) getLocked(resource string) *RWLock {
	l, ok := m.rw[resource]
	if !ok {
		l = NewRWLock()
		m.rw[resource] = l
	}
	return l
}

// ReadLock acquires a shared lock on the resource, waiting at most the
// caller's deadline (or the configured read timeout when absent).
func (m *Manager) ReadLock(ctx context.Context, resource string) (*Handle, error) {
	return m.acquire(ctx, resource, KindRead, m.cfg.ReadTimeout)
}

// WriteLock acquires the exclusive lock on the resource.
func (m *Manager) WriteLock(ctx context.Context, resource string) (*Handle, error) {
	return m.acquire(ctx, resource, KindWrite, m.cfg.WriteTimeout)
}

func (m *Manager) acquire(ctx context.Context, resource string, kind Kind, fallback time.Duration) (*Handle, error) {
	if _, has := ctx.Deadline(); !has && fallback > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fallback)
		defer cancel()
	}

	m.mu.Lock()
	lock := m.getLocked(resource)
	id := m.trackWaiterLocked(resource, kind)
	m.mu.Unlock()

	start := time.Now()
	var err error
	if kind == KindRead {
		err = lock.RLock(ctx)
	} else {
		err = lock.Lock(ctx)
	}
	waited := time.Since(start)

	m.mu.Lock()
	delete(m.waiters, id)
	st := m.statsLocked(resource, kind)
	if err != nil {
		if errdefs.IsTimeout(err) {
			st.timeouts++
			metrics.LockTimeoutsTotal.WithLabelValues(resource, string(kind)).Inc()
		} else {
			st.errors++
		}
		m.mu.Unlock()
		return nil, err
	}
	st.recordWait(waited)
	m.mu.Unlock()

	metrics.LockAcquisitionsTotal.WithLabelValues(resource, string(kind)).Inc()
	metrics.LockWaitDuration.WithLabelValues(resource, string(kind)).Observe(waited.Seconds())

	acquired := time.Now()
	return &Handle{release: func() {
		if kind == KindRead {
			lock.RUnlock()
		} else {
			lock.Unlock()
		}
		held := time.Since(acquired)
		m.mu.Lock()
		m.statsLocked(resource, kind).recordHold(held)
		m.mu.Unlock()
		metrics.LockHoldDuration.WithLabelValues(resource, string(kind)).Observe(held.Seconds())
	}}, nil
}

// ProcessLock acquires the cross-process advisory lock for the resource.
func (m *Manager) ProcessLock(ctx context.Context, resource string) (*Handle, error) {
	if _, has := ctx.Deadline(); !has && m.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProcessTimeout)
		defer cancel()
	}

	m.mu.Lock()
	fl, ok := m.file[resource]
	if !ok {
		fl = NewFileLock(filepath.Join(m.cfg.LockDir, sanitizeResource(resource)+".lock"), m.cfg.StaleThreshold)
		m.file[resource] = fl
	}
	id := m.trackWaiterLocked(resource, KindProcess)
	m.mu.Unlock()

	start := time.Now()
	err := fl.Acquire(ctx)
	waited := time.Since(start)

	m.mu.Lock()
	delete(m.waiters, id)
	st := m.statsLocked(resource, KindProcess)
	if err != nil {
		if errdefs.IsTimeout(err) {
			st.timeouts++
			metrics.LockTimeoutsTotal.WithLabelValues(resource, string(KindProcess)).Inc()
		} else {
			st.errors++
		}
		m.mu.Unlock()
		return nil, err
	}
	st.recordWait(waited)
	m.mu.Unlock()

	metrics.LockAcquisitionsTotal.WithLabelValues(resource, string(KindProcess)).Inc()

	acquired := time.Now()
	logger := m.logger
	return &Handle{release: func() {
		if err := fl.Release(); err != nil {
			logger.Warn().Str("resource", resource).Err(err).Msg("process lock release failed")
		}
		held := time.Since(acquired)
		m.mu.Lock()
		m.statsLocked(resource, KindProcess).recordHold(held)
		m.mu.Unlock()
	}}, nil
}

func (m *Manager) trackWaiterLocked(resource string, kind Kind) uint64 {
	m.nextWaiter++
	id := m.nextWaiter
	m.waiters[id] = waitRecord{resource: resource, kind: kind, since: time.Now()}
	return id
}

func (m *Manager) statsLocked(resource string, kind Kind) *lockStats {
	key := statKey{resource: resource, kind: kind}
	st, ok := m.stats[key]
	if !ok {
		st = &lockStats{}
		m.stats[key] = st
	}
	return st
}

// Stats returns snapshots for the given resource, or for every resource
// when resource is empty. Results are ordered by resource then kind.
func (m *Manager) Stats(resource string) []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Stats, 0, len(m.stats))
	for key, st := range m.stats {
		if resource != "" && key.resource != resource {
			continue
		}
		out = append(out, st.snapshot(key.resource, key.kind))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Status returns current holders and waiters for the given resource, or for
// every known RW resource when resource is empty.
func (m *Manager) Status(resource string) []ResourceStatus {
	m.mu.Lock()
	locks := make(map[string]*RWLock, len(m.rw))
	for name, l := range m.rw {
		if resource != "" && name != resource {
			continue
		}
		locks[name] = l
	}
	m.mu.Unlock()

	out := make([]ResourceStatus, 0, len(locks))
	for name, l := range locks {
		readers, writer := l.Holders()
		rq, wq := l.Waiters()
		out = append(out, ResourceStatus{
			Resource:     name,
			Readers:      readers,
			WriterActive: writer,
			ReadWaiters:  rq,
			WriteWaiters: wq,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// DetectLongWaits lists waiters queued longer than the configured threshold.
// The heuristic reports; it never aborts anything.
func (m *Manager) DetectLongWaits() []LongWait {
	m.mu.Lock()
	defer m.mu.Unlock()

	threshold := m.cfg.LongWaitThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	now := time.Now()
	var out []LongWait
	for id, rec := range m.waiters {
		if waited := now.Sub(rec.since); waited >= threshold {
			out = append(out, LongWait{
				Resource: rec.resource,
				Kind:     rec.kind,
				WaiterID: id,
				Waited:   waited,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Waited > out[j].Waited })
	return out
}

// sanitizeResource maps a resource name to a safe lock file name.
func sanitizeResource(resource string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", " ", "_")
	return r.Replace(resource)
}
