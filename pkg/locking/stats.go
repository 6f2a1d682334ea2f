package locking

import (
	"time"
)

// Kind labels the lock flavor in statistics.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindProcess Kind = "process"
)

// lockStats accumulates per-(resource, kind) counters. Guarded by the
// manager's mutex.
type lockStats struct {
	acquisitions uint64
	releases     uint64
	timeouts     uint64
	errors       uint64

	waitMin   time.Duration
	waitMax   time.Duration
	waitTotal time.Duration

	holdMin   time.Duration
	holdMax   time.Duration
	holdTotal time.Duration
}

func (s *lockStats) recordWait(d time.Duration) {
	s.acquisitions++
	if s.acquisitions == 1 || d < s.waitMin {
		s.waitMin = d
	}
	if d > s.waitMax {
		s.waitMax = d
	}
	s.waitTotal += d
}

func (s *lockStats) recordHold(d time.Duration) {
	s.releases++
	if s.releases == 1 || d < s.holdMin {
		s.holdMin = d
	}
	if d > s.holdMax {
		s.holdMax = d
	}
	s.holdTotal += d
}

// Stats is an immutable snapshot of one (resource, kind) pair.
type Stats struct {
	Resource     string        `json:"resource"`
	Kind         Kind          `json:"kind"`
	Acquisitions uint64        `json:"acquisitions"`
	Releases     uint64        `json:"releases"`
	Timeouts     uint64        `json:"timeouts"`
	Errors       uint64        `json:"errors"`
	WaitMin      time.Duration `json:"wait_min"`
	WaitMax      time.Duration `json:"wait_max"`
	WaitAvg      time.Duration `json:"wait_avg"`
	HoldMin      time.Duration `json:"hold_min"`
	HoldMax      time.Duration `json:"hold_max"`
	HoldAvg      time.Duration `json:"hold_avg"`
}

func (s *lockStats) snapshot(resource string, kind Kind) Stats {
	out := Stats{
		Resource:     resource,
		Kind:         kind,
		Acquisitions: s.acquisitions,
		Releases:     s.releases,
		Timeouts:     s.timeouts,
		Errors:       s.errors,
		WaitMin:      s.waitMin,
		WaitMax:      s.waitMax,
		HoldMin:      s.holdMin,
		HoldMax:      s.holdMax,
	}
	if s.acquisitions > 0 {
		out.WaitAvg = s.waitTotal / time.Duration(s.acquisitions)
	}
	if s.releases > 0 {
		out.HoldAvg = s.holdTotal / time.Duration(s.releases)
	}
	return out
}

// ResourceStatus is a point-in-time view of one resource's holders and
// waiters.
type ResourceStatus struct {
	Resource     string `json:"resource"`
	Readers      int    `json:"readers"`
	WriterActive bool   `json:"writer_active"`
	ReadWaiters  int    `json:"read_waiters"`
	WriteWaiters int    `json:"write_waiters"`
}

// LongWait describes a waiter that has been queued beyond the deadlock
// heuristic threshold.
type LongWait struct {
	Resource string        `json:"resource"`
	Kind     Kind          `json:"kind"`
	WaiterID uint64        `json:"waiter_id"`
	Waited   time.Duration `json:"waited"`
}
