// Package errdefs defines the typed failure taxonomy shared by every store
// and facade: sentinel errors, formatted wrap constructors, and errors.Is
// based predicates.
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds surfaced by every store and facade.
// Callers classify failures with errors.Is or the Is* helpers below and
// decide retry behavior from the kind, never from message text.
var (
	// ErrValidation indicates malformed input or a failed field constraint.
	// Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the target entity does not exist. Not retryable.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic-lock mismatch. The caller
	// should refetch and retry with the current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNameConflict indicates a skill-name uniqueness violation among
	// active skills.
	ErrNameConflict = errors.New("name conflict")

	// ErrTimeout indicates a lock or I/O deadline was exceeded. Retryable
	// with backoff.
	ErrTimeout = errors.New("timeout")

	// ErrLockStale indicates a stale process lock was detected but could not
	// be reclaimed.
	ErrLockStale = errors.New("stale lock")

	// ErrUnhealthy indicates the shared backend is marked down. The durable
	// write still succeeded; informational.
	ErrUnhealthy = errors.New("backend unhealthy")

	// ErrCorruption indicates envelope, checksum, or size validation failed
	// on stored data. Not retryable; the entry is quarantined.
	ErrCorruption = errors.New("data corruption")

	// ErrInternal indicates an unexpected bug. Not retryable.
	ErrInternal = errors.New("internal error")
)

// Validation wraps ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// VersionConflict wraps ErrVersionConflict with the expected and actual versions.
func VersionConflict(id string, expected, actual int) error {
	return fmt.Errorf("skill %s: expected version %d, stored version %d: %w",
		id, expected, actual, ErrVersionConflict)
}

// NameConflict wraps ErrNameConflict for a duplicate active skill name.
func NameConflict(name string) error {
	return fmt.Errorf("active skill named %q already exists: %w", name, ErrNameConflict)
}

// Unhealthy wraps ErrUnhealthy with a formatted message.
func Unhealthy(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnhealthy)
}

// LockStale wraps ErrLockStale with a formatted message.
func LockStale(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrLockStale)
}

// Timeout wraps ErrTimeout with a formatted message.
func Timeout(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrTimeout)
}

// Corruption wraps ErrCorruption with a formatted message.
func Corruption(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCorruption)
}

// Internal wraps ErrInternal with a formatted message.
func Internal(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInternal)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsVersionConflict reports whether err is an optimistic-lock mismatch.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }

// IsNameConflict reports whether err is a name uniqueness violation.
func IsNameConflict(err error) bool { return errors.Is(err, ErrNameConflict) }

// IsLockStale reports whether err is an unreclaimable stale lock.
func IsLockStale(err error) bool { return errors.Is(err, ErrLockStale) }

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsUnhealthy reports whether err signals the shared backend is down.
func IsUnhealthy(err error) bool { return errors.Is(err, ErrUnhealthy) }

// IsCorruption reports whether err is a data corruption failure.
func IsCorruption(err error) bool { return errors.Is(err, ErrCorruption) }

// Retryable reports whether the failure kind is worth retrying with backoff.
func Retryable(err error) bool { return errors.Is(err, ErrTimeout) }
