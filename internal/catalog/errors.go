package catalog

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// namedError is a sentinel carrying a stable metric class name.
type namedError struct {
	name string
	msg  string
}

func (e *namedError) Error() string     { return e.msg }
func (e *namedError) ErrorName() string { return e.name }

// ErrNotFound reports a missing episode row.
var ErrNotFound error = &namedError{name: "NotFound", msg: "episode not found"}

// ErrValidationMismatch reports that a post-commit read-back did not reflect
// the patched fields. Retryable.
var ErrValidationMismatch error = &namedError{name: "ValidationMismatch", msg: "update validation mismatch"}

// Postgres SQLSTATE codes that signal transient contention.
const (
	sqlstateLockNotAvailable    = "55P03"
	sqlstateSerializationFailed = "40001"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateUniqueViolation     = "23505"
)

// IsLockContention reports whether err is a NOWAIT lock failure, a deadlock,
// or a serialization failure. These are retried at the outer layer.
func IsLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlstateLockNotAvailable, sqlstateSerializationFailed, sqlstateDeadlockDetected:
		return true
	}
	return false
}

// IsDuplicate reports a unique-constraint violation. Not retried; the caller
// re-reads the existing row instead.
func IsDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation
}

// IsRetryable classifies catalog errors for the outer retry driver.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrNotFound) || IsDuplicate(err) {
		return false
	}
	if IsLockContention(err) || errors.Is(err, ErrValidationMismatch) {
		return true
	}
	// Connection-level failures (timeouts, resets) are transient.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code >= "08000" && pgErr.Code < "09000"
	}
	return true
}
