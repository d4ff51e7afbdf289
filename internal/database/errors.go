package database

import (
	"errors"

	"github.com/lib/pq"
)

// IsRetryable reports whether err is a transient Postgres failure worth
// re-running: serialization abort, deadlock, or lock timeout.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
// Survives the wrapping WithTx and the repositories apply.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
