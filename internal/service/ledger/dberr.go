package ledger

import (
	"errors"

	appErr "garame-service/pkg/errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATEs that mean "someone else holds it, retry the whole thing".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
)

func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable:
		return true
	}
	return false
}

// mapDBError turns lock contention into a retryable ConcurrencyError and leaves everything else alone.
func mapDBError(err error) error {
	if err == nil || !isLockContention(err) {
		return err
	}
	return appErr.Concurrency(appErr.CodeTxConflict, err.Error())
}
