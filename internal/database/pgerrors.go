package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/propledger/backend/internal/apperrors"
)

// Postgres SQLSTATE codes the ledger treats specially.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgUniqueViolation      = "23505"
	pgInsufficientPriv     = "42501"
	pgConnectionClass      = "08"
)

// Classify maps a database/sql or lib/pq error to the application taxonomy.
// Already classified errors and nil pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.Transient(apperrors.CodeUnavailable, "database call interrupted", err)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return apperrors.Transient(apperrors.CodeUnavailable, "database connection closed", err)
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return apperrors.Fatal(apperrors.CodeInternal, "database error", err)
	}

	code := string(pqErr.Code)
	switch {
	case code == pgLockNotAvailable:
		return apperrors.Transient(apperrors.CodeLockTimeout, "lock wait timed out", err)
	case code == pgSerializationFailure, code == pgDeadlockDetected, code == pgQueryCanceled:
		return apperrors.Transient(apperrors.CodeUnavailable, "transaction aborted, retry", err).
			WithDetail("sqlstate", code)
	case strings.HasPrefix(code, pgConnectionClass):
		return apperrors.Transient(apperrors.CodeUnavailable, "database unavailable", err).
			WithDetail("sqlstate", code)
	case code == pgInsufficientPriv:
		return apperrors.Fatal(apperrors.CodeContextNotSet, "row level security rejected the statement", err)
	case pqErr.Code.Class() == "23":
		return apperrors.Fatal(apperrors.CodeConstraintViolation, "constraint violation", err).
			WithDetail("constraint", pqErr.Constraint)
	default:
		return apperrors.Fatal(apperrors.CodeInternal, "database error", err).
			WithDetail("sqlstate", code)
	}
}

// IsUniqueViolation reports whether err is a unique constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}
