package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the ingestion pipeline reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeForeignKeyViolation  = "23503"
	CodeNotNullViolation     = "23502"
	CodeCheckViolation       = "23514"
	CodeInvalidConflictSpec  = "42P10"
	CodeUndefinedTable       = "42P01"
	CodeUndefinedColumn      = "42703"
	CodeDeadlockDetected     = "40P01"
	CodeSerializationFailure = "40001"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
	CodeAdminShutdown        = "57P01"
	CodeTooManyConnections   = "53300"
)

// PgError unwraps err to the server error it carries, if any.
func PgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// SQLState returns the SQLSTATE of err or "" when err did not come from the
// server.
func SQLState(err error) string {
	if pgErr, ok := PgError(err); ok {
		return pgErr.Code
	}
	return ""
}

// IsConnectionError reports whether err happened while talking to the server
// rather than being reported by it.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := PgError(err); ok {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
