// Package ingesterr defines the failure classes of file ingestion and maps
// driver errors onto them. The orchestrator decides retry and archive
// behaviour from the class alone.
package ingesterr

import (
	"context"
	"errors"
	"fmt"

	"github.com/claims/ingest/internal/platform/db"
)

// Error codes written to ingestion_error.error_code.
const (
	CodeParse               = "PARSE_ERROR"
	CodeMissingHeader       = "MISSING_HEADER_FIELDS"
	CodeMissingClaimFields  = "MISSING_CLAIM_FIELDS"
	CodeInvalidValue        = "INVALID_VALUE"
	CodeUnknownRoot         = "UNKNOWN_ROOT"
	CodeReference           = "REFERENCE_RESOLUTION"
	CodeDuplicateSubmission = "DUP_SUBMISSION"
	CodeConstraint          = "CONSTRAINT_VIOLATION"
	CodePersist             = "CLAIM_PERSIST_FAIL"
	CodeTransient           = "TRANSIENT_IO"
	CodeTimeout             = "FILE_TIMEOUT"
	CodeRecordCount         = "RECORD_COUNT_MISMATCH"
	CodeVerifyMismatch      = "VERIFY_MISMATCH"
	CodeUnknown             = "UNEXPECTED"
)

// ParseError is malformed or incomplete input. It is scoped to one file and
// never retried automatically.
type ParseError struct {
	Code   string
	Offset int64
	Line   int
	Column int
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d (line %d, col %d): %s", e.Offset, e.Line, e.Column, e.Msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReferenceResolutionError is a configuration-class failure of a reference
// table: the upsert conflict target does not match a unique constraint, or
// the table or one of its columns is missing.
type ReferenceResolutionError struct {
	Kind  string
	Table string
	Code  string
	Err   error
}

func (e *ReferenceResolutionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("reference resolution for %s (%s) failed: %v", e.Kind, e.Table, e.Err)
	}
	return fmt.Sprintf("reference resolution for %s %q (%s) failed: %v", e.Kind, e.Code, e.Table, e.Err)
}

func (e *ReferenceResolutionError) Unwrap() error { return e.Err }

// ConstraintViolationError is a uniqueness or integrity violation that the
// idempotent write path did not absorb.
type ConstraintViolationError struct {
	Code       string
	Constraint string
	ObjectType string
	ObjectKey  string
	Msg        string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ObjectKey != "" {
		return fmt.Sprintf("constraint violation on %s %s: %s", e.ObjectType, e.ObjectKey, msg)
	}
	return fmt.Sprintf("constraint violation: %s", msg)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }

// TransientError is worth retrying after a backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Classify wraps a raw error from the persistence layer in its taxonomy
// type. Errors already classified are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		pe *ParseError
		re *ReferenceResolutionError
		ce *ConstraintViolationError
		te *TransientError
	)
	if errors.As(err, &pe) || errors.As(err, &re) || errors.As(err, &ce) || errors.As(err, &te) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Op: op, Err: err}
	}

	if pgErr, ok := db.PgError(err); ok {
		switch pgErr.Code {
		case db.CodeUniqueViolation, db.CodeForeignKeyViolation, db.CodeNotNullViolation, db.CodeCheckViolation:
			return &ConstraintViolationError{
				Code:       CodeConstraint,
				Constraint: pgErr.ConstraintName,
				ObjectType: pgErr.TableName,
				Msg:        pgErr.Message,
				Err:        err,
			}
		case db.CodeInvalidConflictSpec, db.CodeUndefinedTable, db.CodeUndefinedColumn:
			return &ReferenceResolutionError{Table: pgErr.TableName, Err: err}
		case db.CodeDeadlockDetected, db.CodeSerializationFailure, db.CodeLockNotAvailable,
			db.CodeQueryCanceled, db.CodeAdminShutdown, db.CodeTooManyConnections:
			return &TransientError{Op: op, Err: err}
		}
		return err
	}

	if db.IsConnectionError(err) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}

// IsRetryable reports whether the orchestrator may try the file again.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Code returns the ingestion_error code for err.
func Code(err error) string {
	var (
		pe *ParseError
		re *ReferenceResolutionError
		ce *ConstraintViolationError
		te *TransientError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		if pe.Code != "" {
			return pe.Code
		}
		return CodeParse
	case errors.As(err, &re):
		return CodeReference
	case errors.As(err, &ce):
		if ce.Code != "" {
			return ce.Code
		}
		return CodeConstraint
	case errors.As(err, &te):
		if errors.Is(err, context.DeadlineExceeded) {
			return CodeTimeout
		}
		return CodeTransient
	}
	return CodeUnknown
}

// Stage names the pipeline step an error belongs to.
func Stage(err error) string {
	var (
		pe *ParseError
		re *ReferenceResolutionError
	)
	switch {
	case errors.As(err, &pe):
		return "PARSE"
	case errors.As(err, &re):
		return "RESOLVE"
	}
	return "PERSIST"
}
