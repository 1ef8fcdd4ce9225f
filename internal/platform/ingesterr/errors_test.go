package ingesterr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func pgErr(code string) error {
	return fmt.Errorf("exec: %w", &pgconn.PgError{Code: code, Message: "server says no", TableName: "payer", ConstraintName: "uq_payer_code"})
}

func TestClassify_SQLState(t *testing.T) {
	tests := []struct {
		code      string
		wantCode  string
		retryable bool
	}{
		{"23505", CodeConstraint, false},
		{"23503", CodeConstraint, false},
		{"42P10", CodeReference, false},
		{"42P01", CodeReference, false},
		{"40P01", CodeTransient, true},
		{"40001", CodeTransient, true},
		{"55P03", CodeTransient, true},
		{"57014", CodeTransient, true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := Classify("persist", pgErr(tt.code))
			if got := Code(err); got != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestClassify_ConstraintCarriesDetail(t *testing.T) {
	err := Classify("persist", pgErr("23505"))
	var ce *ConstraintViolationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConstraintViolationError, got %T", err)
	}
	if ce.Constraint != "uq_payer_code" {
		t.Errorf("expected constraint uq_payer_code, got %s", ce.Constraint)
	}
	var pg *pgconn.PgError
	if !errors.As(err, &pg) {
		t.Error("expected the driver error to stay reachable through Unwrap")
	}
}

func TestClassify_KeepsClassifiedErrors(t *testing.T) {
	orig := &ParseError{Code: CodeMissingHeader, Msg: "SenderID missing"}
	if got := Classify("parse", orig); got != orig {
		t.Errorf("expected classified error to pass through, got %v", got)
	}
}

func TestClassify_Deadline(t *testing.T) {
	err := Classify("file", fmt.Errorf("commit: %w", context.DeadlineExceeded))
	if !IsRetryable(err) {
		t.Error("expected deadline to be retryable")
	}
	if Code(err) != CodeTimeout {
		t.Errorf("expected %s, got %s", CodeTimeout, Code(err))
	}
}

func TestClassify_PlainError(t *testing.T) {
	plain := errors.New("something odd")
	err := Classify("file", plain)
	if IsRetryable(err) {
		t.Error("expected unknown errors not to be retried")
	}
	if Code(err) != CodeUnknown {
		t.Errorf("expected %s, got %s", CodeUnknown, Code(err))
	}
	if Classify("file", nil) != nil {
		t.Error("expected nil to stay nil")
	}
}

func TestParseError_Message(t *testing.T) {
	err := &ParseError{Offset: 120, Line: 7, Column: 3, Msg: "unexpected EOF"}
	if !strings.Contains(err.Error(), "offset 120") || !strings.Contains(err.Error(), "line 7") {
		t.Errorf("expected position in message, got %q", err.Error())
	}
	if Stage(err) != "PARSE" {
		t.Errorf("expected PARSE stage, got %s", Stage(err))
	}
}

func TestCode_DuplicateSubmission(t *testing.T) {
	err := fmt.Errorf("claim C1: %w", &ConstraintViolationError{Code: CodeDuplicateSubmission, ObjectType: "claim", ObjectKey: "C1", Msg: "submission exists"})
	if Code(err) != CodeDuplicateSubmission {
		t.Errorf("expected %s, got %s", CodeDuplicateSubmission, Code(err))
	}
	if Stage(err) != "PERSIST" {
		t.Errorf("expected PERSIST stage, got %s", Stage(err))
	}
}

func TestReferenceResolutionError_Stage(t *testing.T) {
	err := &ReferenceResolutionError{Kind: "activity_code", Table: "activity_code", Code: "99213", Err: errors.New("42P10")}
	if Stage(err) != "RESOLVE" {
		t.Errorf("expected RESOLVE stage, got %s", Stage(err))
	}
	if !strings.Contains(err.Error(), "99213") {
		t.Errorf("expected code in message, got %q", err.Error())
	}
}
