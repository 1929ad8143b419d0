package shared

import (
	"context"
	"errors"
	"testing"
)

func TestSQLiteErrorClassification(t *testing.T) {
	t.Parallel()

	if !IsSQLiteConflictError(errors.New("SQLITE_BUSY: database is busy")) {
		t.Fatal("expected busy error to be a conflict")
	}
	if !IsSQLiteConflictError(errors.New("database is locked")) {
		t.Fatal("expected locked error to be a conflict")
	}
	if IsSQLiteConflictError(nil) || IsSQLiteUniqueError(nil) {
		t.Fatal("nil must not classify")
	}
	if !IsSQLiteUniqueError(errors.New("constraint failed: UNIQUE constraint failed: templates.name (2067)")) {
		t.Fatal("expected unique violation")
	}
	if IsSQLiteUniqueError(errors.New("no such table")) {
		t.Fatal("unexpected unique violation")
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryOnBusy(context.Background(), "test", 3, func() error {
		calls++
		if calls < 2 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RetryOnBusy returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}

	calls = 0
	permanent := errors.New("syntax error")
	if err := RetryOnBusy(context.Background(), "test", 3, func() error {
		calls++
		return permanent
	}); !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single non-retryable call, got calls=%d err=%v", calls, err)
	}
}
