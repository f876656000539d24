//go:build sqlite

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "almlp.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	exerciseStore(t, store)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "almlp.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := store.AppendParentCall(ctx, testParentCall("run-1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := NewSQLiteStore(dbPath)
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	calls, err := reopened.ListParentCalls(ctx, "run-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(calls) != 1 || calls[0].Reason != "uncertain" {
		t.Fatalf("unexpected parent calls after reopen: %+v", calls)
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "almlp.db"))
	if _, err := store.ListRuns(context.Background()); err == nil {
		t.Fatal("expected uninitialized store error")
	}
}

func TestSQLiteDuplicateDetectedByResultCode(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "almlp.db"))
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	if err := store.AppendParentCall(ctx, testParentCall("run-1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := store.AppendParentCall(ctx, testParentCall("run-1", 0))
	if !errors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("expected duplicate record, got %v", err)
	}

	// Only driver result codes count; message text does not.
	for _, err := range []error{
		nil,
		errors.New("UNIQUE constraint failed: parent_calls.run_id"),
		fmt.Errorf("wrapped: %w", errors.New("constraint failed")),
	} {
		if isConstraintViolation(err) {
			t.Fatalf("unexpected constraint violation for %v", err)
		}
	}
}
