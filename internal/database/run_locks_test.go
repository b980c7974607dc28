package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRunLockAcquireAndRelease(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.AcquireRunLock(ctx, "techdeals-pro", "r1", t0, time.Minute); err != nil {
		t.Fatalf("AcquireRunLock: %v", err)
	}
	holder, err := db.AcquireRunLock(ctx, "techdeals-pro", "r2", t0.Add(time.Second), time.Minute)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if holder != "r1" {
		t.Errorf("expected holder r1, got %q", holder)
	}

	// Another project is independent.
	if _, err := db.AcquireRunLock(ctx, "gadget-hub", "r3", t0, time.Minute); err != nil {
		t.Fatalf("AcquireRunLock other project: %v", err)
	}

	// Releasing with the wrong run ID leaves the lock in place.
	if err := db.ReleaseRunLock(ctx, "techdeals-pro", "r2"); err != nil {
		t.Fatal(err)
	}
	if got, err := db.RunLockHolder(ctx, "techdeals-pro", t0, time.Minute); err != nil || got != "r1" {
		t.Fatalf("expected r1 to still hold the lock, got %q (%v)", got, err)
	}

	if err := db.ReleaseRunLock(ctx, "techdeals-pro", "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.RunLockHolder(ctx, "techdeals-pro", t0, time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after release, got %v", err)
	}
	if _, err := db.AcquireRunLock(ctx, "techdeals-pro", "r2", t0.Add(2*time.Second), time.Minute); err != nil {
		t.Fatalf("AcquireRunLock after release: %v", err)
	}
}

func TestRunLockStaleHolderIsTakenOver(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.AcquireRunLock(ctx, "techdeals-pro", "r1", t0, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := db.HeartbeatRunLock(ctx, "techdeals-pro", "r1", t0.Add(50*time.Second)); err != nil {
		t.Fatalf("HeartbeatRunLock: %v", err)
	}

	// Within a minute of the last heartbeat the lock is still live.
	if _, err := db.AcquireRunLock(ctx, "techdeals-pro", "r2", t0.Add(100*time.Second), time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}

	if _, err := db.AcquireRunLock(ctx, "techdeals-pro", "r2", t0.Add(2*time.Minute), time.Minute); err != nil {
		t.Fatalf("expected stale lock to be taken over: %v", err)
	}
	if err := db.HeartbeatRunLock(ctx, "techdeals-pro", "r1", t0.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected lost lock to report ErrNotFound, got %v", err)
	}
}

func TestRunLockIsSharedAcrossConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if _, err := a.AcquireRunLock(ctx, "techdeals-pro", "r1", t0, time.Minute); err != nil {
		t.Fatal(err)
	}
	holder, err := b.AcquireRunLock(ctx, "techdeals-pro", "r2", t0, time.Minute)
	if !errors.Is(err, ErrLockHeld) || holder != "r1" {
		t.Fatalf("expected second handle to see r1's lock, got %q (%v)", holder, err)
	}
}
