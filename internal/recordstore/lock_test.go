package recordstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

func TestHistoryLock_AcquireRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireHistoryLock(dir, time.Second)
	if err != nil {
		t.Fatalf("AcquireHistoryLock: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("lock file survived Release")
	}

	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestHistoryLock_ContentionTimesOut(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireHistoryLock(dir, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	_, err = AcquireHistoryLock(dir, 100*time.Millisecond)
	if !voratiqerrors.Is(err, voratiqerrors.ErrLockHeld) {
		t.Errorf("contended acquire error = %v, want ErrLockHeld", err)
	}
}

func TestHistoryLock_ContentionSucceedsAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireHistoryLock(dir, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release()
	}()

	second, err := AcquireHistoryLock(dir, 2*time.Second)
	if err != nil {
		t.Fatalf("second acquire after release: %v", err)
	}
	second.Release()
}

func TestHistoryLock_StaleReclamation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	// A lock file held by a dead process and older than the stale grace
	// period is taken over.
	if err := os.WriteFile(path, []byte(`{"pid":999999999,"hostname":"gone"}`), 0o644); err != nil {
		t.Fatalf("writing stale lock: %v", err)
	}
	old := time.Now().Add(-2 * StaleGrace)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("backdating lock: %v", err)
	}

	lock, err := AcquireHistoryLock(dir, time.Second)
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	lock.Release()
}

func TestHistoryLock_FreshForeignLockNotReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	// Freshly touched lock from a dead process: inside the grace period,
	// so the waiter must time out rather than steal it.
	if err := os.WriteFile(path, []byte(`{"pid":999999999,"hostname":"gone"}`), 0o644); err != nil {
		t.Fatalf("writing lock: %v", err)
	}

	_, err := AcquireHistoryLock(dir, 100*time.Millisecond)
	if !voratiqerrors.Is(err, voratiqerrors.ErrLockHeld) {
		t.Errorf("acquire error = %v, want ErrLockHeld", err)
	}
}

func TestHistoryLock_ReleaseRespectsForeignOwner(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireHistoryLock(dir, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Overwrite with a different owner; Release must leave it alone.
	path := filepath.Join(dir, LockFileName)
	if err := os.WriteFile(path, []byte(`{"pid":12345,"hostname":"other"}`), 0o644); err != nil {
		t.Fatalf("overwriting lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Release removed a lock owned by another process")
	}
}
