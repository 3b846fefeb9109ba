package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.Path() != filepath.Join(dir, "LOCK") {
		t.Errorf("Path() = %q", l.Path())
	}

	pid, ok := Holder(dir)
	if !ok || pid != os.Getpid() {
		t.Errorf("Holder() = %d, %v, want own pid", pid, ok)
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, ok := Holder(dir); ok {
		t.Error("Holder() after Release should report nothing")
	}
}

func TestAcquireCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workspaces", "new")

	l, err := Acquire(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("dir not created: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir)
	var held *LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if held.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", held.PID, os.Getpid())
	}
}

func TestReleaseNilAndTwice(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
