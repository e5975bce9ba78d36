package lock

import (
	"errors"
	"testing"
)

func TestAcquireRecordsHolder(t *testing.T) {
	tmpDir := t.TempDir()

	l, err := Acquire(tmpDir, "/tmp/s/daemon.sock")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	h, ok := Inspect(tmpDir)
	if !ok {
		t.Fatal("Inspect() should report the holder")
	}
	if h.PID == 0 {
		t.Error("holder PID not recorded")
	}
	if h.Socket != "/tmp/s/daemon.sock" {
		t.Errorf("Socket = %q", h.Socket)
	}
	if h.Started.IsZero() {
		t.Error("holder start time not recorded")
	}

	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, ok := Inspect(tmpDir); ok {
		t.Error("Inspect() after Release should report no holder")
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	tmpDir := t.TempDir()

	l1, err := Acquire(tmpDir, "a.sock")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(tmpDir, "b.sock")
	if err == nil {
		t.Fatal("second Acquire() should fail")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.Holder.Socket != "a.sock" {
		t.Errorf("held error reports socket %q, want a.sock", lockErr.Holder.Socket)
	}
}

func TestInspectMissing(t *testing.T) {
	if _, ok := Inspect(t.TempDir()); ok {
		t.Error("Inspect() on empty dir should report no holder")
	}
}

func TestParse(t *testing.T) {
	h := parse("pid=42\ntime=2024-05-01T10:00:00Z\nsocket=/x.sock\njunk\n")
	if h.PID != 42 || h.Socket != "/x.sock" || h.Started.Year() != 2024 {
		t.Errorf("parse() = %+v", h)
	}
}

func TestReleaseNil(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l, err := Acquire(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
