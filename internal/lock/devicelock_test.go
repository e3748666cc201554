package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Acquire(dir, "192.168.4.2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("expected our PID in lock file, got %q", string(b))
	}
	if pid, ok := Holder(dir, "192.168.4.2"); !ok || pid != os.Getpid() {
		t.Fatalf("Holder = %d, %v", pid, ok)
	}
}

func TestAcquireSecondTimeFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l1, err := Acquire(dir, "192.168.4.2")
	if err != nil {
		t.Fatalf("Acquire (1): %v", err)
	}
	t.Cleanup(func() { _ = l1.Release() })

	l2, err := Acquire(dir, "192.168.4.2")
	if err == nil {
		_ = l2.Release()
		t.Fatal("expected second Acquire to fail")
	}
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if !strings.Contains(err.Error(), "pid ") {
		t.Fatalf("expected holder pid in error, got %q", err.Error())
	}
}

func TestDifferentDevicesDoNotConflict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := Acquire(dir, "192.168.4.2")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	t.Cleanup(func() { _ = a.Release() })

	b, err := Acquire(dir, "192.168.4.3")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	t.Cleanup(func() { _ = b.Release() })
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Acquire(dir, "printer.local")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	l2, err := Acquire(dir, "printer.local")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	_ = l2.Release()
}

func TestPathForSanitizesAddress(t *testing.T) {
	t.Parallel()

	got := PathFor("/run/mmu", "fe80::1%eth0")
	want := filepath.Join("/run/mmu", "mmuctl-fe80__1_eth0.lock")
	if got != want {
		t.Fatalf("PathFor = %q, want %q", got, want)
	}
	if _, err := Acquire(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for empty address")
	}
}
