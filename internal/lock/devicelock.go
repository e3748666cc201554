// Package lock keeps two mmuctl processes from driving the same device.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process holds the device lock.
var ErrHeld = errors.New("device is in use by another mmuctl process")

// DeviceLock is an flock(2) on a per-device file holding the owner's PID.
// The lock lives as long as the file descriptor stays open.
type DeviceLock struct {
	path    string
	address string
	f       *os.File
}

// PathFor is the lock file used for address inside dir.
func PathFor(dir, address string) string {
	return filepath.Join(dir, "mmuctl-"+sanitize(address)+".lock")
}

// Acquire takes the lock for address without blocking. When the lock is
// held elsewhere the error wraps ErrHeld and names the holder's PID.
func Acquire(dir, address string) (*DeviceLock, error) {
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := PathFor(dir, address)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, ok := Holder(dir, address); ok {
				return nil, fmt.Errorf("%w (pid %d, %s)", ErrHeld, pid, address)
			}
			return nil, fmt.Errorf("%w (%s)", ErrHeld, address)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}
	return &DeviceLock{path: path, address: address, f: f}, nil
}

// Holder reads the PID recorded in the lock file for address.
func Holder(dir, address string) (int, bool) {
	b, err := os.ReadFile(PathFor(dir, address))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *DeviceLock) Path() string    { return l.path }
func (l *DeviceLock) Address() string { return l.address }

// Release drops the lock. It is safe to call more than once.
func (l *DeviceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func sanitize(address string) string {
	var b strings.Builder
	for _, r := range address {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
