package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// Holder describes the daemon that owns a session: its process and the
// socket it serves the engine API on.
type Holder struct {
	PID     int
	Started time.Time
	Socket  string
}

// LockHeldError is returned when another daemon already serves the session.
type LockHeldError struct {
	Holder Holder
	Path   string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session already served by PID %d (%s)", e.Holder.PID, e.Path)
}

// Lock is an acquired session lock. One daemon per session owns the
// device's persisted state.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the exclusive lock on sessionDir and records the holder.
// Returns LockHeldError if another process already holds it.
func Acquire(sessionDir, socket string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, fileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Holder: parse(string(data)), Path: lockPath}
	}

	h := Holder{PID: os.Getpid(), Started: time.Now().UTC(), Socket: socket}
	if err := write(f, h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: lockPath}, nil
}

// Inspect reads the holder of sessionDir's lock without taking it.
// ok is false when no daemon holds the session.
func Inspect(sessionDir string) (Holder, bool) {
	lockPath := filepath.Join(sessionDir, fileName)
	f, err := os.Open(lockPath)
	if err != nil {
		return Holder{}, false
	}
	defer func() { _ = f.Close() }()

	// A lock we can take ourselves belongs to a crashed daemon.
	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Holder{}, false
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		return Holder{}, false
	}

	data, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, false
	}
	return parse(string(data)), true
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove lock file before closing to avoid stale files.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func write(f *os.File, h Holder) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\nsocket=%s\n", h.PID, h.Started.Format(time.RFC3339), h.Socket)
	return err
}

func parse(content string) Holder {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "pid":
			h.PID, _ = strconv.Atoi(v)
		case "time":
			h.Started, _ = time.Parse(time.RFC3339, v)
		case "socket":
			h.Socket = v
		}
	}
	return h
}
