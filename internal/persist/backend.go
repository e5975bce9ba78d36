package persist

import (
	"errors"
	gosync "sync"
)

// Backend is a durable key-value store scoped to one device.
// Get reports ok=false for a missing key.
type Backend interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// ErrUnavailable is returned by MemoryBackend when failures are injected.
var ErrUnavailable = errors.New("storage unavailable")

// MemoryBackend keeps values in memory. It backs tests and clients that
// run without durable storage.
type MemoryBackend struct {
	mu     gosync.Mutex
	data   map[string][]byte
	writes int
	fail   bool
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

// SetFailing makes every call return ErrUnavailable.
func (m *MemoryBackend) SetFailing(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrUnavailable
	}
	m.data[key] = append([]byte(nil), value...)
	m.writes++
	return nil
}

func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ErrUnavailable
	}
	delete(m.data, key)
	return nil
}

// Writes returns the number of successful Set calls.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
