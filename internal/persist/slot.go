package persist

import (
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"
)

// Debounce delays used by the gateway's slots.
const (
	FastDelay = 420 * time.Millisecond // drafts, pins, outbox
	SlowDelay = 650 * time.Millisecond // transfers, history cache
)

// Codec versions and sanitizes one slot's payload.
type Codec[T any] struct {
	Version int
	// Sanitize bounds and normalizes a value on save and on load.
	Sanitize func(T) T
}

// envelope is the stored form: {"v":N,"data":...}.
type envelope[T any] struct {
	V       int   `json:"v"`
	Updated int64 `json:"updated,omitempty"`
	Data    T     `json:"data"`
}

// Source returns the current value to write and the user it belongs to.
// ok=false skips the write (nobody signed in).
type Source[T any] func() (userID string, value T, ok bool)

// Slot persists one kind of user state with a trailing debounce: each
// Schedule restarts the timer and the write reads the state current at
// fire time. Storage errors are logged and swallowed.
type Slot[T any] struct {
	kind    string
	delay   time.Duration
	codec   Codec[T]
	backend Backend
	logger  *zap.Logger
	now     func() time.Time

	mu     gosync.Mutex
	source Source[T]
	timer  *time.Timer
}

// NewSlot creates a slot for kind.
func NewSlot[T any](kind string, delay time.Duration, codec Codec[T], backend Backend, logger *zap.Logger) *Slot[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slot[T]{
		kind:    kind,
		delay:   delay,
		codec:   codec,
		backend: backend,
		logger:  logger.With(zap.String("slot", kind)),
		now:     time.Now,
	}
}

// KeyPrefix starts every storage key written by a slot.
const KeyPrefix = "chatsync."

// Key returns the storage key of this slot for userID.
func (s *Slot[T]) Key(userID string) string {
	return fmt.Sprintf("%s%s.v%d.%s", KeyPrefix, s.kind, s.codec.Version, userID)
}

// Bind sets where writes read their state from.
func (s *Slot[T]) Bind(src Source[T]) {
	s.mu.Lock()
	s.source = src
	s.mu.Unlock()
}

// Schedule arms or restarts the debounce timer.
func (s *Slot[T]) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Pending reports whether a write is scheduled.
func (s *Slot[T]) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Slot[T]) fire() {
	s.mu.Lock()
	s.timer = nil
	src := s.source
	s.mu.Unlock()
	s.write(src)
}

// Flush cancels a pending timer and writes immediately.
func (s *Slot[T]) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	src := s.source
	s.mu.Unlock()
	s.write(src)
}

// Cancel drops a pending write without writing.
func (s *Slot[T]) Cancel() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *Slot[T]) write(src Source[T]) {
	if src == nil {
		return
	}
	userID, value, ok := src()
	if !ok || userID == "" {
		return
	}
	if s.codec.Sanitize != nil {
		value = s.codec.Sanitize(value)
	}
	data, err := json.Marshal(envelope[T]{V: s.codec.Version, Updated: s.now().UnixMilli(), Data: value})
	if err != nil {
		s.logger.Warn("encode failed", zap.Error(err))
		return
	}
	if err := s.backend.Set(s.Key(userID), data); err != nil {
		s.logger.Warn("write failed", zap.Error(err))
	}
}

// Load reads and sanitizes the stored value for userID. Missing,
// unreadable and other-version payloads all report ok=false.
func (s *Slot[T]) Load(userID string) (T, bool) {
	v, _, ok := s.LoadWithTime(userID)
	return v, ok
}

// LoadWithTime is Load plus the time the value was written.
func (s *Slot[T]) LoadWithTime(userID string) (T, time.Time, bool) {
	var zero T
	if userID == "" {
		return zero, time.Time{}, false
	}
	raw, ok, err := s.backend.Get(s.Key(userID))
	if err != nil {
		s.logger.Warn("read failed", zap.Error(err))
		return zero, time.Time{}, false
	}
	if !ok {
		return zero, time.Time{}, false
	}
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("discarding unreadable payload", zap.Error(err))
		return zero, time.Time{}, false
	}
	if env.V != s.codec.Version {
		s.logger.Info("discarding payload of other version", zap.Int("version", env.V))
		return zero, time.Time{}, false
	}
	value := env.Data
	if s.codec.Sanitize != nil {
		value = s.codec.Sanitize(value)
	}
	return value, time.UnixMilli(env.Updated), true
}

// Clear removes the stored value for userID.
func (s *Slot[T]) Clear(userID string) {
	if err := s.backend.Remove(s.Key(userID)); err != nil {
		s.logger.Warn("remove failed", zap.Error(err))
	}
}
