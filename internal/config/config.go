package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Server         Server  `toml:"server"`
	Account        Account `toml:"account"`
	Limits         Limits  `toml:"limits"`
	Log            Log     `toml:"log"`
}

// Log controls the daemon logger.
type Log struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Stderr bool   `toml:"stderr"` // mirror log lines to stderr
}

// Server locates the chat server.
type Server struct {
	URL string `toml:"url"`
}

// Account is the optional auto-login credential.
type Account struct {
	UserID string `toml:"user_id,omitempty"`
	Token  string `toml:"token,omitempty"`
}

// Limits tunes memory bounds and timing.
type Limits struct {
	TrimCap          int  `toml:"trim_cap"`
	Constrained      bool `toml:"constrained"`
	DrainBatch       int  `toml:"drain_batch"`
	RetryIntervalMS  int  `toml:"retry_interval_ms"`
	DrainIntervalMS  int  `toml:"drain_interval_ms"`
	HistoryTimeoutMS int  `toml:"history_timeout_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server:         Server{URL: "ws://127.0.0.1:8080/ws"},
		Limits: Limits{
			TrimCap:          300,
			DrainBatch:       12,
			RetryIntervalMS:  900,
			DrainIntervalMS:  2000,
			HistoryTimeoutMS: 15000,
		},
		Log: Log{Level: "info", Stderr: true},
	}
}

// EffectiveTrimCap is the in-memory transcript cap for inactive
// conversations. Constrained clients keep half.
func (l Limits) EffectiveTrimCap() int {
	if l.Constrained {
		return max(l.TrimCap/2, 1)
	}
	return l.TrimCap
}

// RetryInterval returns the minimum gap between attempts of one send.
func (l Limits) RetryInterval() time.Duration {
	return time.Duration(l.RetryIntervalMS) * time.Millisecond
}

// DrainInterval returns the period of the outbox drain loop.
func (l Limits) DrainInterval() time.Duration {
	return time.Duration(l.DrainIntervalMS) * time.Millisecond
}

// HistoryTimeout returns how long a history request may stay unanswered.
func (l Limits) HistoryTimeout() time.Duration {
	return time.Duration(l.HistoryTimeoutMS) * time.Millisecond
}

// Load reads config from the given path over Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if c.Limits.TrimCap <= 0 {
		return fmt.Errorf("limits.trim_cap must be positive, got %d", c.Limits.TrimCap)
	}
	if c.Limits.DrainBatch <= 0 {
		return fmt.Errorf("limits.drain_batch must be positive, got %d", c.Limits.DrainBatch)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
