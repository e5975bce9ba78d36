package session

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/pioner22/client-web-sub000/internal/config"
)

const DefaultSessionName = "main"

// ErrInvalidName is wrapped by every session name validation failure.
var ErrInvalidName = errors.New("invalid session name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory under Root.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, nameRegexp)
	}
	return nil
}

// Resolve picks and validates the session name. Precedence:
// 1. flagOverride (--session flag)
// 2. default_session in the config at configPath (empty = ConfigPath())
// 3. "main"
func Resolve(flagOverride, configPath string) (string, error) {
	name := flagOverride
	if name == "" {
		name = defaultFromConfig(configPath)
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func defaultFromConfig(configPath string) string {
	if configPath == "" {
		configPath = ConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
