package experiment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an experiment does not exist.
	ErrNotFound = errors.New("experiment not found")

	// ErrInvalidTransition is returned for lifecycle changes that are not allowed
	// from the experiment's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotRunning is returned when a test is requested for an experiment that
	// is not running.
	ErrNotRunning = errors.New("experiment is not running")
)

// ConfigError reports an invalid experiment configuration. Configurations are
// rejected when they are built, never clamped.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid experiment config: %s: %s", e.Field, e.Reason)
}
