package bench

import (
	"time"

	"github.com/pkg/errors"
)

// DefaultRequests is the number of messages sent when none is configured.
const DefaultRequests = 100000

// RunConfig describes a single benchmark run. It is not modified once the
// run starts.
type RunConfig struct {
	Topic    string
	Mode     Mode
	Requests int

	// Rate caps the number of sends per second. Zero means unlimited.
	Rate float64

	// DrainTimeout bounds how long a NonBlocking run waits for outstanding
	// completions once every send was issued. Zero waits for all of them.
	DrainTimeout time.Duration
}

// Validate reports whether the config can drive a run.
func (c RunConfig) Validate() error {
	if c.Topic == "" {
		return errors.WithMessage(ErrInvalidConfig, "topic is required")
	}
	if c.Requests <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "requests must be positive, got %d", c.Requests)
	}
	if c.Mode != Blocking && c.Mode != NonBlocking {
		return errors.WithMessagef(ErrInvalidConfig, "unknown mode %s", c.Mode)
	}
	if c.Rate < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "rate must not be negative, got %v", c.Rate)
	}
	if c.DrainTimeout < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "drain timeout must not be negative, got %s", c.DrainTimeout)
	}
	return nil
}
