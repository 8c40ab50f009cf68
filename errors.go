package bench

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when a RunConfig cannot drive a run.
	ErrInvalidConfig = errors.New("bench: invalid run config")

	// ErrSequenceOutOfRange is returned when a sample targets a slot outside
	// the recorder.
	ErrSequenceOutOfRange = errors.New("bench: sequence number out of range")

	// ErrRequesterClosed is reported to requests still pending when a
	// Requester is torn down.
	ErrRequesterClosed = errors.New("bench: requester closed")
)

// SetupError reports a requester that failed to connect. It is the only
// error that aborts a run.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string {
	return "bench: requester setup failed: " + e.Err.Error()
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
