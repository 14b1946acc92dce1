package probe

import (
	"errors"
	"fmt"
)

var (
	// ErrProbeTimeout means every attempt of a phase failed.
	ErrProbeTimeout = errors.New("probe timeout")

	// ErrTransport is a single failed attempt. It is recovered by
	// discarding the attempt and never leaves the suite on its own.
	ErrTransport = errors.New("transport error")

	errHashMismatch = errors.New("content hash mismatch")
)

// PhaseError reports which phase of a run failed.
type PhaseError struct {
	Phase    Phase
	Attempts int
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed after %d attempts: %s", e.Phase, e.Attempts, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}

// transportErr tags a per-attempt failure so callers can match it with
// errors.Is(err, ErrTransport) while keeping the cause.
func transportErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
