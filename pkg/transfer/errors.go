package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when starting a run while another one is active.
	ErrBusy = errors.New("transfer: another transfer is already in progress")

	// ErrInterrupted marks a run that stopped because it was aborted.
	// It is a terminal state, not a failure.
	ErrInterrupted = errors.New("transfer: interrupted")
)

// ProtocolError is a store response the client cannot make sense of.
// It ends the run.
type ProtocolError struct {
	Path   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("transfer: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("transfer: protocol error for %q: %s", e.Path, e.Reason)
}

// ExhaustedError is returned when the store still needed files after the
// last allowed negotiation round.
type ExhaustedError struct {
	Rounds    int
	Remaining []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("transfer: gave up after %d negotiation rounds, %d files still not stored", e.Rounds, len(e.Remaining))
}

// BuildError is a local I/O error while building the transfer set. Request
// is the request that failed; it was pushed back onto the queue.
type BuildError struct {
	Request FileRequest
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("transfer: build %s: %v", e.Request.LocalPath, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func interrupted(what string) error {
	return fmt.Errorf("%s: %w", what, ErrInterrupted)
}
