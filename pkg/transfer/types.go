// Package transfer sends a set of local files to a content-addressed store.
//
// A run builds a transfer set from a queue of requests, negotiates with the
// store which content it still needs, uploads that content under a
// retry/defer policy and finally asks the store for a checkout. Runs execute
// on a background Worker that the host polls for events.
package transfer

import (
	"errors"
	"time"
)

// Action tells what happens to the local file once the transfer succeeds.
type Action int

const (
	// ActionCopy leaves the local file alone.
	ActionCopy Action = iota
	// ActionMove deletes the local file once its content is stored.
	ActionMove
)

func (a Action) String() string {
	switch a {
	case ActionCopy:
		return "copy"
	case ActionMove:
		return "move"
	}
	return "unknown"
}

// FileRequest is one file to transfer, as produced by the dependency tracer.
type FileRequest struct {
	LocalPath  string
	RemotePath string
	Action     Action
}

// Options are the scheduler policy knobs. Zero values select the defaults.
type Options struct {
	// MaxNegotiationRounds bounds how often the scheduler asks the store
	// what it still needs before giving up.
	MaxNegotiationRounds int
	// MaxDeferred is the number of files that may be deferred in one pass.
	MaxDeferred int
	// MaxFailed is the number of failures after which a pass is abandoned.
	MaxFailed int
	// ProgressInterval throttles byte progress events.
	ProgressInterval time.Duration
}

const (
	DefaultMaxNegotiationRounds = 50
	DefaultMaxDeferred          = 8
	DefaultMaxFailed            = 8
	DefaultProgressInterval     = 250 * time.Millisecond
)

// DefaultOptions returns the default policy.
func DefaultOptions() Options {
	return Options{
		MaxNegotiationRounds: DefaultMaxNegotiationRounds,
		MaxDeferred:          DefaultMaxDeferred,
		MaxFailed:            DefaultMaxFailed,
		ProgressInterval:     DefaultProgressInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxNegotiationRounds <= 0 {
		o.MaxNegotiationRounds = d.MaxNegotiationRounds
	}
	if o.MaxDeferred <= 0 {
		o.MaxDeferred = d.MaxDeferred
	}
	if o.MaxFailed <= 0 {
		o.MaxFailed = d.MaxFailed
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	return o
}

// Outcome is the result of one run. Counters are kept on failure too, so
// the host can report how far the run got.
type Outcome struct {
	FilesUploaded int
	BytesUploaded int64
	// FilesSkipped counts files the store turned out to have already,
	// found by the pre-flight check or an "already stored" upload response.
	FilesSkipped int
	Deferred     int
	Failed       int
	Rounds       int

	OutputPath   string
	MissingFiles []string

	// Err is the terminal error; nil on success.
	Err error
}

// Succeeded reports whether the run completed without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Interrupted reports whether the run ended because it was aborted.
func (o Outcome) Interrupted() bool {
	return errors.Is(o.Err, ErrInterrupted)
}
