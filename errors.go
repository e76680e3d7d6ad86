package enginerun

import (
	"errors"
	"strconv"

	"github.com/dmora/enginerun/internal/codec"
)

// Sentinel errors for client and run operations.
var (
	// ErrEngineUnavailable indicates the engine never became reachable
	// (binary not found, spawn failed, health check exhausted).
	ErrEngineUnavailable = errors.New("enginerun: engine unavailable")

	// ErrNotStarted indicates an accessor was called on a Run that was
	// never submitted to a transport.
	ErrNotStarted = errors.New("enginerun: run not started")

	// ErrAborted indicates the transport terminated before a terminal
	// record arrived (process killed, connection dropped, Close called).
	ErrAborted = errors.New("enginerun: run aborted")

	// ErrNotContinuable indicates NextChat was called on a Run whose
	// state permits no further turns.
	ErrNotContinuable = errors.New("enginerun: run is not in a continuable state")

	// ErrPromptNotAllowed indicates the engine requested user input while
	// prompting was not enabled in the Run's options. The Run is torn
	// down; this is a configuration error, not an engine fault.
	ErrPromptNotAllowed = errors.New("enginerun: prompt event received but prompts are not enabled")

	// ErrClientClosed indicates an operation on a closed Client.
	ErrClientClosed = errors.New("enginerun: client closed")
)

// ErrIncompleteStream indicates the event stream ended with an unparsed
// partial record and no terminal record was observed.
var ErrIncompleteStream = codec.ErrIncompleteStream

// ExitError represents an engine subprocess that exited with a non-zero
// status. Wraps the underlying error to preserve the chain; consumers
// can errors.As to *exec.ExitError for OS-level detail.
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "enginerun: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
