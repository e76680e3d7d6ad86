package enginerun

import (
	"context"
	"fmt"
)

// NextChat starts the next turn of a chat conversation as a fresh Run
// carrying this run's continuation token. Legal on a run in
// RunStateContinue, on a failed run (retrying the turn with a cleared
// token), or on a run that was never submitted (the token, if any, comes
// from the caller's original options). Any other state returns
// ErrNotContinuable without touching the transport.
//
// The returned Run is independent of its predecessor; the caller owns it
// and must Close it.
func (r *Run) NextChat(ctx context.Context, input string) (*Run, error) {
	r.mu.Lock()
	state := r.state
	token := r.chatState
	r.mu.Unlock()

	opts := r.opts
	opts.Input = input

	switch state {
	case RunStateContinue:
		opts.ChatState = token
	case RunStateError:
		opts.ChatState = ""
	case RunStateCreating:
		// Keep the caller-supplied token untouched.
	default:
		return nil, fmt.Errorf("%w: run is %s", ErrNotContinuable, state)
	}

	return r.c.startRun(ctx, r.toolPath, r.tools, opts)
}
