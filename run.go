package enginerun

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dmora/enginerun/internal/codec"
)

// RunState is a Run's lifecycle state.
type RunState string

const (
	// RunStateCreating is the state at construction, before submission.
	RunStateCreating RunState = "creating"

	// RunStateRunning means the engine accepted the stream.
	RunStateRunning RunState = "running"

	// RunStateContinue means the turn ended and the engine is waiting
	// for the next chat input. Quasi-terminal: the only legal next
	// action is NextChat.
	RunStateContinue RunState = "continue"

	// RunStateFinished is terminal success.
	RunStateFinished RunState = "finished"

	// RunStateError is terminal failure.
	RunStateError RunState = "error"
)

// IsTerminal reports whether s is Finished or Error. RunStateContinue is
// quasi-terminal and not included.
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished || s == RunStateError
}

// Run is one execution attempt against the engine. A Run is created by
// [Client.Evaluate], [Client.RunTool], or [Run.NextChat] and is owned by
// its creator, who must Close it when no longer needed.
//
// State is mutated only by the Run's own stream pumps; accessors are
// safe to call from any goroutine. Register subscribers promptly after
// creation; events begin arriving as soon as the run is submitted.
type Run struct {
	id       string
	toolPath string
	tools    []ToolDef
	opts     RunOptions
	c        *Client
	logger   *zap.Logger

	mu          sync.Mutex
	state       RunState
	started     bool
	output      strings.Builder
	errput      strings.Builder
	runErr      error
	chatState   string
	respondID   string
	program     *Program
	calls       map[string]*CallFrame
	rootCallID  string
	sawRoot     bool
	sawTerminal bool

	allSubs  []func(Frame)
	typeSubs map[EventType][]func(Frame)

	cancel     context.CancelFunc
	cancelOnce sync.Once
	done       chan struct{}
}

// chatResponse is the primary-output envelope for chat-enabled tools.
type chatResponse struct {
	Done    *bool           `json:"done"`
	Content string          `json:"content"`
	ToolID  string          `json:"toolID"`
	State   json.RawMessage `json:"state"`
}

func newRun(c *Client, id, toolPath string, tools []ToolDef, opts RunOptions) *Run {
	logger := zap.NewNop()
	if c != nil {
		logger = c.logger
	}
	return &Run{
		id:       id,
		toolPath: toolPath,
		tools:    tools,
		opts:     opts,
		c:        c,
		logger:   logger,
		state:    RunStateCreating,
		calls:    make(map[string]*CallFrame),
		typeSubs: make(map[EventType][]func(Frame)),
		done:     make(chan struct{}),
	}
}

// ID returns the client-generated run id.
func (r *Run) ID() string { return r.id }

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the stored error once the Run is in RunStateError, nil
// otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// ErrorOutput returns the accumulated diagnostic output.
func (r *Run) ErrorOutput() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errput.String()
}

// ChatState returns the outbound continuation token, or "" when the
// engine signalled no further turns.
func (r *Run) ChatState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatState
}

// Program returns the resolved program graph from the run-start event,
// or nil if none arrived yet.
func (r *Run) Program() *Program {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.program
}

// Calls returns a snapshot of the call map, keyed by call id.
func (r *Run) Calls() map[string]CallFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CallFrame, len(r.calls))
	for id, cf := range r.calls {
		out[id] = *cf
	}
	return out
}

// ParentCallFrame returns the root call record, the first call seen
// without a parent id, if known.
func (r *Run) ParentCallFrame() (CallFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sawRoot {
		return CallFrame{}, false
	}
	cf, ok := r.calls[r.rootCallID]
	if !ok {
		return CallFrame{}, false
	}
	return *cf, true
}

// RespondingTool returns the tool that produced the last chat response,
// resolved against the program graph when possible.
func (r *Run) RespondingTool() (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.respondID == "" {
		return Tool{}, false
	}
	if r.program != nil {
		if t, ok := r.program.ToolSet[r.respondID]; ok {
			return t, true
		}
	}
	return Tool{ID: r.respondID}, true
}

// Usage sums the token-usage counters across all calls.
func (r *Run) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var u Usage
	for _, cf := range r.calls {
		u.PromptTokens += cf.Usage.PromptTokens
		u.CompletionTokens += cf.Usage.CompletionTokens
		u.TotalTokens += cf.Usage.TotalTokens
	}
	return u
}

// Subscribe registers fn for frames of the given event type. Multiple
// subscribers per type are invoked in registration order.
func (r *Run) Subscribe(t EventType, fn func(Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typeSubs[t] = append(r.typeSubs[t], fn)
}

// SubscribeAll registers fn for every frame regardless of type.
// Catch-all subscribers run before type-specific ones.
func (r *Run) SubscribeAll(fn func(Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allSubs = append(r.allSubs, fn)
}

// Text blocks until the Run reaches a terminal state and returns the
// accumulated primary output. Returns the stored error for a failed run
// and ErrNotStarted for a run that was never submitted.
func (r *Run) Text(ctx context.Context) (string, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return "", ErrNotStarted
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RunStateError {
		return "", r.runErr
	}
	return r.output.String(), nil
}

// Bytes is Text as raw bytes.
func (r *Run) Bytes(ctx context.Context) ([]byte, error) {
	s, err := r.Text(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// JSON awaits the primary output and unmarshals it into v. The caller
// is responsible for knowing the expected shape; a non-JSON output is a
// decode error.
func (r *Run) JSON(ctx context.Context, v any) error {
	s, err := r.Text(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("enginerun: decode run output: %w", err)
	}
	return nil
}

// Close cancels the run: the subprocess is killed or the in-flight
// request aborted. Cancellation is asynchronous: the state becomes
// RunStateError with an aborted indication once the transport reports
// termination. Closing a run that never started is a usage error;
// closing an already-terminal run is a no-op.
func (r *Run) Close() error {
	r.mu.Lock()
	started := r.started
	cancel := r.cancel
	r.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if cancel != nil {
		r.cancelOnce.Do(cancel)
	}
	return nil
}

// --- Stream plumbing ---

// markStarted records successful submission to the transport.
func (r *Run) markStarted(cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	r.cancel = cancel
	r.setStateLocked(RunStateRunning)
}

// processRecord applies one classified record to the state machine and
// fans structured events out to subscribers.
func (r *Run) processRecord(rec codec.Record) {
	switch rec.Kind {
	case codec.KindStderr:
		r.appendStderr(rec.Stderr)
	case codec.KindStdout:
		r.handleStdout(rec.Stdout)
	case codec.KindEvent:
		r.handleEvent(rec.Event)
	case codec.KindDone:
		// Sentinel only terminates framing; state follows the records.
	}
}

func (r *Run) appendStderr(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errput.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		r.errput.WriteString("\n")
	}
}

// handleStdout merges a primary-output payload: either a chat envelope
// carrying turn state, or plain output to accumulate.
func (r *Run) handleStdout(raw json.RawMessage) {
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err == nil && cr.Done != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.output.WriteString(cr.Content)
		if *cr.Done {
			r.chatState = ""
			r.setStateLocked(RunStateFinished)
			r.sawTerminal = true
			return
		}
		r.chatState = decodeChatState(cr.State)
		r.respondID = cr.ToolID
		r.setStateLocked(RunStateContinue)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		r.output.WriteString(s)
	} else {
		r.output.Write(raw)
	}
}

// handleEvent decodes a structured event envelope, updates run/call
// state, and fans the frame out. Unrecognized envelopes become
// diagnostics rather than being dropped.
func (r *Run) handleEvent(raw json.RawMessage) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil ||
		(f.Run == nil && f.Call == nil && f.Prompt == nil) {
		r.appendStderr(string(raw))
		return
	}

	switch {
	case f.Run != nil:
		r.applyRunFrame(f.Run)
	case f.Call != nil:
		f.Call = r.mergeCallFrame(raw, f.Call)
	case f.Prompt != nil:
		if !r.applyPromptFrame(f.Prompt) {
			return
		}
	}
	r.fanOut(f)
}

func (r *Run) applyRunFrame(rf *RunFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch rf.Type {
	case EventRunStart:
		prog := rf.Program
		r.program = &prog
	case EventRunFinish:
		r.sawTerminal = true
		if rf.Error != "" {
			r.setErrorLocked(fmt.Errorf("enginerun: run failed: %s", rf.Error))
			return
		}
		if r.output.Len() == 0 {
			r.output.WriteString(rf.Output)
		}
		// A turn that already ended in Continue keeps its token.
		if r.state != RunStateContinue {
			r.setStateLocked(RunStateFinished)
		}
	}
}

// mergeCallFrame inserts or updates the call-map entry for the record's
// call id. A known id is updated in place by unmarshalling the new
// record into the existing entry, so the entry holds the union of all
// fields with the latest values winning. Returns the merged frame.
func (r *Run) mergeCallFrame(raw json.RawMessage, cf *CallFrame) *CallFrame {
	var envelope struct {
		Call json.RawMessage `json:"call"`
	}
	_ = json.Unmarshal(raw, &envelope)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.calls[cf.ID]
	if ok && len(envelope.Call) > 0 {
		if err := json.Unmarshal(envelope.Call, existing); err != nil {
			existing = cf
			r.calls[cf.ID] = cf
		}
	} else {
		existing = cf
		r.calls[cf.ID] = cf
	}

	if !r.sawRoot && existing.ParentID == "" {
		r.sawRoot = true
		r.rootCallID = existing.ID
	}
	return existing
}

// applyPromptFrame enforces the prompt policy. Returns false when the
// frame must not be fanned out (prompting disallowed): the run fails
// immediately and the transport is torn down; the engine's request is
// never answered.
func (r *Run) applyPromptFrame(pf *PromptFrame) bool {
	r.mu.Lock()
	allowed := r.opts.Prompt
	if !allowed {
		r.setErrorLocked(fmt.Errorf("%w: field(s) %s requested", ErrPromptNotAllowed,
			strings.Join(pf.Fields, ", ")))
	}
	cancel := r.cancel
	r.mu.Unlock()

	if !allowed {
		if cancel != nil {
			r.cancelOnce.Do(cancel)
		}
		return false
	}
	return true
}

// fanOut invokes catch-all subscribers, then type-keyed ones, in
// registration order. Callbacks run synchronously on the stream pump;
// they must not block on I/O that depends on further records.
func (r *Run) fanOut(f Frame) {
	t := f.Type()
	r.mu.Lock()
	subs := make([]func(Frame), 0, len(r.allSubs)+len(r.typeSubs[t]))
	subs = append(subs, r.allSubs...)
	subs = append(subs, r.typeSubs[t]...)
	r.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
}

// finishStream settles the Run when its transport ends. dec may be nil
// for transports that do their own framing. transportErr is the
// abnormal-termination cause, nil for a clean end of stream.
func (r *Run) finishStream(dec *codec.Decoder, transportErr error) {
	if dec != nil {
		recs, err := dec.Close()
		for _, rec := range recs {
			r.processRecord(rec)
		}
		if err != nil {
			r.mu.Lock()
			if !r.sawTerminal && !r.state.IsTerminal() && r.state != RunStateContinue {
				r.setErrorLocked(err)
			}
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	switch {
	case transportErr != nil && !r.state.IsTerminal() && r.state != RunStateContinue:
		r.setErrorLocked(fmt.Errorf("%w: %w", ErrAborted, transportErr))
	case r.state == RunStateRunning:
		// Clean end of stream without a terminal record: resolve with
		// the accumulated output.
		r.setStateLocked(RunStateFinished)
	}
	state := r.state
	r.mu.Unlock()

	r.logger.Debug("run stream finished",
		zap.String("run_id", r.id), zap.String("state", string(state)))
	close(r.done)
}

// setStateLocked transitions the state unless already terminal. Caller
// holds r.mu.
func (r *Run) setStateLocked(s RunState) {
	if r.state.IsTerminal() {
		return
	}
	r.state = s
}

// setErrorLocked records a failure unless already terminal. Caller
// holds r.mu.
func (r *Run) setErrorLocked(err error) {
	if r.state.IsTerminal() {
		return
	}
	r.state = RunStateError
	r.runErr = err
}

// decodeChatState renders the engine's continuation token as a string:
// JSON strings are unquoted, any other JSON value keeps its source form.
func decodeChatState(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
