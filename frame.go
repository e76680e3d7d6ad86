package enginerun

import "time"

// EventType identifies the kind of structured event emitted by the engine.
type EventType string

const (
	// EventRunStart carries a snapshot of the resolved program graph.
	EventRunStart EventType = "runStart"

	// EventRunFinish carries the run's final output or error.
	EventRunFinish EventType = "runFinish"

	// EventCallStart announces a new engine-side call (tool invocation
	// or model request).
	EventCallStart EventType = "callStart"

	// EventCallContinue indicates a call resumed after tool results.
	EventCallContinue EventType = "callContinue"

	// EventCallChat indicates a chat completion round within a call.
	EventCallChat EventType = "callChat"

	// EventCallProgress carries partial output fragments for a call.
	EventCallProgress EventType = "callProgress"

	// EventCallConfirm asks the host to approve a sensitive action
	// before the engine executes it. Answer via [Client.Confirm].
	EventCallConfirm EventType = "callConfirm"

	// EventCallFinish carries a call's final output and usage.
	EventCallFinish EventType = "callFinish"

	// EventPrompt asks the host for user input. Answer via
	// [Client.PromptResponse].
	EventPrompt EventType = "prompt"
)

// Frame is a tagged union over the engine's structured event records.
// Exactly one of Run, Call, or Prompt is non-nil; decode priority when a
// record is ambiguous is run, then call, then prompt.
type Frame struct {
	Run    *RunFrame    `json:"run,omitempty"`
	Call   *CallFrame   `json:"call,omitempty"`
	Prompt *PromptFrame `json:"prompt,omitempty"`
}

// Type returns the event type of whichever variant is populated, or ""
// for a zero Frame.
func (f Frame) Type() EventType {
	switch {
	case f.Run != nil:
		return f.Run.Type
	case f.Call != nil:
		return f.Call.Type
	case f.Prompt != nil:
		return f.Prompt.Type
	}
	return ""
}

// RunFrame describes run-level progress (runStart, runFinish).
type RunFrame struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Program   Program   `json:"program"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Error     string    `json:"error"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	State     RunState  `json:"state"`
	ChatState string    `json:"chatState"`
}

// CallFrame describes one engine-side call. The ID is stable across the
// call's lifetime and is the merge key in the Run's call map.
type CallFrame struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentID,omitempty"`
	Type        EventType `json:"type"`
	Tool        Tool      `json:"tool,omitempty"`
	DisplayText string    `json:"displayText,omitempty"`
	Input       string    `json:"input,omitempty"`
	Output      []Output  `json:"output,omitempty"`
	Usage       Usage     `json:"usage,omitempty"`
	ToolResults int       `json:"toolResults,omitempty"`
	Start       time.Time `json:"start,omitempty"`
	End         time.Time `json:"end,omitempty"`
	LLMRequest  any       `json:"llmRequest,omitempty"`
	LLMResponse any       `json:"llmResponse,omitempty"`
}

// Output is one output fragment of a call.
type Output struct {
	Content string `json:"content,omitempty"`
}

// Usage contains token-usage counters reported for a call.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// PromptFrame asks the host application for input. Fields lists the
// requested field names in order; Sensitive marks values that should be
// masked when echoed.
type PromptFrame struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Time      time.Time         `json:"time"`
	Message   string            `json:"message"`
	Fields    []string          `json:"fields"`
	Sensitive bool              `json:"sensitive"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuthResponse answers an EventCallConfirm frame. Message carries an
// optional human-readable reason when rejecting.
type AuthResponse struct {
	ID      string `json:"id"`
	Accept  bool   `json:"accept"`
	Message string `json:"message,omitempty"`
}

// PromptResponse answers an EventPrompt frame with a field-name → value
// map.
type PromptResponse struct {
	ID        string            `json:"id"`
	Responses map[string]string `json:"responses"`
}
