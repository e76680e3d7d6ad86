// Package enginerun is a client library for driving an external
// tool-execution engine and consuming its progress as a structured
// event stream.
//
// The engine is reached either by spawning it as a local subprocess or
// by connecting to an already-running instance over HTTP. Either way the
// engine produces three interleaved logical streams (primary output,
// diagnostics, and structured progress events) as newline-delimited
// JSON records, which this package reassembles and classifies.
//
// # Core Types
//
//   - [Client] is the facade the host application instantiates
//   - [Run] is one execution attempt with a small state machine
//   - [Frame] is one classified progress event (run, call, or prompt)
//   - [ToolDef] is an inline tool definition sent to the engine
//   - [RunOptions] is per-run configuration merged over client defaults
//
// # Quick Start
//
//	c, err := enginerun.NewClient()
//	if err != nil { log.Fatal(err) }
//	defer c.Close()
//
//	run, err := c.Evaluate(ctx, enginerun.RunOptions{},
//	    enginerun.ToolDef{Instructions: "echo hi"})
//	if err != nil { log.Fatal(err) }
//	defer run.Close()
//
//	out, err := run.Text(ctx)
//
// # Multi-Turn Chat
//
// A chat-enabled tool ends each turn in [RunStateContinue] with an opaque
// continuation token. [Run.NextChat] threads the token into a fresh Run
// for the next turn; the token can also be persisted externally and
// replayed later via [RunOptions.ChatState].
//
// # Interactive Callbacks
//
// With [RunOptions.Confirm] or [RunOptions.Prompt] enabled, the engine
// pauses a call and emits an [EventCallConfirm] or [EventPrompt] frame.
// The host answers through [Client.Confirm] or [Client.PromptResponse],
// correlated by the frame's id.
package enginerun
