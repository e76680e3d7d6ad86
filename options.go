package enginerun

// GlobalOptions is facade-level configuration applied to every Run the
// Client creates. Run-level options override these for overlapping keys;
// environment lists are concatenated with the global entries first.
type GlobalOptions struct {
	// APIKey authenticates against the underlying model backend.
	APIKey string `json:"APIKey,omitempty"`

	// BaseURL overrides the model backend endpoint.
	BaseURL string `json:"BaseURL,omitempty"`

	// DefaultModel is the model used when a tool names none.
	DefaultModel string `json:"DefaultModel,omitempty"`

	// DefaultModelProvider routes model traffic through a provider shim.
	DefaultModelProvider string `json:"DefaultModelProvider,omitempty"`

	// Env is extra environment (KEY=value) passed to the engine.
	Env []string `json:"env,omitempty"`
}

// RunOptions is the per-run options bag.
type RunOptions struct {
	// Input is the initial user input for the run.
	Input string `json:"input,omitempty"`

	// DisableCache disables the engine's response cache for this run.
	DisableCache bool `json:"disableCache,omitempty"`

	// CacheDir overrides the engine's cache directory.
	CacheDir string `json:"cacheDir,omitempty"`

	// SubTool selects a named sub-tool within the referenced document.
	SubTool string `json:"subTool,omitempty"`

	// Workspace is the run's workspace directory.
	Workspace string `json:"workspace,omitempty"`

	// ChdirTo overrides the engine's working directory for this run.
	ChdirTo string `json:"chdirTo,omitempty"`

	// Location labels inline content with a source location.
	Location string `json:"location,omitempty"`

	// ChatState is an inbound continuation token from a prior turn,
	// possibly persisted across processes.
	ChatState string `json:"chatState,omitempty"`

	// Confirm pauses sensitive calls until the host answers the
	// resulting EventCallConfirm frame via Client.Confirm.
	Confirm bool `json:"confirm,omitempty"`

	// Prompt allows the engine to request user input. A prompt event on
	// a run without this set is a policy error that fails the run.
	Prompt bool `json:"prompt,omitempty"`

	// Env is extra environment (KEY=value), appended after the client's
	// global entries.
	Env []string `json:"env,omitempty"`

	// CredentialOverrides injects credential values, bypassing the
	// engine's store.
	CredentialOverrides []string `json:"credentialOverrides,omitempty"`

	// GlobalOptions overrides the client-level defaults for this run.
	GlobalOptions
}

// completeRunOptions merges run-level options over the client's global
// options. Scalars: run-level wins when non-zero. Env: global first,
// then run-level.
func completeRunOptions(global GlobalOptions, opts RunOptions) RunOptions {
	out := opts
	out.Env = nil

	if out.APIKey == "" {
		out.APIKey = global.APIKey
	}
	if out.BaseURL == "" {
		out.BaseURL = global.BaseURL
	}
	if out.DefaultModel == "" {
		out.DefaultModel = global.DefaultModel
	}
	if out.DefaultModelProvider == "" {
		out.DefaultModelProvider = global.DefaultModelProvider
	}

	out.Env = append(out.Env, global.Env...)
	out.Env = append(out.Env, opts.GlobalOptions.Env...)
	out.Env = append(out.Env, opts.Env...)
	out.GlobalOptions.Env = nil
	return out
}
