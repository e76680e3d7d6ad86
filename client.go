package enginerun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmora/enginerun/internal/launcher"
)

// Environment variables consumed at client construction.
const (
	// EnvBin overrides the engine binary location.
	EnvBin = "ENGINERUN_BIN"

	// EnvURL points at a pre-existing remote engine endpoint.
	EnvURL = "ENGINERUN_URL"

	// EnvNoSpawn suppresses local subprocess startup entirely; the
	// engine is assumed to be externally managed.
	EnvNoSpawn = "ENGINERUN_NO_SPAWN"

	// EnvAPIKey is the model backend API key.
	EnvAPIKey = "OPENAI_API_KEY"

	// EnvBaseURL is the model backend base URL.
	EnvBaseURL = "OPENAI_BASE_URL"
)

// defaultBin is the engine binary resolved via PATH when no override is
// configured.
const defaultBin = "engine"

// RunMode selects how the client submits runs to the engine.
type RunMode int

const (
	// RunModeServer streams runs over HTTP from the shared engine
	// endpoint. The default.
	RunModeServer RunMode = iota

	// RunModeExec spawns the engine binary per run and reads its pipes
	// directly. Confirm/prompt callbacks are unavailable in this mode.
	RunModeExec
)

// clientConfig holds resolved construction-time configuration.
type clientConfig struct {
	globals  GlobalOptions
	binPath  string
	url      string
	noSpawn  bool
	runMode  RunMode
	logger   *zap.Logger
	registry *launcher.Registry
	http     *http.Client
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientConfig)

// WithGlobalOptions sets facade-level defaults applied to every run.
func WithGlobalOptions(g GlobalOptions) ClientOption {
	return func(c *clientConfig) { c.globals = g }
}

// WithEnv appends facade-level environment bindings (KEY=value) passed
// to the engine for every run, ahead of run-level entries.
func WithEnv(env ...string) ClientOption {
	return func(c *clientConfig) { c.globals.Env = append(c.globals.Env, env...) }
}

// WithAPIKey sets the model backend API key.
func WithAPIKey(key string) ClientOption {
	return func(c *clientConfig) { c.globals.APIKey = key }
}

// WithBaseURL sets the model backend base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) { c.globals.BaseURL = url }
}

// WithDefaultModel sets the model used when a tool names none.
func WithDefaultModel(model string) ClientOption {
	return func(c *clientConfig) { c.globals.DefaultModel = model }
}

// WithDefaultModelProvider routes model traffic through a provider shim.
func WithDefaultModelProvider(provider string) ClientOption {
	return func(c *clientConfig) { c.globals.DefaultModelProvider = provider }
}

// WithBin overrides the engine binary path. Empty values are ignored.
func WithBin(path string) ClientOption {
	return func(c *clientConfig) {
		if path != "" {
			c.binPath = path
		}
	}
}

// WithURL connects to an already-running engine instead of spawning one.
func WithURL(url string) ClientOption {
	return func(c *clientConfig) { c.url = url }
}

// WithRunMode selects the run transport.
func WithRunMode(m RunMode) ClientOption {
	return func(c *clientConfig) { c.runMode = m }
}

// WithLogger attaches a structured logger. The default discards.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient overrides the HTTP client used for engine requests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *clientConfig) {
		if h != nil {
			c.http = h
		}
	}
}

// Client is the facade the host application instantiates. It owns
// global configuration, lazily ensures the shared engine endpoint is
// ready, and constructs a Run per operation. Close releases the
// client's reference on the shared engine; the subprocess is torn down
// when the last reference is released.
type Client struct {
	cfg        clientConfig
	logger     *zap.Logger
	httpClient *http.Client
	registry   *launcher.Registry

	mu       sync.Mutex
	endpoint string
	acquired bool
	closed   bool
}

// NewClient creates a Client. Environment variables provide defaults;
// options override them. No engine activity happens until the first
// operation that needs the endpoint.
func NewClient(opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{
		binPath:  envOr(EnvBin, defaultBin),
		url:      os.Getenv(EnvURL),
		noSpawn:  os.Getenv(EnvNoSpawn) != "",
		logger:   zap.NewNop(),
		registry: launcher.Default,
		http:     &http.Client{},
		globals: GlobalOptions{
			APIKey:  os.Getenv(EnvAPIKey),
			BaseURL: os.Getenv(EnvBaseURL),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.noSpawn && cfg.url == "" && cfg.runMode == RunModeServer {
		return nil, fmt.Errorf("%w: %s is set but no endpoint is configured", ErrEngineUnavailable, EnvNoSpawn)
	}

	return &Client{
		cfg:        cfg,
		logger:     cfg.logger,
		httpClient: cfg.http,
		registry:   cfg.registry,
	}, nil
}

// Close releases the client's reference on the shared engine. Safe to
// call once; further operations on the client fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.acquired {
		c.acquired = false
		return c.registry.Release()
	}
	return nil
}

// GlobalOptions returns the facade-level defaults.
func (c *Client) GlobalOptions() GlobalOptions { return c.cfg.globals }

// ensureEndpoint lazily acquires the shared engine endpoint.
func (c *Client) ensureEndpoint(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClientClosed
	}
	if c.acquired {
		return c.endpoint, nil
	}

	endpoint, err := c.registry.Acquire(ctx, launcher.Config{
		BinPath:      c.cfg.binPath,
		URL:          c.cfg.url,
		DisableSpawn: c.cfg.noSpawn,
		Env:          c.cfg.globals.Env,
		Logger:       c.logger,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	c.endpoint = endpoint
	c.acquired = true
	return endpoint, nil
}

// --- Run construction ---

// Evaluate submits one or more inline tool definitions for execution.
func (c *Client) Evaluate(ctx context.Context, opts RunOptions, tools ...ToolDef) (*Run, error) {
	if len(tools) == 0 {
		return nil, fmt.Errorf("enginerun: evaluate requires at least one tool definition")
	}
	return c.startRun(ctx, "", tools, completeRunOptions(c.cfg.globals, opts))
}

// RunTool executes a tool located by path or URL.
func (c *Client) RunTool(ctx context.Context, toolPath string, opts RunOptions) (*Run, error) {
	if toolPath == "" {
		return nil, fmt.Errorf("enginerun: run requires a tool path")
	}
	return c.startRun(ctx, toolPath, nil, completeRunOptions(c.cfg.globals, opts))
}

// startRun constructs a Run and submits it on the configured transport.
// opts must already be merged with the global options.
func (c *Client) startRun(ctx context.Context, toolPath string, tools []ToolDef, opts RunOptions) (*Run, error) {
	r := newRun(c, uuid.NewString(), toolPath, tools, opts)

	var err error
	switch c.cfg.runMode {
	case RunModeExec:
		err = r.startExec()
	default:
		var endpoint string
		endpoint, err = c.ensureEndpoint(ctx)
		if err == nil {
			err = r.startHTTP(ctx, endpoint)
		}
	}
	if err != nil {
		return nil, err
	}
	c.logger.Debug("run submitted",
		zap.String("run_id", r.id), zap.String("tool", toolPath))
	return r, nil
}

// --- Simple request/response operations ---

// Version returns the engine's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, "version", struct{}{})
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(body)), nil
}

// ListModelsOptions scopes ListModels to named providers, optionally
// with credential overrides for reaching them.
type ListModelsOptions struct {
	Providers           []string `json:"providers,omitempty"`
	CredentialOverrides []string `json:"credentialOverrides,omitempty"`
}

// ListModels returns the models available to the engine.
func (c *Client) ListModels(ctx context.Context, opts ListModelsOptions) ([]string, error) {
	body, err := c.doRequest(ctx, "list-models", opts)
	if err != nil {
		return nil, err
	}
	var models []string
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, fmt.Errorf("enginerun: decode model list: %w", err)
	}
	return models, nil
}

// parseRequest is the wire payload for parse operations.
type parseRequest struct {
	File         string `json:"file,omitempty"`
	Content      string `json:"content,omitempty"`
	Location     string `json:"location,omitempty"`
	DisableCache bool   `json:"disableCache,omitempty"`
}

// Parse parses a tool file into its block sequence.
func (c *Client) Parse(ctx context.Context, fileName string) ([]Node, error) {
	return c.parse(ctx, parseRequest{File: fileName})
}

// ParseContent parses inline tool source into its block sequence.
func (c *Client) ParseContent(ctx context.Context, content string) ([]Node, error) {
	return c.parse(ctx, parseRequest{Content: content})
}

func (c *Client) parse(ctx context.Context, req parseRequest) ([]Node, error) {
	body, err := c.doRequest(ctx, "parse", req)
	if err != nil {
		return nil, err
	}
	var nodes []Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return nil, fmt.Errorf("enginerun: decode parsed document: %w", err)
	}
	return nodes, nil
}

// Fmt serializes a block sequence back to tool source text.
func (c *Client) Fmt(ctx context.Context, nodes []Node) (string, error) {
	body, err := c.doRequest(ctx, "fmt", struct {
		Nodes []Node `json:"nodes"`
	}{nodes})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// loadRequest is the wire payload for load operations.
type loadRequest struct {
	File         string    `json:"file,omitempty"`
	Content      string    `json:"content,omitempty"`
	ToolDefs     []ToolDef `json:"toolDefs,omitempty"`
	SubTool      string    `json:"subTool,omitempty"`
	DisableCache bool      `json:"disableCache,omitempty"`
}

// LoadFile resolves a tool file into a program graph without executing it.
func (c *Client) LoadFile(ctx context.Context, fileName string) (*Program, error) {
	return c.load(ctx, loadRequest{File: fileName})
}

// LoadContent resolves inline tool source into a program graph without
// executing it.
func (c *Client) LoadContent(ctx context.Context, content string) (*Program, error) {
	return c.load(ctx, loadRequest{Content: content})
}

// LoadTools resolves inline tool definitions into a program graph
// without executing them.
func (c *Client) LoadTools(ctx context.Context, tools ...ToolDef) (*Program, error) {
	return c.load(ctx, loadRequest{ToolDefs: tools})
}

func (c *Client) load(ctx context.Context, req loadRequest) (*Program, error) {
	body, err := c.doRequest(ctx, "load", req)
	if err != nil {
		return nil, err
	}
	var out struct {
		Program Program `json:"program"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("enginerun: decode program: %w", err)
	}
	return &out.Program, nil
}

// --- Interactive callbacks ---

// Confirm answers an EventCallConfirm frame, accepting or rejecting the
// pending action. The engine blocks the corresponding call until this
// arrives.
func (c *Client) Confirm(ctx context.Context, resp AuthResponse) error {
	if resp.ID == "" {
		return fmt.Errorf("enginerun: confirm requires the frame's id")
	}
	_, err := c.doRequest(ctx, "confirm/"+resp.ID, resp)
	return err
}

// PromptResponse answers an EventPrompt frame with the requested field
// values.
func (c *Client) PromptResponse(ctx context.Context, resp PromptResponse) error {
	if resp.ID == "" {
		return fmt.Errorf("enginerun: prompt response requires the frame's id")
	}
	_, err := c.doRequest(ctx, "prompt-response/"+resp.ID, resp.Responses)
	return err
}

// --- Credential operations ---

// CreateCredential stores a credential in the engine's store.
func (c *Client) CreateCredential(ctx context.Context, cred Credential) error {
	_, err := c.doRequest(ctx, "credentials/create", credentialRequest{Credential: &cred})
	return err
}

// RevealCredential returns a stored credential including its environment
// map.
func (c *Client) RevealCredential(ctx context.Context, credCtx, name string) (Credential, error) {
	body, err := c.doRequest(ctx, "credentials/reveal", credentialRequest{Context: credCtx, Name: name})
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal(body, &cred); err != nil {
		return Credential{}, fmt.Errorf("enginerun: decode credential: %w", err)
	}
	return cred, nil
}

// ListCredentials lists stored credentials for one context, or for all
// contexts when allContexts is set.
func (c *Client) ListCredentials(ctx context.Context, credCtx string, allContexts bool) ([]Credential, error) {
	body, err := c.doRequest(ctx, "credentials", credentialRequest{Context: credCtx, AllContexts: allContexts})
	if err != nil {
		return nil, err
	}
	var creds []Credential
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("enginerun: decode credential list: %w", err)
	}
	return creds, nil
}

// DeleteCredential removes a stored credential.
func (c *Client) DeleteCredential(ctx context.Context, credCtx, name string) error {
	_, err := c.doRequest(ctx, "credentials/delete", credentialRequest{Context: credCtx, Name: name})
	return err
}

// --- HTTP plumbing ---

// doRequest performs one plain request/response call against the engine
// endpoint, ensuring readiness first.
func (c *Client) doRequest(ctx context.Context, op string, payload any) ([]byte, error) {
	endpoint, err := c.ensureEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("enginerun: marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		endpoint+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("enginerun: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enginerun: %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("enginerun: read %s response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enginerun: %s failed (HTTP %d): %s",
			op, resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
