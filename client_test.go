package enginerun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dmora/enginerun/enginetest"
	"github.com/dmora/enginerun/internal/launcher"
)

func newFakeEngine(t *testing.T) *enginetest.Server {
	t.Helper()
	fe := enginetest.New()
	t.Cleanup(fe.Close)
	return fe
}

// newTestClient connects a Client to the fake engine through a private
// registry so tests do not share launcher.Default.
func newTestClient(t *testing.T, fe *enginetest.Server, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithURL(fe.URL()),
		WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	c, err := NewClient(opts...)
	require.NoError(t, err)
	c.registry = &launcher.Registry{}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientVersion(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "engine version v0.9.2\n")
	})
	c := newTestClient(t, fe)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "engine version v0.9.2", v)
}

func TestClientEvaluate(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("evaluate", func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.ToolDefs, 1)
		assert.Equal(t, "greeter", req.ToolDefs[0].Name)
		assert.Equal(t, "say hi", req.Input)

		enginetest.WriteStream(w,
			`{"run":{"id":"r1","type":"runStart","program":{"name":"inline"}}}`,
			`{"call":{"id":"c1","type":"callStart"}}`,
			`{"stdout":"Hello!"}`,
			`{"run":{"id":"r1","type":"runFinish"}}`,
		)
	})
	c := newTestClient(t, fe)

	run, err := c.Evaluate(context.Background(), RunOptions{Input: "say hi"},
		ToolDef{Name: "greeter", Instructions: "Say hello."})
	require.NoError(t, err)
	defer func() { _ = run.Close() }()

	out, err := run.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)
	assert.Equal(t, RunStateFinished, run.State())
	require.NotNil(t, run.Program())
	assert.Equal(t, "inline", run.Program().Name)
}

func TestClientEvaluateRequiresTools(t *testing.T) {
	c := newTestClient(t, newFakeEngine(t))
	_, err := c.Evaluate(context.Background(), RunOptions{})
	assert.Error(t, err)
}

func TestClientMultiTurnChat(t *testing.T) {
	var (
		mu        sync.Mutex
		gotStates []string
	)
	fe := newFakeEngine(t)
	fe.Handle("run", func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		gotStates = append(gotStates, req.ChatState)
		mu.Unlock()

		if req.ChatState == "" {
			enginetest.WriteStream(w, `{"stdout":{"done":false,"content":"Name?","toolID":"chatbot","state":"tok-1"}}`)
			return
		}
		enginetest.WriteStream(w, `{"stdout":{"done":true,"content":"Hi Ada!","toolID":"chatbot","state":null}}`)
	})
	c := newTestClient(t, fe)

	run, err := c.RunTool(context.Background(), "chat.et", RunOptions{Input: "hello"})
	require.NoError(t, err)
	out, err := run.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Name?", out)
	require.Equal(t, RunStateContinue, run.State())

	next, err := run.NextChat(context.Background(), "Ada")
	require.NoError(t, err)
	out, err = next.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada!", out)
	assert.Equal(t, RunStateFinished, next.State())

	// The second turn carries the first turn's token.
	mu.Lock()
	assert.Equal(t, []string{"", "tok-1"}, gotStates)
	mu.Unlock()

	// A finished conversation accepts no further turns.
	_, err = next.NextChat(context.Background(), "more")
	assert.ErrorIs(t, err, ErrNotContinuable)
}

func TestClientListModels(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("list-models", func(w http.ResponseWriter, r *http.Request) {
		var opts ListModelsOptions
		require.NoError(t, json.NewDecoder(r.Body).Decode(&opts))
		assert.Equal(t, []string{"openai"}, opts.Providers)
		fmt.Fprint(w, `["gpt-4o","gpt-4o-mini"]`)
	})
	c := newTestClient(t, fe)

	models, err := c.ListModels(context.Background(), ListModelsOptions{Providers: []string{"openai"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, models)
}

func TestClientParseAndFmt(t *testing.T) {
	fe := newFakeEngine(t)
	fe.HandleJSON("parse", []Node{
		{TextNode: &TextNode{Text: "# comment\n"}},
		{ToolNode: &ToolNode{Tool: Tool{ToolDef: ToolDef{Name: "greeter"}}}},
	})
	fe.Handle("fmt", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Nodes []Node `json:"nodes"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Nodes, 2)
		fmt.Fprint(w, "# comment\nname: greeter\n")
	})
	c := newTestClient(t, fe)

	nodes, err := c.ParseContent(context.Background(), "# comment\nname: greeter\n")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.NotNil(t, nodes[0].TextNode)
	require.NotNil(t, nodes[1].ToolNode)
	assert.Equal(t, "greeter", nodes[1].ToolNode.Tool.Name)

	text, err := c.Fmt(context.Background(), nodes)
	require.NoError(t, err)
	assert.Equal(t, "# comment\nname: greeter\n", text)
}

func TestClientLoadFile(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("load", func(w http.ResponseWriter, r *http.Request) {
		var req loadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "greet.et", req.File)
		fmt.Fprint(w, `{"program":{"name":"greet.et","entryToolId":"t1","toolSet":{"t1":{"name":"greeter","id":"t1"}}}}`)
	})
	c := newTestClient(t, fe)

	prog, err := c.LoadFile(context.Background(), "greet.et")
	require.NoError(t, err)
	assert.Equal(t, "greet.et", prog.Name)
	assert.Equal(t, "t1", prog.EntryToolID)
	assert.Contains(t, prog.ToolSet, "t1")
}

func TestClientCredentialRoundTrip(t *testing.T) {
	var (
		mu    sync.Mutex
		store = map[string]Credential{}
	)
	fe := newFakeEngine(t)
	fe.Handle("credentials/create", func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Credential)
		mu.Lock()
		store[req.Credential.ToolName] = *req.Credential
		mu.Unlock()
	})
	fe.Handle("credentials/reveal", func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		cred, ok := store[req.Name]
		mu.Unlock()
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(cred)
	})
	fe.Handle("credentials", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		creds := make([]Credential, 0, len(store))
		for _, c := range store {
			creds = append(creds, c)
		}
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(creds)
	})
	fe.Handle("credentials/delete", func(w http.ResponseWriter, r *http.Request) {
		var req credentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		delete(store, req.Name)
		mu.Unlock()
	})
	c := newTestClient(t, fe)
	ctx := context.Background()

	cred := Credential{
		Context:  "default",
		ToolName: "github",
		Type:     CredentialTypeTool,
		Env:      map[string]string{"GITHUB_TOKEN": "secret"},
	}
	require.NoError(t, c.CreateCredential(ctx, cred))

	listed, err := c.ListCredentials(ctx, "default", false)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	got, err := c.RevealCredential(ctx, "default", "github")
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Env["GITHUB_TOKEN"])

	require.NoError(t, c.DeleteCredential(ctx, "default", "github"))
	listed, err = c.ListCredentials(ctx, "default", false)
	require.NoError(t, err)
	assert.Empty(t, listed)

	_, err = c.RevealCredential(ctx, "default", "github")
	assert.Error(t, err)
}

func TestClientCallbackRouting(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("confirm/auth-1", func(w http.ResponseWriter, r *http.Request) {
		var resp AuthResponse
		require.NoError(t, json.NewDecoder(r.Body).Decode(&resp))
		assert.True(t, resp.Accept)
	})
	fe.Handle("prompt-response/p-1", func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&fields))
		assert.Equal(t, "Paris", fields["city"])
	})
	c := newTestClient(t, fe)
	ctx := context.Background()

	require.NoError(t, c.Confirm(ctx, AuthResponse{ID: "auth-1", Accept: true}))
	require.NoError(t, c.PromptResponse(ctx, PromptResponse{
		ID:        "p-1",
		Responses: map[string]string{"city": "Paris"},
	}))
	assert.ElementsMatch(t, []string{"/confirm/auth-1", "/prompt-response/p-1"}, fe.Requests())

	assert.Error(t, c.Confirm(ctx, AuthResponse{}))
	assert.Error(t, c.PromptResponse(ctx, PromptResponse{}))
}

func TestClientAbortedRun(t *testing.T) {
	started := make(chan struct{})
	fe := newFakeEngine(t)
	fe.Handle("run", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"stdout\":\"partial\"}\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	})
	c := newTestClient(t, fe)

	run, err := c.RunTool(context.Background(), "slow.et", RunOptions{})
	require.NoError(t, err)

	<-started
	require.NoError(t, run.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = run.Text(ctx)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, RunStateError, run.State())
}

func TestClientRejectedRun(t *testing.T) {
	fe := newFakeEngine(t)
	fe.Handle("run", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such tool", http.StatusBadRequest)
	})
	c := newTestClient(t, fe)

	_, err := c.RunTool(context.Background(), "missing.et", RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tool")
}

func TestClientClosed(t *testing.T) {
	c := newTestClient(t, newFakeEngine(t))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err := c.Version(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.RunTool(context.Background(), "x.et", RunOptions{})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestNewClientNoSpawnRequiresURL(t *testing.T) {
	t.Setenv(EnvNoSpawn, "1")
	t.Setenv(EnvURL, "")

	_, err := NewClient()
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestNewClientOptions(t *testing.T) {
	t.Setenv(EnvNoSpawn, "")
	t.Setenv(EnvAPIKey, "from-env")

	c, err := NewClient(
		WithAPIKey("from-option"),
		WithBaseURL("https://models.example"),
		WithDefaultModel("gpt-4o"),
		WithDefaultModelProvider("shim"),
		WithEnv("FOO=1", "BAR=2"),
	)
	require.NoError(t, err)

	g := c.GlobalOptions()
	assert.Equal(t, "from-option", g.APIKey, "options override env defaults")
	assert.Equal(t, "https://models.example", g.BaseURL)
	assert.Equal(t, "gpt-4o", g.DefaultModel)
	assert.Equal(t, "shim", g.DefaultModelProvider)
	assert.Equal(t, []string{"FOO=1", "BAR=2"}, g.Env)
}

func TestNewClientEnvDefaults(t *testing.T) {
	t.Setenv(EnvNoSpawn, "")
	t.Setenv(EnvAPIKey, "sk-test")
	t.Setenv(EnvBaseURL, "https://models.example")

	c, err := NewClient()
	require.NoError(t, err)
	g := c.GlobalOptions()
	assert.Equal(t, "sk-test", g.APIKey)
	assert.Equal(t, "https://models.example", g.BaseURL)
}
