//go:build !windows

package enginerun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func execScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newExecClient(t *testing.T, bin string) *Client {
	t.Helper()
	c, err := NewClient(
		WithBin(bin),
		WithRunMode(RunModeExec),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExecRunSucceeds(t *testing.T) {
	bin := execScript(t, `
cat > /dev/null
echo '{"run":{"id":"r1","type":"runStart"}}' >&3
echo 'resolving model' >&2
echo '{"run":{"id":"r1","type":"runFinish","output":"exec says hi"}}' >&3
exit 0
`)
	c := newExecClient(t, bin)

	run, err := c.Evaluate(context.Background(), RunOptions{Input: "hi"},
		ToolDef{Name: "greeter", Instructions: "Say hello."})
	require.NoError(t, err)

	out, err := run.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exec says hi", out)
	assert.Equal(t, RunStateFinished, run.State())
	assert.Contains(t, run.ErrorOutput(), "resolving model")
}

func TestExecRunChatEnvelope(t *testing.T) {
	bin := execScript(t, `
echo '{"done":false,"content":"Name?","toolID":"chatbot","state":"tok-9"}'
exit 0
`)
	c := newExecClient(t, bin)

	run, err := c.RunTool(context.Background(), "chat.et", RunOptions{Input: "hello"})
	require.NoError(t, err)

	out, err := run.Text(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Name?", out)
	assert.Equal(t, RunStateContinue, run.State())
	assert.Equal(t, "tok-9", run.ChatState())
}

func TestExecRunNonZeroExit(t *testing.T) {
	bin := execScript(t, `
echo 'boom' >&2
exit 3
`)
	c := newExecClient(t, bin)

	run, err := c.RunTool(context.Background(), "broken.et", RunOptions{})
	require.NoError(t, err)

	_, err = run.Text(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Contains(t, run.ErrorOutput(), "boom")
}

func TestExecRejectsCallbacks(t *testing.T) {
	c := newExecClient(t, "unused")

	_, err := c.RunTool(context.Background(), "x.et", RunOptions{Confirm: true})
	require.Error(t, err)
	_, err = c.RunTool(context.Background(), "x.et", RunOptions{Prompt: true})
	require.Error(t, err)
}

func TestExecMissingBinary(t *testing.T) {
	c := newExecClient(t, "definitely-not-a-real-engine")

	_, err := c.RunTool(context.Background(), "x.et", RunOptions{})
	assert.ErrorIs(t, err, ErrEngineUnavailable)
}

func TestExecArgs(t *testing.T) {
	r := newRun(nil, "run-test", "", []ToolDef{{Name: "t"}}, RunOptions{
		Input:        "hello",
		DisableCache: true,
		SubTool:      "summarize",
	})
	args := r.execArgs()

	assert.Contains(t, args, "--disable-cache")
	assert.Contains(t, args, "--sub-tool")
	assert.Contains(t, args, "fd://3")
	assert.Equal(t, "hello", args[len(args)-1])
	assert.Equal(t, "-", args[len(args)-2], "inline definitions read from stdin")

	// Absent continuation token is passed explicitly.
	for i, a := range args {
		if a == "--chat-state" {
			assert.Equal(t, "null", args[i+1])
			return
		}
	}
	t.Fatal("missing --chat-state flag")
}

func TestExecArgsCarriesToken(t *testing.T) {
	r := newRun(nil, "run-test", "chat.et", nil, RunOptions{ChatState: "tok-1"})
	args := r.execArgs()
	for i, a := range args {
		if a == "--chat-state" {
			assert.Equal(t, "tok-1", args[i+1])
			assert.Equal(t, "chat.et", args[len(args)-1])
			return
		}
	}
	t.Fatal("missing --chat-state flag")
}
