//go:build !windows

package enginerun

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dmora/enginerun/internal/codec"
)

// startExec spawns the engine binary for a single run. Primary output
// arrives as newline-delimited JSON on stdout, diagnostics on stderr,
// and structured events on an extra pipe passed as fd 3, the auxiliary
// channel implementation for platforms with inheritable descriptors.
//
// Subprocess-backed runs have no endpoint to answer callbacks against,
// so Confirm and Prompt cannot be enabled in this mode.
func (r *Run) startExec() error {
	if r.opts.Confirm || r.opts.Prompt {
		return errors.New("enginerun: confirm/prompt require a server-backed run")
	}

	bin := r.c.cfg.binPath
	resolved, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, bin, err)
	}

	eventsR, eventsW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("enginerun: events pipe: %w", err)
	}

	cmd := exec.Command(resolved, r.execArgs()...)
	cmd.Env = append(os.Environ(), r.opts.Env...)
	cmd.ExtraFiles = []*os.File{eventsW} // fd 3 in the child

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closePipes(eventsR, eventsW)
		return fmt.Errorf("enginerun: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closePipes(eventsR, eventsW)
		return fmt.Errorf("enginerun: stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if len(r.tools) > 0 {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			closePipes(eventsR, eventsW)
			return fmt.Errorf("enginerun: stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		closePipes(eventsR, eventsW)
		return fmt.Errorf("enginerun: start %s: %w", resolved, err)
	}
	_ = eventsW.Close() // parent's copy; the child keeps its own

	if stdin != nil {
		src, err := json.Marshal(r.tools)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			_ = eventsR.Close()
			return fmt.Errorf("enginerun: marshal tool definitions: %w", err)
		}
		go func() {
			_, _ = stdin.Write(src)
			_ = stdin.Close()
		}()
	}

	r.markStarted(func() { _ = cmd.Process.Kill() })
	go r.superviseExec(cmd, stdout, stderr, eventsR)
	return nil
}

// execArgs builds the engine invocation for this run. An absent
// continuation token is passed as the literal "null".
func (r *Run) execArgs() []string {
	args := []string{"--quiet=false"}
	if r.opts.DisableCache {
		args = append(args, "--disable-cache")
	}
	if r.opts.CacheDir != "" {
		args = append(args, "--cache-dir", r.opts.CacheDir)
	}
	if r.opts.ChdirTo != "" {
		args = append(args, "--chdir", r.opts.ChdirTo)
	}
	if r.opts.SubTool != "" {
		args = append(args, "--sub-tool", r.opts.SubTool)
	}
	if r.opts.Workspace != "" {
		args = append(args, "--workspace", r.opts.Workspace)
	}
	if r.opts.DefaultModel != "" {
		args = append(args, "--default-model", r.opts.DefaultModel)
	}
	chatState := r.opts.ChatState
	if chatState == "" {
		chatState = "null"
	}
	args = append(args, "--chat-state", chatState)
	args = append(args, "--events-stream-to", "fd://3")

	if r.toolPath != "" {
		args = append(args, r.toolPath)
	} else {
		args = append(args, "-") // inline definitions on stdin
	}
	if r.opts.Input != "" {
		args = append(args, r.opts.Input)
	}
	return args
}

// superviseExec pumps the three child streams concurrently, reaps the
// subprocess, and settles the run.
func (r *Run) superviseExec(cmd *exec.Cmd, stdout, stderr io.ReadCloser, events *os.File) {
	dec := &codec.Decoder{}

	var g errgroup.Group
	g.Go(func() error { return r.pumpStdout(stdout) })
	g.Go(func() error { return r.pumpStderr(stderr) })
	g.Go(func() error {
		defer func() { _ = events.Close() }()
		buf := make([]byte, 32<<10)
		for {
			n, err := events.Read(buf)
			if n > 0 {
				for _, rec := range dec.Write(buf[:n]) {
					r.processRecord(rec)
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	})

	pumpErr := g.Wait()
	waitErr := cmd.Wait()

	cause := pumpErr
	if waitErr != nil {
		cause = wrapExitError(waitErr)
	}
	r.finishStream(dec, cause)
}

// pumpStdout applies each stdout line as a primary-output payload.
// Lines that are not JSON are treated as raw output text.
func (r *Run) pumpStdout(stdout io.ReadCloser) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if json.Valid([]byte(line)) {
			r.handleStdout(json.RawMessage(line))
			continue
		}
		quoted, err := json.Marshal(line)
		if err != nil {
			continue
		}
		r.handleStdout(json.RawMessage(quoted))
	}
	return scanner.Err()
}

// pumpStderr accumulates diagnostic output line by line.
func (r *Run) pumpStderr(stderr io.ReadCloser) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		r.appendStderr(scanner.Text())
	}
	return scanner.Err()
}

// wrapExitError converts a non-zero *exec.ExitError to *ExitError,
// preserving the chain. Signal-killed children report code -1.
func wrapExitError(err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	if ee.ExitCode() == 0 {
		return nil
	}
	return &ExitError{Code: ee.ExitCode(), Err: err}
}

func closePipes(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
