package enginerun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dmora/enginerun/internal/codec"
)

// runRequest is the wire payload for run and evaluate operations.
type runRequest struct {
	File     string    `json:"file,omitempty"`
	ToolDefs []ToolDef `json:"toolDefs,omitempty"`
	RunOptions
}

// startHTTP submits the run to the engine endpoint and pumps the
// streaming response body through the frame codec. Cancelling ctx
// aborts the run.
func (r *Run) startHTTP(ctx context.Context, endpoint string) error {
	op := "evaluate"
	if r.toolPath != "" {
		op = "run"
	}
	payload := runRequest{
		File:       r.toolPath,
		ToolDefs:   r.tools,
		RunOptions: r.opts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("enginerun: marshal %s request: %w", op, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost,
		endpoint+"/"+op, bytes.NewReader(body))
	if err != nil {
		cancel()
		return fmt.Errorf("enginerun: build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("enginerun: submit %s: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		cancel()
		return fmt.Errorf("enginerun: %s rejected (HTTP %d): %s", op, resp.StatusCode, bytes.TrimSpace(msg))
	}

	r.markStarted(cancel)
	go r.pumpBody(resp.Body)
	return nil
}

// pumpBody reads the chunked/SSE response body through the codec until
// end of stream, then settles the run.
func (r *Run) pumpBody(body io.ReadCloser) {
	defer func() { _ = body.Close() }()

	dec := &codec.Decoder{}
	buf := make([]byte, 32<<10)
	var readErr error
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, rec := range dec.Write(buf[:n]) {
				r.processRecord(rec)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}
	r.finishStream(dec, readErr)
}
