// Package codec incrementally parses the engine's record stream. The
// engine interleaves three logical streams (primary output, diagnostics,
// and structured events) as newline-delimited JSON records that may
// arrive fragmented across transport chunks. The same decoder serves the
// subprocess auxiliary pipe and the HTTP response body; framing is
// transport-independent.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrIncompleteStream indicates the stream ended with a non-empty
// unparsed carry-over fragment before the termination sentinel.
var ErrIncompleteStream = errors.New("codec: incomplete stream")

// doneSentinel terminates a stream. Anything after it is ignored.
const doneSentinel = "[DONE]"

// ssePrefix is the server-sent-events framing prefix stripped from each
// record line when present.
const ssePrefix = "data:"

// Kind classifies a decoded record.
type Kind int

const (
	// KindStderr is a diagnostic text fragment.
	KindStderr Kind = iota

	// KindStdout is a primary-output payload (string or chat envelope).
	KindStdout

	// KindEvent is a structured event envelope.
	KindEvent

	// KindDone is the termination sentinel.
	KindDone
)

// Record is one classified record from the stream.
type Record struct {
	Kind   Kind
	Stderr string          // diagnostic text, set for KindStderr
	Stdout json.RawMessage // primary-output payload, set for KindStdout
	Event  json.RawMessage // full event record, set for KindEvent
}

// Decoder reassembles newline-delimited records from arbitrarily-sized
// chunks. A trailing fragment without a newline is carried over to the
// next Write. Not safe for concurrent use; each stream owns one Decoder.
type Decoder struct {
	carry []byte
	done  bool
}

// Write consumes one transport chunk and returns the records completed
// by it, in arrival order. After the termination sentinel is seen all
// further input is discarded.
func (d *Decoder) Write(chunk []byte) []Record {
	if d.done {
		return nil
	}
	d.carry = append(d.carry, chunk...)

	var recs []Record
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			break
		}
		line := d.carry[:i]
		d.carry = d.carry[i+1:]

		rec, ok := decodeLine(line)
		if !ok {
			continue
		}
		recs = append(recs, rec)
		if rec.Kind == KindDone {
			d.done = true
			d.carry = nil
			break
		}
	}
	return recs
}

// Done reports whether the termination sentinel has been seen.
func (d *Decoder) Done() bool { return d.done }

// Close finalizes the stream. A carry-over fragment that parses as a
// complete record (the engine may omit the final newline) is returned;
// an unparseable fragment yields ErrIncompleteStream. The caller decides
// whether that is fatal; it is not if a terminal record already arrived.
func (d *Decoder) Close() ([]Record, error) {
	if d.done || len(bytes.TrimSpace(d.carry)) == 0 {
		d.carry = nil
		return nil, nil
	}
	line := d.carry
	d.carry = nil
	if rec, ok := decodeFinal(line); ok {
		return []Record{rec}, nil
	}
	return nil, ErrIncompleteStream
}

// decodeLine strips framing from one newline-terminated line and
// classifies it. Returns ok=false for blank lines. A non-JSON line is
// surfaced as a diagnostic record rather than dropped: newline-terminated
// garbage can never complete into a valid record, so buffering it would
// stall the stream.
func decodeLine(line []byte) (Record, bool) {
	line = stripFraming(line)
	if len(line) == 0 {
		return Record{}, false
	}
	if string(line) == doneSentinel {
		return Record{Kind: KindDone}, true
	}
	if rec, ok := classify(line); ok {
		return rec, true
	}
	return Record{Kind: KindStderr, Stderr: string(line)}, true
}

// decodeFinal classifies an end-of-stream fragment. Unlike decodeLine it
// refuses non-JSON input: an unterminated fragment is more likely a
// truncated record than deliberate diagnostic text.
func decodeFinal(line []byte) (Record, bool) {
	line = stripFraming(line)
	if len(line) == 0 {
		return Record{}, false
	}
	if string(line) == doneSentinel {
		return Record{Kind: KindDone}, true
	}
	return classify(line)
}

// stripFraming removes the SSE data prefix and surrounding whitespace.
func stripFraming(line []byte) []byte {
	line = bytes.TrimSpace(line)
	if bytes.HasPrefix(line, []byte(ssePrefix)) {
		line = bytes.TrimSpace(line[len(ssePrefix):])
	}
	return line
}

// classify decodes a JSON record and assigns its kind. Policy, evaluated
// in fixed priority order: a record carrying a diagnostic-text field is
// KindStderr; one carrying a primary-output field is KindStdout; any
// other object is a structured event envelope.
func classify(line []byte) (Record, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, false
	}

	if raw, ok := fields["stderr"]; ok {
		return Record{Kind: KindStderr, Stderr: rawText(raw)}, true
	}
	if raw, ok := fields["stdout"]; ok {
		return Record{Kind: KindStdout, Stdout: raw}, true
	}
	return Record{Kind: KindEvent, Event: append(json.RawMessage(nil), line...)}, true
}

// rawText renders a raw JSON value as diagnostic text: JSON strings are
// unquoted, everything else keeps its JSON form.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
