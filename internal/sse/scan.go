// Package sse re-frames an upstream Server-Sent-Events stream.
//
// Upstream bytes are split into lines; only "data: " lines are considered.
// JSON payloads are validated and re-serialized, the [DONE] sentinel ends the
// stream, and malformed payloads are dropped one line at a time.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	dataPrefix = "data: "
	sentinel   = "[DONE]"
)

// Kind classifies a scanned line.
type Kind int

const (
	// KindData is a JSON payload to forward.
	KindData Kind = iota
	// KindDone is the [DONE] sentinel.
	KindDone
	// KindMalformed is a data line whose payload is not JSON. It is never
	// forwarded.
	KindMalformed
)

// Event is one complete data line from the upstream stream.
type Event struct {
	Kind Kind
	// Data is the compacted JSON payload for KindData.
	Data json.RawMessage
	// Err describes why a KindMalformed line was dropped.
	Err *MalformedEventError
}

// MalformedEventError describes a data line whose payload failed to parse.
type MalformedEventError struct {
	Payload string
	Err     error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed event %q: %v", truncate(e.Payload, 80), e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Scan appends chunk to tail, returns every event made of complete lines
// and the unterminated remainder to carry into the next call. Scanning stops
// at the [DONE] sentinel: it is the last event returned and rest is nil.
//
// Scan does not retain tail or chunk; rest is always a fresh slice.
func Scan(tail, chunk []byte) (events []Event, rest []byte) {
	buf := make([]byte, 0, len(tail)+len(chunk))
	buf = append(buf, tail...)
	buf = append(buf, chunk...)

	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(buf[:i], []byte("\r"))
		buf = buf[i+1:]

		ev, ok := parseLine(line)
		if !ok {
			continue
		}
		events = append(events, ev)
		if ev.Kind == KindDone {
			return events, nil
		}
	}

	if len(buf) > 0 {
		rest = append([]byte(nil), buf...)
	}
	return events, rest
}

func parseLine(line []byte) (Event, bool) {
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	payload := line[len(dataPrefix):]
	if string(payload) == sentinel {
		return Event{Kind: KindDone}, true
	}

	var out bytes.Buffer
	if err := json.Compact(&out, payload); err != nil {
		return Event{
			Kind: KindMalformed,
			Err:  &MalformedEventError{Payload: string(payload), Err: err},
		}, true
	}
	return Event{Kind: KindData, Data: out.Bytes()}, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
