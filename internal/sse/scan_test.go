package sse

import (
	"errors"
	"strings"
	"testing"
)

func dataPayloads(events []Event) []string {
	var out []string
	for _, ev := range events {
		switch ev.Kind {
		case KindData:
			out = append(out, string(ev.Data))
		case KindDone:
			out = append(out, sentinel)
		}
	}
	return out
}

func scanAll(chunks ...string) ([]Event, []byte) {
	var (
		all  []Event
		tail []byte
	)
	for _, c := range chunks {
		var evs []Event
		evs, tail = Scan(tail, []byte(c))
		all = append(all, evs...)
	}
	return all, tail
}

func TestScan_SplitChunkMatchesWhole(t *testing.T) {
	whole, _ := scanAll("data: {\"a\":1}\n\ndata: {\"b\":2}\n\n")
	split, tail := scanAll("data: {\"a\":1}\n\nda", "ta: {\"b\":2}\n\n")

	want := []string{`{"a":1}`, `{"b":2}`}
	if got := dataPayloads(whole); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("whole = %v, want %v", got, want)
	}
	if got := dataPayloads(split); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("split = %v, want %v", got, want)
	}
	if len(tail) != 0 {
		t.Errorf("tail = %q, want empty", tail)
	}
}

func TestScan_ByteAtATime(t *testing.T) {
	stream := "data: {\"id\":1,\"delta\":\"Ho\"}\n\n: keep-alive\n\ndata: {\"id\":2,\"delta\":\"ming\"}\n\ndata: [DONE]\n\n"
	chunks := make([]string, len(stream))
	for i := range stream {
		chunks[i] = stream[i : i+1]
	}

	events, _ := scanAll(chunks...)
	got := dataPayloads(events)
	want := []string{`{"id":1,"delta":"Ho"}`, `{"id":2,"delta":"ming"}`, sentinel}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestScan_CarriesPartialLine(t *testing.T) {
	events, rest := Scan(nil, []byte("data: {\"a\":1}\n\ndata: {\"b\""))
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(rest) != `data: {"b"` {
		t.Errorf("rest = %q", rest)
	}

	events, rest = Scan(rest, []byte(":2}\n"))
	if len(events) != 1 || string(events[0].Data) != `{"b":2}` {
		t.Fatalf("events = %+v", events)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %q, want empty", rest)
	}
}

func TestScan_MalformedLineDropped(t *testing.T) {
	events, _ := Scan(nil, []byte("data: {invalid json\n\ndata: {\"ok\":true}\n\n"))

	if got := dataPayloads(events); len(got) != 1 || got[0] != `{"ok":true}` {
		t.Fatalf("forwarded = %v, want only {\"ok\":true}", got)
	}

	var malformed int
	for _, ev := range events {
		if ev.Kind == KindMalformed {
			malformed++
			var target *MalformedEventError
			if !errors.As(ev.Err, &target) || !strings.Contains(target.Payload, "invalid json") {
				t.Errorf("malformed event error = %v", ev.Err)
			}
		}
	}
	if malformed != 1 {
		t.Errorf("malformed = %d, want 1", malformed)
	}
}

func TestScan_NonDataLinesIgnored(t *testing.T) {
	input := "event: message\nid: 7\n: comment\nretry: 100\ndata:{\"nospace\":1}\n\n"
	events, _ := Scan(nil, []byte(input))
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0: %+v", len(events), events)
	}
}

func TestScan_StopsAtSentinel(t *testing.T) {
	events, rest := Scan(nil, []byte("data: {\"a\":1}\n\ndata: [DONE]\n\ndata: {\"after\":true}\n\n"))

	got := dataPayloads(events)
	want := []string{`{"a":1}`, sentinel}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
	if rest != nil {
		t.Errorf("rest = %q, want nil after sentinel", rest)
	}
}

func TestScan_ReserializesCompactly(t *testing.T) {
	events, _ := Scan(nil, []byte("data: { \"choices\" : [ {\"delta\": {\"content\": \"loft\"} } ] }\n"))
	if len(events) != 1 {
		t.Fatalf("got %d events", len(events))
	}
	if string(events[0].Data) != `{"choices":[{"delta":{"content":"loft"}}]}` {
		t.Errorf("Data = %s", events[0].Data)
	}
}

func TestScan_CRLF(t *testing.T) {
	events, _ := Scan(nil, []byte("data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n\r\n"))
	got := dataPayloads(events)
	want := []string{`{"a":1}`, sentinel}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestScan_DoesNotAliasInput(t *testing.T) {
	chunk := []byte("data: {\"a\":1}\ndata: {\"b\"")
	_, rest := Scan(nil, chunk)
	for i := range chunk {
		chunk[i] = 'x'
	}
	if string(rest) != `data: {"b"` {
		t.Errorf("rest changed with input buffer: %q", rest)
	}
}
