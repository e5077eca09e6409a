package sse

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// frames splits a recorded SSE body into its data payloads.
func frames(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	for _, f := range strings.Split(body, "\n\n") {
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "data: ") {
			t.Fatalf("unexpected frame %q", f)
		}
		out = append(out, strings.TrimPrefix(f, "data: "))
	}
	return out
}

// feed writes each chunk to a pipe, one Write per chunk, then closes it.
func feed(chunks ...string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			if _, err := pw.Write([]byte(c)); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr
}

func TestRelay_OrderAndSentinel(t *testing.T) {
	rr := httptest.NewRecorder()
	w := NewWriter(rr)

	stats, err := Relay(context.Background(), feed(
		"data: {\"n\":1}\n\n",
		"data: {\"n\":2}\n\ndata: {bad\n\n",
		"data: {\"n\":3}\n\ndata: [DONE]\n\n",
		"data: {\"n\":4}\n\n",
	), w, Options{})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}

	got := frames(t, rr.Body.String())
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, "[DONE]"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	if stats.Events != 3 || stats.Dropped != 1 || !stats.Done {
		t.Errorf("stats = %+v", stats)
	}

	h := rr.Header()
	if h.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
	if h.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q", h.Get("Cache-Control"))
	}
	if h.Get("Connection") != "keep-alive" {
		t.Errorf("Connection = %q", h.Get("Connection"))
	}
}

func TestRelay_SplitChunks(t *testing.T) {
	rr := httptest.NewRecorder()
	_, err := Relay(context.Background(), feed("data: {\"a\":1}\n\nda", "ta: {\"b\":2}\n\n"), NewWriter(rr), Options{})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	got := frames(t, rr.Body.String())
	if strings.Join(got, "|") != `{"a":1}|{"b":2}` {
		t.Fatalf("frames = %v", got)
	}
}

func TestRelay_EOFWithoutSentinel(t *testing.T) {
	rr := httptest.NewRecorder()
	w := NewWriter(rr)
	stats, err := Relay(context.Background(), feed("data: {\"a\":1}\n\n", "data: {\"partial\":"), w, Options{})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if stats.Done {
		t.Error("Done = true without sentinel")
	}
	if got := frames(t, rr.Body.String()); len(got) != 1 {
		t.Errorf("frames = %v, want 1", got)
	}
}

func TestRelay_EmptyStreamCommitsHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	w := NewWriter(rr)
	if _, err := Relay(context.Background(), feed(), w, Options{}); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if !w.Started() {
		t.Error("headers not committed on empty stream")
	}
	if rr.Code != 200 || rr.Body.Len() != 0 {
		t.Errorf("code = %d body = %q", rr.Code, rr.Body.String())
	}
}

func TestRelay_ReadErrorBeforeData(t *testing.T) {
	pr, pw := io.Pipe()
	pw.CloseWithError(errors.New("connection reset by peer"))

	rr := httptest.NewRecorder()
	w := NewWriter(rr)
	_, err := Relay(context.Background(), pr, w, Options{})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v, want read error", err)
	}
	if errors.Is(err, ErrClientGone) {
		t.Error("upstream failure reported as client failure")
	}
	if w.Started() {
		t.Error("writer started although no data was relayed")
	}
}

func TestRelay_ReadErrorMidStream(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: {\"a\":1}\n\n"))
		pw.CloseWithError(errors.New("unexpected EOF"))
	}()

	rr := httptest.NewRecorder()
	w := NewWriter(rr)
	_, err := Relay(context.Background(), pr, w, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !w.Started() {
		t.Fatal("writer should have started")
	}

	// The caller's policy: one error frame, then close.
	if err := w.WriteError("upstream stream interrupted"); err != nil {
		t.Fatal(err)
	}
	got := frames(t, rr.Body.String())
	if len(got) != 2 || !strings.Contains(got[1], `"type":"relay_error"`) {
		t.Fatalf("frames = %v", got)
	}
}

func TestRelay_IdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	start := time.Now()
	_, err := Relay(context.Background(), pr, NewWriter(httptest.NewRecorder()), Options{IdleTimeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("err = %v, want ErrIdleTimeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("idle timeout not honoured")
	}
}

func TestRelay_IdleTimerResetsOnData(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(20 * time.Millisecond)
			if _, err := pw.Write([]byte("data: {\"tick\":true}\n\n")); err != nil {
				return
			}
		}
		pw.Write([]byte("data: [DONE]\n\n"))
		pw.Close()
	}()

	stats, err := Relay(context.Background(), pr, NewWriter(httptest.NewRecorder()), Options{IdleTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if stats.Events != 4 || !stats.Done {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRelay_ContextCancelReleasesUpstream(t *testing.T) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Relay(ctx, pr, NewWriter(httptest.NewRecorder()), Options{})
		done <- err
	}()

	if _, err := pw.Write([]byte("data: {\"a\":1}\n\n")); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Relay did not return after cancellation")
	}

	// The upstream body must be closed: further writes fail.
	if _, err := pw.Write([]byte("data: {\"b\":2}\n\n")); err == nil {
		t.Error("upstream body still open after cancellation")
	}
}
