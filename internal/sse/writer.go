package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer emits re-framed events to the caller. Headers are committed lazily
// on the first write so that a failure before any data can still be reported
// as an ordinary JSON error response.
//
// A Writer is owned by a single relay loop and is not safe for concurrent use.
type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

// NewWriter wraps w.
func NewWriter(w http.ResponseWriter) *Writer {
	return &Writer{w: w, rc: http.NewResponseController(w)}
}

// Started reports whether headers have been committed.
func (s *Writer) Started() bool {
	return s.started
}

// Open commits the event-stream headers without writing an event.
func (s *Writer) Open() error {
	if s.started {
		return nil
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	return s.flush()
}

// WriteData writes one JSON payload as a data frame.
func (s *Writer) WriteData(data []byte) error {
	return s.frame(data)
}

// WriteDone writes the terminal [DONE] frame.
func (s *Writer) WriteDone() error {
	return s.frame([]byte(sentinel))
}

// WriteError writes a final error frame. Nothing should be written after it.
func (s *Writer) WriteError(message string) error {
	payload, err := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "relay_error",
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling error frame: %w", err)
	}
	return s.frame(payload)
}

func (s *Writer) frame(payload []byte) error {
	if err := s.Open(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%s%s\n\n", dataPrefix, payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return s.flush()
}

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flushing frame: %w", err)
	}
	return nil
}
