package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcomes recorded for an exchange.
const (
	OutcomeOK             = "ok"
	OutcomeInvalid        = "invalid_request"
	OutcomeConfiguration  = "configuration_error"
	OutcomeUpstream       = "upstream_error"
	OutcomeRelay          = "relay_error"
	OutcomeClientCanceled = "client_canceled"
)

// Exchange is the metadata of one /proxy/chat call. Message content and
// upstream response bodies are never stored.
type Exchange struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	RequestID  string    `json:"request_id,omitempty"`
	Model      string    `json:"model"`
	Stream     bool      `json:"stream"`
	Status     int       `json:"status"`
	Outcome    string    `json:"outcome"`
	Events     int       `json:"events"`
	Dropped    int       `json:"dropped"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
