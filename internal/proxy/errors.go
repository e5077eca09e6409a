package proxy

import (
	"fmt"
	"net/http"
)

// ValidationError means the caller sent a malformed request. The upstream
// is never contacted.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string   { return e.Message }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

// ConfigurationError means the relay itself is misconfigured, e.g. no API key
// is available. The upstream is never contacted.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string   { return e.Message }
func (e *ConfigurationError) StatusCode() int { return http.StatusInternalServerError }

// UpstreamError carries a non-2xx upstream response verbatim.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// StatusCode mirrors the upstream status back to the caller.
func (e *UpstreamError) StatusCode() int { return e.Status }

// RelayError is a local failure while dispatching or relaying a response.
type RelayError struct {
	Op  string
	Err error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error   { return e.Err }
func (e *RelayError) StatusCode() int { return http.StatusInternalServerError }
