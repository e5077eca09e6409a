package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/loftwing/loftrelay/internal/proxy"
	"github.com/loftwing/loftrelay/internal/storage"
)

const requestIDHeader = "X-Request-ID"

type successEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// classify maps an error to its HTTP status and error kind.
func classify(err error) (int, string) {
	var (
		ve *proxy.ValidationError
		ce *proxy.ConfigurationError
		ue *proxy.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return ve.StatusCode(), storage.OutcomeInvalid
	case errors.As(err, &ce):
		return ce.StatusCode(), storage.OutcomeConfiguration
	case errors.As(err, &ue):
		return ue.StatusCode(), storage.OutcomeUpstream
	default:
		return http.StatusInternalServerError, storage.OutcomeRelay
	}
}

// writeError writes the JSON error envelope for err. Upstream errors mirror
// the upstream status and carry its body as the message.
func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	env := errorEnvelope{Error: kind, Message: err.Error()}

	var ue *proxy.UpstreamError
	if errors.As(err, &ue) {
		env.Message = ue.Body
		env.Status = ue.Status
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

// parseLimit parses a positive integer query parameter, applying def when
// empty and capping at ceiling.
func parseLimit(raw string, def, ceiling int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &proxy.ValidationError{Message: fmt.Sprintf("limit must be a positive integer, got %q", raw)}
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

type requestIDKey struct{}

// requestID reuses an inbound X-Request-ID or assigns a new UUID, echoes it
// on the response and stores it in the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
