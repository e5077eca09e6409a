package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/loftwing/loftrelay/internal/metrics"
	"github.com/loftwing/loftrelay/internal/proxy"
	"github.com/loftwing/loftrelay/internal/sse"
	"github.com/loftwing/loftrelay/internal/storage"
)

const defaultMaxBodyBytes = 1 << 20 // 1MB

// Dispatcher sends a single chat request upstream. *proxy.Client satisfies it.
type Dispatcher interface {
	Chat(ctx context.Context, apiKey string, req proxy.ChatRequest) (io.ReadCloser, error)
}

// ExchangeStore persists exchange metadata. *storage.Store satisfies it.
type ExchangeStore interface {
	SaveExchange(e storage.Exchange) error
	ListRecentExchanges(limit int) ([]storage.Exchange, error)
}

// Deps holds the dependencies of the HTTP and MCP surfaces.
type Deps struct {
	Upstream      Dispatcher
	CredentialEnv []string
	Lookup        proxy.LookupFunc // nil uses os.LookupEnv
	DefaultModel  string
	ServiceName   string
	IdleTimeout   time.Duration
	MaxBodyBytes  int64
	Exchanges     ExchangeStore // optional
	Logger        *slog.Logger
}

// relay is the shared request path behind /proxy/chat and the MCP chat tool.
type relay struct {
	Deps
}

func newRelay(d Deps) *relay {
	if d.Lookup == nil {
		d.Lookup = os.LookupEnv
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxBodyBytes
	}
	if d.ServiceName == "" {
		d.ServiceName = "loftrelay"
	}
	return &relay{Deps: d}
}

// NewHandler returns the relay's HTTP API.
func NewHandler(d Deps) http.Handler {
	rl := newRelay(d)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", rl.handleHealth)
	r.Post("/proxy/chat", rl.handleChat)
	if rl.Exchanges != nil {
		r.Get("/exchanges", rl.handleExchanges)
	}
	r.Handle("/metrics", metrics.Handler())

	return r
}

func (rl *relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": rl.ServiceName,
	})
}

// prepare validates the inbound body and resolves the upstream credential.
// Neither step touches the network.
func (rl *relay) prepare(body []byte) (proxy.ChatRequest, string, error) {
	req, err := proxy.ParseChatRequest(body, rl.DefaultModel)
	if err != nil {
		return proxy.ChatRequest{}, "", err
	}
	apiKey, err := proxy.ResolveCredential(rl.CredentialEnv, rl.Lookup)
	if err != nil {
		return req, "", err
	}
	return req, apiKey, nil
}

// dispatch performs the single upstream attempt and records its latency.
func (rl *relay) dispatch(ctx context.Context, apiKey string, req proxy.ChatRequest) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := rl.Upstream.Chat(ctx, apiKey, req)
	metrics.UpstreamLatency.WithLabelValues(modeLabel(req.Stream), req.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		var ue *proxy.UpstreamError
		if errors.As(err, &ue) {
			return nil, ue
		}
		return nil, &proxy.RelayError{Op: "contacting upstream", Err: err}
	}
	return rc, nil
}

// complete runs a buffered exchange and returns the upstream JSON unchanged.
func (rl *relay) complete(ctx context.Context, apiKey string, req proxy.ChatRequest) (json.RawMessage, error) {
	rc, err := rl.dispatch(ctx, apiKey, req)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return proxy.DecodeBuffered(rc)
}

func (rl *relay) handleChat(w http.ResponseWriter, r *http.Request) {
	ex := storage.Exchange{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		RequestID: requestIDFrom(r.Context()),
	}
	defer rl.finish(&ex)

	r.Body = http.MaxBytesReader(w, r.Body, rl.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = &proxy.ValidationError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		} else {
			err = &proxy.ValidationError{Message: fmt.Sprintf("reading request body: %v", err)}
		}
		rl.fail(w, &ex, err)
		return
	}

	req, apiKey, err := rl.prepare(body)
	ex.Model, ex.Stream = req.Model, req.Stream
	if err != nil {
		rl.fail(w, &ex, err)
		return
	}

	if !req.Stream {
		data, err := rl.complete(r.Context(), apiKey, req)
		if err != nil {
			if r.Context().Err() != nil {
				ex.Outcome, ex.Error = storage.OutcomeClientCanceled, err.Error()
				return
			}
			rl.fail(w, &ex, err)
			return
		}
		ex.Status, ex.Outcome = http.StatusOK, storage.OutcomeOK
		writeJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data})
		return
	}

	rc, err := rl.dispatch(r.Context(), apiKey, req)
	if err != nil {
		if r.Context().Err() != nil {
			ex.Outcome, ex.Error = storage.OutcomeClientCanceled, err.Error()
			return
		}
		rl.fail(w, &ex, err)
		return
	}
	rl.stream(w, r, rc, &ex)
}

// stream relays an SSE body and applies the mid-stream failure policy:
// before the first frame an error is a normal JSON envelope; after it, one
// error frame is written and the stream is closed without [DONE].
func (rl *relay) stream(w http.ResponseWriter, r *http.Request, rc io.ReadCloser, ex *storage.Exchange) {
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	sw := sse.NewWriter(w)
	stats, err := sse.Relay(r.Context(), rc, sw, sse.Options{
		IdleTimeout: rl.IdleTimeout,
		Logger:      rl.Logger.With("request_id", ex.RequestID),
	})
	ex.Events, ex.Dropped = stats.Events, stats.Dropped
	metrics.EventsRelayed.Add(float64(stats.Events))
	metrics.EventsDropped.Add(float64(stats.Dropped))

	switch {
	case err == nil:
		ex.Status, ex.Outcome = http.StatusOK, storage.OutcomeOK
	case r.Context().Err() != nil || errors.Is(err, sse.ErrClientGone):
		ex.Status, ex.Outcome, ex.Error = http.StatusOK, storage.OutcomeClientCanceled, err.Error()
	case !sw.Started():
		rl.fail(w, ex, &proxy.RelayError{Op: "relaying upstream stream", Err: err})
	default:
		ex.Status, ex.Outcome, ex.Error = http.StatusOK, storage.OutcomeRelay, err.Error()
		if werr := sw.WriteError(fmt.Sprintf("upstream stream interrupted: %v", err)); werr != nil {
			rl.Logger.Debug("writing stream error frame", "request_id", ex.RequestID, "error", werr)
		}
	}
}

// fail writes the error envelope for err and notes the outcome on ex.
func (rl *relay) fail(w http.ResponseWriter, ex *storage.Exchange, err error) {
	status, kind := classify(err)
	ex.Status, ex.Outcome, ex.Error = status, kind, err.Error()
	writeError(w, err)
}

// finish logs the exchange, updates metrics and appends it to the exchange log.
func (rl *relay) finish(ex *storage.Exchange) {
	ex.DurationMs = time.Since(ex.CreatedAt).Milliseconds()
	metrics.RelaysTotal.WithLabelValues(modeLabel(ex.Stream), ex.Outcome).Inc()

	attrs := []any{
		"request_id", ex.RequestID,
		"model", ex.Model,
		"stream", ex.Stream,
		"status", ex.Status,
		"outcome", ex.Outcome,
		"events", ex.Events,
		"dropped", ex.Dropped,
		"duration_ms", ex.DurationMs,
	}
	switch ex.Outcome {
	case storage.OutcomeOK, storage.OutcomeClientCanceled:
		rl.Logger.Info("chat relayed", attrs...)
	case storage.OutcomeInvalid:
		rl.Logger.Info("chat rejected", append(attrs, "error", ex.Error)...)
	default:
		rl.Logger.Warn("chat failed", append(attrs, "error", ex.Error)...)
	}

	if rl.Exchanges == nil {
		return
	}
	if err := rl.Exchanges.SaveExchange(*ex); err != nil {
		rl.Logger.Warn("recording exchange", "request_id", ex.RequestID, "error", err)
	}
}

func (rl *relay) handleExchanges(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 20, 500)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := rl.Exchanges.ListRecentExchanges(limit)
	if err != nil {
		writeError(w, &proxy.RelayError{Op: "listing exchanges", Err: err})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool               `json:"success"`
		Data    []storage.Exchange `json:"data"`
	}{true, list})
}

func modeLabel(stream bool) string {
	if stream {
		return "stream"
	}
	return "buffered"
}
