package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/loftwing/loftrelay/internal/config"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

// newAPIClient targets the locally configured relay. The HTTP client has no
// overall timeout so that streamed replies are not cut off; callers bound
// non-streaming requests with a context deadline.
var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &apiClient{
		baseURL:    "http://" + cfg.Addr(),
		httpClient: &http.Client{},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is loftrelay running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// envelopeError is a relay error envelope returned as a Go error.
type envelopeError struct {
	HTTPStatus int
	Kind       string
	Message    string
}

func (e *envelopeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.HTTPStatus, e.Message)
}

// decodeEnvelope reads a {success, data} envelope into v, or turns an error
// envelope into *envelopeError.
func decodeEnvelope(resp *http.Response, v any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response (status %d): %w", resp.StatusCode, err)
	}

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil || (resp.StatusCode >= 400 && env.Error == "") {
		if resp.StatusCode >= 400 {
			return &envelopeError{HTTPStatus: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
		}
		return fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return &envelopeError{HTTPStatus: resp.StatusCode, Kind: env.Error, Message: env.Message}
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}
