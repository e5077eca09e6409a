package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 60 * time.Second
	maxErrorBodySize = 1 << 20
)

// Client dispatches chat completion requests to the upstream API.
// It performs exactly one attempt per call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client for the upstream rooted at baseURL, e.g.
// https://open.bigmodel.cn/api/paas/v4. timeout bounds buffered calls;
// streaming calls are bounded by the caller's context instead.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// Chat sends req with apiKey as bearer token and returns the response body.
// For streaming requests the body contains SSE events; otherwise it holds
// the complete JSON response. The caller must close it.
//
// A non-2xx upstream status is returned as *UpstreamError with the full
// error body.
func (c *Client) Chat(ctx context.Context, apiKey string, req ChatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var (
		reqCtx context.Context
		cancel context.CancelFunc
	)
	if req.Stream {
		reqCtx, cancel = context.WithCancel(ctx)
	} else {
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setHeaders(httpReq, apiKey, req.Stream)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return nil, fmt.Errorf("reading upstream error body (status %d): %w", resp.StatusCode, readErr)
		}
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	// Wrap the body so the request context is released when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func setHeaders(req *http.Request, apiKey string, stream bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

// DecodeBuffered reads a complete upstream response body and checks that it
// is JSON. The returned bytes are the upstream body unchanged.
func DecodeBuffered(r io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &RelayError{Op: "reading upstream response", Err: err}
	}
	if !json.Valid(data) {
		return nil, &RelayError{Op: "parsing upstream response", Err: fmt.Errorf("body is not valid JSON (%d bytes)", len(data))}
	}
	return json.RawMessage(data), nil
}
