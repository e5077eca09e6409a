package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseChatRequest decodes and validates an inbound request body and fills
// in defaults for model, temperature and max_tokens. An empty body is
// treated as an empty object. defaultModel falls back to DefaultModel when
// empty.
func ParseChatRequest(body []byte, defaultModel string) (ChatRequest, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}

	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return ChatRequest{}, &ValidationError{Message: fmt.Sprintf("invalid request body: %v", err)}
	}

	if !hasMessages(req.Messages) {
		return ChatRequest{}, &ValidationError{Message: "messages is required and must be a non-empty array"}
	}

	req.Normalize(defaultModel)
	return req, nil
}

// Normalize fills absent fields with their defaults. Explicit values,
// including zero, are kept.
func (r *ChatRequest) Normalize(defaultModel string) {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens == nil {
		n := DefaultMaxTokens
		r.MaxTokens = &n
	}
}

func hasMessages(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return false
	}
	return len(arr) > 0
}
