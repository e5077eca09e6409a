package proxy

import (
	"encoding/json"
	"fmt"
)

const (
	DefaultModel       = "glm-4"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the chat completion request forwarded upstream.
// Fields not explicitly modeled are preserved in Extra for pass-through.
// Temperature and MaxTokens are pointers so that an explicit zero survives
// normalization.
type ChatRequest struct {
	Model       string
	Messages    json.RawMessage
	Temperature *float64
	MaxTokens   *int
	Stream      bool
	Extra       map[string]json.RawMessage
}

func (r ChatRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		m[k] = v
	}
	if r.Model != "" {
		m["model"] = r.Model
	}
	if r.Messages != nil {
		m["messages"] = r.Messages
	}
	if r.Temperature != nil {
		m["temperature"] = *r.Temperature
	}
	if r.MaxTokens != nil {
		m["max_tokens"] = *r.MaxTokens
	}
	m["stream"] = r.Stream
	return json.Marshal(m)
}

func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["model"]; ok {
		if err := json.Unmarshal(v, &r.Model); err != nil {
			return fmt.Errorf("model: %w", err)
		}
		delete(raw, "model")
	}
	if v, ok := raw["messages"]; ok {
		r.Messages = v
		delete(raw, "messages")
	}
	if v, ok := raw["temperature"]; ok {
		if err := json.Unmarshal(v, &r.Temperature); err != nil {
			return fmt.Errorf("temperature: %w", err)
		}
		delete(raw, "temperature")
	}
	if v, ok := raw["max_tokens"]; ok {
		if err := json.Unmarshal(v, &r.MaxTokens); err != nil {
			return fmt.Errorf("max_tokens: %w", err)
		}
		delete(raw, "max_tokens")
	}
	if v, ok := raw["stream"]; ok {
		var stream *bool
		if err := json.Unmarshal(v, &stream); err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		r.Stream = stream != nil && *stream
		delete(raw, "stream")
	}
	r.Extra = raw
	return nil
}
