package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestParseChatRequest_Defaults(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"messages":[{"role":"user","content":"best loft ventilation?"}]}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", req.Model, DefaultModel)
	}
	if req.Temperature == nil || *req.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, DefaultTemperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != DefaultMaxTokens {
		t.Errorf("MaxTokens = %v, want %d", req.MaxTokens, DefaultMaxTokens)
	}
	if req.Stream {
		t.Error("Stream = true, want false")
	}
}

func TestParseChatRequest_ConfiguredDefaultModel(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`), "glm-4-flash")
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "glm-4-flash" {
		t.Errorf("Model = %q, want glm-4-flash", req.Model)
	}
}

func TestParseChatRequest_ExplicitValuesKept(t *testing.T) {
	body := `{"model":"glm-4-air","messages":[{"role":"user","content":"hi"}],"temperature":0,"max_tokens":16,"stream":true}`
	req, err := ParseChatRequest([]byte(body), "")
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "glm-4-air" {
		t.Errorf("Model = %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 16 {
		t.Errorf("MaxTokens = %v, want 16", req.MaxTokens)
	}
	if !req.Stream {
		t.Error("Stream = false, want true")
	}
}

func TestParseChatRequest_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty object":      `{}`,
		"empty body":        ``,
		"null messages":     `{"messages":null}`,
		"empty messages":    `{"messages":[]}`,
		"object messages":   `{"messages":{"role":"user"}}`,
		"string messages":   `{"messages":"hello"}`,
		"malformed json":    `{"messages":[`,
		"top-level array":   `[{"role":"user","content":"hi"}]`,
		"string stream":     `{"messages":[{"role":"user","content":"hi"}],"stream":"yes"}`,
		"string max_tokens": `{"messages":[{"role":"user","content":"hi"}],"max_tokens":"lots"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChatRequest([]byte(body), "")
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if vErr.StatusCode() != http.StatusBadRequest {
				t.Errorf("StatusCode = %d, want 400", vErr.StatusCode())
			}
		})
	}
}

func TestChatRequest_ExtraPassThrough(t *testing.T) {
	req, err := ParseChatRequest([]byte(`{"messages":[{"role":"user","content":"hi"}],"user_id":"loft-7"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out["user_id"] != "loft-7" {
		t.Errorf("user_id = %v, want loft-7", out["user_id"])
	}
	for _, k := range []string{"model", "messages", "temperature", "max_tokens", "stream"} {
		if _, ok := out[k]; !ok {
			t.Errorf("marshaled request missing %q", k)
		}
	}
}
