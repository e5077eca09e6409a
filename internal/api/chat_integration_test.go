//go:build integration

package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loftwing/loftrelay/internal/proxy"
	"github.com/loftwing/loftrelay/internal/sse"
	"github.com/loftwing/loftrelay/internal/storage"
)

func TestRelayRoundTrip_OverRealServer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req proxy.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Model != "glm-4" {
			t.Errorf("upstream model = %q, want glm-4", req.Model)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, word := range []string{"Loft ", "hygiene ", "matters."} {
			b, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]string{"content": word}}},
			})
			w.Write([]byte("data: "))
			fl.Flush()
			w.Write(b)
			w.Write([]byte("\n\n"))
			fl.Flush()
			time.Sleep(5 * time.Millisecond)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	relaySrv := httptest.NewServer(NewHandler(Deps{
		Upstream:      proxy.NewClient(upstream.URL, 5*time.Second),
		CredentialEnv: []string{"ZHIPU_API_KEY"},
		Lookup:        lookupFrom(withKey),
		IdleTimeout:   2 * time.Second,
		Exchanges:     store,
	}))
	defer relaySrv.Close()

	resp, err := http.Post(relaySrv.URL+"/proxy/chat", "application/json",
		strings.NewReader(`{"messages":[{"role":"user","content":"tips?"}],"stream":true}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var (
		text strings.Builder
		tail []byte
		done bool
	)
	rd := bufio.NewReader(resp.Body)
	buf := make([]byte, 7)
	for !done {
		n, err := rd.Read(buf)
		var events []sse.Event
		events, tail = sse.Scan(tail, buf[:n])
		for _, ev := range events {
			switch ev.Kind {
			case sse.KindData:
				var chunk struct {
					Choices []struct {
						Delta struct {
							Content string `json:"content"`
						} `json:"delta"`
					} `json:"choices"`
				}
				json.Unmarshal(ev.Data, &chunk)
				text.WriteString(chunk.Choices[0].Delta.Content)
			case sse.KindDone:
				done = true
			}
		}
		if err != nil {
			break
		}
	}
	if !done {
		t.Error("stream ended without [DONE]")
	}
	if text.String() != "Loft hygiene matters." {
		t.Errorf("text = %q", text.String())
	}

	// The exchange is recorded after the last frame is flushed.
	var list []storage.Exchange
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); time.Sleep(10 * time.Millisecond) {
		if list, err = store.ListRecentExchanges(5); err != nil {
			t.Fatal(err)
		}
		if len(list) > 0 {
			break
		}
	}
	if len(list) != 1 || list[0].Events != 3 || !list[0].Stream {
		t.Errorf("exchange log = %+v", list)
	}
}
