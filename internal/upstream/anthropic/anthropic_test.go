package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(srv *httptest.Server) *Client {
	return New("mock-api-key", "claude-3-5-haiku-latest", 5*time.Second, WithBaseURL(srv.URL))
}

func baseRequest() *ChatRequest {
	msgs := []Message{{Role: "user", Content: "Hello"}}
	return &ChatRequest{Messages: &msgs}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func jsonFloatToInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func blockText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []any:
		if len(s) == 0 {
			return "", true
		}
		if m, ok := s[0].(map[string]any); ok {
			if txt, ok := m["text"].(string); ok {
				return txt, true
			}
		}
	}
	return "", false
}

const cannedMessageJSON = `{"id":"msg-123","type":"message","role":"assistant","model":"claude-3-5-haiku-latest","content":[{"type":"text","text":"Hello, world!"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":5}}`

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func TestClient_Enabled(t *testing.T) {
	if New("", "model", time.Second).Enabled() {
		t.Fatal("client without api key must report disabled")
	}
	if !New("key", "model", time.Second).Enabled() {
		t.Fatal("client with api key must report enabled")
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"minimal valid", `{"messages":[{"role":"user","content":"hi"}]}`, false},
		{"empty messages array", `{"messages":[]}`, false},
		{"missing messages", `{"model":"claude-3-5-haiku-latest"}`, true},
		{"null messages", `{"messages":null}`, true},
		{"messages not an array", `{"messages":"hi"}`, true},
		{"invalid json", `{"messages":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for body %q", tt.body)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Messages == nil {
				t.Fatal("expected non-nil messages")
			}
		})
	}
}

func TestParseRequest_OptionalFieldsStayUnset(t *testing.T) {
	req, err := ParseRequest([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxTokens != nil {
		t.Fatalf("expected unset max_tokens, got %d", *req.MaxTokens)
	}
	if req.Temperature != nil {
		t.Fatalf("expected unset temperature, got %f", *req.Temperature)
	}
	if req.Model != "" || req.System != "" {
		t.Fatalf("expected empty model and system, got %q / %q", req.Model, req.System)
	}
}

func TestClient_Complete_DefaultsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if !isMessagesPath(r.URL.Path) {
			t.Fatalf("expected path ending with /messages, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Fatal("expected anthropic-version header to be present")
		}

		body := decodeJSONMap(t, r)

		if body["model"] != "claude-3-5-haiku-latest" {
			t.Fatalf("expected fallback model, got %#v", body["model"])
		}
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != defaultMaxTokens {
			t.Fatalf("expected max_tokens=%d, got %#v", defaultMaxTokens, body["max_tokens"])
		}
		if temp, ok := body["temperature"].(float64); !ok || temp != defaultTemperature {
			t.Fatalf("expected temperature=%v, got %#v", defaultTemperature, body["temperature"])
		}
		if _, ok := body["system"]; ok {
			t.Fatalf("did not expect system field, got %#v", body["system"])
		}

		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 1 {
			t.Fatalf("expected exactly 1 message, got %#v", body["messages"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, cannedMessageJSON)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	relay, err := c.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if relay.Status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", relay.Status)
	}
	if string(relay.Body) != cannedMessageJSON {
		t.Fatalf("relay body not verbatim:\nwant %s\ngot  %s", cannedMessageJSON, relay.Body)
	}
}

func TestClient_Complete_BoundsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)

		if body["model"] != "claude-3-5-sonnet" {
			t.Fatalf("expected requested model to win, got %#v", body["model"])
		}
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != maxTokensCap {
			t.Fatalf("expected max_tokens capped at %d, got %#v", maxTokensCap, body["max_tokens"])
		}
		if temp, ok := body["temperature"].(float64); !ok || temp != temperatureCap {
			t.Fatalf("expected temperature capped at %v, got %#v", temperatureCap, body["temperature"])
		}

		sysText, ok := blockText(body["system"])
		if !ok || sysText != "You are helpful." {
			t.Fatalf("expected system prompt, got %#v", body["system"])
		}

		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != maxMessages {
			t.Fatalf("expected conversation truncated to %d messages, got %#v", maxMessages, body["messages"])
		}
		first := msgs[0].(map[string]any)
		if txt, ok := blockText(first["content"]); !ok || txt != "m0" {
			t.Fatalf("expected first message kept, got %#v", first["content"])
		}
		last := msgs[maxMessages-1].(map[string]any)
		if txt, ok := blockText(last["content"]); !ok || txt != "m9" {
			t.Fatalf("expected truncation to keep the head of the conversation, got %#v", last["content"])
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, cannedMessageJSON)
	}))
	defer srv.Close()

	msgs := make([]Message, 0, 15)
	for i := 0; i < 15; i++ {
		msgs = append(msgs, Message{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}
	req := &ChatRequest{
		Model:       "claude-3-5-sonnet",
		Messages:    &msgs,
		System:      "You are helpful.",
		MaxTokens:   intPtr(999999),
		Temperature: floatPtr(1.7),
	}

	c := newTestClient(srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Complete_ZeroMaxTokensDefaulted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		if got, ok := jsonFloatToInt(body["max_tokens"]); !ok || got != defaultMaxTokens {
			t.Fatalf("expected max_tokens=%d for zero input, got %#v", defaultMaxTokens, body["max_tokens"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, cannedMessageJSON)
	}))
	defer srv.Close()

	req := baseRequest()
	req.MaxTokens = intPtr(0)

	c := newTestClient(srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Complete_RoleMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := decodeJSONMap(t, r)
		msgs, ok := body["messages"].([]any)
		if !ok || len(msgs) != 3 {
			t.Fatalf("expected 3 messages, got %#v", body["messages"])
		}
		wantRoles := []string{"user", "assistant", "user"}
		for i, want := range wantRoles {
			m := msgs[i].(map[string]any)
			if m["role"] != want {
				t.Fatalf("message %d: expected role %q, got %#v", i, want, m["role"])
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, cannedMessageJSON)
	}))
	defer srv.Close()

	msgs := []Message{
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "answer"},
		{Role: "tool", Content: "unknown roles fall back to user"},
	}

	c := newTestClient(srv)
	if _, err := c.Complete(context.Background(), &ChatRequest{Messages: &msgs}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Complete_UpstreamErrorRelayed(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		errType string
	}{
		{"rate limited", http.StatusTooManyRequests, "rate_limit_error"},
		{"overloaded", 529, "overloaded_error"},
		{"bad request", http.StatusBadRequest, "invalid_request_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				respondErrorJSON(w, tt.status, tt.errType, "upstream says no")
			}))
			defer srv.Close()

			c := newTestClient(srv)
			relay, err := c.Complete(context.Background(), baseRequest())
			if err != nil {
				t.Fatalf("API errors must relay, not fail: %v", err)
			}
			if relay.Status != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, relay.Status)
			}
			if !strings.Contains(string(relay.Body), tt.errType) {
				t.Fatalf("expected error body to carry %q, got %s", tt.errType, relay.Body)
			}
		})
	}
}

func TestClient_Complete_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(srv)
	relay, err := c.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected transport error for unreachable upstream")
	}
	if relay != nil {
		t.Fatalf("expected nil relay on transport error, got %+v", relay)
	}
}
