package anthropic

import (
	"encoding/json"
	"fmt"
)

// ChatRequest is the browser-submitted chat payload. Pointer fields
// distinguish absent values from explicit zeros so defaults apply only
// when a field was omitted.
type ChatRequest struct {
	Model       string     `json:"model"`
	Messages    *[]Message `json:"messages"`
	System      string     `json:"system"`
	MaxTokens   *int       `json:"max_tokens"`
	Temperature *float64   `json:"temperature"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ParseRequest decodes and shape-checks the client chat payload. The only
// hard requirement is a messages array; every other field is optional and
// defaulted later.
func ParseRequest(body []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("body is not valid JSON: %w", err)
	}
	if req.Messages == nil {
		return nil, fmt.Errorf("messages must be an array")
	}
	return &req, nil
}
