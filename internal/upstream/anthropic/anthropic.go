// Package anthropic relays browser chat requests to the Anthropic
// Messages API through the official Go SDK. The proxy never exposes the
// API key to clients; requests are re-shaped server-side and the
// upstream reply is passed back byte-for-byte.
package anthropic

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Bounds applied to client-supplied sampling parameters before the
// request goes upstream.
const (
	defaultMaxTokens   = 2048
	maxTokensCap       = 4096
	defaultTemperature = 0.7
	temperatureCap     = 1.0
	maxMessages        = 10
)

// Client wraps the SDK for the chat relay route. Retries are disabled on
// the underlying client so one inbound chat request maps to exactly one
// upstream call.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	sdk     anthropic.Client
}

// Option customizes the client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used by tests and local mock
// upstreams; the SDK default is the production endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a chat client. model is the fallback used when the
// request names none. An empty apiKey produces a disabled client; the
// caller is expected to check Enabled before relaying.
func New(apiKey, model string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{apiKey: apiKey, model: model}
	for _, o := range opts {
		o(c)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		option.WithMaxRetries(0),
	}
	if c.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(c.baseURL))
	}
	c.sdk = anthropic.NewClient(sdkOpts...)
	return c
}

// Enabled reports whether a server-side API key was configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// Relay is the upstream reply the proxy writes back to the browser.
type Relay struct {
	Status int
	Body   []byte
}

// Complete sends one Messages request and returns the upstream reply
// verbatim. API-level failures (4xx/5xx from Anthropic) come back as a
// Relay carrying the upstream status and error body; a non-nil error
// means the upstream could not be reached at all.
func (c *Client) Complete(ctx context.Context, req *ChatRequest) (*Relay, error) {
	msg, err := c.sdk.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		var aerr *anthropic.Error
		if errors.As(err, &aerr) {
			return &Relay{Status: aerr.StatusCode, Body: []byte(aerr.RawJSON())}, nil
		}
		return nil, err
	}
	return &Relay{Status: http.StatusOK, Body: []byte(msg.RawJSON())}, nil
}

// buildParams applies the server-side bounds: the conversation is capped
// at maxMessages turns, max_tokens at maxTokensCap and temperature at
// temperatureCap, with defaults for anything the client omitted.
func (c *Client) buildParams(req *ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = min(*req.MaxTokens, maxTokensCap)
	}

	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = math.Min(*req.Temperature, temperatureCap)
	}

	msgs := *req.Messages
	if len(msgs) > maxMessages {
		msgs = msgs[:maxMessages]
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    make([]anthropic.MessageParam, 0, len(msgs)),
		Temperature: anthropic.Float(temperature),
	}
	for _, m := range msgs {
		params.Messages = append(params.Messages, toSDKMessage(m))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func toSDKMessage(m Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if m.Role == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: role,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: m.Content}},
		},
	}
}
