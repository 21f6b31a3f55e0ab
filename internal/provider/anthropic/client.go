// Package anthropic implements the gateway.Adapter for the Anthropic Messages
// API. Only chat is supported.
package anthropic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	anthropicVersion = "2023-06-01"
)

var _ gateway.Adapter = (*Client)(nil)

// Client is an Anthropic adapter. Credentials and base URL arrive per call.
type Client struct {
	http             *http.Client
	defaultMaxTokens int
}

// New creates an Anthropic Client. defaultMaxTokens fills the required
// max_tokens field when the caller omits it.
func New(client *http.Client, defaultMaxTokens int) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 2048
	}
	return &Client{http: client, defaultMaxTokens: defaultMaxTokens}
}

// Name returns the adapter tag.
func (c *Client) Name() string { return providerName }

// Supports reports true for chat only.
func (c *Client) Supports(kind gateway.CallKind) bool { return kind == gateway.KindChat }

// Chat sends a chat request translated to the Messages API.
func (c *Client) Chat(ctx context.Context, up gateway.Upstream, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	h := make(http.Header, 2)
	h.Set("x-api-key", up.APIKey)
	h.Set("anthropic-version", anthropicVersion)

	u := provider.BaseURL(up.BaseURL, defaultBaseURL) + "/messages"
	reply, err := provider.PostJSON(ctx, c.http, providerName, u, h, translateRequest(req, c.defaultMaxTokens))
	if err != nil {
		return nil, err
	}

	out, ok := translateResponse(reply.Body, req.Model)
	if !ok {
		return nil, fmt.Errorf("anthropic: %w: no text content", gateway.ErrNoPayload)
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	out.Created = provider.Now()
	return out, nil
}

// Image is not offered by Anthropic.
func (c *Client) Image(context.Context, gateway.Upstream, *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	return nil, fmt.Errorf("anthropic: %w: image generation", gateway.ErrUnsupportedCall)
}

// Speech is not offered by Anthropic.
func (c *Client) Speech(context.Context, gateway.Upstream, *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	return nil, fmt.Errorf("anthropic: %w: speech synthesis", gateway.ErrUnsupportedCall)
}
