// Package gemini implements the gateway.Adapter for the Google Gemini API.
// Chat, image and speech all go through generateContent; the call kind only
// changes the requested response modalities.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

var (
	_ gateway.Adapter     = (*Client)(nil)
	_ gateway.ImageCapper = (*Client)(nil)
)

// Client is a Gemini adapter. Credentials and base URL arrive per call.
type Client struct {
	http *http.Client
}

// New creates a Gemini Client. A nil client uses http.DefaultClient.
func New(client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client}
}

// Name returns the adapter tag.
func (c *Client) Name() string { return providerName }

// Supports reports true for chat, image and speech.
func (c *Client) Supports(kind gateway.CallKind) bool {
	switch kind {
	case gateway.KindChat, gateway.KindImage, gateway.KindSpeech:
		return true
	}
	return false
}

// MaxImagesPerCall is 1: generateContent yields a single inline image.
func (c *Client) MaxImagesPerCall() int { return 1 }

// Chat sends a chat request translated to generateContent.
func (c *Client) Chat(ctx context.Context, up gateway.Upstream, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	reply, err := c.generate(ctx, up, req.Model, translateChat(req))
	if err != nil {
		return nil, err
	}

	out, ok := translateChatResponse(reply.Body, req.Model)
	if !ok {
		return nil, fmt.Errorf("gemini: %w: no candidate text", gateway.ErrNoPayload)
	}
	out.ID = "chatcmpl-" + uuid.NewString()
	out.Created = provider.Now()
	return out, nil
}

// Image generates one image via generateContent with image output enabled.
// Gemini only returns inline data, so the response always carries b64_json.
func (c *Client) Image(ctx context.Context, up gateway.Upstream, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	reply, err := c.generate(ctx, up, req.Model, translateImage(req))
	if err != nil {
		return nil, err
	}

	img, ok := findInlineData(reply.Body, "image/")
	if !ok {
		return nil, fmt.Errorf("gemini: %w: no inline image data", gateway.ErrNoPayload)
	}
	return &gateway.ImageResponse{
		Created: provider.Now(),
		Data:    []gateway.ImageData{{B64JSON: img.Data, MIMEType: img.MimeType}},
	}, nil
}

// Speech synthesizes audio via generateContent with audio output enabled.
// Raw PCM is wrapped in a WAV container so callers get a playable file.
func (c *Client) Speech(ctx context.Context, up gateway.Upstream, req *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	reply, err := c.generate(ctx, up, req.Model, translateSpeech(req))
	if err != nil {
		return nil, err
	}

	aud, ok := findInlineData(reply.Body, "audio/")
	if !ok {
		return nil, fmt.Errorf("gemini: %w: no inline audio data", gateway.ErrNoPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(aud.Data)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("gemini: %w: undecodable audio", gateway.ErrNoPayload)
	}

	if rate, ok := pcmRate(aud.MimeType); ok {
		return &gateway.SpeechResponse{ContentType: "audio/wav", Audio: wrapWAV(raw, rate)}, nil
	}
	return &gateway.SpeechResponse{ContentType: aud.MimeType, Audio: raw}, nil
}

func (c *Client) generate(ctx context.Context, up gateway.Upstream, model string, body *geminiRequest) (*provider.Reply, error) {
	u := fmt.Sprintf("%s/models/%s:generateContent", provider.BaseURL(up.BaseURL, defaultBaseURL), url.PathEscape(model))
	h := make(http.Header, 1)
	h.Set("x-goog-api-key", up.APIKey)
	return provider.PostJSON(ctx, c.http, providerName, u, h, body)
}
