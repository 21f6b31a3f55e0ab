// Package openai implements the gateway.Adapter for the OpenAI API. The
// canonical wire format is OpenAI's, so requests pass through unchanged.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/provider"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var (
	_ gateway.Adapter     = (*Client)(nil)
	_ gateway.Transcriber = (*Client)(nil)
)

// Client is an OpenAI adapter. Credentials and base URL arrive per call.
type Client struct {
	http *http.Client
}

// New creates an OpenAI Client. A nil client uses http.DefaultClient.
func New(client *http.Client) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{http: client}
}

// Name returns the adapter tag.
func (c *Client) Name() string { return providerName }

// Supports reports true for every call kind.
func (c *Client) Supports(gateway.CallKind) bool { return true }

// Chat forwards a chat completion request.
func (c *Client) Chat(ctx context.Context, up gateway.Upstream, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	reply, err := provider.PostJSON(ctx, c.http, providerName, endpoint(up, "/chat/completions"), headers(up), req)
	if err != nil {
		return nil, err
	}

	var out gateway.ChatResponse
	if err := json.Unmarshal(reply.Body, &out); err != nil {
		return nil, fmt.Errorf("openai: %w: decode response: %w", gateway.ErrProviderError, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w: no choices", gateway.ErrNoPayload)
	}
	if out.ID == "" {
		out.ID = "chatcmpl-" + uuid.NewString()
	}
	if out.Object == "" {
		out.Object = "chat.completion"
	}
	if out.Created == 0 {
		out.Created = provider.Now()
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if out.Usage == nil {
		out.Usage = &gateway.Usage{}
	}
	return &out, nil
}

// Image forwards an image generation request.
func (c *Client) Image(ctx context.Context, up gateway.Upstream, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	reply, err := provider.PostJSON(ctx, c.http, providerName, endpoint(up, "/images/generations"), headers(up), req)
	if err != nil {
		return nil, err
	}

	var out gateway.ImageResponse
	if err := json.Unmarshal(reply.Body, &out); err != nil {
		return nil, fmt.Errorf("openai: %w: decode response: %w", gateway.ErrProviderError, err)
	}
	data := out.Data[:0]
	for _, d := range out.Data {
		if d.B64JSON != "" || d.URL != "" {
			data = append(data, d)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openai: %w: no image data", gateway.ErrNoPayload)
	}
	out.Data = data
	if out.Created == 0 {
		out.Created = provider.Now()
	}
	return &out, nil
}

// Speech forwards a text-to-speech request and returns the raw audio.
func (c *Client) Speech(ctx context.Context, up gateway.Upstream, req *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	reply, err := provider.PostJSON(ctx, c.http, providerName, endpoint(up, "/audio/speech"), headers(up), req)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) == 0 {
		return nil, fmt.Errorf("openai: %w: empty audio", gateway.ErrNoPayload)
	}
	ct := reply.Header.Get("Content-Type")
	if ct == "" {
		ct = contentType(req.ResponseFormat)
	}
	return &gateway.SpeechResponse{ContentType: ct, Audio: reply.Body}, nil
}

// Transcribe re-encodes the upload as multipart/form-data and returns the
// transcript in whatever response_format the caller asked for.
func (c *Client) Transcribe(ctx context.Context, up gateway.Upstream, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error) {
	body, ct, err := transcriptionForm(req)
	if err != nil {
		return nil, fmt.Errorf("openai: encode upload: %w", err)
	}
	reply, err := provider.Post(ctx, c.http, providerName, endpoint(up, "/audio/transcriptions"), headers(up), ct, body)
	if err != nil {
		return nil, err
	}
	if len(reply.Body) == 0 {
		return nil, fmt.Errorf("openai: %w: empty transcript", gateway.ErrNoPayload)
	}

	out := &gateway.TranscriptionResponse{ContentType: reply.Header.Get("Content-Type"), Body: reply.Body}
	if out.ContentType == "" {
		out.ContentType = transcriptContentType(req.ResponseFormat)
	}
	if u := gjson.GetBytes(reply.Body, "usage"); u.Get("total_tokens").Exists() {
		out.Usage = &gateway.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("total_tokens").Int()),
		}
	}
	return out, nil
}

func transcriptionForm(req *gateway.TranscriptionRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", req.Model},
		{"language", req.Language},
		{"prompt", req.Prompt},
		{"response_format", req.ResponseFormat},
	}
	if req.Temperature != nil {
		fields = append(fields, [2]string{"temperature", strconv.FormatFloat(*req.Temperature, 'f', -1, 64)})
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	name := req.Filename
	if name == "" {
		name = "audio.webm"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(req.File); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// transcriptContentType maps a transcription response_format to its MIME type.
func transcriptContentType(format string) string {
	switch format {
	case "text", "srt":
		return "text/plain; charset=utf-8"
	case "vtt":
		return "text/vtt"
	default:
		return "application/json"
	}
}

func endpoint(up gateway.Upstream, path string) string {
	return provider.BaseURL(up.BaseURL, defaultBaseURL) + path
}

func headers(up gateway.Upstream) http.Header {
	h := make(http.Header, 1)
	h.Set("Authorization", "Bearer "+up.APIKey)
	return h
}

// contentType maps an OpenAI response_format to its MIME type.
func contentType(format string) string {
	switch format {
	case "opus":
		return "audio/opus"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}
