// Package gateway defines domain types and interfaces for the keygate AI gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// --- Call kinds ---

// CallKind identifies which canonical operation a request performs.
type CallKind string

const (
	KindChat          CallKind = "chat"
	KindImage         CallKind = "image"
	KindSpeech        CallKind = "speech"
	KindTranscription CallKind = "transcription"
)

// --- Adapter ---

// Upstream carries the per-call vendor credentials resolved from product config.
type Upstream struct {
	APIKey  string
	BaseURL string // empty = vendor default
}

// Adapter translates canonical requests into one vendor's wire format and back.
// Implementations must not retry and must not fall back to another vendor.
type Adapter interface {
	// Name returns the adapter tag (e.g., "openai", "gemini").
	Name() string
	// Supports reports whether the adapter implements the given call kind.
	Supports(kind CallKind) bool
	Chat(ctx context.Context, up Upstream, req *ChatRequest) (*ChatResponse, error)
	Image(ctx context.Context, up Upstream, req *ImageRequest) (*ImageResponse, error)
	Speech(ctx context.Context, up Upstream, req *SpeechRequest) (*SpeechResponse, error)
}

// --- Canonical chat ---

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// Message represents a chat message. Content is either a JSON string or an
// array of content parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- Canonical images ---

// ImageRequest represents an OpenAI-compatible image generation request.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              *int   `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	Style          string `json:"style,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
	User           string `json:"user,omitempty"`
	Stream         bool   `json:"stream,omitempty"`

	// Set only by the Gemini-native image route.
	AspectRatio string `json:"-"`
	Resolution  string `json:"-"`
}

// ImageResponse represents an OpenAI-compatible image generation response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is a single generated image. Exactly one of B64JSON or URL is set.
type ImageData struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
	MIMEType      string `json:"-"` // known only for inline data
}

// --- Canonical speech ---

// SpeechRequest represents an OpenAI-compatible text-to-speech request.
type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
	Instructions   string   `json:"instructions,omitempty"`
	Stream         bool     `json:"stream,omitempty"`
}

// SpeechResponse is synthesized audio returned verbatim to the caller.
type SpeechResponse struct {
	ContentType string
	Audio       []byte
}

// --- Canonical transcription ---

// TranscriptionRequest is a Whisper-compatible audio upload. It arrives as
// multipart/form-data rather than JSON.
type TranscriptionRequest struct {
	Model          string
	File           []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    *float64
	Stream         bool
}

// TranscriptionResponse is the vendor reply, returned verbatim. Usage is set
// when the vendor reports token counts.
type TranscriptionResponse struct {
	ContentType string
	Body        []byte
	Usage       *Usage
}

// Transcriber is implemented by adapters that accept audio uploads.
type Transcriber interface {
	Transcribe(ctx context.Context, up Upstream, req *TranscriptionRequest) (*TranscriptionResponse, error)
}

// ImageCapper is implemented by adapters that return fewer images per call
// than callers may request.
type ImageCapper interface {
	MaxImagesPerCall() int
}

// --- Products ---

// ProviderConfig is one upstream entry within a product, in priority order.
type ProviderConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Type    string   `json:"type,omitempty" yaml:"type,omitempty"` // adapter tag; defaults to Name
	APIKey  string   `json:"-" yaml:"api_key"`
	BaseURL string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Models  []string `json:"models,omitempty" yaml:"models,omitempty"` // empty = any model
}

// AdapterType returns the adapter tag used for registry lookup.
func (p ProviderConfig) AdapterType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// Serves reports whether this provider entry accepts the given model.
func (p ProviderConfig) Serves(model string) bool {
	if len(p.Models) == 0 {
		return true
	}
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}

// ProductConfig describes one logical product: its ordered upstream providers
// and per-product policy overrides.
type ProductConfig struct {
	ID            string
	Providers     []ProviderConfig
	AllowedModels []string      // nil = any model the providers serve
	Timeout       time.Duration // 0 = gateway default
}

// AllowsModel reports whether the product allow-list admits model.
func (p *ProductConfig) AllowsModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// --- Authentication ---

// AuthMethod names the credential scheme that authenticated a request.
type AuthMethod string

const (
	AuthJWT  AuthMethod = "jwt"
	AuthHMAC AuthMethod = "hmac"
	AuthIAP  AuthMethod = "iap"
)

// AuthContext is the verified caller for one request. It is never persisted.
type AuthContext struct {
	Identity     string     `json:"identity"`
	ProductScope string     `json:"product_scope,omitempty"` // empty = any product
	Method       AuthMethod `json:"method"`
	ClientID     string     `json:"client_id,omitempty"`
}

// Credentials is the raw material a verifier inspects.
type Credentials struct {
	Header http.Header
	Method string
	Path   string
	Body   []byte
}

// Authenticator verifies request credentials and returns the caller context.
type Authenticator interface {
	Verify(ctx context.Context, c Credentials) (*AuthContext, error)
}

// --- Usage ---

// UsageRecord represents a single completed gateway call.
type UsageRecord struct {
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Product          string    `json:"product"`
	Identity         string    `json:"identity"`
	AuthMethod       string    `json:"auth_method"`
	CallKind         string    `json:"call_kind"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	StatusCode       int       `json:"status_code"`
	LatencyMs        int       `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// RequestCount is the number of admitted requests for one product/identity pair.
type RequestCount struct {
	Product  string
	Identity string
	Count    int64
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// Auth is set later by the pipeline via mutation of the same pointer.
type requestMeta struct {
	RequestID string
	Auth      *AuthContext
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// AuthFromContext extracts the verified caller from context.
func AuthFromContext(ctx context.Context) *AuthContext {
	if m := metaFromContext(ctx); m != nil {
		return m.Auth
	}
	return nil
}

// ContextWithAuth stores ac in the existing requestMeta if present, falling
// back to new metadata (e.g., in tests).
func ContextWithAuth(ctx context.Context, ac *AuthContext) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Auth = ac
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Auth: ac})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
