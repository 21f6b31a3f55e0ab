// Package server implements the HTTP transport layer for the keygate gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/app"
	"github.com/eugener/keygate/internal/telemetry"
)

// Body caps used when the matching Deps field is zero. Uploads allow a 25 MB
// audio file plus form overhead.
const (
	DefaultMaxBodyBytes   = 1 << 20
	DefaultMaxUploadBytes = 26 << 20
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Caller runs gateway calls; *app.Pipeline implements it.
type Caller interface {
	Chat(ctx context.Context, in app.Inbound) (*gateway.ChatResponse, error)
	Image(ctx context.Context, in app.Inbound) (*gateway.ImageResponse, error)
	Speech(ctx context.Context, in app.Inbound) (*gateway.SpeechResponse, error)
	Transcribe(ctx context.Context, in app.Inbound) (*gateway.TranscriptionResponse, error)
	GeminiImage(ctx context.Context, in app.Inbound) (*app.GeminiImage, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline       Caller
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = /metrics not mounted
	MaxBodyBytes   int64              // 0 = DefaultMaxBodyBytes
	MaxUploadBytes int64              // 0 = DefaultMaxUploadBytes
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Gateway calls. Credentials are verified inside the pipeline because
	// HMAC signatures cover the request body.
	r.Group(func(r chi.Router) {
		r.Use(limitBody(deps.MaxBodyBytes))
		r.Post("/v1/chat/{product}", s.handleChat)
		r.Post("/v1/images/generations/{product}", s.handleImage)
		r.Post("/v1/images/gemini/{product}", s.handleGeminiImage)
		r.Post("/v1/audio/speech/{product}", s.handleSpeech)
	})
	r.Group(func(r chi.Router) {
		r.Use(limitBody(deps.MaxUploadBytes))
		r.Post("/v1/audio/transcriptions/{product}", s.handleTranscription)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse("route not found", gateway.ErrorClient))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed", gateway.ErrorClient))
	})

	return r
}

type server struct {
	deps Deps
}
