// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync/atomic"

	gateway "github.com/eugener/keygate/internal"
)

// FakeAdapter is a configurable gateway.Adapter for testing. Unset function
// fields return canned successful responses.
type FakeAdapter struct {
	AdapterName  string
	Kinds        []gateway.CallKind // nil = all kinds
	ChatFn       func(ctx context.Context, up gateway.Upstream, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	ImageFn      func(ctx context.Context, up gateway.Upstream, req *gateway.ImageRequest) (*gateway.ImageResponse, error)
	SpeechFn     func(ctx context.Context, up gateway.Upstream, req *gateway.SpeechRequest) (*gateway.SpeechResponse, error)
	TranscribeFn func(ctx context.Context, up gateway.Upstream, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error)

	calls atomic.Int64
}

// Name returns the configured adapter name.
func (f *FakeAdapter) Name() string { return f.AdapterName }

// Supports reports whether kind is in Kinds.
func (f *FakeAdapter) Supports(kind gateway.CallKind) bool {
	if f.Kinds == nil {
		return true
	}
	for _, k := range f.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Calls returns the number of upstream calls made through the adapter.
func (f *FakeAdapter) Calls() int64 { return f.calls.Load() }

// Chat delegates to ChatFn or returns a one-choice response.
func (f *FakeAdapter) Chat(ctx context.Context, up gateway.Upstream, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.calls.Add(1)
	if f.ChatFn != nil {
		return f.ChatFn(ctx, up, req)
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}, nil
}

// Image delegates to ImageFn or returns a single base64 image.
func (f *FakeAdapter) Image(ctx context.Context, up gateway.Upstream, req *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	f.calls.Add(1)
	if f.ImageFn != nil {
		return f.ImageFn(ctx, up, req)
	}
	return &gateway.ImageResponse{Created: 1700000000, Data: []gateway.ImageData{{B64JSON: "aW1n"}}}, nil
}

// Speech delegates to SpeechFn or returns a short mp3 payload.
func (f *FakeAdapter) Speech(ctx context.Context, up gateway.Upstream, req *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	f.calls.Add(1)
	if f.SpeechFn != nil {
		return f.SpeechFn(ctx, up, req)
	}
	return &gateway.SpeechResponse{ContentType: "audio/mpeg", Audio: []byte("ID3")}, nil
}

// Transcribe delegates to TranscribeFn or returns a short JSON transcript.
func (f *FakeAdapter) Transcribe(ctx context.Context, up gateway.Upstream, req *gateway.TranscriptionRequest) (*gateway.TranscriptionResponse, error) {
	f.calls.Add(1)
	if f.TranscribeFn != nil {
		return f.TranscribeFn(ctx, up, req)
	}
	return &gateway.TranscriptionResponse{ContentType: "application/json", Body: []byte(`{"text":"hello"}`)}, nil
}
