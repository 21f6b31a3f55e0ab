package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/keygate/internal"
	"github.com/eugener/keygate/internal/app"
	"github.com/eugener/keygate/internal/auth"
	"github.com/eugener/keygate/internal/provider"
	"github.com/eugener/keygate/internal/provider/openai"
	"github.com/eugener/keygate/internal/ratelimit"
)

// fakeCaller returns canned results or a fixed error.
type fakeCaller struct {
	err    error
	lastIn app.Inbound
}

func (f *fakeCaller) Chat(_ context.Context, in app.Inbound) (*gateway.ChatResponse, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: 1234567890,
		Model:   "gpt-4o",
		Choices: []gateway.Choice{{
			Message:      gateway.Message{Role: "assistant", Content: []byte(`"Hello!"`)},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{},
	}, nil
}

func (f *fakeCaller) Image(_ context.Context, in app.Inbound) (*gateway.ImageResponse, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.ImageResponse{Created: 1, Data: []gateway.ImageData{{URL: "https://img.example/1.png"}}}, nil
}

func (f *fakeCaller) Speech(_ context.Context, in app.Inbound) (*gateway.SpeechResponse, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.SpeechResponse{ContentType: "audio/wav", Audio: []byte("RIFF....WAVE")}, nil
}

func (f *fakeCaller) Transcribe(_ context.Context, in app.Inbound) (*gateway.TranscriptionResponse, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.TranscriptionResponse{ContentType: "text/plain; charset=utf-8", Body: []byte("hello")}, nil
}

func (f *fakeCaller) GeminiImage(_ context.Context, in app.Inbound) (*app.GeminiImage, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return &app.GeminiImage{Format: "png", Data: "aW1n", Resolution: "1024x1024"}, nil
}

func newTestHandler() http.Handler {
	return New(Deps{Pipeline: &fakeCaller{}})
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := New(Deps{Pipeline: &fakeCaller{}, ReadyCheck: func(context.Context) error { return nil }})
	rec := httptest.NewRecorder()
	ok.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	down := New(Deps{Pipeline: &fakeCaller{}, ReadyCheck: func(context.Context) error { return errors.New("redis down") }})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRoutesPassProductAndCredentials(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path        string
		contentType string
	}{
		{"/v1/chat/p1", "application/json"},
		{"/v1/images/generations/p1", "application/json"},
		{"/v1/images/gemini/p1", "application/json"},
		{"/v1/audio/speech/p1", "audio/wav"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCaller{}
			h := New(Deps{Pipeline: fc})

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{"model":"m"}`))
			req.Header.Set("Authorization", "Bearer tok")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("Content-Type"); got != tt.contentType {
				t.Errorf("content-type = %q, want %q", got, tt.contentType)
			}
			if fc.lastIn.Product != "p1" || fc.lastIn.Credentials.Path != tt.path ||
				fc.lastIn.Credentials.Method != http.MethodPost || string(fc.lastIn.Credentials.Body) != `{"model":"m"}` {
				t.Errorf("inbound = %+v", fc.lastIn)
			}
			if fc.lastIn.Credentials.Header.Get("Authorization") != "Bearer tok" {
				t.Error("headers not forwarded")
			}
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		status     int
		errType    string
		retryAfter string
	}{
		{"bad request", fmt.Errorf("%w: messages must not be empty", gateway.ErrBadRequest), 400, "invalid_request_error", ""},
		{"streaming", gateway.ErrStreamingUnsupported, 400, "invalid_request_error", ""},
		{"unauthorized", gateway.ErrUnauthorized, 401, "authentication_error", ""},
		{"forbidden", gateway.ErrForbidden, 403, "authentication_error", ""},
		{"unknown product", fmt.Errorf("%w: %q", gateway.ErrProductNotFound, "x"), 404, "invalid_request_error", ""},
		{"rate limited", &gateway.RetryAfterError{Err: gateway.ErrRateLimited, RetryAfter: 200 * time.Millisecond}, 429, "rate_limit_error", "1"},
		{"quota", &gateway.RetryAfterError{Err: gateway.ErrQuotaExceeded, RetryAfter: 90*time.Minute + time.Second/2}, 429, "rate_limit_error", "5401"},
		{"upstream", &provider.APIError{Provider: "openai", StatusCode: 401, Body: "invalid api key sk-..."}, 502, "upstream_error", ""},
		{"timeout", gateway.ErrUpstreamTimeout, 504, "timeout_error", ""},
		{"internal", errors.New("boom"), 500, "internal_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(Deps{Pipeline: &fakeCaller{err: tt.err}})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/p1", strings.NewReader("{}")))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			var env apiError
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("decode envelope: %v; body = %s", err, rec.Body.String())
			}
			if env.Error.Type != tt.errType {
				t.Errorf("type = %q, want %q", env.Error.Type, tt.errType)
			}
			if env.Error.Message == "" {
				t.Error("empty message")
			}
			if strings.Contains(rec.Body.String(), "sk-") || strings.Contains(rec.Body.String(), "boom") {
				t.Errorf("internal detail leaked: %s", rec.Body.String())
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	t.Parallel()

	h := New(Deps{Pipeline: &fakeCaller{}, MaxBodyBytes: 16})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/p1", strings.NewReader(strings.Repeat("x", 17))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()

	h := newTestHandler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions/extra", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chat/p1", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()
	h := newTestHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header should be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-123" {
		t.Errorf("request id = %q, want caller-123", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	h := New(Deps{Pipeline: panicCaller{&fakeCaller{}}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/p1", strings.NewReader("{}")))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

type panicCaller struct{ *fakeCaller }

func (panicCaller) Chat(context.Context, app.Inbound) (*gateway.ChatResponse, error) {
	panic("adapter bug")
}

// TestEndToEnd_HMACChat wires the real verifier, limiter, pipeline and OpenAI
// adapter against a fake upstream.
func TestEndToEnd_HMACChat(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-product" {
			http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-up","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	}))
	defer upstream.Close()

	reg := provider.NewRegistry()
	reg.Register("openai", openai.New(upstream.Client()))
	router := app.NewRouterService(reg, []gateway.ProductConfig{{
		ID:        "p1",
		Providers: []gateway.ProviderConfig{{Name: "openai", APIKey: "sk-product", BaseURL: upstream.URL}},
	}})
	verifier := auth.NewVerifier(auth.Strategies{
		HMAC: auth.NewHMACVerifier(map[string]string{"client-a": "s3cret"}, 0, nil),
	}, nil)
	pipeline := app.NewPipeline(app.PipelineDeps{
		Auth:    verifier,
		Router:  router,
		Limiter: ratelimit.NewMemory(ratelimit.DefaultConfig()),
	})
	h := New(Deps{Pipeline: pipeline})

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"ping"}]}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/p1", strings.NewReader(body))
	req.Header.Set(auth.HeaderClientID, "client-a")
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, auth.Sign("s3cret", ts, http.MethodPost, "/v1/chat/p1", []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var resp gateway.ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Choices) != 1 || string(resp.Choices[0].Message.Content) != `"pong"` {
		t.Errorf("response = %+v", resp)
	}

	// A signature over a different path is rejected.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/p1", strings.NewReader(body))
	req.Header.Set(auth.HeaderClientID, "client-a")
	req.Header.Set(auth.HeaderTimestamp, ts)
	req.Header.Set(auth.HeaderSignature, auth.Sign("s3cret", ts, http.MethodPost, "/v1/chat/p2", []byte(body)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		fw, err := mw.CreateFormFile("file", "clip.mp3")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(file)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestTranscriptionUpload(t *testing.T) {
	t.Parallel()

	fc := &fakeCaller{}
	h := New(Deps{Pipeline: fc})

	fields := map[string]string{"model": "whisper-1", "language": "ja", "temperature": "0.3", "extra": "dropped"}
	body, ct := multipartUpload(t, fields, []byte("ID3audio"))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions/p1", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "text/plain; charset=utf-8" || rec.Body.String() != "hello" {
		t.Errorf("response = %q %q", rec.Header().Get("Content-Type"), rec.Body.String())
	}

	up := fc.lastIn.Upload
	if up == nil {
		t.Fatal("upload not passed to pipeline")
	}
	if up.Model != "whisper-1" || up.Language != "ja" || up.Filename != "clip.mp3" || string(up.File) != "ID3audio" ||
		up.Temperature == nil || *up.Temperature != 0.3 {
		t.Errorf("upload = %+v", up)
	}
	want := `{"language":"ja","model":"whisper-1","temperature":"0.3"}`
	if got := string(fc.lastIn.Credentials.Body); got != want {
		t.Errorf("signed body = %s, want %s", got, want)
	}
	if fc.lastIn.Product != "p1" || fc.lastIn.Credentials.Path != "/v1/audio/transcriptions/p1" {
		t.Errorf("inbound = %+v", fc.lastIn)
	}
}

func TestTranscriptionUpload_Rejects(t *testing.T) {
	t.Parallel()

	jsonReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions/p1", strings.NewReader(`{"model":"whisper-1"}`))
		r.Header.Set("Content-Type", "application/json")
		return r
	}
	formReq := func(fields map[string]string, file []byte) *http.Request {
		body, ct := multipartUpload(t, fields, file)
		r := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions/p1", body)
		r.Header.Set("Content-Type", ct)
		return r
	}

	tests := []struct {
		name string
		req  *http.Request
		max  int64
	}{
		{"not multipart", jsonReq(), 0},
		{"missing file", formReq(map[string]string{"model": "whisper-1"}, nil), 0},
		{"bad temperature", formReq(map[string]string{"model": "whisper-1", "temperature": "warm"}, []byte("x")), 0},
		{"over upload limit", formReq(map[string]string{"model": "whisper-1"}, bytes.Repeat([]byte("x"), 4096)), 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fc := &fakeCaller{}
			h := New(Deps{Pipeline: fc, MaxUploadBytes: tt.max})
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
			}
			if fc.lastIn.Upload != nil {
				t.Error("pipeline was called")
			}
		})
	}
}

func TestUploadLimitIsSeparateFromBodyLimit(t *testing.T) {
	t.Parallel()

	fc := &fakeCaller{}
	h := New(Deps{Pipeline: fc, MaxBodyBytes: 64})
	body, ct := multipartUpload(t, map[string]string{"model": "whisper-1"}, bytes.Repeat([]byte("a"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions/p1", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if len(fc.lastIn.Upload.File) != 4096 {
		t.Errorf("file size = %d", len(fc.lastIn.Upload.File))
	}
}

func TestGeminiImageEnvelope(t *testing.T) {
	t.Parallel()

	h := New(Deps{Pipeline: &fakeCaller{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/images/gemini/p1", strings.NewReader(`{"prompt":"a fox"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var out geminiImageReply
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Image.Format != "png" || out.Image.Data != "aW1n" || out.Image.Resolution != "1024x1024" {
		t.Errorf("reply = %+v", out)
	}
}

// TestEndToEnd_HMACTranscription signs the form fields the way a client
// does and checks the upload reaches the OpenAI endpoint intact.
func TestEndToEnd_HMACTranscription(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"text":"heard %s"}`, r.FormValue("language"))
	}))
	defer upstream.Close()

	reg := provider.NewRegistry()
	reg.Register("openai", openai.New(upstream.Client()))
	pipeline := app.NewPipeline(app.PipelineDeps{
		Auth: auth.NewVerifier(auth.Strategies{
			HMAC: auth.NewHMACVerifier(map[string]string{"client-a": "s3cret"}, 0, nil),
		}, nil),
		Router: app.NewRouterService(reg, []gateway.ProductConfig{{
			ID:        "p1",
			Providers: []gateway.ProviderConfig{{Name: "openai", APIKey: "sk-product", BaseURL: upstream.URL}},
		}}),
		Limiter: ratelimit.NewMemory(ratelimit.DefaultConfig()),
	})
	h := New(Deps{Pipeline: pipeline})

	send := func(signed, sent map[string]string) *httptest.ResponseRecorder {
		body, ct := multipartUpload(t, sent, []byte("ID3audio"))
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		path := "/v1/audio/transcriptions/p1"
		req := httptest.NewRequest(http.MethodPost, path, body)
		req.Header.Set("Content-Type", ct)
		req.Header.Set(auth.HeaderClientID, "client-a")
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderSignature, auth.Sign("s3cret", ts, http.MethodPost, path, auth.FormBody(signed)))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	fields := map[string]string{"model": "whisper-1", "language": "en"}
	rec := send(fields, fields)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "heard en") {
		t.Errorf("body = %s", rec.Body.String())
	}

	// A field swapped after signing is rejected.
	rec = send(fields, map[string]string{"model": "whisper-1", "language": "fr"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered form: status = %d, want 401", rec.Code)
	}
}
