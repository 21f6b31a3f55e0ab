package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// fakeAdapter is a minimal gateway.Adapter for registry tests.
type fakeAdapter struct{ name string }

func (f *fakeAdapter) Name() string                   { return f.name }
func (f *fakeAdapter) Supports(gateway.CallKind) bool { return true }
func (f *fakeAdapter) Chat(context.Context, gateway.Upstream, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	return nil, nil
}
func (f *fakeAdapter) Image(context.Context, gateway.Upstream, *gateway.ImageRequest) (*gateway.ImageResponse, error) {
	return nil, nil
}
func (f *fakeAdapter) Speech(context.Context, gateway.Upstream, *gateway.SpeechRequest) (*gateway.SpeechResponse, error) {
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("openai", &fakeAdapter{name: "openai"})

	got, err := reg.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", got.Name())
	}
	if !reg.Has("openai") || reg.Has("gemini") {
		t.Error("Has mismatch")
	}

	if _, err := reg.Get("nonexistent"); err == nil {
		t.Fatal("expected error for nonexistent adapter")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("gemini", &fakeAdapter{name: "gemini"})
	reg.Register("anthropic", &fakeAdapter{name: "anthropic"})
	reg.Register("openai", &fakeAdapter{name: "openai"})

	got := strings.Join(reg.List(), ",")
	if got != "anthropic,gemini,openai" {
		t.Errorf("List() = %q", got)
	}
}

func TestParseAPIError(t *testing.T) {
	t.Parallel()

	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(strings.NewReader(`{"error":"slow down"}`)),
	}
	err := ParseAPIError("openai", resp)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d", apiErr.HTTPStatus())
	}
	if !strings.Contains(apiErr.Error(), "slow down") {
		t.Errorf("Error() = %q, want body included", apiErr.Error())
	}
	// Vendor errors always classify as upstream failures.
	if c := gateway.Classify(err); c.Status != http.StatusBadGateway {
		t.Errorf("Classify status = %d, want 502", c.Status)
	}
}

func TestPostJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "k" {
			t.Errorf("X-Key = %q", r.Header.Get("X-Key"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-Key", "k")
	reply, err := PostJSON(context.Background(), srv.Client(), "test", srv.URL, h, map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if string(reply.Body) != `{"ok":true}` {
		t.Errorf("body = %s", reply.Body)
	}
}

func TestPostJSON_Errors(t *testing.T) {
	t.Parallel()

	t.Run("vendor status", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := PostJSON(context.Background(), srv.Client(), "test", srv.URL, nil, struct{}{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
			t.Fatalf("err = %v, want APIError 401", err)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		url := srv.URL
		srv.Close()

		_, err := PostJSON(context.Background(), http.DefaultClient, "test", url, nil, struct{}{})
		if !errors.Is(err, gateway.ErrProviderError) {
			t.Fatalf("err = %v, want ErrProviderError", err)
		}
	})

	t.Run("deadline", func(t *testing.T) {
		t.Parallel()
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { <-release }))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := PostJSON(ctx, srv.Client(), "test", srv.URL, nil, struct{}{})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want DeadlineExceeded", err)
		}
		if c := gateway.Classify(err); c.Status != http.StatusGatewayTimeout {
			t.Errorf("Classify status = %d, want 504", c.Status)
		}
	})
}

func TestBaseURL(t *testing.T) {
	t.Parallel()
	if got := BaseURL("", "https://def"); got != "https://def" {
		t.Errorf("BaseURL = %q", got)
	}
	if got := BaseURL("http://x/v1/", "https://def"); got != "http://x/v1" {
		t.Errorf("BaseURL = %q", got)
	}
}

func TestNewTransport(t *testing.T) {
	t.Parallel()
	tr := NewTransport(nil)
	if tr.DialContext != nil {
		t.Error("DialContext should be nil without resolver")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be set")
	}
}
