package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/keygate/internal"
)

// maxResponseBytes caps how much of a vendor response body is read.
// Generated images and audio fit comfortably below it.
const maxResponseBytes = 64 << 20

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// BaseURL returns override with any trailing slash removed, or def when
// override is empty.
func BaseURL(override, def string) string {
	if override == "" {
		return def
	}
	return strings.TrimRight(override, "/")
}

// Reply is a successful vendor response.
type Reply struct {
	Header http.Header
	Body   []byte
}

// PostJSON marshals payload and POSTs it as application/json.
func PostJSON(ctx context.Context, client *http.Client, name, url string, header http.Header, payload any) (*Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", name, err)
	}
	return Post(ctx, client, name, url, header, "application/json", body)
}

// Post sends body to url with the given headers and content type and returns
// the response body. Non-2xx responses become *APIError; transport failures
// wrap gateway.ErrProviderError (and any context error, so deadline expiry
// stays detectable with errors.Is).
func Post(ctx context.Context, client *http.Client, name, url string, header http.Header, contentType string, body []byte) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", name, err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", name, gateway.ErrProviderError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ParseAPIError(name, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read response: %w", name, gateway.ErrProviderError, err)
	}
	return &Reply{Header: resp.Header, Body: data}, nil
}

// Now returns the current unix time; adapters use it to synthesize the
// created field when a vendor omits it.
func Now() int64 { return time.Now().Unix() }
