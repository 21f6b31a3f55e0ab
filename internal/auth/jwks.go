package auth

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/singleflight"
)

const (
	jwksCacheTTL     = time.Hour
	jwksFetchTimeout = 10 * time.Second
	jwksMaxBytes     = 1 << 20
)

// JWKSource is a KeySource backed by a remote JWK set. The set is cached for
// jwksCacheTTL and refreshed early when an unknown key id shows up, at most
// once per minRefresh.
type JWKSource struct {
	url    string
	client *http.Client
	cache  *otter.Cache[string, *cachedSet]
	group  singleflight.Group
	now    func() time.Time
}

type cachedSet struct {
	set       jwk.Set
	fetchedAt time.Time
}

const minRefresh = time.Minute

// NewJWKSource creates a source for the JWK set at url. A nil client uses
// http.DefaultClient.
func NewJWKSource(url string, client *http.Client) (*JWKSource, error) {
	if client == nil {
		client = http.DefaultClient
	}
	c, err := otter.New(&otter.Options[string, *cachedSet]{
		MaximumSize:      16,
		ExpiryCalculator: otter.ExpiryWriting[string, *cachedSet](jwksCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}
	return &JWKSource{url: url, client: client, cache: c, now: time.Now}, nil
}

// Key returns the raw public key for kid.
func (s *JWKSource) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	cs, err := s.load(ctx, false)
	if err != nil {
		return nil, err
	}
	key, ok := cs.set.LookupKeyID(kid)
	if !ok && s.now().Sub(cs.fetchedAt) >= minRefresh {
		// Keys rotate; refetch once before rejecting.
		if cs, err = s.load(ctx, true); err != nil {
			return nil, err
		}
		key, ok = cs.set.LookupKeyID(kid)
	}
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownKID, kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export jwk %q: %w", kid, err)
	}
	return raw, nil
}

func (s *JWKSource) load(ctx context.Context, force bool) (*cachedSet, error) {
	if !force {
		if cs, ok := s.cache.GetIfPresent(s.url); ok {
			return cs, nil
		}
	}

	v, err, _ := s.group.Do(s.url, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
		defer cancel()
		set, err := s.fetch(fctx)
		if err != nil {
			return nil, err
		}
		cs := &cachedSet{set: set, fetchedAt: s.now()}
		s.cache.Set(s.url, cs)
		return cs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*cachedSet), nil
}

func (s *JWKSource) fetch(ctx context.Context) (jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("jwks: read: %w", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse: %w", err)
	}
	return set, nil
}
