package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/keygate/internal"
)

// IAP constants published by Google.
const (
	IAPIssuer  = "https://cloud.google.com/iap"
	IAPKeysURL = "https://www.gstatic.com/iap/verify/public_key-jwk"
)

// KeySource resolves a public key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// IAPVerifier validates the signed assertion Google IAP attaches to
// requests it has already authenticated.
type IAPVerifier struct {
	keys     KeySource
	audience string
	parser   *jwt.Parser
}

// NewIAPVerifier creates an IAP strategy. When audience is empty any
// "/projects/..." audience is accepted. A nil now uses time.Now.
func NewIAPVerifier(keys KeySource, audience string, now func() time.Time) *IAPVerifier {
	if now == nil {
		now = time.Now
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(IAPIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &IAPVerifier{keys: keys, audience: audience, parser: jwt.NewParser(opts...)}
}

// Verify checks the X-Goog-IAP-JWT-Assertion header.
func (v *IAPVerifier) Verify(ctx context.Context, c gateway.Credentials) (*gateway.AuthContext, error) {
	raw := c.Header.Get(HeaderIAP)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing iap assertion", gateway.ErrUnauthorized)
	}

	var claims tokenClaims
	keyFunc := func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.keys.Key(ctx, kid)
	}
	if _, err := v.parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
		return nil, fmt.Errorf("%w: iap: %w", gateway.ErrUnauthorized, err)
	}

	if v.audience == "" && !hasProjectAudience(claims.Audience) {
		return nil, fmt.Errorf("%w: iap: unexpected audience", gateway.ErrUnauthorized)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: iap: missing email", gateway.ErrUnauthorized)
	}

	return &gateway.AuthContext{
		Identity: claims.Email,
		Method:   gateway.AuthIAP,
		ClientID: claims.Email,
	}, nil
}

func hasProjectAudience(aud jwt.ClaimStrings) bool {
	for _, a := range aud {
		if strings.HasPrefix(a, "/projects/") {
			return true
		}
	}
	return false
}
