package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/keygate/internal"
)

// DefaultAudience is the audience required when none is configured.
const DefaultAudience = "api-key-server"

// KeySet holds the public keys trusted for JWT verification, by key id.
// Every key is used with the single Algorithm, so a token cannot pick a
// different algorithm than the key was issued for.
type KeySet struct {
	Algorithm string // default RS256
	Keys      map[string]crypto.PublicKey
}

// tokenClaims are the claims read from gateway JWTs and IAP assertions.
type tokenClaims struct {
	jwt.RegisteredClaims
	Product string `json:"product,omitempty"`
	Email   string `json:"email,omitempty"`
}

// JWTVerifier validates bearer tokens signed by a trusted key.
type JWTVerifier struct {
	keys   map[string]crypto.PublicKey
	parser *jwt.Parser
}

// NewJWTVerifier creates a JWT strategy. An empty audience uses
// DefaultAudience; a nil now uses time.Now.
func NewJWTVerifier(ks KeySet, audience string, now func() time.Time) *JWTVerifier {
	if ks.Algorithm == "" {
		ks.Algorithm = jwt.SigningMethodRS256.Alg()
	}
	if audience == "" {
		audience = DefaultAudience
	}
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{
		keys: ks.Keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{ks.Algorithm}),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}
}

// Verify checks the bearer token's kid, signature, expiry and audience.
func (v *JWTVerifier) Verify(_ context.Context, c gateway.Credentials) (*gateway.AuthContext, error) {
	raw := bearerToken(c.Header)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing bearer token", gateway.ErrUnauthorized)
	}

	var claims tokenClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: jwt: %w", gateway.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: jwt: missing sub", gateway.ErrUnauthorized)
	}

	return &gateway.AuthContext{
		Identity:     claims.Subject,
		ProductScope: claims.Product,
		Method:       gateway.AuthJWT,
	}, nil
}

var errUnknownKID = errors.New("unknown key id")

func (v *JWTVerifier) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid header")
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownKID, kid)
	}
	return key, nil
}
