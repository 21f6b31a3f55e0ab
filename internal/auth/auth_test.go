package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/keygate/internal"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

var rsaKey = sync.OnceValue(func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
})

var ecKey = sync.OnceValue(func() *ecdsa.PrivateKey {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	return k
})

// signToken signs claims with method and key, setting kid when non-empty.
func signToken(t *testing.T, method jwt.SigningMethod, key any, kid string, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func gatewayClaims(sub, product string, exp time.Time, aud ...string) tokenClaims {
	return tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  aud,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(fixedNow.Add(-time.Minute)),
		},
		Product: product,
	}
}

func rsaKeySet() KeySet {
	return KeySet{Keys: map[string]crypto.PublicKey{"k1": &rsaKey().PublicKey}}
}

func bearer(token string) gateway.Credentials {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return gateway.Credentials{Header: h, Method: http.MethodPost, Path: "/v1/chat/p1"}
}

// ecJWKS renders the test EC key as a single-key JWK set.
func ecJWKS(t *testing.T, kid string) string {
	t.Helper()
	pub, err := ecKey().PublicKey.ECDH()
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}
	raw := pub.Bytes() // 0x04 || X || Y
	enc := base64.RawURLEncoding.EncodeToString
	return fmt.Sprintf(`{"keys":[{"kty":"EC","crv":"P-256","alg":"ES256","use":"sig","kid":%q,"x":%q,"y":%q}]}`,
		kid, enc(raw[1:33]), enc(raw[33:]))
}
