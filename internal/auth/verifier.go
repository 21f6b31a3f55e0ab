// Package auth verifies caller credentials for the keygate gateway. Three
// schemes are supported (JWT bearer tokens, HMAC request signatures and
// Google IAP assertions); exactly one is selected per request.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/eugener/keygate/internal"
)

// Request headers inspected during scheme selection.
const (
	HeaderScheme    = "X-Auth-Scheme"
	HeaderIAP       = "X-Goog-IAP-JWT-Assertion"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
	HeaderClientID  = "X-Client-Id"
)

// Strategy verifies one credential scheme. Implementations return a
// descriptive error; the Verifier collapses it to gateway.ErrUnauthorized.
type Strategy interface {
	Verify(ctx context.Context, c gateway.Credentials) (*gateway.AuthContext, error)
}

// FailureObserver is notified of every rejected credential.
type FailureObserver interface {
	AuthFailed(method string)
}

// Strategies groups the enabled schemes. A nil field disables that scheme.
type Strategies struct {
	JWT  Strategy
	HMAC Strategy
	IAP  Strategy
}

// Verifier selects a single strategy per request and never falls back to
// another one after it fails.
//
// Selection order:
//  1. X-Auth-Scheme names the strategy explicitly.
//  2. X-Goog-IAP-JWT-Assertion selects IAP.
//  3. Authorization: Bearer selects JWT.
//  4. Any of X-Timestamp, X-Signature, X-Client-Id selects HMAC.
type Verifier struct {
	strategies Strategies
	observer   FailureObserver
}

var _ gateway.Authenticator = (*Verifier)(nil)

// NewVerifier creates a Verifier. observer may be nil.
func NewVerifier(s Strategies, observer FailureObserver) *Verifier {
	return &Verifier{strategies: s, observer: observer}
}

// Verify authenticates c and returns the caller context or
// gateway.ErrUnauthorized. Failure detail is logged, never returned.
func (v *Verifier) Verify(ctx context.Context, c gateway.Credentials) (*gateway.AuthContext, error) {
	method, strategy := v.selectStrategy(c.Header)
	if strategy == nil {
		v.reject(ctx, method, "no usable credentials")
		return nil, gateway.ErrUnauthorized
	}

	ac, err := strategy.Verify(ctx, c)
	if err != nil {
		v.reject(ctx, method, err.Error())
		return nil, gateway.ErrUnauthorized
	}
	return ac, nil
}

func (v *Verifier) reject(ctx context.Context, method, reason string) {
	slog.LogAttrs(ctx, slog.LevelWarn, "credential rejected",
		slog.String("method", method),
		slog.String("reason", reason),
		slog.String("request_id", gateway.RequestIDFromContext(ctx)),
	)
	if v.observer != nil {
		v.observer.AuthFailed(method)
	}
}

// selectStrategy returns the scheme name and its strategy (nil when the
// scheme is unknown, disabled or no credentials were supplied).
func (v *Verifier) selectStrategy(h http.Header) (string, Strategy) {
	if explicit := strings.ToLower(strings.TrimSpace(h.Get(HeaderScheme))); explicit != "" {
		switch gateway.AuthMethod(explicit) {
		case gateway.AuthJWT:
			return explicit, v.strategies.JWT
		case gateway.AuthHMAC:
			return explicit, v.strategies.HMAC
		case gateway.AuthIAP:
			return explicit, v.strategies.IAP
		default:
			return "unknown", nil
		}
	}

	switch {
	case h.Get(HeaderIAP) != "":
		return string(gateway.AuthIAP), v.strategies.IAP
	case bearerToken(h) != "":
		return string(gateway.AuthJWT), v.strategies.JWT
	case h.Get(HeaderTimestamp) != "" || h.Get(HeaderSignature) != "" || h.Get(HeaderClientID) != "":
		return string(gateway.AuthHMAC), v.strategies.HMAC
	default:
		return "none", nil
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(h http.Header) string {
	authz := h.Get("Authorization")
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
