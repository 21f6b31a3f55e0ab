package testutil

import (
	"context"
	"sync/atomic"

	gateway "github.com/eugener/keygate/internal"
)

// FakeAuth authenticates every request as Context, or as a default JWT
// caller "test" when Context is nil.
type FakeAuth struct {
	Context *gateway.AuthContext
	calls   atomic.Int64
}

// Verify returns the configured caller.
func (f *FakeAuth) Verify(context.Context, gateway.Credentials) (*gateway.AuthContext, error) {
	f.calls.Add(1)
	if f.Context != nil {
		ac := *f.Context
		return &ac, nil
	}
	return &gateway.AuthContext{Identity: "test", Method: gateway.AuthJWT}, nil
}

// Calls returns how many times Verify ran.
func (f *FakeAuth) Calls() int64 { return f.calls.Load() }

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Verify always returns ErrUnauthorized.
func (RejectAuth) Verify(context.Context, gateway.Credentials) (*gateway.AuthContext, error) {
	return nil, gateway.ErrUnauthorized
}
