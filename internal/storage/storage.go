// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/eugener/keygate/internal"
)

// UsageStore manages usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []gateway.UsageRecord) error
	// CountRequestsSince returns admitted request counts per product and
	// identity created at or after since.
	CountRequestsSince(ctx context.Context, since time.Time) ([]gateway.RequestCount, error)
}

// Store is the usage log plus lifecycle methods.
type Store interface {
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}
