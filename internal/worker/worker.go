// Package worker provides the gateway's background tasks: the usage log
// writer, daily quota seeding and idle bucket eviction.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}

// Named is implemented by workers that report a name for logs.
type Named interface {
	Name() string
}
