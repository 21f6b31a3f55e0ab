package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner manages a set of workers, cancelling all on first error.
type Runner struct {
	workers []Worker
}

// NewRunner creates a Runner with the given workers. Nil workers are skipped
// so optional ones can be passed unconditionally.
func NewRunner(workers ...Worker) *Runner {
	r := &Runner{workers: make([]Worker, 0, len(workers))}
	for _, w := range workers {
		if w != nil {
			r.workers = append(r.workers, w)
		}
	}
	return r
}

// Run starts all workers in parallel. It blocks until all workers finish.
// If any worker returns a non-nil error, the context is cancelled and
// the first error is returned.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		slog.LogAttrs(ctx, slog.LevelInfo, "worker started", slog.String("worker", name))
		g.Go(func() error {
			err := w.Run(ctx)
			attrs := []slog.Attr{slog.String("worker", name)}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
			}
			slog.LogAttrs(ctx, slog.LevelInfo, "worker stopped", attrs...)
			return err
		})
	}
	return g.Wait()
}

func workerName(w Worker) string {
	if n, ok := w.(Named); ok {
		return n.Name()
	}
	return "unknown"
}
