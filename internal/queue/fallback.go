package queue

import (
	"context"

	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

// Runner is the processing entry point the fallback drives; the link
// processor implements it. A non-nil link alongside an error identifies the
// record the attempt had claimed.
type Runner interface {
	Process(ctx context.Context, payload domain.JobPayload) (*domain.Link, error)
}

// Fallback executes jobs synchronously in the calling process when no broker
// is configured or an enqueue fails. There is no redelivery on this path, so
// a failure is terminal for the record unless the user re-shares the link.
type Fallback struct {
	run   Runner
	links domain.LinkRepository
	log   *zap.Logger
}

// NewFallback creates a fallback executor.
func NewFallback(run Runner, links domain.LinkRepository, log *zap.Logger) *Fallback {
	return &Fallback{run: run, links: links, log: log}
}

// Process runs the job inline. It never returns an error and never panics
// past this boundary; the producer's request must complete regardless.
func (f *Fallback) Process(ctx context.Context, payload domain.JobPayload) {
	defer func() {
		if rec := recover(); rec != nil {
			f.log.Error("fallback execution panicked",
				zap.Any("panic", rec),
				zap.String("url", payload.URL),
				zap.String("team", payload.TeamRef))
		}
	}()

	link, err := f.run.Process(ctx, payload)
	if err != nil {
		f.log.Error("fallback execution failed",
			zap.Error(err),
			zap.String("url", payload.URL),
			zap.String("team", payload.TeamRef))
		if link != nil {
			if ferr := f.links.Fail(ctx, link.ID, err.Error()); ferr != nil {
				f.log.Error("failed to record fallback failure",
					zap.Error(ferr), zap.String("link", link.ID))
			}
		}
		return
	}
	f.log.Info("fallback execution completed",
		zap.String("link", link.ID),
		zap.String("url", payload.URL))
}
