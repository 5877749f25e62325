// Package worker drains the queue backend with bounded concurrency. Each
// invocation is stateless: all coordination goes through Postgres and the
// broker's visibility semantics.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/queue"
)

// Handler executes one job kind. The registry resolves the envelope type to a
// handler once at dequeue time.
type Handler interface {
	Handle(ctx context.Context, payload domain.JobPayload) (*domain.Link, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error)

func (f HandlerFunc) Handle(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
	return f(ctx, payload)
}

// Options tune one ProcessJobs run.
type Options struct {
	Concurrency int
	WorkerID    string
}

// Result summarizes one ProcessJobs run.
type Result struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// dequeueBlock bounds each claim attempt so a drained queue ends the batch
// promptly.
const dequeueBlock = 500 * time.Millisecond

const promoteBatch = 200

// Pool claims jobs from the broker and runs them through registered handlers.
type Pool struct {
	broker     queue.Broker
	links      domain.LinkRepository
	handlers   map[string]Handler
	jobTimeout time.Duration
	log        *zap.Logger
}

// NewPool creates a worker pool. jobTimeout caps each attempt's wall time;
// timing out counts as a normal retryable failure.
func NewPool(broker queue.Broker, links domain.LinkRepository, jobTimeout time.Duration, log *zap.Logger) *Pool {
	return &Pool{
		broker:     broker,
		links:      links,
		handlers:   make(map[string]Handler),
		jobTimeout: jobTimeout,
		log:        log,
	}
}

// Register binds a job type to its handler.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// ProcessJobs promotes due delayed jobs and drains the ready list with up to
// opts.Concurrency jobs in flight. Per-job failures are isolated and counted;
// only a dead broker at batch start returns an error.
func (p *Pool) ProcessJobs(ctx context.Context, opts Options) (Result, error) {
	start := time.Now()
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	log := p.log.With(zap.String("worker", opts.WorkerID))

	if err := p.broker.Ping(ctx); err != nil {
		return Result{Duration: time.Since(start)}, errors.Wrap(err, "worker: broker unreachable")
	}

	if promoted, err := p.broker.PromoteDue(ctx, promoteBatch); err != nil {
		log.Warn("promoting delayed jobs failed", zap.Error(err))
	} else if promoted > 0 {
		log.Info("promoted delayed jobs", zap.Int("count", promoted))
	}

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for gctx.Err() == nil {
		env, err := p.broker.Dequeue(gctx, dequeueBlock)
		if err != nil {
			log.Warn("dequeue failed, ending batch", zap.Error(err))
			break
		}
		if env == nil {
			break // drained
		}
		g.Go(func() error {
			if p.runJob(gctx, log, env) {
				processed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	log.Info("batch finished",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// runJob executes one claimed envelope and settles it with the broker and the
// record store. Returns true on success.
func (p *Pool) runJob(ctx context.Context, log *zap.Logger, env *queue.Envelope) bool {
	h, ok := p.handlers[env.Type]
	if !ok {
		log.Error("no handler for job type, dropping",
			zap.String("type", env.Type), zap.String("job", env.ID))
		if err := p.broker.Reject(ctx, env); err != nil {
			log.Error("reject failed", zap.Error(err), zap.String("job", env.ID))
		}
		return false
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	started := time.Now()
	link, err := h.Handle(jobCtx, env.Payload)
	if err == nil {
		if aerr := p.broker.Ack(ctx, env, time.Since(started)); aerr != nil {
			// The attempt succeeded; a lost ack only risks a redelivery,
			// which the dedup check absorbs.
			log.Warn("ack failed", zap.Error(aerr), zap.String("job", env.ID))
		}
		return true
	}

	log.Warn("job attempt failed",
		zap.Error(err),
		zap.String("job", env.ID),
		zap.String("url", env.Payload.URL),
		zap.Int("attempt", env.Attempts+1))
	p.settleFailure(ctx, log, env, link, err)
	return false
}

// settleFailure applies the error taxonomy: permanent errors fail the record
// immediately, transient ones ride the broker's backoff until exhausted.
func (p *Pool) settleFailure(ctx context.Context, log *zap.Logger, env *queue.Envelope, link *domain.Link, cause error) {
	if domain.Permanent(cause) {
		if err := p.broker.Reject(ctx, env); err != nil {
			log.Error("reject failed", zap.Error(err), zap.String("job", env.ID))
		}
		p.failRecord(ctx, log, env, link, cause)
		return
	}

	retried, err := p.broker.Retry(ctx, env)
	if err != nil {
		log.Error("retry scheduling failed", zap.Error(err), zap.String("job", env.ID))
	}
	if !retried {
		p.failRecord(ctx, log, env, link, cause)
		return
	}
	if link != nil {
		if err := p.links.Release(ctx, link.ID, cause.Error()); err != nil &&
			!errors.Is(err, domain.ErrLinkNotFound) {
			log.Error("release failed", zap.Error(err), zap.String("link", link.ID))
		}
	}
}

func (p *Pool) failRecord(ctx context.Context, log *zap.Logger, env *queue.Envelope, link *domain.Link, cause error) {
	id := env.Payload.LinkID
	if link != nil {
		id = link.ID
	}
	if id == "" {
		return // no record was ever resolved (e.g. team lookup failed)
	}
	if err := p.links.Fail(ctx, id, cause.Error()); err != nil {
		log.Error("failed to record job failure",
			zap.Error(err), zap.String("link", id))
	}
}
