// Package sweeper is the safety net against "claim, crash before ack": a
// periodic reconciliation pass over the record store, independent of the
// worker pool's own operation.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/queue"
)

// Summary reports one sweep for observability.
type Summary struct {
	StuckJobsFound             int      `json:"stuckJobsFound"`
	CleanedUp                  int      `json:"cleanedUp"`
	OldPendingJobsMarkedFailed int      `json:"oldPendingJobsMarkedFailed"`
	Errors                     []string `json:"errors,omitempty"`
}

// Sweeper repairs records wedged mid-flight.
type Sweeper struct {
	links  domain.LinkRepository
	broker queue.Broker

	stuckAfter     time.Duration
	abandonedAfter time.Duration
	batch          int
	maxAttempts    int
	log            *zap.Logger
}

// Config tunes a sweeper.
type Config struct {
	StuckAfter     time.Duration
	AbandonedAfter time.Duration
	Batch          int
	MaxAttempts    int
}

// New creates a Sweeper.
func New(links domain.LinkRepository, broker queue.Broker, cfg Config, log *zap.Logger) *Sweeper {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = 60 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Sweeper{
		links:          links,
		broker:         broker,
		stuckAfter:     cfg.StuckAfter,
		abandonedAfter: cfg.AbandonedAfter,
		batch:          cfg.Batch,
		maxAttempts:    cfg.MaxAttempts,
		log:            log,
	}
}

// Sweep resets stuck processing records and re-enqueues them, then fails
// pending records old enough that no worker will ever claim them. One
// record's failure never aborts the rest of the sweep. Idempotent: a swept
// record is no longer processing, so a second pass skips it.
func (s *Sweeper) Sweep(ctx context.Context) Summary {
	var sum Summary

	stuck, err := s.links.FindStuck(ctx, time.Now().Add(-s.stuckAfter), s.batch)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("find stuck: %v", err))
	}
	sum.StuckJobsFound = len(stuck)
	for _, link := range stuck {
		if err := s.recoverStuck(ctx, link); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("link %s: %v", link.ID, err))
			continue
		}
		sum.CleanedUp++
	}

	abandoned, err := s.links.FindAbandoned(ctx, time.Now().Add(-s.abandonedAfter), s.batch)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("find abandoned: %v", err))
	}
	for _, link := range abandoned {
		reason := fmt.Sprintf("abandoned: pending since %s", link.CreatedAt.UTC().Format(time.RFC3339))
		if err := s.links.Fail(ctx, link.ID, reason); err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("link %s: %v", link.ID, err))
			continue
		}
		sum.OldPendingJobsMarkedFailed++
	}

	s.log.Info("sweep finished",
		zap.Int("stuckFound", sum.StuckJobsFound),
		zap.Int("cleanedUp", sum.CleanedUp),
		zap.Int("oldPendingFailed", sum.OldPendingJobsMarkedFailed),
		zap.Int("errors", len(sum.Errors)))
	return sum
}

// recoverStuck resets one processing record to pending and re-enqueues an
// envelope carrying its id, so reprocessing updates instead of duplicating.
// A failed re-enqueue fails the record rather than leaving it ambiguously
// processing. Records out of retry budget are failed instead of recycled.
func (s *Sweeper) recoverStuck(ctx context.Context, link domain.Link) error {
	if !link.CanRetry(s.maxAttempts) {
		reason := fmt.Sprintf("retries exhausted after %d attempts", link.AttemptCount)
		if err := s.links.Fail(ctx, link.ID, reason); err != nil {
			return fmt.Errorf("fail exhausted: %w", err)
		}
		s.log.Info("failed stuck link out of retries",
			zap.String("link", link.ID), zap.Int("attempts", link.AttemptCount))
		return nil
	}

	if err := s.links.ResetToPending(ctx, link.ID); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	env := queue.Envelope{
		ID:   uuid.NewString(),
		Type: domain.JobTypeProcessLink,
		Payload: domain.JobPayload{
			URL:        link.URL,
			MessageRef: link.MessageRef,
			ChannelRef: link.ChannelRef,
			TeamRef:    link.TeamRef,
			LinkID:     link.ID,
		},
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.broker.Enqueue(ctx, env, queue.Options{}); err != nil {
		reason := fmt.Sprintf("sweeper re-enqueue failed: %v", err)
		if ferr := s.links.Fail(ctx, link.ID, reason); ferr != nil {
			return fmt.Errorf("re-enqueue failed (%v) and could not fail record: %w", err, ferr)
		}
		return fmt.Errorf("re-enqueue: %w", err)
	}

	s.log.Info("re-enqueued stuck link",
		zap.String("link", link.ID), zap.String("url", link.URL))
	return nil
}
