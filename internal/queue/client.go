// Package queue holds the broker wrapper, the producer-facing facade and the
// synchronous fallback path.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

// FallbackPrefix marks job ids that ran inline instead of through the broker.
const FallbackPrefix = "fallback-"

// Broker is what the facade and worker pool need from the queue backend.
// RedisQ is the production implementation.
type Broker interface {
	Name() string
	Enqueue(ctx context.Context, env Envelope, opts Options) error
	Dequeue(ctx context.Context, block time.Duration) (*Envelope, error)
	Ack(ctx context.Context, env *Envelope, took time.Duration) error
	Retry(ctx context.Context, env *Envelope) (bool, error)
	Reject(ctx context.Context, env *Envelope) error
	PromoteDue(ctx context.Context, batch int64) (int, error)
	Status(ctx context.Context, id string) (*JobStatus, error)
	Stats(ctx context.Context) (Stats, error)
	Cleanup(ctx context.Context) (CleanupResult, error)
	Ping(ctx context.Context) error
}

// Client is the single entry point for producers. It sits on the hot path of
// request handlers, so every method degrades to a safe default instead of
// letting a queue outage cascade into unrelated 500s. Internally each path
// still sees the typed error for logging.
type Client struct {
	broker   Broker // nil when no broker is configured
	fallback *Fallback
	log      *zap.Logger
}

// NewClient builds the facade. A nil broker routes every Add through the
// fallback executor.
func NewClient(broker Broker, fallback *Fallback, log *zap.Logger) *Client {
	return &Client{broker: broker, fallback: fallback, log: log}
}

// Add enqueues a job and returns its id. On a missing broker or any enqueue
// failure the job runs synchronously through the fallback and the returned id
// carries the "fallback-" prefix. Invalid payloads are the only error.
func (c *Client) Add(ctx context.Context, jobType string, payload domain.JobPayload, opts Options) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", err
	}

	if c.broker == nil {
		return c.runFallback(ctx, payload), nil
	}

	env := Envelope{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := c.broker.Enqueue(ctx, env, opts); err != nil {
		c.log.Warn("enqueue failed, running job inline",
			zap.Error(err), zap.String("url", payload.URL))
		return c.runFallback(ctx, payload), nil
	}
	return env.ID, nil
}

func (c *Client) runFallback(ctx context.Context, payload domain.JobPayload) string {
	id := FallbackPrefix + uuid.NewString()
	c.fallback.Process(ctx, payload)
	return id
}

// Status returns the broker-side state of a job, or nil when the job is
// unknown or the lookup fails. "Unknown" is not an error to callers.
func (c *Client) Status(ctx context.Context, jobID string) *JobStatus {
	if c.broker == nil {
		return nil
	}
	st, err := c.broker.Status(ctx, jobID)
	if err != nil {
		c.log.Warn("status lookup failed", zap.Error(err), zap.String("job", jobID))
		return nil
	}
	return st
}

// Stats returns an aggregate snapshot. A broker failure yields the all-zero,
// unhealthy snapshot rather than an error.
func (c *Client) Stats(ctx context.Context) Stats {
	if c.broker == nil {
		return Stats{}
	}
	s, err := c.broker.Stats(ctx)
	if err != nil {
		c.log.Warn("stats fetch failed", zap.Error(err))
		return Stats{}
	}
	return s
}

// Cleanup runs broker-side maintenance. Best effort: {0,0} on failure.
func (c *Client) Cleanup(ctx context.Context) CleanupResult {
	if c.broker == nil {
		return CleanupResult{}
	}
	res, err := c.broker.Cleanup(ctx)
	if err != nil {
		c.log.Warn("cleanup incomplete", zap.Error(err),
			zap.Int("cleaned", res.Cleaned), zap.Int("reset", res.Reset))
	}
	return res
}

// HealthCheck reports broker reachability.
func (c *Client) HealthCheck(ctx context.Context) Health {
	if c.broker == nil {
		return Health{Healthy: false, Issues: []string{"no broker configured, fallback mode"}}
	}
	if err := c.broker.Ping(ctx); err != nil {
		return Health{Healthy: false, Issues: []string{err.Error()}}
	}
	return Health{Healthy: true}
}
