package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// RedisQ is the durable queue backend. Layout per queue name:
//
//	queue:<name>       list  ready envelopes (LPush in, BRPop out)
//	delay:<name>       zset  delayed/backoff envelopes, score = run-at
//	processing:<name>  zset  in-flight envelopes, score = claim time
//	job:<name>:<id>    hash  per-job status for lookups
//	stats:<name>       hash  processing/completed/failed/total_ms counters
//
// The processing zset is the at-least-once ledger: anything claimed and never
// acked is requeued by Cleanup once past the visibility timeout.
type RedisQ struct {
	rdb        *r.Client
	name       string
	maxRetries int
	visibility time.Duration
	retention  time.Duration
}

// RedisQConfig tunes a broker instance.
type RedisQConfig struct {
	Name              string
	MaxAttempts       int
	VisibilityTimeout time.Duration
	StatusRetention   time.Duration
}

// NewRedisQ wraps a shared redis client.
func NewRedisQ(rdb *r.Client, cfg RedisQConfig) *RedisQ {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.StatusRetention <= 0 {
		cfg.StatusRetention = 24 * time.Hour
	}
	return &RedisQ{
		rdb:        rdb,
		name:       cfg.Name,
		maxRetries: cfg.MaxAttempts,
		visibility: cfg.VisibilityTimeout,
		retention:  cfg.StatusRetention,
	}
}

func (q *RedisQ) Name() string { return q.name }

func (q *RedisQ) queueKey() string      { return "queue:" + q.name }
func (q *RedisQ) delayKey() string      { return "delay:" + q.name }
func (q *RedisQ) processingKey() string { return "processing:" + q.name }
func (q *RedisQ) statsKey() string      { return "stats:" + q.name }
func (q *RedisQ) jobKey(id string) string {
	return "job:" + q.name + ":" + id
}

// Enqueue pushes an envelope onto the ready list, or the delay zset when
// opts.Delay is set. High priority lands at the pop end of the list.
func (q *RedisQ) Enqueue(ctx context.Context, env Envelope, opts Options) error {
	if env.MaxAttempts <= 0 {
		env.MaxAttempts = q.maxRetries
		if opts.MaxAttempts > 0 {
			env.MaxAttempts = opts.MaxAttempts
		}
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "queue: marshal envelope")
	}

	pipe := q.rdb.TxPipeline()
	state := "pending"
	if opts.Delay > 0 {
		state = "delayed"
		pipe.ZAdd(ctx, q.delayKey(), r.Z{
			Score:  float64(time.Now().Add(opts.Delay).Unix()),
			Member: raw,
		})
	} else if opts.Priority == PriorityHigh {
		pipe.RPush(ctx, q.queueKey(), raw)
	} else {
		pipe.LPush(ctx, q.queueKey(), raw)
	}
	pipe.HSet(ctx, q.jobKey(env.ID),
		"state", state,
		"attempts", env.Attempts,
		"enqueued_at", env.EnqueuedAt.Unix(),
	)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "queue: enqueue")
}

// Dequeue claims the next ready envelope, blocking up to block. A nil
// envelope with nil error means the queue was empty.
func (q *RedisQ) Dequeue(ctx context.Context, block time.Duration) (*Envelope, error) {
	res, err := q.rdb.BRPop(ctx, block, q.queueKey()).Result()
	if err == r.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "queue: dequeue")
	}
	if len(res) != 2 {
		return nil, errors.Errorf("queue: unexpected brpop reply of %d elements", len(res))
	}

	raw := []byte(res[1])
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "queue: unmarshal envelope")
	}
	env.raw = raw

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.processingKey(), r.Z{Score: float64(time.Now().Unix()), Member: raw})
	pipe.HSet(ctx, q.jobKey(env.ID), "state", "processing", "attempts", env.Attempts+1)
	pipe.HIncrBy(ctx, q.statsKey(), "processing", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "queue: claim envelope")
	}
	return &env, nil
}

// Ack marks a claimed envelope done and records its processing time.
func (q *RedisQ) Ack(ctx context.Context, env *Envelope, took time.Duration) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), env.raw)
	pipe.HSet(ctx, q.jobKey(env.ID),
		"state", "completed",
		"done_at", time.Now().Unix(),
	)
	pipe.HIncrBy(ctx, q.statsKey(), "processing", -1)
	pipe.HIncrBy(ctx, q.statsKey(), "completed", 1)
	pipe.HIncrBy(ctx, q.statsKey(), "total_ms", took.Milliseconds())
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue: ack")
}

// Retry reschedules a failed envelope with exponential backoff. It returns
// false once attempts are exhausted; the caller then owns failing the record.
func (q *RedisQ) Retry(ctx context.Context, env *Envelope) (bool, error) {
	env.Attempts++

	if env.Attempts >= env.MaxAttempts {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), env.raw)
		pipe.HSet(ctx, q.jobKey(env.ID),
			"state", "failed",
			"attempts", env.Attempts,
			"done_at", time.Now().Unix(),
		)
		pipe.HIncrBy(ctx, q.statsKey(), "processing", -1)
		pipe.HIncrBy(ctx, q.statsKey(), "failed", 1)
		_, err := pipe.Exec(ctx)
		return false, errors.Wrap(err, "queue: exhaust")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return false, errors.Wrap(err, "queue: marshal retry envelope")
	}
	runAt := time.Now().Add(Backoff(env.Attempts))

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), env.raw)
	pipe.ZAdd(ctx, q.delayKey(), r.Z{Score: float64(runAt.Unix()), Member: raw})
	pipe.HSet(ctx, q.jobKey(env.ID), "state", "delayed", "attempts", env.Attempts)
	pipe.HIncrBy(ctx, q.statsKey(), "processing", -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrap(err, "queue: retry")
	}
	env.raw = raw
	return true, nil
}

// Reject drops a claimed envelope permanently, without retry. Used for
// data-integrity failures retrying cannot repair.
func (q *RedisQ) Reject(ctx context.Context, env *Envelope) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), env.raw)
	pipe.HSet(ctx, q.jobKey(env.ID),
		"state", "failed",
		"done_at", time.Now().Unix(),
	)
	pipe.HIncrBy(ctx, q.statsKey(), "processing", -1)
	pipe.HIncrBy(ctx, q.statsKey(), "failed", 1)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "queue: reject")
}

// PromoteDue moves due delayed envelopes onto the ready list, up to batch.
func (q *RedisQ) PromoteDue(ctx context.Context, batch int64) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.delayKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", time.Now().Unix()),
		Offset: 0, Count: batch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "queue: list due")
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, m := range members {
		pipe.LPush(ctx, q.queueKey(), m)
		pipe.ZRem(ctx, q.delayKey(), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "queue: promote due")
	}
	return len(members), nil
}

// Status looks up one job's broker-side state; nil means unknown.
func (q *RedisQ) Status(ctx context.Context, id string) (*JobStatus, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue: job status")
	}
	if len(fields) == 0 {
		return nil, nil
	}
	st := &JobStatus{ID: id, State: fields["state"]}
	st.Attempts, _ = strconv.Atoi(fields["attempts"])
	if sec, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		st.EnqueuedAt = time.Unix(sec, 0).UTC()
	}
	return st, nil
}

// Stats aggregates queue depth from the data structures and throughput from
// the counters hash.
func (q *RedisQ) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.rdb.LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return Stats{}, errors.Wrap(err, "queue: llen")
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayKey()).Result()
	if err != nil {
		return Stats{}, errors.Wrap(err, "queue: zcard")
	}
	counters, err := q.rdb.HGetAll(ctx, q.statsKey()).Result()
	if err != nil {
		return Stats{}, errors.Wrap(err, "queue: counters")
	}

	s := Stats{
		Pending:    ready + delayed,
		Processing: counter(counters, "processing"),
		Completed:  counter(counters, "completed"),
		Failed:     counter(counters, "failed"),
		Healthy:    true,
	}
	if totalMS := counter(counters, "total_ms"); s.Completed > 0 {
		s.AvgProcessingTime = time.Duration(totalMS/s.Completed) * time.Millisecond
	}
	return s, nil
}

// Cleanup requeues in-flight envelopes past the visibility timeout and trims
// terminal status hashes past retention. Best effort; partial failures are
// aggregated, not fatal.
func (q *RedisQ) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	var errs error

	horizon := time.Now().Add(-q.visibility).Unix()
	members, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &r.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", horizon),
	}).Result()
	if err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "queue: list unreachable"))
	}
	for _, m := range members {
		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, q.queueKey(), m)
		pipe.ZRem(ctx, q.processingKey(), m)
		pipe.HIncrBy(ctx, q.statsKey(), "processing", -1)
		if _, err := pipe.Exec(ctx); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "queue: reset unreachable"))
			continue
		}
		res.Reset++
	}

	cutoff := time.Now().Add(-q.retention).Unix()
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, q.jobKey("*"), 200).Result()
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "queue: scan job keys"))
			break
		}
		for _, key := range keys {
			fields, err := q.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, "queue: read job key"))
				continue
			}
			state := fields["state"]
			if state != "completed" && state != "failed" {
				continue
			}
			doneAt, err := strconv.ParseInt(fields["done_at"], 10, 64)
			if err != nil || doneAt >= cutoff {
				continue
			}
			if err := q.rdb.Del(ctx, key).Err(); err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, "queue: trim job key"))
				continue
			}
			res.Cleaned++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return res, errs
}

// Ping verifies broker connectivity.
func (q *RedisQ) Ping(ctx context.Context) error {
	return errors.Wrap(q.rdb.Ping(ctx).Err(), "queue: ping")
}

func counter(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	if n < 0 {
		return 0
	}
	return n
}
