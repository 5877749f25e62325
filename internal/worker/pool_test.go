package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
	"github.com/AnuragRamdasan/biirbal-sub002/internal/queue"
)

// fakeBroker is an in-memory queue.Broker. Retried envelopes are counted but
// not redelivered within a batch, mirroring the delay zset.
type fakeBroker struct {
	mu       sync.Mutex
	ready    []queue.Envelope
	acked    []string
	retried  []string
	rejected []string

	pingErr     error
	retryResult bool
	maxAttempts int
}

func newFakeBroker(envs ...queue.Envelope) *fakeBroker {
	return &fakeBroker{ready: envs, retryResult: true, maxAttempts: 3}
}

func (b *fakeBroker) Name() string { return "links" }

func (b *fakeBroker) Enqueue(ctx context.Context, env queue.Envelope, opts queue.Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, env)
	return nil
}

func (b *fakeBroker) Dequeue(ctx context.Context, block time.Duration) (*queue.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ready) == 0 {
		return nil, nil
	}
	env := b.ready[0]
	b.ready = b.ready[1:]
	return &env, nil
}

func (b *fakeBroker) Ack(ctx context.Context, env *queue.Envelope, took time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, env.ID)
	return nil
}

func (b *fakeBroker) Retry(ctx context.Context, env *queue.Envelope) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	env.Attempts++
	b.retried = append(b.retried, env.ID)
	if env.Attempts >= b.maxAttempts {
		return false, nil
	}
	return b.retryResult, nil
}

func (b *fakeBroker) Reject(ctx context.Context, env *queue.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected = append(b.rejected, env.ID)
	return nil
}

func (b *fakeBroker) PromoteDue(ctx context.Context, batch int64) (int, error) { return 0, nil }

func (b *fakeBroker) Status(ctx context.Context, id string) (*queue.JobStatus, error) {
	return nil, nil
}
func (b *fakeBroker) Stats(ctx context.Context) (queue.Stats, error) { return queue.Stats{}, nil }
func (b *fakeBroker) Cleanup(ctx context.Context) (queue.CleanupResult, error) {
	return queue.CleanupResult{}, nil
}
func (b *fakeBroker) Ping(ctx context.Context) error { return b.pingErr }

// recordingLinks tracks Fail/Release calls; other methods are unused here.
type recordingLinks struct {
	mu       sync.Mutex
	failed   map[string]string
	released map[string]string
}

func newRecordingLinks() *recordingLinks {
	return &recordingLinks{failed: make(map[string]string), released: make(map[string]string)}
}

func (r *recordingLinks) Create(ctx context.Context, p domain.CreateLinkParams) (*domain.Link, error) {
	return nil, errors.New("not implemented")
}
func (r *recordingLinks) Get(ctx context.Context, id string) (*domain.Link, error) {
	return nil, domain.ErrLinkNotFound
}
func (r *recordingLinks) FindByURL(ctx context.Context, teamRef, url string) (*domain.Link, error) {
	return nil, domain.ErrLinkNotFound
}
func (r *recordingLinks) Claim(ctx context.Context, id string) error              { return nil }
func (r *recordingLinks) Complete(ctx context.Context, id, audioURL string) error { return nil }

func (r *recordingLinks) Fail(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = reason
	return nil
}

func (r *recordingLinks) CompleteNotifyFailed(ctx context.Context, id, audioURL string) error {
	return nil
}
func (r *recordingLinks) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Link, error) {
	return nil, nil
}
func (r *recordingLinks) ResetToPending(ctx context.Context, id string) error { return nil }

func (r *recordingLinks) Release(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released[id] = reason
	return nil
}

func (r *recordingLinks) FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]domain.Link, error) {
	return nil, nil
}

func env(id, url string) queue.Envelope {
	return queue.Envelope{
		ID:   id,
		Type: domain.JobTypeProcessLink,
		Payload: domain.JobPayload{
			URL: url, TeamRef: "T1", ChannelRef: "C1",
		},
		MaxAttempts: 3,
	}
}

func newTestPool(broker queue.Broker, links domain.LinkRepository, h Handler) *Pool {
	p := NewPool(broker, links, time.Minute, zap.NewNop())
	p.Register(domain.JobTypeProcessLink, h)
	return p
}

func okHandler(link *domain.Link) HandlerFunc {
	return func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
		return link, nil
	}
}

func TestProcessJobs_DrainsQueue(t *testing.T) {
	broker := newFakeBroker(env("j1", "https://example.com/1"), env("j2", "https://example.com/2"))
	pool := newTestPool(broker, newRecordingLinks(), okHandler(&domain.Link{ID: "L1"}))

	res, err := pool.ProcessJobs(context.Background(), Options{Concurrency: 2, WorkerID: "w1"})
	if err != nil {
		t.Fatalf("ProcessJobs() error = %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 processed, 0 failed", res)
	}
	if len(broker.acked) != 2 {
		t.Errorf("acked %d jobs, want 2", len(broker.acked))
	}
	if res.Duration <= 0 {
		t.Error("duration must be reported")
	}
}

func TestProcessJobs_FailureIsolatedPerJob(t *testing.T) {
	broker := newFakeBroker(env("bad", "https://example.com/bad"), env("good", "https://example.com/good"))
	links := newRecordingLinks()
	handler := HandlerFunc(func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
		if strings.Contains(payload.URL, "bad") {
			return &domain.Link{ID: "L-bad"}, errors.New("extractor: boom")
		}
		return &domain.Link{ID: "L-good"}, nil
	})
	pool := newTestPool(broker, links, handler)

	res, err := pool.ProcessJobs(context.Background(), Options{Concurrency: 1})
	if err != nil {
		t.Fatalf("ProcessJobs() error = %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 processed, 1 failed", res)
	}
	if len(broker.retried) != 1 || broker.retried[0] != "bad" {
		t.Errorf("retried = %v, want the failing job scheduled for retry", broker.retried)
	}
	if reason := links.released["L-bad"]; !strings.Contains(reason, "boom") {
		t.Errorf("released reason = %q, want the attempt error", reason)
	}
}

func TestProcessJobs_PermanentErrorFailsRecordImmediately(t *testing.T) {
	broker := newFakeBroker(env("j1", "https://example.com/1"))
	links := newRecordingLinks()
	handler := HandlerFunc(func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
		return nil, domain.ErrTeamNotFound
	})
	pool := newTestPool(broker, links, handler)

	res, _ := pool.ProcessJobs(context.Background(), Options{Concurrency: 1})
	if res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}
	if len(broker.rejected) != 1 {
		t.Errorf("rejected = %v, want the job dropped without retry", broker.rejected)
	}
	if len(broker.retried) != 0 {
		t.Error("data-integrity errors must never be retried")
	}
}

func TestProcessJobs_ExhaustedRetriesFailRecord(t *testing.T) {
	e := env("j1", "https://example.com/1")
	e.Attempts = 2 // next failure is the capped third attempt
	broker := newFakeBroker(e)
	links := newRecordingLinks()
	handler := HandlerFunc(func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
		return &domain.Link{ID: "L1"}, errors.New("extractor: unexpected status 503")
	})
	pool := newTestPool(broker, links, handler)

	res, _ := pool.ProcessJobs(context.Background(), Options{Concurrency: 1})
	if res.Failed != 1 {
		t.Fatalf("result = %+v, want 1 failed", res)
	}
	reason, ok := links.failed["L1"]
	if !ok {
		t.Fatal("exhausted retries must fail the record")
	}
	if !strings.Contains(reason, "extractor") {
		t.Errorf("failure reason = %q, want the last error", reason)
	}
}

func TestProcessJobs_UnknownTypeRejected(t *testing.T) {
	e := env("j1", "https://example.com/1")
	e.Type = "mystery"
	broker := newFakeBroker(e)
	pool := newTestPool(broker, newRecordingLinks(), okHandler(nil))

	res, _ := pool.ProcessJobs(context.Background(), Options{Concurrency: 1})
	if res.Failed != 1 {
		t.Errorf("result = %+v, want 1 failed", res)
	}
	if len(broker.rejected) != 1 {
		t.Error("unknown job types must be rejected, not retried forever")
	}
}

func TestProcessJobs_BrokerDownAtStart(t *testing.T) {
	broker := newFakeBroker()
	broker.pingErr = errors.New("connection refused")
	pool := newTestPool(broker, newRecordingLinks(), okHandler(nil))

	if _, err := pool.ProcessJobs(context.Background(), Options{Concurrency: 1}); err == nil {
		t.Error("a dead broker at batch start must surface as an error")
	}
}

func TestProcessJobs_BoundedConcurrency(t *testing.T) {
	var envs []queue.Envelope
	for i := 0; i < 8; i++ {
		envs = append(envs, env("j"+string(rune('0'+i)), "https://example.com/x"))
	}
	broker := newFakeBroker(envs...)

	var inFlight, peak atomic.Int64
	handler := HandlerFunc(func(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return &domain.Link{ID: "L"}, nil
	})
	pool := newTestPool(broker, newRecordingLinks(), handler)

	res, err := pool.ProcessJobs(context.Background(), Options{Concurrency: 3})
	if err != nil {
		t.Fatalf("ProcessJobs() error = %v", err)
	}
	if res.Processed != 8 {
		t.Errorf("processed = %d, want 8", res.Processed)
	}
	if p := peak.Load(); p > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", p)
	}
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		pool := newTestPool(newFakeBroker(), newRecordingLinks(), okHandler(nil))
		h := pool.HealthCheck(context.Background(), 5)
		if !h.Healthy || !h.Redis.Connected {
			t.Errorf("health = %+v, want healthy with redis connected", h)
		}
		if h.QueueName != "links" || h.Concurrency != 5 {
			t.Errorf("health = %+v, want configuration echoed", h)
		}
	})

	t.Run("broker down", func(t *testing.T) {
		broker := newFakeBroker()
		broker.pingErr = errors.New("refused")
		pool := newTestPool(broker, newRecordingLinks(), okHandler(nil))
		h := pool.HealthCheck(context.Background(), 5)
		if h.Healthy || h.Redis.Connected {
			t.Errorf("health = %+v, want unhealthy", h)
		}
		if len(h.Issues) == 0 {
			t.Error("unhealthy report must carry the triggering issue")
		}
	})
}
