package queue

import (
	"time"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

// Priority selects which end of the ready list an envelope lands on.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityHigh    Priority = "high"
)

// Envelope is the broker-held message. It embeds the record's identifying
// fields so either Redis or Postgres can drive a retry.
type Envelope struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Payload     domain.JobPayload `json:"payload"`
	Attempts    int               `json:"attempts"`
	MaxAttempts int               `json:"maxAttempts"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`

	// raw holds the exact bytes claimed from the broker so the in-flight
	// ledger entry can be removed on ack/retry.
	raw []byte
}

// Options tune a single enqueue.
type Options struct {
	Priority Priority
	Delay    time.Duration
	// MaxAttempts of 0 takes the broker default.
	MaxAttempts int
}

// JobStatus is the broker-side view of one job, kept separately from the
// record so status lookups never touch Postgres.
type JobStatus struct {
	ID         string
	State      string
	Attempts   int
	EnqueuedAt time.Time
}

// Stats is an aggregate snapshot of the queue.
type Stats struct {
	Pending           int64         `json:"pending"`
	Processing        int64         `json:"processing"`
	Completed         int64         `json:"completed"`
	Failed            int64         `json:"failed"`
	AvgProcessingTime time.Duration `json:"avgProcessingTime"`
	Healthy           bool          `json:"healthy"`
}

// CleanupResult summarizes one broker maintenance pass.
type CleanupResult struct {
	Cleaned int `json:"cleaned"`
	Reset   int `json:"reset"`
}

// Health is the composite health-check outcome.
type Health struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}
