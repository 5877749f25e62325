package domain

import "time"

// Status is the lifecycle state of a link record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further processing will happen for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Link is one link-processing work item. Postgres holds the authoritative
// copy; the broker only carries envelopes pointing back at it.
type Link struct {
	ID           string
	URL          string
	TeamRef      string
	ChannelRef   string
	MessageRef   string
	Status       Status
	AttemptCount int
	ErrorMessage *string
	AudioURL     *string
	NotifyFailed bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanRetry reports whether another processing attempt is allowed.
func (l *Link) CanRetry(maxAttempts int) bool {
	return l.AttemptCount < maxAttempts && l.Status != StatusCompleted
}

// Active reports whether the record should block creation of a duplicate for
// the same (teamRef, url) pair. Completed records stay active so a re-shared
// link is answered from the existing audio instead of reprocessed.
func (l *Link) Active() bool {
	return l.Status != StatusFailed
}

// Team is a chat workspace that installed the app.
type Team struct {
	ID        string
	TeamRef   string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Channel tracks per-channel bookkeeping updated as links complete.
type Channel struct {
	TeamRef    string
	ChannelRef string
	LinkCount  int
	UpdatedAt  time.Time
}
