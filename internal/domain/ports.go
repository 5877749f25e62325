package domain

import (
	"context"
	"time"
)

// CreateLinkParams carries everything needed to open a new link record.
type CreateLinkParams struct {
	URL        string
	TeamRef    string
	ChannelRef string
	MessageRef string
}

// LinkRepository is the driven port for link-record persistence. All updates
// are row-scoped by id; concurrent workers coordinate only through it.
type LinkRepository interface {
	// Create inserts a pending record, or returns the existing active record
	// for the same (teamRef, url) pair wrapped in a dedup signal.
	Create(ctx context.Context, p CreateLinkParams) (*Link, error)
	Get(ctx context.Context, id string) (*Link, error)
	FindByURL(ctx context.Context, teamRef, url string) (*Link, error)
	// Claim flips pending->processing, bumps attempt_count and refreshes
	// updated_at. Claiming a record that is not pending fails.
	Claim(ctx context.Context, id string) error
	Complete(ctx context.Context, id, audioURL string) error
	Fail(ctx context.Context, id, reason string) error
	// CompleteNotifyFailed records produced audio whose channel post failed.
	CompleteNotifyFailed(ctx context.Context, id, audioURL string) error
	// FindStuck returns processing records not touched since cutoff.
	FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]Link, error)
	// ResetToPending reverts a processing record for re-enqueue, clearing the
	// error message. Only processing records are eligible.
	ResetToPending(ctx context.Context, id string) error
	// Release puts a processing record back to pending after a transient
	// failure, keeping the error for observability between attempts.
	Release(ctx context.Context, id, reason string) error
	// FindAbandoned returns pending records created before cutoff that were
	// never claimed.
	FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]Link, error)
}

// TeamRepository resolves workspaces by their external identifier.
type TeamRepository interface {
	ByRef(ctx context.Context, teamRef string) (*Team, error)
}

// ChannelRepository keeps per-channel bookkeeping.
type ChannelRepository interface {
	BumpLinkCount(ctx context.Context, teamRef, channelRef string) error
}

// ContentExtractor fetches an article and returns its readable content.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*Content, error)
}

// Content is the readable part of an article.
type Content struct {
	Title   string
	Text    string
	Excerpt string
}

// SpeechSynthesizer turns a narration script into audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, script string) ([]byte, error)
}

// AudioStore uploads audio and returns a public URL.
type AudioStore interface {
	Upload(ctx context.Context, key string, audio []byte) (string, error)
}

// Notifier posts the result back into the originating channel/thread.
type Notifier interface {
	Post(ctx context.Context, channelRef, messageRef, text string) error
}
