package domain

import (
	"net/url"

	"github.com/pkg/errors"
)

// JobTypeProcessLink is the only job kind the pipeline currently carries.
// Dispatch is by envelope type so further kinds slot in without touching the
// queue plumbing.
const JobTypeProcessLink = "process_link"

// JobPayload identifies the work and where results are delivered. The shape
// is stable across the broker and fallback paths.
type JobPayload struct {
	URL        string `json:"url"`
	MessageRef string `json:"messageRef"`
	ChannelRef string `json:"channelRef"`
	TeamRef    string `json:"teamRef"`
	// LinkID, when set, means "update this existing record" rather than
	// "create a new one". The sweeper sets it on re-enqueue.
	LinkID string `json:"linkId,omitempty"`
}

// Validate checks the payload before it is accepted onto either path.
func (p JobPayload) Validate() error {
	if p.URL == "" {
		return errors.New("payload: url is required")
	}
	if _, err := url.ParseRequestURI(p.URL); err != nil {
		return ErrInvalidURL
	}
	if p.TeamRef == "" {
		return errors.New("payload: teamRef is required")
	}
	if p.ChannelRef == "" {
		return errors.New("payload: channelRef is required")
	}
	return nil
}
