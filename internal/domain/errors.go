package domain

import "github.com/pkg/errors"

var (
	ErrInvalidURL   = errors.New("invalid URL")
	ErrLinkNotFound = errors.New("link not found")
	// ErrDuplicateLink is a short-circuit signal, not a failure: an active
	// record for the same (teamRef, url) already exists and is returned
	// alongside it.
	ErrDuplicateLink = errors.New("duplicate link")
	// ErrTeamNotFound signals a data-integrity problem upstream; it is never
	// retried.
	ErrTeamNotFound = errors.New("team not found")
	// ErrTeamInactive covers uninstalled or suspended workspaces.
	ErrTeamInactive = errors.New("team inactive")
	// ErrLinkFailed means the record reached a terminal failed state before
	// this attempt could claim it.
	ErrLinkFailed = errors.New("link already failed")
)

// Permanent reports whether err must not be retried. Everything else is
// treated as transient and left to the broker's backoff policy.
func Permanent(err error) bool {
	return errors.Is(err, ErrTeamNotFound) ||
		errors.Is(err, ErrTeamInactive) ||
		errors.Is(err, ErrLinkNotFound) ||
		errors.Is(err, ErrLinkFailed) ||
		errors.Is(err, ErrInvalidURL)
}
