// Package processor holds the business logic for one link: extract,
// summarize, synthesize, upload, persist, notify. It carries no queueing
// logic; retries and backoff belong to the caller.
package processor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

// maxScriptChars bounds the narration script handed to speech synthesis.
const maxScriptChars = 2000

// Processor orchestrates the external collaborators for a single job.
type Processor struct {
	links    domain.LinkRepository
	teams    domain.TeamRepository
	channels domain.ChannelRepository

	extractor domain.ContentExtractor
	speech    domain.SpeechSynthesizer
	audio     domain.AudioStore
	notifier  domain.Notifier

	log *zap.Logger
}

// Deps bundles the processor's collaborators.
type Deps struct {
	Links     domain.LinkRepository
	Teams     domain.TeamRepository
	Channels  domain.ChannelRepository
	Extractor domain.ContentExtractor
	Speech    domain.SpeechSynthesizer
	Audio     domain.AudioStore
	Notifier  domain.Notifier
	Log       *zap.Logger
}

// New creates a Processor.
func New(d Deps) *Processor {
	return &Processor{
		links:     d.Links,
		teams:     d.Teams,
		channels:  d.Channels,
		extractor: d.Extractor,
		speech:    d.Speech,
		audio:     d.Audio,
		notifier:  d.Notifier,
		log:       d.Log,
	}
}

// Process runs one attempt for the payload. Collaborator errors from the
// extract/synthesize/upload steps propagate to the caller so its retry policy
// can classify them. The returned link is non-nil whenever a record was
// resolved, including alongside an error.
func (p *Processor) Process(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
	team, err := p.teams.ByRef(ctx, payload.TeamRef)
	if err != nil {
		return nil, err
	}
	if !team.Active {
		return nil, errors.Wrapf(domain.ErrTeamInactive, "team %s", team.TeamRef)
	}

	link, err := p.resolveRecord(ctx, payload)
	if err != nil {
		return nil, err
	}
	// Idempotency: an in-flight or completed record means another execution
	// owns (or owned) this link. Return its result, post nothing.
	if link.Status == domain.StatusCompleted || link.Status == domain.StatusProcessing {
		p.log.Info("link already handled, skipping",
			zap.String("link", link.ID), zap.String("status", string(link.Status)))
		return link, nil
	}

	if err := p.links.Claim(ctx, link.ID); err != nil {
		if errors.Is(err, domain.ErrLinkNotFound) {
			// The record left pending under us. Re-read to tell a lost
			// claim race from a record that already failed terminally.
			refreshed, gerr := p.links.Get(ctx, link.ID)
			if gerr != nil {
				return link, gerr
			}
			if refreshed.Status == domain.StatusFailed {
				return refreshed, errors.Wrapf(domain.ErrLinkFailed, "link %s", link.ID)
			}
			p.log.Info("lost claim race, deferring to the winner",
				zap.String("link", link.ID), zap.String("status", string(refreshed.Status)))
			return refreshed, nil
		}
		return link, err
	}

	content, err := p.extractor.Extract(ctx, payload.URL)
	if err != nil {
		return link, err
	}

	script := NarrationScript(content)

	audio, err := p.speech.Synthesize(ctx, script)
	if err != nil {
		return link, err
	}

	key := fmt.Sprintf("audio/%s/%s.mp3", payload.TeamRef, link.ID)
	audioURL, err := p.audio.Upload(ctx, key, audio)
	if err != nil {
		return link, err
	}

	if err := p.links.Complete(ctx, link.ID, audioURL); err != nil {
		return link, err
	}
	if err := p.channels.BumpLinkCount(ctx, payload.TeamRef, payload.ChannelRef); err != nil {
		p.log.Warn("channel bookkeeping update failed",
			zap.Error(err), zap.String("channel", payload.ChannelRef))
	}

	if err := p.notifier.Post(ctx, payload.ChannelRef, payload.MessageRef, audioURL); err != nil {
		// Audio exists; keep it on the record and flag the missed post
		// instead of burning another synthesis attempt.
		p.log.Warn("channel notify failed",
			zap.Error(err), zap.String("link", link.ID))
		if perr := p.links.CompleteNotifyFailed(ctx, link.ID, audioURL); perr != nil {
			return link, perr
		}
	}

	p.log.Info("link processed",
		zap.String("link", link.ID),
		zap.String("url", payload.URL),
		zap.String("audio", audioURL))
	return p.links.Get(ctx, link.ID)
}

// resolveRecord finds or creates the record this payload targets. A LinkID in
// the payload means "update this record"; otherwise the (teamRef, url) pair
// dedups against existing work.
func (p *Processor) resolveRecord(ctx context.Context, payload domain.JobPayload) (*domain.Link, error) {
	if payload.LinkID != "" {
		return p.links.Get(ctx, payload.LinkID)
	}

	existing, err := p.links.FindByURL(ctx, payload.TeamRef, payload.URL)
	switch {
	case err == nil && existing.Active():
		return existing, nil
	case err != nil && !errors.Is(err, domain.ErrLinkNotFound):
		return nil, err
	}

	link, err := p.links.Create(ctx, domain.CreateLinkParams{
		URL:        payload.URL,
		TeamRef:    payload.TeamRef,
		ChannelRef: payload.ChannelRef,
		MessageRef: payload.MessageRef,
	})
	if errors.Is(err, domain.ErrDuplicateLink) {
		return link, nil
	}
	return link, err
}

// NarrationScript builds the size-bounded text handed to speech synthesis:
// title first, then excerpt or body, truncated on a rune boundary.
func NarrationScript(c *domain.Content) string {
	body := c.Excerpt
	if body == "" {
		body = c.Text
	}
	script := strings.TrimSpace(c.Title)
	if script != "" && body != "" {
		script += ". "
	}
	script += strings.TrimSpace(body)

	if utf8.RuneCountInString(script) <= maxScriptChars {
		return script
	}
	runes := []rune(script)
	return string(runes[:maxScriptChars])
}
