// Package storage is the Postgres adapter. The links table is the source of
// truth for job state; the broker only ever redelivers work, it never decides
// outcomes.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

// Store implements domain.LinkRepository, domain.TeamRepository and
// domain.ChannelRepository over a shared pgx pool.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an existing pool; the pool is constructed once in main and
// injected everywhere a repository is needed.
func New(db *pgxpool.Pool) *Store { return &Store{db} }

const linkColumns = `id, url, team_ref, channel_ref, message_ref, status,
	attempt_count, error_message, audio_url, notify_failed, created_at, updated_at`

// Create inserts a pending record. An existing active row for the same
// (team_ref, url) wins the conflict and comes back with ErrDuplicateLink; a
// failed row is revived in place so a re-shared link gets a fresh run.
func (s *Store) Create(ctx context.Context, p domain.CreateLinkParams) (*domain.Link, error) {
	id := uuid.NewString()
	row := s.db.QueryRow(ctx, `insert into links(
id, url, team_ref, channel_ref, message_ref, status, attempt_count
) values ($1,$2,$3,$4,$5,'pending',0)
on conflict (team_ref, url) do nothing
returning `+linkColumns,
		id, p.URL, p.TeamRef, p.ChannelRef, p.MessageRef)

	link, err := scanLink(row)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "storage: insert link")
	}

	existing, err := s.FindByURL(ctx, p.TeamRef, p.URL)
	if err != nil {
		return nil, err
	}
	if existing.Active() {
		return existing, domain.ErrDuplicateLink
	}

	row = s.db.QueryRow(ctx, `update links
set status = 'pending', attempt_count = 0, error_message = null,
    message_ref = $2, channel_ref = $3, updated_at = now()
where id = $1
returning `+linkColumns, existing.ID, p.MessageRef, p.ChannelRef)
	link, err = scanLink(row)
	return link, errors.Wrap(err, "storage: revive link")
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Link, error) {
	row := s.db.QueryRow(ctx, `select `+linkColumns+` from links where id = $1`, id)
	link, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLinkNotFound
	}
	return link, errors.Wrap(err, "storage: get link")
}

func (s *Store) FindByURL(ctx context.Context, teamRef, url string) (*domain.Link, error) {
	row := s.db.QueryRow(ctx,
		`select `+linkColumns+` from links where team_ref = $1 and url = $2`,
		teamRef, url)
	link, err := scanLink(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrLinkNotFound
	}
	return link, errors.Wrap(err, "storage: find link by url")
}

// Claim flips pending->processing. The status guard makes concurrent claims
// of the same record lose cleanly instead of double-running it.
func (s *Store) Claim(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update links
set status = 'processing', attempt_count = attempt_count + 1, updated_at = now()
where id = $1 and status = 'pending'`, id)
	if err != nil {
		return errors.Wrap(err, "storage: claim link")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id, audioURL string) error {
	_, err := s.db.Exec(ctx, `update links
set status = 'completed', audio_url = $2, error_message = null,
    notify_failed = false, updated_at = now()
where id = $1`, id, audioURL)
	return errors.Wrap(err, "storage: complete link")
}

func (s *Store) CompleteNotifyFailed(ctx context.Context, id, audioURL string) error {
	_, err := s.db.Exec(ctx, `update links
set status = 'completed', audio_url = $2, notify_failed = true, updated_at = now()
where id = $1`, id, audioURL)
	return errors.Wrap(err, "storage: complete link (notify failed)")
}

func (s *Store) Fail(ctx context.Context, id, reason string) error {
	// The first terminal reason wins; a later Fail on an already failed
	// record must not rewrite the original diagnostic.
	_, err := s.db.Exec(ctx, `update links
set status = 'failed', error_message = $2, updated_at = now()
where id = $1 and status <> 'failed'`, id, reason)
	return errors.Wrap(err, "storage: fail link")
}

// FindStuck returns processing records untouched since cutoff, oldest first.
func (s *Store) FindStuck(ctx context.Context, cutoff time.Time, limit int) ([]domain.Link, error) {
	rows, err := s.db.Query(ctx, `select `+linkColumns+` from links
where status = 'processing' and updated_at < $1
order by updated_at asc limit $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: find stuck links")
	}
	return collectLinks(rows)
}

func (s *Store) ResetToPending(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `update links
set status = 'pending', error_message = null, updated_at = now()
where id = $1 and status = 'processing'`, id)
	if err != nil {
		return errors.Wrap(err, "storage: reset link")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// Release returns a processing record to pending after a transient failure,
// keeping the error message so the state between attempts is observable.
func (s *Store) Release(ctx context.Context, id, reason string) error {
	tag, err := s.db.Exec(ctx, `update links
set status = 'pending', error_message = $2, updated_at = now()
where id = $1 and status = 'processing'`, id, reason)
	if err != nil {
		return errors.Wrap(err, "storage: release link")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}

// FindAbandoned returns pending records created before cutoff that no worker
// ever claimed.
func (s *Store) FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]domain.Link, error) {
	rows, err := s.db.Query(ctx, `select `+linkColumns+` from links
where status = 'pending' and created_at < $1
order by created_at asc limit $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: find abandoned links")
	}
	return collectLinks(rows)
}

// ByRef resolves a workspace by its external identifier.
func (s *Store) ByRef(ctx context.Context, teamRef string) (*domain.Team, error) {
	var t domain.Team
	err := s.db.QueryRow(ctx,
		`select id, team_ref, name, active, created_at from teams where team_ref = $1`,
		teamRef).Scan(&t.ID, &t.TeamRef, &t.Name, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTeamNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: team by ref")
	}
	return &t, nil
}

// BumpLinkCount upserts the channel row and increments its counter.
func (s *Store) BumpLinkCount(ctx context.Context, teamRef, channelRef string) error {
	_, err := s.db.Exec(ctx, `insert into channels(team_ref, channel_ref, link_count)
values ($1, $2, 1)
on conflict (team_ref, channel_ref)
do update set link_count = channels.link_count + 1, updated_at = now()`,
		teamRef, channelRef)
	return errors.Wrap(err, "storage: bump channel link count")
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.Ping(ctx), "storage: ping")
}

func scanLink(row pgx.Row) (*domain.Link, error) {
	var l domain.Link
	var status string
	err := row.Scan(&l.ID, &l.URL, &l.TeamRef, &l.ChannelRef, &l.MessageRef,
		&status, &l.AttemptCount, &l.ErrorMessage, &l.AudioURL, &l.NotifyFailed,
		&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = domain.Status(status)
	return &l, nil
}

func collectLinks(rows pgx.Rows) ([]domain.Link, error) {
	defer rows.Close()
	var out []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan link")
		}
		out = append(out, *l)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate links")
}
