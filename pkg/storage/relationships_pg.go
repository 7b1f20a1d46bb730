package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outbox/pkg/types"
)

const accountColumns = `a.id::text, coalesce(a.uri, ''), coalesce(a.inbox_url, ''), coalesce(a.shared_inbox_url, ''), a.domain IS NULL`

// PostgresRelationships reads reach inputs from the accounts, follows, mentions,
// statuses and favourites tables. Suspended accounts never contribute.
type PostgresRelationships struct {
	pool *pgxpool.Pool
}

func NewPostgresRelationships(pool *pgxpool.Pool) *PostgresRelationships {
	return &PostgresRelationships{pool: pool}
}

func (p *PostgresRelationships) Status(ctx context.Context, id types.StatusID) (*types.Status, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT s.id::text, coalesce(s.in_reply_to_id::text, ''), `+accountColumns+`
		   FROM statuses s JOIN accounts a ON a.id = s.account_id
		  WHERE s.id = $1::bigint AND s.deleted_at IS NULL`,
		string(id))

	var (
		st      types.Status
		sid     string
		replyTo string
	)
	err := row.Scan(&sid, &replyTo, (*string)(&st.Account.ID), &st.Account.URI,
		&st.Account.InboxURL, &st.Account.SharedInboxURL, &st.Account.Local)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("status %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status %s: %w", id, err)
	}
	st.ID = types.StatusID(sid)
	st.InReplyToID = types.StatusID(replyTo)
	return &st, nil
}

func (p *PostgresRelationships) Followers(ctx context.Context, id types.AccountID) ([]types.Actor, error) {
	return p.actors(ctx,
		`SELECT DISTINCT `+accountColumns+`
		   FROM follows f JOIN accounts a ON a.id = f.account_id
		  WHERE f.target_account_id = $1::bigint AND a.suspended_at IS NULL`,
		string(id))
}

func (p *PostgresRelationships) Mentions(ctx context.Context, id types.StatusID) ([]types.Actor, error) {
	return p.actors(ctx,
		`SELECT DISTINCT `+accountColumns+`
		   FROM mentions m JOIN accounts a ON a.id = m.account_id
		  WHERE m.status_id = $1::bigint AND a.suspended_at IS NULL`,
		string(id))
}

func (p *PostgresRelationships) Rebloggers(ctx context.Context, id types.StatusID) ([]types.Actor, error) {
	return p.actors(ctx,
		`SELECT DISTINCT `+accountColumns+`
		   FROM statuses s JOIN accounts a ON a.id = s.account_id
		  WHERE s.reblog_of_id = $1::bigint AND s.deleted_at IS NULL AND a.suspended_at IS NULL`,
		string(id))
}

func (p *PostgresRelationships) Favouriters(ctx context.Context, id types.StatusID) ([]types.Actor, error) {
	return p.actors(ctx,
		`SELECT DISTINCT `+accountColumns+`
		   FROM favourites f JOIN accounts a ON a.id = f.account_id
		  WHERE f.status_id = $1::bigint AND a.suspended_at IS NULL`,
		string(id))
}

func (p *PostgresRelationships) Repliers(ctx context.Context, id types.StatusID) ([]types.Actor, error) {
	return p.actors(ctx,
		`SELECT DISTINCT `+accountColumns+`
		   FROM statuses s JOIN accounts a ON a.id = s.account_id
		  WHERE s.in_reply_to_id = $1::bigint AND s.deleted_at IS NULL AND a.suspended_at IS NULL`,
		string(id))
}

func (p *PostgresRelationships) actors(ctx context.Context, query string, args ...any) ([]types.Actor, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var actors []types.Actor
	for rows.Next() {
		var a types.Actor
		if err := rows.Scan((*string)(&a.ID), &a.URI, &a.InboxURL, &a.SharedInboxURL, &a.Local); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	return actors, nil
}
