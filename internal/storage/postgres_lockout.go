package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Failed attempts

func (p *Postgres) CreateFailedAttempt(ctx context.Context, a FailedAttempt) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO failed_attempts (id, realm, identifier, user_id, ip_address, attempted_at, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Realm, a.Identifier, a.UserID, a.IPAddress, a.AttemptedAt, a.Reason)
	return mapErr(err)
}

// The window predicate is strict: only attempts after `since` count.

func (p *Postgres) CountFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string, since time.Time) (int, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT count(*) FROM failed_attempts
		 WHERE realm = $1 AND identifier = $2 AND attempted_at > $3`,
		realm, identifier, since).Scan(&n)
	return n, mapErr(err)
}

func (p *Postgres) CountFailedAttemptsByIP(ctx context.Context, realm, ip string, since time.Time) (int, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT count(*) FROM failed_attempts
		 WHERE realm = $1 AND ip_address = $2 AND attempted_at > $3`,
		realm, ip, since).Scan(&n)
	return n, mapErr(err)
}

func (p *Postgres) CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := p.q.QueryRow(ctx,
		`SELECT count(*) FROM failed_attempts
		 WHERE user_id = $1 AND attempted_at > $2`,
		userID, since).Scan(&n)
	return n, mapErr(err)
}

func (p *Postgres) DeleteFailedAttemptsBefore(ctx context.Context, realm, identifier string, cutoff time.Time) error {
	_, err := p.q.Exec(ctx,
		`DELETE FROM failed_attempts WHERE realm = $1 AND identifier = $2 AND attempted_at < $3`,
		realm, identifier, cutoff)
	return mapErr(err)
}

func (p *Postgres) DeleteFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string) error {
	_, err := p.q.Exec(ctx,
		`DELETE FROM failed_attempts WHERE realm = $1 AND identifier = $2`, realm, identifier)
	return mapErr(err)
}

func (p *Postgres) DeleteFailedAttemptsByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := p.q.Exec(ctx, `DELETE FROM failed_attempts WHERE user_id = $1`, userID)
	return mapErr(err)
}

// Account locks

func (p *Postgres) UpsertAccountLock(ctx context.Context, l AccountLock) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO account_locks (user_id, locked_until, reason, locked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET locked_until = EXCLUDED.locked_until, reason = EXCLUDED.reason, locked_at = EXCLUDED.locked_at`,
		l.UserID, l.LockedUntil, l.Reason, l.LockedAt)
	return mapErr(err)
}

func (p *Postgres) GetAccountLock(ctx context.Context, userID uuid.UUID) (AccountLock, error) {
	var l AccountLock
	err := p.q.QueryRow(ctx,
		`SELECT user_id, locked_until, reason, locked_at FROM account_locks WHERE user_id = $1`,
		userID).Scan(&l.UserID, &l.LockedUntil, &l.Reason, &l.LockedAt)
	return l, mapErr(err)
}

func (p *Postgres) DeleteAccountLock(ctx context.Context, userID uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM account_locks WHERE user_id = $1`, userID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
