package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Sessions

const sessionColumns = `id, user_id, realm, token_family, fingerprint, device_name, ip_address, user_agent,
	city, country, latitude, longitude, created_at, last_activity_at, expires_at, status, revoked_reason, revoked_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	err := row.Scan(&s.ID, &s.UserID, &s.Realm, &s.TokenFamily, &s.Fingerprint, &s.DeviceName,
		&s.IPAddress, &s.UserAgent, &s.City, &s.Country, &s.Latitude, &s.Longitude,
		&s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &status, &s.RevokedReason, &s.RevokedAt)
	s.Status = SessionStatus(status)
	return s, mapErr(err)
}

func sessionArgs(s Session) []any {
	return []any{
		s.ID, s.UserID, s.Realm, s.TokenFamily, s.Fingerprint, s.DeviceName,
		s.IPAddress, s.UserAgent, s.City, s.Country, s.Latitude, s.Longitude,
		s.CreatedAt, s.LastActivityAt, s.ExpiresAt, string(s.Status), s.RevokedReason, s.RevokedAt,
	}
}

func (p *Postgres) CreateSession(ctx context.Context, s Session) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		sessionArgs(s)...)
	return mapErr(err)
}

func (p *Postgres) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	return scanSession(p.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (p *Postgres) GetSessionByFamily(ctx context.Context, family uuid.UUID) (Session, error) {
	return scanSession(p.q.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_family = $1`, family))
}

func (p *Postgres) listSessions(ctx context.Context, where string, args ...any) ([]Session, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	return p.listSessions(ctx, `user_id = $1`, userID)
}

func (p *Postgres) ListActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	return p.listSessions(ctx, `user_id = $1 AND status = $2`, userID, string(SessionActive))
}

func (p *Postgres) ListSessionsExpiringBefore(ctx context.Context, realm string, t time.Time) ([]Session, error) {
	return p.listSessions(ctx, `realm = $1 AND status = $2 AND expires_at < $3`,
		realm, string(SessionActive), t)
}

func (p *Postgres) ListSessionsByStatus(ctx context.Context, realm string, status SessionStatus) ([]Session, error) {
	return p.listSessions(ctx, `realm = $1 AND status = $2`, realm, string(status))
}

func (p *Postgres) UpdateSession(ctx context.Context, id uuid.UUID, updater func(Session) (Session, error)) error {
	return p.WithTx(ctx, func(st Store) error {
		px := st.(*Postgres)
		s, err := scanSession(px.q.QueryRow(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		s, err = updater(s)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE sessions SET last_activity_at = $2, expires_at = $3, status = $4, revoked_reason = $5, revoked_at = $6
			 WHERE id = $1`,
			id, s.LastActivityAt, s.ExpiresAt, string(s.Status), s.RevokedReason, s.RevokedAt)
		return mapErr(err)
	})
}

func (p *Postgres) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Session history. Keyed by session id, so concurrent archival of the same
// session surfaces as ErrAlreadyExists instead of a duplicate row.

func (p *Postgres) CreateSessionHistory(ctx context.Context, e SessionHistoryEntry) error {
	args := append(sessionArgs(e.Session), e.ArchivedAt)
	_, err := p.q.Exec(ctx,
		`INSERT INTO session_history (session_id, user_id, realm, token_family, fingerprint, device_name,
			ip_address, user_agent, city, country, latitude, longitude, created_at, last_activity_at,
			expires_at, status, revoked_reason, revoked_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		args...)
	return mapErr(err)
}

func (p *Postgres) ListSessionHistoryByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SessionHistoryEntry, error) {
	q := `SELECT session_id, user_id, realm, token_family, fingerprint, device_name,
			ip_address, user_agent, city, country, latitude, longitude, created_at, last_activity_at,
			expires_at, status, revoked_reason, revoked_at, archived_at
		 FROM session_history WHERE user_id = $1 ORDER BY archived_at DESC OFFSET $2`
	args := []any{userID, offset}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.q.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []SessionHistoryEntry
	for rows.Next() {
		var e SessionHistoryEntry
		var status string
		err := rows.Scan(&e.ID, &e.UserID, &e.Realm, &e.TokenFamily, &e.Fingerprint, &e.DeviceName,
			&e.IPAddress, &e.UserAgent, &e.City, &e.Country, &e.Latitude, &e.Longitude,
			&e.CreatedAt, &e.LastActivityAt, &e.ExpiresAt, &status, &e.RevokedReason, &e.RevokedAt,
			&e.ArchivedAt)
		if err != nil {
			return nil, mapErr(err)
		}
		e.Status = SessionStatus(status)
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) DeleteSessionHistoryBefore(ctx context.Context, realm string, cutoff time.Time) (int, error) {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM session_history WHERE realm = $1 AND archived_at < $2`, realm, cutoff)
	return int(tag.RowsAffected()), mapErr(err)
}

// Audit

func (p *Postgres) InsertAuditEvents(ctx context.Context, events []AuditEvent) error {
	return p.WithTx(ctx, func(st Store) error {
		px := st.(*Postgres)
		for _, e := range events {
			_, err := px.q.Exec(ctx,
				`INSERT INTO audit_events (id, event_type, timestamp, actor_id, actor_type, target_id,
					target_type, result, metadata, realm, session_id)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				e.ID, e.EventType, e.Timestamp, e.ActorID, string(e.ActorType), e.TargetID,
				e.TargetType, string(e.Result), e.Metadata, e.Realm, e.SessionID)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

// auditWhere builds the filter predicate. From and To are inclusive bounds.
func auditWhere(f AuditFilter) (string, []any) {
	where := []string{"true"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Realm != "" {
		where = append(where, "realm = "+arg(f.Realm))
	}
	if len(f.EventTypes) > 0 {
		where = append(where, "event_type = ANY("+arg(f.EventTypes)+")")
	}
	if f.ActorID != uuid.Nil {
		where = append(where, "actor_id = "+arg(f.ActorID))
	}
	if f.TargetID != uuid.Nil {
		where = append(where, "target_id = "+arg(f.TargetID))
	}
	if f.Result != "" {
		where = append(where, "result = "+arg(string(f.Result)))
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= "+arg(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= "+arg(f.To))
	}

	clause := where[0]
	for _, w := range where[1:] {
		clause += " AND " + w
	}
	return clause, args
}

func (p *Postgres) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error) {
	clause, args := auditWhere(f)
	q := `SELECT id, event_type, timestamp, actor_id, actor_type, target_id, target_type,
			result, metadata, realm, session_id
		 FROM audit_events WHERE ` + clause + ` ORDER BY timestamp DESC`
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.q.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var actorType, result string
		err := rows.Scan(&e.ID, &e.EventType, &e.Timestamp, &e.ActorID, &actorType, &e.TargetID,
			&e.TargetType, &result, &e.Metadata, &e.Realm, &e.SessionID)
		if err != nil {
			return nil, mapErr(err)
		}
		e.ActorType = ActorType(actorType)
		e.Result = AuditResult(result)
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) CountAuditEvents(ctx context.Context, f AuditFilter) (int, error) {
	clause, args := auditWhere(f)
	var n int
	err := p.q.QueryRow(ctx, `SELECT count(*) FROM audit_events WHERE `+clause, args...).Scan(&n)
	return n, mapErr(err)
}

// DeleteAuditEventsBefore removes rows strictly older than the cutoff; a row
// exactly at the cutoff survives.
func (p *Postgres) DeleteAuditEventsBefore(ctx context.Context, realm string, cutoff time.Time) (int, error) {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM audit_events WHERE realm = $1 AND timestamp < $2`, realm, cutoff)
	return int(tag.RowsAffected()), mapErr(err)
}
