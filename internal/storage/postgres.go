package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx shared by a pool and a transaction, so every
// query method works in both contexts.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool. WithTx views share the
// pool but route queries through the open transaction.
type Postgres struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Postgres{pool: pool, q: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	if p.inTx {
		return nil
	}
	p.pool.Close()
	return nil
}

// WithTx runs fn in a REPEATABLE READ transaction. Calls made on an already
// transactional view join the open transaction instead of nesting.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// mapErr translates pgx errors into the store's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch {
		case strings.Contains(pgErr.ConstraintName, "email"):
			return ErrEmailExists
		case strings.Contains(pgErr.ConstraintName, "phone"):
			return ErrPhoneExists
		default:
			return ErrAlreadyExists
		}
	}
	return err
}

// Realms

func (p *Postgres) CreateRealm(ctx context.Context, r Realm) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO realms (name, created_at) VALUES ($1, $2)`,
		r.Name, r.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) GetRealm(ctx context.Context, name string) (Realm, error) {
	var r Realm
	err := p.q.QueryRow(ctx,
		`SELECT name, created_at FROM realms WHERE name = $1`, name).
		Scan(&r.Name, &r.CreatedAt)
	return r, mapErr(err)
}

// Users

const userColumns = `id, realm, email, phone, password_hash, status, roles, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var status string
	err := row.Scan(&u.ID, &u.Realm, &u.Email, &u.Phone, &u.PasswordHash, &status, &u.Roles, &u.CreatedAt, &u.UpdatedAt)
	u.Status = UserStatus(status)
	return u, mapErr(err)
}

func (p *Postgres) CreateUser(ctx context.Context, u User) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Realm, u.Email, u.Phone, u.PasswordHash, string(u.Status), u.Roles, u.CreatedAt, u.UpdatedAt)
	return mapErr(err)
}

func (p *Postgres) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	return scanUser(p.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, realm, email string) (User, error) {
	return scanUser(p.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE realm = $1 AND email = $2 AND email <> ''`, realm, email))
}

func (p *Postgres) GetUserByPhone(ctx context.Context, realm, phone string) (User, error) {
	return scanUser(p.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE realm = $1 AND phone = $2 AND phone <> ''`, realm, phone))
}

func (p *Postgres) ListUsers(ctx context.Context, realm string) ([]User, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE realm = $1 ORDER BY created_at`, realm)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) UpdateUser(ctx context.Context, id uuid.UUID, updater func(User) (User, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		u, err := scanUser(px.q.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		u, err = updater(u)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE users SET email = $2, phone = $3, password_hash = $4, status = $5, roles = $6, updated_at = $7
			 WHERE id = $1`,
			id, u.Email, u.Phone, u.PasswordHash, string(u.Status), u.Roles, u.UpdatedAt)
		return mapErr(err)
	})
}

// DeleteUser removes the user and everything it owns. Tokens, sessions,
// history, locks, and MFA state go via foreign-key cascade; failed attempts
// carry no foreign key (they may precede user resolution) and are deleted
// explicitly. Audit rows are append-only and stay.
func (p *Postgres) DeleteUser(ctx context.Context, id uuid.UUID) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		if _, err := px.q.Exec(ctx, `DELETE FROM failed_attempts WHERE user_id = $1`, id); err != nil {
			return mapErr(err)
		}
		tag, err := px.q.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
		if err != nil {
			return mapErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Roles

func (p *Postgres) CreateRole(ctx context.Context, r Role) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO roles (realm, name, description, created_at) VALUES ($1, $2, $3, $4)`,
		r.Realm, r.Name, r.Description, r.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) GetRole(ctx context.Context, realm, name string) (Role, error) {
	var r Role
	err := p.q.QueryRow(ctx,
		`SELECT realm, name, description, created_at FROM roles WHERE realm = $1 AND name = $2`,
		realm, name).Scan(&r.Realm, &r.Name, &r.Description, &r.CreatedAt)
	return r, mapErr(err)
}

func (p *Postgres) ListRoles(ctx context.Context, realm string) ([]Role, error) {
	rows, err := p.q.Query(ctx,
		`SELECT realm, name, description, created_at FROM roles WHERE realm = $1 ORDER BY name`, realm)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.Realm, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) DeleteRole(ctx context.Context, realm, name string) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM roles WHERE realm = $1 AND name = $2`, realm, name)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Tokens

const tokenColumns = `id, user_id, realm, token_hash, type, revoked, token_family, parent_token_id, first_used_at, last_used_at, created_at, expires_at`

func scanToken(row pgx.Row) (StoredToken, error) {
	var t StoredToken
	var typ string
	err := row.Scan(&t.ID, &t.UserID, &t.Realm, &t.TokenHash, &typ, &t.Revoked,
		&t.TokenFamily, &t.ParentTokenID, &t.FirstUsedAt, &t.LastUsedAt, &t.CreatedAt, &t.ExpiresAt)
	t.Type = TokenType(typ)
	return t, mapErr(err)
}

func (p *Postgres) CreateToken(ctx context.Context, t StoredToken) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, t.Realm, t.TokenHash, string(t.Type), t.Revoked,
		t.TokenFamily, t.ParentTokenID, t.FirstUsedAt, t.LastUsedAt, t.CreatedAt, t.ExpiresAt)
	return mapErr(err)
}

func (p *Postgres) GetTokenByHash(ctx context.Context, hash string) (StoredToken, error) {
	return scanToken(p.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_hash = $1`, hash))
}

func (p *Postgres) ListTokensByFamily(ctx context.Context, family uuid.UUID) ([]StoredToken, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE token_family = $1 ORDER BY created_at`, family)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []StoredToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) UpdateToken(ctx context.Context, id uuid.UUID, updater func(StoredToken) (StoredToken, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		t, err := scanToken(px.q.QueryRow(ctx,
			`SELECT `+tokenColumns+` FROM tokens WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		t, err = updater(t)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE tokens SET revoked = $2, first_used_at = $3, last_used_at = $4, expires_at = $5
			 WHERE id = $1`,
			id, t.Revoked, t.FirstUsedAt, t.LastUsedAt, t.ExpiresAt)
		return mapErr(err)
	})
}

func (p *Postgres) RevokeTokensByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE tokens SET revoked = true WHERE user_id = $1 AND NOT revoked`, userID)
	return int(tag.RowsAffected()), mapErr(err)
}

func (p *Postgres) RevokeTokensByFamily(ctx context.Context, family uuid.UUID) (int, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE tokens SET revoked = true WHERE token_family = $1 AND NOT revoked`, family)
	return int(tag.RowsAffected()), mapErr(err)
}

func (p *Postgres) DeleteToken(ctx context.Context, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM tokens WHERE expires_at < $1`, before)
	return int(tag.RowsAffected()), mapErr(err)
}
