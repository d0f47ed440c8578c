package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MFA methods

const mfaMethodColumns = `id, user_id, type, secret, contact, label, active, last_used_step, created_at`

func scanMFAMethod(row pgx.Row) (MFAMethod, error) {
	var m MFAMethod
	var typ string
	err := row.Scan(&m.ID, &m.UserID, &typ, &m.Secret, &m.Contact, &m.Label, &m.Active, &m.LastUsedStep, &m.CreatedAt)
	m.Type = MFAMethodType(typ)
	return m, mapErr(err)
}

func (p *Postgres) CreateMFAMethod(ctx context.Context, m MFAMethod) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO mfa_methods (`+mfaMethodColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.UserID, string(m.Type), m.Secret, m.Contact, m.Label, m.Active, m.LastUsedStep, m.CreatedAt)
	return mapErr(err)
}

func (p *Postgres) GetMFAMethod(ctx context.Context, id uuid.UUID) (MFAMethod, error) {
	return scanMFAMethod(p.q.QueryRow(ctx,
		`SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE id = $1`, id))
}

func (p *Postgres) ListMFAMethods(ctx context.Context, userID uuid.UUID) ([]MFAMethod, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []MFAMethod
	for rows.Next() {
		m, err := scanMFAMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) UpdateMFAMethod(ctx context.Context, id uuid.UUID, updater func(MFAMethod) (MFAMethod, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		m, err := scanMFAMethod(px.q.QueryRow(ctx,
			`SELECT `+mfaMethodColumns+` FROM mfa_methods WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		m, err = updater(m)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE mfa_methods SET secret = $2, contact = $3, label = $4, active = $5, last_used_step = $6
			 WHERE id = $1`,
			id, m.Secret, m.Contact, m.Label, m.Active, m.LastUsedStep)
		return mapErr(err)
	})
}

func (p *Postgres) DeleteMFAMethod(ctx context.Context, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM mfa_methods WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteMFAMethodsByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := p.q.Exec(ctx, `DELETE FROM mfa_methods WHERE user_id = $1`, userID)
	return mapErr(err)
}

// MFA challenges

const mfaChallengeColumns = `id, user_id, method_id, code_hash, enrollment, created_at, expires_at, consumed_at`

func scanMFAChallenge(row pgx.Row) (MFAChallenge, error) {
	var c MFAChallenge
	err := row.Scan(&c.ID, &c.UserID, &c.MethodID, &c.CodeHash, &c.Enrollment, &c.CreatedAt, &c.ExpiresAt, &c.ConsumedAt)
	return c, mapErr(err)
}

func (p *Postgres) CreateMFAChallenge(ctx context.Context, c MFAChallenge) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO mfa_challenges (`+mfaChallengeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.UserID, c.MethodID, c.CodeHash, c.Enrollment, c.CreatedAt, c.ExpiresAt, c.ConsumedAt)
	return mapErr(err)
}

func (p *Postgres) GetMFAChallenge(ctx context.Context, id uuid.UUID) (MFAChallenge, error) {
	return scanMFAChallenge(p.q.QueryRow(ctx,
		`SELECT `+mfaChallengeColumns+` FROM mfa_challenges WHERE id = $1`, id))
}

func (p *Postgres) UpdateMFAChallenge(ctx context.Context, id uuid.UUID, updater func(MFAChallenge) (MFAChallenge, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		c, err := scanMFAChallenge(px.q.QueryRow(ctx,
			`SELECT `+mfaChallengeColumns+` FROM mfa_challenges WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		c, err = updater(c)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE mfa_challenges SET consumed_at = $2 WHERE id = $1`, id, c.ConsumedAt)
		return mapErr(err)
	})
}

func (p *Postgres) DeleteExpiredMFAChallenges(ctx context.Context, before time.Time) (int, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM mfa_challenges WHERE expires_at < $1`, before)
	return int(tag.RowsAffected()), mapErr(err)
}

// Trusted devices

const trustedDeviceColumns = `id, user_id, fingerprint, name, trusted_at, last_used_at, expires_at`

func scanTrustedDevice(row pgx.Row) (MFATrustedDevice, error) {
	var d MFATrustedDevice
	err := row.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.TrustedAt, &d.LastUsedAt, &d.ExpiresAt)
	return d, mapErr(err)
}

func (p *Postgres) CreateTrustedDevice(ctx context.Context, d MFATrustedDevice) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO mfa_trusted_devices (`+trustedDeviceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.UserID, d.Fingerprint, d.Name, d.TrustedAt, d.LastUsedAt, d.ExpiresAt)
	return mapErr(err)
}

func (p *Postgres) GetTrustedDeviceByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (MFATrustedDevice, error) {
	return scanTrustedDevice(p.q.QueryRow(ctx,
		`SELECT `+trustedDeviceColumns+` FROM mfa_trusted_devices
		 WHERE user_id = $1 AND fingerprint = $2`, userID, fingerprint))
}

func (p *Postgres) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]MFATrustedDevice, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+trustedDeviceColumns+` FROM mfa_trusted_devices WHERE user_id = $1 ORDER BY trusted_at`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []MFATrustedDevice
	for rows.Next() {
		d, err := scanTrustedDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) UpdateTrustedDevice(ctx context.Context, id uuid.UUID, updater func(MFATrustedDevice) (MFATrustedDevice, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		d, err := scanTrustedDevice(px.q.QueryRow(ctx,
			`SELECT `+trustedDeviceColumns+` FROM mfa_trusted_devices WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		d, err = updater(d)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE mfa_trusted_devices SET name = $2, trusted_at = $3, last_used_at = $4, expires_at = $5
			 WHERE id = $1`,
			id, d.Name, d.TrustedAt, d.LastUsedAt, d.ExpiresAt)
		return mapErr(err)
	})
}

func (p *Postgres) DeleteTrustedDevice(ctx context.Context, id uuid.UUID) error {
	tag, err := p.q.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteTrustedDevicesByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := p.q.Exec(ctx, `DELETE FROM mfa_trusted_devices WHERE user_id = $1`, userID)
	return mapErr(err)
}

// Backup codes

func (p *Postgres) ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []MFABackupCode) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		if _, err := px.q.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID); err != nil {
			return mapErr(err)
		}
		for _, c := range codes {
			_, err := px.q.Exec(ctx,
				`INSERT INTO mfa_backup_codes (user_id, code_index, code_hash, used_at)
				 VALUES ($1, $2, $3, $4)`,
				userID, c.Index, c.CodeHash, c.UsedAt)
			if err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func (p *Postgres) ListBackupCodes(ctx context.Context, userID uuid.UUID) ([]MFABackupCode, error) {
	rows, err := p.q.Query(ctx,
		`SELECT user_id, code_index, code_hash, used_at FROM mfa_backup_codes
		 WHERE user_id = $1 ORDER BY code_index`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []MFABackupCode
	for rows.Next() {
		var c MFABackupCode
		if err := rows.Scan(&c.UserID, &c.Index, &c.CodeHash, &c.UsedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err())
}

func (p *Postgres) UpdateBackupCode(ctx context.Context, userID uuid.UUID, index int, updater func(MFABackupCode) (MFABackupCode, error)) error {
	return p.WithTx(ctx, func(s Store) error {
		px := s.(*Postgres)
		var c MFABackupCode
		err := px.q.QueryRow(ctx,
			`SELECT user_id, code_index, code_hash, used_at FROM mfa_backup_codes
			 WHERE user_id = $1 AND code_index = $2 FOR UPDATE`, userID, index).
			Scan(&c.UserID, &c.Index, &c.CodeHash, &c.UsedAt)
		if err != nil {
			return mapErr(err)
		}
		c, err = updater(c)
		if err != nil {
			return err
		}
		_, err = px.q.Exec(ctx,
			`UPDATE mfa_backup_codes SET used_at = $3 WHERE user_id = $1 AND code_index = $2`,
			userID, index, c.UsedAt)
		return mapErr(err)
	})
}

func (p *Postgres) DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error {
	_, err := p.q.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID)
	return mapErr(err)
}
