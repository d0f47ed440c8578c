package mfa

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/crypto"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

// backupCodeChars excludes I, O, 0 and 1 for visual clarity.
const backupCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateBackupCodes replaces the user's recovery codes and returns the
// plaintext list once. Only digests are stored.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID uuid.UUID) ([]string, error) {
	codes := make([]string, backupCodeCount)
	stored := make([]storage.MFABackupCode, backupCodeCount)
	for i := range codes {
		code, err := newBackupCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
		stored[i] = storage.MFABackupCode{
			UserID:   userID,
			Index:    i,
			CodeHash: crypto.HashOneWay(code),
		}
	}

	if err := e.store.ReplaceBackupCodes(ctx, userID, stored); err != nil {
		return nil, fmt.Errorf("storing backup codes: %w", err)
	}
	return codes, nil
}

// VerifyBackupCode consumes exactly one matching unused code. The lookup and
// the consumption run in one transaction so a code cannot be redeemed twice.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	hash := crypto.HashOneWay(code)
	now := e.clock.Now()

	err := e.store.WithTx(ctx, func(st storage.Store) error {
		stored, err := st.ListBackupCodes(ctx, userID)
		if err != nil {
			return fmt.Errorf("loading backup codes: %w", err)
		}
		for _, c := range stored {
			if c.UsedAt == nil && crypto.ConstantTimeEquals(c.CodeHash, hash) {
				return st.UpdateBackupCode(ctx, userID, c.Index, func(bc storage.MFABackupCode) (storage.MFABackupCode, error) {
					if bc.UsedAt != nil {
						return bc, ErrInvalidCode
					}
					bc.UsedAt = &now
					return bc, nil
				})
			}
		}
		return ErrInvalidCode
	})
	if err != nil {
		e.publishVerify(userID, uuid.Nil, "", false)
		return err
	}

	e.bus.Publish(event.Event{
		Type:   event.MFAVerified,
		UserID: userID,
		Data:   event.MFAData{UserID: userID, Reason: "backup_code"},
	})
	return nil
}

// RemainingBackupCodes counts codes not yet redeemed.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID uuid.UUID) (int, error) {
	stored, err := e.store.ListBackupCodes(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range stored {
		if c.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

func newBackupCode() (string, error) {
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeChars))))
		if err != nil {
			return "", fmt.Errorf("generating backup code: %w", err)
		}
		buf[i] = backupCodeChars[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}
