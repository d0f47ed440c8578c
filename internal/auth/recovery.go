package auth

import (
	"context"
	"errors"
	"time"

	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/crypto"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

// ErrInvalidResetToken covers unknown, expired, and already-consumed reset
// tokens alike.
var ErrInvalidResetToken = errors.New("invalid or expired reset token")

const (
	resetTokenValidity = 15 * time.Minute
	resetTokenBytes    = 32
)

// RequestPasswordReset starts the self-service reset flow. An unknown email
// reports success so the endpoint cannot be used to probe which addresses
// exist; only the token's digest is stored.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := s.d.Store.GetUserByEmail(ctx, s.realm, email)
	if err != nil {
		s.d.Logger.Debug("password_reset_unknown_email", "realm", s.realm)
		return nil
	}

	raw, err := crypto.RandomToken(resetTokenBytes)
	if err != nil {
		return err
	}

	now := s.d.Clock.Now()
	err = s.d.Store.CreateToken(ctx, storage.StoredToken{
		ID:          core.NewID(),
		UserID:      u.ID,
		Realm:       s.realm,
		TokenHash:   crypto.HashOneWay(raw),
		Type:        storage.TokenReset,
		TokenFamily: core.NewID(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(resetTokenValidity),
	})
	if err != nil {
		return err
	}

	return s.d.ResetSender.SendCode(ctx, email, raw)
}

// ResetPassword completes the flow: the raw token is consumed, the password
// replaced, locks cleared, and every existing token and session of the user
// revoked.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	t, err := s.d.Store.GetTokenByHash(ctx, crypto.HashOneWay(rawToken))
	if err != nil || t.Type != storage.TokenReset || t.Revoked {
		return ErrInvalidResetToken
	}
	now := s.d.Clock.Now()
	if now.After(t.ExpiresAt) {
		_ = s.d.Store.DeleteToken(ctx, t.ID)
		return ErrInvalidResetToken
	}

	newHash, err := s.d.Hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	err = s.d.Store.UpdateUser(ctx, t.UserID, func(u storage.User) (storage.User, error) {
		u.PasswordHash = newHash
		u.UpdatedAt = now
		return u, nil
	})
	if err != nil {
		return err
	}

	// One-time use: the row goes away before anything else can fail.
	if err := s.d.Store.DeleteToken(ctx, t.ID); err != nil {
		return err
	}

	if err := s.d.Lockout.UnlockAccount(ctx, t.UserID); err != nil {
		s.d.Logger.Warn("reset_unlock_failed", "user_id", t.UserID, "error", err)
	}
	if err := s.d.Lockout.ClearFailedAttemptsForUser(ctx, t.UserID); err != nil {
		s.d.Logger.Warn("reset_clear_attempts_failed", "user_id", t.UserID, "error", err)
	}
	if err := s.d.Tokens.RevokeAllForUser(ctx, t.UserID, "password_reset"); err != nil {
		return err
	}
	if err := s.d.Sessions.RevokeAll(ctx, t.UserID, "password_reset"); err != nil {
		return err
	}

	s.d.Bus.Publish(event.Event{
		Type:   event.UserUpdated,
		UserID: t.UserID,
		Data:   event.UserData{UserID: t.UserID},
	})
	return nil
}
