// Package auth is the credential authentication front of a realm: login with
// throttle and lock pre-checks, the MFA gate with pre-auth tokens, refresh,
// logout, and self-service password reset.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/hook"
	"github.com/aegisid/aegis/internal/lockout"
	"github.com/aegisid/aegis/internal/mfa"
	"github.com/aegisid/aegis/internal/notify"
	"github.com/aegisid/aegis/internal/session"
	"github.com/aegisid/aegis/internal/storage"
	"github.com/aegisid/aegis/internal/token"
)

var (
	// ErrInvalidCredentials covers both "unknown user" and "bad password";
	// the two are indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTooManyAttempts is the throttle pre-check failure, raised before the
	// identifier is even resolved to a user.
	ErrTooManyAttempts = errors.New("too many failed attempts")

	// ErrAccountDisabled is returned for an identified but disabled user.
	ErrAccountDisabled = errors.New("account disabled")
)

// AccountLockedError is returned once a user is identified but before the
// password is checked, so a locked account never leaks credential validity.
type AccountLockedError struct {
	LockedUntil *time.Time // nil means indefinite
	Reason      string
}

func (e *AccountLockedError) Error() string {
	if e.LockedUntil == nil {
		return "account locked"
	}
	return fmt.Sprintf("account locked until %s", e.LockedUntil.Format(time.RFC3339))
}

// LoginResult is the outcome of a successful first authentication step. When
// the realm requires a second factor, Pair is nil and PreAuthToken carries
// the short-lived token CompleteMFALogin exchanges for the real pair.
type LoginResult struct {
	User         storage.User
	Pair         *token.Pair
	MFARequired  bool
	PreAuthToken string
}

// Deps bundles the collaborators the auth service is wired with.
type Deps struct {
	Store       storage.Store
	Bus         *event.Bus
	Hooks       *hook.Registry
	Hasher      PasswordHasher
	Tokens      *token.Engine
	Lockout     *lockout.Engine
	MFA         *mfa.Engine
	Sessions    *session.Engine
	ResetSender notify.EmailSender
	Clock       core.Clock
	Logger      *slog.Logger
}

// Service authenticates credentials for one realm.
type Service struct {
	realm string
	cfg   config.RealmConfig
	d     Deps
}

// NewService wires an auth service for the realm.
func NewService(realm string, cfg config.RealmConfig, d Deps) *Service {
	return &Service{realm: realm, cfg: cfg, d: d}
}

// Login authenticates an identifier/password pair.
//
// Order matters: throttle checks run before the identifier is resolved, the
// lock check runs after identification but before the password is verified,
// and the MFA gate runs only for fully verified credentials. Failures for an
// unknown identifier and for a wrong password are indistinguishable.
func (s *Service) Login(ctx context.Context, identifier, password string, dev device.Info) (*LoginResult, error) {
	if err := s.throttleChecks(ctx, identifier, dev); err != nil {
		return nil, err
	}

	u, found, err := s.identify(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !found {
		s.recordFailure(ctx, identifier, uuid.Nil, dev, "unknown_identifier")
		return nil, ErrInvalidCredentials
	}

	hc := &hook.Context{Realm: s.realm, User: &u, Data: map[string]any{"identifier": identifier}}
	if err := s.d.Hooks.Dispatch(ctx, hook.LoginPreAuth, hc); err != nil {
		if s.d.Hooks.Strategy() == config.FailFast {
			return nil, fmt.Errorf("pre-auth hook: %w", err)
		}
	}

	if u.Status != storage.UserActive {
		s.recordFailure(ctx, identifier, u.ID, dev, "account_disabled")
		return nil, ErrAccountDisabled
	}

	if lockErr := s.lockCheck(ctx, u.ID); lockErr != nil {
		s.publishLoginFailed(u.ID, identifier, dev, "account_locked")
		return nil, lockErr
	}

	if err := s.d.Hasher.Compare(u.PasswordHash, password); err != nil {
		s.recordFailure(ctx, identifier, u.ID, dev, "bad_password")
		if err := s.maybeLock(ctx, u.ID); err != nil {
			s.d.Logger.Warn("policy_lock_failed", "user_id", u.ID, "error", err)
		}
		return nil, ErrInvalidCredentials
	}

	if err := s.d.Lockout.OnSuccessfulAuth(ctx, u.ID, identifier); err != nil {
		s.d.Logger.Warn("auth_cleanup_failed", "user_id", u.ID, "error", err)
	}

	gated, err := s.mfaGate(ctx, u, dev)
	if err != nil {
		return nil, err
	}
	if gated != nil {
		return gated, nil
	}

	return s.finishLogin(ctx, u, identifier, dev, hc)
}

// MFALoginInput selects the second-factor proof for CompleteMFALogin.
// Exactly one of BackupCode, ChallengeID, or MethodID picks the path.
type MFALoginInput struct {
	PreAuthToken   string
	MethodID       uuid.UUID
	ChallengeID    uuid.UUID
	Code           string
	BackupCode     string
	RememberDevice bool
}

// CompleteMFALogin exchanges a pre-auth token plus a second-factor proof for
// a token pair.
func (s *Service) CompleteMFALogin(ctx context.Context, in MFALoginInput, dev device.Info) (*LoginResult, error) {
	userID := s.d.Tokens.VerifyPreAuth(in.PreAuthToken)
	if userID == uuid.Nil {
		return nil, ErrInvalidCredentials
	}
	u, err := s.d.Store.GetUser(ctx, userID)
	if err != nil || u.Realm != s.realm {
		return nil, ErrInvalidCredentials
	}

	switch {
	case in.BackupCode != "":
		err = s.d.MFA.VerifyBackupCode(ctx, userID, in.BackupCode)
	case in.ChallengeID != uuid.Nil:
		err = s.d.MFA.VerifyChallenge(ctx, userID, in.ChallengeID, in.Code, dev, in.RememberDevice)
	default:
		err = s.d.MFA.VerifyTotp(ctx, userID, in.MethodID, in.Code, dev, in.RememberDevice)
	}
	if err != nil {
		s.publishLoginFailed(userID, u.Email, dev, "mfa_failed")
		return nil, err
	}

	hc := &hook.Context{Realm: s.realm, User: &u, Data: map[string]any{}}
	return s.finishLogin(ctx, u, u.Email, dev, hc)
}

// Refresh rotates a refresh token into a new pair.
func (s *Service) Refresh(ctx context.Context, userID uuid.UUID, refreshString string, dev device.Info) (*token.Pair, error) {
	return s.d.Tokens.Refresh(ctx, userID, refreshString, dev)
}

// IssueTokens mints a pair directly, bypassing credential checks. For
// trusted flows (post-registration, admin impersonation audit trails).
func (s *Service) IssueTokens(ctx context.Context, userID uuid.UUID, dev device.Info) (*token.Pair, error) {
	return s.d.Tokens.Issue(ctx, userID, dev)
}

// VerifyAccess validates an access token and returns its principal, or nil.
func (s *Service) VerifyAccess(ctx context.Context, tokenString string) *token.Principal {
	return s.d.Tokens.Verify(ctx, tokenString, storage.TokenAccess)
}

// Logout revokes the presented refresh token and the session tied to its
// family. An unrecognized token is a no-op: logout never fails the client.
func (s *Service) Logout(ctx context.Context, refreshString string) error {
	p := s.d.Tokens.Verify(ctx, refreshString, storage.TokenRefresh)
	if p == nil {
		return nil
	}
	if err := s.d.Tokens.RevokeToken(ctx, refreshString, false); err != nil {
		return err
	}
	return s.d.Sessions.RevokeByFamily(ctx, p.TokenFamily, "logout")
}

func (s *Service) throttleChecks(ctx context.Context, identifier string, dev device.Info) error {
	d, err := s.d.Lockout.ShouldThrottleIdentifier(ctx, identifier)
	if err != nil {
		return err
	}
	if d.Throttled {
		s.publishLoginFailed(uuid.Nil, identifier, dev, "throttled")
		return ErrTooManyAttempts
	}
	d, err = s.d.Lockout.ShouldThrottleIP(ctx, dev.IP)
	if err != nil {
		return err
	}
	if d.Throttled {
		s.publishLoginFailed(uuid.Nil, identifier, dev, "ip_throttled")
		return ErrTooManyAttempts
	}
	return nil
}

// identify resolves an identifier to a user, trying email first, then phone.
func (s *Service) identify(ctx context.Context, identifier string) (storage.User, bool, error) {
	u, err := s.d.Store.GetUserByEmail(ctx, s.realm, identifier)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, false, err
	}
	u, err = s.d.Store.GetUserByPhone(ctx, s.realm, identifier)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, false, err
	}
	return storage.User{}, false, nil
}

func (s *Service) lockCheck(ctx context.Context, userID uuid.UUID) error {
	locked, err := s.d.Lockout.IsAccountLocked(ctx, userID, s.d.Clock.Now())
	if err != nil {
		return err
	}
	if !locked {
		return nil
	}
	lock, err := s.d.Store.GetAccountLock(ctx, userID)
	if err != nil {
		return &AccountLockedError{}
	}
	return &AccountLockedError{LockedUntil: lock.LockedUntil, Reason: lock.Reason}
}

func (s *Service) maybeLock(ctx context.Context, userID uuid.UUID) error {
	d, err := s.d.Lockout.ShouldLockAccount(ctx, userID)
	if err != nil {
		return err
	}
	if !d.ShouldLock {
		return nil
	}
	return s.d.Lockout.LockForPolicy(ctx, userID, "too_many_failed_attempts")
}

// mfaGate returns a pre-auth result when the realm requires a second factor
// and the device is not trusted. Users without any active method pass
// through; there is nothing to challenge them with.
func (s *Service) mfaGate(ctx context.Context, u storage.User, dev device.Info) (*LoginResult, error) {
	if !s.cfg.MFA.RequireMFA {
		return nil, nil
	}
	active, err := s.d.MFA.HasActiveMethod(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}
	if dev.Known() {
		trusted, err := s.d.MFA.IsDeviceTrusted(ctx, u.ID, dev.IP, dev.UserAgent)
		if err != nil {
			return nil, err
		}
		if trusted {
			return nil, nil
		}
	}
	pre, err := s.d.Tokens.IssuePreAuth(u.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, MFARequired: true, PreAuthToken: pre}, nil
}

func (s *Service) finishLogin(ctx context.Context, u storage.User, identifier string, dev device.Info, hc *hook.Context) (*LoginResult, error) {
	pair, err := s.d.Tokens.Issue(ctx, u.ID, dev)
	if err != nil {
		return nil, err
	}

	s.d.Bus.Publish(event.Event{
		Type:   event.LoginSucceeded,
		UserID: u.ID,
		Data:   event.LoginData{UserID: u.ID, Identifier: identifier, Device: dev},
	})

	if err := s.d.Hooks.Dispatch(ctx, hook.LoginPostAuth, hc); err != nil {
		if s.d.Hooks.Strategy() == config.FailFast {
			return nil, fmt.Errorf("post-auth hook: %w", err)
		}
	}
	return &LoginResult{User: u, Pair: pair}, nil
}

func (s *Service) recordFailure(ctx context.Context, identifier string, userID uuid.UUID, dev device.Info, reason string) {
	if err := s.d.Lockout.RecordFailedAttempt(ctx, identifier, userID, dev.IP, reason); err != nil {
		s.d.Logger.Warn("failed_attempt_record_failed", "identifier", identifier, "error", err)
	}
	s.publishLoginFailed(userID, identifier, dev, reason)
}

func (s *Service) publishLoginFailed(userID uuid.UUID, identifier string, dev device.Info, reason string) {
	s.d.Bus.Publish(event.Event{
		Type:   event.LoginFailed,
		UserID: userID,
		Data:   event.LoginData{UserID: userID, Identifier: identifier, Device: dev, Reason: reason},
	})
}
