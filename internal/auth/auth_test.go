package auth

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/hook"
	"github.com/aegisid/aegis/internal/lockout"
	"github.com/aegisid/aegis/internal/mfa"
	"github.com/aegisid/aegis/internal/notify"
	"github.com/aegisid/aegis/internal/ratelimit"
	"github.com/aegisid/aegis/internal/session"
	"github.com/aegisid/aegis/internal/storage"
	"github.com/aegisid/aegis/internal/token"
)

const (
	testRealm    = "acme"
	testKey      = "6368616e676520746869732070617373776f726420746f206120736563726574"
	testPassword = "correct horse battery staple"
)

type fixture struct {
	svc    *Service
	store  *storage.Memory
	bus    *event.Bus
	hooks  *hook.Registry
	clock  *core.ManualClock
	email  *notify.CaptureSender
	tokens *token.Engine
	mfa    *mfa.Engine
	user   storage.User
}

func newFixture(t *testing.T, mutate func(*config.RealmConfig)) *fixture {
	t.Helper()
	cfg := config.DefaultRealmConfig()
	cfg.Secrets = []string{"test-signing-secret-which-is-long-enough"}
	cfg.Issuer = "https://id.acme.test"
	cfg.Audience = "acme-apps"
	cfg.AccountLockout = config.LockoutStrict()
	cfg.MFA.EncryptionKey = testKey
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	store := storage.NewMemory()
	bus := event.NewBus(testRealm, 256, logger)
	t.Cleanup(bus.Close)
	clock := core.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	hooks := hook.NewRegistry(cfg.HookFailureStrategy, logger)
	email := &notify.CaptureSender{}

	tokens, err := token.NewEngine(testRealm, cfg, store, bus, clock, logger)
	require.NoError(t, err)
	locks := lockout.NewEngine(testRealm, cfg.AccountLockout, store, bus, clock, logger)
	mfaEngine, err := mfa.NewEngine(testRealm, cfg.Issuer, cfg.MFA, store, bus, clock, logger,
		email, &notify.DevSMSSender{Logger: logger}, ratelimit.NewMemoryLimiter(clock))
	require.NoError(t, err)
	sessions := session.NewEngine(testRealm, cfg.Session, store, bus, clock, logger, nil)

	hasher := NewBcryptHasher(4)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)
	u := storage.User{
		ID:           core.NewID(),
		Realm:        testRealm,
		Email:        "alice@acme.test",
		PasswordHash: hash,
		Status:       storage.UserActive,
		Roles:        []string{"USER"},
		CreatedAt:    clock.Now(),
		UpdatedAt:    clock.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), u))

	svc := NewService(testRealm, cfg, Deps{
		Store:       store,
		Bus:         bus,
		Hooks:       hooks,
		Hasher:      hasher,
		Tokens:      tokens,
		Lockout:     locks,
		MFA:         mfaEngine,
		Sessions:    sessions,
		ResetSender: email,
		Clock:       clock,
		Logger:      logger,
	})
	return &fixture{
		svc: svc, store: store, bus: bus, hooks: hooks, clock: clock,
		email: email, tokens: tokens, mfa: mfaEngine, user: u,
	}
}

func dev() device.Info {
	return device.Info{
		IP:        "203.0.113.7",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/122.0.0.0 Safari/537.36",
	}
}

func (f *fixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.clock.Now(), totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enrollTotp brings the fixture user to an active TOTP method and moves the
// clock past the enrollment step so the next code is fresh.
func (f *fixture) enrollTotp(t *testing.T) *mfa.TotpEnrollment {
	t.Helper()
	ctx := context.Background()
	enr, err := f.mfa.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	require.NoError(t, f.mfa.VerifyTotpEnrollment(ctx, f.user.ID, enr.MethodID, f.totpCode(t, enr.Secret)))
	f.clock.Advance(31 * time.Second)
	return enr
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
	assert.False(t, res.MFARequired)
	assert.Equal(t, f.user.ID, res.User.ID)

	p := f.svc.VerifyAccess(ctx, res.Pair.AccessToken)
	require.NotNil(t, p)
	assert.Equal(t, f.user.ID, p.UserID)
	assert.True(t, p.HasRole("USER"))
}

func TestLoginFailuresIndistinguishable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, unknownErr := f.svc.Login(ctx, "nobody@acme.test", testPassword, dev())
	_, badPassErr := f.svc.Login(ctx, "alice@acme.test", "wrong", dev())

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, badPassErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), badPassErr.Error())
}

func TestLoginThrottledAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Login(ctx, "alice@acme.test", "wrong", dev())
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Throttling kicks in before the identifier is even resolved, so the
	// correct password makes no difference.
	_, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestLoginLockedAccountBeforePasswordCheck(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(ctx, "alice@acme.test", "wrong", dev())
	}

	// Past the attempt window the throttle clears, but the policy lock
	// (1h under the strict preset) is still in force.
	f.clock.Advance(16 * time.Minute)
	_, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())

	var locked *AccountLockedError
	require.ErrorAs(t, err, &locked)
	require.NotNil(t, locked.LockedUntil)
	assert.Equal(t, "too_many_failed_attempts", locked.Reason)
}

func TestLoginLockExpires(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(ctx, "alice@acme.test", "wrong", dev())
	}

	f.clock.Advance(61 * time.Minute)
	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
}

func TestLoginSuccessClearsFailedAttempts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = f.svc.Login(ctx, "alice@acme.test", "wrong", dev())
	}
	_, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)

	n, err := f.store.CountFailedAttemptsByIdentifier(ctx, testRealm, "alice@acme.test", f.clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateUser(ctx, f.user.ID, func(u storage.User) (storage.User, error) {
		u.Status = storage.UserDisabled
		return u, nil
	}))

	_, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.ErrorIs(t, err, ErrAccountDisabled)
}

func TestLoginPreAuthHookVeto(t *testing.T) {
	f := newFixture(t, nil)
	veto := assert.AnError
	f.hooks.Register(hook.LoginPreAuth, hook.Func{
		HookName: "geo-fence", HookPriority: 10,
		RunFunc: func(ctx context.Context, hc *hook.Context) error { return veto },
	})

	_, err := f.svc.Login(context.Background(), "alice@acme.test", testPassword, dev())
	require.ErrorIs(t, err, veto)
}

func TestLoginMFAGate(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })
	ctx := context.Background()
	enr := f.enrollTotp(t)

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	assert.True(t, res.MFARequired)
	assert.Nil(t, res.Pair)
	require.NotEmpty(t, res.PreAuthToken)

	done, err := f.svc.CompleteMFALogin(ctx, MFALoginInput{
		PreAuthToken: res.PreAuthToken,
		MethodID:     enr.MethodID,
		Code:         f.totpCode(t, enr.Secret),
	}, dev())
	require.NoError(t, err)
	require.NotNil(t, done.Pair)
	assert.NotNil(t, f.svc.VerifyAccess(ctx, done.Pair.AccessToken))
}

func TestLoginMFANotRequiredWithoutActiveMethod(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })

	res, err := f.svc.Login(context.Background(), "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	assert.False(t, res.MFARequired, "nothing to challenge an unenrolled user with")
	require.NotNil(t, res.Pair)
}

func TestLoginMFATrustedDeviceBypass(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })
	ctx := context.Background()
	enr := f.enrollTotp(t)

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	_, err = f.svc.CompleteMFALogin(ctx, MFALoginInput{
		PreAuthToken:   res.PreAuthToken,
		MethodID:       enr.MethodID,
		Code:           f.totpCode(t, enr.Secret),
		RememberDevice: true,
	}, dev())
	require.NoError(t, err)

	again, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	assert.False(t, again.MFARequired, "remembered device skips the gate")
	require.NotNil(t, again.Pair)
}

func TestCompleteMFALoginWithBackupCode(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })
	ctx := context.Background()
	f.enrollTotp(t)
	codes, err := f.mfa.GenerateBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	done, err := f.svc.CompleteMFALogin(ctx, MFALoginInput{
		PreAuthToken: res.PreAuthToken,
		BackupCode:   codes[0],
	}, dev())
	require.NoError(t, err)
	require.NotNil(t, done.Pair)
}

func TestCompleteMFALoginRejectsBadPreAuth(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })

	_, err := f.svc.CompleteMFALogin(context.Background(), MFALoginInput{
		PreAuthToken: "not-a-token",
		Code:         "000000",
	}, dev())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestCompleteMFALoginRejectsExpiredPreAuth(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) { c.MFA.RequireMFA = true })
	ctx := context.Background()
	enr := f.enrollTotp(t)

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)
	require.True(t, res.MFARequired)

	f.clock.Advance(3 * time.Minute)
	_, err = f.svc.CompleteMFALogin(ctx, MFALoginInput{
		PreAuthToken: res.PreAuthToken,
		MethodID:     enr.MethodID,
		Code:         f.totpCode(t, enr.Secret),
	}, dev())
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)

	pair, err := f.svc.Refresh(ctx, f.user.ID, res.Pair.RefreshToken, dev())
	require.NoError(t, err)
	assert.NotEqual(t, res.Pair.RefreshToken, pair.RefreshToken)
	assert.NotNil(t, f.svc.VerifyAccess(ctx, pair.AccessToken))
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)

	// Session creation rides the TokenIssued event on the dispatcher
	// goroutine; wait for it before logging out.
	require.Eventually(t, func() bool {
		sessions, err := f.store.ListActiveSessionsByUser(ctx, f.user.ID)
		return err == nil && len(sessions) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.Logout(ctx, res.Pair.RefreshToken))

	assert.Nil(t, f.tokens.Verify(ctx, res.Pair.RefreshToken, storage.TokenRefresh))
	sessions, err := f.store.ListActiveSessionsByUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLogoutUnknownTokenIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.svc.Logout(context.Background(), "garbage"))
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.NoError(t, err)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@acme.test"))
	require.Len(t, f.email.Codes, 1)
	raw := f.email.Codes[0]

	const newPassword = "a different passphrase"
	require.NoError(t, f.svc.ResetPassword(ctx, raw, newPassword))

	// Every pre-reset credential is dead.
	assert.Nil(t, f.tokens.Verify(ctx, res.Pair.RefreshToken, storage.TokenRefresh))
	_, err = f.svc.Login(ctx, "alice@acme.test", testPassword, dev())
	require.ErrorIs(t, err, ErrInvalidCredentials)

	got, err := f.svc.Login(ctx, "alice@acme.test", newPassword, dev())
	require.NoError(t, err)
	require.NotNil(t, got.Pair)
}

func TestPasswordResetUnknownEmailSilent(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.svc.RequestPasswordReset(context.Background(), "nobody@acme.test"))
	assert.Empty(t, f.email.Codes, "no token is minted or sent for unknown addresses")
}

func TestPasswordResetTokenSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@acme.test"))
	raw := f.email.Codes[0]

	require.NoError(t, f.svc.ResetPassword(ctx, raw, "first new password"))
	err := f.svc.ResetPassword(ctx, raw, "second new password")
	require.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestPasswordResetTokenExpires(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@acme.test"))
	raw := f.email.Codes[0]

	f.clock.Advance(16 * time.Minute)
	err := f.svc.ResetPassword(ctx, raw, "too late")
	require.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestPasswordResetClearsLock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(ctx, "alice@acme.test", "wrong", dev())
	}
	locked, err := f.store.GetAccountLock(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, locked.LockedUntil)

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "alice@acme.test"))
	require.NoError(t, f.svc.ResetPassword(ctx, f.email.Codes[len(f.email.Codes)-1], "fresh start"))

	_, err = f.store.GetAccountLock(ctx, f.user.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	res, err := f.svc.Login(ctx, "alice@acme.test", "fresh start", dev())
	require.NoError(t, err)
	require.NotNil(t, res.Pair)
}
