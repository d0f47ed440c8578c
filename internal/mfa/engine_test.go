package mfa

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/notify"
	"github.com/aegisid/aegis/internal/ratelimit"
	"github.com/aegisid/aegis/internal/storage"
)

const (
	testRealm = "acme"
	testKey   = "6368616e676520746869732070617373776f726420746f206120736563726574"
)

type fixture struct {
	engine *Engine
	store  *storage.Memory
	clock  *core.ManualClock
	bus    *event.Bus
	email  *notify.CaptureSender
	sms    *notify.CaptureSender
	user   storage.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := core.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := event.NewBus(testRealm, 64, logger)
	t.Cleanup(bus.Close)

	cfg := config.MFAConfig{
		EncryptionKey:    testKey,
		ChallengeTTL:     5 * time.Minute,
		TrustedDeviceTTL: 30 * 24 * time.Hour,
	}
	email := &notify.CaptureSender{}
	sms := &notify.CaptureSender{}
	engine, err := NewEngine(testRealm, "Aegis", cfg, store, bus, clock, logger, email, sms, ratelimit.NewMemoryLimiter(clock))
	require.NoError(t, err)

	user := storage.User{
		ID:        core.NewID(),
		Realm:     testRealm,
		Email:     "alice@acme.test",
		Status:    storage.UserActive,
		CreatedAt: clock.Now(),
		UpdatedAt: clock.Now(),
	}
	require.NoError(t, store.CreateUser(context.Background(), user))

	return &fixture{engine: engine, store: store, clock: clock, bus: bus, email: email, sms: sms, user: user}
}

func dev() device.Info {
	return device.Info{IP: "203.0.113.9", UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0"}
}

func (f *fixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

func TestTotpEnrollmentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.OtpauthURL, "otpauth://totp/")
	// pquerna/otp leaves the label path unescaped.
	assert.Contains(t, enrollment.OtpauthURL, "alice@acme.test")

	// The stored secret is encrypted, never the base32 plaintext.
	method, err := f.store.GetMFAMethod(ctx, enrollment.MethodID)
	require.NoError(t, err)
	assert.False(t, method.Active)
	assert.NotContains(t, method.Secret, enrollment.Secret)

	require.Error(t, f.engine.VerifyTotpEnrollment(ctx, f.user.ID, enrollment.MethodID, "000000"))

	require.NoError(t, f.engine.VerifyTotpEnrollment(ctx, f.user.ID, enrollment.MethodID, f.totpCode(t, enrollment.Secret)))
	method, err = f.store.GetMFAMethod(ctx, enrollment.MethodID)
	require.NoError(t, err)
	assert.True(t, method.Active)

	active, err := f.engine.HasActiveMethod(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestVerifyTotpRejectsStepReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyTotpEnrollment(ctx, f.user.ID, enrollment.MethodID, f.totpCode(t, enrollment.Secret)))

	// Enrollment already consumed the current step.
	f.clock.Advance(30 * time.Second)
	code := f.totpCode(t, enrollment.Secret)
	require.NoError(t, f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, code, dev(), false))

	assert.ErrorIs(t, f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, code, dev(), false), ErrInvalidCode)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, f.totpCode(t, enrollment.Secret), dev(), false))
}

func TestVerifyTotpAcceptsAdjacentStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyTotpEnrollment(ctx, f.user.ID, enrollment.MethodID, f.totpCode(t, enrollment.Secret)))

	// A code from the next step validates one step early (clock drift).
	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now().Add(30*time.Second))
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, code, dev(), false))
}

func TestVerifyTotpRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyTotpEnrollment(ctx, f.user.ID, enrollment.MethodID, f.totpCode(t, enrollment.Secret)))

	for i := 0; i < 5; i++ {
		_ = f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, "000000", dev(), false)
	}

	err = f.engine.VerifyTotp(ctx, f.user.ID, enrollment.MethodID, "000000", dev(), false)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))
}

func TestEmailEnrollmentAndChallengeRedemption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	challengeID, err := f.engine.EnrollEmail(ctx, f.user.ID, "alice@acme.test")
	require.NoError(t, err)
	require.Len(t, f.email.Codes, 1)
	code := f.email.Codes[0]
	require.Len(t, code, 6)

	require.NoError(t, f.engine.VerifyChallenge(ctx, f.user.ID, challengeID, code, dev(), true))

	methods, err := f.engine.ListMethods(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.True(t, methods[0].Active)
	assert.Equal(t, storage.MFATypeEmail, methods[0].Type)

	trusted, err := f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.True(t, trusted)

	// A consumed challenge cannot be redeemed again.
	assert.ErrorIs(t, f.engine.VerifyChallenge(ctx, f.user.ID, challengeID, code, dev(), false), ErrInvalidCode)
}

func TestChallengeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	challengeID, err := f.engine.EnrollEmail(ctx, f.user.ID, "alice@acme.test")
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	assert.ErrorIs(t, f.engine.VerifyChallenge(ctx, f.user.ID, challengeID, f.email.Codes[0], dev(), false), ErrInvalidCode)
}

func TestChallengeForeignUserRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	challengeID, err := f.engine.EnrollEmail(ctx, f.user.ID, "alice@acme.test")
	require.NoError(t, err)

	assert.ErrorIs(t, f.engine.VerifyChallenge(ctx, core.NewID(), challengeID, f.email.Codes[0], dev(), false), ErrChallengeNotFound)
}

func TestChallengeSendCooldownAndBurst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	challengeID, err := f.engine.EnrollSms(ctx, f.user.ID, "+31612345678")
	require.NoError(t, err)
	require.NoError(t, f.engine.VerifyChallenge(ctx, f.user.ID, challengeID, f.sms.Codes[0], dev(), false))
	methods, err := f.engine.ListMethods(ctx, f.user.ID)
	require.NoError(t, err)
	methodID := methods[0].ID

	res := f.engine.ChallengeSms(ctx, f.user.ID, methodID)
	assert.Equal(t, ChallengeSent, res.Status)
	assert.NotZero(t, res.ChallengeID)

	// Immediate resend hits the per-method cooldown.
	res = f.engine.ChallengeSms(ctx, f.user.ID, methodID)
	assert.Equal(t, ChallengeCooldown, res.Status)
}

func TestChallengeRequiresActiveMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.EnrollEmail(ctx, f.user.ID, "alice@acme.test")
	require.NoError(t, err)
	methods, err := f.store.ListMFAMethods(ctx, f.user.ID)
	require.NoError(t, err)

	res := f.engine.ChallengeEmail(ctx, f.user.ID, methods[0].ID)
	assert.Equal(t, ChallengeFailed, res.Status)
}

func TestBackupCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	codes, err := f.engine.GenerateBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, codes, 10)
	for _, c := range codes {
		assert.Regexp(t, `^[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`, c)
	}

	require.NoError(t, f.engine.VerifyBackupCode(ctx, f.user.ID, codes[3]))
	assert.ErrorIs(t, f.engine.VerifyBackupCode(ctx, f.user.ID, codes[3]), ErrInvalidCode)
	require.NoError(t, f.engine.VerifyBackupCode(ctx, f.user.ID, codes[7]))

	remaining, err := f.engine.RemainingBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, remaining)

	// Regeneration invalidates everything outstanding.
	fresh, err := f.engine.GenerateBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.VerifyBackupCode(ctx, f.user.ID, codes[0]), ErrInvalidCode)
	require.NoError(t, f.engine.VerifyBackupCode(ctx, f.user.ID, fresh[0]))
}

func TestTrustedDeviceExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.TrustDevice(ctx, f.user.ID, dev().IP, dev().UserAgent, "work laptop", 7))

	trusted, err := f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.True(t, trusted)

	// Same browser, different patch version: same fingerprint.
	trusted, err = f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, "Mozilla/5.0 (Windows NT 10.0) Chrome/121.0.0.0")
	require.NoError(t, err)
	assert.True(t, trusted)

	f.clock.Advance(8 * 24 * time.Hour)
	trusted, err = f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestRevokeTrustedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.TrustDevice(ctx, f.user.ID, dev().IP, dev().UserAgent, "", 0))
	devices, err := f.engine.ListTrustedDevices(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Chrome on Windows", devices[0].Name)

	require.NoError(t, f.engine.RevokeTrustedDevice(ctx, f.user.ID, devices[0].ID))
	trusted, err := f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestRemoveAllTrustedDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.TrustDevice(ctx, f.user.ID, dev().IP, dev().UserAgent, "", 0))
	require.NoError(t, f.engine.TrustDevice(ctx, f.user.ID, "198.51.100.9", dev().UserAgent, "", 0))

	require.NoError(t, f.engine.RemoveAllTrustedDevices(ctx, f.user.ID))

	trusted, err := f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.False(t, trusted)
	devices, err := f.engine.ListTrustedDevices(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestAdminOperationsRequireRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	enrollment, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)

	plain := storage.User{ID: core.NewID(), Realm: testRealm, Roles: []string{"USER"}}
	admin := storage.User{ID: core.NewID(), Realm: testRealm, Roles: []string{"ADMIN"}}

	assert.ErrorIs(t, f.engine.ForceRemoveMethod(ctx, plain, f.user.ID, enrollment.MethodID), ErrInsufficientPermissions)
	_, err = f.engine.ListUserMethods(ctx, plain, f.user.ID)
	assert.ErrorIs(t, err, ErrInsufficientPermissions)
	assert.ErrorIs(t, f.engine.DisableMfaForUser(ctx, plain, f.user.ID), ErrInsufficientPermissions)

	methods, err := f.engine.ListUserMethods(ctx, admin, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, methods, 1)

	require.NoError(t, f.engine.ForceRemoveMethod(ctx, admin, f.user.ID, enrollment.MethodID))
	methods, err = f.engine.ListUserMethods(ctx, admin, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, methods)
}

func TestDisableMfaForUserWipesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := storage.User{ID: core.NewID(), Realm: testRealm, Roles: []string{"ADMIN"}}

	_, err := f.engine.EnrollTotp(ctx, f.user.ID, "phone")
	require.NoError(t, err)
	_, err = f.engine.GenerateBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.TrustDevice(ctx, f.user.ID, dev().IP, dev().UserAgent, "", 0))

	require.NoError(t, f.engine.DisableMfaForUser(ctx, admin, f.user.ID))

	methods, err := f.engine.ListMethods(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, methods)
	remaining, err := f.engine.RemainingBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	trusted, err := f.engine.IsDeviceTrusted(ctx, f.user.ID, dev().IP, dev().UserAgent)
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestCleanupExpiredChallenges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.EnrollEmail(ctx, f.user.ID, "alice@acme.test")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	n, err := f.engine.CleanupExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
