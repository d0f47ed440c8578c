package token

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

const testRealm = "acme"

type fixture struct {
	engine *Engine
	store  *storage.Memory
	clock  *core.ManualClock
	bus    *event.Bus
	user   storage.User
	cfg    config.RealmConfig
}

func newFixture(t *testing.T, mutate func(*config.RealmConfig)) *fixture {
	t.Helper()

	cfg := config.DefaultRealmConfig()
	cfg.Secrets = []string{"test-signing-secret-which-is-long-enough"}
	cfg.Issuer = "https://id.acme.test"
	cfg.Audience = "acme-apps"
	if mutate != nil {
		mutate(&cfg)
	}

	clock := core.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := event.NewBus(testRealm, 64, logger)
	t.Cleanup(bus.Close)

	engine, err := NewEngine(testRealm, cfg, store, bus, clock, logger)
	require.NoError(t, err)

	user := storage.User{
		ID:           core.NewID(),
		Realm:        testRealm,
		Email:        "alice@acme.test",
		PasswordHash: "x",
		Status:       storage.UserActive,
		Roles:        []string{"USER", "BILLING"},
		CreatedAt:    clock.Now(),
		UpdatedAt:    clock.Now(),
	}
	require.NoError(t, store.CreateRealm(context.Background(), storage.Realm{Name: testRealm, CreatedAt: clock.Now()}))
	require.NoError(t, store.CreateUser(context.Background(), user))

	return &fixture{engine: engine, store: store, clock: clock, bus: bus, user: user, cfg: cfg}
}

func (f *fixture) collect(t *testing.T, types ...event.Type) *[]event.Event {
	t.Helper()
	var got []event.Event
	for _, typ := range types {
		f.bus.Subscribe(typ, func(e event.Event) { got = append(got, e) })
	}
	return &got
}

func dev() device.Info {
	return device.Info{IP: "203.0.113.9", UserAgent: "Mozilla/5.0 (Windows NT 10.0) Chrome/120.0.0.0"}
}

func TestIssueThenVerify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	p := f.engine.Verify(ctx, pair.AccessToken, storage.TokenAccess)
	require.NotNil(t, p)
	assert.Equal(t, f.user.ID, p.UserID)
	assert.Equal(t, testRealm, p.Realm)
	assert.Equal(t, []string{"USER", "BILLING"}, p.Roles)
	assert.True(t, p.HasRole("BILLING"))

	rp := f.engine.Verify(ctx, pair.RefreshToken, storage.TokenRefresh)
	require.NotNil(t, rp)
	assert.NotEqual(t, uuid.Nil, rp.TokenFamily)
}

func TestVerifyRejectsWrongType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	assert.Nil(t, f.engine.Verify(ctx, pair.AccessToken, storage.TokenRefresh))
	assert.Nil(t, f.engine.Verify(ctx, pair.RefreshToken, storage.TokenAccess))
}

func TestVerifyRejectsForeignRealmKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	other := newFixture(t, func(c *config.RealmConfig) {
		c.Secrets = []string{"a-completely-different-signing-secret"}
	})
	pair, err := other.engine.Issue(ctx, other.user.ID, dev())
	require.NoError(t, err)

	assert.Nil(t, f.engine.Verify(ctx, pair.AccessToken, storage.TokenAccess))
}

func TestVerifyRejectsExpired(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	f.clock.Advance(f.cfg.TokenValidity[config.TokenAccess] + time.Minute)
	assert.Nil(t, f.engine.Verify(ctx, pair.AccessToken, storage.TokenAccess))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	f := newFixture(t, nil)
	assert.Nil(t, f.engine.Verify(context.Background(), "not-a-token", storage.TokenAccess))
	assert.Nil(t, f.engine.Verify(context.Background(), "", storage.TokenAccess))
}

func TestRefreshRotatesFamily(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)
	family := f.engine.Verify(ctx, pair.RefreshToken, storage.TokenRefresh).TokenFamily

	f.clock.Advance(time.Hour)
	next, err := f.engine.Refresh(ctx, f.user.ID, pair.RefreshToken, dev())
	require.NoError(t, err)

	// Past the grace period the consumed token no longer verifies; the
	// child stays in the same family.
	f.clock.Advance(f.cfg.TokenRotation.GracePeriod + time.Second)
	assert.Nil(t, f.engine.Verify(ctx, pair.RefreshToken, storage.TokenRefresh))
	child := f.engine.Verify(ctx, next.RefreshToken, storage.TokenRefresh)
	require.NotNil(t, child)
	assert.Equal(t, family, child.TokenFamily)

	toks, err := f.store.ListTokensByFamily(ctx, family)
	require.NoError(t, err)
	assert.Len(t, toks, 2)
}

func TestRefreshWithinGraceIsIdempotent(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) {
		c.TokenRotation.GracePeriod = 10 * time.Second
	})
	ctx := context.Background()
	replays := f.collect(t, event.TokenReplayDetected)

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	first, err := f.engine.Refresh(ctx, f.user.ID, pair.RefreshToken, dev())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Second)
	second, err := f.engine.Refresh(ctx, f.user.ID, pair.RefreshToken, dev())
	require.NoError(t, err)

	assert.NotNil(t, f.engine.Verify(ctx, first.RefreshToken, storage.TokenRefresh))
	assert.NotNil(t, f.engine.Verify(ctx, second.RefreshToken, storage.TokenRefresh))

	f.bus.Close()
	assert.Empty(t, *replays, "grace retries must not raise replay")
}

func TestRefreshReplayAfterGraceRevokesFamily(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) {
		c.TokenRotation = config.RotationPolicy{Enabled: true, GracePeriod: 0, RevokeFamilyOnReplay: true}
	})
	ctx := context.Background()
	replays := f.collect(t, event.TokenReplayDetected)

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)
	r0 := pair.RefreshToken

	f.clock.Advance(time.Minute)
	p1, err := f.engine.Refresh(ctx, f.user.ID, r0, dev())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	p2, err := f.engine.Refresh(ctx, f.user.ID, p1.RefreshToken, dev())
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.engine.Refresh(ctx, f.user.ID, r0, dev())
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)

	// The entire family is dead, including the newest leaf, and the
	// revocation is committed despite the refresh itself failing.
	assert.Nil(t, f.engine.Verify(ctx, p2.RefreshToken, storage.TokenRefresh))
	toks, err := f.store.ListTokensByFamily(ctx, replay.TokenFamily)
	require.NoError(t, err)
	require.NotEmpty(t, toks)
	for _, tok := range toks {
		assert.True(t, tok.Revoked)
	}

	f.bus.Close()
	require.Len(t, *replays, 1)
	data := (*replays)[0].Data.(event.TokenReplayData)
	assert.Equal(t, replay.TokenFamily, data.TokenFamily)
}

func TestRefreshWithRotationDisabledKeepsOldToken(t *testing.T) {
	f := newFixture(t, func(c *config.RealmConfig) {
		c.TokenRotation.Enabled = false
	})
	ctx := context.Background()
	replays := f.collect(t, event.TokenReplayDetected)

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		next, err := f.engine.Refresh(ctx, f.user.ID, pair.RefreshToken, dev())
		require.NoError(t, err)
		assert.NotNil(t, f.engine.Verify(ctx, next.RefreshToken, storage.TokenRefresh))
	}
	assert.NotNil(t, f.engine.Verify(ctx, pair.RefreshToken, storage.TokenRefresh))

	f.bus.Close()
	assert.Empty(t, *replays)
}

func TestRefreshRejectsForeignUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	_, err = f.engine.Refresh(ctx, core.NewID(), pair.RefreshToken, dev())
	assert.ErrorIs(t, err, ErrSuspiciousToken)
}

func TestRefreshRejectsRevokedToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)
	require.NoError(t, f.engine.RevokeToken(ctx, pair.RefreshToken, false))

	_, err = f.engine.Refresh(ctx, f.user.ID, pair.RefreshToken, dev())
	assert.ErrorIs(t, err, ErrSuspiciousToken)
}

func TestRevokeAllForUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)
	b, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	require.NoError(t, f.engine.RevokeAllForUser(ctx, f.user.ID, "password_reset"))
	assert.Nil(t, f.engine.Verify(ctx, a.RefreshToken, storage.TokenRefresh))
	assert.Nil(t, f.engine.Verify(ctx, b.RefreshToken, storage.TokenRefresh))
}

func TestRevokeTokenDelete(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pair, err := f.engine.Issue(ctx, f.user.ID, dev())
	require.NoError(t, err)

	require.NoError(t, f.engine.RevokeToken(ctx, pair.RefreshToken, true))
	assert.Nil(t, f.engine.Verify(ctx, pair.RefreshToken, storage.TokenRefresh))

	// Unknown strings are a no-op either way.
	require.NoError(t, f.engine.RevokeToken(ctx, "unknown", true))
}

func TestPreAuthTokens(t *testing.T) {
	f := newFixture(t, nil)

	preAuth, err := f.engine.IssuePreAuth(f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, f.engine.VerifyPreAuth(preAuth))

	// Pre-auth tokens grant no access and refresh nothing.
	assert.Nil(t, f.engine.Verify(context.Background(), preAuth, storage.TokenAccess))
	assert.Nil(t, f.engine.Verify(context.Background(), preAuth, storage.TokenRefresh))

	f.clock.Advance(3 * time.Minute)
	assert.Equal(t, uuid.Nil, f.engine.VerifyPreAuth(preAuth))
}

func TestSecretRotationOldTokensStillVerify(t *testing.T) {
	old := newFixture(t, nil)
	ctx := context.Background()

	pair, err := old.engine.Issue(ctx, old.user.ID, dev())
	require.NoError(t, err)

	// New secret prepended; the retired one still verifies by kid.
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := old.cfg
	cfg.Secrets = []string{"the-brand-new-signing-secret-after-rotation", "test-signing-secret-which-is-long-enough"}
	rotated, err := NewEngine(testRealm, cfg, old.store, old.bus, old.clock, logger)
	require.NoError(t, err)

	assert.NotNil(t, rotated.Verify(ctx, pair.AccessToken, storage.TokenAccess))
}
