// Package realm wires one tenant's engines together: store, event bus, hook
// registry, token/lockout/MFA/session engines, the audit pipeline with its
// event mirror, and the user and auth services on top.
package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aegisid/aegis/internal/audit"
	"github.com/aegisid/aegis/internal/auth"
	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/geo"
	"github.com/aegisid/aegis/internal/hook"
	"github.com/aegisid/aegis/internal/lockout"
	"github.com/aegisid/aegis/internal/mfa"
	"github.com/aegisid/aegis/internal/notify"
	"github.com/aegisid/aegis/internal/ratelimit"
	"github.com/aegisid/aegis/internal/session"
	"github.com/aegisid/aegis/internal/storage"
	"github.com/aegisid/aegis/internal/token"
	"github.com/aegisid/aegis/internal/user"
	"github.com/aegisid/aegis/pkg/logger"
)

// Options are the deployment-provided collaborators. Store is required;
// everything else has a sensible default.
type Options struct {
	Store storage.Store

	// Clock defaults to the system clock (UTC).
	Clock core.Clock
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Limiter defaults to the in-process sliding window. Multi-node
	// deployments pass the redis limiter here.
	Limiter ratelimit.Limiter
	// Geo is optional; absent means no location enrichment or anomalies.
	Geo geo.Lookup
	// Email and SMS deliver MFA challenge codes and reset tokens. Default to
	// the dev senders, which log instead of sending.
	Email notify.EmailSender
	SMS   notify.SMSSender
	// Hasher defaults to bcrypt at the realm's configured cost.
	Hasher auth.PasswordHasher
}

// Realm is one fully wired tenant.
type Realm struct {
	name   string
	cfg    config.RealmConfig
	store  storage.Store
	bus    *event.Bus
	hooks  *hook.Registry
	clock  core.Clock
	logger *slog.Logger

	tokens   *token.Engine
	lockout  *lockout.Engine
	mfa      *mfa.Engine
	sessions *session.Engine
	audit    *audit.Pipeline
	users    *user.Service
	auth     *auth.Service

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires a realm. The realm row is created in the store when absent.
// Call Start to launch the background loops and Close to shut down.
func New(name string, cfg config.RealmConfig, opts Options) (*Realm, error) {
	if opts.Store == nil {
		return nil, errors.New("realm: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemoryLimiter(opts.Clock)
	}
	if opts.Email == nil {
		opts.Email = &notify.DevEmailSender{Logger: opts.Logger}
	}
	if opts.SMS == nil {
		opts.SMS = &notify.DevSMSSender{Logger: opts.Logger}
	}
	if opts.Hasher == nil {
		opts.Hasher = auth.NewBcryptHasher(cfg.BcryptCost)
	}
	log := logger.ForRealm(opts.Logger, name, "realm")

	r := &Realm{
		name:   name,
		cfg:    cfg,
		store:  opts.Store,
		clock:  opts.Clock,
		logger: log,
		bus:    event.NewBus(name, 256, log),
		hooks:  hook.NewRegistry(cfg.HookFailureStrategy, log),
	}

	var err error
	r.tokens, err = token.NewEngine(name, cfg, r.store, r.bus, r.clock, log)
	if err != nil {
		r.bus.Close()
		return nil, fmt.Errorf("realm %q: %w", name, err)
	}
	r.mfa, err = mfa.NewEngine(name, cfg.Issuer, cfg.MFA, r.store, r.bus, r.clock, log,
		opts.Email, opts.SMS, opts.Limiter)
	if err != nil {
		r.bus.Close()
		return nil, fmt.Errorf("realm %q: %w", name, err)
	}
	r.lockout = lockout.NewEngine(name, cfg.AccountLockout, r.store, r.bus, r.clock, log)
	r.sessions = session.NewEngine(name, cfg.Session, r.store, r.bus, r.clock, log, opts.Geo)
	r.audit = audit.NewPipeline(name, cfg.Audit, r.store, r.clock, log)
	r.users = user.NewService(name, r.store, r.bus, r.hooks, r.clock, log)
	r.auth = auth.NewService(name, cfg, auth.Deps{
		Store:       r.store,
		Bus:         r.bus,
		Hooks:       r.hooks,
		Hasher:      opts.Hasher,
		Tokens:      r.tokens,
		Lockout:     r.lockout,
		MFA:         r.mfa,
		Sessions:    r.sessions,
		ResetSender: opts.Email,
		Clock:       r.clock,
		Logger:      log,
	})

	r.bus.SubscribeAll(r.mirrorToAudit)

	err = r.store.CreateRealm(context.Background(), storage.Realm{Name: name, CreatedAt: r.clock.Now()})
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		r.bus.Close()
		return nil, fmt.Errorf("realm %q: %w", name, err)
	}
	return r, nil
}

// Start launches the audit batcher and the session cleanup loop. Idempotent.
func (r *Realm) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.audit.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.sessions.Run(ctx)
	}()
}

// Close shuts the realm down: the bus drains first so in-flight events still
// reach the audit mirror, then the background loops stop (the batcher flushes
// once on the way out). The store is owned by the caller and stays open.
func (r *Realm) Close() {
	r.bus.Close()

	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Name returns the realm's name.
func (r *Realm) Name() string { return r.name }

// Users is the user and role lifecycle service.
func (r *Realm) Users() *user.Service { return r.users }

// Auth is the credential authentication service.
func (r *Realm) Auth() *auth.Service { return r.auth }

// Tokens is the token lifecycle engine.
func (r *Realm) Tokens() *token.Engine { return r.tokens }

// Lockout is the throttling and account-lock engine.
func (r *Realm) Lockout() *lockout.Engine { return r.lockout }

// MFA is the second-factor engine.
func (r *Realm) MFA() *mfa.Engine { return r.mfa }

// Sessions is the session engine.
func (r *Realm) Sessions() *session.Engine { return r.sessions }

// Audit is the audit pipeline.
func (r *Realm) Audit() *audit.Pipeline { return r.audit }

// Bus is the realm's event bus, for extension subscribers.
func (r *Realm) Bus() *event.Bus { return r.bus }

// Hooks is the extension hook registry. Register during construction, before
// the realm serves requests.
func (r *Realm) Hooks() *hook.Registry { return r.hooks }
