package realm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getsentry/sentry-go"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/pkg/logger"
)

// ErrRealmNotFound is returned when a name resolves to no registered realm.
var ErrRealmNotFound = errors.New("realm not found")

// Platform is the process-wide realm table. Identities and tokens are never
// valid across realms; the platform only routes by name.
type Platform struct {
	mu     sync.RWMutex
	realms map[string]*Realm
}

// NewPlatform creates an empty realm table.
func NewPlatform() *Platform {
	return &Platform{realms: make(map[string]*Realm)}
}

// Add registers a realm and starts its background loops.
func (p *Platform) Add(r *Realm) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.realms[r.Name()]; ok {
		return fmt.Errorf("realm %q already registered", r.Name())
	}
	p.realms[r.Name()] = r
	r.Start()
	return nil
}

// Get returns the named realm.
func (p *Platform) Get(name string) (*Realm, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.realms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRealmNotFound, name)
	}
	return r, nil
}

// Close shuts every realm down.
func (p *Platform) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.realms {
		r.Close()
	}
	p.realms = make(map[string]*Realm)
}

// Bootstrap applies the process-level environment: logging and, when a DSN
// is configured, sentry. Returns the configured logger.
func Bootstrap(e config.Env) (*slog.Logger, error) {
	log := logger.Setup(e.AppEnv)
	if e.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         e.SentryDSN,
			Environment: e.AppEnv,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
	}
	return log, nil
}
