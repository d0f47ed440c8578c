// Package hook lets deployments attach collaborators to fixed extension
// points. Hooks run synchronously in priority order; the realm's failure
// strategy decides whether one failing hook aborts the operation.
package hook

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/storage"
)

// Kind names an extension point.
type Kind string

const (
	UserPreCreate  Kind = "user.pre_create"
	UserPostCreate Kind = "user.post_create"
	UserPreDelete  Kind = "user.pre_delete"
	LoginPreAuth   Kind = "login.pre_auth"
	LoginPostAuth  Kind = "login.post_auth"
)

// Context carries the operation state hooks may inspect. Data is free-form
// and shared across the hooks of one dispatch.
type Context struct {
	Realm string
	User  *storage.User
	Data  map[string]any
}

// Hook is one registered collaborator. Lower priority runs earlier.
type Hook interface {
	Name() string
	Priority() int
	Run(ctx context.Context, hc *Context) error
}

// Func adapts a function to the Hook interface.
type Func struct {
	HookName     string
	HookPriority int
	RunFunc      func(ctx context.Context, hc *Context) error
}

func (f Func) Name() string                               { return f.HookName }
func (f Func) Priority() int                              { return f.HookPriority }
func (f Func) Run(ctx context.Context, hc *Context) error { return f.RunFunc(ctx, hc) }

// Registry maps kinds to their ordered hooks.
type Registry struct {
	strategy config.HookFailureStrategy
	logger   *slog.Logger
	hooks    map[Kind][]Hook
}

// NewRegistry builds an empty registry with the realm's failure strategy.
func NewRegistry(strategy config.HookFailureStrategy, logger *slog.Logger) *Registry {
	return &Registry{strategy: strategy, logger: logger, hooks: make(map[Kind][]Hook)}
}

// Strategy reports the realm's failure strategy so callers can decide
// whether a Dispatch error aborts the operation.
func (r *Registry) Strategy() config.HookFailureStrategy { return r.strategy }

// Register attaches a hook to a kind, keeping the kind's hooks sorted by
// priority. Not safe for concurrent use with Dispatch; register everything
// during realm construction.
func (r *Registry) Register(kind Kind, h Hook) {
	r.hooks[kind] = append(r.hooks[kind], h)
	sort.SliceStable(r.hooks[kind], func(i, j int) bool {
		return r.hooks[kind][i].Priority() < r.hooks[kind][j].Priority()
	})
}

// Dispatch runs the kind's hooks in order. Under FAIL_FAST the first error
// aborts and is returned; under CONTINUE every hook runs and the joined
// failures are returned at the end.
func (r *Registry) Dispatch(ctx context.Context, kind Kind, hc *Context) error {
	var failures []error
	for _, h := range r.hooks[kind] {
		err := h.Run(ctx, hc)
		if err == nil {
			continue
		}
		if r.strategy == config.FailFast {
			return err
		}
		r.logger.Error("hook_failed", "hook", h.Name(), "kind", string(kind), "error", err)
		failures = append(failures, err)
	}
	return errors.Join(failures...)
}
