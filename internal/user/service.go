// Package user owns the user and role lifecycle for one realm: creation with
// pre-create hook dispatch, contact uniqueness, idempotent role assignment,
// status transitions, and cascading delete.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/hook"
	"github.com/aegisid/aegis/internal/storage"
)

var (
	// ErrUserNotFound is returned when an id resolves to no user in the realm.
	ErrUserNotFound = errors.New("user not found")

	// ErrRoleNotFound is returned when a role is assigned before the realm
	// defines it.
	ErrRoleNotFound = errors.New("role not found in realm")
)

// Service manages users and role definitions within one realm.
type Service struct {
	realm  string
	store  storage.Store
	bus    *event.Bus
	hooks  *hook.Registry
	clock  core.Clock
	logger *slog.Logger
}

// NewService wires a user service for the realm.
func NewService(realm string, store storage.Store, bus *event.Bus, hooks *hook.Registry, clock core.Clock, logger *slog.Logger) *Service {
	return &Service{realm: realm, store: store, bus: bus, hooks: hooks, clock: clock, logger: logger}
}

// CreateParams carries the inputs for Create. PasswordHash is the already
// hashed credential; this service never sees plaintext passwords.
type CreateParams struct {
	Email        string
	Phone        string
	PasswordHash string
	Roles        []string
}

// Create inserts a new ACTIVE user. Pre-create hooks run first and may mutate
// the candidate (normalization, validation); post-create hooks run after the
// insert and cannot roll it back. Contact uniqueness surfaces as
// storage.ErrEmailExists / storage.ErrPhoneExists.
func (s *Service) Create(ctx context.Context, p CreateParams) (storage.User, error) {
	now := s.clock.Now()
	u := storage.User{
		ID:           core.NewID(),
		Realm:        s.realm,
		Email:        p.Email,
		Phone:        p.Phone,
		PasswordHash: p.PasswordHash,
		Status:       storage.UserActive,
		Roles:        dedupe(p.Roles),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	hc := &hook.Context{Realm: s.realm, User: &u, Data: map[string]any{}}
	if err := s.hooks.Dispatch(ctx, hook.UserPreCreate, hc); err != nil {
		if s.hooks.Strategy() == config.FailFast {
			return storage.User{}, fmt.Errorf("pre-create hook: %w", err)
		}
	}

	if err := s.store.CreateUser(ctx, u); err != nil {
		return storage.User{}, err
	}
	s.publishUser(event.UserCreated, u)

	if err := s.hooks.Dispatch(ctx, hook.UserPostCreate, hc); err != nil {
		if s.hooks.Strategy() == config.FailFast {
			return u, fmt.Errorf("post-create hook: %w", err)
		}
	}
	return u, nil
}

// Get returns the user by id, scoped to this realm.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (storage.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil || u.Realm != s.realm {
		return storage.User{}, ErrUserNotFound
	}
	return u, nil
}

// GetByEmail returns the realm's user with the given email.
func (s *Service) GetByEmail(ctx context.Context, email string) (storage.User, error) {
	u, err := s.store.GetUserByEmail(ctx, s.realm, email)
	if err != nil {
		return storage.User{}, ErrUserNotFound
	}
	return u, nil
}

// GetByPhone returns the realm's user with the given phone number.
func (s *Service) GetByPhone(ctx context.Context, phone string) (storage.User, error) {
	u, err := s.store.GetUserByPhone(ctx, s.realm, phone)
	if err != nil {
		return storage.User{}, ErrUserNotFound
	}
	return u, nil
}

// List returns all users of the realm.
func (s *Service) List(ctx context.Context) ([]storage.User, error) {
	return s.store.ListUsers(ctx, s.realm)
}

// Update applies change to the user row, stamps UpdatedAt, and publishes
// UserUpdated. The change function must not carry side effects.
func (s *Service) Update(ctx context.Context, id uuid.UUID, change func(storage.User) (storage.User, error)) (storage.User, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return storage.User{}, err
	}
	err := s.store.UpdateUser(ctx, id, func(u storage.User) (storage.User, error) {
		u, err := change(u)
		if err != nil {
			return u, err
		}
		u.UpdatedAt = s.clock.Now()
		return u, nil
	})
	if err != nil {
		return storage.User{}, err
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return storage.User{}, err
	}
	s.publishUser(event.UserUpdated, u)
	return u, nil
}

// SetStatus moves the user between ACTIVE and DISABLED.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status storage.UserStatus) error {
	_, err := s.Update(ctx, id, func(u storage.User) (storage.User, error) {
		u.Status = status
		return u, nil
	})
	return err
}

// AssignRole adds the named role to the user. The role must already be
// defined in the realm. Assigning a role the user already holds is a no-op;
// the user never carries duplicates.
func (s *Service) AssignRole(ctx context.Context, userID uuid.UUID, role string) error {
	if _, err := s.store.GetRole(ctx, s.realm, role); err != nil {
		return ErrRoleNotFound
	}
	_, err := s.Update(ctx, userID, func(u storage.User) (storage.User, error) {
		if !u.HasRole(role) {
			u.Roles = append(u.Roles, role)
		}
		return u, nil
	})
	return err
}

// RemoveRole drops the named role from the user. Removing a role the user
// does not hold is a no-op.
func (s *Service) RemoveRole(ctx context.Context, userID uuid.UUID, role string) error {
	_, err := s.Update(ctx, userID, func(u storage.User) (storage.User, error) {
		kept := u.Roles[:0]
		for _, r := range u.Roles {
			if r != role {
				kept = append(kept, r)
			}
		}
		u.Roles = kept
		return u, nil
	})
	return err
}

// Delete removes the user and everything it owns: tokens, sessions, locks,
// MFA state. Audit rows stay. Pre-delete hooks run first and can veto under
// FAIL_FAST.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	u, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	hc := &hook.Context{Realm: s.realm, User: &u, Data: map[string]any{}}
	if err := s.hooks.Dispatch(ctx, hook.UserPreDelete, hc); err != nil {
		if s.hooks.Strategy() == config.FailFast {
			return fmt.Errorf("pre-delete hook: %w", err)
		}
	}

	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.publishUser(event.UserDeleted, u)
	return nil
}

// CreateRole defines a role in the realm.
func (s *Service) CreateRole(ctx context.Context, name, description string) error {
	return s.store.CreateRole(ctx, storage.Role{
		Realm:       s.realm,
		Name:        name,
		Description: description,
		CreatedAt:   s.clock.Now(),
	})
}

// DeleteRole removes the role definition. Users keep the role name on their
// list; it simply stops matching a defined role.
func (s *Service) DeleteRole(ctx context.Context, name string) error {
	return s.store.DeleteRole(ctx, s.realm, name)
}

// ListRoles returns the realm's role definitions.
func (s *Service) ListRoles(ctx context.Context) ([]storage.Role, error) {
	return s.store.ListRoles(ctx, s.realm)
}

func (s *Service) publishUser(t event.Type, u storage.User) {
	s.bus.Publish(event.Event{
		Type:   t,
		UserID: u.ID,
		Data:   event.UserData{UserID: u.ID, Email: u.Email},
	})
}

func dedupe(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
