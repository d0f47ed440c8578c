package mfa

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

// Administrative operations. The actor is the already-authenticated caller;
// every operation here requires the admin role and is audited through the
// published events, including actions admins take on their own accounts.

// ForceRemoveMethod removes any user's method without ownership checks.
func (e *Engine) ForceRemoveMethod(ctx context.Context, actor storage.User, targetUserID, methodID uuid.UUID) error {
	if !actor.HasRole(AdminRole) {
		return ErrInsufficientPermissions
	}

	method, err := e.store.GetMFAMethod(ctx, methodID)
	if err != nil {
		if err == storage.ErrNotFound {
			return ErrMethodNotFound
		}
		return fmt.Errorf("loading mfa method: %w", err)
	}
	if method.UserID != targetUserID {
		return ErrMethodNotFound
	}

	if err := e.store.DeleteMFAMethod(ctx, methodID); err != nil {
		return fmt.Errorf("deleting mfa method: %w", err)
	}

	e.logger.Info("mfa_method_force_removed",
		"realm", e.realm,
		"actor_id", actor.ID,
		"target_user_id", targetUserID,
		"method_id", methodID,
	)
	e.bus.Publish(event.Event{
		Type:   event.MFAMethodRemoved,
		UserID: targetUserID,
		Data:   event.MFAData{UserID: targetUserID, MethodID: methodID, MethodType: string(method.Type), Reason: "admin_action"},
	})
	return nil
}

// DisableMfaForUser strips every second factor the target has: methods,
// backup codes, and trusted devices.
func (e *Engine) DisableMfaForUser(ctx context.Context, actor storage.User, targetUserID uuid.UUID) error {
	if !actor.HasRole(AdminRole) {
		return ErrInsufficientPermissions
	}

	err := e.store.WithTx(ctx, func(st storage.Store) error {
		if err := st.DeleteMFAMethodsByUser(ctx, targetUserID); err != nil {
			return err
		}
		if err := st.DeleteBackupCodes(ctx, targetUserID); err != nil {
			return err
		}
		return st.DeleteTrustedDevicesByUser(ctx, targetUserID)
	})
	if err != nil {
		return fmt.Errorf("disabling mfa: %w", err)
	}

	e.logger.Info("mfa_disabled_for_user", "realm", e.realm, "actor_id", actor.ID, "target_user_id", targetUserID)
	e.bus.Publish(event.Event{
		Type:   event.MFAMethodRemoved,
		UserID: targetUserID,
		Data:   event.MFAData{UserID: targetUserID, Reason: "admin_disabled_all"},
	})
	return nil
}

// ListUserMethods lets an admin inspect any user's methods.
func (e *Engine) ListUserMethods(ctx context.Context, actor storage.User, targetUserID uuid.UUID) ([]storage.MFAMethod, error) {
	if !actor.HasRole(AdminRole) {
		return nil, ErrInsufficientPermissions
	}
	return e.ListMethods(ctx, targetUserID)
}
