package mfa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/storage"
)

// TrustDevice remembers the device so it can skip challenges until the trust
// expires. Trusting an already-trusted device refreshes its expiry.
// expiresInDays of zero applies the realm default TTL.
func (e *Engine) TrustDevice(ctx context.Context, userID uuid.UUID, ip, userAgent, name string, expiresInDays int) error {
	fingerprint := device.Fingerprint(ip, userAgent)
	now := e.clock.Now()

	ttl := e.cfg.TrustedDeviceTTL
	if expiresInDays > 0 {
		ttl = time.Duration(expiresInDays) * 24 * time.Hour
	}
	expiresAt := now.Add(ttl)

	if name == "" {
		name = device.Name(userAgent)
	}

	existing, err := e.store.GetTrustedDeviceByFingerprint(ctx, userID, fingerprint)
	if err == nil {
		return e.store.UpdateTrustedDevice(ctx, existing.ID, func(d storage.MFATrustedDevice) (storage.MFATrustedDevice, error) {
			d.LastUsedAt = &now
			d.ExpiresAt = &expiresAt
			return d, nil
		})
	}
	if err != storage.ErrNotFound {
		return fmt.Errorf("loading trusted device: %w", err)
	}

	return e.store.CreateTrustedDevice(ctx, storage.MFATrustedDevice{
		ID:          core.NewID(),
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        name,
		TrustedAt:   now,
		ExpiresAt:   &expiresAt,
	})
}

// IsDeviceTrusted reports whether the device holds unexpired trust, touching
// LastUsedAt when it does.
func (e *Engine) IsDeviceTrusted(ctx context.Context, userID uuid.UUID, ip, userAgent string) (bool, error) {
	trusted, err := e.store.GetTrustedDeviceByFingerprint(ctx, userID, device.Fingerprint(ip, userAgent))
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("loading trusted device: %w", err)
	}

	now := e.clock.Now()
	if trusted.ExpiresAt != nil && !now.Before(*trusted.ExpiresAt) {
		return false, nil
	}

	err = e.store.UpdateTrustedDevice(ctx, trusted.ID, func(d storage.MFATrustedDevice) (storage.MFATrustedDevice, error) {
		d.LastUsedAt = &now
		return d, nil
	})
	if err != nil {
		e.logger.Warn("trusted_device_touch_failed", "realm", e.realm, "user_id", userID, "error", err)
	}
	return true, nil
}

// ListTrustedDevices returns the user's trusted devices.
func (e *Engine) ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]storage.MFATrustedDevice, error) {
	return e.store.ListTrustedDevices(ctx, userID)
}

// RemoveAllTrustedDevices withdraws trust from every device of the user, so
// the next login challenges regardless of fingerprint.
func (e *Engine) RemoveAllTrustedDevices(ctx context.Context, userID uuid.UUID) error {
	return e.store.DeleteTrustedDevicesByUser(ctx, userID)
}

// RevokeTrustedDevice withdraws trust from one device.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	trusted, err := e.store.ListTrustedDevices(ctx, userID)
	if err != nil {
		return err
	}
	for _, d := range trusted {
		if d.ID == deviceID {
			return e.store.DeleteTrustedDevice(ctx, deviceID)
		}
	}
	return storage.ErrNotFound
}
