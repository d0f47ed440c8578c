// Package config defines the per-realm configuration surface and the
// process-level bootstrap read from the environment.
package config

import "time"

// TokenType distinguishes the two bearer token kinds a realm issues.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// HookFailureStrategy controls how the orchestrator reacts when a registered
// hook returns an error.
type HookFailureStrategy string

const (
	// FailFast aborts the operation and surfaces the first hook error.
	FailFast HookFailureStrategy = "FAIL_FAST"
	// Continue logs hook errors and lets the operation proceed; the composite
	// failure list is reported at the end of dispatch.
	Continue HookFailureStrategy = "CONTINUE"
)

// RotationPolicy governs refresh-token rotation per realm.
type RotationPolicy struct {
	// Enabled turns rotation on. When false, Refresh mints a new pair but
	// leaves the presented refresh token valid and never raises replay.
	Enabled bool
	// GracePeriod is the interval after a refresh token's first use during
	// which re-presenting it is treated as an idempotent retry.
	GracePeriod time.Duration
	// RevokeFamilyOnReplay revokes the whole token family when a consumed
	// refresh token is presented past the grace period.
	RevokeFamilyOnReplay bool
}

// LockoutPolicy is the two-layer throttling and account-lock policy.
type LockoutPolicy struct {
	MaxFailedAttempts int
	AttemptWindow     time.Duration
	LockoutDuration   time.Duration
	Enabled           bool
}

// Preset lockout policies.
func LockoutStrict() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: 3, AttemptWindow: 15 * time.Minute, LockoutDuration: time.Hour, Enabled: true}
}

func LockoutModerate() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: 5, AttemptWindow: 15 * time.Minute, LockoutDuration: 30 * time.Minute, Enabled: true}
}

func LockoutLenient() LockoutPolicy {
	return LockoutPolicy{MaxFailedAttempts: 10, AttemptWindow: 30 * time.Minute, LockoutDuration: 15 * time.Minute, Enabled: true}
}

func LockoutDisabled() LockoutPolicy {
	return LockoutPolicy{Enabled: false}
}

// AnomalyConfig controls session anomaly detection.
type AnomalyConfig struct {
	DetectNewDevice   bool
	DetectNewLocation bool
	// LocationRadiusKm is the great-circle distance beyond which a new
	// session's coordinates count as a new location.
	LocationRadiusKm float64
}

// SessionConfig tunes the session engine.
type SessionConfig struct {
	MaxConcurrentSessions   int
	SessionExpiration       time.Duration
	SessionHistoryRetention time.Duration
	CleanupInterval         time.Duration
	Anomaly                 AnomalyConfig
	// GeoLookupEnabled gates outbound geolocation; the lookup itself is an
	// injected collaborator and may be absent regardless.
	GeoLookupEnabled bool
}

// MFAConfig tunes the MFA engine.
type MFAConfig struct {
	// RequireMFA gates token issuance behind a verified second factor.
	RequireMFA bool
	// EncryptionKey is the 64-hex-char AES-256 key under which TOTP secrets
	// are stored.
	EncryptionKey string
	// ChallengeTTL bounds how long an out-of-band code stays redeemable.
	ChallengeTTL time.Duration
	// TrustedDeviceTTL is the default lifetime of a trusted-device record.
	TrustedDeviceTTL time.Duration
}

// AuditConfig tunes the audit pipeline.
type AuditConfig struct {
	Enabled         bool
	QueueCapacity   int
	BatchSize       int
	FlushInterval   time.Duration
	RetentionPeriod time.Duration
}

// RealmConfig is the complete per-realm configuration.
type RealmConfig struct {
	// Secrets are HMAC signing secrets, newest first. The first entry signs;
	// all entries verify, selected by the key id embedded in token headers.
	Secrets  []string
	Issuer   string
	Audience string

	TokenValidity    map[TokenType]time.Duration
	TokenPersistence map[TokenType]bool
	TokenRotation    RotationPolicy

	AccountLockout LockoutPolicy

	// BcryptCost is the password hashing work factor.
	BcryptCost int

	Session SessionConfig
	MFA     MFAConfig
	Audit   AuditConfig

	HookFailureStrategy HookFailureStrategy

	// TimeZone affects display formatting only; storage is always UTC.
	TimeZone string
}

// DefaultRealmConfig returns the documented defaults. Secrets, Issuer and
// Audience must still be set by the caller.
func DefaultRealmConfig() RealmConfig {
	return RealmConfig{
		TokenValidity: map[TokenType]time.Duration{
			TokenAccess:  2 * time.Hour,
			TokenRefresh: 90 * 24 * time.Hour,
		},
		TokenPersistence: map[TokenType]bool{
			TokenAccess:  false,
			TokenRefresh: true,
		},
		TokenRotation: RotationPolicy{
			Enabled:              true,
			GracePeriod:          10 * time.Second,
			RevokeFamilyOnReplay: true,
		},
		AccountLockout: LockoutModerate(),
		BcryptCost:     12,
		Session: SessionConfig{
			MaxConcurrentSessions:   5,
			SessionExpiration:       30 * 24 * time.Hour,
			SessionHistoryRetention: 90 * 24 * time.Hour,
			CleanupInterval:         time.Hour,
			Anomaly: AnomalyConfig{
				DetectNewDevice:   true,
				DetectNewLocation: true,
				LocationRadiusKm:  100,
			},
		},
		MFA: MFAConfig{
			ChallengeTTL:     5 * time.Minute,
			TrustedDeviceTTL: 30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:         true,
			QueueCapacity:   1024,
			BatchSize:       64,
			FlushInterval:   2 * time.Second,
			RetentionPeriod: 365 * 24 * time.Hour,
		},
		HookFailureStrategy: FailFast,
		TimeZone:            "UTC",
	}
}
