package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/device"
)

// Type names an event on the bus. Dotted lowercase, matching audit actions.
type Type string

const (
	TokenIssued         Type = "token.issued"
	TokenRefreshed      Type = "token.refreshed"
	TokenRevoked        Type = "token.revoked"
	TokenReplayDetected Type = "token.replay_detected"

	LoginSucceeded Type = "login.success"
	LoginFailed    Type = "login.failed"

	AccountLocked   Type = "account.locked"
	AccountUnlocked Type = "account.unlocked"

	UserCreated Type = "user.created"
	UserUpdated Type = "user.updated"
	UserDeleted Type = "user.deleted"

	MFAEnrolled       Type = "mfa.enrolled"
	MFAMethodRemoved  Type = "mfa.method_removed"
	MFAChallengeSent  Type = "mfa.challenge_sent"
	MFAVerified       Type = "mfa.verified"
	MFAVerifyFailed   Type = "mfa.verify_failed"
	SessionAnomaly    Type = "session.anomaly"
	SessionRevokedEvt Type = "session.revoked"
)

// Event is the envelope delivered to subscribers. Realm and Time are stamped
// by the bus when left zero.
type Event struct {
	Type   Type
	Realm  string
	Time   time.Time
	UserID uuid.UUID
	Data   any
}

// TokenIssuedData accompanies TokenIssued.
type TokenIssuedData struct {
	UserID      uuid.UUID
	TokenFamily uuid.UUID
	AccessJTI   uuid.UUID
	Roles       []string
	Device      device.Info
	IssuedAt    time.Time
}

// TokenRefreshedData accompanies TokenRefreshed.
type TokenRefreshedData struct {
	UserID      uuid.UUID
	TokenFamily uuid.UUID
	Device      device.Info
	RefreshedAt time.Time
}

// TokenRevokedData accompanies TokenRevoked.
type TokenRevokedData struct {
	UserID      uuid.UUID
	TokenFamily uuid.UUID
	Reason      string
}

// TokenReplayData accompanies TokenReplayDetected.
type TokenReplayData struct {
	UserID          uuid.UUID
	TokenFamily     uuid.UUID
	OriginalTokenID uuid.UUID
}

// LoginData accompanies LoginSucceeded and LoginFailed.
type LoginData struct {
	UserID     uuid.UUID // uuid.Nil when the identifier resolved to no user
	Identifier string
	Device     device.Info
	Reason     string // failure reason; empty on success
}

// AccountLockData accompanies AccountLocked and AccountUnlocked.
type AccountLockData struct {
	UserID      uuid.UUID
	Reason      string
	LockedUntil *time.Time // nil means indefinite
}

// UserData accompanies the user lifecycle events.
type UserData struct {
	UserID uuid.UUID
	Email  string
}

// MFAData accompanies the MFA events.
type MFAData struct {
	UserID     uuid.UUID
	MethodID   uuid.UUID
	MethodType string
	Reason     string
}

// SessionAnomalyData accompanies SessionAnomaly. Kind is "new_device" or
// "new_location"; DistanceKm is set for location anomalies.
type SessionAnomalyData struct {
	UserID     uuid.UUID
	SessionID  uuid.UUID
	Kind       string
	DistanceKm float64
}

// SessionRevokedData accompanies SessionRevokedEvt.
type SessionRevokedData struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Reason    string
}
