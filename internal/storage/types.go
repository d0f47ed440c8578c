// Package storage defines the persisted entity set and the transactional
// Store interface the engines run on. Implementations must be able to execute
// multi-row transitions atomically (WithTx) and standardize on UTC.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// TokenType distinguishes stored bearer tokens.
type TokenType string

const (
	TokenAccess  TokenType = "ACCESS"
	TokenRefresh TokenType = "REFRESH"
	// TokenReset rows hold the digest of an opaque password-reset token; the
	// emitted string is random, not signed.
	TokenReset TokenType = "RESET"
)

// UserStatus is the lifecycle state of a user.
type UserStatus string

const (
	UserActive   UserStatus = "ACTIVE"
	UserDisabled UserStatus = "DISABLED"
)

// SessionStatus is the lifecycle state of a session row.
type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionExpired SessionStatus = "EXPIRED"
	SessionRevoked SessionStatus = "REVOKED"
)

// MFAMethodType names an enrolled second factor.
type MFAMethodType string

const (
	MFATypeTOTP  MFAMethodType = "TOTP"
	MFATypeEmail MFAMethodType = "EMAIL"
	MFATypeSMS   MFAMethodType = "SMS"
)

// ActorType classifies who caused an audited action.
type ActorType string

const (
	ActorUser      ActorType = "USER"
	ActorAdmin     ActorType = "ADMIN"
	ActorSystem    ActorType = "SYSTEM"
	ActorAnonymous ActorType = "ANONYMOUS"
)

// AuditResult is the outcome of an audited action.
type AuditResult string

const (
	ResultSuccess        AuditResult = "SUCCESS"
	ResultFailure        AuditResult = "FAILURE"
	ResultPartialSuccess AuditResult = "PARTIAL_SUCCESS"
)

// Realm is the root of tenancy. Every other entity belongs to exactly one.
type Realm struct {
	Name      string
	CreatedAt time.Time
}

// User is a credentialed identity within a realm.
// (realm, email) and (realm, phone) are unique when set.
type User struct {
	ID           uuid.UUID
	Realm        string
	Email        string // empty means unset
	Phone        string // empty means unset
	PasswordHash string
	Status       UserStatus
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRole reports whether the user carries the named role.
func (u User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// Role is a descriptive role definition owned by the realm.
type Role struct {
	Realm       string
	Name        string
	Description string
	CreatedAt   time.Time
}

// StoredToken is the at-rest record of an emitted bearer token. Only the
// one-way digest of the emitted string is kept. TokenFamily groups a refresh
// rotation chain; ParentTokenID links a rotated child to its parent.
type StoredToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Realm         string
	TokenHash     string
	Type          TokenType
	Revoked       bool
	TokenFamily   uuid.UUID
	ParentTokenID uuid.UUID // uuid.Nil for the family root
	FirstUsedAt   *time.Time
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// FailedAttempt records one failed authentication, by identifier and
// optionally by resolved user and source IP.
type FailedAttempt struct {
	ID          uuid.UUID
	Realm       string
	Identifier  string
	UserID      uuid.UUID // uuid.Nil when the identifier resolved to no user
	IPAddress   string
	AttemptedAt time.Time
	Reason      string
}

// AccountLock is a timed or indefinite lock on a user. A nil LockedUntil
// means indefinite.
type AccountLock struct {
	UserID      uuid.UUID
	LockedUntil *time.Time
	Reason      string
	LockedAt    time.Time
}

// MFAMethod is an enrolled (or pending) second factor. Secret holds the
// encrypted TOTP secret; Contact holds the email address or phone number for
// out-of-band methods. LastUsedStep guards TOTP replay within the window.
type MFAMethod struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Type         MFAMethodType
	Secret       string
	Contact      string
	Label        string
	Active       bool
	LastUsedStep int64
	CreatedAt    time.Time
}

// MFAChallenge is a pending out-of-band code. Only the code's digest is
// stored; ConsumedAt marks one-time use.
type MFAChallenge struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	MethodID   uuid.UUID
	CodeHash   string
	Enrollment bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// MFATrustedDevice lets a known device bypass MFA challenges until it expires.
type MFATrustedDevice struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Fingerprint string
	Name        string
	TrustedAt   time.Time
	LastUsedAt  *time.Time
	ExpiresAt   *time.Time // nil means no expiry
}

// MFABackupCode is one single-use recovery code, stored hashed.
type MFABackupCode struct {
	UserID   uuid.UUID
	Index    int
	CodeHash string
	UsedAt   *time.Time
}

// Session is the live record tied to one token family. Exactly one ACTIVE
// session exists per live family.
type Session struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Realm          string
	TokenFamily    uuid.UUID
	Fingerprint    string
	DeviceName     string
	IPAddress      string
	UserAgent      string
	City           string
	Country        string
	Latitude       *float64
	Longitude      *float64
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Status         SessionStatus
	RevokedReason  string
	RevokedAt      *time.Time
}

// SessionHistoryEntry is the append-only archive of a terminated session.
type SessionHistoryEntry struct {
	Session
	ArchivedAt time.Time
}

// AuditEvent is one immutable audit row. Metadata is sanitized before it is
// written and never mutated afterwards.
type AuditEvent struct {
	ID         uuid.UUID
	EventType  string
	Timestamp  time.Time
	ActorID    uuid.UUID
	ActorType  ActorType
	TargetID   uuid.UUID
	TargetType string
	Result     AuditResult
	Metadata   map[string]any
	Realm      string
	SessionID  uuid.UUID
}

// AuditFilter narrows audit queries. Zero values mean "no constraint".
// Results are ordered by descending timestamp.
type AuditFilter struct {
	Realm      string
	EventTypes []string
	ActorID    uuid.UUID
	TargetID   uuid.UUID
	Result     AuditResult
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}
