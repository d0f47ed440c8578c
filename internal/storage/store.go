package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when a row cannot be found.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique key is taken during a create.
	ErrAlreadyExists = errors.New("already exists")

	// ErrEmailExists and ErrPhoneExists signal the per-realm contact
	// uniqueness invariants on user creation and update.
	ErrEmailExists = errors.New("email already exists in realm")
	ErrPhoneExists = errors.New("phone already exists in realm")
)

// Store is the transactional persistence interface over the identity entity
// set. All timestamps cross this boundary in UTC.
//
// Update methods take an updater function and apply it inside the row's
// transaction; the updater may be invoked more than once by optimistic
// implementations and must not carry side effects.
type Store interface {
	// WithTx runs fn against a transactional view of the store. Multi-row
	// transitions that must appear atomic (refresh rotation, session creation
	// with eviction, backup-code consumption) go through here; implementations
	// provide at least REPEATABLE READ isolation.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error

	// Realms
	CreateRealm(ctx context.Context, r Realm) error
	GetRealm(ctx context.Context, name string) (Realm, error)

	// Users
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	GetUserByEmail(ctx context.Context, realm, email string) (User, error)
	GetUserByPhone(ctx context.Context, realm, phone string) (User, error)
	ListUsers(ctx context.Context, realm string) ([]User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, updater func(User) (User, error)) error
	// DeleteUser removes the user and everything it owns: tokens, sessions,
	// session history, locks, failed attempts, MFA methods, challenges,
	// trusted devices and backup codes. Audit rows are append-only and stay.
	DeleteUser(ctx context.Context, id uuid.UUID) error

	// Roles
	CreateRole(ctx context.Context, r Role) error
	GetRole(ctx context.Context, realm, name string) (Role, error)
	ListRoles(ctx context.Context, realm string) ([]Role, error)
	DeleteRole(ctx context.Context, realm, name string) error

	// Tokens
	CreateToken(ctx context.Context, t StoredToken) error
	GetTokenByHash(ctx context.Context, hash string) (StoredToken, error)
	ListTokensByFamily(ctx context.Context, family uuid.UUID) ([]StoredToken, error)
	UpdateToken(ctx context.Context, id uuid.UUID, updater func(StoredToken) (StoredToken, error)) error
	RevokeTokensByUser(ctx context.Context, userID uuid.UUID) (int, error)
	RevokeTokensByFamily(ctx context.Context, family uuid.UUID) (int, error)
	DeleteToken(ctx context.Context, id uuid.UUID) error
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int, error)

	// Failed attempts
	CreateFailedAttempt(ctx context.Context, a FailedAttempt) error
	CountFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string, since time.Time) (int, error)
	CountFailedAttemptsByIP(ctx context.Context, realm, ip string, since time.Time) (int, error)
	CountFailedAttemptsByUser(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	DeleteFailedAttemptsBefore(ctx context.Context, realm, identifier string, cutoff time.Time) error
	DeleteFailedAttemptsByIdentifier(ctx context.Context, realm, identifier string) error
	DeleteFailedAttemptsByUser(ctx context.Context, userID uuid.UUID) error

	// Account locks
	UpsertAccountLock(ctx context.Context, l AccountLock) error
	GetAccountLock(ctx context.Context, userID uuid.UUID) (AccountLock, error)
	DeleteAccountLock(ctx context.Context, userID uuid.UUID) error

	// MFA methods
	CreateMFAMethod(ctx context.Context, m MFAMethod) error
	GetMFAMethod(ctx context.Context, id uuid.UUID) (MFAMethod, error)
	ListMFAMethods(ctx context.Context, userID uuid.UUID) ([]MFAMethod, error)
	UpdateMFAMethod(ctx context.Context, id uuid.UUID, updater func(MFAMethod) (MFAMethod, error)) error
	DeleteMFAMethod(ctx context.Context, id uuid.UUID) error
	DeleteMFAMethodsByUser(ctx context.Context, userID uuid.UUID) error

	// MFA challenges
	CreateMFAChallenge(ctx context.Context, c MFAChallenge) error
	GetMFAChallenge(ctx context.Context, id uuid.UUID) (MFAChallenge, error)
	UpdateMFAChallenge(ctx context.Context, id uuid.UUID, updater func(MFAChallenge) (MFAChallenge, error)) error
	DeleteExpiredMFAChallenges(ctx context.Context, before time.Time) (int, error)

	// Trusted devices
	CreateTrustedDevice(ctx context.Context, d MFATrustedDevice) error
	GetTrustedDeviceByFingerprint(ctx context.Context, userID uuid.UUID, fingerprint string) (MFATrustedDevice, error)
	ListTrustedDevices(ctx context.Context, userID uuid.UUID) ([]MFATrustedDevice, error)
	UpdateTrustedDevice(ctx context.Context, id uuid.UUID, updater func(MFATrustedDevice) (MFATrustedDevice, error)) error
	DeleteTrustedDevice(ctx context.Context, id uuid.UUID) error
	DeleteTrustedDevicesByUser(ctx context.Context, userID uuid.UUID) error

	// Backup codes
	ReplaceBackupCodes(ctx context.Context, userID uuid.UUID, codes []MFABackupCode) error
	ListBackupCodes(ctx context.Context, userID uuid.UUID) ([]MFABackupCode, error)
	UpdateBackupCode(ctx context.Context, userID uuid.UUID, index int, updater func(MFABackupCode) (MFABackupCode, error)) error
	DeleteBackupCodes(ctx context.Context, userID uuid.UUID) error

	// Sessions
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	GetSessionByFamily(ctx context.Context, family uuid.UUID) (Session, error)
	ListSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error)
	ListActiveSessionsByUser(ctx context.Context, userID uuid.UUID) ([]Session, error)
	ListSessionsExpiringBefore(ctx context.Context, realm string, t time.Time) ([]Session, error)
	ListSessionsByStatus(ctx context.Context, realm string, status SessionStatus) ([]Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, updater func(Session) (Session, error)) error
	DeleteSession(ctx context.Context, id uuid.UUID) error

	// Session history (append-only; keyed by session id so concurrent
	// cleanup runs cannot double-archive)
	CreateSessionHistory(ctx context.Context, e SessionHistoryEntry) error
	ListSessionHistoryByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]SessionHistoryEntry, error)
	DeleteSessionHistoryBefore(ctx context.Context, realm string, cutoff time.Time) (int, error)

	// Audit (append-only)
	InsertAuditEvents(ctx context.Context, events []AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
	CountAuditEvents(ctx context.Context, f AuditFilter) (int, error)
	DeleteAuditEventsBefore(ctx context.Context, realm string, cutoff time.Time) (int, error)
}
