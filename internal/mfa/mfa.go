// Package mfa implements second-factor enrollment and verification: TOTP,
// email and SMS challenges, single-use backup codes, and trusted devices.
package mfa

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AdminRole is the role required for the administrative operations.
const AdminRole = "ADMIN"

var (
	// ErrInvalidCode is returned for a wrong, expired, consumed, or replayed
	// code. Callers get no finer detail.
	ErrInvalidCode = errors.New("invalid mfa code")

	// ErrMethodNotFound is returned when a method id does not exist or does
	// not belong to the user.
	ErrMethodNotFound = errors.New("mfa method not found")

	// ErrChallengeNotFound is returned when a challenge id does not exist or
	// does not belong to the user.
	ErrChallengeNotFound = errors.New("mfa challenge not found")

	// ErrMethodNotActive is returned when verification targets a method that
	// has not completed enrollment.
	ErrMethodNotActive = errors.New("mfa method not active")

	// ErrInsufficientPermissions is returned when an administrative call is
	// made without the admin role.
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// RateLimitedError is returned when a verification or send limit is hit.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "mfa rate limit exceeded"
}

// TotpEnrollment is the outcome of starting a TOTP enrollment. Secret and
// OtpauthURL are shown to the user once and never stored in the clear.
type TotpEnrollment struct {
	MethodID   uuid.UUID
	Secret     string
	OtpauthURL string
}

// ChallengeStatus classifies the outcome of a challenge send.
type ChallengeStatus int

const (
	ChallengeSent ChallengeStatus = iota
	ChallengeRateLimited
	ChallengeCooldown
	ChallengeFailed
)

// ChallengeResult is the outcome of ChallengeEmail or ChallengeSms.
type ChallengeResult struct {
	Status      ChallengeStatus
	ChallengeID uuid.UUID
	RetryAfter  time.Duration
	Reason      string
}
