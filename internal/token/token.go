// Package token implements the signed-token lifecycle for a realm: issuance
// of access/refresh pairs, verification, and refresh rotation with replay
// detection through token-family revocation.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/storage"
)

var (
	// ErrSuspiciousToken is returned when a presented refresh token is
	// unknown, already revoked, or does not belong to the presenting user.
	ErrSuspiciousToken = errors.New("suspicious token")

	// ErrUserNotFound is returned when issuance targets a missing user.
	ErrUserNotFound = errors.New("user not found")
)

// ReplayError reports that a consumed refresh token was presented again past
// the rotation grace period.
type ReplayError struct {
	TokenFamily     uuid.UUID
	OriginalTokenID uuid.UUID
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("refresh token replay detected for family %s", e.TokenFamily)
}

// scopePreAuth marks the short-lived token minted between password
// verification and MFA completion. It is never persisted and cannot be used
// as an access or refresh token.
const scopePreAuth = "PRE_AUTH"

// Claims is the signed payload of every token the engine mints.
type Claims struct {
	Realm         string    `json:"rlm"`
	TokenType     string    `json:"typ"`
	Roles         []string  `json:"roles,omitempty"`
	TokenFamily   uuid.UUID `json:"tfam,omitempty"`
	ParentTokenID uuid.UUID `json:"ptid,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Principal is the verified identity extracted from a valid token.
type Principal struct {
	UserID      uuid.UUID
	Realm       string
	Type        storage.TokenType
	Roles       []string
	TokenFamily uuid.UUID
	TokenID     uuid.UUID
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}
