package token

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/crypto"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

const preAuthValidity = 2 * time.Minute

// cfgType maps a storage token kind onto its config key.
func cfgType(t storage.TokenType) config.TokenType {
	if t == storage.TokenRefresh {
		return config.TokenRefresh
	}
	return config.TokenAccess
}

// signingKey pairs an HMAC secret with its key id. The first configured
// secret signs; every configured secret verifies, so realms can rotate
// secrets by prepending a new one and retiring the old after the longest
// token validity has passed. The kid is derived from the secret itself and
// survives reordering.
type signingKey struct {
	kid    string
	secret []byte
}

func keyID(secret string) string {
	return crypto.HashOneWay(secret)[:8]
}

// Engine mints, verifies, and rotates tokens for one realm.
type Engine struct {
	realm  string
	cfg    config.RealmConfig
	store  storage.Store
	bus    *event.Bus
	clock  core.Clock
	logger *slog.Logger
	keys   []signingKey
}

// NewEngine builds a token engine. The realm config must carry at least one
// signing secret.
func NewEngine(realm string, cfg config.RealmConfig, store storage.Store, bus *event.Bus, clock core.Clock, logger *slog.Logger) (*Engine, error) {
	if len(cfg.Secrets) == 0 {
		return nil, fmt.Errorf("realm %q has no signing secrets", realm)
	}
	keys := make([]signingKey, len(cfg.Secrets))
	for i, s := range cfg.Secrets {
		keys[i] = signingKey{kid: keyID(s), secret: []byte(s)}
	}
	return &Engine{
		realm:  realm,
		cfg:    cfg,
		store:  store,
		bus:    bus,
		clock:  clock,
		logger: logger,
		keys:   keys,
	}, nil
}

// Issue mints a fresh token pair for the user under a new token family and
// publishes TokenIssued. Roles are embedded at issuance time.
func (e *Engine) Issue(ctx context.Context, userID uuid.UUID, dev device.Info) (*Pair, error) {
	var pair *Pair
	err := e.store.WithTx(ctx, func(st storage.Store) error {
		user, err := st.GetUser(ctx, userID)
		if err != nil {
			if err == storage.ErrNotFound {
				return ErrUserNotFound
			}
			return fmt.Errorf("loading user: %w", err)
		}

		family := core.NewID()
		pair, err = e.mintPair(ctx, st, user, family, uuid.Nil)
		if err != nil {
			return err
		}

		e.bus.Publish(event.Event{
			Type:   event.TokenIssued,
			UserID: userID,
			Data: event.TokenIssuedData{
				UserID:      userID,
				TokenFamily: family,
				Roles:       user.Roles,
				Device:      dev,
				IssuedAt:    e.clock.Now(),
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Verify validates the token string against the expected type. It returns
// nil on any mismatch: bad signature, foreign realm, expiry, wrong type, or
// a revoked or missing persisted hash.
func (e *Engine) Verify(ctx context.Context, tokenString string, want storage.TokenType) *Principal {
	claims, err := e.parse(tokenString)
	if err != nil {
		return nil
	}
	if claims.Realm != e.realm || claims.TokenType != string(want) {
		return nil
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil
	}

	if e.cfg.TokenPersistence[cfgType(want)] {
		stored, err := e.store.GetTokenByHash(ctx, crypto.HashOneWay(tokenString))
		if err != nil || stored.Revoked {
			return nil
		}
		// A rotated-away refresh token stays redeemable only inside the
		// grace period.
		if want == storage.TokenRefresh && e.cfg.TokenRotation.Enabled && stored.FirstUsedAt != nil &&
			e.clock.Now().Sub(*stored.FirstUsedAt) > e.cfg.TokenRotation.GracePeriod {
			return nil
		}
	}

	return &Principal{
		UserID:      userID,
		Realm:       claims.Realm,
		Type:        want,
		Roles:       claims.Roles,
		TokenFamily: claims.TokenFamily,
		TokenID:     tokenID,
	}
}

// Refresh exchanges a refresh token for a new pair, applying the realm's
// rotation policy. The persistence writes and event publications commit
// atomically with the rotation decision.
func (e *Engine) Refresh(ctx context.Context, userID uuid.UUID, refreshString string, dev device.Info) (*Pair, error) {
	claims, err := e.parse(refreshString)
	if err != nil {
		return nil, ErrSuspiciousToken
	}
	if claims.Realm != e.realm || claims.TokenType != string(storage.TokenRefresh) || claims.Subject != userID.String() {
		return nil, ErrSuspiciousToken
	}

	rotation := e.cfg.TokenRotation
	now := e.clock.Now()

	var pair *Pair
	var replay *ReplayError
	err = e.store.WithTx(ctx, func(st storage.Store) error {
		presented, err := st.GetTokenByHash(ctx, crypto.HashOneWay(refreshString))
		if err != nil {
			if err == storage.ErrNotFound {
				return ErrSuspiciousToken
			}
			return fmt.Errorf("loading refresh token: %w", err)
		}
		if presented.Revoked || presented.UserID != userID {
			return ErrSuspiciousToken
		}

		user, err := st.GetUser(ctx, userID)
		if err != nil {
			if err == storage.ErrNotFound {
				return ErrSuspiciousToken
			}
			return fmt.Errorf("loading user: %w", err)
		}

		switch {
		case presented.FirstUsedAt == nil:
			// First consumption. The Revoked flag stays clear so a grace
			// retry is distinguishable from a token revoked outright.
			if err := st.UpdateToken(ctx, presented.ID, func(tok storage.StoredToken) (storage.StoredToken, error) {
				tok.FirstUsedAt = &now
				tok.LastUsedAt = &now
				return tok, nil
			}); err != nil {
				return fmt.Errorf("consuming refresh token: %w", err)
			}

		case !rotation.Enabled || now.Sub(*presented.FirstUsedAt) <= rotation.GracePeriod:
			// Idempotent retry inside the grace period: a fresh pair, no
			// second revocation, no replay.
			if err := st.UpdateToken(ctx, presented.ID, func(tok storage.StoredToken) (storage.StoredToken, error) {
				tok.LastUsedAt = &now
				return tok, nil
			}); err != nil {
				return fmt.Errorf("touching refresh token: %w", err)
			}

		default:
			e.logger.Warn("refresh_token_replay",
				"realm", e.realm,
				"user_id", userID,
				"token_family", presented.TokenFamily,
			)
			e.bus.Publish(event.Event{
				Type:   event.TokenReplayDetected,
				UserID: userID,
				Data: event.TokenReplayData{
					UserID:          userID,
					TokenFamily:     presented.TokenFamily,
					OriginalTokenID: presented.ID,
				},
			})
			if rotation.RevokeFamilyOnReplay {
				if _, err := st.RevokeTokensByFamily(ctx, presented.TokenFamily); err != nil {
					return fmt.Errorf("revoking token family: %w", err)
				}
			}
			// Returning an error here would roll the revocation back. The
			// transaction commits and the replay surfaces afterwards.
			replay = &ReplayError{TokenFamily: presented.TokenFamily, OriginalTokenID: presented.ID}
			return nil
		}

		pair, err = e.mintPair(ctx, st, user, presented.TokenFamily, presented.ID)
		if err != nil {
			return err
		}

		e.bus.Publish(event.Event{
			Type:   event.TokenRefreshed,
			UserID: userID,
			Data: event.TokenRefreshedData{
				UserID:      userID,
				TokenFamily: presented.TokenFamily,
				Device:      dev,
				RefreshedAt: now,
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return nil, replay
	}
	return pair, nil
}

// RevokeToken marks the persisted hash of the token revoked, or deletes the
// row outright when delete is set. Unknown tokens are a no-op.
func (e *Engine) RevokeToken(ctx context.Context, tokenString string, delete bool) error {
	hash := crypto.HashOneWay(tokenString)
	stored, err := e.store.GetTokenByHash(ctx, hash)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("loading token: %w", err)
	}
	if delete {
		return e.store.DeleteToken(ctx, stored.ID)
	}
	return e.store.UpdateToken(ctx, stored.ID, func(tok storage.StoredToken) (storage.StoredToken, error) {
		tok.Revoked = true
		return tok, nil
	})
}

// RevokeAllForUser marks every stored token for the user as revoked and
// publishes TokenRevoked.
func (e *Engine) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason string) error {
	if _, err := e.store.RevokeTokensByUser(ctx, userID); err != nil {
		return fmt.Errorf("revoking user tokens: %w", err)
	}
	e.bus.Publish(event.Event{
		Type:   event.TokenRevoked,
		UserID: userID,
		Data:   event.TokenRevokedData{UserID: userID, Reason: reason},
	})
	return nil
}

// RevokeFamily marks every token in the family as revoked and publishes
// TokenRevoked.
func (e *Engine) RevokeFamily(ctx context.Context, userID, family uuid.UUID, reason string) error {
	if _, err := e.store.RevokeTokensByFamily(ctx, family); err != nil {
		return fmt.Errorf("revoking token family: %w", err)
	}
	e.bus.Publish(event.Event{
		Type:   event.TokenRevoked,
		UserID: userID,
		Data:   event.TokenRevokedData{UserID: userID, TokenFamily: family, Reason: reason},
	})
	return nil
}

// IssuePreAuth mints the short-lived token handed out after password
// verification when the realm requires a second factor. It carries no roles
// and is never persisted.
func (e *Engine) IssuePreAuth(userID uuid.UUID) (string, error) {
	now := e.clock.Now()
	claims := Claims{
		Realm:     e.realm,
		TokenType: scopePreAuth,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        core.NewID().String(),
			Subject:   userID.String(),
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(preAuthValidity)),
		},
	}
	return e.sign(claims)
}

// VerifyPreAuth validates a pre-auth token and returns its subject, or
// uuid.Nil when the token is not a live pre-auth token of this realm.
func (e *Engine) VerifyPreAuth(tokenString string) uuid.UUID {
	claims, err := e.parse(tokenString)
	if err != nil {
		return uuid.Nil
	}
	if claims.Realm != e.realm || claims.TokenType != scopePreAuth {
		return uuid.Nil
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil
	}
	return userID
}

// mintPair signs an access/refresh pair for the user under the given family
// and persists hashes for the types the realm persists.
func (e *Engine) mintPair(ctx context.Context, st storage.Store, user storage.User, family, parentID uuid.UUID) (*Pair, error) {
	now := e.clock.Now()
	accessExp := now.Add(e.cfg.TokenValidity[config.TokenAccess])
	refreshExp := now.Add(e.cfg.TokenValidity[config.TokenRefresh])

	accessID := core.NewID()
	access, err := e.sign(Claims{
		Realm:     e.realm,
		TokenType: string(storage.TokenAccess),
		Roles:     user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        accessID.String(),
			Subject:   user.ID.String(),
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessExp),
		},
	})
	if err != nil {
		return nil, err
	}

	refreshID := core.NewID()
	refresh, err := e.sign(Claims{
		Realm:         e.realm,
		TokenType:     string(storage.TokenRefresh),
		TokenFamily:   family,
		ParentTokenID: parentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshID.String(),
			Subject:   user.ID.String(),
			Issuer:    e.cfg.Issuer,
			Audience:  jwt.ClaimStrings{e.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(refreshExp),
		},
	})
	if err != nil {
		return nil, err
	}

	if e.cfg.TokenPersistence[config.TokenAccess] {
		err := st.CreateToken(ctx, storage.StoredToken{
			ID:        accessID,
			UserID:    user.ID,
			Realm:     e.realm,
			TokenHash: crypto.HashOneWay(access),
			Type:      storage.TokenAccess,
			CreatedAt: now,
			ExpiresAt: accessExp,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting access token: %w", err)
		}
	}
	if e.cfg.TokenPersistence[config.TokenRefresh] {
		err := st.CreateToken(ctx, storage.StoredToken{
			ID:            refreshID,
			UserID:        user.ID,
			Realm:         e.realm,
			TokenHash:     crypto.HashOneWay(refresh),
			Type:          storage.TokenRefresh,
			TokenFamily:   family,
			ParentTokenID: parentID,
			CreatedAt:     now,
			ExpiresAt:     refreshExp,
		})
		if err != nil {
			return nil, fmt.Errorf("persisting refresh token: %w", err)
		}
	}

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (e *Engine) sign(claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = e.keys[0].kid
	signed, err := tok.SignedString(e.keys[0].secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// parse validates signature, issuer, audience, and the time claims against
// the engine clock. The kid header selects the verification key.
func (e *Engine) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, e.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(e.cfg.Issuer),
		jwt.WithAudience(e.cfg.Audience),
		jwt.WithTimeFunc(e.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (e *Engine) keyFunc(tok *jwt.Token) (any, error) {
	if kid, ok := tok.Header["kid"].(string); ok {
		for _, k := range e.keys {
			if k.kid == kid {
				return k.secret, nil
			}
		}
	}
	return nil, fmt.Errorf("no signing key for token")
}
