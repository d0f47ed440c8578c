// Package session maintains the per-device session rows that mirror token
// families. Sessions are created and refreshed by token events, never
// directly on the authentication path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/device"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/geo"
	"github.com/aegisid/aegis/internal/storage"
)

// ReasonMaxSessions is the revocation reason written when the oldest session
// is evicted to make room for a new one.
const ReasonMaxSessions = "max_sessions_exceeded"

// Anomaly kinds emitted on session creation.
const (
	AnomalyNewDevice   = "new_device"
	AnomalyNewLocation = "new_location"
)

// ErrSessionNotFound is returned when a session id or token family resolves
// to nothing.
var ErrSessionNotFound = errors.New("session not found")

// Engine owns one realm's session table.
type Engine struct {
	realm  string
	cfg    config.SessionConfig
	store  storage.Store
	bus    *event.Bus
	clock  core.Clock
	logger *slog.Logger
	geo    geo.Lookup
}

// NewEngine builds a session engine and subscribes it to the realm's token
// events. geoLookup may be nil.
func NewEngine(realm string, cfg config.SessionConfig, store storage.Store, bus *event.Bus, clock core.Clock, logger *slog.Logger, geoLookup geo.Lookup) *Engine {
	e := &Engine{
		realm:  realm,
		cfg:    cfg,
		store:  store,
		bus:    bus,
		clock:  clock,
		logger: logger,
		geo:    geoLookup,
	}
	bus.Subscribe(event.TokenIssued, e.handleTokenIssued)
	bus.Subscribe(event.TokenRefreshed, e.handleTokenRefreshed)
	return e
}

func (e *Engine) handleTokenIssued(ev event.Event) {
	data, ok := ev.Data.(event.TokenIssuedData)
	if !ok || !data.Device.Known() {
		return
	}

	ctx := context.Background()
	var loc *geo.Location
	if e.cfg.GeoLookupEnabled && e.geo != nil {
		var err error
		loc, err = e.geo.Lookup(ctx, data.Device.IP)
		if err != nil {
			e.logger.Warn("geo_lookup_failed", "realm", e.realm, "ip", data.Device.IP, "error", err)
		}
	}

	sess := storage.Session{
		ID:             core.NewID(),
		UserID:         data.UserID,
		Realm:          e.realm,
		TokenFamily:    data.TokenFamily,
		Fingerprint:    device.Fingerprint(data.Device.IP, data.Device.UserAgent),
		DeviceName:     device.Name(data.Device.UserAgent),
		IPAddress:      data.Device.IP,
		UserAgent:      data.Device.UserAgent,
		CreatedAt:      data.IssuedAt,
		LastActivityAt: data.IssuedAt,
		ExpiresAt:      data.IssuedAt.Add(e.cfg.SessionExpiration),
		Status:         storage.SessionActive,
	}
	if loc != nil {
		sess.City = loc.City
		sess.Country = loc.Country
		lat, lon := loc.Latitude, loc.Longitude
		sess.Latitude = &lat
		sess.Longitude = &lon
	}

	var prior []storage.Session
	err := e.store.WithTx(ctx, func(st storage.Store) error {
		var err error
		prior, err = st.ListSessionsByUser(ctx, data.UserID)
		if err != nil {
			return err
		}
		if err := e.evictIfFull(ctx, st, data.UserID); err != nil {
			return err
		}
		return st.CreateSession(ctx, sess)
	})
	if err != nil {
		e.logger.Error("session_create_failed", "realm", e.realm, "user_id", data.UserID, "error", err)
		return
	}

	e.detectAnomalies(sess, prior)
}

// evictIfFull revokes and archives the oldest ACTIVE session when the user is
// at the concurrency cap. Runs inside the creation transaction so the cap
// holds at all observable times.
func (e *Engine) evictIfFull(ctx context.Context, st storage.Store, userID uuid.UUID) error {
	if e.cfg.MaxConcurrentSessions <= 0 {
		return nil
	}
	active, err := st.ListActiveSessionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	if len(active) < e.cfg.MaxConcurrentSessions {
		return nil
	}

	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })
	excess := len(active) - e.cfg.MaxConcurrentSessions + 1
	now := e.clock.Now()
	for _, victim := range active[:excess] {
		if err := e.revokeAndArchive(ctx, st, victim.ID, ReasonMaxSessions, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) revokeAndArchive(ctx context.Context, st storage.Store, id uuid.UUID, reason string, now time.Time) error {
	var revoked storage.Session
	err := st.UpdateSession(ctx, id, func(s storage.Session) (storage.Session, error) {
		s.Status = storage.SessionRevoked
		s.RevokedReason = reason
		s.LastActivityAt = now
		s.RevokedAt = &now
		revoked = s
		return s, nil
	})
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	err = st.CreateSessionHistory(ctx, storage.SessionHistoryEntry{Session: revoked, ArchivedAt: now})
	if err != nil && err != storage.ErrAlreadyExists {
		return fmt.Errorf("archiving session: %w", err)
	}

	e.bus.Publish(event.Event{
		Type:   event.SessionRevokedEvt,
		UserID: revoked.UserID,
		Data:   event.SessionRevokedData{UserID: revoked.UserID, SessionID: id, Reason: reason},
	})
	return nil
}

func (e *Engine) handleTokenRefreshed(ev event.Event) {
	data, ok := ev.Data.(event.TokenRefreshedData)
	if !ok {
		return
	}

	ctx := context.Background()
	sess, err := e.store.GetSessionByFamily(ctx, data.TokenFamily)
	if err != nil {
		if err != storage.ErrNotFound {
			e.logger.Warn("session_refresh_lookup_failed", "realm", e.realm, "error", err)
		}
		return
	}

	now := e.clock.Now()
	err = e.store.UpdateSession(ctx, sess.ID, func(s storage.Session) (storage.Session, error) {
		if s.Status != storage.SessionActive {
			return s, nil
		}
		s.LastActivityAt = now
		s.ExpiresAt = now.Add(e.cfg.SessionExpiration)
		return s, nil
	})
	if err != nil {
		e.logger.Warn("session_refresh_update_failed", "realm", e.realm, "session_id", sess.ID, "error", err)
	}
}

// detectAnomalies compares the created session against the user's prior
// sessions. A user's very first session raises nothing.
func (e *Engine) detectAnomalies(created storage.Session, prior []storage.Session) {
	if len(prior) == 0 {
		return
	}

	if e.cfg.Anomaly.DetectNewDevice {
		known := false
		for _, p := range prior {
			if p.Fingerprint == created.Fingerprint {
				known = true
				break
			}
		}
		if !known {
			e.publishAnomaly(created, AnomalyNewDevice, 0)
		}
	}

	if e.cfg.Anomaly.DetectNewLocation && created.Latitude != nil && created.Longitude != nil {
		minDist := -1.0
		for _, p := range prior {
			if p.Latitude == nil || p.Longitude == nil {
				continue
			}
			d := haversineKm(*created.Latitude, *created.Longitude, *p.Latitude, *p.Longitude)
			if minDist < 0 || d < minDist {
				minDist = d
			}
		}
		if minDist > e.cfg.Anomaly.LocationRadiusKm {
			e.publishAnomaly(created, AnomalyNewLocation, minDist)
		}
	}
}

func (e *Engine) publishAnomaly(sess storage.Session, kind string, distanceKm float64) {
	e.logger.Info("session_anomaly",
		"realm", e.realm,
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"kind", kind,
	)
	e.bus.Publish(event.Event{
		Type:   event.SessionAnomaly,
		UserID: sess.UserID,
		Data: event.SessionAnomalyData{
			UserID:     sess.UserID,
			SessionID:  sess.ID,
			Kind:       kind,
			DistanceKm: distanceKm,
		},
	})
}

// Revoke marks one session REVOKED and archives it.
func (e *Engine) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) error {
	now := e.clock.Now()
	err := e.store.WithTx(ctx, func(st storage.Store) error {
		if _, err := st.GetSession(ctx, sessionID); err != nil {
			if err == storage.ErrNotFound {
				return ErrSessionNotFound
			}
			return err
		}
		return e.revokeAndArchive(ctx, st, sessionID, reason, now)
	})
	return err
}

// RevokeByFamily revokes the session backing a token family. Missing
// sessions are a no-op, so logout works for tokens issued without device
// context.
func (e *Engine) RevokeByFamily(ctx context.Context, family uuid.UUID, reason string) error {
	sess, err := e.store.GetSessionByFamily(ctx, family)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	}
	if sess.Status != storage.SessionActive {
		return nil
	}
	return e.Revoke(ctx, sess.ID, reason)
}

// RevokeAll revokes every ACTIVE session of the user.
func (e *Engine) RevokeAll(ctx context.Context, userID uuid.UUID, reason string) error {
	now := e.clock.Now()
	return e.store.WithTx(ctx, func(st storage.Store) error {
		active, err := st.ListActiveSessionsByUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, s := range active {
			if err := e.revokeAndArchive(ctx, st, s.ID, reason, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListActive returns the user's ACTIVE sessions.
func (e *Engine) ListActive(ctx context.Context, userID uuid.UUID) ([]storage.Session, error) {
	return e.store.ListActiveSessionsByUser(ctx, userID)
}

// GetByTokenFamily resolves a session by its token family.
func (e *Engine) GetByTokenFamily(ctx context.Context, family uuid.UUID) (storage.Session, error) {
	sess, err := e.store.GetSessionByFamily(ctx, family)
	if err == storage.ErrNotFound {
		return storage.Session{}, ErrSessionNotFound
	}
	return sess, err
}

// History pages through the user's archived sessions, newest first.
func (e *Engine) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]storage.SessionHistoryEntry, error) {
	return e.store.ListSessionHistoryByUser(ctx, userID, limit, offset)
}
