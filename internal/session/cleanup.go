package session

import (
	"context"
	"time"

	"github.com/aegisid/aegis/internal/storage"
)

// Run executes the cleanup loop until ctx is cancelled. One loop runs per
// realm; concurrent runs stay correct because archiving is keyed by session
// id and cannot double-insert.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("session_cleanup_failed", "realm", e.realm, "error", err)
			}
		}
	}
}

// Cleanup performs one pass: expire overdue ACTIVE sessions, archive and
// delete terminated rows, and prune history past its retention.
func (e *Engine) Cleanup(ctx context.Context) error {
	now := e.clock.Now()

	err := e.store.WithTx(ctx, func(st storage.Store) error {
		overdue, err := st.ListSessionsExpiringBefore(ctx, e.realm, now)
		if err != nil {
			return err
		}
		for _, s := range overdue {
			if s.Status != storage.SessionActive {
				continue
			}
			err := st.UpdateSession(ctx, s.ID, func(s storage.Session) (storage.Session, error) {
				s.Status = storage.SessionExpired
				return s, nil
			})
			if err != nil {
				return err
			}
		}

		for _, status := range []storage.SessionStatus{storage.SessionExpired, storage.SessionRevoked} {
			terminated, err := st.ListSessionsByStatus(ctx, e.realm, status)
			if err != nil {
				return err
			}
			for _, s := range terminated {
				err := st.CreateSessionHistory(ctx, storage.SessionHistoryEntry{Session: s, ArchivedAt: now})
				if err != nil && err != storage.ErrAlreadyExists {
					return err
				}
				if err := st.DeleteSession(ctx, s.ID); err != nil && err != storage.ErrNotFound {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	pruned, err := e.store.DeleteSessionHistoryBefore(ctx, e.realm, now.Add(-e.cfg.SessionHistoryRetention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		e.logger.Info("session_history_pruned", "realm", e.realm, "rows", pruned)
	}
	return nil
}
