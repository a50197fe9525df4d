package engine

import (
	"context"
	"sort"

	"quiz-session-service/internal/domain"
)

// FindOpenSessions lists recently created sessions still waiting for an
// opponent, newest first, for the open-lobby picker.
func (e *Engine) FindOpenSessions(ctx context.Context) ([]domain.Session, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	maxAge := e.cfg.LobbyMaxAge.Milliseconds()

	open := sessions[:0]
	for _, s := range sessions {
		if s.Status == domain.StatusWaiting && now-s.CreatedAt < maxAge {
			open = append(open, s)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt > open[j].CreatedAt
	})
	return open, nil
}

// CleanupStale deletes sessions older than the retention threshold along with
// their join-code entries, and returns how many were removed. The threshold
// is far beyond any realistic session duration, so a live session is never at
// risk. Best-effort maintenance: an error on one session does not stop the
// sweep.
func (e *Engine) CleanupStale(ctx context.Context) (int, error) {
	sessions, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	retention := e.cfg.Retention.Milliseconds()

	removed := 0
	for _, s := range sessions {
		if now-s.CreatedAt <= retention {
			continue
		}
		if err := e.store.Delete(ctx, s.ID); err != nil {
			e.log.Warn().Err(err).Str("session_id", s.ID).Msg("stale session delete failed")
			continue
		}
		if err := e.store.DeleteCode(ctx, s.JoinCode); err != nil {
			e.log.Debug().Err(err).Str("session_id", s.ID).Msg("stale code delete failed")
		}
		removed++
	}
	if removed > 0 {
		e.log.Info().Int("removed", removed).Msg("stale sessions swept")
	}
	return removed, nil
}
