package engine

import (
	"context"
	"time"

	"quiz-session-service/internal/domain"
)

// RunPresence refreshes the participant's own liveness fields on the
// heartbeat interval until ctx is cancelled, then makes a best-effort attempt
// to mark the participant disconnected. A missed disconnect mark is a UX
// delay, not a correctness failure: peers fall back to the liveness
// threshold.
func (e *Engine) RunPresence(ctx context.Context, sessionID, participantID string) {
	ticker := e.clock.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()

	prefix := "participants." + participantID + "."
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.MarkDisconnected(dctx, sessionID, participantID); err != nil {
				e.log.Debug().Err(err).Str("session_id", sessionID).Msg("disconnect mark failed")
			}
			return
		case <-ticker.Chan():
			err := e.store.WritePartial(ctx, sessionID, map[string]any{
				prefix + "isConnected": true,
				prefix + "lastSeenAt":  e.now(),
			})
			if err != nil {
				// Transient store trouble; the next tick retries.
				e.log.Debug().Err(err).Str("session_id", sessionID).Msg("heartbeat write failed")
			}
		}
	}
}

// MarkDisconnected records that the participant's client went away. The
// participant stays in the session; host-paced runs continue without them.
func (e *Engine) MarkDisconnected(ctx context.Context, sessionID, participantID string) error {
	prefix := "participants." + participantID + "."
	return e.store.WritePartial(ctx, sessionID, map[string]any{
		prefix + "isConnected": false,
		prefix + "lastSeenAt":  e.now(),
	})
}

// Online reports whether a participant's heartbeat is recent enough to treat
// them as present.
func (e *Engine) Online(p domain.Participant) bool {
	return e.now()-p.LastSeenAt < e.cfg.LivenessThreshold.Milliseconds()
}
