package game

import (
	"context"
	"encoding/json"
	"time"
)

// logAudit records a sensitive action. Auditing never blocks the action that
// triggered it; failures are logged and swallowed.
func (s *Service) logAudit(ctx context.Context, actorID, action string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		s.log.Warn("audit marshal failed", "action", action, "error", err)
		return
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, details, created_at)
		VALUES ($1, $2, $3, NOW())
	`, actorID, action, raw)
	if err != nil {
		s.log.Warn("audit insert failed", "action", action, "error", err)
	}
}

// PruneAuditLogs deletes audit entries older than the retention window.
func (s *Service) PruneAuditLogs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM audit_logs WHERE created_at < $1
	`, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SweepStaleOnline clears online flags for users whose sessions died without
// a clean disconnect (process crash, dropped network).
func (s *Service) SweepStaleOnline(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE users
		SET is_online = FALSE, socket_id = NULL
		WHERE is_online = TRUE AND last_seen_at < $1
	`, time.Now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("cleared stale online flags", "count", n)
	}
	return tag.RowsAffected(), nil
}
