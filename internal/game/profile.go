package game

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProfileByID returns the application profile for a verified auth identity.
func (s *Service) ProfileByID(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	var country, gameID *string
	err := s.db.QueryRow(ctx, `
		SELECT id, username, role, country, game_id, current_round, is_online
		FROM users
		WHERE id = $1
	`, userID).Scan(&p.ID, &p.Username, &p.Role, &country, &gameID, &p.CurrentRound, &p.IsOnline)
	if err == pgx.ErrNoRows {
		return p, ErrProfileNotFound
	}
	if err != nil {
		return p, err
	}
	if country != nil {
		p.Country = *country
	}
	if gameID != nil {
		p.GameID = *gameID
	}
	return p, nil
}

// GetOrCreateProfile resolves the profile for an authenticated identity,
// provisioning one on first login. A fresh profile gets the operator role only
// when the login email is on the configured operator allowlist; everyone else
// starts as a player.
func (s *Service) GetOrCreateProfile(ctx context.Context, userID, email, preferredUsername string) (Profile, error) {
	p, err := s.ProfileByID(ctx, userID)
	if err == nil {
		return p, nil
	}
	if err != ErrProfileNotFound {
		return Profile{}, err
	}

	username := sanitizeUsername(preferredUsername)
	if preferredUsername == "" {
		username = usernameFromEmail(email)
	}
	role := RolePlayer
	if _, ok := s.operatorEmails[normalizeEmail(email)]; ok {
		role = RoleOperator
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO users (id, username, email, role, current_round, is_online, created_at)
		VALUES ($1, $2, $3, $4, 1, FALSE, NOW())
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, username, role, current_round, is_online
	`, userID, username, normalizeEmail(email), role).Scan(&p.ID, &p.Username, &p.Role, &p.CurrentRound, &p.IsOnline)
	if err != nil {
		return Profile{}, fmt.Errorf("provision profile: %w", err)
	}
	s.log.Info("profile provisioned", "user_id", userID, "username", p.Username, "role", p.Role)
	return p, nil
}

// PromoteToOperator elevates a player. Only an existing operator may call it.
func (s *Service) PromoteToOperator(ctx context.Context, actor Profile, targetUserID string) (Profile, error) {
	if actor.Role != RoleOperator {
		return Profile{}, ErrForbidden
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET role = $1 WHERE id = $2
	`, RoleOperator, targetUserID)
	if err != nil {
		return Profile{}, err
	}
	if tag.RowsAffected() == 0 {
		return Profile{}, ErrProfileNotFound
	}
	s.logAudit(ctx, actor.ID, "user_promoted", map[string]any{"target": targetUserID})
	return s.ProfileByID(ctx, targetUserID)
}

// ListUsers returns every profile. Operator only.
func (s *Service) ListUsers(ctx context.Context, actor Profile) ([]Profile, error) {
	if actor.Role != RoleOperator {
		return nil, ErrForbidden
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, username, role, country, game_id, current_round, is_online
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Profile, 0)
	for rows.Next() {
		var p Profile
		var country, gameID *string
		if err := rows.Scan(&p.ID, &p.Username, &p.Role, &country, &gameID, &p.CurrentRound, &p.IsOnline); err != nil {
			return nil, err
		}
		if country != nil {
			p.Country = *country
		}
		if gameID != nil {
			p.GameID = *gameID
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetOnline flips the persisted online flag and records the socket that owns
// the session. last_seen_at lets the worker sweep flags orphaned by a crash.
func (s *Service) SetOnline(ctx context.Context, userID, socketID string, online bool) error {
	var sock *string
	if online {
		sock = &socketID
	}
	_, err := s.db.Exec(ctx, `
		UPDATE users SET is_online = $1, socket_id = $2, last_seen_at = NOW() WHERE id = $3
	`, online, sock, userID)
	return err
}

// UpdatePlayerRound records how far a player has progressed through the
// current game. The value is clamped to the game's round bounds.
func (s *Service) UpdatePlayerRound(ctx context.Context, userID string, gameID string, roundNumber int) error {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return err
	}
	if roundNumber < 1 || roundNumber > game.TotalRounds {
		return ErrInvalidRound
	}
	_, err = s.db.Exec(ctx, `
		UPDATE users SET current_round = $1 WHERE id = $2
	`, roundNumber, userID)
	if err != nil {
		return err
	}
	s.bus.EmitToRoom(OperatorsRoom, EventRoundUpdated, map[string]any{
		"user_id":      userID,
		"game_id":      gameID,
		"round_number": roundNumber,
	})
	return nil
}

// HandleConnect registers a live socket session. It marks the profile online,
// adds it to the presence set, and announces the status change.
func (s *Service) HandleConnect(ctx context.Context, p Profile, socketID string) error {
	if err := s.SetOnline(ctx, p.ID, socketID, true); err != nil {
		return err
	}
	s.store.AddPresence(PresenceEntry{
		UserID:      p.ID,
		Username:    p.Username,
		Country:     p.Country,
		Role:        p.Role,
		GameID:      p.GameID,
		ConnectedAt: time.Now(),
	})
	s.bus.EmitToAll(EventUserStatusUpdate, map[string]any{
		"user_id":  p.ID,
		"username": p.Username,
		"country":  p.Country,
		"online":   true,
	})
	s.bus.EmitToAll(EventOnlineUsers, s.store.OnlineUsers())
	s.log.Info("user connected", "user_id", p.ID, "username", p.Username, "socket_id", socketID)
	return nil
}

// HandleDisconnect is the inverse of HandleConnect. Best-effort: the session
// is already gone, so failures are logged rather than returned to a caller
// that cannot act on them.
func (s *Service) HandleDisconnect(ctx context.Context, p Profile, socketID string) {
	if err := s.SetOnline(ctx, p.ID, socketID, false); err != nil {
		s.log.Warn("mark offline failed", "user_id", p.ID, "error", err)
	}
	s.store.RemovePresence(p.ID)
	s.bus.EmitToAll(EventUserStatusUpdate, map[string]any{
		"user_id":  p.ID,
		"username": p.Username,
		"country":  p.Country,
		"online":   false,
	})
	s.bus.EmitToAll(EventOnlineUsers, s.store.OnlineUsers())
	s.log.Info("user disconnected", "user_id", p.ID, "username", p.Username)
}
