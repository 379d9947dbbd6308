package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// operatorGuard verifies the actor holds the operator role and owns the game
// being mutated. Operators cannot drive each other's games.
func operatorGuard(game GameView, actor Profile) error {
	if actor.Role != RoleOperator {
		return ErrForbidden
	}
	if game.OperatorID != actor.ID {
		return ErrForbidden
	}
	return nil
}

// resetState is the shape a game returns to after a reset: waiting at round 1
// with cleared timestamps. ResetGame persists exactly these values.
func resetState(game GameView) GameView {
	game.Status = StatusWaiting
	game.CurrentRound = 1
	game.StartedAt = nil
	game.EndedAt = nil
	return game
}

// startGuard holds the preconditions for starting a game, separated from the
// database plumbing so they stay testable.
func startGuard(game GameView, onlinePlayers int) error {
	if game.Status != StatusWaiting {
		return ErrGameNotWaiting
	}
	if onlinePlayers < StartQuorum {
		return &QuorumError{Online: onlinePlayers, Required: StartQuorum}
	}
	return nil
}

// advanceGuard holds the preconditions for moving a game to its next round.
func advanceGuard(game GameView) error {
	if game.Status != StatusActive {
		return ErrGameNotActive
	}
	if game.CurrentRound >= game.TotalRounds {
		return ErrGameEnded
	}
	return nil
}

// CreateGame provisions a new game in the waiting state and pre-seeds round 1
// production and demand. The insert and the seed share one transaction: if
// seeding fails, the game row is rolled back too, so a half-initialized game
// never becomes visible.
func (s *Service) CreateGame(ctx context.Context, actor Profile, totalRounds int) (GameView, error) {
	if actor.Role != RoleOperator {
		return GameView{}, ErrForbidden
	}
	if totalRounds < 1 {
		totalRounds = DefaultTotalRounds
	}
	gameID := uuid.NewString()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GameView{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO games (id, total_rounds, current_round, status, operator_id, created_at)
		VALUES ($1, $2, 0, $3, $4, NOW())
	`, gameID, totalRounds, StatusWaiting, actor.ID)
	if err != nil {
		return GameView{}, err
	}
	if err := s.seedRoundData(ctx, tx, gameID, 1); err != nil {
		s.log.Error("round seed failed, rolling back game", "game_id", gameID, "error", err)
		return GameView{}, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return GameView{}, err
	}

	game, err := s.refreshGame(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	s.logAudit(ctx, actor.ID, "game_created", map[string]any{"game_id": gameID, "total_rounds": totalRounds})
	s.bus.EmitToAll(EventGameStateChanged, game)
	s.log.Info("game created", "game_id", gameID, "total_rounds", totalRounds)
	return game, nil
}

// StartGame flips a waiting game to active, assigns countries to the online
// players in connection order, and opens round 1. Requires the start quorum of
// connected players.
func (s *Service) StartGame(ctx context.Context, actor Profile, gameID string) (GameView, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := operatorGuard(game, actor); err != nil {
		return GameView{}, err
	}
	players := s.store.OnlinePlayers()
	if err := startGuard(game, len(players)); err != nil {
		return GameView{}, err
	}

	type assignment struct {
		userID  string
		country string
	}
	assigned := make([]assignment, 0, len(Countries))
	for i, country := range Countries {
		if i >= len(players) {
			break
		}
		assigned = append(assigned, assignment{userID: players[i].UserID, country: country})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GameView{}, err
	}
	defer tx.Rollback(ctx)

	for _, a := range assigned {
		if _, err := tx.Exec(ctx, `
			UPDATE users SET country = $1, game_id = $2, current_round = 1 WHERE id = $3
		`, a.country, gameID, a.userID); err != nil {
			return GameView{}, err
		}
	}
	_, err = tx.Exec(ctx, `
		UPDATE games SET status = $1, current_round = 1, started_at = NOW() WHERE id = $2
	`, StatusActive, gameID)
	if err != nil {
		return GameView{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO game_rounds (game_id, round_number, status, start_time)
		VALUES ($1, 1, $2, NOW())
		ON CONFLICT (game_id, round_number) DO UPDATE SET status = EXCLUDED.status, start_time = EXCLUDED.start_time
	`, gameID, RoundActive)
	if err != nil {
		return GameView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return GameView{}, err
	}

	// Connected players switch rooms immediately; waiting for a client
	// reconnect would leave them deaf to their own country's events.
	for _, a := range assigned {
		s.store.UpdatePresence(a.userID, func(e *PresenceEntry) {
			e.Country = a.country
			e.GameID = gameID
		})
		s.bus.JoinUser(a.userID, GameRoom(gameID))
		s.bus.JoinUser(a.userID, CountryRoom(a.country))
	}

	game, err = s.refreshGame(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	s.logAudit(ctx, actor.ID, "game_started", map[string]any{"game_id": gameID, "players": len(players)})
	s.bus.EmitToAll(EventGameStateChanged, game)
	if err := s.EmitGameData(ctx, gameID); err != nil {
		s.log.Warn("game data push failed", "game_id", gameID, "error", err)
	}
	s.log.Info("game started", "game_id", gameID, "players", len(players))
	return game, nil
}

// StartNextRound closes the current round and opens the next one with fresh
// production and demand.
func (s *Service) StartNextRound(ctx context.Context, actor Profile, gameID string) (GameView, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := operatorGuard(game, actor); err != nil {
		return GameView{}, err
	}
	if err := advanceGuard(game); err != nil {
		return GameView{}, err
	}
	next := game.CurrentRound + 1

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GameView{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE game_rounds SET status = $1, end_time = NOW()
		WHERE game_id = $2 AND round_number = $3
	`, RoundCompleted, gameID, game.CurrentRound)
	if err != nil {
		return GameView{}, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO game_rounds (game_id, round_number, status, start_time)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (game_id, round_number) DO UPDATE SET status = EXCLUDED.status, start_time = EXCLUDED.start_time
	`, gameID, next, RoundActive)
	if err != nil {
		return GameView{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE games SET current_round = $1 WHERE id = $2
	`, next, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := s.seedRoundData(ctx, tx, gameID, next); err != nil {
		s.log.Error("round seed failed, round not advanced", "game_id", gameID, "round", next, "error", err)
		return GameView{}, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return GameView{}, err
	}

	game, err = s.refreshGame(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	s.logAudit(ctx, actor.ID, "round_started", map[string]any{"game_id": gameID, "round": next})
	s.bus.EmitToAll(EventGameStateChanged, game)
	if err := s.EmitGameData(ctx, gameID); err != nil {
		s.log.Warn("game data push failed", "game_id", gameID, "error", err)
	}
	s.log.Info("round advanced", "game_id", gameID, "round", next)
	return game, nil
}

// EndGame closes the current round and marks the game ended.
func (s *Service) EndGame(ctx context.Context, actor Profile, gameID string) (GameView, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := operatorGuard(game, actor); err != nil {
		return GameView{}, err
	}
	if game.Status == StatusEnded {
		return GameView{}, ErrGameEnded
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GameView{}, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE game_rounds SET status = $1, end_time = NOW()
		WHERE game_id = $2 AND status = $3
	`, RoundCompleted, gameID, RoundActive)
	if err != nil {
		return GameView{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE games SET status = $1, ended_at = NOW() WHERE id = $2
	`, StatusEnded, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return GameView{}, err
	}

	game, err = s.refreshGame(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	s.logAudit(ctx, actor.ID, "game_ended", map[string]any{"game_id": gameID})
	s.bus.EmitToAll(EventGameStateChanged, game)
	s.log.Info("game ended", "game_id", gameID)
	return game, nil
}

// ResetGame wipes a game's rounds, tariffs, production, and demand, returns
// it to the waiting state, and reseeds round 1.
func (s *Service) ResetGame(ctx context.Context, actor Profile, gameID string) (GameView, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := operatorGuard(game, actor); err != nil {
		return GameView{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return GameView{}, err
	}
	defer tx.Rollback(ctx)

	for _, table := range []string{"tariff_rates", "production", "demand", "game_rounds", "chat_messages", "trades"} {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE game_id = $1`, gameID); err != nil {
			return GameView{}, err
		}
	}
	reset := resetState(game)
	_, err = tx.Exec(ctx, `
		UPDATE games SET status = $1, current_round = $2, started_at = NULL, ended_at = NULL WHERE id = $3
	`, reset.Status, reset.CurrentRound, gameID)
	if err != nil {
		return GameView{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE users SET current_round = 1 WHERE game_id = $1
	`, gameID)
	if err != nil {
		return GameView{}, err
	}
	if err := s.seedRoundData(ctx, tx, gameID, 1); err != nil {
		s.log.Error("round seed failed, reset rolled back", "game_id", gameID, "error", err)
		return GameView{}, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return GameView{}, err
	}

	game, err = s.refreshGame(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	s.logAudit(ctx, actor.ID, "game_reset", map[string]any{"game_id": gameID})
	s.bus.EmitToAll(EventGameStateChanged, game)
	if err := s.EmitGameData(ctx, gameID); err != nil {
		s.log.Warn("game data push failed", "game_id", gameID, "error", err)
	}
	s.log.Info("game reset", "game_id", gameID)
	return game, nil
}

// refreshGame reloads the cache after a lifecycle mutation and returns the
// fresh game view.
func (s *Service) refreshGame(ctx context.Context, gameID string) (GameView, error) {
	snap, err := s.refreshSnapshot(ctx, gameID)
	if err != nil {
		return GameView{}, err
	}
	return snap.Game, nil
}

// ActiveRound returns the currently open round for a game.
func (s *Service) ActiveRound(ctx context.Context, gameID string) (RoundView, error) {
	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return RoundView{}, err
	}
	for _, r := range snap.Rounds {
		if r.Status == RoundActive && r.RoundNumber == snap.Game.CurrentRound {
			return r, nil
		}
	}
	return RoundView{}, ErrInvalidRound
}
