package game

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProposeTrade records a trade offer and notifies the target player. The row
// is durable before the notification goes out, so a missed push can always be
// recovered from the pending list.
func (s *Service) ProposeTrade(ctx context.Context, actor Profile, gameID, toUserID string, offer json.RawMessage) (Trade, error) {
	if actor.Country == "" {
		return Trade{}, ErrCountryNotAssigned
	}
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return Trade{}, err
	}
	if game.Status != StatusActive {
		return Trade{}, ErrGameNotActive
	}
	if _, err := s.ProfileByID(ctx, toUserID); err != nil {
		return Trade{}, err
	}
	if len(offer) == 0 {
		offer = json.RawMessage(`{}`)
	}

	t := Trade{
		TradeID:    uuid.NewString(),
		GameID:     gameID,
		FromUserID: actor.ID,
		ToUserID:   toUserID,
		Offer:      offer,
		Status:     TradePending,
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO trades (trade_id, game_id, from_user_id, to_user_id, offer, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at
	`, t.TradeID, t.GameID, t.FromUserID, t.ToUserID, t.Offer, t.Status).Scan(&t.CreatedAt)
	if err != nil {
		return Trade{}, err
	}

	s.bus.EmitToUser(toUserID, EventTradeProposal, t)
	s.log.Info("trade proposed", "trade_id", t.TradeID, "from", actor.ID, "to", toUserID)
	return t, nil
}

// RespondToTrade settles a pending trade. Only the targeted player may
// respond, and only while the trade is still pending.
func (s *Service) RespondToTrade(ctx context.Context, actor Profile, tradeID string, accept bool) (Trade, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Trade{}, err
	}
	defer tx.Rollback(ctx)

	var t Trade
	err = tx.QueryRow(ctx, `
		SELECT trade_id, game_id, from_user_id, to_user_id, offer, status, created_at
		FROM trades
		WHERE trade_id = $1
		FOR UPDATE
	`, tradeID).Scan(&t.TradeID, &t.GameID, &t.FromUserID, &t.ToUserID, &t.Offer, &t.Status, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return Trade{}, ErrTradeNotFound
	}
	if err != nil {
		return Trade{}, err
	}
	if t.ToUserID != actor.ID {
		return Trade{}, ErrForbidden
	}
	if t.Status != TradePending {
		return Trade{}, ErrTradeNotFound
	}

	status := TradeRejected
	if accept {
		status = TradeAccepted
	}
	var respondedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE trades SET status = $1, responded_at = NOW() WHERE trade_id = $2
		RETURNING responded_at
	`, status, tradeID).Scan(&respondedAt)
	if err != nil {
		return Trade{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Trade{}, err
	}
	t.Status = status
	t.RespondedAt = &respondedAt

	event := EventTradeRejected
	if accept {
		event = EventTradeAccepted
	}
	s.bus.EmitToUser(t.FromUserID, event, t)
	s.bus.EmitToUser(t.ToUserID, event, t)
	s.logAudit(ctx, actor.ID, "trade_"+status, map[string]any{"trade_id": tradeID})
	return t, nil
}

// PendingTrades lists open offers addressed to the actor, oldest first.
func (s *Service) PendingTrades(ctx context.Context, actor Profile, gameID string) ([]Trade, error) {
	rows, err := s.db.Query(ctx, `
		SELECT trade_id, game_id, from_user_id, to_user_id, offer, status, created_at
		FROM trades
		WHERE game_id = $1 AND to_user_id = $2 AND status = $3
		ORDER BY created_at ASC
	`, gameID, actor.ID, TradePending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Trade, 0)
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.TradeID, &t.GameID, &t.FromUserID, &t.ToUserID, &t.Offer, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ExpireStaleTrades marks pending trades older than ttl as expired. Run by
// the worker.
func (s *Service) ExpireStaleTrades(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE trades SET status = $1, responded_at = NOW()
		WHERE status = $2 AND created_at < $3
	`, TradeExpired, TradePending, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("expired stale trades", "count", n)
	}
	return tag.RowsAffected(), nil
}
