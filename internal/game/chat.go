package game

import (
	"context"
	"fmt"
	"strings"
)

const maxChatLength = 2000

// SendChatMessage persists and delivers a message. Group messages reach the
// whole game room; private messages reach the recipient country's room plus
// an echo back to the sender.
func (s *Service) SendChatMessage(ctx context.Context, actor Profile, gameID, scope, recipientCountry, content string) (ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return ChatMessage{}, fmt.Errorf("empty message")
	}
	if len(content) > maxChatLength {
		return ChatMessage{}, fmt.Errorf("message exceeds %d characters", maxChatLength)
	}
	if !ValidChatScope(scope) {
		return ChatMessage{}, fmt.Errorf("unknown message scope %q", scope)
	}
	if actor.Country == "" && actor.Role != RoleOperator {
		return ChatMessage{}, ErrCountryNotAssigned
	}
	if scope == ChatScopePrivate {
		if !ValidCountry(recipientCountry) {
			return ChatMessage{}, fmt.Errorf("unknown recipient country %q", recipientCountry)
		}
		if recipientCountry == actor.Country {
			return ChatMessage{}, fmt.Errorf("cannot message own country")
		}
	} else {
		recipientCountry = ""
	}
	if _, err := s.gameByID(ctx, gameID); err != nil {
		return ChatMessage{}, err
	}

	var recipient *string
	if recipientCountry != "" {
		recipient = &recipientCountry
	}
	var msg ChatMessage
	var storedRecipient *string
	err := s.db.QueryRow(ctx, `
		INSERT INTO chat_messages (game_id, sender_id, sender_country, message_type, recipient_country, content, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, game_id, sender_id, sender_country, message_type, recipient_country, content, sent_at
	`, gameID, actor.ID, actor.Country, scope, recipient, content).Scan(
		&msg.ID, &msg.GameID, &msg.SenderID, &msg.SenderCountry, &msg.MessageType, &storedRecipient, &msg.Content, &msg.SentAt)
	if err != nil {
		return ChatMessage{}, err
	}
	if storedRecipient != nil {
		msg.RecipientCountry = *storedRecipient
	}

	if scope == ChatScopeGroup {
		s.bus.EmitToRoom(GameRoom(gameID), EventNewMessage, msg)
	} else {
		s.bus.EmitToRoom(CountryRoom(msg.RecipientCountry), EventNewMessage, msg)
		s.bus.EmitToUser(actor.ID, EventNewMessage, msg)
	}
	return msg, nil
}

// ChatMessages lists a game's messages visible to the actor, oldest first.
// Players see group traffic plus private threads touching their country;
// operators see everything.
func (s *Service) ChatMessages(ctx context.Context, actor Profile, gameID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	query := `
		SELECT id, game_id, sender_id, sender_country, message_type, recipient_country, content, sent_at
		FROM chat_messages
		WHERE game_id = $1`
	args := []any{gameID}
	if actor.Role != RoleOperator {
		args = append(args, actor.Country)
		query += ` AND (message_type = 'group' OR sender_country = $2 OR recipient_country = $2)`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY sent_at ASC LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		var recipient *string
		if err := rows.Scan(&m.ID, &m.GameID, &m.SenderID, &m.SenderCountry, &m.MessageType, &recipient, &m.Content, &m.SentAt); err != nil {
			return nil, err
		}
		if recipient != nil {
			m.RecipientCountry = *recipient
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
