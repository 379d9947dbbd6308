package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame for both directions of the socket. Every frame
// carries a type tag; the payload shape is determined by the tag alone.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound frame types accepted from clients.
const (
	inSendMessage     = "sendMessage"
	inProposeTrade    = "proposeTrade"
	inRespondTrade    = "respondTrade"
	inReconnect       = "reconnectRequest"
	inPlayerRound     = "playerRoundUpdate"
	inRoundTimer      = "roundTimerUpdate"
	inRefreshGameData = "refreshGameData"
)

type sendMessagePayload struct {
	GameID           string `json:"game_id"`
	Scope            string `json:"scope"`
	RecipientCountry string `json:"recipient_country,omitempty"`
	Content          string `json:"content"`
}

type proposeTradePayload struct {
	GameID   string          `json:"game_id"`
	ToUserID string          `json:"to_user_id"`
	Offer    json.RawMessage `json:"offer"`
}

type respondTradePayload struct {
	TradeID string `json:"trade_id"`
	Accept  bool   `json:"accept"`
}

type playerRoundPayload struct {
	GameID      string `json:"game_id"`
	RoundNumber int    `json:"round_number"`
}

type roundTimerPayload struct {
	GameID           string `json:"game_id"`
	RoundNumber      int    `json:"round_number"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

type refreshPayload struct {
	GameID string `json:"game_id"`
}

// decodePayload unmarshals an envelope payload strictly: unknown fields are
// rejected so client bugs surface immediately instead of being silently
// dropped.
func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}
