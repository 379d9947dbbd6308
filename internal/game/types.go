package game

import (
	"encoding/json"
	"time"
)

type Profile struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	Country      string `json:"country,omitempty"`
	GameID       string `json:"game_id,omitempty"`
	CurrentRound int    `json:"current_round"`
	IsOnline     bool   `json:"is_online"`
}

type GameView struct {
	ID           string     `json:"id"`
	TotalRounds  int        `json:"total_rounds"`
	CurrentRound int        `json:"current_round"`
	Status       string     `json:"status"`
	OperatorID   string     `json:"operator_id"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

type RoundView struct {
	GameID      string     `json:"game_id"`
	RoundNumber int        `json:"round_number"`
	Status      string     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

type ProductionRecord struct {
	GameID      string `json:"game_id"`
	RoundNumber int    `json:"round_number"`
	Country     string `json:"country"`
	Product     string `json:"product"`
	Quantity    int    `json:"quantity"`
}

type DemandRecord struct {
	GameID      string `json:"game_id"`
	RoundNumber int    `json:"round_number"`
	Country     string `json:"country"`
	Product     string `json:"product"`
	Quantity    int    `json:"quantity"`
}

type TariffRate struct {
	ID                int64     `json:"id"`
	GameID            string    `json:"game_id"`
	RoundNumber       int       `json:"round_number"`
	Product           string    `json:"product"`
	FromCountry       string    `json:"from_country"`
	ToCountry         string    `json:"to_country"`
	Rate              float64   `json:"rate"`
	SubmittedBy       string    `json:"submitted_by"`
	SubmittedAt       time.Time `json:"submitted_at"`
	SubmitterUsername string    `json:"submitter_username,omitempty"`
	SubmitterCountry  string    `json:"submitter_country,omitempty"`
}

type TariffChange struct {
	Product   string  `json:"product"`
	ToCountry string  `json:"to_country"`
	Rate      float64 `json:"rate"`
}

// TariffChangeResult mirrors one input change. Either Success/Action/Rate are
// set, or Error carries a human-readable rejection; failed changes never abort
// the remainder of the batch.
type TariffChangeResult struct {
	Product   string  `json:"product"`
	ToCountry string  `json:"to_country"`
	Rate      float64 `json:"rate,omitempty"`
	Success   bool    `json:"success,omitempty"`
	Action    string  `json:"action,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type TariffFilter struct {
	RoundNumber int
	Product     string
	FromCountry string
	ToCountry   string
}

type Submitter struct {
	Username string `json:"username"`
	Country  string `json:"country,omitempty"`
}

// HistoryEntry groups one country's tariffs for one round. The tariffs map is
// keyed by product; later submissions for the same product overwrite earlier
// ones (last write wins by submission time).
type HistoryEntry struct {
	Round       int                      `json:"round"`
	Country     string                   `json:"country"`
	Submitter   Submitter                `json:"submitter"`
	Tariffs     map[string]HistoryTariff `json:"tariffs"`
	SubmittedAt time.Time                `json:"submittedAt"`
}

type HistoryTariff struct {
	ToCountry string  `json:"toCountry"`
	Rate      float64 `json:"rate"`
}

type MatrixCell struct {
	Rate        float64 `json:"rate"`
	RoundNumber int     `json:"roundNumber"`
}

// TariffMatrix maps fromCountry -> toCountry -> active rate for one product.
type TariffMatrix map[string]map[string]MatrixCell

type TariffStatus struct {
	CanSubmitTariffs  bool         `json:"can_submit_tariffs"`
	Reason            string       `json:"reason,omitempty"`
	ProducedProducts  []string     `json:"produced_products,omitempty"`
	SubmittedProducts []string     `json:"submitted_products,omitempty"`
	CurrentTariffs    []TariffRate `json:"current_tariffs,omitempty"`
}

type ChatMessage struct {
	ID               int64     `json:"id"`
	GameID           string    `json:"game_id"`
	SenderID         string    `json:"sender_id"`
	SenderCountry    string    `json:"sender_country"`
	MessageType      string    `json:"message_type"`
	RecipientCountry string    `json:"recipient_country,omitempty"`
	Content          string    `json:"content"`
	SentAt           time.Time `json:"sent_at"`
}

type Trade struct {
	TradeID     string          `json:"trade_id"`
	GameID      string          `json:"game_id"`
	FromUserID  string          `json:"from_user_id"`
	ToUserID    string          `json:"to_user_id"`
	Offer       json.RawMessage `json:"offer"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	RespondedAt *time.Time      `json:"responded_at,omitempty"`
}

// GameData is the operator-facing full dump of a game.
type GameData struct {
	Game        GameView           `json:"game"`
	Rounds      []RoundView        `json:"rounds"`
	Production  []ProductionRecord `json:"production"`
	Demand      []DemandRecord     `json:"demand"`
	TariffRates []TariffRate       `json:"tariff_rates"`
}

// PlayerGameData narrows GameData to one player's country.
type PlayerGameData struct {
	Country     string             `json:"country"`
	Production  []ProductionRecord `json:"production"`
	Demand      []DemandRecord     `json:"demand"`
	TariffRates []TariffRate       `json:"tariff_rates"`
}
