package game

import (
	"errors"
	"fmt"
	"strings"
)

// Fixed roster of participant countries and tradeable products. Every game is
// seeded from these two lists; tariff submissions are validated against them.
var (
	Countries = []string{"USA", "China", "Germany", "Japan", "India"}
	Products  = []string{"Steel", "Grain", "Oil", "Electronics", "Textiles"}
)

const (
	RoleOperator = "operator"
	RolePlayer   = "player"

	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"

	RoundActive    = "active"
	RoundCompleted = "completed"

	// DefaultTotalRounds applies when a game is created without an explicit
	// round count.
	DefaultTotalRounds = 5

	// StartQuorum is the minimum number of online players required before the
	// operator may start a game.
	StartQuorum = 5

	MinTariffRate = float64(0)
	MaxTariffRate = float64(100)

	// Actions reported back per tariff change.
	ActionCreated = "created"
	ActionUpdated = "updated"

	ChatScopeGroup   = "group"
	ChatScopePrivate = "private"

	TradePending  = "pending"
	TradeAccepted = "accepted"
	TradeRejected = "rejected"
	TradeExpired  = "expired"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrForbidden            = errors.New("forbidden")
	ErrProfileNotFound      = errors.New("profile not found")
	ErrGameNotFound         = errors.New("game not found")
	ErrGameNotActive        = errors.New("game is not active")
	ErrGameNotWaiting       = errors.New("game has already started")
	ErrGameEnded            = errors.New("game has already ended")
	ErrInitializationFailed = errors.New("game data initialization failed")
	ErrCountryNotAssigned   = errors.New("player country not assigned")
	ErrInvalidRound         = errors.New("round number must be >= 1")
	ErrTradeNotFound        = errors.New("trade not found")
)

// QuorumError reports how many players were online versus required when a
// start attempt is rejected.
type QuorumError struct {
	Online   int
	Required int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("need %d players online, currently have %d", e.Required, e.Online)
}

func ValidCountry(name string) bool {
	for _, c := range Countries {
		if c == name {
			return true
		}
	}
	return false
}

func ValidProduct(name string) bool {
	for _, p := range Products {
		if p == name {
			return true
		}
	}
	return false
}

func ValidRate(rate float64) bool {
	return rate >= MinTariffRate && rate <= MaxTariffRate
}

// FinalRate neutralizes self-tariffs: a country never taxes its own exports,
// whatever rate was submitted.
func FinalRate(fromCountry, toCountry string, rate float64) float64 {
	if fromCountry == toCountry {
		return 0
	}
	return rate
}

func ValidChatScope(scope string) bool {
	return scope == ChatScopeGroup || scope == ChatScopePrivate
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func usernameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	parts := strings.Split(email, "@")
	if len(parts) == 0 || parts[0] == "" {
		return "player"
	}
	return sanitizeUsername(parts[0])
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "player"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "player_" + res
	}
	if len(res) > 24 {
		res = res[:24]
	}
	return res
}
