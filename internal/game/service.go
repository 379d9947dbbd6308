package game

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Room naming shared between the service and the realtime hub.
const OperatorsRoom = "operators"

func GameRoom(gameID string) string { return "game_" + gameID }

func CountryRoom(country string) string { return "country_" + country }

// Outbound realtime event names.
const (
	EventTariffUpdated     = "tariffUpdated"
	EventGameStateChanged  = "gameStateChanged"
	EventGameDataUpdated   = "gameDataUpdated"
	EventRoundTimerUpdated = "roundTimerUpdated"
	EventRoundUpdated      = "roundUpdated"
	EventNewMessage        = "newMessage"
	EventTradeProposal     = "tradeProposalReceived"
	EventTradeAccepted     = "tradeAccepted"
	EventTradeRejected     = "tradeRejected"
	EventUserStatusUpdate  = "userStatusUpdate"
	EventOnlineUsers       = "onlineUsers"
)

// Broadcaster fans a domain event out to connected clients. The realtime hub
// implements it; the worker and tests use NopBroadcaster. Every Emit call made
// by the service happens after the durable write and cache update succeeded.
type Broadcaster interface {
	EmitToRoom(room, event string, payload any)
	EmitToUser(userID, event string, payload any)
	EmitToAll(event string, payload any)
	JoinUser(userID, room string)
}

// NopBroadcaster discards all events. Used by processes without a socket hub.
type NopBroadcaster struct{}

func (NopBroadcaster) EmitToRoom(string, string, any) {}
func (NopBroadcaster) EmitToUser(string, string, any) {}
func (NopBroadcaster) EmitToAll(string, any)          {}
func (NopBroadcaster) JoinUser(string, string)        {}

type Service struct {
	db     *pgxpool.Pool
	log    *slog.Logger
	store  *StateStore
	bus    Broadcaster
	loader SnapshotLoader

	operatorEmails map[string]struct{}

	mu   sync.Mutex
	rand *rand.Rand
}

func NewService(db *pgxpool.Pool, store *StateStore, bus Broadcaster, operatorEmails []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewStateStore()
	}
	if bus == nil {
		bus = NopBroadcaster{}
	}
	ops := make(map[string]struct{}, len(operatorEmails))
	for _, e := range operatorEmails {
		ops[normalizeEmail(e)] = struct{}{}
	}
	svc := &Service{
		db:             db,
		log:            logger,
		store:          store,
		bus:            bus,
		operatorEmails: ops,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	svc.loader = svc
	return svc
}

func (s *Service) Store() *StateStore { return s.store }

// LoadSnapshot pulls a game's full persisted state from Postgres. It is the
// SnapshotLoader behind StateStore hydration.
func (s *Service) LoadSnapshot(ctx context.Context, gameID string) (*GameSnapshot, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	snap := &GameSnapshot{Game: game}

	rows, err := s.db.Query(ctx, `
		SELECT game_id, round_number, status, start_time, end_time
		FROM game_rounds
		WHERE game_id = $1
		ORDER BY round_number
	`, gameID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var r RoundView
		if err := rows.Scan(&r.GameID, &r.RoundNumber, &r.Status, &r.StartTime, &r.EndTime); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Rounds = append(snap.Rounds, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap.Production, err = s.productionRecords(ctx, gameID, 0, "")
	if err != nil {
		return nil, err
	}
	snap.Demand, err = s.demandRecords(ctx, gameID, 0, "")
	if err != nil {
		return nil, err
	}
	snap.TariffRates, err = s.TariffRates(ctx, gameID, TariffFilter{})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot returns the cached state for gameID, hydrating lazily on miss.
func (s *Service) Snapshot(ctx context.Context, gameID string) (*GameSnapshot, error) {
	return s.store.Hydrate(ctx, gameID, s.loader)
}

// refreshSnapshot reloads the full persisted state into the cache. Called
// after every mutating operation, before any broadcast, so payloads never lag
// the durable write.
func (s *Service) refreshSnapshot(ctx context.Context, gameID string) (*GameSnapshot, error) {
	snap, err := s.loader.LoadSnapshot(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.store.Put(gameID, snap)
	return snap, nil
}

func (s *Service) gameByID(ctx context.Context, gameID string) (GameView, error) {
	var g GameView
	err := s.db.QueryRow(ctx, `
		SELECT id, total_rounds, current_round, status, operator_id, started_at, ended_at
		FROM games
		WHERE id = $1
	`, gameID).Scan(&g.ID, &g.TotalRounds, &g.CurrentRound, &g.Status, &g.OperatorID, &g.StartedAt, &g.EndedAt)
	if err == pgx.ErrNoRows {
		return g, ErrGameNotFound
	}
	return g, err
}

func (s *Service) productionRecords(ctx context.Context, gameID string, roundNumber int, country string) ([]ProductionRecord, error) {
	query := `
		SELECT game_id, round_number, country, product, quantity
		FROM production
		WHERE game_id = $1`
	args := []any{gameID}
	if roundNumber > 0 {
		args = append(args, roundNumber)
		query += ` AND round_number = $2`
	}
	if country != "" {
		args = append(args, country)
		query += ` AND country = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY round_number, country, product`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ProductionRecord, 0)
	for rows.Next() {
		var r ProductionRecord
		if err := rows.Scan(&r.GameID, &r.RoundNumber, &r.Country, &r.Product, &r.Quantity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Service) demandRecords(ctx context.Context, gameID string, roundNumber int, country string) ([]DemandRecord, error) {
	query := `
		SELECT game_id, round_number, country, product, quantity
		FROM demand
		WHERE game_id = $1`
	args := []any{gameID}
	if roundNumber > 0 {
		args = append(args, roundNumber)
		query += ` AND round_number = $2`
	}
	if country != "" {
		args = append(args, country)
		query += ` AND country = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY round_number, country, product`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]DemandRecord, 0)
	for rows.Next() {
		var r DemandRecord
		if err := rows.Scan(&r.GameID, &r.RoundNumber, &r.Country, &r.Product, &r.Quantity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmitGameData pushes the current cached snapshot to the game room. Used by
// the refreshGameData socket event and after round transitions.
func (s *Service) EmitGameData(ctx context.Context, gameID string) error {
	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return err
	}
	s.bus.EmitToRoom(GameRoom(gameID), EventGameDataUpdated, map[string]any{
		"game_id":       gameID,
		"current_round": snap.Game.CurrentRound,
		"status":        snap.Game.Status,
		"production":    snap.Production,
		"demand":        snap.Demand,
		"tariff_rates":  snap.TariffRates,
	})
	return nil
}

