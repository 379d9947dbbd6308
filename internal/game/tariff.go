package game

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reviewTariffChange validates one requested change against the submitting
// country's production for the round. It returns the rate that will actually
// be stored, with self-tariffs forced to zero.
func reviewTariffChange(change TariffChange, fromCountry string, produced map[string]bool) (float64, error) {
	if !ValidProduct(change.Product) {
		return 0, fmt.Errorf("unknown product %q", change.Product)
	}
	if !ValidCountry(change.ToCountry) {
		return 0, fmt.Errorf("unknown country %q", change.ToCountry)
	}
	if !ValidRate(change.Rate) {
		return 0, fmt.Errorf("rate %.1f out of range [%.0f, %.0f]", change.Rate, MinTariffRate, MaxTariffRate)
	}
	if !produced[change.Product] {
		return 0, fmt.Errorf("%s does not produce %s this round", fromCountry, change.Product)
	}
	return FinalRate(fromCountry, change.ToCountry, change.Rate), nil
}

// resolveSubmissionRound picks the round a submission applies to. Zero means
// the game's current round; anything outside the game's bounds is rejected.
func resolveSubmissionRound(game GameView, requested int) (int, error) {
	if requested == 0 {
		requested = game.CurrentRound
	}
	if requested < 1 || requested > game.TotalRounds {
		return 0, ErrInvalidRound
	}
	return requested, nil
}

// SubmitTariffChanges applies a batch of tariff changes for the actor's
// country. roundNumber zero targets the game's current round. Each change
// succeeds or fails on its own; the per-change outcome comes back in order. A
// broadcast goes out only when at least one change persisted.
func (s *Service) SubmitTariffChanges(ctx context.Context, actor Profile, gameID string, roundNumber int, changes []TariffChange) ([]TariffChangeResult, error) {
	if actor.Country == "" {
		return nil, ErrCountryNotAssigned
	}
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game.Status != StatusActive {
		return nil, ErrGameNotActive
	}
	round, err := resolveSubmissionRound(game, roundNumber)
	if err != nil {
		return nil, err
	}

	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return nil, err
	}
	produced := make(map[string]bool)
	for _, p := range snap.Production {
		if p.RoundNumber == round && p.Country == actor.Country {
			produced[p.Product] = true
		}
	}

	results := make([]TariffChangeResult, 0, len(changes))
	applied := 0
	for _, change := range changes {
		res := TariffChangeResult{Product: change.Product, ToCountry: change.ToCountry}
		rate, err := reviewTariffChange(change, actor.Country, produced)
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}
		action, err := s.upsertTariff(ctx, gameID, round, change.Product, actor.Country, change.ToCountry, rate, actor.ID)
		if err != nil {
			s.log.Error("tariff upsert failed", "game_id", gameID, "product", change.Product, "error", err)
			res.Error = "could not save tariff"
			results = append(results, res)
			continue
		}
		res.Rate = rate
		res.Success = true
		res.Action = action
		results = append(results, res)
		applied++
	}

	if applied > 0 {
		s.publishTariffOutcome(ctx, gameID, round, actor, results)
		s.logAudit(ctx, actor.ID, "tariffs_submitted", map[string]any{
			"game_id": gameID,
			"round":   round,
			"country": actor.Country,
			"applied": applied,
		})
	}
	return results, nil
}

// publishTariffOutcome refreshes the cache from the full persisted set and
// fans the results out. The broadcast is skipped when the refresh fails so
// payloads never outrun the cache.
func (s *Service) publishTariffOutcome(ctx context.Context, gameID string, round int, actor Profile, results []TariffChangeResult) {
	if _, err := s.refreshSnapshot(ctx, gameID); err != nil {
		s.log.Warn("tariff cache refresh failed, broadcast skipped", "game_id", gameID, "error", err)
		return
	}
	s.broadcastTariffUpdate(gameID, round, actor, results)
}

// tariffTx is the slice of pgx.Tx the upsert needs. Tests substitute an
// in-memory fake to exercise the created-vs-updated decision.
type tariffTx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// upsertTariff writes one rate, reporting whether the row was created or
// updated. The pre-select and write share a transaction with the existing row
// locked, so concurrent submissions for the same cell serialize cleanly.
func (s *Service) upsertTariff(ctx context.Context, gameID string, round int, product, from, to string, rate float64, submitterID string) (string, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	action, err := applyTariffUpsert(ctx, tx, gameID, round, product, from, to, rate, submitterID)
	if err != nil {
		return "", err
	}
	return action, tx.Commit(ctx)
}

// applyTariffUpsert updates the row holding the unique key
// (game, round, product, from, to) when one exists, else inserts it.
func applyTariffUpsert(ctx context.Context, tx tariffTx, gameID string, round int, product, from, to string, rate float64, submitterID string) (string, error) {
	var existingID int64
	err := tx.QueryRow(ctx, `
		SELECT id FROM tariff_rates
		WHERE game_id = $1 AND round_number = $2 AND product = $3 AND from_country = $4 AND to_country = $5
		FOR UPDATE
	`, gameID, round, product, from, to).Scan(&existingID)

	switch err {
	case nil:
		if _, err := tx.Exec(ctx, `
			UPDATE tariff_rates SET rate = $1, submitted_by = $2, submitted_at = NOW() WHERE id = $3
		`, rate, submitterID, existingID); err != nil {
			return "", err
		}
		return ActionUpdated, nil
	case pgx.ErrNoRows:
		if _, err := tx.Exec(ctx, `
			INSERT INTO tariff_rates (game_id, round_number, product, from_country, to_country, rate, submitted_by, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		`, gameID, round, product, from, to, rate, submitterID); err != nil {
			return "", err
		}
		return ActionCreated, nil
	default:
		return "", err
	}
}

// broadcastTariffUpdate fans a successful submission out to everyone with a
// stake in it: the whole game room, the submitting country, each targeted
// country, and the operators.
func (s *Service) broadcastTariffUpdate(gameID string, round int, actor Profile, results []TariffChangeResult) {
	payload := map[string]any{
		"game_id":      gameID,
		"round_number": round,
		"from_country": actor.Country,
		"submitted_by": actor.Username,
		"changes":      results,
	}
	s.bus.EmitToRoom(GameRoom(gameID), EventTariffUpdated, payload)
	s.bus.EmitToRoom(CountryRoom(actor.Country), EventTariffUpdated, payload)
	targets := make(map[string]bool)
	for _, r := range results {
		if r.Success && r.ToCountry != actor.Country {
			targets[r.ToCountry] = true
		}
	}
	for country := range targets {
		s.bus.EmitToRoom(CountryRoom(country), EventTariffUpdated, payload)
	}
	s.bus.EmitToRoom(OperatorsRoom, EventTariffUpdated, payload)
}

// TariffRates lists persisted rates with optional filtering, newest round
// first, joined with the submitter's profile.
func (s *Service) TariffRates(ctx context.Context, gameID string, filter TariffFilter) ([]TariffRate, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT t.id, t.game_id, t.round_number, t.product, t.from_country, t.to_country,
		       t.rate, t.submitted_by, t.submitted_at,
		       COALESCE(u.username, ''), COALESCE(u.country, '')
		FROM tariff_rates t
		LEFT JOIN users u ON u.id = t.submitted_by
		WHERE t.game_id = $1`)
	args := []any{gameID}
	add := func(clause string, v any) {
		args = append(args, v)
		sb.WriteString(" AND " + clause + "$" + strconv.Itoa(len(args)))
	}
	if filter.RoundNumber > 0 {
		add("t.round_number = ", filter.RoundNumber)
	}
	if filter.Product != "" {
		add("t.product = ", filter.Product)
	}
	if filter.FromCountry != "" {
		add("t.from_country = ", filter.FromCountry)
	}
	if filter.ToCountry != "" {
		add("t.to_country = ", filter.ToCountry)
	}
	sb.WriteString(" ORDER BY t.round_number DESC, t.product ASC, t.from_country ASC")

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TariffRate, 0)
	for rows.Next() {
		var t TariffRate
		if err := rows.Scan(&t.ID, &t.GameID, &t.RoundNumber, &t.Product, &t.FromCountry, &t.ToCountry,
			&t.Rate, &t.SubmittedBy, &t.SubmittedAt, &t.SubmitterUsername, &t.SubmitterCountry); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TariffHistory returns submissions grouped per round and country, oldest
// round first.
func (s *Service) TariffHistory(ctx context.Context, gameID string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.round_number, t.product, t.from_country, t.to_country, t.rate, t.submitted_at,
		       COALESCE(u.username, ''), COALESCE(u.country, '')
		FROM tariff_rates t
		LEFT JOIN users u ON u.id = t.submitted_by
		WHERE t.game_id = $1
		ORDER BY t.round_number ASC, t.submitted_at ASC
	`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flat []historyRow
	for rows.Next() {
		var r historyRow
		if err := rows.Scan(&r.Round, &r.Product, &r.FromCountry, &r.ToCountry, &r.Rate, &r.SubmittedAt,
			&r.Username, &r.SubmitterCountry); err != nil {
			return nil, err
		}
		flat = append(flat, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groupTariffHistory(flat), nil
}

type historyRow struct {
	Round            int
	Product          string
	FromCountry      string
	ToCountry        string
	Rate             float64
	SubmittedAt      time.Time
	Username         string
	SubmitterCountry string
}

// groupTariffHistory folds raw submission rows into one entry per
// (round, country). Rows must arrive in submission order; within a group the
// last submission for a product wins and sets the group timestamp. Entries
// keep submission order within a round: the country that submitted first
// comes first.
func groupTariffHistory(rows []historyRow) []HistoryEntry {
	type key struct {
		round   int
		country string
	}
	groups := make(map[key]*HistoryEntry)
	order := make([]key, 0)
	for _, r := range rows {
		k := key{r.Round, r.FromCountry}
		entry, ok := groups[k]
		if !ok {
			entry = &HistoryEntry{
				Round:   r.Round,
				Country: r.FromCountry,
				Tariffs: make(map[string]HistoryTariff),
			}
			groups[k] = entry
			order = append(order, k)
		}
		entry.Tariffs[r.Product] = HistoryTariff{ToCountry: r.ToCountry, Rate: r.Rate}
		entry.Submitter = Submitter{Username: r.Username, Country: r.SubmitterCountry}
		if r.SubmittedAt.After(entry.SubmittedAt) {
			entry.SubmittedAt = r.SubmittedAt
		}
	}
	out := make([]HistoryEntry, 0, len(order))
	for _, k := range order {
		out = append(out, *groups[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Round < out[j].Round
	})
	return out
}

// TariffMatrixForProduct builds the active from/to rate grid for one product.
// With roundNumber zero the whole game is considered and, when a pair was set
// in several rounds, the most recent round wins; a positive roundNumber limits
// the grid to that round alone.
func (s *Service) TariffMatrixForProduct(ctx context.Context, gameID, product string, roundNumber int) (TariffMatrix, error) {
	if !ValidProduct(product) {
		return nil, fmt.Errorf("unknown product %q", product)
	}
	rates, err := s.TariffRates(ctx, gameID, TariffFilter{Product: product, RoundNumber: roundNumber})
	if err != nil {
		return nil, err
	}
	return buildTariffMatrix(rates), nil
}

// buildTariffMatrix keeps the first rate seen per (from, to) pair. Input must
// be ordered round-descending, which makes first-seen the newest.
func buildTariffMatrix(rates []TariffRate) TariffMatrix {
	matrix := make(TariffMatrix)
	for _, from := range Countries {
		matrix[from] = make(map[string]MatrixCell)
	}
	for _, r := range rates {
		row, ok := matrix[r.FromCountry]
		if !ok {
			continue
		}
		if _, seen := row[r.ToCountry]; seen {
			continue
		}
		row[r.ToCountry] = MatrixCell{Rate: r.Rate, RoundNumber: r.RoundNumber}
	}
	return matrix
}

// PlayerTariffStatus reports whether the player can still submit tariffs in a
// round and what they already covered.
func (s *Service) PlayerTariffStatus(ctx context.Context, actor Profile, gameID string, roundNumber int) (TariffStatus, error) {
	game, err := s.gameByID(ctx, gameID)
	if err != nil {
		return TariffStatus{}, err
	}
	if roundNumber < 1 || roundNumber > game.TotalRounds {
		return TariffStatus{}, ErrInvalidRound
	}
	if actor.Country == "" {
		return TariffStatus{Reason: "no country assigned"}, nil
	}
	if game.Status != StatusActive {
		return TariffStatus{Reason: "game is not active"}, nil
	}
	if roundNumber != game.CurrentRound {
		return TariffStatus{Reason: "round is not current"}, nil
	}

	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return TariffStatus{}, err
	}
	status := TariffStatus{CanSubmitTariffs: true}
	for _, p := range snap.Production {
		if p.RoundNumber == roundNumber && p.Country == actor.Country {
			status.ProducedProducts = append(status.ProducedProducts, p.Product)
		}
	}
	if len(status.ProducedProducts) == 0 {
		return TariffStatus{Reason: "country produces nothing this round"}, nil
	}
	seen := make(map[string]bool)
	for _, t := range snap.TariffRates {
		if t.RoundNumber == roundNumber && t.FromCountry == actor.Country {
			status.CurrentTariffs = append(status.CurrentTariffs, t)
			if !seen[t.Product] {
				seen[t.Product] = true
				status.SubmittedProducts = append(status.SubmittedProducts, t.Product)
			}
		}
	}
	sort.Strings(status.ProducedProducts)
	sort.Strings(status.SubmittedProducts)
	return status, nil
}

// GameDataDump is the full operator view of a game's state.
func (s *Service) GameDataDump(ctx context.Context, actor Profile, gameID string) (GameData, error) {
	if actor.Role != RoleOperator {
		return GameData{}, ErrForbidden
	}
	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return GameData{}, err
	}
	return GameData{
		Game:        snap.Game,
		Rounds:      snap.Rounds,
		Production:  snap.Production,
		Demand:      snap.Demand,
		TariffRates: snap.TariffRates,
	}, nil
}

// PlayerData narrows game state to what one player's country may see: its own
// production and demand, plus every tariff that touches it.
func (s *Service) PlayerData(ctx context.Context, actor Profile, gameID string) (PlayerGameData, error) {
	if actor.Country == "" {
		return PlayerGameData{}, ErrCountryNotAssigned
	}
	snap, err := s.Snapshot(ctx, gameID)
	if err != nil {
		return PlayerGameData{}, err
	}
	out := PlayerGameData{Country: actor.Country}
	for _, p := range snap.Production {
		if p.Country == actor.Country {
			out.Production = append(out.Production, p)
		}
	}
	for _, d := range snap.Demand {
		if d.Country == actor.Country {
			out.Demand = append(out.Demand, d)
		}
	}
	for _, t := range snap.TariffRates {
		if t.FromCountry == actor.Country || t.ToCountry == actor.Country {
			out.TariffRates = append(out.TariffRates, t)
		}
	}
	return out, nil
}
