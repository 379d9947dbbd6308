package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestReviewTariffChange(t *testing.T) {
	produced := map[string]bool{"Steel": true}

	rate, err := reviewTariffChange(TariffChange{Product: "Steel", ToCountry: "China", Rate: 15}, "USA", produced)
	if err != nil {
		t.Fatalf("expected valid change: %v", err)
	}
	if rate != 15 {
		t.Fatalf("got rate %v want 15", rate)
	}

	// Self-tariff is stored as zero rather than rejected.
	rate, err = reviewTariffChange(TariffChange{Product: "Steel", ToCountry: "USA", Rate: 30}, "USA", produced)
	if err != nil {
		t.Fatalf("expected self-tariff to be accepted: %v", err)
	}
	if rate != 0 {
		t.Fatalf("self-tariff rate should be 0, got %v", rate)
	}

	cases := []TariffChange{
		{Product: "Spice", ToCountry: "China", Rate: 10},
		{Product: "Steel", ToCountry: "Atlantis", Rate: 10},
		{Product: "Steel", ToCountry: "China", Rate: 101},
		{Product: "Steel", ToCountry: "China", Rate: -1},
		{Product: "Grain", ToCountry: "China", Rate: 10}, // not a producer
	}
	for _, tc := range cases {
		if _, err := reviewTariffChange(tc, "USA", produced); err == nil {
			t.Fatalf("expected change %+v to be rejected", tc)
		}
	}
}

func TestBuildTariffMatrixMostRecentRoundWins(t *testing.T) {
	// Input ordered round-descending, as TariffRates returns it.
	rates := []TariffRate{
		{RoundNumber: 3, Product: "Steel", FromCountry: "USA", ToCountry: "China", Rate: 25},
		{RoundNumber: 1, Product: "Steel", FromCountry: "USA", ToCountry: "China", Rate: 15},
		{RoundNumber: 1, Product: "Steel", FromCountry: "USA", ToCountry: "Japan", Rate: 5},
	}
	matrix := buildTariffMatrix(rates)

	cell, ok := matrix["USA"]["China"]
	if !ok {
		t.Fatalf("expected USA->China cell")
	}
	if cell.Rate != 25 || cell.RoundNumber != 3 {
		t.Fatalf("got %+v, want rate 25 from round 3", cell)
	}
	cell, ok = matrix["USA"]["Japan"]
	if !ok || cell.Rate != 5 || cell.RoundNumber != 1 {
		t.Fatalf("got %+v, want rate 5 from round 1", cell)
	}
	if _, ok := matrix["China"]["USA"]; ok {
		t.Fatalf("unexpected cell for pair never submitted")
	}
	for _, from := range Countries {
		if _, ok := matrix[from]; !ok {
			t.Fatalf("matrix missing row for %s", from)
		}
	}
}

func TestGroupTariffHistoryLastWriteWins(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := []historyRow{
		{Round: 1, Product: "Steel", FromCountry: "USA", ToCountry: "China", Rate: 10, SubmittedAt: t0, Username: "alice"},
		{Round: 1, Product: "Steel", FromCountry: "USA", ToCountry: "Japan", Rate: 20, SubmittedAt: t0.Add(time.Minute), Username: "alice"},
		{Round: 1, Product: "Oil", FromCountry: "China", ToCountry: "USA", Rate: 5, SubmittedAt: t0.Add(2 * time.Minute), Username: "bo"},
		{Round: 2, Product: "Steel", FromCountry: "USA", ToCountry: "China", Rate: 30, SubmittedAt: t0.Add(time.Hour), Username: "alice"},
	}
	history := groupTariffHistory(rows)
	if len(history) != 3 {
		t.Fatalf("got %d entries want 3", len(history))
	}

	first := history[0]
	if first.Round != 1 || first.Country != "USA" {
		t.Fatalf("entries not in round then submission order: %+v", first)
	}

	var usaRound1 *HistoryEntry
	for i := range history {
		if history[i].Round == 1 && history[i].Country == "USA" {
			usaRound1 = &history[i]
		}
	}
	if usaRound1 == nil {
		t.Fatalf("missing USA round 1 entry")
	}
	// The later Steel submission replaced the earlier one.
	if got := usaRound1.Tariffs["Steel"]; got.ToCountry != "Japan" || got.Rate != 20 {
		t.Fatalf("last write should win, got %+v", got)
	}
	if !usaRound1.SubmittedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("group timestamp should be the latest submission, got %v", usaRound1.SubmittedAt)
	}
}

func TestGroupTariffHistoryKeepsSubmissionOrder(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// USA submitted before China; alphabetical order would flip them.
	rows := []historyRow{
		{Round: 1, Product: "Oil", FromCountry: "USA", ToCountry: "China", Rate: 5, SubmittedAt: t0},
		{Round: 1, Product: "Steel", FromCountry: "China", ToCountry: "USA", Rate: 10, SubmittedAt: t0.Add(time.Minute)},
		{Round: 2, Product: "Steel", FromCountry: "China", ToCountry: "Japan", Rate: 15, SubmittedAt: t0.Add(2 * time.Minute)},
		{Round: 2, Product: "Grain", FromCountry: "Germany", ToCountry: "USA", Rate: 20, SubmittedAt: t0.Add(3 * time.Minute)},
	}
	history := groupTariffHistory(rows)
	want := []struct {
		round   int
		country string
	}{
		{1, "USA"}, {1, "China"}, {2, "China"}, {2, "Germany"},
	}
	if len(history) != len(want) {
		t.Fatalf("got %d entries want %d", len(history), len(want))
	}
	for i, w := range want {
		if history[i].Round != w.round || history[i].Country != w.country {
			t.Fatalf("entry %d = (%d, %s), want (%d, %s)", i, history[i].Round, history[i].Country, w.round, w.country)
		}
	}
}

func TestBuildTariffMatrixSingleRound(t *testing.T) {
	rates := []TariffRate{
		{RoundNumber: 2, Product: "Steel", FromCountry: "USA", ToCountry: "China", Rate: 40},
		{RoundNumber: 2, Product: "Steel", FromCountry: "China", ToCountry: "USA", Rate: 12},
	}
	matrix := buildTariffMatrix(rates)
	if cell := matrix["USA"]["China"]; cell.Rate != 40 || cell.RoundNumber != 2 {
		t.Fatalf("got %+v, want rate 40 from round 2", cell)
	}
	if cell := matrix["China"]["USA"]; cell.Rate != 12 || cell.RoundNumber != 2 {
		t.Fatalf("got %+v, want rate 12 from round 2", cell)
	}
	if _, ok := matrix["USA"]["Japan"]; ok {
		t.Fatalf("unexpected cell outside the filtered round")
	}
}

func TestResolveSubmissionRound(t *testing.T) {
	game := GameView{CurrentRound: 3, TotalRounds: 5}

	round, err := resolveSubmissionRound(game, 0)
	if err != nil || round != 3 {
		t.Fatalf("zero should resolve to the current round, got %d, %v", round, err)
	}
	round, err = resolveSubmissionRound(game, 2)
	if err != nil || round != 2 {
		t.Fatalf("explicit round should pass through, got %d, %v", round, err)
	}
	if _, err := resolveSubmissionRound(game, 6); !errors.Is(err, ErrInvalidRound) {
		t.Fatalf("round beyond total must be rejected, got %v", err)
	}
	if _, err := resolveSubmissionRound(game, -1); !errors.Is(err, ErrInvalidRound) {
		t.Fatalf("negative round must be rejected, got %v", err)
	}
	if _, err := resolveSubmissionRound(GameView{CurrentRound: 0, TotalRounds: 5}, 0); !errors.Is(err, ErrInvalidRound) {
		t.Fatalf("game without an open round must be rejected, got %v", err)
	}
}

type fakeTariffRow struct {
	id  int64
	err error
}

func (r fakeTariffRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	return nil
}

type tariffRowState struct {
	id   int64
	rate float64
}

// fakeTariffTx is an in-memory stand-in for the tariff upsert transaction,
// keyed the way the table's unique constraint is.
type fakeTariffTx struct {
	nextID int64
	rows   map[string]*tariffRowState
}

func tariffKey(args []any) string {
	return fmt.Sprintf("%v|%v|%v|%v|%v", args[0], args[1], args[2], args[3], args[4])
}

func (f *fakeTariffTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if row, ok := f.rows[tariffKey(args)]; ok {
		return fakeTariffRow{id: row.id}
	}
	return fakeTariffRow{err: pgx.ErrNoRows}
}

func (f *fakeTariffTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	switch {
	case strings.Contains(sql, "UPDATE tariff_rates"):
		id := args[2].(int64)
		for _, row := range f.rows {
			if row.id == id {
				row.rate = args[0].(float64)
			}
		}
	case strings.Contains(sql, "INSERT INTO tariff_rates"):
		key := tariffKey(args)
		if _, ok := f.rows[key]; ok {
			return pgconn.CommandTag{}, errors.New("duplicate key value violates unique constraint")
		}
		f.nextID++
		f.rows[key] = &tariffRowState{id: f.nextID, rate: args[5].(float64)}
	}
	return pgconn.CommandTag{}, nil
}

func TestApplyTariffUpsertCreatedThenUpdated(t *testing.T) {
	ctx := context.Background()
	tx := &fakeTariffTx{rows: make(map[string]*tariffRowState)}

	action, err := applyTariffUpsert(ctx, tx, "g1", 1, "Steel", "USA", "China", 15, "u1")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if action != ActionCreated {
		t.Fatalf("first write should create, got %q", action)
	}

	action, err = applyTariffUpsert(ctx, tx, "g1", 1, "Steel", "USA", "China", 30, "u1")
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if action != ActionUpdated {
		t.Fatalf("second write should update in place, got %q", action)
	}
	if len(tx.rows) != 1 {
		t.Fatalf("unique key must hold at most one row, got %d", len(tx.rows))
	}
	for _, row := range tx.rows {
		if row.rate != 30 {
			t.Fatalf("update should replace the rate, got %v", row.rate)
		}
	}

	// Another round is a different key and gets its own row.
	action, err = applyTariffUpsert(ctx, tx, "g1", 2, "Steel", "USA", "China", 10, "u1")
	if err != nil || action != ActionCreated {
		t.Fatalf("new round should create, got %q, %v", action, err)
	}
	if len(tx.rows) != 2 {
		t.Fatalf("expected 2 rows after second round, got %d", len(tx.rows))
	}
}

type recordingBus struct {
	rooms  []string
	events []string
}

func (b *recordingBus) EmitToRoom(room, event string, _ any) {
	b.rooms = append(b.rooms, room)
	b.events = append(b.events, event)
}
func (b *recordingBus) EmitToUser(string, string, any) {}
func (b *recordingBus) EmitToAll(string, any)          {}
func (b *recordingBus) JoinUser(string, string)        {}

type staticLoader struct {
	snap *GameSnapshot
	err  error
}

func (l staticLoader) LoadSnapshot(context.Context, string) (*GameSnapshot, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.snap.clone(), nil
}

func TestPublishTariffOutcomeRequiresFreshCache(t *testing.T) {
	bus := &recordingBus{}
	svc := &Service{
		log:    slog.Default(),
		store:  NewStateStore(),
		bus:    bus,
		loader: staticLoader{err: errors.New("connection refused")},
	}
	actor := Profile{ID: "u1", Username: "alice", Country: "USA"}
	results := []TariffChangeResult{{Product: "Steel", ToCountry: "China", Rate: 15, Success: true}}

	svc.publishTariffOutcome(context.Background(), "g1", 1, actor, results)
	if len(bus.rooms) != 0 {
		t.Fatalf("broadcast must not fire when the cache refresh fails, got %v", bus.rooms)
	}

	svc.loader = staticLoader{snap: &GameSnapshot{Game: GameView{ID: "g1", Status: StatusActive}}}
	svc.publishTariffOutcome(context.Background(), "g1", 1, actor, results)
	if len(bus.rooms) == 0 {
		t.Fatalf("expected broadcast after a successful refresh")
	}
	if _, ok := svc.store.Snapshot("g1"); !ok {
		t.Fatalf("refresh should populate the cache before broadcasting")
	}
}
