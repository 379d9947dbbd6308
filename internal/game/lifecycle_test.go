package game

import (
	"errors"
	"testing"
	"time"
)

func TestOperatorGuard(t *testing.T) {
	game := GameView{ID: "g1", OperatorID: "op-1", Status: StatusWaiting}

	if err := operatorGuard(game, Profile{ID: "op-1", Role: RoleOperator}); err != nil {
		t.Fatalf("owning operator must pass: %v", err)
	}
	if err := operatorGuard(game, Profile{ID: "op-2", Role: RoleOperator}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("operator of another game must be rejected, got %v", err)
	}
	if err := operatorGuard(game, Profile{ID: "p1", Role: RolePlayer}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("player must be rejected, got %v", err)
	}
}

func TestResetState(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(time.Hour)
	game := GameView{
		ID:           "g1",
		Status:       StatusEnded,
		CurrentRound: 4,
		TotalRounds:  5,
		OperatorID:   "op-1",
		StartedAt:    &started,
		EndedAt:      &ended,
	}

	reset := resetState(game)
	if reset.Status != StatusWaiting || reset.CurrentRound != 1 {
		t.Fatalf("reset should return to waiting at round 1, got %s round %d", reset.Status, reset.CurrentRound)
	}
	if reset.StartedAt != nil || reset.EndedAt != nil {
		t.Fatalf("reset should clear timestamps")
	}
	if reset.ID != "g1" || reset.OperatorID != "op-1" || reset.TotalRounds != 5 {
		t.Fatalf("reset must preserve identity fields: %+v", reset)
	}
}

func TestStartGuard(t *testing.T) {
	waiting := GameView{Status: StatusWaiting, TotalRounds: 5}

	if err := startGuard(waiting, StartQuorum); err != nil {
		t.Fatalf("expected start at exact quorum: %v", err)
	}
	if err := startGuard(waiting, StartQuorum+2); err != nil {
		t.Fatalf("expected start above quorum: %v", err)
	}

	err := startGuard(waiting, StartQuorum-1)
	var quorum *QuorumError
	if !errors.As(err, &quorum) {
		t.Fatalf("expected QuorumError, got %v", err)
	}
	if quorum.Online != StartQuorum-1 || quorum.Required != StartQuorum {
		t.Fatalf("quorum error carries wrong counts: %+v", quorum)
	}

	active := GameView{Status: StatusActive, TotalRounds: 5}
	if err := startGuard(active, StartQuorum); !errors.Is(err, ErrGameNotWaiting) {
		t.Fatalf("expected ErrGameNotWaiting for active game, got %v", err)
	}
}

func TestAdvanceGuard(t *testing.T) {
	if err := advanceGuard(GameView{Status: StatusActive, CurrentRound: 2, TotalRounds: 5}); err != nil {
		t.Fatalf("expected mid-game advance to pass: %v", err)
	}
	if err := advanceGuard(GameView{Status: StatusActive, CurrentRound: 5, TotalRounds: 5}); !errors.Is(err, ErrGameEnded) {
		t.Fatalf("expected ErrGameEnded at final round, got %v", err)
	}
	if err := advanceGuard(GameView{Status: StatusWaiting, CurrentRound: 0, TotalRounds: 5}); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive for waiting game, got %v", err)
	}
	if err := advanceGuard(GameView{Status: StatusEnded, CurrentRound: 5, TotalRounds: 5}); !errors.Is(err, ErrGameNotActive) {
		t.Fatalf("expected ErrGameNotActive for ended game, got %v", err)
	}
}
