package game

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingLoader struct {
	calls int64
	delay time.Duration
}

func (l *countingLoader) LoadSnapshot(ctx context.Context, gameID string) (*GameSnapshot, error) {
	atomic.AddInt64(&l.calls, 1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	return &GameSnapshot{
		Game: GameView{ID: gameID, Status: StatusActive, CurrentRound: 1, TotalRounds: 5},
		Production: []ProductionRecord{
			{GameID: gameID, RoundNumber: 1, Country: "USA", Product: "Steel", Quantity: 60},
		},
	}, nil
}

func TestHydrateCollapsesConcurrentLoads(t *testing.T) {
	store := NewStateStore()
	loader := &countingLoader{delay: 20 * time.Millisecond}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := store.Hydrate(context.Background(), "g1", loader)
			if err != nil {
				t.Errorf("hydrate failed: %v", err)
				return
			}
			if snap.Game.ID != "g1" {
				t.Errorf("got game %q", snap.Game.ID)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&loader.calls); got != 1 {
		t.Fatalf("loader called %d times, want 1", got)
	}

	// Second hydration hits the cache without touching the loader.
	if _, err := store.Hydrate(context.Background(), "g1", loader); err != nil {
		t.Fatalf("cached hydrate failed: %v", err)
	}
	if got := atomic.LoadInt64(&loader.calls); got != 1 {
		t.Fatalf("loader called %d times after cache hit, want 1", got)
	}
}

func TestSnapshotReturnsIsolatedCopy(t *testing.T) {
	store := NewStateStore()
	store.Put("g1", &GameSnapshot{
		Game:       GameView{ID: "g1"},
		Production: []ProductionRecord{{Country: "USA", Product: "Steel", Quantity: 50}},
	})

	snap, ok := store.Snapshot("g1")
	if !ok {
		t.Fatalf("expected snapshot")
	}
	snap.Production[0].Quantity = 999
	snap.Game.Status = StatusEnded

	fresh, _ := store.Snapshot("g1")
	if fresh.Production[0].Quantity != 50 {
		t.Fatalf("mutating a returned snapshot leaked into the store")
	}
	if fresh.Game.Status == StatusEnded {
		t.Fatalf("mutating a returned game view leaked into the store")
	}
}

func TestMutateAppliesUnderLock(t *testing.T) {
	store := NewStateStore()
	if store.Mutate("missing", func(*GameSnapshot) {}) {
		t.Fatalf("mutate on unloaded game should report false")
	}
	store.Put("g1", &GameSnapshot{Game: GameView{ID: "g1", CurrentRound: 1}})
	ok := store.Mutate("g1", func(s *GameSnapshot) {
		s.Game.CurrentRound = 2
	})
	if !ok {
		t.Fatalf("mutate on loaded game should report true")
	}
	snap, _ := store.Snapshot("g1")
	if snap.Game.CurrentRound != 2 {
		t.Fatalf("mutation not applied, round=%d", snap.Game.CurrentRound)
	}
}

func TestPresenceOrderingAndQuorumCount(t *testing.T) {
	store := NewStateStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	store.AddPresence(PresenceEntry{UserID: "u3", Role: RolePlayer, ConnectedAt: base.Add(2 * time.Second)})
	store.AddPresence(PresenceEntry{UserID: "u1", Role: RolePlayer, ConnectedAt: base})
	store.AddPresence(PresenceEntry{UserID: "op", Role: RoleOperator, ConnectedAt: base.Add(time.Second)})
	store.AddPresence(PresenceEntry{UserID: "u2", Role: RolePlayer, ConnectedAt: base.Add(3 * time.Second)})

	users := store.OnlineUsers()
	if len(users) != 4 {
		t.Fatalf("got %d online users, want 4", len(users))
	}
	if users[0].UserID != "u1" || users[1].UserID != "op" {
		t.Fatalf("users not in connect order: %v, %v", users[0].UserID, users[1].UserID)
	}

	players := store.OnlinePlayers()
	if len(players) != 3 {
		t.Fatalf("got %d players, want 3 (operator excluded)", len(players))
	}
	if players[0].UserID != "u1" || players[1].UserID != "u3" || players[2].UserID != "u2" {
		t.Fatalf("players out of connect order: %v", players)
	}
	if store.OnlinePlayerCount() != 3 {
		t.Fatalf("player count mismatch")
	}

	if _, ok := store.RemovePresence("u1"); !ok {
		t.Fatalf("expected to remove u1")
	}
	if store.OnlinePlayerCount() != 2 {
		t.Fatalf("count not updated after disconnect")
	}
}

func TestUpdatePresence(t *testing.T) {
	store := NewStateStore()
	store.AddPresence(PresenceEntry{UserID: "u1", Username: "alice", Role: RolePlayer})

	ok := store.UpdatePresence("u1", func(e *PresenceEntry) {
		e.Country = "USA"
		e.GameID = "g1"
	})
	if !ok {
		t.Fatalf("expected update of connected user")
	}
	users := store.OnlineUsers()
	if len(users) != 1 || users[0].Country != "USA" || users[0].GameID != "g1" {
		t.Fatalf("presence not updated: %+v", users)
	}

	if store.UpdatePresence("ghost", func(e *PresenceEntry) { e.Country = "China" }) {
		t.Fatalf("updating an offline user should report false")
	}
}
