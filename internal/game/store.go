package game

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// GameSnapshot is the in-memory image of one game's persisted state. The
// durable store remains the system of record; a snapshot is a read cache that
// is refreshed after every successful write.
type GameSnapshot struct {
	Game        GameView
	Rounds      []RoundView
	Production  []ProductionRecord
	Demand      []DemandRecord
	TariffRates []TariffRate
}

func (s *GameSnapshot) clone() *GameSnapshot {
	if s == nil {
		return nil
	}
	out := &GameSnapshot{Game: s.Game}
	out.Rounds = append([]RoundView(nil), s.Rounds...)
	out.Production = append([]ProductionRecord(nil), s.Production...)
	out.Demand = append([]DemandRecord(nil), s.Demand...)
	out.TariffRates = append([]TariffRate(nil), s.TariffRates...)
	return out
}

// PresenceEntry is ephemeral per-connection state. It is created on socket
// connect and destroyed on disconnect; it is never persisted.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Country     string    `json:"country,omitempty"`
	Role        string    `json:"role"`
	GameID      string    `json:"game_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SnapshotLoader pulls a game's full persisted state. Service implements it
// against Postgres; tests substitute fakes.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, gameID string) (*GameSnapshot, error)
}

// StateStore is the authoritative in-process cache of game snapshots and
// connected-user presence. It is an explicit dependency handed to the service
// at construction, not a package global.
type StateStore struct {
	mu       sync.RWMutex
	games    map[string]*GameSnapshot
	presence map[string]PresenceEntry
	flight   singleflight.Group
}

func NewStateStore() *StateStore {
	return &StateStore{
		games:    make(map[string]*GameSnapshot),
		presence: make(map[string]PresenceEntry),
	}
}

// Hydrate returns the cached snapshot for gameID, loading it through loader
// on first access. Concurrent hydrations of the same game collapse into a
// single underlying fetch.
func (s *StateStore) Hydrate(ctx context.Context, gameID string, loader SnapshotLoader) (*GameSnapshot, error) {
	if snap, ok := s.Snapshot(gameID); ok {
		return snap, nil
	}
	v, err, _ := s.flight.Do(gameID, func() (any, error) {
		if snap, ok := s.Snapshot(gameID); ok {
			return snap, nil
		}
		snap, err := loader.LoadSnapshot(ctx, gameID)
		if err != nil {
			return nil, err
		}
		s.Put(gameID, snap)
		return snap.clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GameSnapshot), nil
}

// Snapshot returns a copy of the cached state, so callers can read it without
// holding the store lock.
func (s *StateStore) Snapshot(gameID string) (*GameSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.games[gameID]
	if !ok {
		return nil, false
	}
	return snap.clone(), true
}

func (s *StateStore) Put(gameID string, snap *GameSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.games[gameID] = snap.clone()
}

// Mutate applies patch to the cached snapshot under the store lock. The patch
// runs exactly once and is never partially visible to other readers. Returns
// false when the game is not loaded.
func (s *StateStore) Mutate(gameID string, patch func(*GameSnapshot)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.games[gameID]
	if !ok {
		return false
	}
	patch(snap)
	return true
}

func (s *StateStore) Drop(gameID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.games, gameID)
}

func (s *StateStore) AddPresence(e PresenceEntry) {
	if e.ConnectedAt.IsZero() {
		e.ConnectedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[e.UserID] = e
}

// UpdatePresence applies patch to a connected user's presence entry. Returns
// false when the user is not online.
func (s *StateStore) UpdatePresence(userID string, patch func(*PresenceEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.presence[userID]
	if !ok {
		return false
	}
	patch(&e)
	s.presence[userID] = e
	return true
}

func (s *StateStore) RemovePresence(userID string) (PresenceEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.presence[userID]
	if ok {
		delete(s.presence, userID)
	}
	return e, ok
}

// OnlineUsers lists every connected user, ordered by connect time then user id
// for stable output.
func (s *StateStore) OnlineUsers() []PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PresenceEntry, 0, len(s.presence))
	for _, e := range s.presence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// OnlinePlayers lists connected users holding the player role, in connect
// order. Used for quorum checks and country assignment.
func (s *StateStore) OnlinePlayers() []PresenceEntry {
	all := s.OnlineUsers()
	out := make([]PresenceEntry, 0, len(all))
	for _, e := range all {
		if e.Role == RolePlayer {
			out = append(out, e)
		}
	}
	return out
}

func (s *StateStore) OnlinePlayerCount() int {
	return len(s.OnlinePlayers())
}
