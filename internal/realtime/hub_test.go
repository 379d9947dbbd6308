package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func drainOne(t *testing.T, c *client) Envelope {
	t.Helper()
	select {
	case frame := <-c.send:
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("frame is not a valid envelope: %v", err)
		}
		return env
	default:
		t.Fatalf("expected a queued frame for session %s", c.sessionID)
		return Envelope{}
	}
}

func assertEmpty(t *testing.T, c *client) {
	t.Helper()
	select {
	case frame := <-c.send:
		t.Fatalf("session %s should not have received %s", c.sessionID, frame)
	default:
	}
}

func TestEmitToRoomTargetsMembersOnly(t *testing.T) {
	hub := NewHub(nil)
	usa := hub.register("s1", "user-a")
	china := hub.register("s2", "user-b")
	hub.join(usa, "country_USA")
	hub.join(china, "country_China")

	hub.EmitToRoom("country_USA", "tariffUpdated", map[string]any{"from_country": "USA"})

	env := drainOne(t, usa)
	if env.Type != "tariffUpdated" {
		t.Fatalf("got event %q want tariffUpdated", env.Type)
	}
	var payload struct {
		FromCountry string `json:"from_country"`
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload.FromCountry != "USA" {
		t.Fatalf("payload: %+v", payload)
	}
	assertEmpty(t, china)
}

func TestEmitToUserReachesEverySession(t *testing.T) {
	hub := NewHub(nil)
	first := hub.register("s1", "user-a")
	second := hub.register("s2", "user-a")
	other := hub.register("s3", "user-b")

	hub.EmitToUser("user-a", "tradeProposalReceived", map[string]any{"trade_id": "t1"})

	for _, c := range []*client{first, second} {
		env := drainOne(t, c)
		if env.Type != "tradeProposalReceived" {
			t.Fatalf("got event %q", env.Type)
		}
	}
	assertEmpty(t, other)
}

func TestEmitToAll(t *testing.T) {
	hub := NewHub(nil)
	a := hub.register("s1", "user-a")
	b := hub.register("s2", "user-b")

	hub.EmitToAll("onlineUsers", []string{"user-a", "user-b"})

	drainOne(t, a)
	drainOne(t, b)
}

func TestUnregisterLeavesRoomsAndClosesQueue(t *testing.T) {
	hub := NewHub(nil)
	c := hub.register("s1", "user-a")
	hub.join(c, "game_g1")

	hub.unregister(c)
	if hub.SessionCount() != 0 {
		t.Fatalf("session still registered")
	}

	// Emits after unregister must not panic or deliver.
	hub.EmitToRoom("game_g1", "gameDataUpdated", map[string]any{})
	hub.EmitToUser("user-a", "gameDataUpdated", map[string]any{})

	if _, ok := <-c.send; ok {
		t.Fatalf("send channel should be closed and empty")
	}
}

func TestLeaveAllRebuildsMembership(t *testing.T) {
	hub := NewHub(nil)
	c := hub.register("s1", "user-a")
	hub.join(c, "country_USA")
	hub.join(c, "game_g1")

	hub.leaveAll(c)
	hub.EmitToRoom("country_USA", "newMessage", map[string]any{})
	hub.EmitToRoom("game_g1", "newMessage", map[string]any{})
	assertEmpty(t, c)

	hub.join(c, "country_China")
	hub.EmitToRoom("country_China", "newMessage", map[string]any{})
	env := drainOne(t, c)
	if env.Type != "newMessage" {
		t.Fatalf("got %q", env.Type)
	}
}

// Broadcasts racing a disconnect must neither panic on the closed send
// channel nor trip the race detector. Run with -race.
func TestEmitRacingUnregister(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < 2000; i++ {
		c := hub.register(fmt.Sprintf("s%d", i), "user-a")
		hub.join(c, "game_g1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.EmitToRoom("game_g1", "gameDataUpdated", map[string]any{})
		}()
		go func() {
			defer wg.Done()
			hub.unregister(c)
		}()
		wg.Wait()
	}
	if hub.SessionCount() != 0 {
		t.Fatalf("sessions leaked: %d", hub.SessionCount())
	}
}

func TestJoinUserAddsEverySession(t *testing.T) {
	hub := NewHub(nil)
	first := hub.register("s1", "user-a")
	second := hub.register("s2", "user-a")
	other := hub.register("s3", "user-b")

	hub.JoinUser("user-a", "country_USA")
	hub.EmitToRoom("country_USA", "tariffUpdated", map[string]any{})

	for _, c := range []*client{first, second} {
		env := drainOne(t, c)
		if env.Type != "tariffUpdated" {
			t.Fatalf("got event %q", env.Type)
		}
	}
	assertEmpty(t, other)

	// Unregister cleans the joined room up like any other membership.
	hub.unregister(first)
	hub.EmitToRoom("country_USA", "tariffUpdated", map[string]any{})
	drainOne(t, second)
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(nil)
	c := hub.register("s1", "user-a")
	hub.join(c, "game_g1")

	for i := 0; i < sendBuffer+10; i++ {
		hub.EmitToRoom("game_g1", "gameDataUpdated", map[string]any{"n": i})
	}
	if got := len(c.send); got != sendBuffer {
		t.Fatalf("queue holds %d frames, want %d", got, sendBuffer)
	}
}
