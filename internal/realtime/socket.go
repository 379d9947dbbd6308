package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"econempire/internal/auth"
	"econempire/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 16 << 10
	inboundTimeout = 10 * time.Second
)

// Manager owns the websocket endpoint: it authenticates the upgrade, joins
// the session to its rooms, and dispatches inbound frames to the game
// service.
type Manager struct {
	hub      *Hub
	svc      *game.Service
	verifier TokenVerifier
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// TokenVerifier resolves a bearer token to an identity. Satisfied by
// auth.SupabaseClient.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (auth.SupabaseUser, error)
}

func NewManager(hub *Hub, svc *game.Service, verifier TokenVerifier, allowedOrigin string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hub:      hub,
		svc:      svc,
		verifier: verifier,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

func (m *Manager) Hub() *Hub { return m.hub }

// ServeWS upgrades an authenticated request into a live session. The token
// comes from the query string (browser websockets cannot set headers) or the
// Authorization header.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := m.verifier.VerifyAccessToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	profile, err := m.svc.GetOrCreateProfile(r.Context(), identity.ID, identity.Email, identity.Metadata.Username)
	if err != nil {
		m.log.Error("profile resolve failed on socket", "user_id", identity.ID, "error", err)
		http.Error(w, "profile unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sessionID := uuid.NewString()
	c := m.hub.register(sessionID, profile.ID)
	m.joinProfileRooms(c, profile)

	ctx := context.Background()
	if err := m.svc.HandleConnect(ctx, profile, sessionID); err != nil {
		m.log.Warn("connect bookkeeping failed", "user_id", profile.ID, "error", err)
	}

	go m.writePump(conn, c)
	m.readPump(conn, c, profile, sessionID)
}

func (m *Manager) joinProfileRooms(c *client, p game.Profile) {
	if p.GameID != "" {
		m.hub.join(c, game.GameRoom(p.GameID))
	}
	if p.Country != "" {
		m.hub.join(c, game.CountryRoom(p.Country))
	}
	if p.Role == game.RoleOperator {
		m.hub.join(c, game.OperatorsRoom)
	}
}

func (m *Manager) readPump(conn *websocket.Conn, c *client, profile game.Profile, sessionID string) {
	defer func() {
		m.hub.unregister(c)
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
		defer cancel()
		m.svc.HandleDisconnect(ctx, profile, sessionID)
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Warn("socket read error", "session", sessionID, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			m.sendError(c, "malformed frame")
			continue
		}
		m.dispatch(c, &profile, env)
	}
}

func (m *Manager) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Handler failures are reported back on
// the same session and never tear the connection down.
func (m *Manager) dispatch(c *client, profile *game.Profile, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), inboundTimeout)
	defer cancel()

	switch env.Type {
	case inSendMessage:
		var p sendMessagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		if _, err := m.svc.SendChatMessage(ctx, *profile, p.GameID, p.Scope, p.RecipientCountry, p.Content); err != nil {
			m.sendError(c, err.Error())
		}

	case inProposeTrade:
		var p proposeTradePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		if _, err := m.svc.ProposeTrade(ctx, *profile, p.GameID, p.ToUserID, p.Offer); err != nil {
			m.sendError(c, err.Error())
		}

	case inRespondTrade:
		var p respondTradePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		if _, err := m.svc.RespondToTrade(ctx, *profile, p.TradeID, p.Accept); err != nil {
			m.sendError(c, err.Error())
		}

	case inPlayerRound:
		var p playerRoundPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		if err := m.svc.UpdatePlayerRound(ctx, profile.ID, p.GameID, p.RoundNumber); err != nil {
			m.sendError(c, err.Error())
		}

	case inRoundTimer:
		if profile.Role != game.RoleOperator {
			m.sendError(c, "operator only")
			return
		}
		var p roundTimerPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		m.hub.EmitToRoom(game.GameRoom(p.GameID), game.EventRoundTimerUpdated, p)

	case inRefreshGameData:
		var p refreshPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			m.sendError(c, err.Error())
			return
		}
		if err := m.svc.EmitGameData(ctx, p.GameID); err != nil {
			m.sendError(c, err.Error())
		}

	case inReconnect:
		// The session may predate a role or country change; reload the
		// profile and rebuild room membership before confirming.
		fresh, err := m.svc.ProfileByID(ctx, profile.ID)
		if err != nil {
			m.sendError(c, "profile unavailable")
			return
		}
		*profile = fresh
		m.hub.leaveAll(c)
		m.joinProfileRooms(c, fresh)
		m.sendEvent(c, "reconnected", fresh)

	default:
		m.sendError(c, "unknown frame type "+env.Type)
	}
}

func (m *Manager) sendEvent(c *client, event string, payload any) {
	frame, ok := m.hub.marshalFrame(event, payload)
	if !ok {
		return
	}
	c.enqueue(frame)
}

func (m *Manager) sendError(c *client, msg string) {
	m.sendEvent(c, "error", map[string]string{"message": msg})
}
