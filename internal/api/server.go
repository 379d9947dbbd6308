package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"econempire/internal/auth"
	"econempire/internal/config"
	"econempire/internal/game"
	"econempire/internal/realtime"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

// UserContext is the verified identity plus resolved profile attached to
// every authenticated request.
type UserContext struct {
	Profile game.Profile
	Email   string
	Token   string
}

type Server struct {
	cfg    config.APIConfig
	log    *slog.Logger
	auth   *auth.SupabaseClient
	game   *game.Service
	socket *realtime.Manager
	mux    *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, authClient *auth.SupabaseClient, gameSvc *game.Service, socket *realtime.Manager) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		log:    logger,
		auth:   authClient,
		game:   gameSvc,
		socket: socket,
		mux:    chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/api/health", s.handleHealth)
	r.Get("/ws", s.socket.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignup)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/auth/profile", s.handleProfile)

			r.Get("/users", s.handleUsersList)
			r.Post("/users/{id}/promote", s.handlePromoteUser)
			r.Post("/users/round", s.handlePlayerRound)

			r.Post("/game/create", s.handleCreateGame)
			r.Post("/game/{gameID}/start", s.handleStartGame)
			r.Post("/game/{gameID}/next-round", s.handleNextRound)
			r.Post("/game/{gameID}/end", s.handleEndGame)
			r.Post("/game/{gameID}/reset", s.handleResetGame)
			r.Get("/game/{gameID}", s.handleGameData)
			r.Get("/game/{gameID}/player", s.handlePlayerData)

			r.Post("/tariff/submit", s.handleSubmitTariffs)
			r.Get("/tariff/rates/{gameID}", s.handleTariffRates)
			r.Get("/tariff/history/{gameID}", s.handleTariffHistory)
			r.Get("/tariff/matrix/{gameID}/{product}", s.handleTariffMatrix)
			r.Get("/tariff/status/{gameID}/{roundNumber}", s.handleTariffStatus)

			r.Post("/chat/message", s.handleSendMessage)
			r.Get("/chat/{gameID}", s.handleChatMessages)

			r.Get("/trades/{gameID}/pending", s.handlePendingTrades)

			r.Get("/export/{gameID}", s.handleExport)
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.cfg.AllowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware verifies the bearer token against the auth service and
// resolves the application profile before the handler runs. Handlers never
// see a token without a profile behind it.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		profile, err := s.game.GetOrCreateProfile(r.Context(), identity.ID, identity.Email, identity.Metadata.Username)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			Profile: profile,
			Email:   identity.Email,
			Token:   token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.Profile.ID == "" {
		return UserContext{}, game.ErrUnauthenticated
	}
	return user, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": s.socket.Hub().SessionCount(),
	})
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password), strings.TrimSpace(in.Username))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if session.User.ID != "" {
		if _, err := s.game.GetOrCreateProfile(r.Context(), session.User.ID, session.User.Email, in.Username); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.auth.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if _, err := s.game.GetOrCreateProfile(r.Context(), session.User.ID, session.User.Email, session.User.Metadata.Username); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile)
}

func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	users, err := s.game.ListUsers(r.Context(), user.Profile)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handlePromoteUser(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	promoted, err := s.game.PromoteToOperator(r.Context(), user.Profile, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, promoted)
}

func (s *Server) handlePlayerRound(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		GameID      string `json:"game_id"`
		RoundNumber int    `json:"round_number"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.game.UpdatePlayerRound(r.Context(), user.Profile.ID, in.GameID, in.RoundNumber); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		TotalRounds int `json:"total_rounds"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	gameView, err := s.game.CreateGame(r.Context(), user.Profile, in.TotalRounds)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, gameView)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(w, r, s.game.StartGame)
}

func (s *Server) handleNextRound(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(w, r, s.game.StartNextRound)
}

func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(w, r, s.game.EndGame)
}

func (s *Server) handleResetGame(w http.ResponseWriter, r *http.Request) {
	s.lifecycleHandler(w, r, s.game.ResetGame)
}

// lifecycleHandler is the shared shape of the four operator transitions:
// authenticate, resolve the game id, run the transition, return the fresh
// game view.
func (s *Server) lifecycleHandler(w http.ResponseWriter, r *http.Request, op func(context.Context, game.Profile, string) (game.GameView, error)) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	gameView, err := op(r.Context(), user.Profile, chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gameView)
}

func (s *Server) handleGameData(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.game.GameDataDump(r.Context(), user.Profile, chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePlayerData(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out, err := s.game.PlayerData(r.Context(), user.Profile, chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitTariffs(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		GameID      string              `json:"game_id"`
		RoundNumber int                 `json:"round_number"`
		Changes     []game.TariffChange `json:"changes"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(in.Changes) == 0 {
		writeError(w, http.StatusBadRequest, "no tariff changes supplied")
		return
	}
	results, err := s.game.SubmitTariffChanges(r.Context(), user.Profile, in.GameID, in.RoundNumber, in.Changes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleTariffRates(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	q := r.URL.Query()
	filter := game.TariffFilter{
		Product:     q.Get("product"),
		FromCountry: q.Get("from_country"),
		ToCountry:   q.Get("to_country"),
	}
	if v := q.Get("round_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "round_number must be a positive integer")
			return
		}
		filter.RoundNumber = n
	}
	rates, err := s.game.TariffRates(r.Context(), chi.URLParam(r, "gameID"), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tariff_rates": rates})
}

func (s *Server) handleTariffHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	history, err := s.game.TariffHistory(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleTariffMatrix(w http.ResponseWriter, r *http.Request) {
	if _, err := userFromContext(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	round := 0
	if v := r.URL.Query().Get("round_number"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "round_number must be a positive integer")
			return
		}
		round = n
	}
	matrix, err := s.game.TariffMatrixForProduct(r.Context(), chi.URLParam(r, "gameID"), chi.URLParam(r, "product"), round)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matrix": matrix})
}

func (s *Server) handleTariffStatus(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	round, err := strconv.Atoi(chi.URLParam(r, "roundNumber"))
	if err != nil || round < 1 {
		writeError(w, http.StatusBadRequest, "round number must be a positive integer")
		return
	}
	status, err := s.game.PlayerTariffStatus(r.Context(), user.Profile, chi.URLParam(r, "gameID"), round)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var in struct {
		GameID           string `json:"game_id"`
		Scope            string `json:"scope"`
		RecipientCountry string `json:"recipient_country"`
		Content          string `json:"content"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg, err := s.game.SendChatMessage(r.Context(), user.Profile, in.GameID, in.Scope, in.RecipientCountry, in.Content)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	messages, err := s.game.ChatMessages(r.Context(), user.Profile, chi.URLParam(r, "gameID"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handlePendingTrades(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	trades, err := s.game.PendingTrades(r.Context(), user.Profile, chi.URLParam(r, "gameID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	gameID := chi.URLParam(r, "gameID")
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "game-"+gameID+".csv"))
	if err := s.game.ExportGameCSV(r.Context(), user.Profile, gameID, w); err != nil {
		// Headers may already be out; log instead of double-writing.
		s.log.Error("csv export failed", "game_id", gameID, "error", err)
	}
}

// writeDomainError maps service sentinel errors onto HTTP statuses in one
// place so handlers stay thin.
func writeDomainError(w http.ResponseWriter, err error) {
	var quorum *game.QuorumError
	switch {
	case errors.Is(err, game.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, game.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, game.ErrProfileNotFound),
		errors.Is(err, game.ErrGameNotFound),
		errors.Is(err, game.ErrTradeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &quorum),
		errors.Is(err, game.ErrGameNotActive),
		errors.Is(err, game.ErrGameNotWaiting),
		errors.Is(err, game.ErrGameEnded),
		errors.Is(err, game.ErrInvalidRound),
		errors.Is(err, game.ErrCountryNotAssigned):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
