// Package api exposes game.Service over HTTP and pushes session events to
// WebSocket clients.
//
// All monetary values use shopspring/decimal and are encoded as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/econgames/odyssey-engine/internal/asset"
	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/model"
	"github.com/econgames/odyssey-engine/internal/portfolio"
	"github.com/econgames/odyssey-engine/internal/scheduler"
	"github.com/econgames/odyssey-engine/internal/store"
)

const defaultLeaderboardLimit = 10

// Scheduler is the auto-advance control used by the schedule routes.
type Scheduler interface {
	Schedule(sessionID, userID, spec string) error
	Unschedule(sessionID string) error
}

// Handler serves the session, trading and leaderboard routes.
type Handler struct {
	svc   *game.Service
	sched Scheduler // optional; schedule routes answer 501 without it
	hub   *WSHub    // optional; /ws is not mounted without it
}

// NewHandler creates a Handler. sched and hub may be nil.
func NewHandler(svc *game.Service, sched Scheduler, hub *WSHub) *Handler {
	return &Handler{svc: svc, sched: sched, hub: hub}
}

// Routes mounts every route on r, relative to the API prefix.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/leaderboard", h.Leaderboard)

	r.Post("/sessions", h.StartSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/advance", h.AdvanceRound)
		r.Post("/schedule", h.Schedule)
		r.Delete("/schedule", h.Unschedule)

		r.Route("/players/{userID}", func(r chi.Router) {
			r.Get("/", h.GetPlayer)
			r.Post("/trades", h.Trade)
			r.Post("/buy-all", h.BuyAll)
			r.Post("/buy-selected", h.BuySelected)
			r.Post("/sell-all", h.SellAll)
			r.Get("/results", h.Results)
		})
	})
}

// --- Request/Response types ---

// StartSessionRequest is the JSON body for POST /sessions.
type StartSessionRequest struct {
	UserID string `json:"user_id"`
}

// SessionResponse pairs a session with the requesting player.
type SessionResponse struct {
	Session *model.SimulationState `json:"session"`
	Player  *model.PlayerState     `json:"player"`
}

// AdvanceRequest is the JSON body for POST /sessions/{sessionID}/advance.
// ExpectedRound is the round the caller last saw.
type AdvanceRequest struct {
	UserID        string `json:"user_id"`
	ExpectedRound *int   `json:"expected_round"`
}

// TradeRequest is the JSON body for POST .../trades.
type TradeRequest struct {
	Asset    string          `json:"asset"`
	Action   string          `json:"action"` // "buy" or "sell"
	Quantity decimal.Decimal `json:"quantity"`
}

// BuySelectedRequest is the JSON body for POST .../buy-selected.
type BuySelectedRequest struct {
	Assets []string `json:"assets"`
}

// ScheduleRequest is the JSON body for POST /sessions/{sessionID}/schedule.
// An empty Spec uses the server's default auto-advance schedule.
type ScheduleRequest struct {
	UserID string `json:"user_id"`
	Spec   string `json:"spec"`
}

// PlayerResponse is a player snapshot valued at the session's prices.
type PlayerResponse struct {
	*model.PlayerState
	TotalValue decimal.Decimal `json:"total_value"`
}

// --- HTTP Handlers ---

// StartSession handles POST /api/v1/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sim, player, err := h.svc.StartSession(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{Session: sim, Player: player})
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sim, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// GetPlayer handles GET /api/v1/sessions/{sessionID}/players/{userID}
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, userID := chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID")

	sim, err := h.svc.Session(ctx, sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	player, err := h.svc.Player(ctx, sessionID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PlayerResponse{
		PlayerState: player,
		TotalValue:  portfolio.TotalValue(player, sim.AssetPrices),
	})
}

// AdvanceRound handles POST /api/v1/sessions/{sessionID}/advance
func (h *Handler) AdvanceRound(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.ExpectedRound == nil {
		writeError(w, "expected_round is required", http.StatusBadRequest)
		return
	}

	res, err := h.svc.AdvanceRound(r.Context(), chi.URLParam(r, "sessionID"), req.UserID, *req.ExpectedRound)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Trade handles POST /api/v1/sessions/{sessionID}/players/{userID}/trades
func (h *Handler) Trade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := asset.Parse(req.Asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	action := model.Action(strings.ToLower(strings.TrimSpace(req.Action)))

	res, err := h.svc.Trade(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"),
		a, action, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BuyAll handles POST /api/v1/sessions/{sessionID}/players/{userID}/buy-all
func (h *Handler) BuyAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.BuyAll(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BuySelected handles POST /api/v1/sessions/{sessionID}/players/{userID}/buy-selected
func (h *Handler) BuySelected(w http.ResponseWriter, r *http.Request) {
	var req BuySelectedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Assets) == 0 {
		writeError(w, "assets must not be empty", http.StatusBadRequest)
		return
	}
	assets := make([]asset.Asset, 0, len(req.Assets))
	for _, s := range req.Assets {
		a, err := asset.Parse(s)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		assets = append(assets, a)
	}

	res, err := h.svc.BuySelected(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"), assets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SellAll handles POST /api/v1/sessions/{sessionID}/players/{userID}/sell-all
func (h *Handler) SellAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.SellAll(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Results handles GET /api/v1/sessions/{sessionID}/players/{userID}/results
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Results(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Schedule handles POST /api/v1/sessions/{sessionID}/schedule
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeError(w, "auto-advance is not enabled", http.StatusNotImplemented)
		return
	}
	var req ScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.svc.Player(r.Context(), sessionID, req.UserID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.sched.Schedule(sessionID, req.UserID, req.Spec); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unschedule handles DELETE /api/v1/sessions/{sessionID}/schedule
func (h *Handler) Unschedule(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeError(w, "auto-advance is not enabled", http.StatusNotImplemented)
		return
	}
	if err := h.sched.Unschedule(chi.URLParam(r, "sessionID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.svc.Leaderboard(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// decodeJSON decodes the request body into v, rejecting unknown fields. On
// failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeError(w, fmt.Sprintf("%s: %v", msg, err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps engine and store errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrNotScheduled):
		status = http.StatusNotFound
	case errors.Is(err, asset.ErrInvalidAsset),
		errors.Is(err, portfolio.ErrInvalidQuantity),
		errors.Is(err, portfolio.ErrInvalidPrice),
		errors.Is(err, game.ErrInvalidAction),
		errors.Is(err, game.ErrMissingUser),
		errors.Is(err, scheduler.ErrInvalidSpec):
		status = http.StatusBadRequest
	case errors.Is(err, portfolio.ErrInsufficientFunds),
		errors.Is(err, portfolio.ErrInsufficientHoldings):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, game.ErrInvalidRoundTransition),
		errors.Is(err, game.ErrConcurrentRoundConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}
