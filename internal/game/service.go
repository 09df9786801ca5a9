// Package game provides the HTTP handlers for session management, bid
// placement, and querying phase state, clearing results, and fills.
//
// Volumes use shopspring/decimal — never float64 for energy quantities.
// Prices are integer currency units per MWh.
package game

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridgame/market-engine/internal/metrics"
	"github.com/gridgame/market-engine/internal/model"
	"github.com/gridgame/market-engine/internal/scheduler"
	"github.com/gridgame/market-engine/internal/store"
)

// Service handles game session operations. Phase transitions are
// delegated to the scheduler; handlers only flip flags and read state.
type Service struct {
	store store.Store
	sched *scheduler.Scheduler
}

// NewService creates a new game service.
func NewService(st store.Store, sched *scheduler.Scheduler) *Service {
	return &Service{store: st, sched: sched}
}

// --- Request/Response types ---

// CreateSessionRequest is the JSON body for session creation.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	MultiGame  bool   `json:"multi_game"`  // true → at least 2 players required
	PhaseCount int    `json:"phase_count"` // 0 → unlimited
}

// JoinSessionRequest is the JSON body for adding a player.
type JoinSessionRequest struct {
	Name string `json:"name"`
}

// ReadyRequest is the JSON body for flipping a readiness flag.
type ReadyRequest struct {
	Ready bool `json:"ready"`
}

// PlaceBidRequest is the JSON body for POST bids. An empty user_id
// marks a scenario bid seeded by the operator.
type PlaceBidRequest struct {
	UserID string          `json:"user_id"`
	Side   model.Side      `json:"side"`
	Volume decimal.Decimal `json:"volume"`
	Price  int64           `json:"price"`
}

// PhaseResponse is a Phase plus the derived stage enum.
type PhaseResponse struct {
	model.Phase
	Stage model.Stage `json:"stage"`
}

// --- HTTP Handlers ---

// CreateSession handles POST /api/v1/sessions
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.PhaseCount < 0 {
		writeError(w, "phase_count must not be negative", http.StatusBadRequest)
		return
	}

	sess := &model.Session{
		ID:           uuid.New().String(),
		Name:         req.Name,
		MultiGame:    req.MultiGame,
		PhaseCount:   req.PhaseCount,
		Status:       model.SessionStatusPending,
		CurrentPhase: -1,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("session created",
		"id", sess.ID,
		"name", sess.Name,
		"multi_game", sess.MultiGame,
		"phase_count", sess.PhaseCount,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

// GetSession handles GET /api/v1/sessions/{sessionID}
func (s *Service) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// JoinSession handles POST /api/v1/sessions/{sessionID}/users
func (s *Service) JoinSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.Status == model.SessionStatusEnded {
		writeError(w, "session has ended", http.StatusConflict)
		return
	}

	user := &model.User{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Name:      req.Name,
	}
	if err := s.store.AddUser(ctx, user); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("user joined", "session", sessionID, "user", user.ID, "name", user.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// ListUsers handles GET /api/v1/sessions/{sessionID}/users
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.GetUsers(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, "failed to list users", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []model.User{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}

// SetReady handles PUT /api/v1/sessions/{sessionID}/users/{userID}/ready
//
// Flipping a flag to true may skip the session ahead: start it, clear
// the current phase early, or publish results early. The transition runs
// synchronously so the response reflects the post-transition state.
func (s *Service) SetReady(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := chi.URLParam(r, "userID")

	var req ReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.store.SetUserReady(ctx, sessionID, userID, req.Ready); err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	if req.Ready {
		if err := s.sched.OnAllPlayersReady(ctx, sessionID); err != nil {
			slog.Error("readiness transition failed", "session", sessionID, "err", err)
			writeError(w, "failed to advance session", http.StatusInternalServerError)
			return
		}
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// PlaceBid handles POST /api/v1/sessions/{sessionID}/bids
// Bids are accepted only while the current phase's bidding window is open.
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req PlaceBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Side.Valid() {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if !req.Volume.IsPositive() {
		writeError(w, "volume must be positive", http.StatusBadRequest)
		return
	}
	if req.Price < 0 {
		writeError(w, "price must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.CurrentPhase < 0 {
		writeError(w, "session has no open phase", http.StatusConflict)
		return
	}
	phase, err := s.store.GetPhase(ctx, sessionID, sess.CurrentPhase)
	if err != nil {
		writeError(w, "phase not found", http.StatusInternalServerError)
		return
	}
	if !phase.BidsAllowed {
		writeError(w, "bidding is closed for the current phase", http.StatusConflict)
		return
	}

	bid := &model.Bid{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    req.UserID,
		Phase:     sess.CurrentPhase,
		Side:      req.Side,
		Volume:    req.Volume,
		Price:     req.Price,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertBid(ctx, bid); err != nil {
		writeError(w, "failed to record bid", http.StatusInternalServerError)
		return
	}
	metrics.BidsPlacedTotal.WithLabelValues(string(req.Side)).Inc()

	slog.Info("bid placed",
		"session", sessionID,
		"phase", sess.CurrentPhase,
		"user", req.UserID,
		"side", req.Side,
		"volume", req.Volume.String(),
		"price", req.Price,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bid)
}

// DeleteBid handles DELETE /api/v1/sessions/{sessionID}/bids/{bidID}
// Deletion follows the same window as placement: once bidding closes the
// bid set is frozen for clearing.
func (s *Service) DeleteBid(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	bidID := chi.URLParam(r, "bidID")

	ctx := r.Context()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		writeError(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.CurrentPhase >= 0 {
		phase, err := s.store.GetPhase(ctx, sessionID, sess.CurrentPhase)
		if err != nil {
			writeError(w, "phase not found", http.StatusInternalServerError)
			return
		}
		if !phase.BidsAllowed {
			writeError(w, "bidding is closed for the current phase", http.StatusConflict)
			return
		}
	}

	if err := s.store.DeleteBid(ctx, sessionID, bidID); err != nil {
		writeError(w, "bid not found", http.StatusNotFound)
		return
	}

	slog.Info("bid deleted", "session", sessionID, "bid", bidID)
	w.WriteHeader(http.StatusNoContent)
}

// GetPhase handles GET /api/v1/sessions/{sessionID}/phases/{number}
func (s *Service) GetPhase(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 0 {
		writeError(w, "invalid phase number", http.StatusBadRequest)
		return
	}

	phase, err := s.store.GetPhase(r.Context(), sessionID, number)
	if err != nil {
		writeError(w, "phase not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PhaseResponse{Phase: *phase, Stage: phase.Stage()})
}

// GetClearing handles GET /api/v1/sessions/{sessionID}/phases/{number}/clearing
// Returns 409 while the phase has not cleared yet.
func (s *Service) GetClearing(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 0 {
		writeError(w, "invalid phase number", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	phase, err := s.store.GetPhase(ctx, sessionID, number)
	if err != nil {
		writeError(w, "phase not found", http.StatusNotFound)
		return
	}
	if !phase.ClearingAvailable {
		writeError(w, "clearing not yet available", http.StatusConflict)
		return
	}

	result, err := s.store.GetClearing(ctx, sessionID, number)
	if err != nil {
		writeError(w, "failed to load clearing result", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetExchanges handles GET /api/v1/sessions/{sessionID}/phases/{number}/exchanges?user_id=
// Per-user fills for a cleared phase.
func (s *Service) GetExchanges(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 0 {
		writeError(w, "invalid phase number", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	phase, err := s.store.GetPhase(ctx, sessionID, number)
	if err != nil {
		writeError(w, "phase not found", http.StatusNotFound)
		return
	}
	if !phase.ClearingAvailable {
		writeError(w, "clearing not yet available", http.StatusConflict)
		return
	}

	exchanges, err := s.store.GetExchangesForUser(ctx, sessionID, userID, number)
	if err != nil {
		writeError(w, "failed to load exchanges", http.StatusInternalServerError)
		return
	}
	if exchanges == nil {
		exchanges = []model.Exchange{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(exchanges)
}

// GetUserBids handles GET /api/v1/sessions/{sessionID}/phases/{number}/bids?user_id=
func (s *Service) GetUserBids(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 0 {
		writeError(w, "invalid phase number", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	bids, err := s.store.GetBidsForUserInPhase(r.Context(), sessionID, userID, number)
	if err != nil {
		writeError(w, "failed to load bids", http.StatusInternalServerError)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bids)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
