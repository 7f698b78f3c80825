// Package api provides the HTTP handlers for challenges, joins,
// settlement, wallets and sample ingestion.
//
// All monetary values are integer cents.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/challenge"
	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/pool"
	"github.com/stakefit/settlement-engine/internal/settlement"
	"github.com/stakefit/settlement-engine/internal/store"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	store      store.Store
	challenges *challenge.Service
	pools      *pool.Service
	wallets    *wallet.Service
	engine     *settlement.Engine
	hub        *events.Hub // optional
}

// NewHandler creates the handler set. hub may be nil.
func NewHandler(st store.Store, challenges *challenge.Service, pools *pool.Service,
	wallets *wallet.Service, engine *settlement.Engine, hub *events.Hub) *Handler {
	return &Handler{
		store:      st,
		challenges: challenges,
		pools:      pools,
		wallets:    wallets,
		engine:     engine,
		hub:        hub,
	}
}

// Register mounts the API under /api/v1.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/challenges", h.ListChallenges)
		r.Post("/challenges", h.CreateChallenge)
		r.Get("/challenges/{challengeID}", h.GetChallenge)
		r.Get("/challenges/{challengeID}/pool", h.GetPool)
		r.Get("/challenges/{challengeID}/result", h.GetResult)
		r.Post("/challenges/{challengeID}/join", h.Join)
		r.Post("/challenges/{challengeID}/finalize", h.Finalize)
		r.Post("/challenges/{challengeID}/cancel", h.Cancel)

		r.Post("/wallets/{userID}", h.OpenWallet)
		r.Get("/wallets/{userID}", h.GetWallet)
		r.Post("/wallets/{userID}/deposit", h.Deposit)
		r.Post("/wallets/{userID}/withdraw", h.Withdraw)
		r.Get("/wallets/{userID}/ledger", h.Ledger)

		r.Post("/samples", h.IngestSamples)
	})
}

// --- Request/Response types ---

// JoinRequest is the JSON body for POST /challenges/{id}/join.
type JoinRequest struct {
	UserID string `json:"user_id"`
	Stake  int64  `json:"stake"` // cents
}

// JoinResponse is returned from a successful join.
type JoinResponse struct {
	Participation model.Participation `json:"participation"`
	Pool          model.Pool          `json:"pool"`
}

// CancelRequest is the JSON body for POST /challenges/{id}/cancel.
type CancelRequest struct {
	OperatorID string `json:"operator_id"`
}

// FundsRequest is the JSON body for deposits and withdrawals.
type FundsRequest struct {
	Amount     int64  `json:"amount"` // cents
	Reference  string `json:"reference"`
	OperatorID string `json:"operator_id"`
}

// --- Challenges ---

// CreateChallenge handles POST /api/v1/challenges
func (h *Handler) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req challenge.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.challenges.Create(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListChallenges handles GET /api/v1/challenges?status=active,scheduled
func (h *Handler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	var statuses []model.ChallengeStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, model.ChallengeStatus(strings.TrimSpace(s)))
		}
	}
	list, err := h.challenges.List(r.Context(), statuses...)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetChallenge handles GET /api/v1/challenges/{challengeID}
func (h *Handler) GetChallenge(w http.ResponseWriter, r *http.Request) {
	c, err := h.challenges.Get(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetPool handles GET /api/v1/challenges/{challengeID}/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	snap, err := h.pools.Snapshot(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Join handles POST /api/v1/challenges/{challengeID}/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", "invalid_request", http.StatusBadRequest)
		return
	}
	part, p, err := h.pools.Join(r.Context(), chi.URLParam(r, "challengeID"), req.UserID, req.Stake)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, JoinResponse{Participation: *part, Pool: *p})
}

// Finalize handles POST /api/v1/challenges/{challengeID}/finalize
// A settled or void challenge returns its stored result with 200.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Finalize(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel handles POST /api/v1/challenges/{challengeID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OperatorID == "" {
		writeError(w, "operator_id is required", "invalid_request", http.StatusBadRequest)
		return
	}
	res, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "challengeID"), req.OperatorID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetResult handles GET /api/v1/challenges/{challengeID}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Result(r.Context(), chi.URLParam(r, "challengeID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Wallets ---

// OpenWallet handles POST /api/v1/wallets/{userID}
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.wallets.Open(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wl)
}

// GetWallet handles GET /api/v1/wallets/{userID}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wl, err := h.wallets.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	wl, err := h.wallets.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference, req.OperatorID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req FundsRequest
	if !decode(w, r, &req) {
		return
	}
	wl, err := h.wallets.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference, req.OperatorID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}

// Ledger handles GET /api/v1/wallets/{userID}/ledger?limit=50
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", "invalid_request", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.wallets.Entries(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", "invalid_request", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg, code string, status int) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

var errorMap = []struct {
	err    error
	code   string
	status int
}{
	{model.ErrUnknownChallenge, "unknown_challenge", http.StatusNotFound},
	{model.ErrUnknownUser, "unknown_user", http.StatusNotFound},
	{model.ErrNotFound, "not_found", http.StatusNotFound},
	{model.ErrInsufficientFunds, "insufficient_funds", http.StatusUnprocessableEntity},
	{model.ErrExposureLimitExceeded, "exposure_limit_exceeded", http.StatusUnprocessableEntity},
	{model.ErrStakeOutOfRange, "stake_out_of_range", http.StatusBadRequest},
	{model.ErrInvalidAmount, "invalid_amount", http.StatusBadRequest},
	{model.ErrInvalidChallenge, "invalid_challenge", http.StatusBadRequest},
	{ErrInvalidSample, "invalid_sample", http.StatusBadRequest},
	{model.ErrChallengeFull, "challenge_full", http.StatusConflict},
	{model.ErrAlreadyJoined, "already_joined", http.StatusConflict},
	{model.ErrChallengeNotActive, "challenge_not_active", http.StatusConflict},
	{model.ErrAlreadyInProgress, "already_in_progress", http.StatusConflict},
	{model.ErrNotEnded, "not_ended", http.StatusConflict},
	{model.ErrStatusConflict, "status_conflict", http.StatusConflict},
	{model.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
	{model.ErrAlreadyReleased, "already_released", http.StatusConflict},
	{challenge.ErrNotStarted, "not_started", http.StatusConflict},
}

// writeErr maps a domain error to its status and code. Anything
// unrecognised is logged and reported as a 500 without details.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMap {
		if errors.Is(err, m.err) {
			writeError(w, err.Error(), m.code, m.status)
			return
		}
	}
	code := "internal"
	if errors.Is(err, model.ErrInvariantViolation) {
		code = "invariant_violation"
	}
	log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, "internal error", code, http.StatusInternalServerError)
}
