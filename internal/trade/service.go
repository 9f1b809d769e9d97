// Package trade provides the HTTP handlers and business logic for
// listing markets, executing trades, settling markets and querying
// portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bcpmarket/market-engine/internal/auth"
	"github.com/bcpmarket/market-engine/internal/store"
)

// Service exposes the Engine and account operations over HTTP. The caller's
// identity always comes from the verified bearer token, never the body.
type Service struct {
	engine   *Engine
	accounts *auth.Accounts
}

// NewService creates the HTTP service.
func NewService(engine *Engine, accounts *auth.Accounts) *Service {
	return &Service{engine: engine, accounts: accounts}
}

// Routes mounts the API on r. Public reads need no token; player routes
// need a valid token; market administration needs the admin role.
func (s *Service) Routes(r chi.Router, tokens auth.JWT) {
	r.Post("/auth/register", s.Register)
	r.Post("/auth/login", s.Login)

	r.Get("/leaderboard", s.Leaderboard)
	r.Get("/activity", s.Activity)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/comments", s.ListComments)
	r.Get("/outcomes/{outcomeID}/history", s.PriceHistory)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokens))

		r.Get("/me", s.Me)
		r.Post("/claim", s.ClaimDaily)
		r.Post("/trade", s.ExecuteTrade)
		r.Post("/markets/{marketID}/comments", s.PostComment)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Post("/markets", s.CreateMarket)
			r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
		})
	})
}

// --- Request types ---

// CredentialsRequest is the JSON body for register and login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TradeRequest is the JSON body for POST /trade. The price is always the
// outcome's current price at execution.
type TradeRequest struct {
	OutcomeID int64  `json:"outcome_id"`
	Action    string `json:"action"` // "BUY" or "SELL"
	Quantity  int64  `json:"quantity"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Question string `json:"question"`
	Options  string `json:"options"`          // "Yes, No"
	Prices   string `json:"prices,omitempty"` // "0.6, 0.4"; empty for equal prices
}

type ResolveRequest struct {
	WinningOutcomeID int64 `json:"winning_outcome_id"`
}

type CommentRequest struct {
	Text string `json:"text"`
}

// --- Accounts ---

// Register handles POST /api/v1/auth/register
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Login handles POST /api/v1/auth/login
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Me handles GET /api/v1/me
func (s *Service) Me(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	p, err := s.engine.Portfolio(r.Context(), claims.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClaimDaily handles POST /api/v1/claim
func (s *Service) ClaimDaily(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFromContext(r.Context())
	u, err := s.engine.ClaimDaily(r.Context(), claims.Username)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Trading ---

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())

	fill, err := s.engine.Trade(r.Context(), claims.Username, req.OutcomeID, req.Action, req.Quantity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fill)
}

// Leaderboard handles GET /api/v1/leaderboard
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.Leaderboard(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// Activity handles GET /api/v1/activity
func (s *Service) Activity(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	txns, err := s.engine.RecentActivity(r.Context(), page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets, optionally filtered by ?status=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.ListMarkets(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	m, err := s.engine.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CreateMarket handles POST /api/v1/markets (admin)
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.engine.CreateMarket(r.Context(), req.Question, req.Options, req.Prices)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve (admin)
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.engine.Resolve(r.Context(), id, req.WinningOutcomeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PriceHistory handles GET /api/v1/outcomes/{outcomeID}/history
func (s *Service) PriceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "outcomeID")
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	points, err := s.engine.PriceHistory(r.Context(), id, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Comments ---

// ListComments handles GET /api/v1/markets/{marketID}/comments
func (s *Service) ListComments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	page, ok := parsePage(w, r)
	if !ok {
		return
	}
	comments, err := s.engine.Comments(r.Context(), id, page)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comments)
}

// PostComment handles POST /api/v1/markets/{marketID}/comments
func (s *Service) PostComment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "marketID")
	if !ok {
		return
	}
	var req CommentRequest
	if !decode(w, r, &req) {
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	c, err := s.engine.PostComment(r.Context(), id, claims.Username, req.Text)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid "+param, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// parsePage reads ?limit= and ?before_id=.
func parsePage(w http.ResponseWriter, r *http.Request) (store.Page, bool) {
	var page store.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return page, false
		}
		page.Limit = n
	}
	if v := q.Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, "before_id must be a non-negative integer", http.StatusBadRequest)
			return page, false
		}
		page.BeforeID = n
	}
	return page.Normalize(), true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidAction),
		errors.Is(err, ErrInvalidListing),
		errors.Is(err, ErrInvalidComment),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAdminTrade):
		return http.StatusForbidden
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrMarketNotFound),
		errors.Is(err, ErrOutcomeNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrDuplicateUser),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrMarketNotOpen):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
