// Package httpserver exposes the metering REST surface: the streaming chat
// endpoint plus account and credit administration.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/agentbazaar/metering/internal/billing"
	"github.com/agentbazaar/metering/internal/catalog"
	"github.com/agentbazaar/metering/internal/chatstore"
	"github.com/agentbazaar/metering/internal/identity"
	"github.com/agentbazaar/metering/internal/ledger"
	"github.com/agentbazaar/metering/internal/metrics"
	"github.com/agentbazaar/metering/internal/provider"
	"github.com/agentbazaar/metering/internal/session"
)

// Server wires the metering components behind HTTP.
type Server struct {
	identity   identity.Store
	gate       *billing.Gate
	recorder   *billing.Recorder
	ledger     ledger.Store
	controller *session.Controller
	messages   chatstore.Store
	provider   provider.ChatProvider
	catalog    *catalog.Store
	metrics    *metrics.Collector

	authDisabled  bool
	webhookSecret string

	logger *log.Logger
}

// Options configures a Server.
type Options struct {
	Identity   identity.Store
	Gate       *billing.Gate
	Recorder   *billing.Recorder
	Ledger     ledger.Store
	Controller *session.Controller
	Messages   chatstore.Store
	Provider   provider.ChatProvider
	Catalog    *catalog.Store
	Metrics    *metrics.Collector

	AuthDisabled  bool
	WebhookSecret string
	Logger        *log.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[httpserver] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Server{
		identity:      opts.Identity,
		gate:          opts.Gate,
		recorder:      opts.Recorder,
		ledger:        opts.Ledger,
		controller:    opts.Controller,
		messages:      opts.Messages,
		provider:      opts.Provider,
		catalog:       opts.Catalog,
		metrics:       opts.Metrics,
		authDisabled:  opts.AuthDisabled,
		webhookSecret: opts.WebhookSecret,
		logger:        logger,
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Group(func(private chi.Router) {
		private.Use(s.sessionMiddleware)
		private.Post("/chat", s.handleChat)
		private.Route("/api/v1/account", func(api chi.Router) {
			api.Get("/balance", s.handleBalance)
			api.Get("/usage", s.handleUsageSummary)
			api.Get("/transactions", s.handleTransactions)
		})
	})

	r.Post("/api/v1/credits/grant", s.handleCreditGrant)

	return r
}

type contextKey string

const userContextKey contextKey = "metering.user"

// sessionMiddleware resolves the API key to a user and stores it on the
// request context. 401 on failure unless auth is disabled.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authDisabled {
			ctx := context.WithValue(r.Context(), userContextKey, identity.User{ID: "dev", Email: "dev@localhost"})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		user, err := s.authenticate(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (identity.User, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if key == "" {
		return identity.User{}, identity.ErrUnauthorized
	}
	return s.identity.UserByAPIKey(r.Context(), key)
}

func userFrom(ctx context.Context) (identity.User, bool) {
	u, ok := ctx.Value(userContextKey).(identity.User)
	return u, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	snap := s.metrics.Export()
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, metrics.FormatPrometheus(snap))
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		return
	}
	account, err := s.ledger.Account(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":          account.UserID,
		"balance":          account.Balance.String(),
		"lifetime_credits": account.LifetimeCredits.String(),
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		return
	}
	summary, err := s.ledger.Summary(r.Context(), user.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	user, ok := userFrom(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	rows, err := s.ledger.ListRecent(r.Context(), user.ID, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": rows})
}

type creditGrantRequest struct {
	UserID      string `json:"user_id"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
}

// handleCreditGrant is the entry point for the payment-webhook collaborator:
// purchase, promotional, refund and adjustment rows with explicit amounts.
func (s *Server) handleCreditGrant(w http.ResponseWriter, r *http.Request) {
	if s.webhookSecret == "" || r.Header.Get("X-Webhook-Secret") != s.webhookSecret {
		s.respondError(w, http.StatusUnauthorized, identity.ErrUnauthorized)
		return
	}
	var req creditGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	kind := ledger.Kind(req.Kind)
	if kind.IsUsage() {
		s.respondError(w, http.StatusBadRequest, errors.New("usage kinds are recorded by the session controller"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	rows, err := s.recorder.RecordTransaction(r.Context(), billing.RecordParams{
		UserID:      req.UserID,
		Kind:        kind,
		Amount:      &amount,
		Description: req.Description,
	})
	if errors.Is(err, ledger.ErrValidation) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"transactions": rows})
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Decimal{}, errors.New("amount is required")
	}
	return decimal.NewFromString(raw)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	if s.metrics != nil && status >= 500 {
		s.metrics.RecordRequestError("http")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
