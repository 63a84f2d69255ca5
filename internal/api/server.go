// Package api is the HTTP and websocket surface: the signed webhook
// intake, the funded-account and paper-trading REST endpoints, the
// strategy endpoints, and the event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"tradegate/internal/alert"
	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/funded"
	"tradegate/internal/journal"
	"tradegate/internal/orchestrator"
	"tradegate/internal/router"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/internal/webhook"
)

// Options collects the server's collaborators.
type Options struct {
	AllowedOrigins []string // CORS; empty means any origin

	Auth         *webhook.Authenticator
	Orchestrator *orchestrator.Orchestrator
	Funded       *funded.Engine
	Simulator    *sim.Simulator
	Strategies   *strategy.Tracker
	Journal      *journal.Client
	Registry     *broker.Registry
	Router       *router.Router
	Bus          *bus.Bus
}

// Server carries the handler state. Build with New, mount with Routes.
type Server struct {
	opts    Options
	logger  *slog.Logger
	hub     *Hub
	history *history
	started time.Time
}

func New(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		opts:    opts,
		logger:  logger.With("component", "api"),
		history: newHistory(opts.Bus),
		started: time.Now(),
	}
	s.hub = newHub(opts.Bus, opts.Simulator, logger)
	return s
}

// Run starts the background fan-out loops (websocket hub, history
// recorder) until ctx ends.
func (s *Server) Run(ctx context.Context) {
	go s.history.run(ctx)
	s.hub.run(ctx)
}

// CloseConnections disconnects every websocket client. Used at shutdown
// after the orchestrator has drained.
func (s *Server) CloseConnections() {
	s.hub.closeAll()
}

// Routes builds the chi router with all endpoints mounted.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", webhook.SignatureHeader},
	}))

	r.Post("/webhook/tradingview", s.handleWebhook)
	r.Get("/webhook/test", s.handleWebhookTest)

	r.Route("/api/v1/funded-accounts", func(r chi.Router) {
		r.Get("/", s.handleFundedList)
		r.Get("/violations/", s.handleFundedViolations)
		r.Post("/violations/{id}/acknowledge", s.handleFundedAcknowledge)
		r.Get("/{id}", s.handleFundedDetail)
		r.Get("/{id}/metrics", s.handleFundedMetrics)
		r.Post("/{id}/flatten-positions", s.handleFundedFlatten)
		r.Post("/{id}/pause", s.handleFundedPause)
		r.Post("/{id}/resume", s.handleFundedResume)
	})

	r.Route("/api/paper-trading", func(r chi.Router) {
		r.Get("/accounts", s.handlePaperAccounts)
		r.Get("/accounts/{id}", s.handlePaperAccount)
		r.Get("/accounts/{id}/orders", s.handlePaperOrders)
		r.Get("/accounts/{id}/fills", s.handlePaperFills)
		r.Get("/accounts/{id}/metrics", s.handlePaperMetrics)
		r.Post("/accounts/{id}/reset", s.handlePaperReset)
		r.Post("/accounts/{id}/flatten", s.handlePaperFlatten)
		r.Post("/alerts", s.handlePaperAlert)
		r.Post("/orders/{id}/cancel", s.handlePaperCancel)
	})

	r.Route("/api/strategies", func(r chi.Router) {
		r.Get("/summaries", s.handleStrategySummaries)
		r.Get("/alerts", s.handleStrategyAlerts)
		r.Delete("/alerts", s.handleStrategyClearAlerts)
		r.Post("/register", s.handleStrategyRegister)
		r.Get("/{id}", s.handleStrategySummary)
		r.Get("/{id}/summary", s.handleStrategySummary)
		r.Get("/{id}/sets", s.handleStrategySets)
		r.Get("/{id}/transitions", s.handleStrategyTransitions)
		r.Post("/{id}/mode", s.handleStrategyMode)
	})

	r.Get("/ws", s.hub.handleUpgrade)
	return r
}

// ————————————————————————————————————————————————————————————————————————
// Webhook intake
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	maxBody := s.opts.Auth.MaxBody()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable_body")
		return
	}
	oversized := int64(len(body)) > maxBody

	reason := s.opts.Auth.Authenticate(
		r.Header.Get("Content-Type"),
		r.Header.Get(webhook.SignatureHeader),
		webhook.SourceKey(r),
		body, oversized)
	if reason != "" {
		s.logger.Warn("webhook rejected", "reason", reason, "source", webhook.SourceKey(r))
		s.respondError(w, reason.HTTPStatus(), string(reason))
		return
	}

	parsed, err := alert.Parse(body)
	if err != nil {
		var verr *alert.ValidationError
		reason := "invalid_alert"
		if errors.As(err, &verr) {
			reason = string(verr.Kind)
		}
		s.logger.Warn("alert rejected", "reason", reason, "error", err)
		s.respondError(w, http.StatusBadRequest, reason)
		return
	}

	id, err := s.opts.Orchestrator.Submit(parsed)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":   "received",
		"alert_id": id,
		"message":  "alert accepted for processing",
	})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"brokers":        s.opts.Registry.Keys(),
		"journal":        s.opts.Journal.Stats(),
		"bus_dropped":    s.opts.Bus.Dropped(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Response helpers
// ————————————————————————————————————————————————————————————————————————

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encoding failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, reason string) {
	s.respondJSON(w, status, map[string]string{"status": "error", "reason": reason})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed_body")
		return false
	}
	return true
}
