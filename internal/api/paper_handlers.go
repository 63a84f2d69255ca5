package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradegate/internal/alert"
	"tradegate/pkg/types"
)

func (s *Server) handlePaperAccounts(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.opts.Simulator.Accounts())
}

func (s *Server) handlePaperAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.opts.Simulator.Account(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handlePaperOrders(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.history.ordersFor(chi.URLParam(r, "id")))
}

func (s *Server) handlePaperFills(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.history.fillsFor(chi.URLParam(r, "id")))
}

func (s *Server) handlePaperMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.opts.Simulator.Account(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}

	fills := s.history.fillsFor(id)
	commissions := decimal.Zero
	for _, f := range fills {
		commissions = commissions.Add(f.Commission).Add(f.Fees)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id":      id,
		"current_balance": a.CurrentBalance.String(),
		"buying_power":    a.BuyingPower.String(),
		"day_pnl":         a.DayPnL.String(),
		"total_pnl":       a.TotalPnL.String(),
		"open_positions":  len(a.Positions),
		"fill_count":      len(fills),
		"commissions":     commissions.String(),
	})
}

func (s *Server) handlePaperReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Confirm bool `json:"confirm"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if !body.Confirm {
		s.respondError(w, http.StatusBadRequest, "confirmation_required")
		return
	}
	if err := s.opts.Simulator.ResetAccount(id); err != nil {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}
	s.logger.Info("paper account reset", "account", id)
	s.respondJSON(w, http.StatusOK, map[string]string{"account_id": id, "status": "reset"})
}

func (s *Server) handlePaperFlatten(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := s.opts.Simulator.Account(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}

	closed := make([]string, 0, len(a.Positions))
	for symbol, p := range a.Positions {
		qty := p.NetQuantity
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		al := &types.Alert{
			Symbol:       symbol,
			Action:       types.ActionClose,
			Quantity:     int(qty),
			OrderType:    types.OrderMarket,
			AccountGroup: id,
			Comment:      "manual flatten",
		}
		if _, err := s.opts.Orchestrator.Submit(al); err != nil {
			s.respondError(w, http.StatusServiceUnavailable, "shutting_down")
			return
		}
		closed = append(closed, symbol)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id":       id,
		"positions_closed": closed,
	})
}

// handlePaperAlert accepts an alert identical in shape to the webhook
// body, forced onto a paper route, without requiring a signature.
func (s *Server) handlePaperAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.Auth.MaxBody()))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable_body")
		return
	}
	parsed, err := alert.Parse(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if parsed.AccountGroup == "" || !strings.HasPrefix(parsed.AccountGroup, "paper") {
		parsed.AccountGroup = "paper_simulator"
	}

	id, err := s.opts.Orchestrator.Submit(parsed)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "shutting_down")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":   "received",
		"alert_id": id,
	})
}

// handlePaperCancel: simulator orders fill synchronously, so by the
// time a cancel arrives the order is terminal.
func (s *Server) handlePaperCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, ok := s.history.orderByID(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "order_not_found")
		return
	}
	s.respondJSON(w, http.StatusConflict, map[string]any{
		"status": "not_cancellable",
		"order":  order,
	})
}
