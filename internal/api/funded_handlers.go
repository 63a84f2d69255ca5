package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradegate/internal/funded"
	"tradegate/pkg/types"
)

// fundedView is the REST shape for a funded account's rule state.
type fundedView struct {
	AccountID        string           `json:"account_id"`
	Group            string           `json:"group"`
	DailyPnL         string           `json:"daily_pnl"`
	MaxPeakEquity    string           `json:"max_peak_equity"`
	CurrentDrawdown  string           `json:"current_drawdown"`
	TodayTrades      int              `json:"today_trades"`
	Status           string           `json:"status"`
	RiskLevel        funded.RiskLevel `json:"risk_level"`
	CanTrade         bool             `json:"can_trade"`
}

func (s *Server) fundedView(st funded.State) fundedView {
	status := "active"
	if st.Paused {
		status = "paused"
	}
	if st.Violated {
		status = "violated"
	}
	return fundedView{
		AccountID:       st.AccountID,
		Group:           st.Group,
		DailyPnL:        st.DailyPnL.String(),
		MaxPeakEquity:   st.MaxPeakEquity.String(),
		CurrentDrawdown: st.CurrentDrawdown.String(),
		TodayTrades:     st.TodayTrades,
		Status:          status,
		RiskLevel:       s.opts.Funded.RiskLevelFor(st.AccountID),
		CanTrade:        !st.Violated && !st.Paused,
	}
}

func (s *Server) handleFundedList(w http.ResponseWriter, r *http.Request) {
	states := s.opts.Funded.States()
	out := make([]fundedView, len(states))
	for i, st := range states {
		out[i] = s.fundedView(st)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFundedDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.opts.Funded.StateOf(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, s.fundedView(st))
}

func (s *Server) handleFundedMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.opts.Funded.StateOf(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}

	active := 0
	for _, v := range s.opts.Funded.Violations(id) {
		if !v.Acknowledged {
			active++
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"account_id":         id,
		"daily_loss_used":    utilization(st.DailyPnL.Neg(), st.Rules.MaxDailyLoss),
		"drawdown_used":      utilization(st.CurrentDrawdown, st.Rules.TrailingDrawdown),
		"risk_level":         s.opts.Funded.RiskLevelFor(id),
		"can_trade":          !st.Violated && !st.Paused,
		"active_violations":  active,
		"remaining_loss":     st.RemainingLossBuffer().String(),
		"remaining_drawdown": st.RemainingDrawdownBuffer().String(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	})
}

// utilization is used/limit as a percentage string, "0" for no limit.
func utilization(used, limit decimal.Decimal) string {
	if !limit.IsPositive() {
		return "0"
	}
	if used.IsNegative() {
		used = decimal.Zero
	}
	return used.Div(limit).Mul(decimal.NewFromInt(100)).Round(2).String()
}

func (s *Server) handleFundedFlatten(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.opts.Funded.StateOf(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}

	closed, err := s.flattenAccount(st.Group, id)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, "flatten_failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":           "flatten_requested",
		"account_id":       id,
		"positions_closed": closed,
	})
}

// flattenAccount submits a close alert for every open position in the
// account, returning the symbols targeted.
func (s *Server) flattenAccount(group, accountID string) ([]string, error) {
	route, err := s.opts.Router.Resolve(&types.Alert{
		Symbol: "ES", Action: types.ActionClose, Quantity: 1,
		OrderType: types.OrderMarket, AccountGroup: group,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	positions, err := route.Adapter.GetPositions(ctx, route.AccountID)
	if err != nil {
		return nil, err
	}
	closed := make([]string, 0, len(positions))
	for _, p := range positions {
		if p.NetQuantity == 0 {
			continue
		}
		qty := p.NetQuantity
		if qty < 0 {
			qty = -qty
		}
		a := &types.Alert{
			Symbol:       p.Symbol,
			Action:       types.ActionClose,
			Quantity:     int(qty),
			OrderType:    types.OrderMarket,
			AccountGroup: group,
			Comment:      "manual flatten",
			Timestamp:    time.Now().UTC(),
		}
		if _, err := s.opts.Orchestrator.Submit(a); err != nil {
			return closed, err
		}
		closed = append(closed, p.Symbol)
	}
	return closed, nil
}

func (s *Server) handleFundedPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Funded.Pause(id); err != nil {
		s.respondError(w, http.StatusNotFound, "account_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"account_id": id, "status": "paused"})
}

func (s *Server) handleFundedResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.opts.Funded.Resume(id)
	switch {
	case err == nil:
		s.respondJSON(w, http.StatusOK, map[string]string{"account_id": id, "status": "active"})
	case strings.Contains(err.Error(), "not managed"):
		s.respondError(w, http.StatusNotFound, "account_not_found")
	default:
		s.respondError(w, http.StatusConflict, "account_in_violation")
	}
}

func (s *Server) handleFundedViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	violations := s.opts.Funded.Violations(q.Get("account_id"))

	severity := q.Get("severity")
	ackFilter := q.Get("acknowledged")
	out := make([]*types.Violation, 0, len(violations))
	for _, v := range violations {
		if severity != "" && string(v.Severity) != severity {
			continue
		}
		if ackFilter != "" {
			want, err := strconv.ParseBool(ackFilter)
			if err != nil || v.Acknowledged != want {
				continue
			}
		}
		out = append(out, v)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleFundedAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Funded.Acknowledge(id); err != nil {
		s.respondError(w, http.StatusNotFound, "violation_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "acknowledged"})
}
