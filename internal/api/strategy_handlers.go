package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"tradegate/internal/strategy"
)

func (s *Server) handleStrategySummaries(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.opts.Strategies.Summaries())
}

func (s *Server) handleStrategySummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.opts.Strategies.Summary(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "strategy_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStrategySets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.opts.Strategies.Sets(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "strategy_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, sets)
}

func (s *Server) handleStrategyTransitions(w http.ResponseWriter, r *http.Request) {
	transitions, err := s.opts.Strategies.Transitions(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, "strategy_not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleStrategyRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string  `json:"id"`
		Name        string  `json:"name"`
		MinWinRate  float64 `json:"min_win_rate"`
		SetSize     int     `json:"set_size"`
		InitialMode string  `json:"initial_mode"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		s.respondError(w, http.StatusBadRequest, "id_required")
		return
	}
	mode := strategy.Mode(body.InitialMode)
	if mode != "" && mode != strategy.ModeLive && mode != strategy.ModePaper {
		s.respondError(w, http.StatusBadRequest, "unknown_mode")
		return
	}

	s.opts.Strategies.Register(body.ID, body.Name, body.MinWinRate, body.SetSize, mode)
	sum, err := s.opts.Strategies.Summary(body.ID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "registration_failed")
		return
	}
	s.respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleStrategyMode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Mode   string `json:"mode"`
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}

	transition, err := s.opts.Strategies.SetMode(id, strategy.Mode(body.Mode), body.Reason)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if transition == nil {
		s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "unchanged"})
		return
	}
	s.respondJSON(w, http.StatusOK, transition)
}

func (s *Server) handleStrategyAlerts(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.opts.Strategies.Alerts())
}

func (s *Server) handleStrategyClearAlerts(w http.ResponseWriter, r *http.Request) {
	s.opts.Strategies.ClearAlerts()
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
