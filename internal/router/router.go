// Package router maps a validated alert's account_group to a concrete
// account and broker adapter, applying funded-group gating and the
// strategy tracker's paper-mode override.
package router

import (
	"fmt"
	"log/slog"
	"strings"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/pkg/types"
)

// RejectNoBroker is the rejection reason for an unroutable group.
const RejectNoBroker = "no_broker_configured"

// Sandbox adapter keys per paper sub-broker preference.
var sandboxKeys = map[string]string{
	"tastytrade": "tastytrade-sandbox",
	"tradovate":  "tradovate-demo",
	"alpaca":     "alpaca-paper",
}

// Route is a resolved execution target.
type Route struct {
	AccountID string
	BrokerKey string
	Adapter   broker.Adapter
	IsFunded  bool
	Group     string

	// PaperOverride is set when the strategy tracker redirected a live
	// route to the simulator; IntendedAccountID keeps the live account
	// for bookkeeping.
	PaperOverride     bool
	IntendedAccountID string
}

// Error is a routing rejection with a machine-readable reason.
type Error struct {
	Reason string
	Group  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("route %q: %s", e.Group, e.Reason)
}

// ModeSource reports a strategy's current execution mode. Satisfied by
// *strategy.Tracker.
type ModeSource interface {
	Mode(strategyID string) strategy.Mode
}

// Router resolves account groups against the configured accounts and
// the adapter registry.
type Router struct {
	registry     *broker.Registry
	modes        ModeSource
	logger       *slog.Logger
	byGroup      map[string]config.AccountConfig
	fundedGroups map[string]struct{}
}

// New builds a router from the account table and funded group set.
func New(registry *broker.Registry, accounts []config.AccountConfig, fundedGroups []string, modes ModeSource, logger *slog.Logger) *Router {
	byGroup := make(map[string]config.AccountConfig, len(accounts))
	for _, a := range accounts {
		byGroup[a.Group] = a
	}
	funded := make(map[string]struct{}, len(fundedGroups))
	for _, g := range fundedGroups {
		funded[g] = struct{}{}
	}
	return &Router{
		registry:     registry,
		modes:        modes,
		logger:       logger.With("component", "router"),
		byGroup:      byGroup,
		fundedGroups: funded,
	}
}

// Resolve picks the account and adapter for an alert.
func (r *Router) Resolve(a *types.Alert) (*Route, error) {
	group := a.AccountGroup

	var route *Route
	switch {
	case group == "paper" || strings.HasPrefix(group, "paper_"):
		route = r.resolvePaper(a, group)
	default:
		var err error
		route, err = r.resolveLive(group)
		if err != nil {
			return nil, err
		}
	}

	if a.StrategyID != "" && r.modes != nil && route.BrokerKey != sim.BrokerKey {
		if r.modes.Mode(a.StrategyID) == strategy.ModePaper {
			simulator, err := r.registry.Get(sim.BrokerKey)
			if err != nil {
				return nil, &Error{Reason: RejectNoBroker, Group: group}
			}
			r.logger.Info("strategy in paper mode, overriding route",
				"strategy", a.StrategyID, "intended_account", route.AccountID)
			return &Route{
				AccountID:         route.AccountID,
				BrokerKey:         sim.BrokerKey,
				Adapter:           simulator,
				Group:             group,
				PaperOverride:     true,
				IntendedAccountID: route.AccountID,
			}, nil
		}
	}
	return route, nil
}

// resolvePaper maps a paper_* group to a sandbox adapter or the
// simulator. Paper routes never fail: the simulator is always the
// fallback.
func (r *Router) resolvePaper(a *types.Alert, group string) *Route {
	pref := strings.TrimPrefix(group, "paper")
	pref = strings.TrimPrefix(pref, "_")
	if pref == "auto" {
		switch types.KindOf(a.Symbol) {
		case types.KindFuture:
			pref = "tradovate"
		case types.KindOption, types.KindStock:
			pref = "tastytrade"
		default:
			pref = "simulator"
		}
	}

	if key, ok := sandboxKeys[pref]; ok && r.registry.Has(key) {
		adapter, _ := r.registry.Get(key)
		accountID := group
		if acct, ok := r.accountForBroker(key); ok {
			accountID = acct.ID
		}
		return &Route{AccountID: accountID, BrokerKey: key, Adapter: adapter, Group: group}
	}

	adapter, _ := r.registry.Get(sim.BrokerKey)
	return &Route{AccountID: group, BrokerKey: sim.BrokerKey, Adapter: adapter, Group: group}
}

func (r *Router) resolveLive(group string) (*Route, error) {
	acct, ok := r.byGroup[group]
	if !ok {
		return nil, &Error{Reason: RejectNoBroker, Group: group}
	}
	adapter, err := r.registry.Get(acct.BrokerKey)
	if err != nil {
		return nil, &Error{Reason: RejectNoBroker, Group: group}
	}
	_, funded := r.fundedGroups[group]
	return &Route{
		AccountID: acct.ID,
		BrokerKey: acct.BrokerKey,
		Adapter:   adapter,
		IsFunded:  funded,
		Group:     group,
	}, nil
}

func (r *Router) accountForBroker(brokerKey string) (config.AccountConfig, bool) {
	for _, acct := range r.byGroup {
		if acct.BrokerKey == brokerKey {
			return acct, true
		}
	}
	return config.AccountConfig{}, false
}

// IsFundedGroup reports whether the group is rule-gated.
func (r *Router) IsFundedGroup(group string) bool {
	_, ok := r.fundedGroups[group]
	return ok
}
