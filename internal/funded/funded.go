// Package funded gates orders on funded-account rules (daily loss,
// trailing drawdown, contract and trade-count limits, trading windows)
// and books post-trade risk accounting. A violated account stays locked
// until an explicit reset.
package funded

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/pkg/types"
)

// Denial reasons returned by Evaluate.
const (
	DenyAccountViolated  = "account_violated"
	DenyPositionSize     = "position_size"
	DenyRestrictedSymbol = "restricted_symbol"
	DenyTradingHours     = "trading_hours"
	DenyMaxTrades        = "max_trades"
	DenyAccountPaused    = "account_paused"
)

// warningBufferFraction: a warning fires when 20% or less of a loss or
// drawdown buffer remains.
const warningBufferFraction = 0.2

// RiskLevel summarizes buffer utilization for status views.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskWarning   RiskLevel = "warning"
	RiskDanger    RiskLevel = "danger"
	RiskViolation RiskLevel = "violation"
)

// Rules are the per-account limits in decimal form.
type Rules struct {
	MaxDailyLoss           decimal.Decimal
	TrailingDrawdown       decimal.Decimal
	MaxContracts           int
	MaxConcurrentPositions int
	MaxDailyTrades         int
	ProfitTarget           decimal.Decimal
	RestrictedSymbols      map[string]bool
	TradingWindows         []config.TradingWindow
}

// State is the live rule state for one funded account.
type State struct {
	AccountID string
	Group     string
	Rules     Rules

	DailyPnL        decimal.Decimal
	MaxPeakEquity   decimal.Decimal
	CurrentDrawdown decimal.Decimal
	TodayTrades     int
	Violated        bool
	Paused          bool

	// warning latches; reset when the metric leaves the buffer zone
	lossWarned bool
	ddWarned   bool
}

// RemainingLossBuffer is max_daily_loss + daily P&L (losses negative).
func (s *State) RemainingLossBuffer() decimal.Decimal {
	return s.Rules.MaxDailyLoss.Add(s.DailyPnL)
}

// RemainingDrawdownBuffer is trailing_drawdown − current drawdown.
func (s *State) RemainingDrawdownBuffer() decimal.Decimal {
	return s.Rules.TrailingDrawdown.Sub(s.CurrentDrawdown)
}

// Decision is the outcome of pre-trade evaluation. Warnings are emitted
// even when the trade is allowed.
type Decision struct {
	Allowed  bool
	Reason   string
	Warnings []*types.Violation
}

// Engine owns all funded-account states and their violations.
type Engine struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	states     map[string]*State
	violations []*types.Violation

	cron *cron.Cron
}

// Publisher is the event sink. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

func NewEngine(pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		pub:    pub,
		logger: logger.With("component", "funded"),
		now:    time.Now,
		states: make(map[string]*State),
	}
}

// RulesFromConfig converts configured float limits into decimals.
func RulesFromConfig(c config.FundedRules) Rules {
	restricted := make(map[string]bool, len(c.RestrictedSymbols))
	for _, s := range c.RestrictedSymbols {
		restricted[strings.ToUpper(s)] = true
	}
	return Rules{
		MaxDailyLoss:           decimal.NewFromFloat(c.MaxDailyLoss),
		TrailingDrawdown:       decimal.NewFromFloat(c.TrailingDrawdown),
		MaxContracts:           c.MaxContracts,
		MaxConcurrentPositions: c.MaxConcurrentPositions,
		MaxDailyTrades:         c.MaxDailyTrades,
		ProfitTarget:           decimal.NewFromFloat(c.ProfitTarget),
		RestrictedSymbols:      restricted,
		TradingWindows:         c.TradingWindows,
	}
}

// Register creates rule state for a funded account with the account's
// starting equity as the initial peak.
func (e *Engine) Register(accountID, group string, rules Rules, initialEquity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[accountID] = &State{
		AccountID:     accountID,
		Group:         group,
		Rules:         rules,
		MaxPeakEquity: initialEquity,
	}
}

// Managed reports whether the account has funded rules attached.
func (e *Engine) Managed(accountID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.states[accountID]
	return ok
}

// Evaluate runs the ordered pre-trade checks. openPositions is the
// number of currently open positions in the account.
func (e *Engine) Evaluate(a *types.Alert, accountID string, openPositions int) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[accountID]
	if !ok {
		return Decision{Allowed: true}
	}

	if s.Violated {
		return Decision{Allowed: false, Reason: DenyAccountViolated}
	}
	// flattening is always permitted
	if a.Action == types.ActionClose {
		return Decision{Allowed: true, Warnings: e.bufferWarnings(s)}
	}
	if s.Paused {
		return Decision{Allowed: false, Reason: DenyAccountPaused}
	}
	if s.Rules.MaxContracts > 0 && a.Quantity > s.Rules.MaxContracts {
		return Decision{Allowed: false, Reason: DenyPositionSize}
	}
	if s.Rules.RestrictedSymbols[a.Symbol] {
		return Decision{Allowed: false, Reason: DenyRestrictedSymbol}
	}
	if !e.withinTradingWindow(s.Rules.TradingWindows) {
		return Decision{Allowed: false, Reason: DenyTradingHours}
	}
	if s.Rules.MaxDailyTrades > 0 && s.TodayTrades >= s.Rules.MaxDailyTrades {
		return Decision{Allowed: false, Reason: DenyMaxTrades}
	}
	if s.Rules.MaxConcurrentPositions > 0 && openPositions+1 > s.Rules.MaxConcurrentPositions {
		return Decision{Allowed: false, Reason: DenyPositionSize}
	}

	return Decision{Allowed: true, Warnings: e.bufferWarnings(s)}
}

// bufferWarnings creates warning violations when 20% or less of a
// buffer remains. Each warning is issued once per excursion into the
// buffer zone; the latch clears when the metric recovers. Caller holds
// the lock.
func (e *Engine) bufferWarnings(s *State) []*types.Violation {
	var out []*types.Violation
	if s.Rules.MaxDailyLoss.IsPositive() {
		threshold := s.Rules.MaxDailyLoss.Mul(decimal.NewFromFloat(warningBufferFraction))
		if s.RemainingLossBuffer().LessThanOrEqual(threshold) {
			if !s.lossWarned {
				s.lossWarned = true
				out = append(out, e.recordLocked(s.AccountID, types.ViolationDailyLoss,
					types.SeverityWarning, s.DailyPnL.Neg(), s.Rules.MaxDailyLoss))
			}
		} else {
			s.lossWarned = false
		}
	}
	if s.Rules.TrailingDrawdown.IsPositive() {
		threshold := s.Rules.TrailingDrawdown.Mul(decimal.NewFromFloat(warningBufferFraction))
		if s.RemainingDrawdownBuffer().LessThanOrEqual(threshold) {
			if !s.ddWarned {
				s.ddWarned = true
				out = append(out, e.recordLocked(s.AccountID, types.ViolationDrawdown,
					types.SeverityWarning, s.CurrentDrawdown, s.Rules.TrailingDrawdown))
			}
		} else {
			s.ddWarned = false
		}
	}
	return out
}

// OnFill books post-trade accounting: daily P&L, peak equity, drawdown,
// trade count, and the breach transitions. Returns the violations
// created by this fill, in evaluation order.
func (e *Engine) OnFill(accountID string, realizedPnL, equity decimal.Decimal) []*types.Violation {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[accountID]
	if !ok {
		return nil
	}

	s.TodayTrades++
	s.DailyPnL = s.DailyPnL.Add(realizedPnL)
	if equity.GreaterThan(s.MaxPeakEquity) {
		s.MaxPeakEquity = equity
	}
	s.CurrentDrawdown = s.MaxPeakEquity.Sub(equity)

	var created []*types.Violation

	dailyBreach := s.Rules.MaxDailyLoss.IsPositive() &&
		s.DailyPnL.LessThanOrEqual(s.Rules.MaxDailyLoss.Neg())
	ddBreach := s.Rules.TrailingDrawdown.IsPositive() &&
		s.CurrentDrawdown.GreaterThanOrEqual(s.Rules.TrailingDrawdown)

	if dailyBreach {
		created = append(created, e.recordLocked(accountID, types.ViolationDailyLoss,
			types.SeverityViolation, s.DailyPnL.Neg(), s.Rules.MaxDailyLoss))
	}
	if ddBreach {
		created = append(created, e.recordLocked(accountID, types.ViolationDrawdown,
			types.SeverityViolation, s.CurrentDrawdown, s.Rules.TrailingDrawdown))
	}

	if (dailyBreach || ddBreach) && !s.Violated {
		s.Violated = true
		e.logger.Error("funded account violated, requesting flatten",
			"account", accountID, "daily_pnl", s.DailyPnL.String(),
			"drawdown", s.CurrentDrawdown.String())
		if e.pub != nil {
			e.pub.Publish(bus.Event{
				Topic: bus.TopicViolations,
				Type:  bus.EventFlattenRequest,
				Data:  map[string]string{"account_id": accountID},
			})
		}
	} else {
		created = append(created, e.bufferWarnings(s)...)
	}
	return created
}

// recordLocked creates, stores, and publishes a violation. Caller holds
// the lock.
func (e *Engine) recordLocked(accountID string, kind types.ViolationKind, sev types.Severity, value, limit decimal.Decimal) *types.Violation {
	v := &types.Violation{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Severity:  sev,
		Value:     value,
		Limit:     limit,
		Timestamp: e.now().UTC(),
	}
	e.violations = append(e.violations, v)
	if e.pub != nil {
		e.pub.Publish(bus.Event{Topic: bus.TopicViolations, Type: bus.EventViolation, Data: v})
	}
	return v
}

// withinTradingWindow checks the clock against the configured windows.
// No windows means always allowed. Caller holds the lock.
func (e *Engine) withinTradingWindow(windows []config.TradingWindow) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		loc := time.UTC
		if w.Timezone != "" {
			if l, err := time.LoadLocation(w.Timezone); err == nil {
				loc = l
			}
		}
		now := e.now().In(loc)
		if !weekdayMatch(w.Days, now.Weekday()) {
			continue
		}
		start, err1 := parseClock(w.Start)
		end, err2 := parseClock(w.End)
		if err1 != nil || err2 != nil {
			continue
		}
		mins := now.Hour()*60 + now.Minute()
		if mins >= start && mins < end {
			return true
		}
	}
	return false
}

func weekdayMatch(days []string, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	short := d.String()[:3]
	for _, day := range days {
		if strings.EqualFold(day, short) || strings.EqualFold(day, d.String()) {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	return h*60 + m, nil
}

// RiskLevelFor classifies the worst utilization of the loss and
// drawdown buffers: 60% warning, 80% danger, 100% violation.
func (e *Engine) RiskLevelFor(accountID string) RiskLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.states[accountID]
	if !ok {
		return RiskSafe
	}
	if s.Violated {
		return RiskViolation
	}

	worst := 0.0
	if s.Rules.MaxDailyLoss.IsPositive() && s.DailyPnL.IsNegative() {
		used, _ := s.DailyPnL.Neg().Div(s.Rules.MaxDailyLoss).Float64()
		worst = maxFloat(worst, used)
	}
	if s.Rules.TrailingDrawdown.IsPositive() && s.CurrentDrawdown.IsPositive() {
		used, _ := s.CurrentDrawdown.Div(s.Rules.TrailingDrawdown).Float64()
		worst = maxFloat(worst, used)
	}

	switch {
	case worst >= 1.0:
		return RiskViolation
	case worst >= 0.8:
		return RiskDanger
	case worst >= 0.6:
		return RiskWarning
	default:
		return RiskSafe
	}
}

// StateOf returns a copy of the rule state.
func (e *Engine) StateOf(accountID string) (State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.states[accountID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

// States returns copies of all rule states.
func (e *Engine) States() []State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, *s)
	}
	return out
}

// Violations lists recorded violations, optionally filtered by account.
func (e *Engine) Violations(accountID string) []*types.Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Violation, 0, len(e.violations))
	for _, v := range e.violations {
		if accountID == "" || v.AccountID == accountID {
			copied := *v
			out = append(out, &copied)
		}
	}
	return out
}

// Acknowledge marks a violation acknowledged.
func (e *Engine) Acknowledge(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range e.violations {
		if v.ID == id {
			v.Acknowledged = true
			return nil
		}
	}
	return fmt.Errorf("violation %s: not found", id)
}

// ResetDaily zeroes daily P&L and trade counts for all accounts. The
// violated flag survives; it clears only via ResetAccount.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.states {
		s.DailyPnL = decimal.Zero
		s.TodayTrades = 0
		s.lossWarned = false
	}
	e.logger.Info("daily rule counters reset", "accounts", len(e.states))
}

// ResetAccount clears the violated state and daily counters for one
// account. The external prop-firm reset is the authority; this mirrors it.
func (e *Engine) ResetAccount(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[accountID]
	if !ok {
		return fmt.Errorf("funded account %s: not managed", accountID)
	}
	s.Violated = false
	s.DailyPnL = decimal.Zero
	s.TodayTrades = 0
	s.CurrentDrawdown = decimal.Zero
	s.lossWarned = false
	s.ddWarned = false
	return nil
}

// Pause stops new entries for the account; closes stay allowed.
func (e *Engine) Pause(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[accountID]
	if !ok {
		return fmt.Errorf("funded account %s: not managed", accountID)
	}
	s.Paused = true
	e.logger.Info("funded account paused", "account", accountID)
	return nil
}

// Resume re-enables trading. A violated account cannot be resumed.
func (e *Engine) Resume(accountID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.states[accountID]
	if !ok {
		return fmt.Errorf("funded account %s: not managed", accountID)
	}
	if s.Violated {
		return fmt.Errorf("funded account %s: in violation, reset required", accountID)
	}
	s.Paused = false
	e.logger.Info("funded account resumed", "account", accountID)
	return nil
}

// StartDailyReset schedules ResetDaily on the given cron expression in
// the exchange timezone. Returns a stop function.
func (e *Engine) StartDailyReset(spec string, loc *time.Location) (func(), error) {
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, e.ResetDaily); err != nil {
		return nil, fmt.Errorf("schedule daily reset: %w", err)
	}
	c.Start()
	e.cron = c
	return func() { c.Stop() }, nil
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
