// Package strategy tracks per-strategy performance in fixed-size sets of
// trades and rotates strategies between live and paper execution based
// on consecutive set win-rates.
package strategy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/bus"
	"tradegate/pkg/types"
)

// Mode is where a strategy's alerts execute.
type Mode string

const (
	ModeLive  Mode = "live"
	ModePaper Mode = "paper"
)

// Transition reasons.
const (
	ReasonManual    = "manual"
	ReasonDemotion  = "auto_demotion"
	ReasonPromotion = "auto_promotion"
)

// profitFactorCap stands in for infinity when a set has no losses.
const profitFactorCap = 999.99

// maxModeAlerts bounds the operator-visible alert log.
const maxModeAlerts = 100

// TradeResult is one completed round trip attributed to a strategy.
type TradeResult struct {
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side"`
	Entry      decimal.Decimal `json:"entry"`
	Exit       decimal.Decimal `json:"exit"`
	Quantity   int             `json:"quantity"`
	PnL        decimal.Decimal `json:"pnl"`
	Commission decimal.Decimal `json:"commission"`
	Won        bool            `json:"won"`
	Timestamp  time.Time       `json:"timestamp"`
	SetNumber  int             `json:"set_number"`
	TradeInSet int             `json:"trade_in_set"`
	Mode       Mode            `json:"mode"`
}

// Set accumulates a fixed number of trades. Once closed it is immutable;
// its mode is the strategy's mode at the time of its first trade.
type Set struct {
	Number       int             `json:"number"`
	Mode         Mode            `json:"mode"`
	Trades       []TradeResult   `json:"trades"`
	Closed       bool            `json:"closed"`
	Wins         int             `json:"wins"`
	WinRate      float64         `json:"win_rate"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	NetPnL       decimal.Decimal `json:"net_pnl"`
	ProfitFactor float64         `json:"profit_factor"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// ModeTransition is a durable record of a mode change and what drove it.
type ModeTransition struct {
	ID         string    `json:"id"`
	StrategyID string    `json:"strategy_id"`
	From       Mode      `json:"from"`
	To         Mode      `json:"to"`
	Reason     string    `json:"reason"`
	WinRates   []float64 `json:"win_rates,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Strategy is the tracked state for one strategy_id.
type Strategy struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MinWinRate float64
	SetSize    int
	Mode       Mode

	Sets        []*Set
	Transitions []*ModeTransition
}

// Summary is the read-model served by the API.
type Summary struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Mode          Mode            `json:"mode"`
	MinWinRate    float64         `json:"min_win_rate"`
	SetSize       int             `json:"set_size"`
	TotalTrades   int             `json:"total_trades"`
	CompletedSets int             `json:"completed_sets"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	CurrentSet    *Set            `json:"current_set,omitempty"`
	LastWinRates  []float64       `json:"last_win_rates,omitempty"`
}

// Store persists trades and transitions for recovery. Optional.
type Store interface {
	SaveStrategy(s *Strategy) error
	SaveTrade(strategyID string, t TradeResult) error
	SaveTransition(t *ModeTransition) error
	Load() ([]*Strategy, error)
	Close() error
}

// Publisher is the event sink. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Tracker owns all strategy performance records.
type Tracker struct {
	pub        Publisher
	logger     *slog.Logger
	store      Store
	setSize    int
	rotateK    int
	minWinRate float64
	now        func() time.Time

	mu         sync.RWMutex
	strategies map[string]*Strategy
	alerts     []*ModeTransition
}

// NewTracker builds a tracker. store may be nil for memory-only
// operation; when present, previously recorded state is reloaded.
func NewTracker(defaultSetSize, rotateK int, defaultMinWinRate float64, store Store, pub Publisher, logger *slog.Logger) (*Tracker, error) {
	if defaultSetSize <= 0 {
		defaultSetSize = 20
	}
	if rotateK <= 0 {
		rotateK = 2
	}
	t := &Tracker{
		pub:        pub,
		logger:     logger.With("component", "strategy"),
		store:      store,
		setSize:    defaultSetSize,
		rotateK:    rotateK,
		minWinRate: defaultMinWinRate,
		now:        time.Now,
		strategies: make(map[string]*Strategy),
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, fmt.Errorf("load strategy state: %w", err)
		}
		for _, s := range loaded {
			t.strategies[s.ID] = s
		}
		if len(loaded) > 0 {
			t.logger.Info("restored strategies", "count", len(loaded))
		}
	}
	return t, nil
}

// Register creates or updates a strategy. Unknown strategy IDs seen by
// Record are auto-registered with defaults, so explicit registration is
// only needed to set a custom threshold.
func (t *Tracker) Register(id, name string, minWinRate float64, setSize int, initialMode Mode) *Strategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(id, name, minWinRate, setSize, initialMode)
}

func (t *Tracker) registerLocked(id, name string, minWinRate float64, setSize int, initialMode Mode) *Strategy {
	if s, ok := t.strategies[id]; ok {
		if name != "" {
			s.Name = name
		}
		if minWinRate > 0 {
			s.MinWinRate = minWinRate
		}
		return s
	}
	if minWinRate <= 0 {
		minWinRate = t.minWinRate
	}
	if setSize <= 0 {
		setSize = t.setSize
	}
	if initialMode == "" {
		initialMode = ModeLive
	}
	if name == "" {
		name = id
	}
	s := &Strategy{
		ID:         id,
		Name:       name,
		MinWinRate: minWinRate,
		SetSize:    setSize,
		Mode:       initialMode,
	}
	t.strategies[id] = s
	t.persistStrategy(s)
	return s
}

// Mode reports the current execution mode. Unregistered strategies are
// live by default.
func (t *Tracker) Mode(id string) Mode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.strategies[id]; ok {
		return s.Mode
	}
	return ModeLive
}

// Record attributes a trade to the strategy's current set. Closing a set
// may trigger auto-rotation; the transition, if any, is returned.
func (t *Tracker) Record(id string, trade TradeResult) *ModeTransition {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.registerLocked(id, "", 0, 0, "")

	set := t.openSetLocked(s)
	trade.SetNumber = set.Number
	trade.TradeInSet = len(set.Trades) + 1
	trade.Mode = set.Mode
	if trade.Timestamp.IsZero() {
		trade.Timestamp = t.now().UTC()
	}
	set.Trades = append(set.Trades, trade)
	if trade.Won {
		set.Wins++
	}
	set.TotalPnL = set.TotalPnL.Add(trade.PnL)
	set.NetPnL = set.NetPnL.Add(trade.PnL).Sub(trade.Commission)

	if t.store != nil {
		if err := t.store.SaveTrade(id, trade); err != nil {
			t.logger.Warn("could not persist trade", "strategy", id, "error", err)
		}
	}

	if len(set.Trades) < s.SetSize {
		return nil
	}
	set.finalize(t.now().UTC())
	return t.maybeRotateLocked(s)
}

// openSetLocked returns the open set, starting a new one when needed.
// A new set's mode is the strategy's mode right now.
func (t *Tracker) openSetLocked(s *Strategy) *Set {
	if n := len(s.Sets); n > 0 && !s.Sets[n-1].Closed {
		return s.Sets[n-1]
	}
	set := &Set{
		Number:   len(s.Sets) + 1,
		Mode:     s.Mode,
		OpenedAt: t.now().UTC(),
	}
	s.Sets = append(s.Sets, set)
	return set
}

// finalize seals the set and computes its closing statistics.
func (set *Set) finalize(at time.Time) {
	n := len(set.Trades)
	set.WinRate = float64(set.Wins) / float64(n) * 100

	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, tr := range set.Trades {
		if tr.PnL.IsPositive() {
			grossProfit = grossProfit.Add(tr.PnL)
		} else {
			grossLoss = grossLoss.Add(tr.PnL.Abs())
		}
	}
	if grossLoss.IsZero() {
		set.ProfitFactor = profitFactorCap
	} else {
		pf, _ := grossProfit.Div(grossLoss).Float64()
		set.ProfitFactor = pf
	}

	set.ClosedAt = &at
	set.Closed = true
}

// maybeRotateLocked applies the K-consecutive-sets rule after a set
// closes.
func (t *Tracker) maybeRotateLocked(s *Strategy) *ModeTransition {
	if s.MinWinRate <= 0 {
		return nil
	}

	closed := make([]*Set, 0, len(s.Sets))
	for _, set := range s.Sets {
		if set.Closed {
			closed = append(closed, set)
		}
	}
	if len(closed) < t.rotateK {
		return nil
	}
	window := closed[len(closed)-t.rotateK:]

	rates := make([]float64, 0, t.rotateK)
	allBelow, allAtOrAbove, allPaper, allLive := true, true, true, true
	for _, set := range window {
		rates = append(rates, set.WinRate)
		if set.WinRate >= s.MinWinRate {
			allBelow = false
		}
		if set.WinRate < s.MinWinRate {
			allAtOrAbove = false
		}
		if set.Mode != ModePaper {
			allPaper = false
		}
		if set.Mode != ModeLive {
			allLive = false
		}
	}

	// Only sets traded in the current mode count toward rotating out of
	// it: a window straddling a manual mode change proves nothing.
	switch {
	case s.Mode == ModeLive && allBelow && allLive:
		return t.transitionLocked(s, ModePaper, ReasonDemotion, rates)
	case s.Mode == ModePaper && allAtOrAbove && allPaper:
		return t.transitionLocked(s, ModeLive, ReasonPromotion, rates)
	}
	return nil
}

// SetMode forces a mode change, recorded with reason manual.
func (t *Tracker) SetMode(id string, mode Mode, reason string) (*ModeTransition, error) {
	if mode != ModeLive && mode != ModePaper {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if reason == "" {
		reason = ReasonManual
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: not registered", id)
	}
	if s.Mode == mode {
		return nil, nil
	}
	return t.transitionLocked(s, mode, reason, nil), nil
}

func (t *Tracker) transitionLocked(s *Strategy, to Mode, reason string, rates []float64) *ModeTransition {
	tr := &ModeTransition{
		ID:         uuid.NewString(),
		StrategyID: s.ID,
		From:       s.Mode,
		To:         to,
		Reason:     reason,
		WinRates:   rates,
		Timestamp:  t.now().UTC(),
	}
	s.Mode = to
	s.Transitions = append(s.Transitions, tr)

	t.alerts = append(t.alerts, tr)
	if len(t.alerts) > maxModeAlerts {
		t.alerts = t.alerts[len(t.alerts)-maxModeAlerts:]
	}

	if t.store != nil {
		if err := t.store.SaveTransition(tr); err != nil {
			t.logger.Warn("could not persist transition", "strategy", s.ID, "error", err)
		}
		t.persistStrategy(s)
	}
	if t.pub != nil {
		t.pub.Publish(bus.Event{Topic: bus.TopicStrategies, Type: bus.EventStrategyMode, Data: tr})
	}
	t.logger.Info("strategy mode changed",
		"strategy", s.ID, "from", tr.From, "to", tr.To, "reason", reason, "win_rates", rates)
	return tr
}

func (t *Tracker) persistStrategy(s *Strategy) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveStrategy(s); err != nil {
		t.logger.Warn("could not persist strategy", "strategy", s.ID, "error", err)
	}
}

// Summary builds the read-model for one strategy.
func (t *Tracker) Summary(id string) (*Summary, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: not registered", id)
	}
	return t.summaryLocked(s), nil
}

// Summaries lists all strategies.
func (t *Tracker) Summaries() []*Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Summary, 0, len(t.strategies))
	for _, s := range t.strategies {
		out = append(out, t.summaryLocked(s))
	}
	return out
}

func (t *Tracker) summaryLocked(s *Strategy) *Summary {
	sum := &Summary{
		ID:         s.ID,
		Name:       s.Name,
		Mode:       s.Mode,
		MinWinRate: s.MinWinRate,
		SetSize:    s.SetSize,
		TotalPnL:   decimal.Zero,
	}
	for _, set := range s.Sets {
		sum.TotalTrades += len(set.Trades)
		sum.TotalPnL = sum.TotalPnL.Add(set.TotalPnL)
		if set.Closed {
			sum.CompletedSets++
			sum.LastWinRates = append(sum.LastWinRates, set.WinRate)
		} else {
			copied := *set
			sum.CurrentSet = &copied
		}
	}
	if n := len(sum.LastWinRates); n > 5 {
		sum.LastWinRates = sum.LastWinRates[n-5:]
	}
	return sum
}

// Sets returns the strategy's sets, oldest first.
func (t *Tracker) Sets(id string) ([]*Set, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: not registered", id)
	}
	out := make([]*Set, len(s.Sets))
	for i, set := range s.Sets {
		copied := *set
		out[i] = &copied
	}
	return out, nil
}

// Transitions returns the strategy's mode transitions, oldest first.
func (t *Tracker) Transitions(id string) ([]*ModeTransition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %s: not registered", id)
	}
	out := make([]*ModeTransition, len(s.Transitions))
	copy(out, s.Transitions)
	return out, nil
}

// Alerts returns the bounded mode-change alert log, newest last.
func (t *Tracker) Alerts() []*ModeTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ModeTransition, len(t.alerts))
	copy(out, t.alerts)
	return out
}

// ClearAlerts empties the alert log.
func (t *Tracker) ClearAlerts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerts = nil
}

// Close releases the persistence store.
func (t *Tracker) Close() error {
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}
