// Package orchestrator runs the post-accept pipeline: route, gate,
// execute, bookkeep, and publish. Alerts for the same account execute
// in arrival order; alerts for different accounts run concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/bus"
	"tradegate/internal/funded"
	"tradegate/internal/journal"
	"tradegate/internal/router"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/pkg/types"
)

// Execution outcome summary carried on terminal execution events.
type ExecutionEvent struct {
	AlertID   string             `json:"alert_id"`
	AccountID string             `json:"account_id"`
	BrokerKey string             `json:"broker_key"`
	Status    types.OrderStatus  `json:"status"`
	OrderID   string             `json:"order_id,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Kind      string             `json:"kind,omitempty"`
	Fill      *types.Fill        `json:"fill,omitempty"`
	Warnings  []*types.Violation `json:"warnings,omitempty"`
}

// Error kinds attached to failure events.
const (
	kindRouting         = "routing"
	kindRiskViolation   = "risk_violation"
	kindBrokerTransient = "broker_transient"
	kindBrokerPermanent = "broker_permanent"
)

// Options wires the orchestrator's collaborators. Journal, Funded and
// Strategies may be nil in reduced deployments.
type Options struct {
	Router     *router.Router
	Funded     *funded.Engine
	Strategies *strategy.Tracker
	Journal    *journal.Client
	Simulator  *sim.Simulator
	Bus        *bus.Bus

	ExecuteDeadline time.Duration
	DrainTimeout    time.Duration
}

// task is one accepted alert bound to its resolved route, waiting on
// its account's queue.
type task struct {
	alert *types.Alert
	route *router.Route
}

// Orchestrator owns the per-account FIFO queues and the set of
// in-flight alert tasks.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	// shadow ledger for live accounts; paper accounts live in the sim
	books        *sim.Accounts
	lastRealized map[string]decimal.Decimal
	equity       map[string]decimal.Decimal

	mu     sync.Mutex
	queues map[string][]*task
	active map[string]bool

	wg      sync.WaitGroup
	stopMu  sync.RWMutex
	stopped bool
}

func New(opts Options, logger *slog.Logger) *Orchestrator {
	if opts.ExecuteDeadline <= 0 {
		opts.ExecuteDeadline = 10 * time.Second
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 15 * time.Second
	}
	return &Orchestrator{
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		books:  sim.NewAccounts(0),
		queues: make(map[string][]*task),
		active: make(map[string]bool),
	}
}

// Submit accepts a validated alert and processes it asynchronously.
// Routing happens here, at receipt, so alerts land on their account's
// queue in arrival order. The returned alert ID is echoed in the
// webhook response and on every event the alert produces.
func (o *Orchestrator) Submit(a *types.Alert) (string, error) {
	o.stopMu.RLock()
	defer o.stopMu.RUnlock()
	if o.stopped {
		return "", errors.New("orchestrator: shutting down")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	route, err := o.opts.Router.Resolve(a)
	if err != nil {
		var rerr *router.Error
		reason := "routing_failed"
		if errors.As(err, &rerr) {
			reason = rerr.Reason
		}
		o.logger.Warn("alert unroutable", "alert_id", a.ID, "group", a.AccountGroup, "reason", reason)
		o.terminal(ExecutionEvent{
			AlertID: a.ID, Status: types.StatusRejected,
			Reason: reason, Kind: kindRouting,
		})
		return a.ID, nil
	}

	o.enqueue(route.AccountID, &task{alert: a, route: route})
	return a.ID, nil
}

// enqueue appends the task to the account's FIFO queue and starts a
// drain worker when none is running. A single worker per account keeps
// same-account alerts executing in receipt order.
func (o *Orchestrator) enqueue(accountID string, t *task) {
	o.mu.Lock()
	o.queues[accountID] = append(o.queues[accountID], t)
	starting := !o.active[accountID]
	if starting {
		o.active[accountID] = true
		o.wg.Add(1)
	}
	o.mu.Unlock()

	if starting {
		go o.drainAccount(accountID)
	}
}

func (o *Orchestrator) drainAccount(accountID string) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		q := o.queues[accountID]
		if len(q) == 0 {
			o.active[accountID] = false
			delete(o.queues, accountID)
			o.mu.Unlock()
			return
		}
		next := q[0]
		o.queues[accountID] = q[1:]
		o.mu.Unlock()

		o.process(next.alert, next.route)
	}
}

// Drain stops accepting alerts and waits for in-flight tasks, bounded
// by the drain timeout.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.stopMu.Lock()
	o.stopped = true
	o.stopMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(o.opts.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.New("orchestrator: drain timeout with tasks in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) process(a *types.Alert, route *router.Route) {
	log := o.logger.With("alert_id", a.ID, "symbol", a.Symbol,
		"account", route.AccountID, "broker", route.BrokerKey)

	var warnings []*types.Violation
	if route.IsFunded && o.opts.Funded != nil {
		open := o.openPositions(route)
		decision := o.opts.Funded.Evaluate(a, route.AccountID, open)
		if !decision.Allowed {
			log.Warn("funded rules denied alert", "reason", decision.Reason)
			o.terminal(ExecutionEvent{
				AlertID: a.ID, AccountID: route.AccountID, BrokerKey: route.BrokerKey,
				Status: types.StatusRejected, Reason: decision.Reason,
				Kind: kindRiskViolation, Warnings: decision.Warnings,
			})
			return
		}
		warnings = decision.Warnings
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.ExecuteDeadline)
	defer cancel()
	res, err := route.Adapter.ExecuteAlert(ctx, a, route.AccountID)

	switch {
	case err != nil:
		// network or timeout: terminal status unknown, never auto-retried
		log.Error("broker call failed", "error", err)
		o.terminal(ExecutionEvent{
			AlertID: a.ID, AccountID: route.AccountID, BrokerKey: route.BrokerKey,
			Status: types.StatusUnknown, Reason: err.Error(), Kind: kindBrokerTransient,
		})
		o.publish(bus.TopicSystem, bus.EventSystem, a.ID, map[string]any{
			"severity": string(types.SeverityWarning),
			"message":  fmt.Sprintf("broker %s did not confirm order for %s", route.BrokerKey, a.Symbol),
		})
		return
	case !res.Success:
		log.Warn("broker rejected alert", "reason", res.RejectionReason)
		o.terminal(ExecutionEvent{
			AlertID: a.ID, AccountID: route.AccountID, BrokerKey: route.BrokerKey,
			Status: types.StatusRejected, OrderID: res.OrderID,
			Reason: res.RejectionReason, Kind: kindBrokerPermanent,
		})
		return
	}

	o.publish(bus.TopicExecutions, bus.EventOrderAccepted, a.ID, map[string]any{
		"order_id": res.OrderID, "account_id": route.AccountID, "broker_key": route.BrokerKey,
	})

	if res.Fill != nil {
		o.settle(a, route, res.Fill)
	}

	o.terminal(ExecutionEvent{
		AlertID: a.ID, AccountID: route.AccountID, BrokerKey: route.BrokerKey,
		Status: res.Status, OrderID: res.OrderID, Fill: res.Fill, Warnings: warnings,
	})
	log.Info("alert executed", "status", res.Status, "order_id", res.OrderID)
}

// settle applies bookkeeping and downstream feeds for a fill.
func (o *Orchestrator) settle(a *types.Alert, route *router.Route, fill *types.Fill) {
	var (
		account  *types.Account
		position *types.Position
		realized decimal.Decimal
	)

	if route.BrokerKey == sim.BrokerKey && o.opts.Simulator != nil {
		// the simulator already applied the fill to its own ledger
		acct, ok := o.opts.Simulator.Account(route.AccountID)
		if ok {
			account = acct
			position = acct.Positions[fill.Symbol]
			realized = o.realizedDelta(route.AccountID, acct.TotalPnL)
		}
	} else {
		prevRealized := decimal.Zero
		if prev, ok := o.books.Get(route.AccountID); ok {
			prevRealized = prev.TotalPnL
		}
		position, account = o.books.ApplyFill(fill)
		realized = account.TotalPnL.Sub(prevRealized)
	}

	if route.IsFunded && o.opts.Funded != nil {
		o.opts.Funded.OnFill(route.AccountID, realized, o.equityFor(route.AccountID, realized))
	}

	if a.StrategyID != "" && o.opts.Strategies != nil && !realized.IsZero() {
		o.opts.Strategies.Record(a.StrategyID, strategy.TradeResult{
			Symbol:     fill.Symbol,
			Side:       fill.Side,
			Exit:       fill.Price,
			Quantity:   fill.Quantity,
			PnL:        realized,
			Commission: fill.Commission,
			Won:        realized.IsPositive(),
			Timestamp:  fill.Timestamp,
		})
	}

	if o.opts.Journal != nil {
		accountName := route.AccountID
		if route.PaperOverride && route.IntendedAccountID != "" {
			accountName = route.IntendedAccountID
		}
		o.opts.Journal.Enqueue(journal.Trade{
			TradeID:    fill.ID,
			AccountID:  accountName,
			Symbol:     fill.Symbol,
			Side:       fill.Side,
			Quantity:   fill.Quantity,
			Price:      fill.Price,
			Commission: fill.Commission.Add(fill.Fees),
			Slippage:   fill.Slippage,
			Strategy:   a.StrategyID,
			Notes:      a.Comment,
			PaperTrade: route.BrokerKey == sim.BrokerKey || route.PaperOverride,
			ExecutedAt: fill.Timestamp,
		})
	}

	if route.BrokerKey != sim.BrokerKey {
		// the simulator publishes its own fill events
		o.publish(bus.TopicFills, bus.EventFill, a.ID, fill)
	}
	if position != nil {
		o.publish(bus.TopicPositions, bus.EventPositionUpdated, a.ID, position)
	}
	if account != nil {
		o.publish(bus.TopicAccounts, bus.EventAccountUpdated, a.ID, account)
	}
}

// equityFor maintains a running equity estimate per funded account,
// seeded from the rule engine's registered starting equity.
func (o *Orchestrator) equityFor(accountID string, realized decimal.Decimal) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.equity == nil {
		o.equity = make(map[string]decimal.Decimal)
	}
	eq, ok := o.equity[accountID]
	if !ok {
		if st, found := o.opts.Funded.StateOf(accountID); found {
			eq = st.MaxPeakEquity
		}
	}
	eq = eq.Add(realized)
	o.equity[accountID] = eq
	return eq
}

// realizedDelta tracks per-account cumulative realized P&L so a fill's
// contribution can be isolated.
func (o *Orchestrator) realizedDelta(accountID string, total decimal.Decimal) decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastRealized == nil {
		o.lastRealized = make(map[string]decimal.Decimal)
	}
	prev := o.lastRealized[accountID]
	o.lastRealized[accountID] = total
	return total.Sub(prev)
}

// openPositions counts the account's open positions for concurrency
// limits. Failures degrade to zero rather than blocking the trade.
func (o *Orchestrator) openPositions(route *router.Route) int {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	positions, err := route.Adapter.GetPositions(ctx, route.AccountID)
	if err != nil {
		o.logger.Warn("could not count open positions", "account", route.AccountID, "error", err)
		return 0
	}
	return len(positions)
}

func (o *Orchestrator) terminal(ev ExecutionEvent) {
	o.publish(bus.TopicExecutions, bus.EventExecution, ev.AlertID, ev)
}

func (o *Orchestrator) publish(topic bus.Topic, typ, alertID string, data any) {
	if o.opts.Bus == nil {
		return
	}
	o.opts.Bus.Publish(bus.Event{Topic: topic, Type: typ, AlertID: alertID, Data: data})
}
