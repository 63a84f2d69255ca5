package sim

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/pkg/types"
)

// BrokerKey is how simulator fills are tagged.
const BrokerKey = "simulator"

// Rejection reasons surfaced in ExecutionResult.
const (
	RejectMarketClosed      = "market_closed"
	RejectNoPosition        = "no_position"
	RejectInsufficientFunds = "insufficient_buying_power"
	RejectPositionLimit     = "position_limit"
	RejectTickAlignment     = "price_not_tick_aligned"
)

// Publisher is the event sink. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ev bus.Event)
}

// Options tune the simulator.
type Options struct {
	Location           *time.Location
	TestMode           bool // bypass the market-hours check
	InitialBalance     float64
	MaxFuturesPosition int64 // absolute net cap per futures symbol
	SnapshotTTL        time.Duration
	PerturbInterval    time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	DataPath           string // JSON persistence, empty disables
}

// Simulator fills alerts against synthetic market data. Implements
// broker.Adapter.
type Simulator struct {
	opts     Options
	market   *MarketData
	accounts *Accounts
	pub      Publisher
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
}

var _ broker.Adapter = (*Simulator)(nil)

func New(opts Options, pub Publisher, logger *slog.Logger) *Simulator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.MaxFuturesPosition <= 0 {
		opts.MaxFuturesPosition = 10
	}
	if opts.MinLatency <= 0 {
		opts.MinLatency = 50 * time.Millisecond
	}
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency + 150*time.Millisecond
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = 100_000
	}

	s := &Simulator{
		opts:     opts,
		market:   NewMarketData(opts.SnapshotTTL, opts.PerturbInterval, opts.Location, logger),
		accounts: NewAccounts(opts.InitialBalance),
		pub:      pub,
		logger:   logger.With("component", "sim"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	if opts.DataPath != "" {
		if err := s.loadState(); err != nil {
			s.logger.Warn("could not restore paper accounts", "error", err)
		}
	}
	return s
}

// Run drives the background perturbation and position marking until the
// context ends.
func (s *Simulator) Run(ctx context.Context) {
	go s.market.Run(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.accounts.MarkPositions(s.market.Quote)
		}
	}
}

func (s *Simulator) Initialize(ctx context.Context) (*broker.InitResult, error) {
	ids := make([]string, 0)
	for _, a := range s.accounts.List() {
		ids = append(ids, a.ID)
	}
	return &broker.InitResult{
		Connected:    true,
		AccountIDs:   ids,
		Capabilities: []string{"orders", "positions", "quotes", "reset"},
	}, nil
}

// ExecuteAlert validates, simulates latency, computes the fill, and books
// it. Validation failures come back as rejected results, not errors.
func (s *Simulator) ExecuteAlert(ctx context.Context, a *types.Alert, accountID string) (*types.ExecutionResult, error) {
	cond := s.market.Conditions()
	if cond.Session == SessionClosed && !s.opts.TestMode {
		return rejected(RejectMarketClosed), nil
	}

	spec := types.SpecFor(a.Symbol)
	net := s.accounts.NetQuantity(accountID, a.Symbol)

	qty := a.Quantity
	if a.Action == types.ActionClose {
		if net == 0 {
			return rejected(RejectNoPosition), nil
		}
		if int64(qty) > abs64(net) {
			qty = int(abs64(net))
		}
	}
	side := types.SideForAction(a.Action, net)

	if a.Price != nil && !types.IsTickAligned(*a.Price, spec.Tick) {
		return rejected(RejectTickAlignment), nil
	}
	if a.StopPrice != nil && !types.IsTickAligned(*a.StopPrice, spec.Tick) {
		return rejected(RejectTickAlignment), nil
	}

	quote := s.market.Quote(a.Symbol)

	if side == types.SideBuy && a.Action != types.ActionClose {
		cost := quote.Ask.Mul(decimal.NewFromInt(int64(qty))).Mul(spec.Multiplier)
		if cost.GreaterThan(s.accounts.BuyingPower(accountID)) {
			return rejected(RejectInsufficientFunds), nil
		}
	}

	if spec.Kind == types.KindFuture && a.Action != types.ActionClose {
		signed := int64(qty)
		if side == types.SideSell {
			signed = -signed
		}
		if abs64(net+signed) > s.opts.MaxFuturesPosition {
			return rejected(RejectPositionLimit), nil
		}
	}

	if err := s.sleep(ctx, s.latency()); err != nil {
		return nil, err
	}

	base := s.basePrice(a, side, quote)
	fillPrice, slip := s.fillPrice(base, spec, cond, a.OrderType, qty, side)

	orderID := uuid.NewString()
	fill := &types.Fill{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		AccountID:  accountID,
		Symbol:     a.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      fillPrice,
		Commission: commissionFor(spec.Kind, qty, fillPrice, spec.Multiplier),
		Fees:       decimal.Zero,
		Slippage:   slip,
		Timestamp:  time.Now().UTC(),
		BrokerKey:  BrokerKey,
	}

	pos, acct := s.accounts.ApplyFill(fill)
	s.persistState()

	if s.pub != nil {
		s.pub.Publish(bus.Event{Topic: bus.TopicFills, Type: bus.EventFill, AlertID: a.ID, Data: fill})
	}
	s.logger.Info("paper fill",
		"account", accountID, "symbol", a.Symbol, "side", side,
		"qty", qty, "price", fillPrice.String(), "net", pos.NetQuantity,
		"balance", acct.CurrentBalance.String())

	return &types.ExecutionResult{
		Success: true,
		OrderID: orderID,
		Status:  types.StatusFilled,
		Fill:    fill,
	}, nil
}

func (s *Simulator) GetPositions(ctx context.Context, accountID string) ([]*types.Position, error) {
	a, ok := s.accounts.Get(accountID)
	if !ok {
		return nil, nil
	}
	out := make([]*types.Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Simulator) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	q := s.market.Quote(symbol)
	return &q, nil
}

// Account returns a snapshot of one paper account.
func (s *Simulator) Account(id string) (*types.Account, bool) { return s.accounts.Get(id) }

// Accounts returns snapshots of all paper accounts.
func (s *Simulator) Accounts() []*types.Account { return s.accounts.List() }

// EnsureAccount creates the paper account if it does not exist yet.
func (s *Simulator) EnsureAccount(id string) *types.Account { return s.accounts.Ensure(id) }

// ResetAccount restores an account to its initial balance and no positions.
func (s *Simulator) ResetAccount(id string) error {
	if err := s.accounts.Reset(id); err != nil {
		return err
	}
	s.persistState()
	return nil
}

func (s *Simulator) Close() error {
	s.persistState()
	return nil
}

// basePrice per order type: ask/bid for market orders, the supplied
// price for limit, last otherwise.
func (s *Simulator) basePrice(a *types.Alert, side types.Side, quote types.Quote) decimal.Decimal {
	switch {
	case a.OrderType == types.OrderMarket && side == types.SideBuy:
		return quote.Ask
	case a.OrderType == types.OrderMarket:
		return quote.Bid
	case a.OrderType == types.OrderLimit && a.Price != nil:
		return *a.Price
	default:
		return quote.Last
	}
}

// fillPrice applies the slippage model and snaps to tick. Returns the
// price and the slippage cost in dollars (always ≥ 0).
func (s *Simulator) fillPrice(base decimal.Decimal, spec types.SymbolSpec, cond Conditions, ot types.OrderType, qty int, side types.Side) (decimal.Decimal, decimal.Decimal) {
	s.rngMu.Lock()
	noise := 0.5 + s.rng.Float64()
	s.rngMu.Unlock()

	frac := baseSlip(spec.Kind) *
		(2 - cond.LiquidityFactor) *
		cond.VolatilityMultiplier *
		orderTypeMult(ot) *
		(1 + minFloat(float64(qty)/1000, 0.01)) *
		noise

	slipAmount := base.Mul(decimal.NewFromFloat(frac))
	raw := base.Add(slipAmount)
	if side == types.SideSell {
		raw = base.Sub(slipAmount)
	}
	price := types.RoundToTick(raw, spec.Tick)

	cost := price.Sub(base)
	if side == types.SideSell {
		cost = base.Sub(price)
	}
	cost = cost.Mul(decimal.NewFromInt(int64(qty))).Mul(spec.Multiplier)
	if cost.IsNegative() {
		cost = decimal.Zero
	}
	return price, cost
}

func (s *Simulator) latency() time.Duration {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	span := s.opts.MaxLatency - s.opts.MinLatency
	if span <= 0 {
		return s.opts.MinLatency
	}
	return s.opts.MinLatency + time.Duration(s.rng.Int63n(int64(span)))
}

func baseSlip(kind types.AssetKind) float64 {
	switch kind {
	case types.KindFuture:
		return 5e-4
	case types.KindOption:
		return 2e-3
	case types.KindCrypto:
		return 1e-3
	case types.KindForex:
		return 5e-5
	default: // stock
		return 1e-4
	}
}

func orderTypeMult(ot types.OrderType) float64 {
	switch ot {
	case types.OrderLimit:
		return 0.2
	case types.OrderStop:
		return 1.5
	case types.OrderStopLimit:
		return 1.2
	default:
		return 1.0
	}
}

// commissionFor prices a fill: futures and options per contract, stocks
// carry only the regulatory fee, crypto pays 0.1% of notional.
func commissionFor(kind types.AssetKind, qty int, price, multiplier decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(int64(qty))
	switch kind {
	case types.KindFuture:
		// $2.25 base + $1.25 exchange + $0.02 regulatory, per contract
		return decimal.NewFromFloat(3.52).Mul(q)
	case types.KindOption:
		// $0.65 + $0.15 + $0.02 per contract
		return decimal.NewFromFloat(0.82).Mul(q)
	case types.KindCrypto:
		notional := price.Mul(q).Mul(multiplier)
		return notional.Mul(decimal.NewFromFloat(0.001))
	default:
		// zero commission, $0.01/share regulatory fee
		return decimal.NewFromFloat(0.01).Mul(q)
	}
}

func rejected(reason string) *types.ExecutionResult {
	return &types.ExecutionResult{
		Success:         false,
		Status:          types.StatusRejected,
		RejectionReason: reason,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
