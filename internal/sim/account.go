package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// Accounts holds the paper accounts and applies fills to them.
// All mutation goes through this struct so the account invariants hold:
// balance = initial + total P&L - fees, buying power never negative.
type Accounts struct {
	mu             sync.RWMutex
	accounts       map[string]*types.Account
	initialBalance decimal.Decimal
}

func NewAccounts(initialBalance float64) *Accounts {
	return &Accounts{
		accounts:       make(map[string]*types.Account),
		initialBalance: decimal.NewFromFloat(initialBalance),
	}
}

// Ensure returns the account, creating it with the default balance on
// first use.
func (s *Accounts) Ensure(id string) *types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id)
}

func (s *Accounts) ensureLocked(id string) *types.Account {
	if a, ok := s.accounts[id]; ok {
		return a
	}
	a := &types.Account{
		ID:              id,
		DisplayName:     id,
		BrokerKey:       "simulator",
		Mode:            types.ModePaperSim,
		InitialBalance:  s.initialBalance,
		CurrentBalance:  s.initialBalance,
		BuyingPower:     s.initialBalance,
		Positions:       make(map[string]*types.Position),
		ConnectionState: types.ConnConnected,
	}
	s.accounts[id] = a
	return a
}

// Get returns a copy-safe view of one account.
func (s *Accounts) Get(id string) (*types.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	return cloneAccount(a), true
}

// List returns snapshots of all accounts.
func (s *Accounts) List() []*types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, cloneAccount(a))
	}
	return out
}

// Reset restores an account to its initial state.
func (s *Accounts) Reset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: not found", id)
	}
	a.CurrentBalance = a.InitialBalance
	a.BuyingPower = a.InitialBalance
	a.DayPnL = decimal.Zero
	a.TotalPnL = decimal.Zero
	a.Positions = make(map[string]*types.Position)
	return nil
}

// NetQuantity reports the signed position for a symbol, zero when flat.
func (s *Accounts) NetQuantity(id, symbol string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		if p, ok := a.Positions[symbol]; ok {
			return p.NetQuantity
		}
	}
	return 0
}

// BuyingPower reports the current buying power, creating the account if
// needed.
func (s *Accounts) BuyingPower(id string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id).BuyingPower
}

// ApplyFill books a fill: position averaging, realized P&L on reduce,
// zero-cross reopen, balance and buying-power updates. Returns the
// updated position and account snapshots.
func (s *Accounts) ApplyFill(fill *types.Fill) (*types.Position, *types.Account) {
	spec := types.SpecFor(fill.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.ensureLocked(fill.AccountID)
	pos, ok := a.Positions[fill.Symbol]
	if !ok {
		pos = &types.Position{
			AccountID:  fill.AccountID,
			Symbol:     fill.Symbol,
			Kind:       spec.Kind,
			Multiplier: spec.Multiplier,
			AvgPrice:   decimal.Zero,
		}
		a.Positions[fill.Symbol] = pos
	}

	signed := int64(fill.Quantity)
	if fill.Side == types.SideSell {
		signed = -signed
	}

	realized := decimal.Zero
	now := fill.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	switch {
	case pos.NetQuantity == 0:
		pos.AvgPrice = fill.Price
		pos.NetQuantity = signed
		pos.OpenedAt = now
		s.adjustBuyingPower(a, fill.Price, spec.Multiplier, -abs64(signed))

	case sameSign(pos.NetQuantity, signed):
		// increase: volume-weighted average entry
		oldQty := decimal.NewFromInt(abs64(pos.NetQuantity))
		addQty := decimal.NewFromInt(abs64(signed))
		total := oldQty.Add(addQty)
		pos.AvgPrice = pos.AvgPrice.Mul(oldQty).Add(fill.Price.Mul(addQty)).Div(total)
		pos.NetQuantity += signed
		s.adjustBuyingPower(a, fill.Price, spec.Multiplier, -abs64(signed))

	default:
		// reduce, possibly crossing zero
		closeQty := min64(abs64(signed), abs64(pos.NetQuantity))
		direction := decimal.NewFromInt(sign64(pos.NetQuantity))
		realized = fill.Price.Sub(pos.AvgPrice).
			Mul(decimal.NewFromInt(closeQty)).
			Mul(spec.Multiplier).
			Mul(direction)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		s.adjustBuyingPower(a, pos.AvgPrice, spec.Multiplier, closeQty)

		remainder := pos.NetQuantity + signed
		if sameSign(remainder, pos.NetQuantity) && remainder != 0 {
			pos.NetQuantity = remainder
		} else if remainder == 0 {
			pos.NetQuantity = 0
			pos.AvgPrice = decimal.Zero
		} else {
			// reversal: remainder opens a new position at the fill price
			pos.NetQuantity = remainder
			pos.AvgPrice = fill.Price
			pos.OpenedAt = now
			s.adjustBuyingPower(a, fill.Price, spec.Multiplier, -abs64(remainder))
		}
	}

	pos.MarketPrice = fill.Price
	pos.UnrealizedPnL = pos.MarketPrice.Sub(pos.AvgPrice).
		Mul(decimal.NewFromInt(pos.NetQuantity)).
		Mul(spec.Multiplier)
	pos.LastUpdated = now

	costs := fill.Commission.Add(fill.Fees)
	a.CurrentBalance = a.CurrentBalance.Add(realized).Sub(costs)
	a.BuyingPower = a.BuyingPower.Add(realized).Sub(costs)
	a.DayPnL = a.DayPnL.Add(realized)
	a.TotalPnL = a.TotalPnL.Add(realized)
	if a.BuyingPower.IsNegative() {
		a.BuyingPower = decimal.Zero
	}

	if pos.NetQuantity == 0 {
		delete(a.Positions, fill.Symbol)
	}
	return clonePosition(pos), cloneAccount(a)
}

// MarkPositions refreshes market prices and unrealized P&L from quotes.
func (s *Accounts) MarkPositions(quote func(symbol string) types.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		for _, p := range a.Positions {
			q := quote(p.Symbol)
			p.MarketPrice = q.Last
			p.UnrealizedPnL = p.MarketPrice.Sub(p.AvgPrice).
				Mul(decimal.NewFromInt(p.NetQuantity)).
				Mul(p.Multiplier)
			p.LastUpdated = q.Timestamp
		}
	}
}

// adjustBuyingPower reserves notional on position increase (qty < 0) and
// releases it on reduce (qty > 0).
func (s *Accounts) adjustBuyingPower(a *types.Account, price, multiplier decimal.Decimal, qty int64) {
	delta := price.Mul(multiplier).Mul(decimal.NewFromInt(qty))
	a.BuyingPower = a.BuyingPower.Add(delta)
	if a.BuyingPower.IsNegative() {
		a.BuyingPower = decimal.Zero
	}
}

func cloneAccount(a *types.Account) *types.Account {
	out := *a
	out.Positions = make(map[string]*types.Position, len(a.Positions))
	for sym, p := range a.Positions {
		out.Positions[sym] = clonePosition(p)
	}
	return &out
}

func clonePosition(p *types.Position) *types.Position {
	out := *p
	return &out
}

func sameSign(a, b int64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func sign64(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
