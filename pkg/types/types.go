// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the gateway — alerts, accounts,
// positions, orders, fills, violations, and the symbol reference table. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Action is the instruction carried by an alert.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionClose Action = "close" // flatten the symbol's position
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

// OrderStatus is the order lifecycle state. "pending" is observable only
// inside a single orchestrator step; external observers see "working" at
// the earliest.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusWorking         OrderStatus = "working"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusUnknown         OrderStatus = "unknown" // broker call timed out after possible submission
)

// AssetKind classifies a symbol. Multiplier and tick size are attributes of
// the kind plus the symbol root (see SpecFor).
type AssetKind string

const (
	KindStock  AssetKind = "stock"
	KindFuture AssetKind = "future"
	KindOption AssetKind = "option"
	KindCrypto AssetKind = "crypto"
	KindForex  AssetKind = "forex"
)

// AccountMode distinguishes live accounts from the paper variants.
type AccountMode string

const (
	ModeLive         AccountMode = "live"
	ModePaperSandbox AccountMode = "paper_sandbox" // broker-provided demo environment
	ModePaperSim     AccountMode = "paper_sim"     // in-process simulator
	ModePaperHybrid  AccountMode = "paper_hybrid"  // simulator fills, live quotes
)

// ConnectionState reports adapter connectivity for an account.
type ConnectionState string

const (
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnDegraded     ConnectionState = "degraded"
)

// ————————————————————————————————————————————————————————————————————————
// Symbol reference
// ————————————————————————————————————————————————————————————————————————

// SymbolSpec carries the contract attributes needed to price and validate a
// symbol: its asset kind, the dollar multiplier per point, and the minimum
// price increment.
type SymbolSpec struct {
	Root       string
	Kind       AssetKind
	Multiplier decimal.Decimal
	Tick       decimal.Decimal
}

func futSpec(root, mult, tick string) SymbolSpec {
	return SymbolSpec{
		Root:       root,
		Kind:       KindFuture,
		Multiplier: decimal.RequireFromString(mult),
		Tick:       decimal.RequireFromString(tick),
	}
}

// futuresRoots is the authoritative contract table for known futures,
// including the CME micro contracts (one tenth of the parent multiplier).
var futuresRoots = map[string]SymbolSpec{
	"ES":  futSpec("ES", "50", "0.25"),
	"NQ":  futSpec("NQ", "20", "0.25"),
	"YM":  futSpec("YM", "5", "1.00"),
	"RTY": futSpec("RTY", "50", "0.10"),
	"GC":  futSpec("GC", "100", "0.10"),
	"SI":  futSpec("SI", "5000", "0.005"),
	"CL":  futSpec("CL", "1000", "0.01"),
	"NG":  futSpec("NG", "10000", "0.001"),
	"MES": futSpec("MES", "5", "0.25"),
	"MNQ": futSpec("MNQ", "2", "0.25"),
	"MYM": futSpec("MYM", "0.5", "1.00"),
	"M2K": futSpec("M2K", "5", "0.10"),
	"MGC": futSpec("MGC", "10", "0.10"),
	"MCL": futSpec("MCL", "100", "0.01"),
}

// cryptoSymbols are recognized spot crypto tickers.
var cryptoSymbols = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true,
	"BTCUSD": true, "ETHUSD": true, "SOLUSD": true,
	"BTCUSDT": true, "ETHUSDT": true,
}

// monthCodes are futures contract month letters (F=Jan .. Z=Dec).
const monthCodes = "FGHJKMNQUVXZ"

// FuturesRoot extracts the contract root from a futures symbol.
// "ES", "ESZ5", "ESZ25", and the TradingView continuous form "ES1!" all
// resolve to "ES". Returns "" if the symbol matches no known root.
func FuturesRoot(symbol string) string {
	if _, ok := futuresRoots[symbol]; ok {
		return symbol
	}

	s := symbol
	if strings.HasSuffix(s, "!") {
		// Continuous contract suffix: "ES1!".
		s = strings.TrimRight(strings.TrimSuffix(s, "!"), "0123456789")
	} else {
		// Expiry suffix: month code plus year digits, e.g. "ESZ5".
		trimmed := strings.TrimRight(s, "0123456789")
		if trimmed != s && len(trimmed) > 1 && strings.ContainsRune(monthCodes, rune(trimmed[len(trimmed)-1])) {
			s = trimmed[:len(trimmed)-1]
		}
	}

	if _, ok := futuresRoots[s]; ok {
		return s
	}
	return ""
}

// KindOf derives the asset kind from a symbol using the fixed lookup order:
// known futures roots, then option markers, then known crypto, else stock.
func KindOf(symbol string) AssetKind {
	if FuturesRoot(symbol) != "" {
		return KindFuture
	}
	if strings.Contains(symbol, "/") || strings.HasSuffix(symbol, "C") || strings.HasSuffix(symbol, "P") {
		return KindOption
	}
	if cryptoSymbols[symbol] {
		return KindCrypto
	}
	return KindStock
}

// SpecFor returns the contract spec for a symbol. Non-futures fall back to
// kind defaults: options carry the standard 100 multiplier, everything else
// trades 1:1 at a penny tick.
func SpecFor(symbol string) SymbolSpec {
	if root := FuturesRoot(symbol); root != "" {
		return futuresRoots[root]
	}
	kind := KindOf(symbol)
	mult := decimal.NewFromInt(1)
	if kind == KindOption {
		mult = decimal.NewFromInt(100)
	}
	return SymbolSpec{
		Root:       symbol,
		Kind:       kind,
		Multiplier: mult,
		Tick:       decimal.New(1, -2),
	}
}

// RoundToTick snaps a price to the nearest tick, half-up.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// IsTickAligned reports whether the price is an integer multiple of the tick.
func IsTickAligned(price, tick decimal.Decimal) bool {
	if tick.IsZero() {
		return true
	}
	return price.Mod(tick).IsZero()
}

// ————————————————————————————————————————————————————————————————————————
// Alert
// ————————————————————————————————————————————————————————————————————————

// Alert is a validated instruction-to-trade received via webhook.
// Immutable after validation; the orchestrator assigns ID and Timestamp
// when the source omits them.
type Alert struct {
	ID           string           `json:"alert_id"`
	Symbol       string           `json:"symbol"`
	Action       Action           `json:"action"`
	Quantity     int              `json:"quantity"`
	OrderType    OrderType        `json:"order_type"`
	Price        *decimal.Decimal `json:"price,omitempty"`
	StopPrice    *decimal.Decimal `json:"stop_price,omitempty"`
	StrategyID   string           `json:"strategy_id,omitempty"`
	AccountGroup string           `json:"account_group"`
	AlertName    string           `json:"alert_name,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`

	// Extra preserves unknown payload fields. Values are scanned by the
	// validator but never interpreted.
	Extra map[string]string `json:"-"`
}

// MarshalJSON folds Extra back into the object so an alert serializes to
// the same shape it was parsed from. Known fields always win on collision.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	b, err := json.Marshal(plain(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return b, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// Quote is a point-in-time market snapshot for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Accounts and positions
// ————————————————————————————————————————————————————————————————————————

// Position is a signed holding in one symbol.
//
// Invariant: UnrealizedPnL = (MarketPrice − AvgPrice) × NetQuantity × Multiplier.
// When NetQuantity crosses zero, realized PnL is booked and AvgPrice resets;
// a reversal opens the remainder as a new position at the fill price.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Kind          AssetKind       `json:"asset_kind"`
	NetQuantity   int64           `json:"net_quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	MarketPrice   decimal.Decimal `json:"market_price"`
	Multiplier    decimal.Decimal `json:"multiplier"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// Account is a live or paper trading account.
//
// Invariants: CurrentBalance = InitialBalance + TotalPnL − realized fees;
// BuyingPower ≥ 0. For live accounts the broker ledger is authoritative and
// these fields are refreshed, not computed.
type Account struct {
	ID              string               `json:"id"`
	DisplayName     string               `json:"display_name"`
	BrokerKey       string               `json:"broker_key"`
	Mode            AccountMode          `json:"mode"`
	InitialBalance  decimal.Decimal      `json:"initial_balance"`
	CurrentBalance  decimal.Decimal      `json:"current_balance"`
	BuyingPower     decimal.Decimal      `json:"buying_power"`
	DayPnL          decimal.Decimal      `json:"day_pnl"`
	TotalPnL        decimal.Decimal      `json:"total_pnl"`
	Positions       map[string]*Position `json:"positions"`
	ConnectionState ConnectionState      `json:"connection_state"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order tracks a single submission through its lifecycle:
// pending → working → (filled | partially_filled → filled | cancelled |
// rejected | expired).
type Order struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"order_type"`
	Quantity       int              `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Status         OrderStatus      `json:"status"`
	FilledQuantity int              `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Fill records one execution. The sum of fill quantities for an order equals
// its FilledQuantity.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   int             `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Fees       decimal.Decimal `json:"fees"`
	Slippage   decimal.Decimal `json:"slippage"`
	Timestamp  time.Time       `json:"timestamp"`
	BrokerKey  string          `json:"broker_key"`
}

// ExecutionResult is what an adapter returns from ExecuteAlert.
type ExecutionResult struct {
	Success         bool        `json:"success"`
	OrderID         string      `json:"order_id,omitempty"`
	Status          OrderStatus `json:"status"`
	Fill            *Fill       `json:"fill,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Violations
// ————————————————————————————————————————————————————————————————————————

// ViolationKind identifies which funded-account rule was breached or approached.
type ViolationKind string

const (
	ViolationDailyLoss        ViolationKind = "daily_loss"
	ViolationTotalLoss        ViolationKind = "total_loss"
	ViolationDrawdown         ViolationKind = "drawdown"
	ViolationPositionSize     ViolationKind = "position_size"
	ViolationTradingHours     ViolationKind = "trading_hours"
	ViolationMaxTrades        ViolationKind = "max_trades"
	ViolationRestrictedSymbol ViolationKind = "restricted_symbol"
)

// Severity ranks a violation. "warning" allows the trade; "violation" and
// "critical" lock the account until reset.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityViolation Severity = "violation"
)

// Violation records a funded-rule breach (or approach, at warning severity).
// Created by the rule engine; cleared only by explicit acknowledgement or
// account reset.
type Violation struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Kind         ViolationKind   `json:"kind"`
	Severity     Severity        `json:"severity"`
	Value        decimal.Decimal `json:"value"`
	Limit        decimal.Decimal `json:"limit"`
	Timestamp    time.Time       `json:"timestamp"`
	Acknowledged bool            `json:"acknowledged"`
}

// SideForAction maps an alert action onto an order side. Close resolves
// against the current position, so longQty decides the direction.
func SideForAction(action Action, longQty int64) Side {
	switch action {
	case ActionBuy:
		return SideBuy
	case ActionSell:
		return SideSell
	default: // close
		if longQty > 0 {
			return SideSell
		}
		return SideBuy
	}
}
