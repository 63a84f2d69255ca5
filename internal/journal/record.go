package journal

import (
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

// Trade is the internal shape handed to Enqueue, built from a fill.
type Trade struct {
	TradeID    string
	AccountID  string
	Symbol     string
	Side       types.Side
	Quantity   int
	Price      decimal.Decimal
	Commission decimal.Decimal
	Slippage   decimal.Decimal
	Strategy   string
	Notes      string
	Tags       string
	PaperTrade bool
	ExecutedAt time.Time
}

// TradeRecord is the journal service's wire schema. Field names are
// fixed by the service and include spaces.
type TradeRecord struct {
	Account        string `json:"Account"`
	TradeDate      string `json:"T/D"`
	SettleDate     string `json:"S/D"`
	Currency       string `json:"Currency"`
	Type           string `json:"Type"`
	Side           string `json:"Side"`
	Symbol         string `json:"Symbol"`
	Qty            string `json:"Qty"`
	Price          string `json:"Price"`
	ExecTime       string `json:"Exec Time"`
	GrossProceeds  string `json:"Gross Proceeds"`
	CommissionFees string `json:"Commissions & Fees"`
	NetProceeds    string `json:"Net Proceeds"`
	ExpirationDate string `json:"Expiration Date,omitempty"`
	Strike         string `json:"Strike,omitempty"`
	Strategy       string `json:"Strategy,omitempty"`
	Notes          string `json:"Notes,omitempty"`
	Tags           string `json:"Tags,omitempty"`
	PaperTrade     string `json:"Paper Trade"`
	TradeID        string `json:"Trade ID"`
}

var kindNames = map[types.AssetKind]string{
	types.KindStock:  "Stock",
	types.KindOption: "Option",
	types.KindFuture: "Future",
	types.KindForex:  "Forex",
	types.KindCrypto: "Crypto",
}

// recordFrom maps an internal trade to the journal schema. Proceeds are
// signed by side: cash in on sells, cash out on buys.
func recordFrom(t Trade) TradeRecord {
	ts := t.ExecutedAt.UTC()
	date := ts.Format("01/02/2006")

	spec := types.SpecFor(t.Symbol)
	gross := t.Price.
		Mul(decimal.NewFromInt(int64(t.Quantity))).
		Mul(spec.Multiplier)
	if t.Side != types.SideSell {
		gross = gross.Neg()
	}
	net := gross.Sub(t.Commission).Sub(t.Slippage.Abs())

	side := "Buy"
	if t.Side == types.SideSell {
		side = "Sell"
	}
	paper := "No"
	if t.PaperTrade {
		paper = "Yes"
	}

	return TradeRecord{
		Account:        t.AccountID,
		TradeDate:      date,
		SettleDate:     date,
		Currency:       "USD",
		Type:           kindNames[spec.Kind],
		Side:           side,
		Symbol:         t.Symbol,
		Qty:            decimal.NewFromInt(int64(t.Quantity)).String(),
		Price:          t.Price.String(),
		ExecTime:       ts.Format("15:04:05"),
		GrossProceeds:  gross.String(),
		CommissionFees: t.Commission.String(),
		NetProceeds:    net.String(),
		Strategy:       t.Strategy,
		Notes:          t.Notes,
		Tags:           t.Tags,
		PaperTrade:     paper,
		TradeID:        t.TradeID,
	}
}
