package sim

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fill(account, symbol string, side types.Side, qty int, price, commission string) *types.Fill {
	return &types.Fill{
		ID: "f", OrderID: "o", AccountID: account, Symbol: symbol,
		Side: side, Quantity: qty, Price: dec(price),
		Commission: dec(commission), Fees: decimal.Zero,
		Timestamp: time.Now().UTC(), BrokerKey: BrokerKey,
	}
}

func TestApplyFillOpensPosition(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(100_000)

	pos, a := acc.ApplyFill(fill("p1", "ES", types.SideBuy, 1, "4500.25", "3.52"))

	if pos.NetQuantity != 1 || !pos.AvgPrice.Equal(dec("4500.25")) {
		t.Errorf("position = %+v", pos)
	}
	if pos.AccountID != "p1" {
		t.Errorf("position account = %q, want p1", pos.AccountID)
	}
	// buying power reduced by notional (price × 50) plus commission
	wantBP := dec("100000").Sub(dec("4500.25").Mul(dec("50"))).Sub(dec("3.52"))
	if !a.BuyingPower.Equal(wantBP) {
		t.Errorf("buying power = %s, want %s", a.BuyingPower, wantBP)
	}
	if !a.CurrentBalance.Equal(dec("99996.48")) {
		t.Errorf("balance = %s, want 99996.48", a.CurrentBalance)
	}
}

func TestApplyFillAveragesEntry(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(1_000_000)

	acc.ApplyFill(fill("p1", "ES", types.SideBuy, 1, "4500.00", "3.52"))
	pos, _ := acc.ApplyFill(fill("p1", "ES", types.SideBuy, 3, "4504.00", "10.56"))

	if pos.NetQuantity != 4 {
		t.Fatalf("net = %d, want 4", pos.NetQuantity)
	}
	if !pos.AvgPrice.Equal(dec("4503")) {
		t.Errorf("avg = %s, want 4503", pos.AvgPrice)
	}
}

func TestApplyFillReducesAndRealizes(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(1_000_000)

	acc.ApplyFill(fill("p1", "ES", types.SideBuy, 2, "4500.00", "7.04"))
	pos, a := acc.ApplyFill(fill("p1", "ES", types.SideSell, 1, "4510.00", "3.52"))

	// (4510 − 4500) × 1 × $50 = $500
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("realized = %s, want 500", pos.RealizedPnL)
	}
	if pos.NetQuantity != 1 || !pos.AvgPrice.Equal(dec("4500")) {
		t.Errorf("position after reduce = %+v", pos)
	}
	if !a.TotalPnL.Equal(dec("500")) || !a.DayPnL.Equal(dec("500")) {
		t.Errorf("account pnl = %s / %s", a.TotalPnL, a.DayPnL)
	}
}

func TestApplyFillFlattensAndRemovesPosition(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(1_000_000)

	acc.ApplyFill(fill("p1", "NQ", types.SideSell, 1, "15500.00", "3.52"))
	_, a := acc.ApplyFill(fill("p1", "NQ", types.SideBuy, 1, "15480.00", "3.52"))

	if _, ok := a.Positions["NQ"]; ok {
		t.Error("flat position should be removed")
	}
	// short 1 NQ at 15500, covered at 15480: (15500−15480) × 20 = $400
	if !a.TotalPnL.Equal(dec("400")) {
		t.Errorf("total pnl = %s, want 400", a.TotalPnL)
	}
}

func TestApplyFillReversal(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(10_000_000)

	acc.ApplyFill(fill("p1", "ES", types.SideBuy, 1, "4500.00", "3.52"))
	pos, _ := acc.ApplyFill(fill("p1", "ES", types.SideSell, 3, "4510.00", "10.56"))

	if pos.NetQuantity != -2 {
		t.Fatalf("net = %d, want -2", pos.NetQuantity)
	}
	// the reversal remainder opens at the fill price
	if !pos.AvgPrice.Equal(dec("4510")) {
		t.Errorf("avg = %s, want 4510", pos.AvgPrice)
	}
	// realized on the closed lot: (4510 − 4500) × 1 × 50 = 500
	if !pos.RealizedPnL.Equal(dec("500")) {
		t.Errorf("realized = %s, want 500", pos.RealizedPnL)
	}
}

func TestApplyFillStockMultiplier(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(100_000)

	acc.ApplyFill(fill("p1", "AAPL", types.SideBuy, 100, "175.00", "1.00"))
	pos, a := acc.ApplyFill(fill("p1", "AAPL", types.SideSell, 100, "176.50", "1.00"))

	if pos.NetQuantity != 0 {
		t.Errorf("net = %d, want 0", pos.NetQuantity)
	}
	// (176.50 − 175.00) × 100 × 1 = $150
	if !a.TotalPnL.Equal(dec("150")) {
		t.Errorf("total pnl = %s, want 150", a.TotalPnL)
	}
}

func TestResetAccount(t *testing.T) {
	t.Parallel()
	acc := NewAccounts(50_000)

	acc.ApplyFill(fill("p1", "AAPL", types.SideBuy, 10, "175.00", "0.10"))
	if err := acc.Reset("p1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	a, ok := acc.Get("p1")
	if !ok {
		t.Fatal("account vanished")
	}
	if !a.CurrentBalance.Equal(dec("50000")) || len(a.Positions) != 0 || !a.TotalPnL.IsZero() {
		t.Errorf("account after reset = %+v", a)
	}

	if err := acc.Reset("ghost"); err == nil {
		t.Error("reset of unknown account should fail")
	}
}
