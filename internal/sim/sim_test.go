package sim

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/bus"
	"tradegate/pkg/types"
)

func newTestSim(t *testing.T, pub Publisher) *Simulator {
	t.Helper()
	s := New(Options{
		Location:       time.UTC,
		TestMode:       true,
		InitialBalance: 1_000_000,
	}, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	s.rng = rand.New(rand.NewSource(42))
	s.market.rng = rand.New(rand.NewSource(42))
	return s
}

func marketAlert(symbol string, action types.Action, qty int) *types.Alert {
	return &types.Alert{
		ID: "a1", Symbol: symbol, Action: action,
		Quantity: qty, OrderType: types.OrderMarket,
	}
}

func TestExecuteAlertPaperFutures(t *testing.T) {
	t.Parallel()
	b := bus.New()
	sub := b.Subscribe(4, bus.TopicFills)
	defer sub.Close()

	s := newTestSim(t, b)
	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 1), "paper1")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if !res.Success || res.Status != types.StatusFilled || res.Fill == nil {
		t.Fatalf("result = %+v", res)
	}

	fill := res.Fill
	if !fill.Commission.Equal(decimal.NewFromFloat(3.52)) {
		t.Errorf("commission = %s, want 3.52", fill.Commission)
	}
	// fill within one tick of the synthetic ask plus slippage headroom
	quote := s.market.Quote("ES")
	diff := fill.Price.Sub(quote.Ask).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(10)) {
		t.Errorf("fill %s too far from ask %s", fill.Price, quote.Ask)
	}
	if !types.IsTickAligned(fill.Price, decimal.NewFromFloat(0.25)) {
		t.Errorf("fill %s not tick aligned", fill.Price)
	}

	a, ok := s.Account("paper1")
	if !ok {
		t.Fatal("account missing")
	}
	pos := a.Positions["ES"]
	if pos == nil || pos.NetQuantity != 1 || !pos.AvgPrice.Equal(fill.Price) {
		t.Errorf("position = %+v", pos)
	}
	wantBP := decimal.NewFromInt(1_000_000).
		Sub(fill.Price.Mul(decimal.NewFromInt(50))).
		Sub(fill.Commission)
	if !a.BuyingPower.Equal(wantBP) {
		t.Errorf("buying power = %s, want %s", a.BuyingPower, wantBP)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != bus.EventFill || ev.AlertID != "a1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no fill event published")
	}
}

func TestExecuteAlertMarketClosed(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)
	s.opts.TestMode = false
	// Sunday: always closed
	s.market.now = func() time.Time { return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) }

	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 1), "p")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if res.Success || res.RejectionReason != RejectMarketClosed {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertCloseWithoutPosition(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)

	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionClose, 1), "p")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if res.Success || res.RejectionReason != RejectNoPosition {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertCloseCapsQuantity(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)

	if _, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 2), "p"); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionClose, 9), "p")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Fill.Quantity != 2 || res.Fill.Side != types.SideSell {
		t.Errorf("close fill = %+v", res.Fill)
	}
	if a, _ := s.Account("p"); len(a.Positions) != 0 {
		t.Errorf("positions = %+v, want flat", a.Positions)
	}
}

func TestExecuteAlertInsufficientBuyingPower(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)
	s.opts.InitialBalance = 1000
	s.accounts = NewAccounts(1000)

	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 1), "p")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if res.Success || res.RejectionReason != RejectInsufficientFunds {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertFuturesPositionCap(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)
	s.opts.MaxFuturesPosition = 3

	if _, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 3), "p"); err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 1), "p")
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if res.Success || res.RejectionReason != RejectPositionLimit {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertTickAlignment(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)

	bad := decimal.NewFromFloat(4500.30) // ES tick is 0.25
	alert := marketAlert("ES", types.ActionBuy, 1)
	alert.OrderType = types.OrderLimit
	alert.Price = &bad

	res, err := s.ExecuteAlert(context.Background(), alert, "p")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if res.Success || res.RejectionReason != RejectTickAlignment {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertCryptoCommission(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)
	s.accounts = NewAccounts(100_000_000)

	res, err := s.ExecuteAlert(context.Background(), marketAlert("BTCUSD", types.ActionBuy, 1), "p")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	want := res.Fill.Price.Mul(decimal.NewFromFloat(0.001))
	if !res.Fill.Commission.Equal(want) {
		t.Errorf("commission = %s, want %s (0.1%% notional)", res.Fill.Commission, want)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "accounts.json")

	s := newTestSim(t, nil)
	s.opts.DataPath = path
	if _, err := s.ExecuteAlert(context.Background(), marketAlert("ES", types.ActionBuy, 1), "p1"); err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored := New(Options{
		Location:       time.UTC,
		TestMode:       true,
		InitialBalance: 1_000_000,
		DataPath:       path,
	}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a, ok := restored.Account("p1")
	if !ok {
		t.Fatal("account not restored")
	}
	pos := a.Positions["ES"]
	if pos == nil || pos.NetQuantity != 1 {
		t.Errorf("restored position = %+v", pos)
	}
}

func TestQuoteCacheTTL(t *testing.T) {
	t.Parallel()
	s := newTestSim(t, nil)

	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	s.market.now = func() time.Time { return now }

	q1 := s.market.Quote("ES")
	q2 := s.market.Quote("ES")
	if !q1.Last.Equal(q2.Last) {
		t.Error("fresh snapshot should be served from cache")
	}

	now = now.Add(6 * time.Second)
	q3 := s.market.Quote("ES")
	if !q3.Timestamp.After(q1.Timestamp) {
		t.Error("stale snapshot should be refreshed")
	}
}
