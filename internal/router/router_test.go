package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"tradegate/internal/broker"
	"tradegate/internal/config"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/pkg/types"
)

type fakeAdapter struct{ key string }

func (f *fakeAdapter) Initialize(context.Context) (*broker.InitResult, error) { return nil, nil }
func (f *fakeAdapter) ExecuteAlert(context.Context, *types.Alert, string) (*types.ExecutionResult, error) {
	return nil, errors.New("not used")
}
func (f *fakeAdapter) GetPositions(context.Context, string) ([]*types.Position, error) {
	return nil, nil
}
func (f *fakeAdapter) GetQuote(context.Context, string) (*types.Quote, error) { return nil, nil }
func (f *fakeAdapter) Close() error                                           { return nil }

type fakeModes map[string]strategy.Mode

func (m fakeModes) Mode(id string) strategy.Mode {
	if mode, ok := m[id]; ok {
		return mode
	}
	return strategy.ModeLive
}

func newTestRouter(t *testing.T, keys []string, modes ModeSource) *Router {
	t.Helper()
	reg := broker.NewRegistry()
	for _, k := range keys {
		k := k
		_ = k
		reg.Register(k, &fakeAdapter{key: k})
	}
	accounts := []config.AccountConfig{
		{ID: "live1", Group: "main", BrokerKey: "tradovate-live"},
		{ID: "ts1", Group: "topstep", BrokerKey: "tradovate-live"},
		{ID: "demo1", Group: "demo", BrokerKey: "tradovate-demo"},
	}
	return New(reg, accounts, []string{"topstep", "apex", "tradeday"}, modes,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func alert(group, symbol string) *types.Alert {
	return &types.Alert{Symbol: symbol, Action: types.ActionBuy, Quantity: 1,
		OrderType: types.OrderMarket, AccountGroup: group}
}

func TestResolvePaperGroups(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, []string{
		sim.BrokerKey, "tradovate-demo", "tastytrade-sandbox", "tradovate-live",
	}, nil)

	tests := []struct {
		name     string
		group    string
		symbol   string
		wantKey  string
		wantAcct string
	}{
		{"bare paper", "paper", "ES", sim.BrokerKey, "paper"},
		{"explicit simulator", "paper_simulator", "ES", sim.BrokerKey, "paper_simulator"},
		{"tradovate preference", "paper_tradovate", "ES", "tradovate-demo", "demo1"},
		{"tastytrade preference", "paper_tastytrade", "AAPL", "tastytrade-sandbox", "paper_tastytrade"},
		{"auto futures", "paper_auto", "NQ", "tradovate-demo", "demo1"},
		{"auto stock", "paper_auto", "AAPL", "tastytrade-sandbox", "paper_auto"},
		{"auto crypto", "paper_auto", "BTCUSD", sim.BrokerKey, "paper_auto"},
		{"alpaca not configured", "paper_alpaca", "AAPL", sim.BrokerKey, "paper_alpaca"},
	}
	for _, tt := range tests {
		tt := tt
		_ = tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			route, err := r.Resolve(alert(tt.group, tt.symbol))
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if route.BrokerKey != tt.wantKey {
				t.Errorf("broker = %s, want %s", route.BrokerKey, tt.wantKey)
			}
			if route.AccountID != tt.wantAcct {
				t.Errorf("account = %s, want %s", route.AccountID, tt.wantAcct)
			}
			if route.IsFunded {
				t.Error("paper route must not be funded-gated")
			}
		})
	}
}

func TestResolveFundedGroup(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, []string{sim.BrokerKey, "tradovate-live"}, nil)

	route, err := r.Resolve(alert("topstep", "ES"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !route.IsFunded || route.AccountID != "ts1" || route.BrokerKey != "tradovate-live" {
		t.Errorf("route = %+v", route)
	}
	if !r.IsFundedGroup("apex") || r.IsFundedGroup("main") {
		t.Error("funded group set wrong")
	}
}

func TestResolveLiveGroup(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, []string{sim.BrokerKey, "tradovate-live"}, nil)

	route, err := r.Resolve(alert("main", "ES"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.IsFunded || route.AccountID != "live1" {
		t.Errorf("route = %+v", route)
	}
}

func TestResolveUnknownGroupRejected(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, []string{sim.BrokerKey}, nil)

	_, err := r.Resolve(alert("mystery", "ES"))
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Reason != RejectNoBroker {
		t.Errorf("err = %v", err)
	}

	// configured group but missing adapter
	_, err = r.Resolve(alert("main", "ES"))
	if !errors.As(err, &rerr) || rerr.Reason != RejectNoBroker {
		t.Errorf("err = %v", err)
	}
}

func TestResolvePaperModeOverride(t *testing.T) {
	t.Parallel()
	modes := fakeModes{"weak": strategy.ModePaper, "strong": strategy.ModeLive}
	r := newTestRouter(t, []string{sim.BrokerKey, "tradovate-live"}, modes)

	a := alert("main", "ES")
	a.StrategyID = "weak"
	route, err := r.Resolve(a)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !route.PaperOverride || route.BrokerKey != sim.BrokerKey {
		t.Errorf("route = %+v", route)
	}
	if route.IntendedAccountID != "live1" {
		t.Errorf("intended account = %s, want live1", route.IntendedAccountID)
	}

	a.StrategyID = "strong"
	route, err = r.Resolve(a)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if route.PaperOverride || route.BrokerKey != "tradovate-live" {
		t.Errorf("route = %+v", route)
	}
}
