package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradegate/pkg/types"
)

type fakeCreds map[string]string

func (f fakeCreds) Get(namespace, key string) (string, error) {
	v, ok := f[namespace+"/"+key]
	if !ok {
		return "", errors.New("missing credential")
	}
	return v, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestLive(t *testing.T, handler http.Handler) *LiveAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	creds := fakeCreds{"demo/api_key": "k", "demo/api_secret": "s"}
	return NewLive(LiveConfig{Key: "demo", BaseURL: srv.URL}, creds, discard())
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	adapter := newTestLive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Error("missing API key header")
		}
		if r.Header.Get("X-Signature") == "" {
			t.Error("missing signature header")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{
				{"id": "acct-1", "default": false},
				{"id": "acct-2", "default": true},
			},
		})
	}))

	res, err := adapter.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !res.Connected {
		t.Error("not connected")
	}
	if len(res.AccountIDs) != 2 || res.DefaultAccountID != "acct-2" {
		t.Errorf("accounts = %v default = %s", res.AccountIDs, res.DefaultAccountID)
	}
}

func TestExecuteAlertFilled(t *testing.T) {
	t.Parallel()

	adapter := newTestLive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/accounts":
			json.NewEncoder(w).Encode(map[string]any{
				"accounts": []map[string]any{{"id": "acct-1", "default": true}},
			})
		case strings.HasPrefix(r.URL.Path, "/v1/accounts/"):
			json.NewEncoder(w).Encode(map[string]any{"positions": []any{}})
		case r.URL.Path == "/v1/orders":
			var req orderRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode order: %v", err)
			}
			if req.Symbol != "ES" || req.Side != "buy" || req.Quantity != 2 {
				t.Errorf("order = %+v", req)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"order_id": "ord-1",
				"status":   "filled",
				"fill": map[string]any{
					"quantity":   2,
					"price":      "4500.25",
					"commission": "7.04",
					"fees":       "0",
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	if _, err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	alert := &types.Alert{ID: "a1", Symbol: "ES", Action: types.ActionBuy, Quantity: 2, OrderType: types.OrderMarket}
	res, err := adapter.ExecuteAlert(context.Background(), alert, "acct-1")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if !res.Success || res.Status != types.StatusFilled {
		t.Errorf("result = %+v", res)
	}
	if res.Fill == nil || res.Fill.Price.String() != "4500.25" || res.Fill.BrokerKey != "demo" {
		t.Errorf("fill = %+v", res.Fill)
	}
}

func TestExecuteAlertRejected(t *testing.T) {
	t.Parallel()

	adapter := newTestLive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/accounts/") {
			json.NewEncoder(w).Encode(map[string]any{"positions": []any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"order_id": "ord-2",
			"status":   "rejected",
			"reason":   "insufficient_margin",
		})
	}))
	adapter.mu.Lock()
	adapter.apiKey, adapter.secret = "k", "s"
	adapter.mu.Unlock()

	alert := &types.Alert{Symbol: "NQ", Action: types.ActionSell, Quantity: 1, OrderType: types.OrderMarket}
	res, err := adapter.ExecuteAlert(context.Background(), alert, "acct-1")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if res.Success || res.Status != types.StatusRejected || res.RejectionReason != "insufficient_margin" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteAlertDryRun(t *testing.T) {
	t.Parallel()

	creds := fakeCreds{"demo/api_key": "k", "demo/api_secret": "s"}
	adapter := NewLive(LiveConfig{Key: "demo", BaseURL: "http://127.0.0.1:0", DryRun: true}, creds, discard())
	if _, err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	alert := &types.Alert{Symbol: "ES", Action: types.ActionBuy, Quantity: 1, OrderType: types.OrderMarket}
	res, err := adapter.ExecuteAlert(context.Background(), alert, "acct-1")
	if err != nil {
		t.Fatalf("ExecuteAlert: %v", err)
	}
	if !res.Success || res.Status != types.StatusWorking || !strings.HasPrefix(res.OrderID, "dry-") {
		t.Errorf("result = %+v", res)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if _, err := reg.Get("missing"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Get missing = %v, want ErrNotConfigured", err)
	}

	creds := fakeCreds{"demo/api_key": "k", "demo/api_secret": "s"}
	adapter := NewLive(LiveConfig{Key: "demo", BaseURL: "http://127.0.0.1:0", DryRun: true}, creds, discard())
	reg.Register("demo", adapter)

	got, err := reg.Get("demo")
	if err != nil || got != Adapter(adapter) {
		t.Errorf("Get = %v, %v", got, err)
	}
	if !reg.Has("demo") || reg.Has("other") {
		t.Error("Has misreports")
	}
	if keys := reg.Keys(); len(keys) != 1 || keys[0] != "demo" {
		t.Errorf("Keys = %v", keys)
	}
	if err := reg.CloseAll(); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
	if reg.Has("demo") {
		t.Error("registry should be empty after CloseAll")
	}
}
