package journal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/pkg/types"
)

func testTrade(id string) Trade {
	return Trade{
		TradeID:    id,
		AccountID:  "paper1",
		Symbol:     "ES",
		Side:       types.SideSell,
		Quantity:   1,
		Price:      decimal.NewFromFloat(4510.25),
		Commission: decimal.NewFromFloat(3.52),
		Slippage:   decimal.NewFromFloat(-0.50),
		Strategy:   "momo",
		PaperTrade: true,
		ExecutedAt: time.Date(2026, 8, 24, 14, 30, 5, 0, time.UTC),
	}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(Options{
		Enabled:     true,
		BaseURL:     baseURL,
		AppID:       "app",
		MasterKey:   "key",
		BrokerName:  "tradegate",
		Retries:     3,
		BatchSize:   10,
		QueueSize:   100,
		BackoffCeil: 10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoffBase = time.Millisecond
	return c
}

func TestRecordMappingSell(t *testing.T) {
	t.Parallel()
	r := recordFrom(testTrade("t1"))

	if r.TradeDate != "08/24/2026" || r.SettleDate != "08/24/2026" {
		t.Errorf("dates = %s / %s", r.TradeDate, r.SettleDate)
	}
	if r.ExecTime != "14:30:05" {
		t.Errorf("exec time = %s", r.ExecTime)
	}
	if r.Type != "Future" || r.Side != "Sell" || r.Currency != "USD" {
		t.Errorf("record = %+v", r)
	}
	// 4510.25 × 1 × 50, positive on a sell
	if r.GrossProceeds != "225512.5" {
		t.Errorf("gross = %s", r.GrossProceeds)
	}
	// net = gross − commission − |slippage|
	if r.NetProceeds != "225508.48" {
		t.Errorf("net = %s", r.NetProceeds)
	}
	if r.PaperTrade != "Yes" || r.TradeID != "t1" {
		t.Errorf("record = %+v", r)
	}
}

func TestRecordMappingBuy(t *testing.T) {
	t.Parallel()
	tr := testTrade("t2")
	tr.Side = types.SideBuy
	tr.Symbol = "AAPL"
	tr.Quantity = 100
	tr.Price = decimal.NewFromFloat(175.00)
	tr.Commission = decimal.NewFromFloat(1.00)
	tr.Slippage = decimal.NewFromFloat(0.25)
	tr.PaperTrade = false

	r := recordFrom(tr)
	if r.Type != "Stock" || r.Side != "Buy" || r.PaperTrade != "No" {
		t.Errorf("record = %+v", r)
	}
	// buys are cash out: −17500 − 1.00 − 0.25
	if r.GrossProceeds != "-17500" {
		t.Errorf("gross = %s", r.GrossProceeds)
	}
	if r.NetProceeds != "-17501.25" {
		t.Errorf("net = %s", r.NetProceeds)
	}
}

func TestEnqueueDeduplicates(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://127.0.0.1:0")

	c.Enqueue(testTrade("dup"))
	c.Enqueue(testTrade("dup"))
	c.Enqueue(testTrade("other"))

	if got := c.Stats().Pending; got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://127.0.0.1:0")
	c.opts.QueueSize = 2

	c.Enqueue(testTrade("a"))
	c.Enqueue(testTrade("b"))
	c.Enqueue(testTrade("c"))

	stats := c.Stats()
	if stats.Pending != 2 || stats.Dropped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue[0].TradeID != "b" || c.queue[1].TradeID != "c" {
		t.Errorf("queue = %v, %v", c.queue[0].TradeID, c.queue[1].TradeID)
	}
}

func TestUploadRetryThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		lastBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Enqueue(testTrade("t1"))

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (two failures then success)", got)
	}

	var payload struct {
		AppID           string            `json:"appId"`
		MasterKey       string            `json:"masterKey"`
		Data            []json.RawMessage `json:"data"`
		SelectedBroker  string            `json:"selectedBroker"`
		UploadMfePrices bool              `json:"uploadMfePrices"`
	}
	if err := json.Unmarshal(lastBody, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.AppID != "app" || payload.MasterKey != "key" || payload.SelectedBroker != "tradegate" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.Data) != 1 {
		t.Fatalf("data = %d records, want 1", len(payload.Data))
	}

	stats := c.Stats()
	if stats.Uploaded != 1 || stats.Retries != 2 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}

	// a later flush must not repeat the trade
	c.Enqueue(testTrade("t1"))
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls after duplicate = %d, want still 3", got)
	}
}

func TestBatchAbandonedAfterRetries(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Enqueue(testTrade("t1"))
	c.Enqueue(testTrade("t2"))

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stats := c.Stats()
	if stats.Dropped != 2 || stats.Uploaded != 0 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestFlushDeadline(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, "http://127.0.0.1:0")
	c.Enqueue(testTrade("t1"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Flush(ctx); err == nil {
		t.Error("expired context with pending trades should error")
	}
}

func TestDisabledClientIsInert(t *testing.T) {
	t.Parallel()
	c := New(Options{Enabled: false}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Enqueue(testTrade("t1"))
	if got := c.Stats().Pending; got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestRunFlushesOnBatchFull(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.opts.BatchSize = 2
	c.opts.FlushInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { c.Run(ctx); close(done) }()

	c.Enqueue(testTrade("a"))
	c.Enqueue(testTrade("b"))

	deadline := time.After(2 * time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("batch-full wake did not trigger an upload")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
