package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/broker"
	"tradegate/internal/bus"
	"tradegate/internal/config"
	"tradegate/internal/funded"
	"tradegate/internal/journal"
	"tradegate/internal/orchestrator"
	"tradegate/internal/router"
	"tradegate/internal/sim"
	"tradegate/internal/strategy"
	"tradegate/internal/webhook"
)

const testSecret = "test-secret"

type apiHarness struct {
	srv    *httptest.Server
	server *Server
	eng    *funded.Engine
	simu   *sim.Simulator
	track  *strategy.Tracker
	cancel context.CancelFunc
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()

	simulator := sim.New(sim.Options{
		Location:       time.UTC,
		TestMode:       true,
		InitialBalance: 1_000_000,
		MinLatency:     time.Millisecond,
		MaxLatency:     2 * time.Millisecond,
	}, b, logger)

	reg := broker.NewRegistry()
	reg.Register(sim.BrokerKey, simulator)

	eng := funded.NewEngine(b, logger)
	eng.Register("ts1", "topstep", funded.RulesFromConfig(config.FundedRules{
		MaxDailyLoss: 1000, TrailingDrawdown: 2000, MaxContracts: 3,
	}), decimal.NewFromInt(50_000))

	track, err := strategy.NewTracker(20, 2, 0, nil, b, logger)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	uploader := journal.New(journal.Options{Enabled: false}, logger)

	accounts := []config.AccountConfig{
		{ID: "ts1", Group: "topstep", BrokerKey: sim.BrokerKey},
	}
	rt := router.New(reg, accounts, []string{"topstep"}, track, logger)

	orch := orchestrator.New(orchestrator.Options{
		Router:    rt,
		Funded:    eng,
		Simulator: simulator,
		Bus:       b,
	}, logger)

	server := New(Options{
		Auth:         webhook.New(testSecret, 50, time.Minute, 64*1024, logger),
		Orchestrator: orch,
		Funded:       eng,
		Simulator:    simulator,
		Strategies:   track,
		Journal:      uploader,
		Registry:     reg,
		Router:       rt,
		Bus:          b,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go server.Run(ctx)

	return &apiHarness{
		srv:    httptest.NewServer(server.Routes()),
		server: server,
		eng:    eng,
		simu:   simulator,
		track:  track,
		cancel: cancel,
	}
}

func (h *apiHarness) close() {
	h.cancel()
	h.srv.Close()
}

func (h *apiHarness) postSigned(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(testSecret, body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return resp
}

func decodeMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func validAlertBody(group string) []byte {
	return []byte(fmt.Sprintf(
		`{"symbol":"ES","action":"buy","quantity":1,"order_type":"market","account_group":%q}`, group))
}

func TestWebhookAccepted(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	resp := h.postSigned(t, "/webhook/tradingview", validAlertBody("paper_simulator"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeMap(t, resp)
	if body["status"] != "received" || body["alert_id"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	payload := validAlertBody("paper_simulator")
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/webhook/tradingview", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebhookInjectionRejected(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	payload := []byte(`{"symbol":"ES'; DROP TABLE x; --","action":"buy","quantity":1,"order_type":"market","account_group":"paper_simulator"}`)
	resp := h.postSigned(t, "/webhook/tradingview", payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decodeMap(t, resp)
	if !strings.Contains(fmt.Sprint(body["reason"]), "forbidden_content") {
		t.Errorf("reason = %v", body["reason"])
	}
}

func TestWebhookHealthProbe(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	resp, err := http.Get(h.srv.URL + "/webhook/test")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := decodeMap(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestFundedEndpoints(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	resp, err := http.Get(h.srv.URL + "/api/v1/funded-accounts/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list []fundedView
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(list) != 1 || list[0].AccountID != "ts1" || !list[0].CanTrade {
		t.Fatalf("list = %+v", list)
	}

	resp, err = http.Get(h.srv.URL + "/api/v1/funded-accounts/ts1/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics := decodeMap(t, resp)
	if metrics["risk_level"] != "safe" || metrics["can_trade"] != true {
		t.Errorf("metrics = %v", metrics)
	}

	resp, err = http.Get(h.srv.URL + "/api/v1/funded-accounts/ghost")
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown account status = %d", resp.StatusCode)
	}
}

func TestFundedPauseResume(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	resp, err := http.Post(h.srv.URL+"/api/v1/funded-accounts/ts1/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}

	resp, err = http.Post(h.srv.URL+"/api/v1/funded-accounts/ts1/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}

	// violated accounts cannot resume
	h.eng.OnFill("ts1", decimal.NewFromInt(-1500), decimal.NewFromInt(48_500))
	resp, err = http.Post(h.srv.URL+"/api/v1/funded-accounts/ts1/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("resume violated: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("resume violated status = %d, want 409", resp.StatusCode)
	}
}

func TestFundedViolationFilterAndAck(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	h.eng.OnFill("ts1", decimal.NewFromInt(-1500), decimal.NewFromInt(48_500))

	resp, err := http.Get(h.srv.URL + "/api/v1/funded-accounts/violations/?account_id=ts1&severity=violation")
	if err != nil {
		t.Fatalf("violations: %v", err)
	}
	var violations []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&violations); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(violations) == 0 {
		t.Fatal("no violations listed")
	}

	id := violations[0]["id"].(string)
	resp, err = http.Post(h.srv.URL+"/api/v1/funded-accounts/violations/"+id+"/acknowledge", "application/json", nil)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ack status = %d", resp.StatusCode)
	}

	resp, err = http.Get(h.srv.URL + "/api/v1/funded-accounts/violations/?account_id=ts1&acknowledged=false")
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	var unacked []map[string]any
	json.NewDecoder(resp.Body).Decode(&unacked)
	resp.Body.Close()
	for _, v := range unacked {
		v := v
		_ = v
		if v["id"] == id {
			t.Error("acknowledged violation still listed as unacknowledged")
		}
	}
}

func TestPaperAccountLifecycle(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	// trade via the paper alert endpoint (no signature required)
	resp, err := http.Post(h.srv.URL+"/api/paper-trading/alerts", "application/json",
		bytes.NewReader(validAlertBody("paper_simulator")))
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	body := decodeMap(t, resp)
	if body["status"] != "received" {
		t.Fatalf("body = %v", body)
	}

	// the alert executes asynchronously
	deadline := time.Now().Add(3 * time.Second)
	for {
		if a, ok := h.simu.Account("paper_simulator"); ok && len(a.Positions) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("paper position never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err = http.Get(h.srv.URL + "/api/paper-trading/accounts/paper_simulator")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	acct := decodeMap(t, resp)
	if acct["id"] != "paper_simulator" {
		t.Errorf("account = %v", acct)
	}

	resp, err = http.Get(h.srv.URL + "/api/paper-trading/accounts/paper_simulator/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	metrics := decodeMap(t, resp)
	if metrics["open_positions"].(float64) != 1 {
		t.Errorf("metrics = %v", metrics)
	}

	// reset requires confirmation
	resp, err = http.Post(h.srv.URL+"/api/paper-trading/accounts/paper_simulator/reset",
		"application/json", strings.NewReader(`{"confirm":false}`))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unconfirmed reset status = %d", resp.StatusCode)
	}

	resp, err = http.Post(h.srv.URL+"/api/paper-trading/accounts/paper_simulator/reset",
		"application/json", strings.NewReader(`{"confirm":true}`))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
	if a, _ := h.simu.Account("paper_simulator"); len(a.Positions) != 0 {
		t.Error("reset left positions behind")
	}
}

func TestStrategyEndpoints(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()

	resp, err := http.Post(h.srv.URL+"/api/strategies/register", "application/json",
		strings.NewReader(`{"id":"momo","name":"Momentum","min_win_rate":55,"set_size":20,"initial_mode":"live"}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg := decodeMap(t, resp)
	if reg["id"] != "momo" || reg["mode"] != "live" {
		t.Fatalf("register = %v", reg)
	}

	resp, err = http.Post(h.srv.URL+"/api/strategies/momo/mode", "application/json",
		strings.NewReader(`{"mode":"paper","reason":"operator request"}`))
	if err != nil {
		t.Fatalf("mode: %v", err)
	}
	tr := decodeMap(t, resp)
	if tr["to"] != "paper" || tr["reason"] != "operator request" {
		t.Errorf("transition = %v", tr)
	}

	resp, err = http.Get(h.srv.URL + "/api/strategies/momo/transitions")
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	var transitions []map[string]any
	json.NewDecoder(resp.Body).Decode(&transitions)
	resp.Body.Close()
	if len(transitions) != 1 {
		t.Errorf("transitions = %d, want 1", len(transitions))
	}

	resp, err = http.Get(h.srv.URL + "/api/strategies/alerts")
	if err != nil {
		t.Fatalf("alerts: %v", err)
	}
	var alerts []map[string]any
	json.NewDecoder(resp.Body).Decode(&alerts)
	resp.Body.Close()
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(alerts))
	}

	req, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/strategies/alerts", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	resp.Body.Close()
	if len(h.track.Alerts()) != 0 {
		t.Error("alerts not cleared")
	}

	resp, err = http.Get(h.srv.URL + "/api/strategies/ghost")
	if err != nil {
		t.Fatalf("ghost: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown strategy status = %d", resp.StatusCode)
	}
}
