package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradegate/pkg/types"
)

// Credentials resolves broker secrets. Satisfied by *vault.Vault.
type Credentials interface {
	Get(namespace, key string) (string, error)
}

// LiveConfig wires one LiveAdapter instance.
type LiveConfig struct {
	Key        string // broker key, also the vault namespace
	BaseURL    string
	APIKeyName string // vault key for the API key (default "api_key")
	SecretName string // vault key for the signing secret (default "api_secret")
	Sandbox    bool
	Timeout    time.Duration
	DryRun     bool
}

// LiveAdapter talks to a broker REST API: HMAC-signed requests, retries
// on transport errors and 429/5xx, and a request-rate token bucket.
// In dry-run mode order submissions return synthetic acknowledgements
// without touching the wire.
type LiveAdapter struct {
	cfg     LiveConfig
	client  *resty.Client
	creds   Credentials
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	apiKey   string
	secret   string
	accounts []string
}

func NewLive(cfg LiveConfig, creds Credentials, logger *slog.Logger) *LiveAdapter {
	if cfg.APIKeyName == "" {
		cfg.APIKeyName = "api_key"
	}
	if cfg.SecretName == "" {
		cfg.SecretName = "api_secret"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &LiveAdapter{
		cfg:     cfg,
		client:  client,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With("component", "broker", "broker", cfg.Key),
	}
}

// Initialize loads credentials and fetches the account list.
func (l *LiveAdapter) Initialize(ctx context.Context) (*InitResult, error) {
	apiKey, err := l.creds.Get(l.cfg.Key, l.cfg.APIKeyName)
	if err != nil {
		return nil, fmt.Errorf("load %s credential: %w", l.cfg.APIKeyName, err)
	}
	secret, err := l.creds.Get(l.cfg.Key, l.cfg.SecretName)
	if err != nil {
		return nil, fmt.Errorf("load %s credential: %w", l.cfg.SecretName, err)
	}
	l.mu.Lock()
	l.apiKey, l.secret = apiKey, secret
	l.mu.Unlock()

	if l.cfg.DryRun {
		l.logger.Info("dry run, skipping broker handshake")
		return &InitResult{Connected: true, Capabilities: []string{"orders", "positions", "quotes"}}, nil
	}

	var out struct {
		Accounts []struct {
			ID      string `json:"id"`
			Default bool   `json:"default"`
		} `json:"accounts"`
	}
	if err := l.do(ctx, http.MethodGet, "/v1/accounts", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}

	res := &InitResult{Connected: true, Capabilities: []string{"orders", "positions", "quotes"}}
	for _, a := range out.Accounts {
		res.AccountIDs = append(res.AccountIDs, a.ID)
		if a.Default || res.DefaultAccountID == "" {
			res.DefaultAccountID = a.ID
		}
	}
	l.mu.Lock()
	l.accounts = res.AccountIDs
	l.mu.Unlock()

	l.logger.Info("broker connected", "accounts", len(res.AccountIDs), "sandbox", l.cfg.Sandbox)
	return res, nil
}

// orderRequest is the generic wire form for a submission.
type orderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	AccountID     string `json:"account_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"order_type"`
	Quantity      int    `json:"quantity"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
}

type orderResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Fill     *struct {
		Quantity   int    `json:"quantity"`
		Price      string `json:"price"`
		Commission string `json:"commission"`
		Fees       string `json:"fees"`
	} `json:"fill,omitempty"`
}

// ExecuteAlert submits the alert as an order and blocks until the broker
// acknowledges, bounded by the context deadline.
func (l *LiveAdapter) ExecuteAlert(ctx context.Context, a *types.Alert, accountID string) (*types.ExecutionResult, error) {
	var netQty int64 = 1
	if a.Action == types.ActionClose {
		netQty = l.longQty(ctx, accountID, a.Symbol)
	}
	side := types.SideForAction(a.Action, netQty)

	if l.cfg.DryRun {
		l.logger.Info("dry run order", "symbol", a.Symbol, "side", side, "qty", a.Quantity)
		return &types.ExecutionResult{
			Success: true,
			OrderID: "dry-" + uuid.NewString(),
			Status:  types.StatusWorking,
		}, nil
	}

	req := orderRequest{
		ClientOrderID: a.ID,
		AccountID:     accountID,
		Symbol:        a.Symbol,
		Side:          string(side),
		OrderType:     string(a.OrderType),
		Quantity:      a.Quantity,
	}
	if a.Price != nil {
		req.Price = a.Price.String()
	}
	if a.StopPrice != nil {
		req.StopPrice = a.StopPrice.String()
	}

	var out orderResponse
	if err := l.do(ctx, http.MethodPost, "/v1/orders", req, &out); err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}

	res := &types.ExecutionResult{
		OrderID: out.OrderID,
		Status:  types.OrderStatus(out.Status),
	}
	switch res.Status {
	case types.StatusWorking, types.StatusFilled, types.StatusPartiallyFilled:
		res.Success = true
	case types.StatusRejected:
		res.RejectionReason = out.Reason
	default:
		res.Status = types.StatusUnknown
		res.RejectionReason = out.Reason
	}

	if out.Fill != nil {
		price, _ := decimal.NewFromString(out.Fill.Price)
		commission, _ := decimal.NewFromString(out.Fill.Commission)
		fees, _ := decimal.NewFromString(out.Fill.Fees)
		res.Fill = &types.Fill{
			ID:         uuid.NewString(),
			OrderID:    out.OrderID,
			AccountID:  accountID,
			Symbol:     a.Symbol,
			Side:       side,
			Quantity:   out.Fill.Quantity,
			Price:      price,
			Commission: commission,
			Fees:       fees,
			Timestamp:  time.Now().UTC(),
			BrokerKey:  l.cfg.Key,
		}
	}
	return res, nil
}

func (l *LiveAdapter) GetPositions(ctx context.Context, accountID string) ([]*types.Position, error) {
	var out struct {
		Positions []struct {
			Symbol      string `json:"symbol"`
			NetQuantity int64  `json:"net_quantity"`
			AvgPrice    string `json:"avg_price"`
			MarketPrice string `json:"market_price"`
		} `json:"positions"`
	}
	path := "/v1/accounts/" + accountID + "/positions"
	if err := l.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	positions := make([]*types.Position, 0, len(out.Positions))
	for _, p := range out.Positions {
		avg, _ := decimal.NewFromString(p.AvgPrice)
		mkt, _ := decimal.NewFromString(p.MarketPrice)
		spec := types.SpecFor(p.Symbol)
		pos := &types.Position{
			AccountID:   accountID,
			Symbol:      p.Symbol,
			Kind:        spec.Kind,
			NetQuantity: p.NetQuantity,
			AvgPrice:    avg,
			MarketPrice: mkt,
			Multiplier:  spec.Multiplier,
			LastUpdated: time.Now().UTC(),
		}
		pos.UnrealizedPnL = mkt.Sub(avg).Mul(decimal.NewFromInt(p.NetQuantity)).Mul(spec.Multiplier)
		positions = append(positions, pos)
	}
	return positions, nil
}

func (l *LiveAdapter) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	var out struct {
		Bid    string `json:"bid"`
		Ask    string `json:"ask"`
		Last   string `json:"last"`
		Volume int64  `json:"volume"`
	}
	if err := l.do(ctx, http.MethodGet, "/v1/quotes/"+symbol, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch quote: %w", err)
	}
	bid, _ := decimal.NewFromString(out.Bid)
	ask, _ := decimal.NewFromString(out.Ask)
	last, _ := decimal.NewFromString(out.Last)
	return &types.Quote{
		Symbol: symbol, Bid: bid, Ask: ask, Last: last,
		Volume: out.Volume, Timestamp: time.Now().UTC(),
	}, nil
}

func (l *LiveAdapter) Close() error {
	l.logger.Info("broker adapter closed")
	return nil
}

// longQty resolves the current net quantity so close actions pick the
// right side. Best effort; an unreachable broker defaults to long.
func (l *LiveAdapter) longQty(ctx context.Context, accountID, symbol string) int64 {
	if l.cfg.DryRun {
		return 1
	}
	positions, err := l.GetPositions(ctx, accountID)
	if err != nil {
		return 1
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.NetQuantity
		}
	}
	return 1
}

// do signs and executes one request, honoring the rate limiter.
func (l *LiveAdapter) do(ctx context.Context, method, path string, body, out any) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate wait: %w", err)
	}

	l.mu.RLock()
	apiKey, secret := l.apiKey, l.secret
	l.mu.RUnlock()

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ""
	req := l.client.R().SetContext(ctx)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = string(raw)
		req.SetBody(raw).SetHeader("Content-Type", "application/json")
	}

	req.SetHeader("X-API-Key", apiKey).
		SetHeader("X-Timestamp", ts).
		SetHeader("X-Signature", sign(secret, ts+method+path+payload))
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func sign(secret, msg string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
