// Package journal uploads completed trades to the external journal
// service in batches, with retry and process-lifetime deduplication.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// Options configures the journal client.
type Options struct {
	Enabled       bool
	BaseURL       string
	AppID         string
	MasterKey     string
	BrokerName    string
	UploadMFE     bool
	Timeout       time.Duration
	Retries       int
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	BackoffCeil   time.Duration
}

type uploadPayload struct {
	AppID           string        `json:"appId"`
	MasterKey       string        `json:"masterKey"`
	Data            []TradeRecord `json:"data"`
	SelectedBroker  string        `json:"selectedBroker"`
	UploadMfePrices bool          `json:"uploadMfePrices"`
}

// Counters are cumulative client metrics.
type Counters struct {
	Uploaded int64 `json:"uploaded"`
	Dropped  int64 `json:"dropped"`
	Retries  int64 `json:"retries"`
	Pending  int   `json:"pending"`
}

// Client batches trades and posts them to the journal endpoint. Enqueue
// never blocks; a full queue drops the oldest entry.
type Client struct {
	opts   Options
	http   *resty.Client
	logger *slog.Logger

	mu    sync.Mutex
	queue []Trade
	seen  map[string]struct{}
	wake  chan struct{}

	uploaded atomic.Int64
	dropped  atomic.Int64
	retries  atomic.Int64

	backoffBase time.Duration
}

// New builds a client. Call Run to start the upload worker.
func New(opts Options, logger *slog.Logger) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.BackoffCeil <= 0 {
		opts.BackoffCeil = 30 * time.Second
	}
	return &Client{
		opts: opts,
		http: resty.New().
			SetBaseURL(opts.BaseURL).
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json"),
		logger:      logger.With("component", "journal"),
		seen:        make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		backoffBase: time.Second,
	}
}

// Enqueue adds a trade to the pending queue. Duplicate trade IDs and
// trades arriving on a full queue are counted, not errors.
func (c *Client) Enqueue(t Trade) {
	if !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	if _, dup := c.seen[t.TradeID]; dup {
		c.mu.Unlock()
		c.logger.Debug("duplicate trade skipped", "trade_id", t.TradeID)
		return
	}
	c.seen[t.TradeID] = struct{}{}

	if len(c.queue) >= c.opts.QueueSize {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
		c.logger.Warn("journal queue full, dropped oldest trade")
	}
	c.queue = append(c.queue, t)
	full := len(c.queue) >= c.opts.BatchSize
	c.mu.Unlock()

	if full {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Run uploads batches until ctx is cancelled, flushing when a batch
// fills or the flush interval elapses, whichever first.
func (c *Client) Run(ctx context.Context) {
	if !c.opts.Enabled {
		c.logger.Info("journal uploads disabled")
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.flushOnce(ctx)
	}
}

// Flush drains the queue synchronously, bounded by ctx. Used at
// shutdown after Run has stopped.
func (c *Client) Flush(ctx context.Context) error {
	if !c.opts.Enabled {
		return nil
	}
	for {
		if ctx.Err() != nil {
			c.mu.Lock()
			remaining := len(c.queue)
			c.mu.Unlock()
			if remaining > 0 {
				return fmt.Errorf("journal flush deadline with %d trades pending", remaining)
			}
			return ctx.Err()
		}
		if !c.flushOnce(ctx) {
			return nil
		}
	}
}

// flushOnce uploads a single batch. Returns false when the queue was
// empty.
func (c *Client) flushOnce(ctx context.Context) bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	n := len(c.queue)
	if n > c.opts.BatchSize {
		n = c.opts.BatchSize
	}
	batch := make([]Trade, n)
	copy(batch, c.queue[:n])
	c.queue = c.queue[n:]
	c.mu.Unlock()

	if err := c.uploadWithRetry(ctx, batch); err != nil {
		c.logger.Error("journal batch abandoned",
			"trades", len(batch), "attempts", c.opts.Retries, "error", err)
		c.dropped.Add(int64(len(batch)))
		return true
	}
	c.uploaded.Add(int64(len(batch)))
	return true
}

func (c *Client) uploadWithRetry(ctx context.Context, batch []Trade) error {
	records := make([]TradeRecord, len(batch))
	for i, t := range batch {
		records[i] = recordFrom(t)
	}
	payload := uploadPayload{
		AppID:           c.opts.AppID,
		MasterKey:       c.opts.MasterKey,
		Data:            records,
		SelectedBroker:  c.opts.BrokerName,
		UploadMfePrices: c.opts.UploadMFE,
	}

	var lastErr error
	for attempt := 0; attempt < c.opts.Retries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return err
			}
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(payload).
			Post("/")
		if err != nil {
			lastErr = err
			c.logger.Warn("journal upload failed", "attempt", attempt+1, "error", err)
			continue
		}
		if resp.IsError() {
			lastErr = fmt.Errorf("journal upload: %s", resp.Status())
			c.logger.Warn("journal upload rejected",
				"attempt", attempt+1, "status", resp.StatusCode())
			continue
		}
		if attempt > 0 {
			c.logger.Info("journal upload recovered", "attempt", attempt+1)
		}
		return nil
	}
	return lastErr
}

// backoff is 2^n seconds for the nth retry, capped.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.backoffBase << uint(attempt-1)
	if d > c.opts.BackoffCeil {
		d = c.opts.BackoffCeil
	}
	return d
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stats reports cumulative counters and the current queue depth.
func (c *Client) Stats() Counters {
	c.mu.Lock()
	pending := len(c.queue)
	c.mu.Unlock()
	return Counters{
		Uploaded: c.uploaded.Load(),
		Dropped:  c.dropped.Load(),
		Retries:  c.retries.Load(),
		Pending:  pending,
	}
}
