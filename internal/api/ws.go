package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/bus"
	"tradegate/internal/orchestrator"
	"tradegate/internal/sim"
	"tradegate/pkg/types"
)

// Server → client message kinds.
const (
	msgQuoteUpdate  = "quote_update"
	msgMarketData   = "market_data"
	msgExecution    = "execution"
	msgPosition     = "position_update"
	msgAccount      = "account_update"
	msgViolation    = "violation"
	msgStrategyMode = "strategy_mode_changed"
	msgHeartbeat    = "heartbeat"
)

const (
	heartbeatInterval = 25 * time.Second
	quoteInterval     = time.Second
	clientBuffer      = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
)

type serverMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type clientMessage struct {
	Type       string   `json:"type"`
	Topics     []string `json:"topics,omitempty"`
	Symbols    []string `json:"symbols,omitempty"`
	AccountIDs []string `json:"account_ids,omitempty"`
}

// wsClient is one dashboard connection with its subscription filters.
// An empty kind set means all kinds; symbol and account filters apply
// only when non-empty.
type wsClient struct {
	conn *websocket.Conn
	send chan serverMessage

	mu       sync.Mutex
	closed   bool
	kinds    map[string]struct{}
	symbols  map[string]struct{}
	accounts map[string]struct{}
}

func (c *wsClient) subscribe(msg clientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		c.kinds[t] = struct{}{}
	}
	for _, sym := range msg.Symbols {
		c.symbols[sym] = struct{}{}
	}
	for _, id := range msg.AccountIDs {
		c.accounts[id] = struct{}{}
	}
}

func (c *wsClient) unsubscribe(msg clientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range msg.Topics {
		delete(c.kinds, t)
	}
	for _, sym := range msg.Symbols {
		delete(c.symbols, sym)
	}
	for _, id := range msg.AccountIDs {
		delete(c.accounts, id)
	}
}

// wants applies the connection's filters to an outbound message.
func (c *wsClient) wants(kind, symbol, accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.kinds) > 0 {
		if _, ok := c.kinds[kind]; !ok {
			return false
		}
	}
	if symbol != "" && len(c.symbols) > 0 {
		if _, ok := c.symbols[symbol]; !ok {
			return false
		}
	}
	if accountID != "" && len(c.accounts) > 0 {
		if _, ok := c.accounts[accountID]; !ok {
			return false
		}
	}
	return true
}

func (c *wsClient) quoteSymbols() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	return out
}

// enqueue drops the oldest pending message when the client is slow.
func (c *wsClient) enqueue(msg serverMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- msg:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

// Hub fans bus events out to websocket clients and streams quotes and
// heartbeats.
type Hub struct {
	b      *bus.Bus
	sim    *sim.Simulator
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(b *bus.Bus, simulator *sim.Simulator, logger *slog.Logger) *Hub {
	return &Hub{
		b:      b,
		sim:    simulator,
		logger: logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// run pumps bus events, quotes, and heartbeats until ctx ends.
func (h *Hub) run(ctx context.Context) {
	var events <-chan bus.Event
	if h.b != nil {
		sub := h.b.Subscribe(256)
		defer sub.Close()
		events = sub.C()
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	quotes := time.NewTicker(quoteInterval)
	defer quotes.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			h.broadcastEvent(ev)
		case <-heartbeat.C:
			h.broadcast(serverMessage{Type: msgHeartbeat, Timestamp: time.Now().UTC()}, "", "")
		case <-quotes.C:
			h.streamQuotes()
		}
	}
}

// broadcastEvent translates a bus event into the wire vocabulary.
func (h *Hub) broadcastEvent(ev bus.Event) {
	kind := msgExecution
	symbol := ""
	accountID := ""

	switch ev.Type {
	case bus.EventExecution, bus.EventOrderAccepted:
		if exec, ok := ev.Data.(orchestrator.ExecutionEvent); ok {
			accountID = exec.AccountID
		}
	case bus.EventFill:
		if fill, ok := ev.Data.(*types.Fill); ok {
			symbol, accountID = fill.Symbol, fill.AccountID
		}
	case bus.EventPositionUpdated:
		kind = msgPosition
		if pos, ok := ev.Data.(*types.Position); ok {
			symbol, accountID = pos.Symbol, pos.AccountID
		}
	case bus.EventAccountUpdated:
		kind = msgAccount
		if acct, ok := ev.Data.(*types.Account); ok {
			accountID = acct.ID
		}
	case bus.EventViolation, bus.EventFlattenRequest, bus.EventSystem:
		kind = msgViolation
		if v, ok := ev.Data.(*types.Violation); ok {
			accountID = v.AccountID
		}
	case bus.EventStrategyMode:
		kind = msgStrategyMode
	}

	h.broadcast(serverMessage{Type: kind, Data: ev.Data, Timestamp: time.Now().UTC()}, symbol, accountID)
}

func (h *Hub) broadcast(msg serverMessage, symbol, accountID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.wants(msg.Type, symbol, accountID) {
			c.enqueue(msg)
		}
	}
}

// streamQuotes pushes quote_update messages for each client's
// subscribed symbols.
func (h *Hub) streamQuotes() {
	if h.sim == nil {
		return
	}
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	now := time.Now().UTC()
	for _, c := range clients {
		for _, sym := range c.quoteSymbols() {
			if !c.wants(msgQuoteUpdate, sym, "") {
				continue
			}
			quote, err := h.sim.GetQuote(context.Background(), sym)
			if err != nil {
				continue
			}
			c.enqueue(serverMessage{Type: msgQuoteUpdate, Data: quote, Timestamp: now})
		}
	}
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		conn:     conn,
		send:     make(chan serverMessage, clientBuffer),
		kinds:    make(map[string]struct{}),
		symbols:  make(map[string]struct{}),
		accounts: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *wsClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch msg.Type {
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			c.unsubscribe(msg)
		case "ping":
			c.enqueue(serverMessage{Type: msgHeartbeat, Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	_, registered := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if registered {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	}
	c.conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}
