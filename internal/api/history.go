package api

import (
	"context"
	"sync"
	"time"

	"tradegate/internal/bus"
	"tradegate/internal/orchestrator"
	"tradegate/pkg/types"
)

// perAccountHistory caps how many orders and fills are retained for the
// REST views.
const perAccountHistory = 200

// orderView is the REST shape for an executed order.
type orderView struct {
	OrderID   string            `json:"order_id"`
	AlertID   string            `json:"alert_id"`
	AccountID string            `json:"account_id"`
	BrokerKey string            `json:"broker_key"`
	Status    types.OrderStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// history records terminal executions and fills off the bus so the REST
// surface can serve per-account order and fill lists.
type history struct {
	b *bus.Bus

	mu     sync.RWMutex
	orders map[string][]orderView
	fills  map[string][]*types.Fill
}

func newHistory(b *bus.Bus) *history {
	return &history{
		b:      b,
		orders: make(map[string][]orderView),
		fills:  make(map[string][]*types.Fill),
	}
}

func (h *history) run(ctx context.Context) {
	if h.b == nil {
		return
	}
	sub := h.b.Subscribe(256, bus.TopicExecutions, bus.TopicFills)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C():
			h.record(ev)
		}
	}
}

func (h *history) record(ev bus.Event) {
	switch ev.Type {
	case bus.EventExecution:
		exec, ok := ev.Data.(orchestrator.ExecutionEvent)
		if !ok || exec.AccountID == "" {
			return
		}
		h.mu.Lock()
		h.orders[exec.AccountID] = appendCapped(h.orders[exec.AccountID], orderView{
			OrderID:   exec.OrderID,
			AlertID:   exec.AlertID,
			AccountID: exec.AccountID,
			BrokerKey: exec.BrokerKey,
			Status:    exec.Status,
			Reason:    exec.Reason,
			Timestamp: ev.Time,
		})
		h.mu.Unlock()
	case bus.EventFill:
		fill, ok := ev.Data.(*types.Fill)
		if !ok {
			return
		}
		h.mu.Lock()
		h.fills[fill.AccountID] = appendCapped(h.fills[fill.AccountID], fill)
		h.mu.Unlock()
	}
}

func (h *history) ordersFor(accountID string) []orderView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]orderView, len(h.orders[accountID]))
	copy(out, h.orders[accountID])
	return out
}

func (h *history) fillsFor(accountID string) []*types.Fill {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*types.Fill, len(h.fills[accountID]))
	copy(out, h.fills[accountID])
	return out
}

// orderByID scans all accounts for an order. Used by cancel.
func (h *history) orderByID(orderID string) (orderView, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, orders := range h.orders {
		for _, o := range orders {
			if o.OrderID == orderID {
				return o, true
			}
		}
	}
	return orderView{}, false
}

func appendCapped[T any](list []T, item T) []T {
	list = append(list, item)
	if len(list) > perAccountHistory {
		list = list[len(list)-perAccountHistory:]
	}
	return list
}
