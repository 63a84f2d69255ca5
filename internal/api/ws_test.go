package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradegate/internal/bus"
	"tradegate/internal/orchestrator"
	"tradegate/pkg/types"
)

func dialWS(t *testing.T, h *apiHarness) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebsocketPing(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()
	conn := dialWS(t, h)
	defer conn.Close()

	if err := conn.WriteJSON(clientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != msgHeartbeat {
		t.Errorf("reply = %s, want heartbeat", msg.Type)
	}
}

func TestWebsocketEventFanout(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()
	conn := dialWS(t, h)
	defer conn.Close()

	if err := conn.WriteJSON(clientMessage{Type: "subscribe", Topics: []string{msgExecution}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// give the subscription a moment to land before publishing
	time.Sleep(50 * time.Millisecond)

	h.server.opts.Bus.Publish(bus.Event{
		Topic: bus.TopicExecutions, Type: bus.EventExecution, AlertID: "a1",
		Data: orchestrator.ExecutionEvent{AlertID: "a1", AccountID: "p1", Status: types.StatusFilled},
	})

	msg := readMessage(t, conn)
	if msg.Type != msgExecution {
		t.Errorf("type = %s, want execution", msg.Type)
	}
}

func TestWebsocketAccountFilter(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()
	conn := dialWS(t, h)
	defer conn.Close()

	msg := clientMessage{Type: "subscribe", Topics: []string{msgPosition}, AccountIDs: []string{"p1"}}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// p2's update must be filtered out; p1's delivered
	h.server.opts.Bus.Publish(bus.Event{
		Topic: bus.TopicPositions, Type: bus.EventPositionUpdated,
		Data: &types.Position{AccountID: "p2", Symbol: "ES", NetQuantity: 1},
	})
	h.server.opts.Bus.Publish(bus.Event{
		Topic: bus.TopicPositions, Type: bus.EventPositionUpdated,
		Data: &types.Position{AccountID: "p1", Symbol: "NQ", NetQuantity: 2},
	})

	got := readMessage(t, conn)
	if got.Type != msgPosition {
		t.Fatalf("type = %s, want position_update", got.Type)
	}
	data, ok := got.Data.(map[string]any)
	if !ok || data["account_id"] != "p1" {
		t.Errorf("data = %v, want p1's position", got.Data)
	}
}

func TestWebsocketKindFilter(t *testing.T) {
	t.Parallel()
	h := newAPIHarness(t)
	defer h.close()
	conn := dialWS(t, h)
	defer conn.Close()

	// subscribed only to strategy mode changes
	if err := conn.WriteJSON(clientMessage{Type: "subscribe", Topics: []string{msgStrategyMode}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.server.opts.Bus.Publish(bus.Event{
		Topic: bus.TopicExecutions, Type: bus.EventExecution,
		Data: orchestrator.ExecutionEvent{AlertID: "a1", Status: types.StatusFilled},
	})
	h.server.opts.Bus.Publish(bus.Event{
		Topic: bus.TopicStrategies, Type: bus.EventStrategyMode,
		Data: map[string]string{"strategy_id": "momo"},
	})

	msg := readMessage(t, conn)
	if msg.Type != msgStrategyMode {
		t.Errorf("type = %s, want strategy_mode_changed (execution should be filtered)", msg.Type)
	}
}
