package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type fakeBroker struct {
	server *httptest.Server

	mu          sync.Mutex
	conns       int
	connects    []Frame
	subscribes  []Frame
	disconnects int
	current     *websocket.Conn
	dropFirst   bool

	sends chan Frame
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{sends: make(chan Frame, 16)}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBroker) wsURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *fakeBroker) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := context.Background()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	frame, err := DecodeFrame(data)
	if err != nil || frame.Command != CommandConnect {
		return
	}

	b.mu.Lock()
	b.conns++
	b.connects = append(b.connects, frame)
	b.current = conn
	dropThis := b.dropFirst && b.conns == 1
	b.mu.Unlock()

	if err := b.write(conn, Frame{Command: CommandConnected}); err != nil {
		return
	}

	subs := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			continue
		}
		switch frame.Command {
		case CommandSubscribe:
			b.mu.Lock()
			b.subscribes = append(b.subscribes, frame)
			b.mu.Unlock()
			subs++
			if dropThis && subs == 2 {
				_ = conn.Close(websocket.StatusGoingAway, "broker restart")
				return
			}
		case CommandSend:
			b.sends <- frame
		case CommandDisconnect:
			b.mu.Lock()
			b.disconnects++
			b.mu.Unlock()
		case CommandHeartbeat:
		}
	}
}

func (b *fakeBroker) write(conn *websocket.Conn, frame Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (b *fakeBroker) push(t *testing.T, body string) {
	t.Helper()
	b.mu.Lock()
	conn := b.current
	b.mu.Unlock()
	if conn == nil {
		t.Fatal("no live broker connection to push on")
	}
	if err := b.write(conn, Frame{Command: CommandMessage, Body: json.RawMessage(body)}); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func newTestChannel(t *testing.T, b *fakeBroker) *Channel {
	t.Helper()
	ch, err := New(Options{
		URL:               b.wsURL(),
		Token:             "test-token",
		HTTPClient:        b.server.Client(),
		HeartbeatInterval: time.Minute,
		ReconnectDelay:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(ch.Disconnect)
	return ch
}

func awaitSend(t *testing.T, b *fakeBroker) Frame {
	t.Helper()
	select {
	case frame := <-b.sends:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a publish")
	}
	return Frame{}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectHandshakeSubscribesBothTopics(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)

	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "both subscriptions", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return len(broker.subscribes) == 2
	})

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if got := broker.connects[0].Headers["authorization"]; got != "Bearer test-token" {
		t.Fatalf("expected bearer token in connect frame, got %q", got)
	}
	topics := map[string]bool{}
	for _, sub := range broker.subscribes {
		topics[sub.Headers["destination"]] = true
	}
	if !topics["/topic/project/prj_1/stroke"] || !topics["/topic/project/prj_1/collab"] {
		t.Fatalf("unexpected subscriptions %v", topics)
	}
}

func TestSendLiveRoutesByEventType(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)
	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := ch.Send("prj_1", "user_1", EventTypeStroke, StrokePayload{PageID: "pg_0"}); err != nil {
		t.Fatalf("send stroke: %v", err)
	}
	if err := ch.Send("prj_1", "user_1", "cursor", map[string]any{"x": 1}); err != nil {
		t.Fatalf("send cursor: %v", err)
	}

	first := awaitSend(t, broker)
	if first.Headers["destination"] != "/app/project/prj_1/stroke" {
		t.Fatalf("stroke event must use the stroke destination, got %q", first.Headers["destination"])
	}
	var event Event
	if err := json.Unmarshal(first.Body, &event); err != nil {
		t.Fatalf("decode published event: %v", err)
	}
	if event.ProjectID != "prj_1" || event.UserID != "user_1" || event.Type != EventTypeStroke {
		t.Fatalf("unexpected event %+v", event)
	}

	second := awaitSend(t, broker)
	if second.Headers["destination"] != "/app/project/prj_1/collab" {
		t.Fatalf("non-stroke events must use the collab destination, got %q", second.Headers["destination"])
	}
}

func TestQueuedSendsFlushInOrder(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)

	for seq := 1; seq <= 3; seq++ {
		if err := ch.Send("prj_1", "user_1", EventTypeStroke, map[string]int{"seq": seq}); err != nil {
			t.Fatalf("queue send %d: %v", seq, err)
		}
	}
	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	for seq := 1; seq <= 3; seq++ {
		frame := awaitSend(t, broker)
		var event Event
		if err := json.Unmarshal(frame.Body, &event); err != nil {
			t.Fatalf("decode flushed event: %v", err)
		}
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("decode flushed payload: %v", err)
		}
		if payload.Seq != seq {
			t.Fatalf("expected flush in arrival order, got seq %d at position %d", payload.Seq, seq)
		}
	}
}

func TestConnectSameProjectIsNoOp(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)

	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("first connect failed: %v", err)
	}
	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if broker.conns != 1 {
		t.Fatalf("reconnecting to the live project must reuse the session, got %d connections", broker.conns)
	}
}

func TestConnectNewProjectTearsDownPrevious(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)

	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect prj_1: %v", err)
	}
	if err := ch.Connect(context.Background(), "prj_2", "user_1", nil); err != nil {
		t.Fatalf("connect prj_2: %v", err)
	}

	waitFor(t, "teardown of the first session", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.conns == 2 && broker.disconnects >= 1
	})
	waitFor(t, "subscriptions for the new project", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		for _, sub := range broker.subscribes {
			if sub.Headers["destination"] == "/topic/project/prj_2/stroke" {
				return true
			}
		}
		return false
	})
}

func TestDisconnectClearsPendingAndIsIdempotent(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)

	// Never connected yet; must not panic.
	ch.Disconnect()

	if err := ch.Send("prj_1", "user_1", EventTypeStroke, map[string]int{"seq": 1}); err != nil {
		t.Fatalf("queue send: %v", err)
	}
	ch.Disconnect()
	ch.Disconnect()

	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case frame := <-broker.sends:
		t.Fatalf("disconnect must clear the pending queue, got %+v", frame)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMalformedInboundDroppedValidDelivered(t *testing.T) {
	broker := newFakeBroker(t)
	ch := newTestChannel(t, broker)
	events := make(chan Event, 4)
	err := ch.Connect(context.Background(), "prj_1", "user_1", func(e Event) {
		events <- e
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Schema violation: pageInfo must never carry a stroke list.
	broker.push(t, `{"projectId":"prj_1","userId":"user_2","type":"stroke","payload":{"pageId":"pg_0","pageInfo":{"id":"pg_0","strokes":[]}}}`)
	// Missing required userId.
	broker.push(t, `{"projectId":"prj_1","type":"stroke"}`)
	broker.push(t, `{"projectId":"prj_1","userId":"user_2","type":"stroke","payload":{"pageId":"pg_0"}}`)

	select {
	case event := <-events:
		if event.UserID != "user_2" || event.Type != EventTypeStroke {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid event never delivered")
	}
	select {
	case event := <-events:
		t.Fatalf("invalid events must be dropped, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	broker := newFakeBroker(t)
	broker.dropFirst = true
	ch := newTestChannel(t, broker)

	if err := ch.Connect(context.Background(), "prj_1", "user_1", nil); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "automatic reconnect", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.conns == 2
	})

	if err := ch.Send("prj_1", "user_1", EventTypeStroke, map[string]int{"seq": 1}); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	frame := awaitSend(t, broker)
	if frame.Headers["destination"] != "/app/project/prj_1/stroke" {
		t.Fatalf("unexpected destination %q", frame.Headers["destination"])
	}
}

func TestFrameEncodeRejectsMissingCommand(t *testing.T) {
	if _, err := (Frame{}).Encode(); err == nil {
		t.Fatal("expected error for frame without command")
	}
	if _, err := DecodeFrame([]byte(`{"headers":{}}`)); err == nil {
		t.Fatal("expected error for decoded frame without command")
	}
	if _, err := DecodeFrame([]byte(`garbage`)); err == nil {
		t.Fatal("expected error for undecodable frame")
	}
}

func TestDestinationRouting(t *testing.T) {
	cases := []struct {
		eventType string
		want      string
	}{
		{EventTypeStroke, "/app/project/p/stroke"},
		{"cursor", "/app/project/p/collab"},
		{"presence", "/app/project/p/collab"},
	}
	for _, tc := range cases {
		if got := destinationFor("p", tc.eventType); got != tc.want {
			t.Fatalf("destinationFor(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}
