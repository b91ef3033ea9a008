package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/pkg/models"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := strings.Replace(srv.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(env wsEnvelope) {
	c.t.Helper()
	if err := c.conn.WriteJSON(env); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// read returns the next envelope, skipping the greeting and server-initiated
// pings.
func (c *wsClient) read() map[string]any {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var raw map[string]any
		if err := c.conn.ReadJSON(&raw); err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if raw["type"] == "ping" || raw["type"] == "hello" {
			continue
		}
		return raw
	}
}

func TestWSHello(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	_ = client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var raw map[string]any
	if err := client.conn.ReadJSON(&raw); err != nil {
		t.Fatalf("read: %v", err)
	}
	if raw["type"] != "hello" || raw["conn_id"] == "" {
		t.Fatalf("greeting = %v", raw)
	}
}

func TestWSSubscribeAck(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})

	ack := client.read()
	if ack["type"] != "subscribed" || ack["conversation_id"] != "c1" || ack["message_id"] != "m1" {
		t.Fatalf("ack = %v", ack)
	}

	waitFor(t, func() bool { return ts.registry.Count("c1", "m1") == 1 })
}

func TestWSLateSubscriberWithinGraceWindow(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	// The connection is open before ingest but has not subscribed to
	// anything, which is the normal client flow: connect, POST the message,
	// subscribe to the returned assistant id.
	client := dialWS(t, srv)

	conv := &models.Conversation{}
	if err := ts.store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	rec := doJSON(t, ts.server.Handler(), http.MethodPost,
		"/v1/conversations/"+conv.ID+"/messages", map[string]string{"content": "hi"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d", rec.Code)
	}
	var resp struct {
		AssistantMessageID string `json:"assistant_message_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode ingest response: %v", err)
	}

	// Subscribing partway into the window must still observe the run from
	// the first event; the open connection keeps the wait alive.
	time.Sleep(15 * time.Millisecond)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: conv.ID, MessageID: resp.AssistantMessageID})

	first := client.read()
	if first["type"] == "subscribed" {
		first = client.read()
	}
	if first["type"] != "message_start" {
		t.Fatalf("first event = %v, want message_start", first)
	}
	if seq, ok := first["sequence"].(float64); !ok || seq != 0 {
		t.Errorf("first sequence = %v, want 0", first["sequence"])
	}
}

func TestWSPingPong(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "ping"})
	if resp := client.read(); resp["type"] != "pong" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestWSUnknownEnvelope(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "mystery"})
	if resp := client.read(); resp["type"] != "error" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestWSReceivesLifecycleEvents(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	client.read() // ack

	meta := stream.EventMeta{ConversationID: "c1", MessageID: "m1", Sequence: 0, Timestamp: time.Now()}
	ts.registry.Emit(stream.ContentChunk{EventMeta: meta, Delta: "hello"})

	ev := client.read()
	if ev["type"] != "content_chunk" || ev["delta"] != "hello" {
		t.Fatalf("event = %v", ev)
	}
	if ev["sequence"] != float64(0) {
		t.Errorf("sequence = %v", ev["sequence"])
	}
}

func TestWSDisconnectCancelsUnobservedExecution(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	target := stream.Target{ConversationID: "c1", MessageID: "m1"}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ts.tracker.Register(target, cancel)

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	client.read() // ack

	client.conn.Close()

	waitFor(t, func() bool { return ctx.Err() != nil })
	if cause := context.Cause(ctx); cause == nil || !strings.Contains(cause.Error(), "stream client disconnected") {
		t.Errorf("cause = %v", context.Cause(ctx))
	}
}

func TestWSDisconnectKeepsObservedExecution(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	target := stream.Target{ConversationID: "c1", MessageID: "m1"}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ts.tracker.Register(target, cancel)

	first := dialWS(t, srv)
	first.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	first.read()

	second := dialWS(t, srv)
	second.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	second.read()

	first.conn.Close()

	// The second subscriber keeps the execution alive.
	waitFor(t, func() bool { return ts.registry.Count("c1", "m1") == 1 })
	time.Sleep(50 * time.Millisecond)
	if ctx.Err() != nil {
		t.Error("execution cancelled while a subscriber remained")
	}
}

func TestWSUnsubscribeTriggersAbort(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	target := stream.Target{ConversationID: "c1", MessageID: "m1"}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ts.tracker.Register(target, cancel)

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	client.read()

	client.send(wsEnvelope{Type: "unsubscribe", ConversationID: "c1", MessageID: "m1"})
	if ack := client.read(); ack["type"] != "unsubscribed" {
		t.Fatalf("ack = %v", ack)
	}

	waitFor(t, func() bool { return ctx.Err() != nil })
}

func TestHeartbeatEviction(t *testing.T) {
	ts := newTestServer(t, defaultBackend())
	monitor := ts.server.LivenessMonitor()
	monitor.interval = 20 * time.Millisecond
	monitor.timeout = 60 * time.Millisecond

	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go monitor.Run(runCtx)

	target := stream.Target{ConversationID: "c1", MessageID: "m1"}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ts.tracker.Register(target, cancel)

	client := dialWS(t, srv)
	client.send(wsEnvelope{Type: "subscribe", ConversationID: "c1", MessageID: "m1"})
	client.read()

	// Stop reading and never answer pings; the monitor must evict and
	// cancel the now-unobserved execution.
	waitFor(t, func() bool { return ctx.Err() != nil })
	waitFor(t, func() bool { return monitor.ConnCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}
