package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/stream"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsWriteWait       = 10 * time.Second
	wsSendQueue       = 64
)

// wsCloseHeartbeat is the close code sent on heartbeat eviction, so clients
// can distinguish it from an ordinary close.
const wsCloseHeartbeat = 4000

// wsEnvelope is the control frame schema in both directions. Lifecycle
// events ride the same socket but are marshaled by the stream package with
// their own type tags.
type wsEnvelope struct {
	Type           string `json:"type"`
	ConnID         string `json:"conn_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// wsConn is one live WebSocket connection. It implements stream.Sink so the
// fan-out registry can deliver event envelopes directly onto its send queue.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	closing  sync.Once
	lastSeen atomic.Int64

	registry *stream.Registry
	monitor  *Monitor
	metrics  *Metrics
	logger   *slog.Logger
}

func newWSConn(conn *websocket.Conn, registry *stream.Registry, monitor *Monitor, metrics *Metrics, logger *slog.Logger) *wsConn {
	c := &wsConn{
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, wsSendQueue),
		done:     make(chan struct{}),
		registry: registry,
		monitor:  monitor,
		metrics:  metrics,
		logger:   logger.With("component", "gateway.ws", "conn_id", conn.RemoteAddr().String()),
	}
	c.touch()
	return c
}

// Deliver enqueues a marshaled event for writing. It never blocks; a full
// queue means the client cannot keep up and the event is reported lost.
func (c *wsConn) Deliver(data []byte) error {
	select {
	case c.send <- data:
		if c.metrics != nil {
			c.metrics.EventsDelivered.Inc()
		}
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		return errors.New("send queue full")
	}
}

func (c *wsConn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *wsConn) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// close is safe to call from any goroutine, once or many times.
func (c *wsConn) close() {
	c.closing.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	c.close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any inbound traffic proves the client is alive.
		c.touch()

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendEnvelope(wsEnvelope{Type: "error", Error: "invalid envelope"})
			continue
		}
		c.handle(env)
	}
}

func (c *wsConn) handle(env wsEnvelope) {
	switch env.Type {
	case "ping":
		c.sendEnvelope(wsEnvelope{Type: "pong"})

	case "pong":
		// Refreshed above; nothing else to do.

	case "subscribe":
		if env.ConversationID == "" || env.MessageID == "" {
			c.sendEnvelope(wsEnvelope{Type: "error", Error: "subscribe requires conversation_id and message_id"})
			return
		}
		t := stream.Target{ConversationID: env.ConversationID, MessageID: env.MessageID}
		c.registry.SubscribeConn(c.id, t, c)
		c.sendEnvelope(wsEnvelope{Type: "subscribed", ConversationID: env.ConversationID, MessageID: env.MessageID})

	case "unsubscribe":
		if env.ConversationID == "" || env.MessageID == "" {
			c.sendEnvelope(wsEnvelope{Type: "error", Error: "unsubscribe requires conversation_id and message_id"})
			return
		}
		t := stream.Target{ConversationID: env.ConversationID, MessageID: env.MessageID}
		c.registry.UnsubscribeConn(c.id, t)
		c.monitor.AbortIfUnobserved(t)
		c.sendEnvelope(wsEnvelope{Type: "unsubscribed", ConversationID: env.ConversationID, MessageID: env.MessageID})

	default:
		c.sendEnvelope(wsEnvelope{Type: "error", Error: fmt.Sprintf("unknown envelope type %q", env.Type)})
	}
}

func (c *wsConn) sendEnvelope(env wsEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.Deliver(data); err != nil {
		c.logger.Warn("dropping control envelope", "type", env.Type, "error", err)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		// Local daemon; cross-origin browser clients are expected.
		return true
	},
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newWSConn(conn, s.registry, s.monitor, s.metrics, s.logger)
	s.monitor.Add(c)
	s.metrics.ConnectionsActive.Inc()
	defer s.metrics.ConnectionsActive.Dec()

	go c.writeLoop()
	c.sendEnvelope(wsEnvelope{Type: "hello", ConnID: c.id})
	c.readLoop()

	// Read loop exit means the peer went away or we closed; either way the
	// disconnect path is the same abort-if-unobserved check as eviction.
	s.monitor.Disconnect(c)
}
