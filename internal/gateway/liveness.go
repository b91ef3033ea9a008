package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/stream"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
)

// Monitor owns the live connection table. A single periodic tick pings every
// connection and evicts those that have been silent past the timeout; an
// evicted or disconnected connection's executions are cancelled when, and
// only when, nobody else is still watching them.
type Monitor struct {
	registry *stream.Registry
	tracker  *stream.Tracker
	metrics  *Metrics
	logger   *slog.Logger

	interval time.Duration
	timeout  time.Duration

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewMonitor creates a monitor with default 15s interval and 45s timeout
// when the corresponding arguments are zero.
func NewMonitor(registry *stream.Registry, tracker *stream.Tracker, metrics *Metrics,
	interval, timeout time.Duration, logger *slog.Logger) *Monitor {

	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry: registry,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger.With("component", "gateway.liveness"),
		interval: interval,
		timeout:  timeout,
		conns:    make(map[string]*wsConn),
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// Add registers a freshly upgraded connection.
func (m *Monitor) Add(c *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

// ConnCount returns the number of live connections.
func (m *Monitor) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Monitor) tick(now time.Time) {
	m.mu.Lock()
	conns := make([]*wsConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		if now.Sub(c.lastSeenAt()) > m.timeout {
			m.logger.Info("evicting silent connection",
				"conn_id", c.id,
				"last_seen", c.lastSeenAt())
			if m.metrics != nil {
				m.metrics.HeartbeatEvictions.Inc()
			}
			c.closeWith(wsCloseHeartbeat, "heartbeat timeout")
			m.Disconnect(c)
			continue
		}
		c.sendEnvelope(wsEnvelope{Type: "ping"})
	}
}

// Disconnect tears a connection down: it leaves the table, every target it
// watched is released, and each of those targets is aborted if no other
// subscriber remains. Safe to call more than once.
func (m *Monitor) Disconnect(c *wsConn) {
	m.mu.Lock()
	_, present := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()
	if !present {
		return
	}

	targets := m.registry.DropConn(c.id)
	for _, t := range targets {
		m.AbortIfUnobserved(t)
	}
	c.close()
}

// AbortIfUnobserved cancels the execution for t when it has zero remaining
// subscribers. Generation is only cancelled when provably nobody is
// listening, never because one of several observers left.
func (m *Monitor) AbortIfUnobserved(t stream.Target) {
	if m.registry.Count(t.ConversationID, t.MessageID) > 0 {
		return
	}
	if m.tracker.Cancel(t, "stream client disconnected") {
		m.logger.Info("cancelled unobserved execution",
			"conversation_id", t.ConversationID,
			"message_id", t.MessageID)
	}
}
