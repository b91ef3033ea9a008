package stream

import (
	"log/slog"
	"sync"
)

// Sink receives marshaled event envelopes for one transport connection.
// Implementations must not block: the gateway's connections enqueue onto a
// buffered send queue and report a full queue as an error.
type Sink interface {
	Deliver(data []byte) error
}

type subscriber struct {
	id     uint64
	connID string
	fn     func(Event)
	sink   Sink
}

// Registry fans lifecycle events out to the subscribers of their target.
// Subscriptions come in two shapes: plain callbacks (Subscribe) and
// connection-scoped sinks (SubscribeConn), which are additionally indexed by
// connection so a disconnect can recover every watched target in one lookup.
//
// Delivery is best effort. There is no buffering and no replay: an observer
// that subscribes after an event was published does not see it, only events
// from the moment of subscription onward. A panicking subscriber never
// prevents delivery to the others. Delivering a terminal event removes the
// target's entire subscriber set.
type Registry struct {
	mu      sync.Mutex
	logger  *slog.Logger
	nextID  uint64
	targets map[Target]map[uint64]*subscriber
	conns   map[string]map[Target]map[uint64]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "stream.registry"),
		targets: make(map[Target]map[uint64]*subscriber),
		conns:   make(map[string]map[Target]map[uint64]struct{}),
	}
}

// Subscribe registers a callback for one target and returns an idempotent
// unsubscribe function.
func (r *Registry) Subscribe(conversationID, messageID string, fn func(Event)) func() {
	t := Target{ConversationID: conversationID, MessageID: messageID}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.addLocked(t, &subscriber{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.removeLocked(t, id)
			r.mu.Unlock()
		})
	}
}

// SubscribeConn registers a connection-scoped sink for one target. A
// connection may watch many targets; re-subscribing to the same target is a
// no-op beyond adding another delivery.
func (r *Registry) SubscribeConn(connID string, t Target, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.addLocked(t, &subscriber{id: id, connID: connID, sink: sink})

	byTarget := r.conns[connID]
	if byTarget == nil {
		byTarget = make(map[Target]map[uint64]struct{})
		r.conns[connID] = byTarget
	}
	ids := byTarget[t]
	if ids == nil {
		ids = make(map[uint64]struct{})
		byTarget[t] = ids
	}
	ids[id] = struct{}{}
}

// UnsubscribeConn drops every subscription the connection holds on t.
func (r *Registry) UnsubscribeConn(connID string, t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTarget := r.conns[connID]
	if byTarget == nil {
		return
	}
	for id := range byTarget[t] {
		r.removeLocked(t, id)
	}
	delete(byTarget, t)
	if len(byTarget) == 0 {
		delete(r.conns, connID)
	}
}

// DropConn removes every subscription held by the connection and returns the
// targets it was watching, so the caller can run its abort-if-unobserved
// check per target.
func (r *Registry) DropConn(connID string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTarget := r.conns[connID]
	if byTarget == nil {
		return nil
	}
	targets := make([]Target, 0, len(byTarget))
	for t, ids := range byTarget {
		for id := range ids {
			r.removeLocked(t, id)
		}
		targets = append(targets, t)
	}
	delete(r.conns, connID)
	return targets
}

// TargetsFor returns the targets the connection currently watches.
func (r *Registry) TargetsFor(connID string) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTarget := r.conns[connID]
	targets := make([]Target, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	return targets
}

// Count returns the number of current subscribers for a target. It is a
// single map lookup, cheap enough for the orchestrator's grace-wait poll.
func (r *Registry) Count(conversationID, messageID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets[Target{ConversationID: conversationID, MessageID: messageID}])
}

// Emit delivers ev to every current subscriber of its target and reports how
// many deliveries were attempted. A terminal event removes the subscriber
// set immediately after delivery. Emit never blocks on a subscriber and
// never propagates a subscriber panic; isolation between subscribers is a
// correctness requirement here, not a convenience.
func (r *Registry) Emit(ev Event) int {
	t := ev.Meta().Target()

	r.mu.Lock()
	set := r.targets[t]
	subs := make([]*subscriber, 0, len(set))
	for _, s := range set {
		subs = append(subs, s)
	}
	if Terminal(ev) {
		for _, s := range subs {
			r.removeLocked(t, s.id)
		}
	}
	r.mu.Unlock()

	var envelope []byte
	for _, s := range subs {
		if s.sink != nil && envelope == nil {
			data, err := MarshalEvent(ev)
			if err != nil {
				r.logger.Error("marshal lifecycle event",
					"type", ev.Type(),
					"conversation_id", t.ConversationID,
					"message_id", t.MessageID,
					"error", err)
				continue
			}
			envelope = data
		}
		r.deliver(s, ev, envelope)
	}
	return len(subs)
}

func (r *Registry) deliver(s *subscriber, ev Event, envelope []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("subscriber panicked during delivery",
				"type", ev.Type(), "panic", rec)
		}
	}()

	if s.sink != nil {
		if err := s.sink.Deliver(envelope); err != nil {
			r.logger.Warn("event delivery failed",
				"type", ev.Type(), "conn_id", s.connID, "error", err)
		}
		return
	}
	s.fn(ev)
}

func (r *Registry) addLocked(t Target, s *subscriber) {
	set := r.targets[t]
	if set == nil {
		set = make(map[uint64]*subscriber)
		r.targets[t] = set
	}
	set[s.id] = s
}

func (r *Registry) removeLocked(t Target, id uint64) {
	set := r.targets[t]
	if set == nil {
		return
	}
	s, ok := set[id]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.targets, t)
	}
	if s.connID != "" {
		if byTarget := r.conns[s.connID]; byTarget != nil {
			if ids := byTarget[t]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(byTarget, t)
				}
			}
			if len(byTarget) == 0 {
				delete(r.conns, s.connID)
			}
		}
	}
}
