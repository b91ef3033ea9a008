// Package stream implements the live event pipeline between executions and
// their observers: the lifecycle event vocabulary, the fan-out registry that
// delivers events to subscribers, and the tracker of in-flight executions.
package stream

import (
	"encoding/json"
	"time"

	"github.com/parleyhq/parley/pkg/models"
)

// Target identifies one assistant-message execution. A structured key avoids
// the separator-collision ambiguity of concatenated string keys.
type Target struct {
	ConversationID string
	MessageID      string
}

// EventMeta carries the fields common to every lifecycle event.
type EventMeta struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Sequence       int       `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
}

// Target returns the execution this event belongs to.
func (m EventMeta) Target() Target {
	return Target{ConversationID: m.ConversationID, MessageID: m.MessageID}
}

// Event is the closed set of lifecycle events for one execution. For a fixed
// target, sequence numbers are 0, 1, 2, ... in delivery order, and exactly
// one of MessageComplete or ErrorEvent terminates the stream.
type Event interface {
	Meta() EventMeta
	Type() string
	isEvent()
}

// Terminal reports whether ev ends its stream.
func Terminal(ev Event) bool {
	switch ev.(type) {
	case MessageComplete, ErrorEvent:
		return true
	}
	return false
}

// MessageStart opens a stream. It is always sequence 0 when present.
type MessageStart struct {
	EventMeta
}

// ContentChunk carries a delta of assistant text.
type ContentChunk struct {
	EventMeta
	Delta string `json:"delta"`
}

// ThinkingChunk carries a delta of extended-thinking text.
type ThinkingChunk struct {
	EventMeta
	Delta string `json:"delta"`
}

// ToolCallStart announces a tool invocation.
type ToolCallStart struct {
	EventMeta
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallEnd reports the outcome of a tool invocation.
type ToolCallEnd struct {
	EventMeta
	ToolCallID    string `json:"tool_call_id"`
	Name          string `json:"name"`
	ResultSummary string `json:"result_summary,omitempty"`
	IsError       bool   `json:"is_error"`
	Result        string `json:"result,omitempty"`
}

// MessageComplete terminates a stream successfully.
type MessageComplete struct {
	EventMeta
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        *models.Usage `json:"usage,omitempty"`
}

// ErrorEvent terminates a stream with a classified failure. Message is safe
// to show to users; the raw diagnostic stays in logs.
type ErrorEvent struct {
	EventMeta
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e MessageStart) Meta() EventMeta    { return e.EventMeta }
func (e ContentChunk) Meta() EventMeta    { return e.EventMeta }
func (e ThinkingChunk) Meta() EventMeta   { return e.EventMeta }
func (e ToolCallStart) Meta() EventMeta   { return e.EventMeta }
func (e ToolCallEnd) Meta() EventMeta     { return e.EventMeta }
func (e MessageComplete) Meta() EventMeta { return e.EventMeta }
func (e ErrorEvent) Meta() EventMeta      { return e.EventMeta }

func (MessageStart) Type() string    { return "message_start" }
func (ContentChunk) Type() string    { return "content_chunk" }
func (ThinkingChunk) Type() string   { return "thinking_chunk" }
func (ToolCallStart) Type() string   { return "tool_call_start" }
func (ToolCallEnd) Type() string     { return "tool_call_end" }
func (MessageComplete) Type() string { return "message_complete" }
func (ErrorEvent) Type() string      { return "error" }

func (MessageStart) isEvent()    {}
func (ContentChunk) isEvent()    {}
func (ThinkingChunk) isEvent()   {}
func (ToolCallStart) isEvent()   {}
func (ToolCallEnd) isEvent()     {}
func (MessageComplete) isEvent() {}
func (ErrorEvent) isEvent()      {}

// Envelope is the wire form of an event: the event fields plus a type tag.
type Envelope struct {
	Type string `json:"type"`
	Event
}

// MarshalEvent encodes an event for transport with its type tag injected.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(`"` + ev.Type() + `"`)
	return json.Marshal(fields)
}

// Sequencer issues the monotonically increasing sequence numbers for one
// execution. It is owned by a single orchestrator run and is not safe for
// concurrent use; the first call to Next returns 0.
type Sequencer struct {
	last int
}

// NewSequencer returns a sequencer positioned before the first event.
func NewSequencer() *Sequencer {
	return &Sequencer{last: -1}
}

// Next increments and returns the sequence number.
func (s *Sequencer) Next() int {
	s.last++
	return s.last
}
