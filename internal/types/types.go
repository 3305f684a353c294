package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of message kinds routed by the bus.
type MessageType uint8

const (
	MessageTypeUnknown MessageType = iota
	MarketData
	TradingSignal
	OrderExecution
	RiskAlert
	StrategyUpdate
	PerformanceMetric
)

const (
	MinPriority = 1
	MaxPriority = 5
)

var messageTypeNames = map[MessageType]string{
	MarketData:        "market_data",
	TradingSignal:     "trading_signal",
	OrderExecution:    "order_execution",
	RiskAlert:         "risk_alert",
	StrategyUpdate:    "strategy_update",
	PerformanceMetric: "performance_metric",
}

// AllMessageTypes lists every routable kind in declaration order.
func AllMessageTypes() []MessageType {
	return []MessageType{MarketData, TradingSignal, OrderExecution, RiskAlert, StrategyUpdate, PerformanceMetric}
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is one of the routable kinds.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// DefaultPriority is used when a message is built without WithPriority.
func (t MessageType) DefaultPriority() int {
	switch t {
	case RiskAlert:
		return 5
	case OrderExecution:
		return 4
	case TradingSignal, StrategyUpdate:
		return 3
	case MarketData:
		return 2
	default:
		return MinPriority
	}
}

// ParseMessageType accepts the wire name of a kind, case-insensitively.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range messageTypeNames {
		if name == s {
			return t, nil
		}
	}
	return MessageTypeUnknown, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, s)
}

// Message is the unit of communication between modules. It is immutable
// once built; the bus hands the same value to every subscriber.
type Message struct {
	id        string
	typ       MessageType
	sender    string
	recipient string
	payload   Payload
	timestamp time.Time
	priority  int
}

// MessageOption customizes a message at construction time.
type MessageOption func(*Message)

// WithRecipient directs the message at a single module.
func WithRecipient(moduleID string) MessageOption {
	return func(m *Message) { m.recipient = moduleID }
}

// WithPriority overrides the type's default priority.
func WithPriority(priority int) MessageOption {
	return func(m *Message) { m.priority = priority }
}

// NewMessage stamps a fresh id and timestamp. Validation happens at publish.
func NewMessage(typ MessageType, sender string, payload Payload, opts ...MessageOption) Message {
	m := Message{
		id:        uuid.NewString(),
		typ:       typ,
		sender:    sender,
		payload:   payload,
		timestamp: time.Now(),
		priority:  typ.DefaultPriority(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m Message) ID() string { return m.id }
func (m Message) Type() MessageType { return m.typ }
func (m Message) Sender() string { return m.sender }
func (m Message) Recipient() string { return m.recipient }
func (m Message) Broadcast() bool { return m.recipient == "" }
func (m Message) Payload() Payload { return m.payload }
func (m Message) Timestamp() time.Time { return m.timestamp }
func (m Message) Priority() int { return m.priority }

// Validate checks the fields the bus relies on for routing.
func (m Message) Validate() error {
	if !m.typ.Valid() {
		return fmt.Errorf("%w: unrecognized type %s", ErrInvalidMessage, m.typ)
	}
	if m.priority < MinPriority || m.priority > MaxPriority {
		return fmt.Errorf("%w: priority %d outside [%d,%d]", ErrInvalidMessage, m.priority, MinPriority, MaxPriority)
	}
	if m.sender == "" {
		return fmt.Errorf("%w: empty sender", ErrInvalidMessage)
	}
	if m.id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidMessage)
	}
	return nil
}

type wireMessage struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient,omitempty"`
	Payload   Payload `json:"payload"`
	Timestamp int64   `json:"timestamp"` // unix nanoseconds
	Priority  int     `json:"priority"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:        m.id,
		Type:      m.typ.String(),
		Sender:    m.sender,
		Recipient: m.recipient,
		Payload:   m.payload,
		Timestamp: m.timestamp.UnixNano(),
		Priority:  m.priority,
	})
}

// DecodeMessage rebuilds a message from its wire form, keeping the
// original id and timestamp.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: decode: %v", ErrInvalidMessage, err)
	}
	typ, err := ParseMessageType(w.Type)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		id:        w.ID,
		typ:       typ,
		sender:    w.Sender,
		recipient: w.Recipient,
		payload:   w.Payload,
		timestamp: time.Unix(0, w.Timestamp),
		priority:  w.Priority,
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
