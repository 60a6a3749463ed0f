// Package broker implements the Redis-backed message broker: typed message
// delivery with a bounded worker pool, strict-priority queue draining,
// retry with exponential backoff, dead-letter quarantine, per-service health
// reporting and circuit breaking for unstable dependencies.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue keys in the backend. Draining order across the live queues is
// strict priority: high, then normal, then low.
const (
	QueueHigh       = "queue:high"
	QueueNormal     = "queue:normal"
	QueueLow        = "queue:low"
	QueueDeadLetter = "queue:dead_letter"
	QueueHealth     = "queue:health"
)

// Priority bands. Priorities are integers in [0,10]; 8-10 map to the high
// queue, 4-7 to normal, 0-3 to low.
const (
	PriorityLow    = 0
	PriorityNormal = 4
	PriorityHigh   = 8
)

// Message is the broker's unit of transport.
type Message struct {
	// ID is unique for the lifetime of the broker and immutable across retries.
	ID string `json:"id"`
	// Source is the publishing service.
	Source string `json:"source"`
	// Target is the consuming service.
	Target string `json:"target"`
	// Type selects the handler on the target.
	Type string `json:"type"`
	// Payload is the message content; its shape depends on Type.
	Payload map[string]interface{} `json:"payload"`
	// Priority is an integer in [0,10] selecting the queue.
	Priority int `json:"priority"`
	// CreatedAt is the publish time.
	CreatedAt time.Time `json:"created_at"`
	// TTL bounds the message's life; elapsed TTL at dequeue dead-letters it.
	TTL time.Duration `json:"ttl"`
	// Attempt counts requeues; zero at first publish.
	Attempt int `json:"attempt"`
	// MaxAttempts bounds Attempt.
	MaxAttempts int `json:"max_attempts"`
	// CorrelationID links a response to its request and triggers an
	// automatic ack on success.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Metadata carries free-form auxiliary values.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and default priority.
func NewMessage(source, target, msgType string, payload map[string]interface{}) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Type:      msgType,
		Payload:   payload,
		Priority:  PriorityLow,
		CreatedAt: time.Now().UTC(),
	}
}

// WithPriority sets the message priority.
func (m *Message) WithPriority(priority int) *Message {
	m.Priority = priority
	return m
}

// WithCorrelationID sets the correlation ID.
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// WithTTL sets the message time-to-live.
func (m *Message) WithTTL(ttl time.Duration) *Message {
	m.TTL = ttl
	return m
}

// WithMaxAttempts sets the retry budget.
func (m *Message) WithMaxAttempts(n int) *Message {
	m.MaxAttempts = n
	return m
}

// WithMetadata merges auxiliary values into the message metadata.
func (m *Message) WithMetadata(md map[string]interface{}) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{}, len(md))
	}
	for k, v := range md {
		m.Metadata[k] = v
	}
	return m
}

// IsExpired reports whether the TTL elapsed at the given instant.
// A zero TTL expires immediately.
func (m *Message) IsExpired(now time.Time) bool {
	return now.Sub(m.CreatedAt) > m.TTL
}

// CanDispatch reports whether the retry budget still allows a delivery.
func (m *Message) CanDispatch() bool {
	return m.Attempt < m.MaxAttempts
}

// Queue returns the backend key for the message's priority band.
func (m *Message) Queue() string {
	return QueueForPriority(m.Priority)
}

// Encode serializes the message for the wire.
func (m *Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMessage deserializes a message popped from a queue.
func DecodeMessage(raw string) (*Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodePayload unmarshals the dynamic payload into a typed struct for the
// message's type. Handlers use this at their boundary.
func DecodePayload(m *Message, dest interface{}) error {
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// QueueForPriority maps a priority value to its queue key.
func QueueForPriority(priority int) string {
	switch {
	case priority >= PriorityHigh:
		return QueueHigh
	case priority >= PriorityNormal:
		return QueueNormal
	default:
		return QueueLow
	}
}
