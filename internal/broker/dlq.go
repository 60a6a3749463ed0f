package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// DeadLetterReason explains why a message was quarantined.
type DeadLetterReason string

const (
	// ReasonNotForUs marks a message whose target is another service.
	ReasonNotForUs DeadLetterReason = "not_for_us"
	// ReasonExpired marks a message whose TTL elapsed before dequeue.
	ReasonExpired DeadLetterReason = "expired"
	// ReasonMaxAttempts marks a consumed retry budget.
	ReasonMaxAttempts DeadLetterReason = "max_attempts_exceeded"
)

// DeadLetter is the structured record stored on the dead-letter queue.
type DeadLetter struct {
	Message        *Message         `json:"message"`
	Reason         DeadLetterReason `json:"reason"`
	Detail         string           `json:"detail,omitempty"`
	Service        string           `json:"service"`
	DeadLetteredAt time.Time        `json:"dead_lettered_at"`
}

// deadLetter quarantines a message. It never fails the caller: a push
// failure is counted and logged, since raising here would re-enter the very
// path that failed.
func (b *Broker) deadLetter(ctx context.Context, msg *Message, reason DeadLetterReason, detail string) {
	record := DeadLetter{
		Message:        msg,
		Reason:         reason,
		Detail:         detail,
		Service:        b.cfg.ServiceName,
		DeadLetteredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err == nil {
		err = b.store.PushLeft(ctx, QueueDeadLetter, string(data))
	}
	if err != nil {
		b.metrics.incDeadLetterFailures()
		b.logger.Error("dead-letter placement failed",
			zap.String("message_id", msg.ID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return
	}

	b.metrics.incDeadLettered()
	b.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("reason", string(reason)),
		zap.Int("attempt", msg.Attempt))
}

// DrainDeadLetters pops up to max records from the dead-letter queue.
// Malformed entries are dropped with a warning.
func (b *Broker) DrainDeadLetters(ctx context.Context, max int) ([]DeadLetter, error) {
	out := make([]DeadLetter, 0, max)
	for len(out) < max {
		raw, err := b.store.PopRight(ctx, QueueDeadLetter)
		if err != nil {
			return out, err
		}
		if raw == "" {
			break
		}
		var record DeadLetter
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			b.logger.Warn("dropping malformed dead-letter record", zap.Error(err))
			continue
		}
		out = append(out, record)
	}
	return out, nil
}
