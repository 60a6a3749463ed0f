package broker

import "sync/atomic"

// Metrics tracks broker counters. All counters are monotonic for the life
// of the broker instance; there is no reset protocol.
type Metrics struct {
	Published          int64
	Handled            int64
	Retried            int64
	DeadLettered       int64
	DeadLetterFailures int64
	AcksSent           int64
	HandlerPanics      int64
	Expired            int64
	Unroutable         int64
	Unhandled          int64
}

func (m *Metrics) incPublished()          { atomic.AddInt64(&m.Published, 1) }
func (m *Metrics) incHandled()            { atomic.AddInt64(&m.Handled, 1) }
func (m *Metrics) incRetried()            { atomic.AddInt64(&m.Retried, 1) }
func (m *Metrics) incDeadLettered()       { atomic.AddInt64(&m.DeadLettered, 1) }
func (m *Metrics) incDeadLetterFailures() { atomic.AddInt64(&m.DeadLetterFailures, 1) }
func (m *Metrics) incAcksSent()           { atomic.AddInt64(&m.AcksSent, 1) }
func (m *Metrics) incHandlerPanics()      { atomic.AddInt64(&m.HandlerPanics, 1) }
func (m *Metrics) incExpired()            { atomic.AddInt64(&m.Expired, 1) }
func (m *Metrics) incUnroutable()         { atomic.AddInt64(&m.Unroutable, 1) }
func (m *Metrics) incUnhandled()          { atomic.AddInt64(&m.Unhandled, 1) }

// Snapshot returns a consistent copy of the counters.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Published:          atomic.LoadInt64(&m.Published),
		Handled:            atomic.LoadInt64(&m.Handled),
		Retried:            atomic.LoadInt64(&m.Retried),
		DeadLettered:       atomic.LoadInt64(&m.DeadLettered),
		DeadLetterFailures: atomic.LoadInt64(&m.DeadLetterFailures),
		AcksSent:           atomic.LoadInt64(&m.AcksSent),
		HandlerPanics:      atomic.LoadInt64(&m.HandlerPanics),
		Expired:            atomic.LoadInt64(&m.Expired),
		Unroutable:         atomic.LoadInt64(&m.Unroutable),
		Unhandled:          atomic.LoadInt64(&m.Unhandled),
	}
}
