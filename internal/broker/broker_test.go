package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
)

// testConfig returns a broker config with timings tightened for tests.
func testConfig(service string) Config {
	cfg := DefaultConfig(service)
	cfg.WorkerPoolSize = 3
	cfg.PopTimeout = 50 * time.Millisecond
	cfg.HealthInterval = 25 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 80 * time.Millisecond
	cfg.RecoveryTimeout = 100 * time.Millisecond
	cfg.StopGracePeriod = 2 * time.Second
	cfg.DefaultTTL = time.Minute
	return cfg
}

func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *storage.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := storage.NewFromClient(rdb)
	cfg := testConfig("self")
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(store, cfg, zap.NewNop())
	t.Cleanup(func() { _ = b.Stop() })
	return b, store
}

func TestPublishRoutesByPriority(t *testing.T) {
	b, store := newTestBroker(t, nil)
	ctx := context.Background()

	_, err := b.Publish(ctx, "self", "t", nil, WithPriority(9))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "self", "t", nil, WithPriority(5))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "self", "t", nil)
	require.NoError(t, err)

	for queue, want := range map[string]int64{QueueHigh: 1, QueueNormal: 1, QueueLow: 1} {
		n, err := store.ListLen(ctx, queue)
		require.NoError(t, err)
		assert.Equal(t, want, n, queue)
	}
	assert.Equal(t, int64(3), b.Metrics().Published)
}

func TestPublishValidation(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	_, err := b.Publish(ctx, "", "t", nil)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = b.Publish(ctx, "self", "", nil)
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))

	_, err = b.Publish(ctx, "self", "t", nil, WithPriority(11))
	assert.True(t, fault.IsKind(err, fault.KindInvalidInput))
}

func TestHandlerReceivesPublishedMessage(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	received := make(chan *Message, 1)
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "work", map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, id, msg.ID)
		assert.Equal(t, 0, msg.Attempt)
		assert.Equal(t, "v", msg.Payload["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}

	require.Eventually(t, func() bool {
		return b.Metrics().Handled == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStrictPriorityDispatch(t *testing.T) {
	b, _ := newTestBroker(t, func(c *Config) { c.WorkerPoolSize = 1 })
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 2)
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		order = append(order, msg.Payload["band"].(string))
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	// Both ready before the broker starts; the high message must be
	// dispatched first.
	_, err := b.Publish(ctx, "self", "work", map[string]interface{}{"band": "normal"}, WithPriority(5))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "self", "work", map[string]interface{}{"band": "high"}, WithPriority(9))
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatch stalled")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal"}, order)
}

func TestZeroTTLDeadLettersAtDequeue(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		t.Error("expired message must not reach the handler")
		return nil
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "work", nil, WithTTL(0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().Expired == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := b.DrainDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonExpired, records[0].Reason)
	assert.Equal(t, id, records[0].Message.ID)
}

func TestMisroutedMessageDeadLetters(t *testing.T) {
	b, store := newTestBroker(t, nil)
	ctx := context.Background()

	msg := NewMessage("elsewhere", "someone-else", "work", nil).
		WithTTL(time.Minute).WithMaxAttempts(3)
	raw, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, store.PushLeft(ctx, QueueNormal, raw))

	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		return b.Metrics().Unroutable == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := b.DrainDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonNotForUs, records[0].Reason)
}

func TestRetryThenDeadLetter(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	var invocations atomic.Int64
	b.RegisterHandler("flaky", func(ctx context.Context, msg *Message) error {
		invocations.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "flaky", nil, WithMaxAttempts(3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().DeadLettered == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Exactly max_attempts invocations, ID preserved across retries, and
	// the record carries the final attempt count.
	assert.Equal(t, int64(3), invocations.Load())
	records, err := b.DrainDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonMaxAttempts, records[0].Reason)
	assert.Equal(t, id, records[0].Message.ID)
	assert.Equal(t, 3, records[0].Message.Attempt)
	assert.Equal(t, "boom", records[0].Message.Metadata["last_error"])
	assert.Equal(t, int64(3), b.Metrics().Retried)
}

func TestStopFlushesPendingRetries(t *testing.T) {
	// Backoff far beyond the test window: the requeue would still be
	// sitting on its timer when Stop runs.
	b, store := newTestBroker(t, func(c *Config) {
		c.BackoffBase = 10 * time.Second
		c.BackoffCap = 10 * time.Second
	})
	ctx := context.Background()

	b.RegisterHandler("flaky", func(ctx context.Context, msg *Message) error {
		return errors.New("boom")
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "flaky", nil, WithMaxAttempts(3))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().Retried == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop())

	// The failed message is back on its queue with the attempt recorded,
	// not parked in process memory.
	raws, err := store.ListRange(ctx, QueueLow, 0, -1)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	msg, err := DecodeMessage(raws[0])
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, 1, msg.Attempt)
	assert.Equal(t, "boom", msg.Metadata["last_error"])
}

func TestShutdownCancellationKeepsMessageAtHead(t *testing.T) {
	b, store := newTestBroker(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	b.RegisterHandler("slow", func(ctx context.Context, msg *Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "slow", nil, WithMaxAttempts(3))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, b.Stop())

	// The interrupted message is restored at the dispatch position with no
	// attempt consumed.
	raws, err := store.ListRange(ctx, QueueLow, 0, -1)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	msg, err := DecodeMessage(raws[0])
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, 0, msg.Attempt)
	assert.Equal(t, int64(0), b.Metrics().Retried)
}

func TestAckPublishedOnCorrelationID(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	acks := make(chan *Message, 2)
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error { return nil })
	b.RegisterHandler("ack", func(ctx context.Context, msg *Message) error {
		acks <- msg
		return nil
	})
	require.NoError(t, b.Start(ctx))

	id, err := b.Publish(ctx, "self", "work", nil, WithCorrelationID("corr-1"))
	require.NoError(t, err)

	select {
	case ack := <-acks:
		assert.Equal(t, "corr-1", ack.CorrelationID)
		assert.Equal(t, "success", ack.Payload["status"])
		assert.Equal(t, id, ack.Payload["message_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no ack received")
	}

	// Exactly one ack; an ack must never ack itself.
	select {
	case <-acks:
		t.Fatal("duplicate ack")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNoAckWithoutCorrelationID(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, b.Start(ctx))

	_, err := b.Publish(ctx, "self", "work", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().Handled == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), b.Metrics().AcksSent)
}

func TestHandlerPanicIsContained(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	handled := make(chan struct{}, 1)
	b.RegisterHandler("poison", func(ctx context.Context, msg *Message) error {
		panic("poison pill")
	})
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		handled <- struct{}{}
		return nil
	})
	require.NoError(t, b.Start(ctx))

	_, err := b.Publish(ctx, "self", "poison", nil, WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Metrics().DeadLettered == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), b.Metrics().HandlerPanics)

	// The worker pool survives the panic.
	_, err = b.Publish(ctx, "self", "work", nil)
	require.NoError(t, err)
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not survive handler panic")
	}
}

func TestPublishRejectedAfterStop(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop(), "stop is idempotent")

	_, err := b.Publish(ctx, "self", "work", nil)
	assert.True(t, fault.IsKind(err, fault.KindShuttingDown))
}

func TestReplacingHandlerOverwrites(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	got := make(chan string, 1)
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		got <- "first"
		return nil
	})
	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error {
		got <- "second"
		return nil
	})
	require.NoError(t, b.Start(ctx))

	_, err := b.Publish(ctx, "self", "work", nil)
	require.NoError(t, err)

	select {
	case who := <-got:
		assert.Equal(t, "second", who)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestQueueStats(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	_, err := b.Publish(ctx, "self", "t", nil, WithPriority(9))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "self", "t", nil, WithPriority(9))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "self", "t", nil)
	require.NoError(t, err)

	stats, err := b.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[QueueHigh])
	assert.Equal(t, int64(0), stats[QueueNormal])
	assert.Equal(t, int64(1), stats[QueueLow])
	assert.Equal(t, int64(0), stats[QueueDeadLetter])
}

func TestHealthLoopReportsHealthy(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	b.RegisterHandler("work", func(ctx context.Context, msg *Message) error { return nil })
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool {
		h, err := b.GetServiceHealth(ctx, "self")
		return err == nil && h.Status == StatusHealthy && h.HandlerCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	all, err := b.GetAllServiceHealth(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, "self")
}
