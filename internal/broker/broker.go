package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
)

// backendDep is the circuit-breaker row for the queue backend itself.
const backendDep = "redis"

// ackType is the message type of automatic delivery acknowledgements.
const ackType = "ack"

// Handler processes one message. A nil return acknowledges the attempt;
// an error (or a panic) sends the message down the retry path.
type Handler func(ctx context.Context, msg *Message) error

// Config holds one broker instance's tunables.
type Config struct {
	// ServiceName identifies this instance; messages targeting other
	// services are quarantined as misrouted.
	ServiceName string
	// WorkerPoolSize is the number of dispatch workers.
	WorkerPoolSize int
	// PopTimeout bounds each blocking queue pop.
	PopTimeout time.Duration
	// HealthInterval is the health-loop cadence.
	HealthInterval time.Duration
	// FailureThreshold opens a circuit after this many consecutive failures.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before probing.
	RecoveryTimeout time.Duration
	// MaxAttempts is the default retry budget for published messages.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// DefaultTTL applies to messages published without an explicit TTL.
	DefaultTTL time.Duration
	// StopGracePeriod bounds how long Stop waits for workers.
	StopGracePeriod time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:      serviceName,
		WorkerPoolSize:   10,
		PopTimeout:       time.Second,
		HealthInterval:   30 * time.Second,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MaxAttempts:      3,
		BackoffBase:      2 * time.Second,
		BackoffCap:       60 * time.Second,
		DefaultTTL:       time.Hour,
		StopGracePeriod:  5 * time.Second,
	}
}

// ConfigFrom maps the service configuration onto a broker Config.
func ConfigFrom(serviceName string, cfg config.BrokerConfig) Config {
	return Config{
		ServiceName:      serviceName,
		WorkerPoolSize:   cfg.WorkerPoolSize,
		PopTimeout:       cfg.PopTimeout,
		HealthInterval:   cfg.HealthInterval,
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		BackoffCap:       cfg.BackoffCap,
		DefaultTTL:       cfg.DefaultTTL,
		StopGracePeriod:  cfg.StopGracePeriod,
	}
}

// Broker lifecycle states.
const (
	stateCreated int32 = iota
	stateStarted
	stateStopping
	stateStopped
)

// Broker delivers typed messages between services over the Redis backend.
// Each service constructs exactly one Broker and owns its lifecycle.
type Broker struct {
	cfg      Config
	store    *storage.Client
	logger   *zap.Logger
	circuits *CircuitRegistry
	health   *HealthRegistry

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	retries map[string]*pendingRetry
	retryMu sync.Mutex

	state      atomic.Int32
	errorCount atomic.Int64
	metrics    Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a broker. Call Start to begin delivery.
func New(store *storage.Client, cfg Config, logger *zap.Logger) *Broker {
	return &Broker{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		circuits: NewCircuitRegistry(cfg.FailureThreshold, cfg.RecoveryTimeout),
		health:   NewHealthRegistry(store, cfg.HealthInterval, logger),
		handlers: make(map[string]Handler),
		retries:  make(map[string]*pendingRetry),
	}
}

// pendingRetry is a failed message waiting out its backoff in process
// memory. Stop flushes these back onto their queues so the delay never
// outlives the process.
type pendingRetry struct {
	msg   *Message
	timer *time.Timer
}

// publishOptions collects the optional publish parameters.
type publishOptions struct {
	priority      int
	correlationID string
	metadata      map[string]interface{}
	ttl           time.Duration
	maxAttempts   int
}

// PublishOption customizes one published message.
type PublishOption func(*publishOptions)

// WithPriority sets the priority band; values outside [0,10] are rejected.
func WithPriority(priority int) PublishOption {
	return func(o *publishOptions) { o.priority = priority }
}

// WithCorrelationID links the message to a request and requests an
// automatic ack on success.
func WithCorrelationID(id string) PublishOption {
	return func(o *publishOptions) { o.correlationID = id }
}

// WithTTL overrides the default time-to-live. An explicit zero expires the
// message at dequeue.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) { o.ttl = ttl }
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(n int) PublishOption {
	return func(o *publishOptions) { o.maxAttempts = n }
}

// WithMetadata attaches auxiliary values.
func WithMetadata(md map[string]interface{}) PublishOption {
	return func(o *publishOptions) { o.metadata = md }
}

// Publish places a new message on the queue selected by its priority and
// notifies the target's notification channel. It returns the message ID.
func (b *Broker) Publish(ctx context.Context, target, msgType string, payload map[string]interface{}, opts ...PublishOption) (string, error) {
	if s := b.state.Load(); s == stateStopping || s == stateStopped {
		return "", fault.ShuttingDown("publish")
	}
	if target == "" {
		return "", fault.InvalidInput("publish target is required")
	}
	if msgType == "" {
		return "", fault.InvalidInput("message type is required")
	}

	options := publishOptions{
		priority:    PriorityLow,
		ttl:         b.cfg.DefaultTTL,
		maxAttempts: b.cfg.MaxAttempts,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.priority < 0 || options.priority > 10 {
		return "", fault.InvalidInput("priority must be in [0,10]")
	}

	msg := NewMessage(b.cfg.ServiceName, target, msgType, payload).
		WithPriority(options.priority).
		WithTTL(options.ttl).
		WithMaxAttempts(options.maxAttempts).
		WithCorrelationID(options.correlationID)
	if options.metadata != nil {
		msg.WithMetadata(options.metadata)
	}

	if err := b.enqueue(ctx, msg); err != nil {
		return "", err
	}
	b.metrics.incPublished()
	return msg.ID, nil
}

// enqueue pushes a message onto its priority queue and notifies the target.
func (b *Broker) enqueue(ctx context.Context, msg *Message) error {
	cb := b.circuits.Get(backendDep)
	if !cb.Allow() {
		return fault.BackendUnavailable("queue backend circuit open", nil).
			WithService(backendDep).
			WithMessageID(msg.ID)
	}

	raw, err := msg.Encode()
	if err != nil {
		return fault.InvalidInput("payload is not serializable").WithMessageID(msg.ID)
	}
	if err := b.store.PushLeft(ctx, msg.Queue(), raw); err != nil {
		cb.RecordFailure()
		b.errorCount.Add(1)
		return fault.BackendUnavailable("queue push failed", err).WithMessageID(msg.ID)
	}
	cb.RecordSuccess()

	// Per-target notification stream; best-effort.
	if err := b.store.Publish(ctx, "service:"+msg.Target, raw); err != nil {
		b.logger.Debug("target notification failed",
			zap.String("target", msg.Target),
			zap.Error(err))
	}
	return nil
}

// RegisterHandler binds a message type to a handler. A second registration
// for the same type overwrites the first.
func (b *Broker) RegisterHandler(msgType string, handler Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	if _, exists := b.handlers[msgType]; exists {
		b.logger.Warn("replacing registered handler", zap.String("type", msgType))
	}
	b.handlers[msgType] = handler
}

// Start launches the worker pool and the health loop. Idempotent: starting
// a started broker is a no-op.
func (b *Broker) Start(ctx context.Context) error {
	if !b.state.CompareAndSwap(stateCreated, stateStarted) &&
		!b.state.CompareAndSwap(stateStopped, stateStarted) {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.cfg.WorkerPoolSize; i++ {
		b.wg.Add(1)
		go b.workerLoop(i)
	}
	b.wg.Add(1)
	go b.healthLoop()

	b.logger.Info("broker started",
		zap.String("service", b.cfg.ServiceName),
		zap.Int("workers", b.cfg.WorkerPoolSize),
		zap.Duration("health_interval", b.cfg.HealthInterval))
	return nil
}

// Stop signals cancellation to workers, waits up to the grace period and
// then abandons them, and flushes pending retry timers back onto their
// queues. New publishes are rejected once stopping begins.
func (b *Broker) Stop() error {
	if !b.state.CompareAndSwap(stateStarted, stateStopping) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.StopGracePeriod):
		b.logger.Warn("grace period elapsed, abandoning workers")
	}

	flushErr := b.flushPendingRetries()

	b.state.Store(stateStopped)
	snap := b.metrics.Snapshot()
	b.logger.Info("broker stopped",
		zap.Int64("published", snap.Published),
		zap.Int64("handled", snap.Handled),
		zap.Int64("dead_lettered", snap.DeadLettered))
	return flushErr
}

// flushPendingRetries fires every backoff timer that has not gone off yet
// so in-flight retries land back in the backend before the process exits.
// A timer caught mid-fire keeps ownership of its own requeue.
func (b *Broker) flushPendingRetries() error {
	b.retryMu.Lock()
	flush := make([]*pendingRetry, 0, len(b.retries))
	for id, pr := range b.retries {
		if pr.timer.Stop() {
			delete(b.retries, id)
			flush = append(flush, pr)
		}
	}
	b.retryMu.Unlock()

	var errs fault.MultiError
	for _, pr := range flush {
		errs.Add(b.requeueRetry(pr.msg))
	}
	if len(flush) > 0 {
		b.logger.Info("flushed pending retries", zap.Int("count", len(flush)))
	}
	return errs.ErrorOrNil()
}

// workerLoop drains the live queues in strict-priority order.
func (b *Broker) workerLoop(id int) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		queue, raw, err := b.store.PopBlocking(b.ctx, b.cfg.PopTimeout, QueueHigh, QueueNormal, QueueLow)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.circuits.Get(backendDep).RecordFailure()
			b.errorCount.Add(1)
			b.logger.Error("queue pop failed", zap.Int("worker", id), zap.Error(err))
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(b.cfg.PopTimeout):
			}
			continue
		}
		if raw == "" {
			continue
		}

		// Shutdown between pop and dispatch: put the message back at the
		// dispatch position so the next start sees it first.
		if b.ctx.Err() != nil {
			b.requeueAtHead(queue, raw)
			return
		}

		msg, err := DecodeMessage(raw)
		if err != nil {
			b.logger.Error("dropping undecodable message", zap.Error(err))
			continue
		}
		b.dispatch(msg)
	}
}

// requeueAtHead restores a popped-but-undispatched message.
func (b *Broker) requeueAtHead(queue, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PopTimeout)
	defer cancel()
	if err := b.store.PushRight(ctx, queue, raw); err != nil {
		b.logger.Error("shutdown requeue failed", zap.Error(err))
	}
}

// dispatch applies the delivery rules to one popped message.
func (b *Broker) dispatch(msg *Message) {
	now := time.Now().UTC()

	if msg.Target != b.cfg.ServiceName {
		b.metrics.incUnroutable()
		b.deadLetter(b.ctx, msg, ReasonNotForUs, "target "+msg.Target)
		return
	}
	if msg.IsExpired(now) {
		b.metrics.incExpired()
		b.deadLetter(b.ctx, msg, ReasonExpired, "ttl elapsed before dequeue")
		return
	}
	if !msg.CanDispatch() {
		b.deadLetter(b.ctx, msg, ReasonMaxAttempts, "")
		return
	}

	b.handlersMu.RLock()
	handler, ok := b.handlers[msg.Type]
	b.handlersMu.RUnlock()
	if !ok {
		b.metrics.incUnhandled()
		b.logger.Warn("no handler for message type",
			zap.String("type", msg.Type),
			zap.String("message_id", msg.ID))
		return
	}

	if err := b.invoke(handler, msg); err != nil {
		b.handleFailure(msg, err)
		return
	}

	b.metrics.incHandled()
	if msg.CorrelationID != "" && msg.Type != ackType {
		b.publishAck(msg)
	}
}

// invoke runs the handler, translating panics into failed attempts so a
// poison message can never take down the worker pool.
func (b *Broker) invoke(handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incHandlerPanics()
			err = fault.Panic(msg.ID, r)
			b.logger.Error("handler panicked",
				zap.String("message_id", msg.ID),
				zap.String("type", msg.Type),
				zap.Any("panic", r))
		}
	}()
	return handler(b.ctx, msg)
}

// handleFailure increments the attempt counter and schedules a requeue on a
// timer so workers stay free. The retry budget is enforced at dequeue: a
// requeued message at its cap is quarantined there, after its full backoff.
func (b *Broker) handleFailure(msg *Message, cause error) {
	b.errorCount.Add(1)

	// A handler cancelled by shutdown did not consume an attempt. The
	// message goes back to the dispatch position for the next start.
	if b.ctx.Err() != nil {
		if raw, err := msg.Encode(); err == nil {
			b.requeueAtHead(msg.Queue(), raw)
		}
		b.logger.Info("shutdown interrupted handler, message restored",
			zap.String("message_id", msg.ID),
			zap.String("type", msg.Type))
		return
	}

	msg.Attempt++
	msg.WithMetadata(map[string]interface{}{"last_error": cause.Error()})

	b.logger.Warn("handler failed",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.Int("attempt", msg.Attempt),
		zap.Int("max_attempts", msg.MaxAttempts),
		zap.Error(cause))

	delay := RetryDelay(b.cfg.BackoffBase, b.cfg.BackoffCap, msg.Attempt)

	b.retryMu.Lock()
	pr := &pendingRetry{msg: msg}
	pr.timer = time.AfterFunc(delay, func() { b.fireRetry(msg.ID) })
	b.retries[msg.ID] = pr
	b.retryMu.Unlock()
	b.metrics.incRetried()
}

// fireRetry resolves a backoff timer to its pending message and requeues it.
func (b *Broker) fireRetry(id string) {
	b.retryMu.Lock()
	pr, ok := b.retries[id]
	delete(b.retries, id)
	b.retryMu.Unlock()
	if !ok {
		return
	}
	if err := b.requeueRetry(pr.msg); err != nil {
		b.logger.Error("retry requeue failed",
			zap.String("message_id", pr.msg.ID),
			zap.Error(err))
	}
}

// requeueRetry pushes a backoff-expired message back onto its queue,
// counting the loss if the backend refuses it.
func (b *Broker) requeueRetry(msg *Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PopTimeout)
	defer cancel()
	raw, err := msg.Encode()
	if err == nil {
		err = b.store.PushLeft(ctx, msg.Queue(), raw)
	}
	if err != nil {
		b.metrics.incDeadLetterFailures()
		return fault.BackendUnavailable("retry requeue failed", err).WithMessageID(msg.ID)
	}
	return nil
}

// RetryDelay computes the backoff before the given attempt is requeued:
// base doubled per prior attempt, bounded by limit.
func RetryDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// publishAck notifies the message source that delivery succeeded.
func (b *Broker) publishAck(msg *Message) {
	payload := map[string]interface{}{
		"status":     "success",
		"message_id": msg.ID,
	}
	_, err := b.Publish(b.ctx, msg.Source, ackType, payload,
		WithCorrelationID(msg.CorrelationID))
	if err != nil {
		b.logger.Warn("ack publish failed",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}
	b.metrics.incAcksSent()
}

// healthLoop pings the backend on a cadence and writes this service's
// liveness row.
func (b *Broker) healthLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.reportHealth()
		}
	}
}

// reportHealth measures a backend ping and records the result. Ping
// failures feed the backend circuit breaker.
func (b *Broker) reportHealth() {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.PopTimeout*2)
	defer cancel()

	start := time.Now()
	pingErr := b.store.Ping(ctx)
	elapsed := time.Since(start)

	cb := b.circuits.Get(backendDep)
	status := StatusHealthy
	switch {
	case pingErr != nil:
		status = StatusUnhealthy
		cb.RecordFailure()
		b.errorCount.Add(1)
	case elapsed > time.Second:
		status = StatusDegraded
		cb.RecordSuccess()
	default:
		cb.RecordSuccess()
	}

	b.handlersMu.RLock()
	handlerCount := len(b.handlers)
	b.handlersMu.RUnlock()

	record := ServiceHealth{
		Service:        b.cfg.ServiceName,
		Status:         status,
		LastHeartbeat:  time.Now().UTC(),
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000.0,
		ErrorCount:     b.errorCount.Load(),
		HandlerCount:   handlerCount,
	}
	if err := b.health.Write(ctx, record); err != nil {
		b.logger.Warn("health report failed", zap.Error(err))
	}
}

// GetServiceHealth returns one service's liveness row.
func (b *Broker) GetServiceHealth(ctx context.Context, service string) (*ServiceHealth, error) {
	return b.health.Get(ctx, service)
}

// GetAllServiceHealth returns every known service's liveness row.
func (b *Broker) GetAllServiceHealth(ctx context.Context) (map[string]ServiceHealth, error) {
	return b.health.GetAll(ctx)
}

// GetQueueStats returns the current length of every queue.
func (b *Broker) GetQueueStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 5)
	for _, queue := range []string{QueueHigh, QueueNormal, QueueLow, QueueDeadLetter, QueueHealth} {
		n, err := b.store.ListLen(ctx, queue)
		if err != nil {
			return nil, fault.BackendUnavailable("queue stats failed", err)
		}
		stats[queue] = n
	}
	return stats, nil
}

// Circuits exposes the breaker registry so orchestrators can guard their
// outbound dependencies. The broker is the single writer of circuit rows.
func (b *Broker) Circuits() *CircuitRegistry {
	return b.circuits
}

// Health exposes the health registry for read-side consumers.
func (b *Broker) Health() *HealthRegistry {
	return b.health
}

// Metrics returns a snapshot of the broker counters.
func (b *Broker) Metrics() Metrics {
	return b.metrics.Snapshot()
}
