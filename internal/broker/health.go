package broker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/fault"
	"github.com/anthonymdukes/pdf-chat-appliance/internal/storage"
)

const (
	healthHashKey = "service:health"
	healthChannel = "health:updates"
)

// HealthStatus is a service liveness classification.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ServiceHealth is one service's liveness record. The owning service's
// health loop is the only writer of its row.
type ServiceHealth struct {
	Service        string       `json:"service"`
	Status         HealthStatus `json:"status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	ResponseTimeMS float64      `json:"response_time_ms"`
	ErrorCount     int64        `json:"error_count"`
	HandlerCount   int          `json:"handler_count"`
}

// HealthRegistry reads and writes the shared health table and broadcasts
// updates on the health channel.
type HealthRegistry struct {
	store    *storage.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthRegistry creates a registry. The interval is the writing
// cadence; staleness is judged against twice that.
func NewHealthRegistry(store *storage.Client, interval time.Duration, logger *zap.Logger) *HealthRegistry {
	return &HealthRegistry{store: store, interval: interval, logger: logger}
}

// Write records a service's health row and publishes it on the broadcast
// channel so subscribers can react.
func (r *HealthRegistry) Write(ctx context.Context, h ServiceHealth) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := r.store.HashSet(ctx, healthHashKey, map[string]interface{}{h.Service: string(data)}); err != nil {
		return fault.BackendUnavailable("health write failed", err).WithService(h.Service)
	}
	if err := r.store.Publish(ctx, healthChannel, string(data)); err != nil {
		r.logger.Warn("health broadcast failed",
			zap.String("service", h.Service),
			zap.Error(err))
	}
	return nil
}

// Get returns one service's health row.
func (r *HealthRegistry) Get(ctx context.Context, service string) (*ServiceHealth, error) {
	raw, err := r.store.HashGet(ctx, healthHashKey, service)
	if err != nil {
		return nil, fault.BackendUnavailable("health read failed", err).WithService(service)
	}
	if raw == "" {
		return nil, fault.NotFound("service health", service)
	}
	var h ServiceHealth
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetAll returns the health rows of every known service.
func (r *HealthRegistry) GetAll(ctx context.Context) (map[string]ServiceHealth, error) {
	rows, err := r.store.HashGetAll(ctx, healthHashKey)
	if err != nil {
		return nil, fault.BackendUnavailable("health read failed", err)
	}
	out := make(map[string]ServiceHealth, len(rows))
	for service, raw := range rows {
		var h ServiceHealth
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			r.logger.Warn("skipping malformed health row", zap.String("service", service))
			continue
		}
		out[service] = h
	}
	return out, nil
}

// IsStale reports whether a row's heartbeat is older than twice the write
// cadence.
func (r *HealthRegistry) IsStale(h ServiceHealth, now time.Time) bool {
	return now.Sub(h.LastHeartbeat) > 2*r.interval
}

// Watch streams health updates from the broadcast channel until the context
// ends. The returned channel closes when the subscription drops.
func (r *HealthRegistry) Watch(ctx context.Context) (<-chan ServiceHealth, error) {
	sub := r.store.Subscribe(ctx, healthChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fault.BackendUnavailable("health subscribe failed", err)
	}

	out := make(chan ServiceHealth)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var h ServiceHealth
				if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
					r.logger.Warn("skipping malformed health update", zap.Error(err))
					continue
				}
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
