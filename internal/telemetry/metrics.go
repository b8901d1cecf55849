package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the gateway and relay instruments. A nil *Metrics records nothing.
type Metrics struct {
	connections metric.Int64UpDownCounter
	joins       metric.Int64Counter
	relayed     metric.Int64Counter
	dropped     metric.Int64Counter
	evictions   metric.Int64Counter
}

// NewMetrics registers the service instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.connections, err = meter.Int64UpDownCounter("boardsync.connections.active",
		metric.WithDescription("Admitted connections that have not closed")); err != nil {
		return nil, fmt.Errorf("connections instrument: %w", err)
	}
	if m.joins, err = meter.Int64Counter("boardsync.joins",
		metric.WithDescription("Committed room joins")); err != nil {
		return nil, fmt.Errorf("joins instrument: %w", err)
	}
	if m.relayed, err = meter.Int64Counter("boardsync.events.relayed",
		metric.WithDescription("Frames enqueued to recipient outboxes")); err != nil {
		return nil, fmt.Errorf("relayed instrument: %w", err)
	}
	if m.dropped, err = meter.Int64Counter("boardsync.events.dropped",
		metric.WithDescription("Frames not delivered to a recipient")); err != nil {
		return nil, fmt.Errorf("dropped instrument: %w", err)
	}
	if m.evictions, err = meter.Int64Counter("boardsync.evictions",
		metric.WithDescription("Connections closed for a full outbox")); err != nil {
		return nil, fmt.Errorf("evictions instrument: %w", err)
	}
	return &m, nil
}

// ConnOpened records an admitted connection on transport.
func (m *Metrics) ConnOpened(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}

// ConnClosed records a closed connection on transport.
func (m *Metrics) ConnClosed(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("transport", transport)))
}

// Joined records a committed first join.
func (m *Metrics) Joined(ctx context.Context) {
	if m == nil {
		return
	}
	m.joins.Add(ctx, 1)
}

// Relayed records the outcome of one broadcast of kind.
func (m *Metrics) Relayed(ctx context.Context, kind string, enqueued, dropped int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	if enqueued > 0 {
		m.relayed.Add(ctx, int64(enqueued), attrs)
	}
	if dropped > 0 {
		m.dropped.Add(ctx, int64(dropped), attrs)
	}
}

// Evicted records a slow-consumer eviction.
func (m *Metrics) Evicted(ctx context.Context) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1)
}
