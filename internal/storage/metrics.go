package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/playmesh/arena/internal/telemetry"
)

// RegisterPoolMetrics registers observable OTEL gauges over the connection
// pool's live statistics.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("arena/storage")

	_, _ = meter.Int64ObservableGauge("arena.db.connections_total",
		metric.WithDescription("Total connections currently in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("arena.db.connections_idle",
		metric.WithDescription("Idle connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("arena.db.connections_acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
}
