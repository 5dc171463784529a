package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/reactor/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int32
}

var poolGauges = []poolGauge{
	{"reactor.db.pool.connections", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
	{"reactor.db.pool.idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
	{"reactor.db.pool.acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
	{"reactor.db.pool.constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
}

// ObservePoolMetrics registers observable gauges that report pgx pool health.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "journal"
	}
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", normalized),
	)

	meter := otel.Meter("postgres.pool")
	for _, gauge := range poolGauges {
		read := gauge.read
		if _, err := meter.Int64ObservableGauge(gauge.name,
			metric.WithDescription(gauge.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(int64(read(pool.Stat())), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
