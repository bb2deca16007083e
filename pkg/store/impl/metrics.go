package impl

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
)

func (s *AlphaStore) initMetrics() error {
	meter := global.MeterProvider().Meter("alphawatch")

	totalConns, err := meter.Int64ObservableGauge(
		"alphawatch.store.pool.total_conns",
		instrument.WithDescription("Total connections currently in the pool"),
	)
	if err != nil {
		return fmt.Errorf("creating total conns gauge: %s", err)
	}
	idleConns, err := meter.Int64ObservableGauge(
		"alphawatch.store.pool.idle_conns",
		instrument.WithDescription("Idle connections currently in the pool"),
	)
	if err != nil {
		return fmt.Errorf("creating idle conns gauge: %s", err)
	}
	acquiredConns, err := meter.Int64ObservableGauge(
		"alphawatch.store.pool.acquired_conns",
		instrument.WithDescription("Connections currently acquired from the pool"),
	)
	if err != nil {
		return fmt.Errorf("creating acquired conns gauge: %s", err)
	}

	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			pool := s.db.Pool()
			if pool == nil {
				return nil
			}
			stat := pool.Stat()
			o.ObserveInt64(totalConns, int64(stat.TotalConns()))
			o.ObserveInt64(idleConns, int64(stat.IdleConns()))
			o.ObserveInt64(acquiredConns, int64(stat.AcquiredConns()))
			return nil
		},
		totalConns, idleConns, acquiredConns,
	)
	if err != nil {
		return fmt.Errorf("registering pool stats callback: %s", err)
	}
	return nil
}
