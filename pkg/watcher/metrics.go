package watcher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/unit"
)

func (w *Watcher) initMetrics() error {
	meter := global.MeterProvider().Meter("alphawatch")

	// Async instruments.
	lastTick, err := meter.Int64ObservableGauge(
		"alphawatch.watcher.last.tick.unix",
		instrument.WithDescription("Unix timestamp of the last completed tick"),
	)
	if err != nil {
		return fmt.Errorf("creating last tick gauge: %s", err)
	}
	_, err = meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(lastTick, w.mLastTickUnix.Load())
			return nil
		},
		lastTick,
	)
	if err != nil {
		return fmt.Errorf("registering async metric callback: %s", err)
	}

	// Sync instruments.
	w.mTickCounter, err = meter.Int64Counter("alphawatch.watcher.tick.count")
	if err != nil {
		return fmt.Errorf("creating tick count instrument: %s", err)
	}
	w.mTickLatency, err = meter.Int64Histogram(
		"alphawatch.watcher.tick.latency",
		instrument.WithUnit(string(unit.Milliseconds)),
	)
	if err != nil {
		return fmt.Errorf("creating tick latency instrument: %s", err)
	}
	w.mEventCounter, err = meter.Int64Counter("alphawatch.watcher.events.count")
	if err != nil {
		return fmt.Errorf("creating events count instrument: %s", err)
	}
	w.mNotifyCounter, err = meter.Int64Counter("alphawatch.watcher.notifications.count")
	if err != nil {
		return fmt.Errorf("creating notifications count instrument: %s", err)
	}
	return nil
}
