// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("aleutian.analyzer.orchestrator")
	meter  = otel.Meter("aleutian.analyzer.orchestrator")
)

var (
	activeSessions metric.Int64UpDownCounter
	touchLatency   metric.Float64Histogram
	queryTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		activeSessions, err = meter.Int64UpDownCounter(
			"analyzer_sessions_active",
			metric.WithDescription("Live analyzer sessions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		touchLatency, err = meter.Float64Histogram(
			"analyzer_touch_duration_seconds",
			metric.WithDescription("Duration of TouchFile including optional diagnostics wait"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		queryTotal, err = meter.Int64Counter(
			"analyzer_query_total",
			metric.WithDescription("Routed positional queries by analyzer and error kind"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startSpan(ctx context.Context, name, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "orchestrator."+name,
		trace.WithAttributes(attribute.String("analyzer.file", path)),
	)
}

func recordSessionDelta(ctx context.Context, analyzer string, delta int64) {
	if err := initMetrics(); err != nil {
		return
	}
	activeSessions.Add(ctx, delta, metric.WithAttributes(attribute.String("analyzer", analyzer)))
}

func recordTouch(ctx context.Context, d time.Duration, analyzers int, wait bool) {
	if err := initMetrics(); err != nil {
		return
	}
	touchLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.Int("analyzers", analyzers),
		attribute.Bool("wait", wait),
	))
}

func recordQuery(ctx context.Context, analyzer, method, kind string) {
	if err := initMetrics(); err != nil {
		return
	}
	queryTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.String("method", method),
		attribute.String("result", kind),
	))
}
