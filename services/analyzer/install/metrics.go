// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

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
	tracer = otel.Tracer("aleutian.analyzer.install")
	meter  = otel.Meter("aleutian.analyzer.install")
)

var (
	installLatency metric.Float64Histogram
	installTotal   metric.Int64Counter
	resolveTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		installLatency, err = meter.Float64Histogram(
			"analyzer_install_duration_seconds",
			metric.WithDescription("Duration of analyzer installs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		installTotal, err = meter.Int64Counter(
			"analyzer_install_total",
			metric.WithDescription("Analyzer installs by kind and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		resolveTotal, err = meter.Int64Counter(
			"analyzer_resolve_total",
			metric.WithDescription("Binary resolutions by source"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startInstallSpan(ctx context.Context, analyzer, kind string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "install.Cache.install",
		trace.WithAttributes(
			attribute.String("analyzer.id", analyzer),
			attribute.String("install.kind", kind),
		),
	)
}

func recordInstall(ctx context.Context, analyzer, kind string, d time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	)
	installLatency.Record(ctx, d.Seconds(), attrs)
	installTotal.Add(ctx, 1, attrs)
}

// recordResolve counts where a binary came from: cache, path, install or backoff,
// plus "abandoned" when the caller gave up waiting on a shared install.
func recordResolve(ctx context.Context, analyzer, source string) {
	if err := initMetrics(); err != nil {
		return
	}
	resolveTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.String("source", source),
	))
}
