// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for analyzer sessions.
var (
	tracer = otel.Tracer("aleutian.analyzer.lsp")
	meter  = otel.Meter("aleutian.analyzer.lsp")
)

// Metrics for analyzer sessions.
var (
	requestLatency     metric.Float64Histogram
	requestTotal       metric.Int64Counter
	sessionStarts      metric.Int64Counter
	diagnosticsTotal   metric.Int64Counter
	frameResyncsTotal  metric.Int64Counter
	diagnosticWaitTime metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"analyzer_request_duration_seconds",
			metric.WithDescription("Duration of correlated analyzer requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"analyzer_request_total",
			metric.WithDescription("Analyzer requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sessionStarts, err = meter.Int64Counter(
			"analyzer_session_starts_total",
			metric.WithDescription("Analyzer session handshakes by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		diagnosticsTotal, err = meter.Int64Counter(
			"analyzer_diagnostics_published_total",
			metric.WithDescription("publishDiagnostics notifications received"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		frameResyncsTotal, err = meter.Int64Counter(
			"analyzer_frame_resyncs_total",
			metric.WithDescription("Malformed frame headers discarded"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		diagnosticWaitTime, err = meter.Float64Histogram(
			"analyzer_diagnostics_wait_seconds",
			metric.WithDescription("Time spent waiting for diagnostics"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startQuerySpan creates a span for a positional query.
func startQuerySpan(ctx context.Context, method, analyzer, path string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Session."+method,
		trace.WithAttributes(
			attribute.String("analyzer.method", method),
			attribute.String("analyzer.id", analyzer),
			attribute.String("analyzer.file_path", path),
		),
	)
}

func recordRequest(analyzer, method, outcome string, d time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	requestLatency.Record(ctx, d.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordSessionStart(ctx context.Context, analyzer string, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	sessionStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.Bool("success", success),
	))
}

func recordDiagnostics(analyzer string, count int) {
	if err := initMetrics(); err != nil {
		return
	}
	diagnosticsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.Bool("empty", count == 0),
	))
}

func recordResync(analyzer string) {
	if err := initMetrics(); err != nil {
		return
	}
	frameResyncsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("analyzer", analyzer),
	))
}

func recordDiagnosticsWait(analyzer string, d time.Duration, timedOut bool) {
	if err := initMetrics(); err != nil {
		return
	}
	diagnosticWaitTime.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("analyzer", analyzer),
		attribute.Bool("timed_out", timedOut),
	))
}
