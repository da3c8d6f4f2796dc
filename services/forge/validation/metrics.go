// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

const (
	tierLight = "light"
	tierHeavy = "heavy"
)

var (
	tracer = otel.Tracer("forge.validation")
	meter  = otel.Meter("forge.validation")
)

var (
	validationLatency metric.Float64Histogram
	validationTotal   metric.Int64Counter
	blockingFound     metric.Int64Histogram
	checkTotal        metric.Int64Counter
	checkLatency      metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		validationLatency, err = meter.Float64Histogram(
			"validation_duration_seconds",
			metric.WithDescription("Duration of validation passes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		validationTotal, err = meter.Int64Counter(
			"validation_total",
			metric.WithDescription("Validation passes by tier and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		blockingFound, err = meter.Int64Histogram(
			"validation_blocking_found",
			metric.WithDescription("Blocking findings per validation pass"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkTotal, err = meter.Int64Counter(
			"validation_check_total",
			metric.WithDescription("Heavy sub-checks by name and status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		checkLatency, err = meter.Float64Histogram(
			"validation_check_duration_seconds",
			metric.WithDescription("Duration of heavy sub-checks"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startSpan(ctx context.Context, name, tier string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("validation.tier", tier)),
	)
}

func setSpanResult(span trace.Span, r *datatypes.ValidationResult) {
	span.SetAttributes(
		attribute.Bool("validation.ok", r.OK),
		attribute.Int("validation.blocking_count", r.BlockingCount),
		attribute.Int("validation.warning_count", r.WarningCount),
	)
}

func recordValidation(ctx context.Context, tier string, duration time.Duration, blocking, warnings int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.Bool("success", success),
	)
	validationLatency.Record(ctx, duration.Seconds(), attrs)
	validationTotal.Add(ctx, 1, attrs)
	if success {
		blockingFound.Record(ctx, int64(blocking), metric.WithAttributes(attribute.String("tier", tier)))
	}
}

func recordCheck(ctx context.Context, c datatypes.CheckResult) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("check", c.Name),
		attribute.String("status", string(c.Status)),
	)
	checkTotal.Add(ctx, 1, attrs)
	if c.Status != datatypes.CheckSkip {
		checkLatency.Record(ctx, c.Duration.Seconds(), attrs)
	}
}
