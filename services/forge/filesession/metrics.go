// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filesession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("forge.filesession")

var (
	beginTotal      metric.Int64Counter
	commitTotal     metric.Int64Counter
	abortTotal      metric.Int64Counter
	sessionDuration metric.Float64Histogram
	filesStaged     metric.Int64Histogram
	bytesStaged     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if beginTotal, err = meter.Int64Counter("filesession_begin_total",
			metric.WithDescription("File sessions opened")); err != nil {
			metricsErr = err
			return
		}
		if commitTotal, err = meter.Int64Counter("filesession_commit_total",
			metric.WithDescription("File session commit attempts")); err != nil {
			metricsErr = err
			return
		}
		if abortTotal, err = meter.Int64Counter("filesession_abort_total",
			metric.WithDescription("File sessions aborted")); err != nil {
			metricsErr = err
			return
		}
		if sessionDuration, err = meter.Float64Histogram("filesession_duration_seconds",
			metric.WithDescription("Time from begin to commit"),
			metric.WithUnit("s")); err != nil {
			metricsErr = err
			return
		}
		if filesStaged, err = meter.Int64Histogram("filesession_files_staged",
			metric.WithDescription("Files staged per session")); err != nil {
			metricsErr = err
			return
		}
		if bytesStaged, err = meter.Int64Histogram("filesession_bytes_staged",
			metric.WithDescription("Changed bytes staged per session"),
			metric.WithUnit("By")); err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordBegin(ctx context.Context, success bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	beginTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(success))))
}

func recordStaged(ctx context.Context, files, changedBytes int) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	filesStaged.Record(ctx, int64(files))
	bytesStaged.Record(ctx, int64(changedBytes))
}

func recordCommit(ctx context.Context, duration time.Duration, files int, success bool) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status(success)))
	commitTotal.Add(ctx, 1, attrs)
	if success {
		sessionDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

func recordAbort(ctx context.Context, reason string) {
	if !metricsEnabled.Load() || initMetrics() != nil {
		return
	}
	abortTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", normalizeAbortReason(reason))))
}

// normalizeAbortReason bounds the reason attribute cardinality.
func normalizeAbortReason(reason string) string {
	switch reason {
	case "apply_failed", "commit_failed", "validation", "constraint", "conflict", "stage_failed":
		return reason
	default:
		return "other"
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
