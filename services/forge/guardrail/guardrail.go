// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail turns correction history into escalation and halt
// decisions.
//
// Two sliding-window statistics are computed over LearningEvents:
// import-resolution pressure and micro-targeted stall pressure. Both are
// pure functions of the event slice; Engine only fetches the window and
// records metrics. Convergence checks over runtime signatures and heavy
// blocking counts live in convergence.go.
package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Query selects a window of learning events. Events are returned oldest
// first; Limit keeps the newest Limit matches.
type Query struct {
	RunID     string
	SessionID string
	Cluster   datatypes.ClusterType
	Strategy  datatypes.Strategy
	Limit     int
}

// EventSource provides windowed reads over correction telemetry.
type EventSource interface {
	RecentEvents(ctx context.Context, q Query) ([]datatypes.LearningEvent, error)
}

// ImportPressure summarizes recent import-resolution correction attempts.
type ImportPressure struct {
	Attempts       int
	AvgDelta       float64
	RegressionRate float64
	Escalate       bool
}

// StallPressure counts trailing stalled micro-targeted attempts.
type StallPressure struct {
	SessionStalls int
	RunStalls     int
	Escalate      bool
}

// Advice is the guardrail's verdict on the next correction phase.
type Advice struct {
	Phase     datatypes.Phase
	Strategy  datatypes.Strategy
	Escalated bool
	Reason    string
	Import    ImportPressure
	Stall     StallPressure
}

// AdviceRequest describes the correction the engine is about to build.
type AdviceRequest struct {
	RunID     string
	SessionID string
	Clusters  []datatypes.ClusterType
	Phase     datatypes.Phase
	Strategy  datatypes.Strategy
}

// Engine evaluates guardrail statistics against configured thresholds.
//
// # Thread Safety
//
// Safe for concurrent use if the EventSource is.
type Engine struct {
	cfg    config.GuardrailConfig
	events EventSource
	logger *slog.Logger
}

// New creates an Engine.
func New(cfg config.GuardrailConfig, events EventSource) *Engine {
	return &Engine{
		cfg:    cfg,
		events: events,
		logger: slog.Default().With("component", "guardrail"),
	}
}

// Config returns the thresholds in use.
func (e *Engine) Config() config.GuardrailConfig {
	return e.cfg
}

// ComputeImportPressure evaluates import-resolution pressure.
//
// # Description
//
// Only events whose ClustersBefore contain import_resolution_error count,
// and only the newest window of them. The pressure escalates once at least
// minAttempts were made and they are not improving: the average blocking
// delta is non-negative, or the regression rate reaches the threshold.
func ComputeImportPressure(events []datatypes.LearningEvent, cfg config.GuardrailConfig) ImportPressure {
	var window []datatypes.LearningEvent
	for _, ev := range events {
		if slices.Contains(ev.ClustersBefore, datatypes.ClusterImportResolution) {
			window = append(window, ev)
		}
	}
	if len(window) > cfg.ImportWindow {
		window = window[len(window)-cfg.ImportWindow:]
	}

	p := ImportPressure{Attempts: len(window)}
	if p.Attempts == 0 {
		return p
	}
	sum, regressed := 0, 0
	for _, ev := range window {
		sum += ev.Delta()
		if ev.Outcome == datatypes.OutcomeRegressed {
			regressed++
		}
	}
	p.AvgDelta = float64(sum) / float64(p.Attempts)
	p.RegressionRate = float64(regressed) / float64(p.Attempts)
	p.Escalate = p.Attempts >= cfg.ImportMinAttempts &&
		(p.AvgDelta >= 0 || p.RegressionRate >= cfg.RegressionRateThreshold)
	return p
}

// TrailingStalls counts consecutive stalled micro_targeted events at the
// end of events, optionally restricted to one session.
func TrailingStalls(events []datatypes.LearningEvent, sessionID string) int {
	n := 0
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if sessionID != "" && ev.SessionID != sessionID {
			continue
		}
		if ev.Strategy != datatypes.StrategyMicroTargeted || ev.Outcome != datatypes.OutcomeStalled {
			break
		}
		n++
	}
	return n
}

// ComputeStallPressure evaluates micro-targeted stall pressure.
func ComputeStallPressure(events []datatypes.LearningEvent, sessionID string, cfg config.GuardrailConfig) StallPressure {
	if len(events) > cfg.StallWindow {
		events = events[len(events)-cfg.StallWindow:]
	}
	p := StallPressure{RunStalls: TrailingStalls(events, "")}
	if sessionID != "" {
		p.SessionStalls = TrailingStalls(events, sessionID)
	}
	p.Escalate = p.SessionStalls >= cfg.SessionStallThreshold || p.RunStalls >= cfg.RunStallThreshold
	return p
}

// Advise decides whether the proposed correction should be escalated.
//
// # Description
//
// Import pressure escalates any recipe or import-only correction to a
// structural reset. Stall pressure escalates to feature reintegration, or
// to a structural reset when structural clusters are present. Otherwise
// the proposal is returned unchanged.
//
// # Outputs
//
//   - Advice: The phase and strategy to use, with the statistics behind it.
//   - error: Event source failures.
func (e *Engine) Advise(ctx context.Context, req AdviceRequest) (Advice, error) {
	adv := Advice{Phase: req.Phase, Strategy: req.Strategy}

	importEvents, err := e.events.RecentEvents(ctx, Query{
		RunID:   req.RunID,
		Cluster: datatypes.ClusterImportResolution,
		Limit:   e.cfg.ImportWindow,
	})
	if err != nil {
		return adv, fmt.Errorf("reading import events: %w", err)
	}
	adv.Import = ComputeImportPressure(importEvents, e.cfg)

	runEvents, err := e.events.RecentEvents(ctx, Query{RunID: req.RunID, Limit: e.cfg.StallWindow})
	if err != nil {
		return adv, fmt.Errorf("reading run events: %w", err)
	}
	adv.Stall = ComputeStallPressure(runEvents, req.SessionID, e.cfg)

	structural := slices.ContainsFunc(req.Clusters, datatypes.ClusterType.IsStructural)
	importOnly := len(req.Clusters) > 0 && !slices.ContainsFunc(req.Clusters, func(c datatypes.ClusterType) bool {
		return c != datatypes.ClusterImportResolution
	})

	switch {
	case adv.Import.Escalate && (req.Phase == datatypes.PhaseRecipe || importOnly):
		adv.Phase = datatypes.PhaseStructuralReset
		adv.Strategy = datatypes.StrategyArchitectureReconstruction
		adv.Reason = fmt.Sprintf("import resolution not improving: %d attempts, avg delta %.2f, regression rate %.2f",
			adv.Import.Attempts, adv.Import.AvgDelta, adv.Import.RegressionRate)
	case adv.Stall.Escalate && structural:
		adv.Phase = datatypes.PhaseStructuralReset
		adv.Strategy = datatypes.StrategyArchitectureReconstruction
		adv.Reason = fmt.Sprintf("micro-targeted corrections stalled (session %d, run %d) with structural clusters",
			adv.Stall.SessionStalls, adv.Stall.RunStalls)
	case adv.Stall.Escalate:
		adv.Phase = datatypes.PhaseFeatureReintegration
		adv.Strategy = datatypes.StrategyArchitectureReconstruction
		adv.Reason = fmt.Sprintf("micro-targeted corrections stalled (session %d, run %d)",
			adv.Stall.SessionStalls, adv.Stall.RunStalls)
	}

	if adv.Phase != req.Phase {
		adv.Escalated = true
		escalationsTotal.WithLabelValues(string(req.Phase), string(adv.Phase)).Inc()
		e.logger.Warn("escalating correction",
			slog.String("run_id", req.RunID),
			slog.String("from", string(req.Phase)),
			slog.String("to", string(adv.Phase)),
			slog.String("reason", adv.Reason),
		)
	}
	return adv, nil
}
