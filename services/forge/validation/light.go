// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation implements the two validation tiers.
//
// Light validation is in-process and synchronous: architecture graph
// rules plus the security baseline. Heavy validation runs light validation
// and then install, typecheck, test and boot subprocesses inside a
// throwaway detached worktree.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/forge/services/forge/archgraph"
	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Security rule identifiers.
const (
	RuleHardcodedSecret = "hardcodedSecret"
	RuleDynamicEval     = "dynamicEval"
)

// Isolator runs a function inside a throwaway checkout of ref.
// *vcs.Isolation satisfies it.
type Isolator interface {
	WithIsolatedWorktree(ctx context.Context, ref string, fn func(ctx context.Context, dir string) error) error
}

// LightReport is a light validation result together with the graph it was
// computed from.
type LightReport struct {
	Result *datatypes.ValidationResult
	Graph  *archgraph.Graph
}

// Pipeline runs light and heavy validation.
//
// # Thread Safety
//
// Safe for concurrent use; calls share no mutable state.
type Pipeline struct {
	analyzer *archgraph.Analyzer
	heavy    config.HeavyConfig
	runner   *Runner
	prober   *Prober
	logger   *slog.Logger
}

// New creates a Pipeline from the project and heavy-check configuration.
func New(arch config.ArchitectureConfig, heavy config.HeavyConfig) *Pipeline {
	runner := NewRunner(heavy.KillGrace, heavy.OutputTailBytes)
	return &Pipeline{
		analyzer: archgraph.NewAnalyzer(arch),
		heavy:    heavy,
		runner:   runner,
		prober:   NewProber(runner, heavy.PollInterval),
		logger:   slog.Default().With("component", "validation"),
	}
}

// Prober returns the boot prober shared with runtime verification steps.
func (p *Pipeline) Prober() *Prober {
	return p.prober
}

// Runner returns the subprocess runner.
func (p *Pipeline) Runner() *Runner {
	return p.runner
}

// RunLight validates the working tree at root.
func (p *Pipeline) RunLight(ctx context.Context, root string) (*datatypes.ValidationResult, error) {
	report, err := p.Light(ctx, root)
	if err != nil {
		return nil, err
	}
	return report.Result, nil
}

// Light validates root and also returns the import graph.
//
// # Description
//
// Runs structural, graph, AST, security-baseline and test-contract
// checks. No subprocess is started.
//
// # Outputs
//
//   - *LightReport: Sorted violations and counters.
//   - error: Only when the project cannot be walked or parsed.
func (p *Pipeline) Light(ctx context.Context, root string) (*LightReport, error) {
	ctx, span := startSpan(ctx, "Pipeline.Light", tierLight)
	defer span.End()
	start := time.Now()

	g, vs, err := p.analyzer.Analyze(ctx, root)
	if err != nil {
		recordValidation(ctx, tierLight, time.Since(start), 0, 0, false)
		return nil, fmt.Errorf("light validation: %w", err)
	}
	vs = append(vs, securityViolations(g)...)
	result := datatypes.NewValidationResult(vs)

	setSpanResult(span, result)
	recordValidation(ctx, tierLight, time.Since(start), result.BlockingCount, result.WarningCount, true)
	p.logger.Debug("light validation finished",
		slog.String("root", root),
		slog.Int("blocking", result.BlockingCount),
		slog.Int("warnings", result.WarningCount),
	)
	return &LightReport{Result: result, Graph: g}, nil
}

// securityViolations applies the security baseline to parsed facts.
func securityViolations(g *archgraph.Graph) []datatypes.Violation {
	var out []datatypes.Violation
	for _, rel := range g.SortedFiles() {
		facts := g.Files[rel].Facts
		for _, s := range facts.SecretLiterals {
			out = append(out, datatypes.Violation{
				RuleID:   RuleHardcodedSecret,
				Cluster:  datatypes.ClusterSecurityBaseline,
				Severity: datatypes.SeverityError,
				File:     rel,
				Line:     s.Line,
				Message:  fmt.Sprintf("hardcoded credential in %s; load it from configuration", s.Name),
			})
		}
		for _, s := range facts.DynamicEvals {
			out = append(out, datatypes.Violation{
				RuleID:   RuleDynamicEval,
				Cluster:  datatypes.ClusterSecurityBaseline,
				Severity: datatypes.SeverityError,
				File:     rel,
				Line:     s.Line,
				Message:  fmt.Sprintf("dynamic code evaluation via %s", s.Name),
			})
		}
	}
	return out
}
