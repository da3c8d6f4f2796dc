// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package correction classifies failures and builds bounded corrective
// steps.
//
// A correction is either a deterministic recipe (import rewrite,
// placeholder module) or a plan delegated to the planner under a
// CorrectionConstraint. Every produced step carries a CorrectionEnvelope
// so the kernel can re-check the constraint before committing and the
// guardrail can learn from the outcome.
package correction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/forge/services/forge/archgraph"
	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/guardrail"
	"github.com/AleutianAI/forge/services/forge/planner"
)

// ToolApplyChanges is the tool recipe steps are executed with.
const ToolApplyChanges = "apply_changes"

var (
	// ErrNoMutation is returned when a delegated correction has no
	// mutating step.
	ErrNoMutation = errors.New("correction plan contains no mutating step")

	// ErrNoDebt is returned by PlanDebtResolution when nothing is
	// outstanding.
	ErrNoDebt = errors.New("no outstanding placeholder debt")
)

// Advisor escalates correction phases from history.
type Advisor interface {
	Advise(ctx context.Context, req guardrail.AdviceRequest) (guardrail.Advice, error)
}

// Request asks for a correction of a validation failure.
type Request struct {
	RunID     string
	Goal      string
	SessionID string

	// Root is the run worktree. Recipes read importer files from it.
	Root string

	// Graph is the import graph of the failing snapshot, if available.
	Graph *archgraph.Graph

	Report        FailureReport
	Attempt       int
	AddressesStep string

	// PreviousPhase is the phase of the last correction in this run.
	PreviousPhase datatypes.Phase

	// ForceReconstruction selects architecture reconstruction regardless
	// of cluster composition.
	ForceReconstruction bool

	// Origin is the check that failed. Default: OriginLight.
	Origin datatypes.CorrectionOrigin
}

// RuntimeRequest asks for a correction of a failed runtime verification.
type RuntimeRequest struct {
	RunID        string
	Goal         string
	SessionID    string
	Root         string
	FailedStepID string
	Runtime      *datatypes.RuntimeResult
	Attempt      int
}

// DebtRequest asks for replacement of outstanding placeholders.
type DebtRequest struct {
	RunID     string
	Goal      string
	SessionID string
	Debt      []datatypes.DebtRecord
	Attempt   int
}

// Plan is a built correction.
type Plan struct {
	Steps          []datatypes.Step
	Phase          datatypes.Phase
	Strategy       datatypes.Strategy
	Classification datatypes.Classification
	Constraint     datatypes.CorrectionConstraint
	Advice         *guardrail.Advice

	// Debt lists placeholders the plan materializes.
	Debt []datatypes.DebtRecord
}

// build is the state shared by phase builders.
type build struct {
	req        Request
	runtime    *RuntimeRequest
	debt       *DebtRequest
	cl         datatypes.Classification
	phase      datatypes.Phase
	strategy   datatypes.Strategy
	constraint datatypes.CorrectionConstraint
	recipe     *recipePlan
}

type builderFunc func(e *Engine, ctx context.Context, b *build) ([]datatypes.Step, error)

// builders is the phase dispatch table. Every Phase has exactly one entry.
var builders = map[datatypes.Phase]builderFunc{
	datatypes.PhaseRecipe:               (*Engine).buildRecipe,
	datatypes.PhaseSingle:               (*Engine).buildDelegated,
	datatypes.PhaseMicroTargeted:        (*Engine).buildDelegated,
	datatypes.PhaseStructuralReset:      (*Engine).buildDelegated,
	datatypes.PhaseFeatureReintegration: (*Engine).buildDelegated,
	datatypes.PhaseDebtResolution:       (*Engine).buildDebt,
	datatypes.PhaseRuntime:              (*Engine).buildRuntime,
}

// Engine builds corrections.
//
// # Thread Safety
//
// Safe for concurrent use if the planner and advisor are.
type Engine struct {
	classifier *Classifier
	layout     Layout
	guard      config.GuardrailConfig
	planner    planner.Planner
	advisor    Advisor
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Engine. advisor may be nil to disable escalation.
func New(arch config.ArchitectureConfig, guard config.GuardrailConfig, p planner.Planner, advisor Advisor) *Engine {
	return &Engine{
		classifier: NewClassifier(arch.ModulesDir, arch.MigrationsDir),
		layout: Layout{
			SourceRoot:    arch.SourceRoot,
			ModulesDir:    arch.ModulesDir,
			MigrationsDir: arch.MigrationsDir,
		},
		guard:   guard,
		planner: p,
		advisor: advisor,
		logger:  slog.Default().With("component", "correction"),
		now:     time.Now,
	}
}

// Classifier returns the engine's classifier.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// SelectStrategy picks a strategy from cluster composition.
//
// # Description
//
// Structural clusters making up at least the dominance share of blocking
// violations select architecture reconstruction. A small set of files with
// no structural cluster selects a micro-targeted correction. Everything
// else is a single delegated step.
func SelectStrategy(cl datatypes.Classification, blocking []datatypes.Violation, cfg config.GuardrailConfig) datatypes.Strategy {
	structural := 0
	for _, v := range blocking {
		if v.Cluster.IsStructural() {
			structural++
		}
	}
	if len(blocking) > 0 && float64(structural)/float64(len(blocking)) >= cfg.ArchitectureDominance {
		return datatypes.StrategyArchitectureReconstruction
	}
	if n := len(cl.Files); n > 0 && n <= cfg.MicroTargetMaxFiles && !hasStructural(cl.Clusters) {
		return datatypes.StrategyMicroTargeted
	}
	return datatypes.StrategySingle
}

func phaseFor(s datatypes.Strategy, previous datatypes.Phase) datatypes.Phase {
	switch s {
	case datatypes.StrategyMicroTargeted:
		return datatypes.PhaseMicroTargeted
	case datatypes.StrategyArchitectureReconstruction:
		if previous == datatypes.PhaseStructuralReset {
			return datatypes.PhaseFeatureReintegration
		}
		return datatypes.PhaseStructuralReset
	case datatypes.StrategyDebtResolution:
		return datatypes.PhaseDebtResolution
	case datatypes.StrategySingle:
		return datatypes.PhaseSingle
	default:
		return datatypes.PhaseSingle
	}
}

// Plan builds the correction for a validation failure.
//
// # Description
//
// Classifies the failure, selects a strategy, prefers a deterministic
// recipe when the failure is narrow and fully resolvable, consults the
// guardrail, derives the constraint for the resulting phase and dispatches
// to that phase's builder.
//
// # Outputs
//
//   - *Plan: Steps stamped with a CorrectionEnvelope.
//   - error: Planner or guardrail failures; ErrNoMutation.
func (e *Engine) Plan(ctx context.Context, req Request) (*Plan, error) {
	b := &build{req: req, cl: e.classifier.Classify(req.Report)}

	var blocking []datatypes.Violation
	if req.Report.Validation != nil {
		for _, v := range req.Report.Validation.Violations {
			if v.Blocking() {
				blocking = append(blocking, v)
			}
		}
	}

	b.strategy = SelectStrategy(b.cl, blocking, e.guard)
	if req.ForceReconstruction {
		b.strategy = datatypes.StrategyArchitectureReconstruction
	}
	b.phase = phaseFor(b.strategy, req.PreviousPhase)
	if !req.ForceReconstruction {
		if rp, ok := planRecipes(req.Root, req.Graph, blocking, req.RunID, e.now()); ok {
			b.recipe = rp
			b.phase = datatypes.PhaseRecipe
		}
	}

	var advice *guardrail.Advice
	if e.advisor != nil {
		adv, err := e.advisor.Advise(ctx, guardrail.AdviceRequest{
			RunID:     req.RunID,
			SessionID: req.SessionID,
			Clusters:  b.cl.Clusters,
			Phase:     b.phase,
			Strategy:  b.strategy,
		})
		if err != nil {
			return nil, fmt.Errorf("consulting guardrail: %w", err)
		}
		advice = &adv
		if adv.Escalated {
			b.phase, b.strategy, b.recipe = adv.Phase, adv.Strategy, nil
		}
	}

	b.constraint = e.constraintFor(b)
	plan, err := e.dispatch(ctx, b)
	if err != nil {
		return nil, err
	}
	plan.Advice = advice
	return plan, nil
}

// PlanRuntime builds the correction for a failed runtime verification.
func (e *Engine) PlanRuntime(ctx context.Context, req RuntimeRequest) (*Plan, error) {
	b := &build{
		req:      Request{RunID: req.RunID, Goal: req.Goal, SessionID: req.SessionID, Root: req.Root, Attempt: req.Attempt, AddressesStep: req.FailedStepID, Origin: datatypes.OriginRuntime},
		runtime:  &req,
		cl:       e.classifier.Classify(FailureReport{Root: req.Root, Runtime: req.Runtime}),
		phase:    datatypes.PhaseRuntime,
		strategy: datatypes.StrategySingle,
	}
	b.constraint = ConstraintFor(b.cl, e.layout)
	return e.dispatch(ctx, b)
}

// PlanDebtResolution builds a pass replacing outstanding placeholders.
func (e *Engine) PlanDebtResolution(ctx context.Context, req DebtRequest) (*Plan, error) {
	var outstanding []datatypes.DebtRecord
	files := map[string]bool{}
	for _, d := range req.Debt {
		if d.Outstanding() {
			outstanding = append(outstanding, d)
			files[d.Path] = true
			files[d.ImporterFile] = true
		}
	}
	if len(outstanding) == 0 {
		return nil, ErrNoDebt
	}
	req.Debt = outstanding

	cl := datatypes.Classification{
		Intent:   datatypes.IntentArchitectureViolation,
		Reason:   fmt.Sprintf("%d placeholder modules awaiting implementation", len(outstanding)),
		Clusters: []datatypes.ClusterType{datatypes.ClusterImportResolution},
		Files:    sortedKeys(files),
	}
	cl.Modules = e.classifier.modules(cl.Files, nil)

	constraint := ConstraintFor(cl, e.layout)
	constraint.AllowedPrefixes = nil
	constraint.AllowList = cl.Files
	constraint.MaxFiles = len(cl.Files)
	constraint.Guidance = "Replace each placeholder module with a real implementation of the exports its importers use."

	b := &build{
		req:        Request{RunID: req.RunID, Goal: req.Goal, SessionID: req.SessionID, Attempt: req.Attempt, Origin: datatypes.OriginDebt},
		debt:       &req,
		cl:         cl,
		phase:      datatypes.PhaseDebtResolution,
		strategy:   datatypes.StrategyDebtResolution,
		constraint: constraint,
	}
	return e.dispatch(ctx, b)
}

// ReintegrationRequest asks for the second phase of an architecture
// reconstruction once its structural reset has committed.
type ReintegrationRequest struct {
	RunID string
	Goal  string
	Root  string

	// Reset is the last committed step of the structural reset.
	Reset datatypes.Step
}

// PlanReintegration builds the feature_reintegration phase that follows a
// committed structural reset. It reuses the reset's classification and
// session and is not subject to guardrail escalation.
func (e *Engine) PlanReintegration(ctx context.Context, req ReintegrationRequest) (*Plan, error) {
	env := req.Reset.Correction
	if env == nil || env.Phase != datatypes.PhaseStructuralReset {
		return nil, fmt.Errorf("step %s is not a structural reset", req.Reset.ID)
	}
	b := &build{
		req: Request{
			RunID:         req.RunID,
			Goal:          req.Goal,
			SessionID:     env.SessionID,
			Root:          req.Root,
			Report:        FailureReport{Root: req.Root, Validation: req.Reset.Validation},
			Attempt:       env.Attempt,
			AddressesStep: req.Reset.ID,
			PreviousPhase: env.Phase,
			Origin:        env.Origin,
		},
		cl:       env.Classification,
		phase:    datatypes.PhaseFeatureReintegration,
		strategy: datatypes.StrategyArchitectureReconstruction,
	}
	b.constraint = e.constraintFor(b)
	plan, err := e.dispatch(ctx, b)
	if err != nil {
		return nil, err
	}
	if req.Reset.Validation == nil {
		for i := range plan.Steps {
			plan.Steps[i].Correction.BlockingBefore = env.BlockingBefore
			plan.Steps[i].Correction.ClustersBefore = env.ClustersBefore
		}
	}
	return plan, nil
}

func (e *Engine) dispatch(ctx context.Context, b *build) (*Plan, error) {
	builder, ok := builders[b.phase]
	if !ok {
		return nil, fmt.Errorf("no builder for correction phase %q", b.phase)
	}
	steps, err := builder(e, ctx, b)
	if err != nil {
		return nil, err
	}

	env := datatypes.CorrectionEnvelope{
		Phase:          b.phase,
		Strategy:       b.strategy,
		Attempt:        b.req.Attempt,
		Classification: b.cl,
		Constraint:     b.constraint,
		AddressesStep:  b.req.AddressesStep,
		SessionID:      b.req.SessionID,
		Origin:         b.req.Origin,
	}
	if env.Origin == "" {
		env.Origin = datatypes.OriginLight
	}
	if b.recipe != nil {
		env.Recipe = strings.Join(b.recipe.Names, "+")
	}
	if v := b.req.Report.Validation; v != nil {
		env.BlockingBefore = v.BlockingCount
		env.ClustersBefore = v.Clusters()
	}

	mutating := false
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = "correction-" + uuid.NewString()
		}
		steps[i].Status = datatypes.StepPending
		envCopy := env
		steps[i].Correction = &envCopy
		mutating = mutating || steps[i].Mutates
	}
	if !mutating {
		return nil, fmt.Errorf("%w: phase %s", ErrNoMutation, b.phase)
	}

	plan := &Plan{
		Steps:          steps,
		Phase:          b.phase,
		Strategy:       b.strategy,
		Classification: b.cl,
		Constraint:     b.constraint,
	}
	if b.recipe != nil {
		plan.Debt = b.recipe.Debt
	}
	correctionsPlanned.WithLabelValues(string(b.phase), string(b.strategy), string(b.cl.Intent)).Inc()
	e.logger.Info("correction planned",
		slog.String("run_id", b.req.RunID),
		slog.String("phase", string(b.phase)),
		slog.String("strategy", string(b.strategy)),
		slog.String("intent", string(b.cl.Intent)),
		slog.Int("attempt", b.req.Attempt),
		slog.Int("steps", len(steps)),
	)
	return plan, nil
}

func (e *Engine) constraintFor(b *build) datatypes.CorrectionConstraint {
	c := ConstraintFor(b.cl, e.layout)
	switch b.phase {
	case datatypes.PhaseRecipe:
		total := 0
		for _, ch := range b.recipe.Changes {
			total += len(ch.Content)
		}
		c.AllowedPrefixes = nil
		c.AllowList = b.recipe.Paths()
		c.MaxFiles = len(c.AllowList)
		c.MaxDiffBytes = 2*total + 4096
		c.Guidance = "Deterministic import repair."
	case datatypes.PhaseMicroTargeted:
		c = narrowToFiles(c, b.cl.Files, e.guard.MicroTargetMaxFiles)
	case datatypes.PhaseStructuralReset, datatypes.PhaseFeatureReintegration:
		c = widenForReconstruction(c, b.phase)
	case datatypes.PhaseSingle, datatypes.PhaseDebtResolution, datatypes.PhaseRuntime:
	}
	return c
}

func (e *Engine) buildRecipe(_ context.Context, b *build) ([]datatypes.Step, error) {
	desc := make([]string, 0, len(b.recipe.Changes))
	for _, ch := range b.recipe.Changes {
		desc = append(desc, fmt.Sprintf("%s %s", ch.Op, ch.Path))
	}
	return []datatypes.Step{{
		ID:      "recipe-" + uuid.NewString(),
		Type:    datatypes.StepModify,
		Tool:    ToolApplyChanges,
		Mutates: true,
		Input: datatypes.ChangeSetInput{
			Description: strings.Join(b.recipe.Names, ", ") + ": " + strings.Join(desc, "; "),
			Changes:     b.recipe.Changes,
		},
	}}, nil
}

func (e *Engine) buildDelegated(ctx context.Context, b *build) ([]datatypes.Step, error) {
	profile := planner.CorrectionProfile{
		RunID:          b.req.RunID,
		Goal:           b.req.Goal,
		Phase:          b.phase,
		Strategy:       b.strategy,
		Attempt:        b.req.Attempt,
		Classification: b.cl,
		Constraint:     b.constraint,
	}
	if v := b.req.Report.Validation; v != nil {
		profile.Violations = v.Violations
		profile.FailedChecks = v.FailedChecks()
	}
	plan, err := e.planner.PlanCorrection(ctx, b.cl.Intent, summarize(b), profile)
	if err != nil {
		return nil, fmt.Errorf("planning %s correction: %w", b.phase, err)
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan.Steps, nil
}

func (e *Engine) buildDebt(ctx context.Context, b *build) ([]datatypes.Step, error) {
	plan, err := e.planner.PlanCorrection(ctx, b.cl.Intent, b.cl.Reason, planner.CorrectionProfile{
		RunID:          b.req.RunID,
		Goal:           b.req.Goal,
		Phase:          b.phase,
		Strategy:       b.strategy,
		Attempt:        b.req.Attempt,
		Classification: b.cl,
		Constraint:     b.constraint,
		Debt:           b.debt.Debt,
	})
	if err != nil {
		return nil, fmt.Errorf("planning debt resolution: %w", err)
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan.Steps, nil
}

func (e *Engine) buildRuntime(ctx context.Context, b *build) ([]datatypes.Step, error) {
	rt := b.runtime.Runtime
	logs := ""
	if rt != nil {
		logs = strings.TrimSpace(rt.Error + "\n" + rt.Logs)
	}
	plan, err := e.planner.PlanRuntimeCorrection(ctx, planner.RuntimeCorrectionRequest{
		RunID:        b.req.RunID,
		Goal:         b.req.Goal,
		FailedStepID: b.runtime.FailedStepID,
		Logs:         logs,
		Attempt:      b.req.Attempt,
		Constraint:   b.constraint,
		Runtime:      rt,
	})
	if err != nil {
		return nil, fmt.Errorf("planning runtime correction: %w", err)
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan.Steps, nil
}

// summarize renders the failure for the planner.
func summarize(b *build) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", b.cl.Intent, b.cl.Reason)
	v := b.req.Report.Validation
	if v == nil {
		if b.req.Report.Logs != "" {
			sb.WriteString(tail(b.req.Report.Logs, 2048))
		}
		return sb.String()
	}
	shown := 0
	for _, vi := range v.Violations {
		if !vi.Blocking() {
			continue
		}
		if shown == 10 {
			fmt.Fprintf(&sb, "... %d more blocking violations\n", v.BlockingCount-shown)
			break
		}
		fmt.Fprintf(&sb, "- [%s] %s:%d %s\n", vi.RuleID, vi.File, vi.Line, vi.Message)
		shown++
	}
	for _, c := range v.FailedChecks() {
		fmt.Fprintf(&sb, "check %s failed (exit %d):\n%s\n", c.Name, c.ExitCode, tail(c.Output, 1024))
	}
	return sb.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
