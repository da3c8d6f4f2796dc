// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel drives runs: the execution state machine, run locking,
// per-step commit and validation, correction splicing, resume and fork.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/correction"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/guardrail"
	"github.com/AleutianAI/forge/services/forge/planner"
	"github.com/AleutianAI/forge/services/forge/store"
	"github.com/AleutianAI/forge/services/forge/tools"
	"github.com/AleutianAI/forge/services/forge/validation"
	"github.com/AleutianAI/forge/services/forge/vcs"
)

// RunStore persists runs, steps, locks and placeholder debt.
// *store.Store implements it.
type RunStore interface {
	LockRefresher
	CreateRun(ctx context.Context, run *datatypes.Run) error
	SaveRun(ctx context.Context, run *datatypes.Run) error
	LoadRun(ctx context.Context, id string) (*datatypes.Run, error)
	PutStep(ctx context.Context, runID string, step datatypes.Step) error
	ReplaceSteps(ctx context.Context, runID string, steps []datatypes.Step) error
	AcquireLock(ctx context.Context, runID, owner string, ttl time.Duration) (store.Lock, error)
	ReleaseLock(ctx context.Context, runID, owner string) error
	RequestCancel(ctx context.Context, runID string) error
	PutDebt(ctx context.Context, d datatypes.DebtRecord) error
	ListDebt(ctx context.Context, runID string) ([]datatypes.DebtRecord, error)
	ResolveDebt(ctx context.Context, runID, path string) error
}

// EventLog is the correction telemetry log. *store.Telemetry implements it.
type EventLog interface {
	guardrail.EventSource
	Append(ctx context.Context, ev datatypes.LearningEvent) (datatypes.LearningEvent, error)
}

// Workspace is the version-control surface of the kernel.
// *vcs.Isolation implements it.
type Workspace interface {
	EnsureRunWorktree(ctx context.Context, req vcs.RunWorktreeRequest) (vcs.RunWorktree, error)
	IsWorktreeDirty(ctx context.Context, path string) (bool, error)
	ResetWorktreeToCommit(ctx context.Context, path, ref string) (string, error)
	CommitPaths(ctx context.Context, path string, paths []string, message string) (string, error)
	Head(ctx context.Context, path string) (string, error)
	IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error)
	WithIsolatedWorktree(ctx context.Context, ref string, fn func(ctx context.Context, dir string) error) error
}

// CancelSignal reports cancellation requested outside the run store.
// *store.CancelMarkers implements it.
type CancelSignal interface {
	Requested(runID string) (bool, error)
	Clear(runID string) error
}

// Validator runs light and heavy validation. *validation.Pipeline
// implements it.
type Validator interface {
	Light(ctx context.Context, root string) (*validation.LightReport, error)
	Heavy(ctx context.Context, iso validation.Isolator, ref string) (*validation.HeavyReport, error)
}

// Deps are the collaborators of a Kernel.
type Deps struct {
	Config    *config.Config
	Store     RunStore
	Events    EventLog
	Workspace Workspace
	Validator Validator
	Tools     tools.ToolExecutor
	Planner   planner.Planner

	// Cancels, when set, is polled between steps alongside the store's
	// cancel flag.
	Cancels CancelSignal

	// Corrector defaults to an engine over Planner with guardrail advice
	// read from Events.
	Corrector *correction.Engine

	// Owner identifies this worker in lock records. Default:
	// "<hostname>-<pid>-<random>".
	Owner string

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Kernel executes runs against one repository.
//
// # Thread Safety
//
// Safe for concurrent use across different runs. The run lock serializes
// workers sharing a store on the same run. A process that cannot open the
// store requests cancellation through Deps.Cancels.
type Kernel struct {
	cfg       *config.Config
	store     RunStore
	events    EventLog
	ws        Workspace
	validator Validator
	tools     tools.ToolExecutor
	planner   planner.Planner
	corrector *correction.Engine
	cancels   CancelSignal
	owner     string
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Kernel.
func New(d Deps) (*Kernel, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("config is required")
	case d.Store == nil:
		return nil, errors.New("store is required")
	case d.Events == nil:
		return nil, errors.New("event log is required")
	case d.Workspace == nil:
		return nil, errors.New("workspace is required")
	case d.Validator == nil:
		return nil, errors.New("validator is required")
	case d.Tools == nil:
		return nil, errors.New("tool executor is required")
	case d.Planner == nil:
		return nil, errors.New("planner is required")
	}
	k := &Kernel{
		cfg:       d.Config,
		store:     d.Store,
		events:    d.Events,
		ws:        d.Workspace,
		validator: d.Validator,
		tools:     d.Tools,
		planner:   d.Planner,
		corrector: d.Corrector,
		cancels:   d.Cancels,
		owner:     d.Owner,
		now:       d.Now,
		logger:    d.Logger,
	}
	if k.corrector == nil {
		advisor := guardrail.New(d.Config.Guardrail, d.Events)
		k.corrector = correction.New(d.Config.Architecture, d.Config.Guardrail, d.Planner, advisor)
	}
	if k.owner == "" {
		host, _ := os.Hostname()
		k.owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if k.now == nil {
		k.now = time.Now
	}
	if k.logger == nil {
		k.logger = slog.Default().With("component", "kernel")
	}
	return k, nil
}

// Owner returns the lock owner id of this kernel.
func (k *Kernel) Owner() string {
	return k.owner
}

// StartRequest describes a new run.
type StartRequest struct {
	// RunID defaults to a new UUID.
	RunID    string
	Goal     string
	RepoPath string

	// Execution overrides the configured execution policy.
	Execution *datatypes.ExecutionConfig

	// Plan skips the planner when set.
	Plan *datatypes.Plan
}

// Start plans, creates and executes a new run.
//
// # Description
//
// The plan comes from the request or the planner and is schema-validated.
// A run worktree is created on the reserved branch; its HEAD becomes the
// base, current and last valid commit. The run is persisted as queued and
// then driven to a terminal status.
//
// # Outputs
//
//   - *datatypes.Run: The run in its final state, when it was created.
//   - error: nil on completion; *RunError when the run failed;
//     ErrCancelled; or an infrastructure error.
func (k *Kernel) Start(ctx context.Context, req StartRequest) (*datatypes.Run, error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	logger := k.logger.With(slog.String("run_id", id))
	k.clearCancelMarker(id, logger)

	wt, err := k.ws.EnsureRunWorktree(ctx, vcs.RunWorktreeRequest{RunID: id})
	if err != nil {
		return nil, fmt.Errorf("preparing run worktree: %w", err)
	}

	plan := req.Plan
	if plan == nil {
		plan, err = k.planner.Plan(ctx, req.Goal, planner.PlanContext{
			RepoPath:     req.RepoPath,
			WorktreePath: wt.Path,
			BaseCommit:   wt.Head,
		}, k.memory(ctx))
		if err != nil {
			return nil, fmt.Errorf("planning run: %w", err)
		}
	}
	if err := planner.ValidatePlan(plan); err != nil {
		return nil, err
	}
	if len(plan.Steps) == 0 {
		return nil, ErrEmptyPlan
	}

	exec := k.cfg.Execution
	if req.Execution != nil {
		exec = *req.Execution
	}
	now := k.now()
	run := &datatypes.Run{
		ID:              id,
		Goal:            req.Goal,
		RepoPath:        req.RepoPath,
		WorktreePath:    wt.Path,
		Branch:          wt.Branch,
		Steps:           normalizeSteps(plan.Steps),
		Status:          datatypes.RunQueued,
		BaseCommit:      wt.Head,
		CurrentCommit:   wt.Head,
		LastValidCommit: wt.Head,
		Config:          exec,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := k.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if err := k.store.ReplaceSteps(ctx, run.ID, run.Steps); err != nil {
		return nil, fmt.Errorf("persisting plan: %w", err)
	}
	logger.Info("run created",
		slog.String("goal", req.Goal),
		slog.Int("steps", len(run.Steps)),
		slog.String("base_commit", wt.Head),
	)
	return k.execute(ctx, run.ID)
}

// Resume re-enters a non-terminal run.
//
// # Description
//
// Persisted steps are merged by index so a step written after the last
// run save is neither lost nor repeated. The commit of the newest
// succeeded step becomes the current commit when it descends from the
// recorded one; otherwise that step is re-queued. A worktree that is
// dirty or whose HEAD differs from the current commit is reset to it, and
// steps interrupted while running are re-queued.
func (k *Kernel) Resume(ctx context.Context, runID string) (*datatypes.Run, error) {
	run, err := k.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return run, fmt.Errorf("%w: %s is %s", ErrTerminal, run.ID, run.Status)
	}
	return k.execute(ctx, runID)
}

// ForkRequest names the run and committed step a fork starts from.
type ForkRequest struct {
	RunID     string
	StepIndex int

	// NewRunID defaults to a new UUID.
	NewRunID string
}

// Fork starts a new run rooted at the commit of a committed step and
// continues from the step after it.
//
// # Outputs
//
//   - *datatypes.Run: The forked run in its final state.
//   - error: ErrStepNotCommitted when the step has no commit; otherwise
//     as for Start.
func (k *Kernel) Fork(ctx context.Context, req ForkRequest) (*datatypes.Run, error) {
	src, err := k.store.LoadRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if req.StepIndex < 0 || req.StepIndex >= len(src.Steps) {
		return nil, fmt.Errorf("fork step %d out of range (run has %d steps)", req.StepIndex, len(src.Steps))
	}
	commit := committedSHA(src.Steps[req.StepIndex])
	if commit == "" {
		return nil, fmt.Errorf("%w: run %s step %d", ErrStepNotCommitted, src.ID, req.StepIndex)
	}

	id := req.NewRunID
	if id == "" {
		id = uuid.NewString()
	}
	wt, err := k.ws.EnsureRunWorktree(ctx, vcs.RunWorktreeRequest{RunID: id, BaseCommit: commit})
	if err != nil {
		return nil, fmt.Errorf("preparing fork worktree: %w", err)
	}

	steps := make([]datatypes.Step, len(src.Steps))
	copy(steps, src.Steps)
	for i := req.StepIndex + 1; i < len(steps); i++ {
		steps[i] = resetStep(steps[i])
	}
	now := k.now()
	run := &datatypes.Run{
		ID:               id,
		Goal:             src.Goal,
		RepoPath:         src.RepoPath,
		WorktreePath:     wt.Path,
		Branch:           wt.Branch,
		Steps:            normalizeSteps(steps),
		Status:           datatypes.RunQueued,
		CurrentStepIndex: req.StepIndex + 1,
		BaseCommit:       commit,
		CurrentCommit:    commit,
		LastValidCommit:  commit,
		Config:           src.Config,
		ForkedFrom:       &datatypes.ForkOrigin{RunID: src.ID, StepIndex: req.StepIndex, Commit: commit},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := k.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating fork: %w", err)
	}
	if err := k.store.ReplaceSteps(ctx, run.ID, run.Steps); err != nil {
		return nil, fmt.Errorf("persisting fork plan: %w", err)
	}
	k.logger.Info("run forked",
		slog.String("run_id", id),
		slog.String("from_run", src.ID),
		slog.Int("from_step", req.StepIndex),
		slog.String("commit", commit),
	)
	return k.execute(ctx, run.ID)
}

// Cancel requests cancellation of a run.
//
// # Description
//
// The flag is persisted and observed by the owning loop at its next lock
// refresh. When no worker holds the run, it is cancelled immediately.
//
// # Outputs
//
//   - bool: true when the run was cancelled directly.
//   - error: store.ErrNotFound, or store failures.
func (k *Kernel) Cancel(ctx context.Context, runID string) (bool, error) {
	if err := k.store.RequestCancel(ctx, runID); err != nil {
		return false, err
	}
	if _, err := k.store.AcquireLock(ctx, runID, k.owner, k.cfg.Lock.TTL); err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return false, nil
		}
		return false, err
	}
	defer k.releaseLock(ctx, runID)

	run, err := k.store.LoadRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() {
		return false, nil
	}
	if run.Status == datatypes.RunQueued {
		if err := run.Transition(datatypes.RunRunning, k.now()); err != nil {
			return false, err
		}
	}
	if err := run.Transition(datatypes.RunCancelled, k.now()); err != nil {
		return false, err
	}
	runsFinished.WithLabelValues(string(run.Status), "").Inc()
	if err := k.store.SaveRun(ctx, run); err != nil {
		return false, err
	}
	k.clearCancelMarker(runID, k.logger.With(slog.String("run_id", runID)))
	return true, nil
}

// clearCancelMarker drops an out-of-store cancel request for runID.
func (k *Kernel) clearCancelMarker(runID string, logger *slog.Logger) {
	if k.cancels == nil {
		return
	}
	if err := k.cancels.Clear(runID); err != nil {
		logger.Warn("clearing cancel marker", slog.String("error", err.Error()))
	}
}

// ValidateRequest selects what ValidateOnly checks.
type ValidateRequest struct {
	// Root is the working tree for light validation.
	Root string

	// HeavyRef, when set, also runs heavy validation of that commit in an
	// isolated worktree.
	HeavyRef string
}

// ValidationReport is the outcome of ValidateOnly.
type ValidationReport struct {
	Light *datatypes.ValidationResult
	Heavy *datatypes.ValidationResult
}

// Ok reports whether every requested tier passed.
func (r *ValidationReport) Ok() bool {
	return r.Light != nil && r.Light.OK && (r.Heavy == nil || r.Heavy.OK)
}

// ValidateOnly runs validation without a run.
func (k *Kernel) ValidateOnly(ctx context.Context, req ValidateRequest) (*ValidationReport, error) {
	light, err := k.validator.Light(ctx, req.Root)
	if err != nil {
		return nil, err
	}
	report := &ValidationReport{Light: light.Result}
	if req.HeavyRef != "" {
		heavy, err := k.validator.Heavy(ctx, k.ws, req.HeavyRef)
		if err != nil {
			return report, err
		}
		report.Heavy = heavy.Result
	}
	return report, nil
}

func (k *Kernel) memory(ctx context.Context) planner.Memory {
	events, err := k.events.RecentEvents(ctx, guardrail.Query{Limit: k.cfg.Guardrail.StallWindow})
	if err != nil {
		k.logger.Warn("reading planner memory", slog.String("error", err.Error()))
		return planner.Memory{}
	}
	return planner.Memory{Events: events}
}

// normalizeSteps renumbers steps and defaults their status to pending.
func normalizeSteps(steps []datatypes.Step) []datatypes.Step {
	out := make([]datatypes.Step, len(steps))
	for i, s := range steps {
		s.Index = i
		if s.Status == "" {
			s.Status = datatypes.StepPending
		}
		out[i] = s
	}
	return out
}

// resetStep clears execution results so the step runs again.
func resetStep(s datatypes.Step) datatypes.Step {
	s.Status = datatypes.StepPending
	s.Output = nil
	s.Runtime = nil
	s.Validation = nil
	s.Error = ""
	s.StartedAt = nil
	s.FinishedAt = nil
	return s
}

// committedSHA returns the commit a succeeded mutating step produced.
func committedSHA(s datatypes.Step) string {
	if s.Status != datatypes.StepSucceeded {
		return ""
	}
	if out, ok := s.Output.(datatypes.ChangeSetOutput); ok {
		return out.CommitSHA
	}
	return ""
}
