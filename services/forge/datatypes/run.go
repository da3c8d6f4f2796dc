// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records shared by every forge component:
// runs, steps, their tagged payloads, validation results, correction
// constraints and the learning telemetry consumed by the guardrails.
package datatypes

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus is the state of a run in the execution state machine.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunRunning    RunStatus = "running"
	RunCorrecting RunStatus = "correcting"
	RunOptimizing RunStatus = "optimizing"
	RunValidating RunStatus = "validating"
	RunComplete   RunStatus = "complete"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// ErrIllegalTransition is returned when a status change is not a documented edge.
var ErrIllegalTransition = errors.New("illegal run status transition")

// runEdges is the complete set of legal status transitions.
var runEdges = map[RunStatus]map[RunStatus]bool{
	RunQueued: {RunRunning: true},
	RunRunning: {
		RunCorrecting: true,
		RunOptimizing: true,
		RunValidating: true,
		RunComplete:   true,
		RunFailed:     true,
		RunCancelled:  true,
	},
	RunCorrecting: {RunRunning: true, RunComplete: true, RunFailed: true, RunCancelled: true},
	RunOptimizing: {RunRunning: true, RunComplete: true, RunFailed: true, RunCancelled: true},
	RunValidating: {RunRunning: true, RunComplete: true, RunFailed: true, RunCancelled: true},
}

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to RunStatus) bool {
	return runEdges[from][to]
}

// ValidationMode controls how a validation tier affects the run.
type ValidationMode string

const (
	ModeOff     ValidationMode = "off"
	ModeWarn    ValidationMode = "warn"
	ModeEnforce ValidationMode = "enforce"
)

// ExecutionConfig is the per-run execution policy, captured when the run is
// created so that resumed and forked runs behave like the original.
type ExecutionConfig struct {
	LightValidation              ValidationMode `json:"light_validation" yaml:"light_validation" validate:"omitempty,oneof=off warn enforce"`
	HeavyValidation              ValidationMode `json:"heavy_validation" yaml:"heavy_validation" validate:"omitempty,oneof=off warn enforce"`
	Convergence                  ValidationMode `json:"convergence" yaml:"convergence" validate:"omitempty,oneof=off warn enforce"`
	MaxRuntimeCorrectionAttempts int            `json:"max_runtime_correction_attempts" yaml:"max_runtime_correction_attempts" validate:"gte=0"`
	MaxHeavyCorrectionAttempts   int            `json:"max_heavy_correction_attempts" yaml:"max_heavy_correction_attempts" validate:"gte=0"`
	MaxValidationCorrections     int            `json:"max_validation_corrections" yaml:"max_validation_corrections" validate:"gte=0"`
	MaxSteps                     int            `json:"max_steps" yaml:"max_steps" validate:"gte=0"`
}

// ForkOrigin records which run and step a forked run was rooted at.
type ForkOrigin struct {
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Commit    string `json:"commit"`
}

// FailureCategory classifies the fatal path that terminated a run.
type FailureCategory string

const (
	FailureTransaction      FailureCategory = "transaction"
	FailureInvariant        FailureCategory = "invariant"
	FailureValidation       FailureCategory = "validation"
	FailureRuntime          FailureCategory = "runtime"
	FailureCorrectionPolicy FailureCategory = "correction_policy"
	FailureConvergence      FailureCategory = "convergence"
	FailurePlanner          FailureCategory = "planner"
	FailureTool             FailureCategory = "tool"
	FailureLock             FailureCategory = "lock"
	FailureCancelled        FailureCategory = "cancelled"
)

// FailureDetail is the structured record written before a run terminates.
type FailureDetail struct {
	Category   FailureCategory `json:"category"`
	Message    string          `json:"message"`
	StepID     string          `json:"step_id,omitempty"`
	StepIndex  int             `json:"step_index"`
	RolledBack bool            `json:"rolled_back"`
	RollbackTo string          `json:"rollback_to,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
}

// Run is one end-to-end execution of a goal-driven plan.
type Run struct {
	ID           string `json:"id"`
	Goal         string `json:"goal"`
	RepoPath     string `json:"repo_path"`
	WorktreePath string `json:"worktree_path"`
	Branch       string `json:"branch"`

	Steps            []Step    `json:"steps"`
	Status           RunStatus `json:"status"`
	CurrentStepIndex int       `json:"current_step_index"`

	RuntimeCorrectionAttempts    int `json:"runtime_correction_attempts"`
	HeavyCorrectionAttempts      int `json:"heavy_correction_attempts"`
	ValidationCorrectionAttempts int `json:"validation_correction_attempts"`

	BaseCommit      string `json:"base_commit"`
	CurrentCommit   string `json:"current_commit"`
	LastValidCommit string `json:"last_valid_commit"`

	LockOwner string     `json:"lock_owner,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`

	Config          ExecutionConfig `json:"config"`
	ForkedFrom      *ForkOrigin     `json:"forked_from,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`

	// RuntimeSignatures holds normalized runtime-failure signatures in the
	// order they were observed.
	RuntimeSignatures []string `json:"runtime_signatures,omitempty"`

	// HeavyBlockingHistory holds the heavy-validation blocking count of each
	// failed heavy pass, oldest first.
	HeavyBlockingHistory []int `json:"heavy_blocking_history,omitempty"`

	Failure    *FailureDetail `json:"failure,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Transition moves the run to the given status.
//
// # Description
//
// Only documented edges are accepted. A terminal status is entered exactly
// once: any attempt to leave it returns ErrIllegalTransition.
//
// # Inputs
//
//   - to: Target status.
//   - now: Timestamp recorded as UpdatedAt, and FinishedAt for terminal states.
//
// # Outputs
//
//   - error: ErrIllegalTransition (wrapped) when the edge does not exist.
func (r *Run) Transition(to RunStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	if to.IsTerminal() {
		finished := now
		r.FinishedAt = &finished
	}
	return nil
}

// CurrentStep returns the step at CurrentStepIndex, or nil past the end.
func (r *Run) CurrentStep() *Step {
	if r.CurrentStepIndex < 0 || r.CurrentStepIndex >= len(r.Steps) {
		return nil
	}
	return &r.Steps[r.CurrentStepIndex]
}

// IsFinalStep reports whether index is the last step of the plan.
func (r *Run) IsFinalStep(index int) bool {
	return index == len(r.Steps)-1
}

// SpliceAfter inserts steps immediately after index and renumbers every
// following step so that Index always equals the slice position.
func (r *Run) SpliceAfter(index int, steps ...Step) {
	if len(steps) == 0 {
		return
	}
	if index < -1 || index >= len(r.Steps) {
		index = len(r.Steps) - 1
	}
	tail := append([]Step(nil), r.Steps[index+1:]...)
	r.Steps = append(r.Steps[:index+1], steps...)
	r.Steps = append(r.Steps, tail...)
	for i := range r.Steps {
		r.Steps[i].Index = i
	}
}

// Ok reports whether the run finished successfully.
func (r *Run) Ok() bool {
	return r.Status == RunComplete
}
