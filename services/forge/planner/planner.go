// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner defines the planning contract consumed by the kernel and
// the correction engine, and ships a plan-file implementation.
package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

var (
	// ErrInvalidPlan is returned when a plan does not match the step schema.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrNoCorrectionPlan is returned when the planner has no correction
	// for the request.
	ErrNoCorrectionPlan = errors.New("no correction plan available")
)

// PlanContext describes the repository the plan will run against.
type PlanContext struct {
	RepoPath     string
	WorktreePath string
	BaseCommit   string
	Validation   *datatypes.ValidationResult
}

// Memory carries prior outcomes the planner may learn from.
type Memory struct {
	Events []datatypes.LearningEvent
}

// CorrectionProfile scopes a delegated correction.
type CorrectionProfile struct {
	RunID          string
	Goal           string
	Phase          datatypes.Phase
	Strategy       datatypes.Strategy
	Attempt        int
	Classification datatypes.Classification
	Constraint     datatypes.CorrectionConstraint
	Violations     []datatypes.Violation
	FailedChecks   []datatypes.CheckResult
	Debt           []datatypes.DebtRecord
}

// RuntimeCorrectionRequest asks for a fix to a failed runtime verification.
type RuntimeCorrectionRequest struct {
	RunID        string
	Goal         string
	FailedStepID string
	Logs         string
	Attempt      int
	Constraint   datatypes.CorrectionConstraint
	Runtime      *datatypes.RuntimeResult
}

// Planner produces plans. Implementations may call out to a model; the
// kernel only sees validated plans.
type Planner interface {
	Plan(ctx context.Context, goal string, pc PlanContext, memory Memory) (*datatypes.Plan, error)
	PlanCorrection(ctx context.Context, intent datatypes.Intent, summary string, profile CorrectionProfile) (*datatypes.Plan, error)
	PlanRuntimeCorrection(ctx context.Context, req RuntimeCorrectionRequest) (*datatypes.Plan, error)
}

var validate = validator.New()

// ValidatePlan checks a plan against the step schema.
//
// # Description
//
// Struct tags cover ids, types and tools. In addition every step must
// carry an input payload, step ids must be unique, and mutating steps must
// be modify steps.
//
// # Outputs
//
//   - error: ErrInvalidPlan (wrapped) describing the first problem.
func ValidatePlan(p *datatypes.Plan) error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID)
		}
		seen[s.ID] = true
		if s.Input == nil {
			return fmt.Errorf("%w: step %d (%s) has no input", ErrInvalidPlan, i, s.ID)
		}
		if s.Mutates && s.Type != datatypes.StepModify {
			return fmt.Errorf("%w: step %s mutates but has type %s", ErrInvalidPlan, s.ID, s.Type)
		}
		if cs, ok := s.Input.(datatypes.ChangeSetInput); ok {
			for _, c := range cs.Changes {
				if err := validate.Struct(c); err != nil {
					return fmt.Errorf("%w: step %s change %s: %v", ErrInvalidPlan, s.ID, c.Path, err)
				}
			}
		}
	}
	return nil
}
