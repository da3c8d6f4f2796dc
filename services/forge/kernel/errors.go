// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

var (
	// ErrCancelled is returned when a run ends because cancellation was
	// requested.
	ErrCancelled = errors.New("run cancelled")

	// ErrTerminal is returned when resuming a run that already finished.
	ErrTerminal = errors.New("run already terminal")

	// ErrStepNotCommitted is returned when forking from a step that has no
	// commit.
	ErrStepNotCommitted = errors.New("step has no commit to fork from")

	// ErrEmptyPlan is returned when the planner produced no steps.
	ErrEmptyPlan = errors.New("plan has no steps")
)

// RunError is returned when a run terminates as failed. Detail is the same
// record persisted on the run.
type RunError struct {
	RunID  string
	Detail datatypes.FailureDetail
	Err    error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("run %s failed (%s) at step %d", e.RunID, e.Detail.Category, e.Detail.StepIndex)
	if e.Detail.StepID != "" {
		msg += " [" + e.Detail.StepID + "]"
	}
	msg += ": " + e.Detail.Message
	if e.Detail.RolledBack {
		msg += " (rolled back to " + short(e.Detail.RollbackTo) + ")"
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// Category returns the failure category.
func (e *RunError) Category() datatypes.FailureCategory {
	return e.Detail.Category
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
