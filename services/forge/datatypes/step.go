// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepType is the coarse kind of work a step performs.
type StepType string

const (
	StepAnalyze StepType = "analyze"
	StepModify  StepType = "modify"
	StepVerify  StepType = "verify"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one unit of plan execution.
type Step struct {
	ID      string     `json:"id" yaml:"id" validate:"required"`
	Index   int        `json:"index" yaml:"-"`
	Type    StepType   `json:"type" yaml:"type" validate:"required,oneof=analyze modify verify"`
	Tool    string     `json:"tool" yaml:"tool" validate:"required"`
	Mutates bool       `json:"mutates" yaml:"mutates"`
	Status  StepStatus `json:"status" yaml:"-"`

	Input  StepInput  `json:"-" yaml:"-"`
	Output StepOutput `json:"-" yaml:"-"`

	Runtime    *RuntimeResult      `json:"runtime,omitempty" yaml:"-"`
	Validation *ValidationResult   `json:"validation,omitempty" yaml:"-"`
	Correction *CorrectionEnvelope `json:"correction,omitempty" yaml:"-"`

	Error      string     `json:"error,omitempty" yaml:"-"`
	StartedAt  *time.Time `json:"started_at,omitempty" yaml:"-"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"-"`
}

// IsCorrection reports whether the step was generated by the correction engine.
func (s *Step) IsCorrection() bool {
	return s.Correction != nil
}

// IsRuntimeVerification reports whether the step probes the running application.
func (s *Step) IsRuntimeVerification() bool {
	_, ok := s.Input.(RuntimeCheckInput)
	return ok
}

// stepJSON is the wire form of Step with the tagged payloads inlined.
type stepJSON struct {
	stepAlias
	Input  *Envelope `json:"input,omitempty"`
	Output *Envelope `json:"output,omitempty"`
}

type stepAlias Step

// MarshalJSON encodes the step with its payloads in envelope form.
func (s Step) MarshalJSON() ([]byte, error) {
	wire := stepJSON{stepAlias: stepAlias(s)}
	if s.Input != nil {
		env, err := encodePayload(string(s.Input.InputKind()), s.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding step input: %w", err)
		}
		wire.Input = env
	}
	if s.Output != nil {
		env, err := encodePayload(string(s.Output.OutputKind()), s.Output)
		if err != nil {
			return nil, fmt.Errorf("encoding step output: %w", err)
		}
		wire.Output = env
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes a step, rejecting unknown payload kinds.
func (s *Step) UnmarshalJSON(data []byte) error {
	var wire stepJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*s = Step(wire.stepAlias)
	if wire.Input != nil {
		in, err := DecodeInput(*wire.Input)
		if err != nil {
			return err
		}
		s.Input = in
	}
	if wire.Output != nil {
		out, err := DecodeOutput(*wire.Output)
		if err != nil {
			return err
		}
		s.Output = out
	}
	return nil
}

// RuntimeResult is the outcome of a boot/health probe.
type RuntimeResult struct {
	Booted     bool          `json:"booted"`
	Healthy    bool          `json:"healthy"`
	Port       int           `json:"port,omitempty"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Logs       string        `json:"logs,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	TimedOut   bool          `json:"timed_out"`
	Signature  string        `json:"signature,omitempty"`
	HealthPath string        `json:"health_path,omitempty"`
}

// Ok reports whether the application booted and answered its probe.
func (r *RuntimeResult) Ok() bool {
	return r != nil && r.Booted && r.Healthy
}

// ToolResult is what a ToolExecutor returns for one step.
type ToolResult struct {
	Status          StepStatus           `json:"status"`
	Output          StepOutput           `json:"-"`
	ProposedChanges []ProposedFileChange `json:"proposed_changes,omitempty"`
	Runtime         *RuntimeResult       `json:"runtime,omitempty"`
	Error           string               `json:"error,omitempty"`
	StartedAt       time.Time            `json:"started_at"`
	FinishedAt      time.Time            `json:"finished_at"`
}

// Plan is an ordered list of steps returned by a planner.
type Plan struct {
	Steps []Step `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}
