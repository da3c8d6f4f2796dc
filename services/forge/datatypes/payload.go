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
	"errors"
	"fmt"
	"time"
)

// ErrUnknownPayloadKind is returned when an envelope names no known variant.
var ErrUnknownPayloadKind = errors.New("unknown payload kind")

// InputKind tags a StepInput variant.
type InputKind string

const (
	InputAnalyze      InputKind = "analyze"
	InputChangeSet    InputKind = "change_set"
	InputCommand      InputKind = "command"
	InputRuntimeCheck InputKind = "runtime_check"
)

// OutputKind tags a StepOutput variant.
type OutputKind string

const (
	OutputAnalysis  OutputKind = "analysis"
	OutputChangeSet OutputKind = "change_set"
	OutputCommand   OutputKind = "command"
	OutputRuntime   OutputKind = "runtime"
)

// StepInput is the closed set of step input payloads. Consumers switch on
// the concrete type; the unexported marker keeps the set closed.
type StepInput interface {
	InputKind() InputKind
	isStepInput()
}

// StepOutput is the closed set of step output payloads.
type StepOutput interface {
	OutputKind() OutputKind
	isStepOutput()
}

// Envelope is the persisted form of a tagged payload.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// AnalyzeInput asks a tool to inspect the working tree.
type AnalyzeInput struct {
	Query string   `json:"query" yaml:"query"`
	Paths []string `json:"paths,omitempty" yaml:"paths"`
}

// ChangeSetInput carries file changes for a mutating tool.
type ChangeSetInput struct {
	Description string               `json:"description,omitempty" yaml:"description"`
	Changes     []ProposedFileChange `json:"changes" yaml:"changes"`
}

// CommandInput runs a command inside the run worktree.
type CommandInput struct {
	Command []string      `json:"command" yaml:"command"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Env     []string      `json:"env,omitempty" yaml:"env"`
}

// RuntimeCheckInput boots the application and probes it.
type RuntimeCheckInput struct {
	Command    []string      `json:"command" yaml:"command"`
	HealthPath string        `json:"health_path,omitempty" yaml:"health_path"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout"`
}

func (AnalyzeInput) InputKind() InputKind      { return InputAnalyze }
func (ChangeSetInput) InputKind() InputKind    { return InputChangeSet }
func (CommandInput) InputKind() InputKind      { return InputCommand }
func (RuntimeCheckInput) InputKind() InputKind { return InputRuntimeCheck }

func (AnalyzeInput) isStepInput()      {}
func (ChangeSetInput) isStepInput()    {}
func (CommandInput) isStepInput()      {}
func (RuntimeCheckInput) isStepInput() {}

// AnalysisOutput is the result of an analyze step.
type AnalysisOutput struct {
	Summary    string            `json:"summary"`
	Validation *ValidationResult `json:"validation,omitempty"`
}

// ChangeSetOutput is the committed result of a mutating step.
type ChangeSetOutput struct {
	Summary   string       `json:"summary,omitempty"`
	Diffs     []StagedDiff `json:"diffs"`
	CommitSHA string       `json:"commit_sha,omitempty"`
}

// CommandOutput is the captured result of a command step.
type CommandOutput struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// RuntimeOutput wraps the probe result of a runtime-verification step.
type RuntimeOutput struct {
	Result RuntimeResult `json:"result"`
}

func (AnalysisOutput) OutputKind() OutputKind  { return OutputAnalysis }
func (ChangeSetOutput) OutputKind() OutputKind { return OutputChangeSet }
func (CommandOutput) OutputKind() OutputKind   { return OutputCommand }
func (RuntimeOutput) OutputKind() OutputKind   { return OutputRuntime }

func (AnalysisOutput) isStepOutput()  {}
func (ChangeSetOutput) isStepOutput() {}
func (CommandOutput) isStepOutput()   {}
func (RuntimeOutput) isStepOutput()   {}

func encodePayload(kind string, v any) (*Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: kind, Data: data}, nil
}

// DecodeInput decodes an input envelope into its concrete variant.
func DecodeInput(env Envelope) (StepInput, error) {
	switch InputKind(env.Kind) {
	case InputAnalyze:
		var v AnalyzeInput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s input: %w", env.Kind, err)
		}
		return v, nil
	case InputChangeSet:
		var v ChangeSetInput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s input: %w", env.Kind, err)
		}
		return v, nil
	case InputCommand:
		var v CommandInput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s input: %w", env.Kind, err)
		}
		return v, nil
	case InputRuntimeCheck:
		var v RuntimeCheckInput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s input: %w", env.Kind, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: input %q", ErrUnknownPayloadKind, env.Kind)
	}
}

// DecodeOutput decodes an output envelope into its concrete variant.
func DecodeOutput(env Envelope) (StepOutput, error) {
	switch OutputKind(env.Kind) {
	case OutputAnalysis:
		var v AnalysisOutput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s output: %w", env.Kind, err)
		}
		return v, nil
	case OutputChangeSet:
		var v ChangeSetOutput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s output: %w", env.Kind, err)
		}
		return v, nil
	case OutputCommand:
		var v CommandOutput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s output: %w", env.Kind, err)
		}
		return v, nil
	case OutputRuntime:
		var v RuntimeOutput
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, fmt.Errorf("decoding %s output: %w", env.Kind, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: output %q", ErrUnknownPayloadKind, env.Kind)
	}
}
