// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/validation"
)

// Built-in tool names.
const (
	NameApplyChanges  = "apply_changes"
	NameRunCommand    = "run_command"
	NameRuntimeVerify = "runtime_verify"
	NameAnalyze       = "analyze"
)

// CommandRunner runs a subprocess to completion. *validation.Runner
// satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, spec validation.CommandSpec) (validation.CommandResult, error)
}

// RuntimeProber boots the application and probes it. *validation.Prober
// satisfies it.
type RuntimeProber interface {
	Probe(ctx context.Context, spec validation.ProbeSpec) *datatypes.RuntimeResult
}

// LightValidator validates a working tree. *validation.Pipeline satisfies it.
type LightValidator interface {
	RunLight(ctx context.Context, root string) (*datatypes.ValidationResult, error)
}

// NewBuiltin returns a registry holding the four built-in tools wired to
// the validation pipeline.
func NewBuiltin(p *validation.Pipeline, heavy config.HeavyConfig) *Registry {
	r := NewRegistry()
	r.Register(ApplyChanges{})
	r.Register(&RunCommand{Runner: p.Runner(), DefaultTimeout: heavy.CommandTimeout})
	r.Register(&RuntimeVerify{
		Prober:         p.Prober(),
		DefaultCommand: heavy.BootCommand,
		DefaultHealth:  heavy.BootHealthPath,
		DefaultTimeout: heavy.BootTimeout,
	})
	r.Register(&Analyze{Validator: p})
	return r
}

// ApplyChanges proposes the change set carried by the step. The kernel
// stages, validates and commits the proposal through a file session.
type ApplyChanges struct{}

func (ApplyChanges) Name() string                 { return NameApplyChanges }
func (ApplyChanges) Accepts() datatypes.InputKind { return datatypes.InputChangeSet }

// Execute returns the step's changes as proposed changes.
func (ApplyChanges) Execute(_ context.Context, step datatypes.Step, _ ExecContext) (datatypes.ToolResult, error) {
	in := step.Input.(datatypes.ChangeSetInput)
	if len(in.Changes) == 0 {
		return datatypes.ToolResult{Status: datatypes.StepFailed, Error: "change set is empty"}, nil
	}
	changes := make([]datatypes.ProposedFileChange, len(in.Changes))
	copy(changes, in.Changes)
	return datatypes.ToolResult{
		Status:          datatypes.StepSucceeded,
		Output:          datatypes.ChangeSetOutput{Summary: in.Description},
		ProposedChanges: changes,
	}, nil
}

// RunCommand runs a command in the run worktree.
type RunCommand struct {
	Runner         CommandRunner
	DefaultTimeout time.Duration
}

func (*RunCommand) Name() string                 { return NameRunCommand }
func (*RunCommand) Accepts() datatypes.InputKind { return datatypes.InputCommand }

// Execute runs the command. A non-zero exit, timeout or start failure
// fails the step.
func (t *RunCommand) Execute(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error) {
	in := step.Input.(datatypes.CommandInput)
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = t.DefaultTimeout
	}
	res, err := t.Runner.Run(ctx, validation.CommandSpec{
		Dir:     ec.Worktree,
		Argv:    in.Command,
		Env:     in.Env,
		Timeout: timeout,
	})
	out := datatypes.CommandOutput{ExitCode: res.ExitCode, Output: res.Output}
	switch {
	case err != nil:
		return datatypes.ToolResult{Status: datatypes.StepFailed, Output: out, Error: err.Error()}, nil
	case res.TimedOut:
		return datatypes.ToolResult{Status: datatypes.StepFailed, Output: out, Error: fmt.Sprintf("timed out after %s", timeout)}, nil
	case res.Canceled:
		return datatypes.ToolResult{Status: datatypes.StepFailed, Output: out, Error: "canceled"}, nil
	case res.ExitCode != 0:
		return datatypes.ToolResult{Status: datatypes.StepFailed, Output: out, Error: fmt.Sprintf("exit code %d", res.ExitCode)}, nil
	}
	return datatypes.ToolResult{Status: datatypes.StepSucceeded, Output: out}, nil
}

// RuntimeVerify boots the application from the run worktree and probes it.
type RuntimeVerify struct {
	Prober         RuntimeProber
	DefaultCommand []string
	DefaultHealth  string
	DefaultTimeout time.Duration
}

func (*RuntimeVerify) Name() string                 { return NameRuntimeVerify }
func (*RuntimeVerify) Accepts() datatypes.InputKind { return datatypes.InputRuntimeCheck }

// Execute probes the application. An unbooted or unhealthy application
// fails the step; the runtime result is always attached.
func (t *RuntimeVerify) Execute(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error) {
	in := step.Input.(datatypes.RuntimeCheckInput)
	spec := validation.ProbeSpec{
		Dir:        ec.Worktree,
		Command:    in.Command,
		HealthPath: in.HealthPath,
		Timeout:    in.Timeout,
		Env:        []string{"NODE_ENV=development"},
	}
	if len(spec.Command) == 0 {
		spec.Command = t.DefaultCommand
	}
	if spec.HealthPath == "" {
		spec.HealthPath = t.DefaultHealth
	}
	if spec.Timeout <= 0 {
		spec.Timeout = t.DefaultTimeout
	}
	if len(spec.Command) == 0 {
		return datatypes.ToolResult{Status: datatypes.StepFailed, Error: "no boot command configured"}, nil
	}

	rt := t.Prober.Probe(ctx, spec)
	res := datatypes.ToolResult{
		Status:  datatypes.StepSucceeded,
		Output:  datatypes.RuntimeOutput{Result: *rt},
		Runtime: rt,
	}
	if !rt.Ok() {
		res.Status = datatypes.StepFailed
		res.Error = rt.Error
		if res.Error == "" {
			res.Error = "application did not become healthy"
		}
	}
	return res, nil
}

// Analyze runs light validation over the worktree and reports it. It
// never fails the step; findings are informational.
type Analyze struct {
	Validator LightValidator
}

func (*Analyze) Name() string                 { return NameAnalyze }
func (*Analyze) Accepts() datatypes.InputKind { return datatypes.InputAnalyze }

// Execute validates the worktree, keeping only violations under the
// requested paths when any are given.
func (t *Analyze) Execute(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error) {
	in := step.Input.(datatypes.AnalyzeInput)
	result, err := t.Validator.RunLight(ctx, ec.Worktree)
	if err != nil {
		return datatypes.ToolResult{}, err
	}
	if len(in.Paths) > 0 {
		kept := make([]datatypes.Violation, 0, len(result.Violations))
		for _, v := range result.Violations {
			if underAny(v.File, in.Paths) {
				kept = append(kept, v)
			}
		}
		result = datatypes.NewValidationResult(kept)
	}
	summary := fmt.Sprintf("%d blocking, %d warnings", result.BlockingCount, result.WarningCount)
	if in.Query != "" {
		summary = in.Query + ": " + summary
	}
	return datatypes.ToolResult{
		Status: datatypes.StepSucceeded,
		Output: datatypes.AnalysisOutput{Summary: summary, Validation: result},
	}, nil
}

func underAny(file string, roots []string) bool {
	file = path.Clean(file)
	for _, r := range roots {
		r = strings.TrimSuffix(path.Clean(r), "/")
		if r == "." || file == r || strings.HasPrefix(file, r+"/") {
			return true
		}
	}
	return false
}
