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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/validation"
)

type fakeRunner struct {
	got validation.CommandSpec
	res validation.CommandResult
	err error
}

func (f *fakeRunner) Run(_ context.Context, spec validation.CommandSpec) (validation.CommandResult, error) {
	f.got = spec
	return f.res, f.err
}

type fakeProber struct {
	got validation.ProbeSpec
	res datatypes.RuntimeResult
}

func (f *fakeProber) Probe(_ context.Context, spec validation.ProbeSpec) *datatypes.RuntimeResult {
	f.got = spec
	r := f.res
	return &r
}

type fakeValidator struct {
	result *datatypes.ValidationResult
	err    error
}

func (f *fakeValidator) RunLight(context.Context, string) (*datatypes.ValidationResult, error) {
	return f.result, f.err
}

func step(tool string, in datatypes.StepInput) datatypes.Step {
	return datatypes.Step{ID: "s1", Type: datatypes.StepModify, Tool: tool, Input: in}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(ApplyChanges{})
	r.Register(nil)
	assert.Equal(t, []string{NameApplyChanges}, r.Names())

	ctx := context.Background()

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.ExecuteStep(ctx, step("nope", datatypes.AnalyzeInput{}), ExecContext{})
		assert.ErrorIs(t, err, ErrToolNotFound)
	})

	t.Run("input mismatch", func(t *testing.T) {
		_, err := r.ExecuteStep(ctx, step(NameApplyChanges, datatypes.AnalyzeInput{}), ExecContext{})
		assert.ErrorIs(t, err, ErrInputMismatch)
	})

	t.Run("missing input", func(t *testing.T) {
		_, err := r.ExecuteStep(ctx, step(NameApplyChanges, nil), ExecContext{})
		assert.ErrorIs(t, err, ErrInputMismatch)
	})

	t.Run("stamps times", func(t *testing.T) {
		in := datatypes.ChangeSetInput{Changes: []datatypes.ProposedFileChange{
			{Path: "src/a.ts", Op: datatypes.OpCreate, Content: "export const a = 1;\n"},
		}}
		res, err := r.ExecuteStep(ctx, step(NameApplyChanges, in), ExecContext{Worktree: t.TempDir()})
		require.NoError(t, err)
		assert.Equal(t, datatypes.StepSucceeded, res.Status)
		assert.Len(t, res.ProposedChanges, 1)
		assert.False(t, res.StartedAt.IsZero())
		assert.False(t, res.FinishedAt.Before(res.StartedAt))
	})
}

func TestApplyChanges_EmptyFails(t *testing.T) {
	res, err := ApplyChanges{}.Execute(context.Background(), step(NameApplyChanges, datatypes.ChangeSetInput{}), ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, datatypes.StepFailed, res.Status)
	assert.Empty(t, res.ProposedChanges)
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		res     validation.CommandResult
		err     error
		status  datatypes.StepStatus
		errText string
	}{
		{"success", validation.CommandResult{ExitCode: 0, Output: "ok"}, nil, datatypes.StepSucceeded, ""},
		{"non-zero", validation.CommandResult{ExitCode: 2}, nil, datatypes.StepFailed, "exit code 2"},
		{"timeout", validation.CommandResult{ExitCode: -1, TimedOut: true}, nil, datatypes.StepFailed, "timed out after 1m0s"},
		{"start failure", validation.CommandResult{ExitCode: -1}, errors.New("no such file"), datatypes.StepFailed, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{res: tt.res, err: tt.err}
			tool := &RunCommand{Runner: runner, DefaultTimeout: time.Minute}
			res, err := tool.Execute(ctx, step(NameRunCommand, datatypes.CommandInput{Command: []string{"npm", "test"}}), ExecContext{Worktree: "/wt"})
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.errText, res.Error)
			assert.Equal(t, "/wt", runner.got.Dir)
			assert.Equal(t, time.Minute, runner.got.Timeout)
			assert.IsType(t, datatypes.CommandOutput{}, res.Output)
		})
	}
}

func TestRuntimeVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults applied", func(t *testing.T) {
		prober := &fakeProber{res: datatypes.RuntimeResult{Booted: true, Healthy: true, Port: 4000}}
		tool := &RuntimeVerify{Prober: prober, DefaultCommand: []string{"npm", "start"}, DefaultHealth: "/health", DefaultTimeout: 45 * time.Second}
		res, err := tool.Execute(ctx, step(NameRuntimeVerify, datatypes.RuntimeCheckInput{}), ExecContext{Worktree: "/wt"})
		require.NoError(t, err)
		assert.Equal(t, datatypes.StepSucceeded, res.Status)
		assert.Equal(t, []string{"npm", "start"}, prober.got.Command)
		assert.Equal(t, "/health", prober.got.HealthPath)
		assert.Equal(t, 45*time.Second, prober.got.Timeout)
		require.NotNil(t, res.Runtime)
		assert.Equal(t, 4000, res.Runtime.Port)
	})

	t.Run("unhealthy fails", func(t *testing.T) {
		prober := &fakeProber{res: datatypes.RuntimeResult{Booted: true, Error: "health check never succeeded"}}
		tool := &RuntimeVerify{Prober: prober}
		in := datatypes.RuntimeCheckInput{Command: []string{"node", "dist/main.js"}, HealthPath: "/ready", Timeout: time.Second}
		res, err := tool.Execute(ctx, step(NameRuntimeVerify, in), ExecContext{})
		require.NoError(t, err)
		assert.Equal(t, datatypes.StepFailed, res.Status)
		assert.Equal(t, "health check never succeeded", res.Error)
		assert.Equal(t, "/ready", prober.got.HealthPath)
	})

	t.Run("no command", func(t *testing.T) {
		tool := &RuntimeVerify{Prober: &fakeProber{}}
		res, err := tool.Execute(ctx, step(NameRuntimeVerify, datatypes.RuntimeCheckInput{}), ExecContext{})
		require.NoError(t, err)
		assert.Equal(t, datatypes.StepFailed, res.Status)
		assert.Nil(t, res.Runtime)
	})
}

func TestAnalyze_FiltersPaths(t *testing.T) {
	result := datatypes.NewValidationResult([]datatypes.Violation{
		{RuleID: "a", Severity: datatypes.SeverityError, File: "src/modules/users/a.ts"},
		{RuleID: "b", Severity: datatypes.SeverityWarning, File: "src/modules/orders/b.ts"},
		{RuleID: "c", Severity: datatypes.SeverityError, File: "src/modules/users-extra/c.ts"},
	})
	tool := &Analyze{Validator: &fakeValidator{result: result}}

	res, err := tool.Execute(context.Background(),
		step(NameAnalyze, datatypes.AnalyzeInput{Query: "users", Paths: []string{"src/modules/users/"}}),
		ExecContext{Worktree: "/wt"})
	require.NoError(t, err)
	out, ok := res.Output.(datatypes.AnalysisOutput)
	require.True(t, ok)
	require.Len(t, out.Validation.Violations, 1)
	assert.Equal(t, "a", out.Validation.Violations[0].RuleID)
	assert.Equal(t, "users: 1 blocking, 0 warnings", out.Summary)

	tool.Validator = &fakeValidator{err: errors.New("walk failed")}
	_, err = tool.Execute(context.Background(), step(NameAnalyze, datatypes.AnalyzeInput{}), ExecContext{})
	assert.Error(t, err)
}
