// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/kernel"
	"github.com/AleutianAI/forge/services/forge/store"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"not ok", errNotOK, exitFailed},
		{"cancelled", fmt.Errorf("wrapped: %w", kernel.ErrCancelled), exitFailed},
		{"run failed", &kernel.RunError{RunID: "r", Detail: datatypes.FailureDetail{Category: datatypes.FailureValidation}}, exitFailed},
		{"infrastructure", errors.New("disk full"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestExecute_UsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"run"}, &stdout, &stderr)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr.String(), "plan")

	stderr.Reset()
	code = execute(context.Background(), []string{"fork", "some-run"}, &stdout, &stderr)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr.String(), "step")
}

func TestExecute_ValidateReportsMissingManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "index.ts"), []byte("export const x = 1;\n"), 0644))

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(),
		[]string{"validate", "--repo", dir, "--json", "--log-level", "error"},
		&stdout, &stderr)

	assert.Equal(t, exitFailed, code, stderr.String())
	assert.Contains(t, stdout.String(), "package.json")
}

func TestExecute_CancelWhileStoreHeld(t *testing.T) {
	dir := t.TempDir()
	cfg := store.DefaultConfig(filepath.Join(dir, ".forge", "store"))
	cfg.GCInterval = 0
	held, err := store.Open(cfg)
	require.NoError(t, err)
	defer held.Close()

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(),
		[]string{"cancel", "r1", "--repo", dir, "--json", "--log-level", "error"},
		&stdout, &stderr)

	assert.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), `"requested"`)
	assert.FileExists(t, filepath.Join(dir, ".forge", "cancel", "r1.cancel"))

	requested, err := store.NewCancelMarkers(filepath.Join(dir, ".forge", "cancel")).Requested("r1")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestSummarize(t *testing.T) {
	run := &datatypes.Run{
		ID:     "r1",
		Status: datatypes.RunFailed,
		Steps: []datatypes.Step{
			{Index: 0, ID: "s1", Tool: "apply_changes", Status: datatypes.StepSucceeded,
				Output: datatypes.ChangeSetOutput{CommitSHA: "abc"}},
			{Index: 1, ID: "fix", Tool: "apply_changes", Status: datatypes.StepFailed,
				Correction: &datatypes.CorrectionEnvelope{Phase: datatypes.PhaseSingle}},
		},
		Failure: &datatypes.FailureDetail{Category: datatypes.FailureCorrectionPolicy, Message: "outside constraint", RolledBack: true, RollbackTo: "abc"},
	}

	s := summarize(run)
	require.Len(t, s.Steps, 2)
	assert.Equal(t, "abc", s.Steps[0].Commit)
	assert.Equal(t, string(datatypes.PhaseSingle), s.Steps[1].Phase)
	require.NotNil(t, s.Failure)
	assert.Equal(t, "correction_policy", s.Failure.Category)
	assert.True(t, s.Failure.RolledBack)

	var buf bytes.Buffer
	jsonOut := false
	err := printer{w: &buf, json: &jsonOut}.run(run, nil)
	assert.ErrorIs(t, err, errNotOK)
	assert.Contains(t, buf.String(), "rollback_to: abc")
}
