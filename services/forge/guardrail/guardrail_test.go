// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

type sliceSource []datatypes.LearningEvent

func (s sliceSource) RecentEvents(_ context.Context, q Query) ([]datatypes.LearningEvent, error) {
	var out []datatypes.LearningEvent
	for _, ev := range s {
		if q.RunID != "" && ev.RunID != q.RunID {
			continue
		}
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		if q.Cluster != "" && !slices.Contains(ev.ClustersBefore, q.Cluster) {
			continue
		}
		if q.Strategy != "" && ev.Strategy != q.Strategy {
			continue
		}
		out = append(out, ev)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

var importClusters = []datatypes.ClusterType{datatypes.ClusterImportResolution}

func importEvent(before, after int, outcome datatypes.Outcome) datatypes.LearningEvent {
	return datatypes.LearningEvent{
		RunID:          "run-1",
		Phase:          datatypes.PhaseRecipe,
		BlockingBefore: before,
		BlockingAfter:  after,
		ClustersBefore: importClusters,
		Outcome:        outcome,
	}
}

func stalled(session string) datatypes.LearningEvent {
	return datatypes.LearningEvent{
		RunID:     "run-1",
		SessionID: session,
		Strategy:  datatypes.StrategyMicroTargeted,
		Outcome:   datatypes.OutcomeStalled,
	}
}

func TestComputeImportPressure(t *testing.T) {
	cfg := config.Default().Guardrail

	tests := []struct {
		name     string
		events   []datatypes.LearningEvent
		escalate bool
		attempts int
	}{
		{"no history", nil, false, 0},
		{"single attempt", []datatypes.LearningEvent{importEvent(3, 3, datatypes.OutcomeStalled)}, false, 1},
		{"improving", []datatypes.LearningEvent{
			importEvent(4, 3, datatypes.OutcomeImproved),
			importEvent(3, 1, datatypes.OutcomeImproved),
		}, false, 2},
		{"flat", []datatypes.LearningEvent{
			importEvent(3, 3, datatypes.OutcomeStalled),
			importEvent(3, 3, datatypes.OutcomeStalled),
		}, true, 2},
		{"regressing despite average", []datatypes.LearningEvent{
			importEvent(5, 1, datatypes.OutcomeImproved),
			importEvent(1, 2, datatypes.OutcomeRegressed),
		}, true, 2},
		{"other clusters ignored", []datatypes.LearningEvent{
			{ClustersBefore: []datatypes.ClusterType{datatypes.ClusterTestFailure}},
			importEvent(3, 3, datatypes.OutcomeStalled),
		}, false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ComputeImportPressure(tt.events, cfg)
			assert.Equal(t, tt.attempts, p.Attempts)
			assert.Equal(t, tt.escalate, p.Escalate)
		})
	}
}

func TestComputeImportPressure_Window(t *testing.T) {
	cfg := config.Default().Guardrail
	cfg.ImportWindow = 2
	events := []datatypes.LearningEvent{
		importEvent(5, 9, datatypes.OutcomeRegressed),
		importEvent(9, 5, datatypes.OutcomeImproved),
		importEvent(5, 1, datatypes.OutcomeImproved),
	}
	p := ComputeImportPressure(events, cfg)
	assert.Equal(t, 2, p.Attempts)
	assert.InDelta(t, -4.0, p.AvgDelta, 1e-9)
	assert.Zero(t, p.RegressionRate)
	assert.False(t, p.Escalate)
}

func TestTrailingStalls(t *testing.T) {
	events := []datatypes.LearningEvent{
		stalled("s1"),
		{SessionID: "s1", Strategy: datatypes.StrategyMicroTargeted, Outcome: datatypes.OutcomeImproved},
		stalled("s1"),
		stalled("s2"),
		stalled("s1"),
	}
	assert.Equal(t, 3, TrailingStalls(events, ""))
	assert.Equal(t, 2, TrailingStalls(events, "s1"))
	assert.Equal(t, 1, TrailingStalls(events, "s2"))
}

func TestEngine_Advise(t *testing.T) {
	cfg := config.Default().Guardrail
	cfg.SessionStallThreshold = 2
	cfg.RunStallThreshold = 3
	ctx := context.Background()

	t.Run("no pressure keeps proposal", func(t *testing.T) {
		e := New(cfg, sliceSource{})
		adv, err := e.Advise(ctx, AdviceRequest{
			RunID: "run-1", Clusters: importClusters,
			Phase: datatypes.PhaseRecipe, Strategy: datatypes.StrategySingle,
		})
		require.NoError(t, err)
		assert.False(t, adv.Escalated)
		assert.Equal(t, datatypes.PhaseRecipe, adv.Phase)
	})

	t.Run("import pressure escalates recipe", func(t *testing.T) {
		e := New(cfg, sliceSource{
			importEvent(2, 2, datatypes.OutcomeStalled),
			importEvent(2, 2, datatypes.OutcomeStalled),
		})
		adv, err := e.Advise(ctx, AdviceRequest{
			RunID: "run-1", Clusters: importClusters,
			Phase: datatypes.PhaseRecipe, Strategy: datatypes.StrategySingle,
		})
		require.NoError(t, err)
		assert.True(t, adv.Escalated)
		assert.Equal(t, datatypes.PhaseStructuralReset, adv.Phase)
		assert.Equal(t, datatypes.StrategyArchitectureReconstruction, adv.Strategy)
		assert.Contains(t, adv.Reason, "import resolution")
	})

	t.Run("session stall escalates to reintegration", func(t *testing.T) {
		e := New(cfg, sliceSource{stalled("s1"), stalled("s1")})
		adv, err := e.Advise(ctx, AdviceRequest{
			RunID: "run-1", SessionID: "s1",
			Clusters: []datatypes.ClusterType{datatypes.ClusterTestFailure},
			Phase:    datatypes.PhaseMicroTargeted, Strategy: datatypes.StrategyMicroTargeted,
		})
		require.NoError(t, err)
		assert.Equal(t, datatypes.PhaseFeatureReintegration, adv.Phase)
		assert.Equal(t, 2, adv.Stall.SessionStalls)
	})

	t.Run("stall with structural clusters resets", func(t *testing.T) {
		e := New(cfg, sliceSource{stalled("a"), stalled("b"), stalled("c")})
		adv, err := e.Advise(ctx, AdviceRequest{
			RunID: "run-1", SessionID: "d",
			Clusters: []datatypes.ClusterType{datatypes.ClusterLayerBoundary},
			Phase:    datatypes.PhaseMicroTargeted, Strategy: datatypes.StrategyMicroTargeted,
		})
		require.NoError(t, err)
		assert.Equal(t, 0, adv.Stall.SessionStalls)
		assert.Equal(t, 3, adv.Stall.RunStalls)
		assert.Equal(t, datatypes.PhaseStructuralReset, adv.Phase)
	})
}

func TestSignature_IgnoresVolatileTokens(t *testing.T) {
	a := &datatypes.RuntimeResult{
		Error: "process exited with code 1 before accepting connections",
		Logs: "2025-01-02T10:00:00Z listening on :41234\n" +
			"Error: Cannot find module '/tmp/forge-wt-123/src/app.js'\n" +
			"    at Module._resolveFilename (node:internal/modules/cjs/loader:1145:15)\n",
	}
	b := &datatypes.RuntimeResult{
		Error: "process exited with code 1 before accepting connections",
		Logs: "2025-03-09T22:14:51Z listening on :50111\n" +
			"Error: Cannot find module '/tmp/forge-wt-987/src/app.js'\n" +
			"    at Module._resolveFilename (node:internal/modules/cjs/loader:1150:9)\n",
	}
	c := &datatypes.RuntimeResult{
		Error: "process exited with code 1 before accepting connections",
		Logs:  "TypeError: app.listen is not a function\n",
	}
	assert.Equal(t, Signature(a), Signature(b))
	assert.NotEqual(t, Signature(a), Signature(c))
	assert.Len(t, Signature(a), 16)
	assert.Empty(t, Normalize(nil))
}

func TestRuntimeConvergence(t *testing.T) {
	assert.True(t, RuntimeConvergence(nil).Converging)
	assert.True(t, RuntimeConvergence([]string{"a", "b"}).Converging)
	v := RuntimeConvergence([]string{"a", "b", "a"})
	assert.False(t, v.Converging)
	assert.Equal(t, KindRuntime, v.Kind)
	assert.Contains(t, v.Reason, "attempt 1")
}

func TestHeavyConvergence(t *testing.T) {
	tests := []struct {
		history    []int
		converging bool
	}{
		{nil, true},
		{[]int{5}, true},
		{[]int{5, 5}, false},
		{[]int{5, 3}, true},
		{[]int{5, 3, 4}, false},
	}
	for _, tt := range tests {
		v := HeavyConvergence(tt.history)
		assert.Equal(t, tt.converging, v.Converging, "history %v", tt.history)
		RecordNonConvergence(v, datatypes.ModeEnforce)
	}
}
