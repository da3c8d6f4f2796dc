// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/guardrail"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func openTestStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	s, err := Open(InMemoryConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRun(id string) *datatypes.Run {
	return &datatypes.Run{
		ID:     id,
		Goal:   "goal",
		Status: datatypes.RunQueued,
		Steps: []datatypes.Step{
			{ID: "a", Index: 0, Type: datatypes.StepAnalyze, Tool: "analyze", Input: datatypes.AnalyzeInput{Query: "q"}},
			{ID: "b", Index: 1, Type: datatypes.StepAnalyze, Tool: "analyze", Input: datatypes.AnalyzeInput{Query: "q"}},
		},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestStore_RunRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	run := newRun("r1")
	require.NoError(t, s.CreateRun(ctx, run))
	assert.ErrorIs(t, s.CreateRun(ctx, run), ErrExists)

	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "goal", got.Goal)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, datatypes.AnalyzeInput{Query: "q"}, got.Steps[0].Input)

	_, err = s.LoadRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Steps)
}

func TestStore_PersistedStepsDeduplicateByIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)
	run := newRun("r1")
	require.NoError(t, s.CreateRun(ctx, run))

	done := run.Steps[0]
	done.Status = datatypes.StepSucceeded
	require.NoError(t, s.PutStep(ctx, "r1", done))
	require.NoError(t, s.PutStep(ctx, "r1", done))

	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, datatypes.StepSucceeded, got.Steps[0].Status)
	assert.Equal(t, "b", got.Steps[1].ID)

	extra := datatypes.Step{ID: "c", Index: 2, Type: datatypes.StepAnalyze, Tool: "analyze", Input: datatypes.AnalyzeInput{}}
	require.NoError(t, s.ReplaceSteps(ctx, "r1", []datatypes.Step{done, run.Steps[1], extra}))
	steps, err := s.ListSteps(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, steps, 3)
}

func TestStore_LockTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, clock)
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))
	ttl := 1800 * time.Second

	_, err := s.AcquireLock(ctx, "r1", "w1", ttl)
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	_, err = s.AcquireLock(ctx, "r1", "w2", ttl)
	assert.ErrorIs(t, err, ErrLockHeld)

	_, err = s.AcquireLock(ctx, "r1", "w1", ttl)
	assert.NoError(t, err, "same owner re-acquires")

	clock.Advance(1801 * time.Second)
	lock, err := s.AcquireLock(ctx, "r1", "w2", ttl)
	require.NoError(t, err)
	assert.Equal(t, "w2", lock.Owner)

	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w2", got.LockOwner)
	require.NotNil(t, got.LockedAt)
	assert.True(t, got.LockedAt.Equal(clock.Now()))
}

func TestStore_LockTTLFromOriginalAcquisition(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: t0}
	s := openTestStore(t, clock)
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))
	ttl := 1800 * time.Second

	_, err := s.AcquireLock(ctx, "r1", "w1", ttl)
	require.NoError(t, err)

	clock.t = t0.Add(60 * time.Second)
	_, err = s.AcquireLock(ctx, "r1", "w2", ttl)
	assert.ErrorIs(t, err, ErrLockHeld)

	clock.t = t0.Add(1801 * time.Second)
	_, err = s.AcquireLock(ctx, "r1", "w2", ttl)
	assert.NoError(t, err)
}

func TestStore_RefreshAndRelease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s := openTestStore(t, clock)
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))

	_, err := s.AcquireLock(ctx, "r1", "w1", time.Minute)
	require.NoError(t, err)

	cancel, err := s.RefreshLock(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.False(t, cancel)

	require.NoError(t, s.RequestCancel(ctx, "r1"))
	cancel, err = s.RefreshLock(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.True(t, cancel)

	// A later SaveRun must not drop the pending cancel.
	run, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	run.CancelRequested = false
	require.NoError(t, s.SaveRun(ctx, run))
	cancel, err = s.RefreshLock(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.True(t, cancel)

	_, err = s.RefreshLock(ctx, "r1", "w2")
	assert.ErrorIs(t, err, ErrLockLost)

	require.NoError(t, s.ReleaseLock(ctx, "r1", "w2"), "foreign release is a no-op")
	require.NoError(t, s.ReleaseLock(ctx, "r1", "w1"))
	_, err = s.RefreshLock(ctx, "r1", "w1")
	assert.ErrorIs(t, err, ErrLockLost)

	_, err = s.AcquireLock(ctx, "nope", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RequestCancel(ctx, "nope"), ErrNotFound)
}

func TestStore_RefreshLockDuringRunSaves(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)
	require.NoError(t, s.CreateRun(ctx, newRun("r1")))
	_, err := s.AcquireLock(ctx, "r1", "w1", time.Minute)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		run, err := s.LoadRun(ctx, "r1")
		if err != nil {
			return err
		}
		for i := 0; i < 300; i++ {
			run.CurrentStepIndex = i % len(run.Steps)
			if err := s.SaveRun(ctx, run); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 300; i++ {
			if _, err := s.RefreshLock(ctx, "r1", "w1"); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	// A cancel racing with saves is neither lost nor an error.
	g.Go(func() error { return s.RequestCancel(ctx, "r1") })
	g.Go(func() error {
		run, err := s.LoadRun(ctx, "r1")
		if err != nil {
			return err
		}
		return s.SaveRun(ctx, run)
	})
	require.NoError(t, g.Wait())
	cancel, err := s.RefreshLock(ctx, "r1", "w1")
	require.NoError(t, err)
	assert.True(t, cancel)
}

func TestStore_Debt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, nil)

	require.NoError(t, s.PutDebt(ctx, datatypes.DebtRecord{RunID: "r1", Path: "src/b.ts"}))
	require.NoError(t, s.PutDebt(ctx, datatypes.DebtRecord{RunID: "r1", Path: "src/a.ts"}))
	require.NoError(t, s.PutDebt(ctx, datatypes.DebtRecord{RunID: "r2", Path: "src/c.ts"}))

	debt, err := s.ListDebt(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, debt, 2)
	assert.Equal(t, "src/a.ts", debt[0].Path)

	require.NoError(t, s.ResolveDebt(ctx, "r1", "src/a.ts"))
	debt, err = s.ListDebt(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, debt[0].Outstanding())
	assert.True(t, debt[1].Outstanding())

	assert.ErrorIs(t, s.ResolveDebt(ctx, "r1", "src/zzz.ts"), ErrNotFound)
}

func TestTelemetry_WindowedQueries(t *testing.T) {
	ctx := context.Background()
	tel, err := OpenTelemetry(filepath.Join(t.TempDir(), "nested", "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Close() })

	imp := []datatypes.ClusterType{datatypes.ClusterImportResolution}
	for i := 0; i < 5; i++ {
		ev, err := tel.Append(ctx, datatypes.LearningEvent{
			RunID:          "r1",
			SessionID:      "s1",
			StepID:         "step",
			Phase:          datatypes.PhaseRecipe,
			Strategy:       datatypes.StrategySingle,
			BlockingBefore: 5 - i,
			BlockingAfter:  5 - i,
			ClustersBefore: imp,
			ClustersAfter:  imp,
			Committed:      true,
			Metadata:       map[string]string{"i": string(rune('a' + i))},
		})
		require.NoError(t, err)
		assert.Equal(t, datatypes.OutcomeStalled, ev.Outcome)
		assert.NotEmpty(t, ev.ID)
	}
	_, err = tel.Append(ctx, datatypes.LearningEvent{
		RunID: "r1", Phase: datatypes.PhaseMicroTargeted, Strategy: datatypes.StrategyMicroTargeted,
		BlockingBefore: 2, BlockingAfter: 0, Committed: true,
	})
	require.NoError(t, err)
	_, err = tel.Append(ctx, datatypes.LearningEvent{RunID: "r2", Phase: datatypes.PhaseSingle})
	require.NoError(t, err)

	all, err := tel.RecentEvents(ctx, guardrail.Query{RunID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, datatypes.OutcomeResolved, all[5].Outcome, "oldest first")

	window, err := tel.RecentEvents(ctx, guardrail.Query{RunID: "r1", Cluster: datatypes.ClusterImportResolution, Limit: 3})
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "c", window[0].Metadata["i"])
	assert.Equal(t, "e", window[2].Metadata["i"])
	assert.Equal(t, imp, window[2].ClustersBefore)

	micro, err := tel.RecentEvents(ctx, guardrail.Query{Strategy: datatypes.StrategyMicroTargeted})
	require.NoError(t, err)
	assert.Len(t, micro, 1)

	session, err := tel.RecentEvents(ctx, guardrail.Query{SessionID: "s1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, session, 5)

	failed, err := tel.RecentEvents(ctx, guardrail.Query{RunID: "r2"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, datatypes.OutcomeFailed, failed[0].Outcome)
}

func TestTelemetry_FeedsGuardrail(t *testing.T) {
	ctx := context.Background()
	tel, err := OpenTelemetry(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Close() })

	imp := []datatypes.ClusterType{datatypes.ClusterImportResolution}
	for i := 0; i < 2; i++ {
		_, err := tel.Append(ctx, datatypes.LearningEvent{
			RunID: "r1", Phase: datatypes.PhaseRecipe, BlockingBefore: 3, BlockingAfter: 3,
			ClustersBefore: imp, ClustersAfter: imp, Committed: true,
		})
		require.NoError(t, err)
	}

	eng := guardrail.New(config.Default().Guardrail, tel)
	adv, err := eng.Advise(ctx, guardrail.AdviceRequest{
		RunID: "r1", Clusters: imp, Phase: datatypes.PhaseRecipe, Strategy: datatypes.StrategySingle,
	})
	require.NoError(t, err)
	assert.True(t, adv.Escalated)
	assert.Equal(t, datatypes.PhaseStructuralReset, adv.Phase)
}
