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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/forge/services/forge/correction"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/filesession"
	"github.com/AleutianAI/forge/services/forge/guardrail"
	"github.com/AleutianAI/forge/services/forge/planner"
	"github.com/AleutianAI/forge/services/forge/store"
	"github.com/AleutianAI/forge/services/forge/tools"
	"github.com/AleutianAI/forge/services/forge/vcs"
)

// errLockLost aborts the loop without touching the run record, which now
// belongs to another worker.
var errLockLost = errors.New("run lock lost")

// loop is the state of one execution of a run.
type loop struct {
	k      *Kernel
	run    *datatypes.Run
	hb     *heartbeat
	logger *slog.Logger
}

// stepResult tells the loop what to do after a step.
type stepResult struct {
	// spliced is set when follow-up steps were inserted after the step.
	spliced bool

	// fatal terminates the run as failed.
	fatal *datatypes.FailureDetail
	cause error
}

// execute acquires the run lock and drives the run to a terminal status.
func (k *Kernel) execute(ctx context.Context, runID string) (*datatypes.Run, error) {
	if _, err := k.store.AcquireLock(ctx, runID, k.owner, k.cfg.Lock.TTL); err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	defer k.releaseLock(ctx, runID)

	run, err := k.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	l := &loop{
		k:      k,
		run:    run,
		logger: k.logger.With(slog.String("run_id", runID)),
	}
	l.hb = startHeartbeat(ctx, k.store, runID, k.owner, k.cfg.Lock.RefreshInterval, l.logger)
	defer l.hb.stop()

	if err := l.recover(l.hb.ctx); err != nil {
		return run, err
	}
	return run, l.drive()
}

func (k *Kernel) releaseLock(ctx context.Context, runID string) {
	if err := k.store.ReleaseLock(context.WithoutCancel(ctx), runID, k.owner); err != nil {
		k.logger.Warn("releasing run lock", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

// recover brings the worktree back to the recorded current commit and
// re-queues steps interrupted mid-flight.
func (l *loop) recover(ctx context.Context) error {
	run := l.run
	wt, err := l.k.ws.EnsureRunWorktree(ctx, vcs.RunWorktreeRequest{RunID: run.ID, BaseCommit: run.BaseCommit})
	if err != nil {
		return fmt.Errorf("preparing run worktree: %w", err)
	}
	run.WorktreePath = wt.Path
	l.adoptCommittedStep(ctx)

	dirty, err := l.k.ws.IsWorktreeDirty(ctx, run.WorktreePath)
	if err != nil {
		return fmt.Errorf("checking worktree: %w", err)
	}
	if dirty || (run.CurrentCommit != "" && wt.Head != run.CurrentCommit) {
		l.logger.Warn("resetting worktree to recorded commit",
			slog.Bool("dirty", dirty),
			slog.String("head", wt.Head),
			slog.String("current_commit", run.CurrentCommit),
		)
		if _, err := l.k.ws.ResetWorktreeToCommit(ctx, run.WorktreePath, run.CurrentCommit); err != nil {
			return fmt.Errorf("crash recovery: %w", err)
		}
	}
	for i := range run.Steps {
		if run.Steps[i].Status == datatypes.StepRunning {
			run.Steps[i] = resetStep(run.Steps[i])
		}
	}
	return nil
}

// adoptCommittedStep reconciles CurrentCommit with the newest succeeded
// step. A step is persisted before the run record, so a crash between the
// two leaves a committed step the run does not point at yet.
func (l *loop) adoptCommittedStep(ctx context.Context) {
	run := l.run
	for i := len(run.Steps) - 1; i >= 0; i-- {
		sha := committedSHA(run.Steps[i])
		if sha == "" {
			continue
		}
		if sha == run.CurrentCommit {
			return
		}
		from := run.CurrentCommit
		if from == "" {
			from = run.BaseCommit
		}
		if behind, err := l.k.ws.IsAncestor(ctx, run.WorktreePath, sha, from); err == nil && behind {
			return
		}
		ahead, err := l.k.ws.IsAncestor(ctx, run.WorktreePath, from, sha)
		if err == nil && ahead {
			l.logger.Warn("adopting commit of step saved after the last run save",
				slog.String("step_id", run.Steps[i].ID),
				slog.String("from", from),
				slog.String("to", sha),
			)
			run.CurrentCommit = sha
			run.LastValidCommit = sha
			return
		}
		attrs := []any{slog.String("step_id", run.Steps[i].ID), slog.String("commit", sha)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		l.logger.Warn("re-queueing step whose commit is not on the run branch", attrs...)
		run.Steps[i] = resetStep(run.Steps[i])
	}
}

// drive runs steps until the run is terminal.
func (l *loop) drive() error {
	ctx := l.hb.ctx
	run := l.run

	for !run.Status.IsTerminal() {
		if err := l.checkpoint(); err != nil {
			return err
		}
		if run.Status != datatypes.RunRunning {
			if err := l.transition(datatypes.RunRunning); err != nil {
				return err
			}
		}

		step := run.CurrentStep()
		if step == nil {
			res := l.finish(ctx)
			if res.fatal != nil {
				return l.fail(ctx, res)
			}
			if res.spliced {
				continue
			}
			if err := l.transition(datatypes.RunComplete); err != nil {
				return err
			}
			runsFinished.WithLabelValues(string(run.Status), "").Inc()
			l.logger.Info("run complete",
				slog.Int("steps", len(run.Steps)),
				slog.String("last_valid_commit", run.LastValidCommit),
			)
			return l.save(ctx)
		}
		if step.Status == datatypes.StepSucceeded || step.Status == datatypes.StepSkipped {
			run.CurrentStepIndex++
			continue
		}

		res := l.runStep(ctx, run.CurrentStepIndex)
		if l.hb.Lost() {
			return fmt.Errorf("%w: %v", errLockLost, l.hb.Err())
		}
		if res.fatal != nil {
			return l.fail(ctx, res)
		}
		run.CurrentStepIndex++
		if err := l.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint refreshes the lock and observes cancellation.
func (l *loop) checkpoint() error {
	ctx := l.hb.ctx
	cancel, err := l.k.store.RefreshLock(ctx, l.run.ID, l.k.owner)
	if errors.Is(err, store.ErrLockLost) {
		lockLosses.Inc()
		return fmt.Errorf("%w: %v", errLockLost, err)
	}
	if err != nil {
		return fmt.Errorf("refreshing run lock: %w", err)
	}
	if l.hb.Lost() {
		return fmt.Errorf("%w: %v", errLockLost, l.hb.Err())
	}
	if !cancel && !l.hb.cancelReq.Load() && !l.cancelMarked() {
		return nil
	}
	if l.run.Status == datatypes.RunQueued {
		if err := l.transition(datatypes.RunRunning); err != nil {
			return err
		}
	}
	if err := l.transition(datatypes.RunCancelled); err != nil {
		return err
	}
	runsFinished.WithLabelValues(string(l.run.Status), "").Inc()
	l.logger.Info("run cancelled", slog.Int("step_index", l.run.CurrentStepIndex))
	if err := l.save(ctx); err != nil {
		return err
	}
	l.k.clearCancelMarker(l.run.ID, l.logger)
	return ErrCancelled
}

// cancelMarked reports an out-of-store cancel request. Errors reading the
// marker are logged and read as no request.
func (l *loop) cancelMarked() bool {
	if l.k.cancels == nil {
		return false
	}
	marked, err := l.k.cancels.Requested(l.run.ID)
	if err != nil {
		l.logger.Warn("checking cancel marker", slog.String("error", err.Error()))
		return false
	}
	return marked
}

// runStep executes the step at idx.
func (l *loop) runStep(ctx context.Context, idx int) stepResult {
	run := l.run
	step := &run.Steps[idx]
	now := l.k.now()
	step.Status = datatypes.StepRunning
	step.StartedAt = &now
	step.Error = ""
	if err := l.k.store.PutStep(ctx, run.ID, *step); err != nil {
		return fatal(datatypes.FailureTransaction, step, err, "persisting step start: %v", err)
	}

	logger := l.logger.With(slog.String("step_id", step.ID), slog.Int("step_index", idx), slog.String("tool", step.Tool))
	logger.Info("executing step", slog.Bool("mutates", step.Mutates), slog.Bool("correction", step.IsCorrection()))

	tr, err := l.k.tools.ExecuteStep(ctx, *step, tools.ExecContext{RunID: run.ID, Worktree: run.WorktreePath, Logger: logger})
	if err != nil {
		l.finishStep(step, datatypes.StepFailed, err.Error())
		return fatal(datatypes.FailureTool, step, err, "tool %s: %v", step.Tool, err)
	}
	step.Output = tr.Output
	step.Runtime = tr.Runtime

	var res stepResult
	switch {
	case step.IsRuntimeVerification() && tr.Runtime != nil:
		res = l.afterRuntime(ctx, idx, tr)
	case tr.Status == datatypes.StepFailed:
		l.finishStep(step, datatypes.StepFailed, tr.Error)
		if step.IsCorrection() {
			l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, "")
			return fatal(datatypes.FailureCorrectionPolicy, step, nil, "correction step failed: %s", tr.Error)
		}
		return fatal(datatypes.FailureTool, step, nil, "step failed: %s", tr.Error)
	case step.Mutates:
		res = l.commitStep(ctx, idx, tr.ProposedChanges)
	default:
		l.finishStep(step, datatypes.StepSucceeded, "")
	}
	if res.fatal != nil || res.spliced {
		return res
	}

	step = &run.Steps[idx]
	if step.Status == datatypes.StepSucceeded && l.resetCompleted(idx) {
		return l.reintegrate(ctx, idx)
	}
	if step.Status == datatypes.StepSucceeded && run.IsFinalStep(idx) {
		return l.heavy(ctx, idx)
	}
	return res
}

// resetCompleted reports whether idx is the last committed step of a
// structural reset.
func (l *loop) resetCompleted(idx int) bool {
	run := l.run
	env := run.Steps[idx].Correction
	if env == nil || env.Phase != datatypes.PhaseStructuralReset || committedSHA(run.Steps[idx]) == "" {
		return false
	}
	if idx+1 < len(run.Steps) {
		next := run.Steps[idx+1].Correction
		if next != nil && next.Phase == datatypes.PhaseStructuralReset && next.SessionID == env.SessionID {
			return false
		}
	}
	return true
}

// reintegrate splices the feature_reintegration phase after a completed
// structural reset.
func (l *loop) reintegrate(ctx context.Context, idx int) stepResult {
	run := l.run
	step := &run.Steps[idx]
	plan, err := l.k.corrector.PlanReintegration(ctx, correction.ReintegrationRequest{
		RunID: run.ID,
		Goal:  run.Goal,
		Root:  run.WorktreePath,
		Reset: *step,
	})
	if err != nil {
		return l.correctionFailure(step, err, datatypes.FailureValidation)
	}
	return l.splice(ctx, idx, plan, nil)
}

// finishStep stamps the final status of a step and persists it.
func (l *loop) finishStep(step *datatypes.Step, status datatypes.StepStatus, msg string) {
	now := l.k.now()
	step.Status = status
	step.FinishedAt = &now
	if msg != "" {
		step.Error = msg
	}
	stepsExecuted.WithLabelValues(step.Tool, string(status)).Inc()
	if err := l.k.store.PutStep(context.WithoutCancel(l.hb.ctx), l.run.ID, *step); err != nil {
		l.logger.Error("persisting step", slog.String("step_id", step.ID), slog.String("error", err.Error()))
	}
}

// commitStep stages, validates, applies and commits the proposed changes
// of a mutating step, then runs light validation on the result.
func (l *loop) commitStep(ctx context.Context, idx int, changes []datatypes.ProposedFileChange) stepResult {
	run := l.run
	step := &run.Steps[idx]
	isCorrection := step.IsCorrection()

	if len(changes) == 0 {
		if isCorrection {
			l.finishStep(step, datatypes.StepFailed, "no changes proposed")
			l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, "")
			return fatal(datatypes.FailureCorrectionPolicy, step, nil, "correction step proposed no changes")
		}
		l.logger.Warn("mutating step proposed no changes", slog.String("step_id", step.ID))
		l.finishStep(step, datatypes.StepSucceeded, "")
		return stepResult{}
	}

	cfg := l.k.cfg.FileSession
	sess, err := filesession.New(run.WorktreePath, l.k.ws, filesession.Config{
		MaxFiles:      cfg.MaxFiles,
		MaxFileBytes:  cfg.MaxFileBytes,
		MaxTotalBytes: cfg.MaxTotalBytes,
		PreviewBytes:  cfg.PreviewBytes,
		EnableTracing: true,
	})
	if err != nil {
		return l.transactionFailure(step, err)
	}
	if err := sess.Begin(ctx); err != nil {
		return l.transactionFailure(step, err)
	}
	abort := func(reason string) {
		if err := sess.Abort(context.WithoutCancel(ctx), reason); err != nil && !errors.Is(err, filesession.ErrInvalidState) {
			l.logger.Error("aborting file session", slog.String("reason", reason), slog.String("error", err.Error()))
		}
	}

	diffs, err := sess.Stage(ctx, changes)
	if err != nil {
		abort("stage_failed")
		if isCorrection {
			l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, sess.ID())
		}
		return l.transactionFailure(step, err)
	}

	if isCorrection {
		if violations := step.Correction.Constraint.Check(diffs); len(violations) > 0 {
			abort("constraint_violation")
			msgs := make([]string, len(violations))
			for i, v := range violations {
				msgs[i] = v.String()
			}
			l.finishStep(step, datatypes.StepFailed, "constraint violated: "+strings.Join(msgs, "; "))
			l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, sess.ID())
			res := fatal(datatypes.FailureCorrectionPolicy, step, nil, "correction exceeds its constraint: %s", strings.Join(msgs, "; "))
			res.fatal.Payload = map[string]any{"constraint": step.Correction.Constraint, "diffs": diffs}
			return res
		}
	}

	if err := sess.Validate(ctx); err != nil {
		abort("validate_failed")
		return l.transactionFailure(step, err)
	}
	if err := sess.Apply(ctx); err != nil {
		return l.transactionFailure(step, err)
	}

	sha, err := sess.Commit(ctx, commitMessage(run, step))
	if errors.Is(err, filesession.ErrNothingToCommit) {
		if isCorrection {
			l.finishStep(step, datatypes.StepFailed, "correction produced no commit")
			l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, sess.ID())
			return fatal(datatypes.FailureCorrectionPolicy, step, err, "correction produced no commit")
		}
		l.logger.Warn("mutating step changed nothing", slog.String("step_id", step.ID))
		step.Output = datatypes.ChangeSetOutput{Summary: summaryOf(step.Output), Diffs: diffs}
		l.finishStep(step, datatypes.StepSucceeded, "")
		return stepResult{}
	}
	if err != nil {
		return l.transactionFailure(step, err)
	}

	run.CurrentCommit = sha
	step.Output = datatypes.ChangeSetOutput{Summary: summaryOf(step.Output), Diffs: diffs, CommitSHA: sha}
	if step.Correction != nil && step.Correction.Phase == datatypes.PhaseDebtResolution {
		l.resolveDebt(ctx, diffs)
	}
	return l.afterCommit(ctx, idx, sess.ID())
}

// afterCommit runs light validation on a committed step and decides
// whether the commit is valid, needs correction, or fails the run.
func (l *loop) afterCommit(ctx context.Context, idx int, sessionID string) stepResult {
	run := l.run
	step := &run.Steps[idx]
	mode := run.Config.LightValidation

	if mode == datatypes.ModeOff || mode == "" {
		run.LastValidCommit = run.CurrentCommit
		if step.IsCorrection() && !heavyOrigin(step) {
			l.recordEvent(ctx, step, true, step.Correction.BlockingBefore, step.Correction.ClustersBefore, sessionID)
		}
		l.finishStep(step, datatypes.StepSucceeded, "")
		return stepResult{}
	}

	report, err := l.k.validator.Light(ctx, run.WorktreePath)
	if err != nil {
		l.finishStep(step, datatypes.StepFailed, err.Error())
		return fatal(datatypes.FailureValidation, step, err, "light validation: %v", err)
	}
	result := report.Result
	step.Validation = result
	switch {
	case !step.IsCorrection():
	case !heavyOrigin(step):
		l.recordEvent(ctx, step, true, result.BlockingCount, result.Clusters(), sessionID)
	case !result.OK && mode == datatypes.ModeEnforce:
		// Rejected before heavy validation could measure it.
		l.recordEvent(ctx, step, false, step.Correction.BlockingBefore, step.Correction.ClustersBefore, sessionID)
	}

	if result.OK || mode == datatypes.ModeWarn {
		if !result.OK {
			l.logger.Warn("light validation found blocking violations",
				slog.String("step_id", step.ID),
				slog.Int("blocking", result.BlockingCount),
			)
		}
		run.LastValidCommit = run.CurrentCommit
		l.finishStep(step, datatypes.StepSucceeded, "")
		return stepResult{}
	}

	if run.ValidationCorrectionAttempts >= run.Config.MaxValidationCorrections {
		msg := fmt.Sprintf("%d blocking violations, correction budget exhausted", result.BlockingCount)
		l.finishStep(step, datatypes.StepFailed, msg)
		res := fatal(datatypes.FailureValidation, step, nil, "light validation: %s", msg)
		res.fatal.Payload = map[string]any{"validation": result}
		return res
	}

	run.ValidationCorrectionAttempts++
	plan, err := l.k.corrector.Plan(ctx, correction.Request{
		RunID:         run.ID,
		Goal:          run.Goal,
		SessionID:     sessionFor(step),
		Root:          run.WorktreePath,
		Graph:         report.Graph,
		Report:        correction.FailureReport{Root: run.WorktreePath, Validation: result},
		Attempt:       run.ValidationCorrectionAttempts,
		AddressesStep: step.ID,
		PreviousPhase: l.previousPhase(idx),

		ForceReconstruction: collapsed(step, result.BlockingCount),
	})
	if err != nil {
		l.finishStep(step, datatypes.StepFailed, fmt.Sprintf("%d blocking violations", result.BlockingCount))
		res := l.correctionFailure(step, err, datatypes.FailureValidation)
		res.fatal.Payload = map[string]any{"validation": result}
		return res
	}
	l.finishStep(step, datatypes.StepFailed, fmt.Sprintf("%d blocking violations, correction queued", result.BlockingCount))
	return l.splice(ctx, idx, plan, nil)
}

// afterRuntime handles the outcome of a runtime verification step.
func (l *loop) afterRuntime(ctx context.Context, idx int, tr datatypes.ToolResult) stepResult {
	run := l.run
	step := &run.Steps[idx]
	rt := tr.Runtime

	if rt.Ok() {
		l.finishStep(step, datatypes.StepSucceeded, "")
		return stepResult{}
	}

	rt.Signature = guardrail.Signature(rt)
	step.Runtime = rt
	run.RuntimeSignatures = append(run.RuntimeSignatures, rt.Signature)
	msg := tr.Error
	if msg == "" {
		msg = "runtime verification failed"
	}
	l.finishStep(step, datatypes.StepFailed, msg)

	verdict := guardrail.RuntimeConvergence(run.RuntimeSignatures)
	guardrail.RecordNonConvergence(verdict, run.Config.Convergence)
	if !verdict.Converging {
		if run.Config.Convergence == datatypes.ModeEnforce {
			res := fatal(datatypes.FailureConvergence, step, nil, "%s", verdict.Reason)
			res.fatal.Payload = map[string]any{"signatures": run.RuntimeSignatures, "runtime": rt}
			return res
		}
		l.logger.Warn("runtime correction not converging", slog.String("reason", verdict.Reason))
	}

	if run.RuntimeCorrectionAttempts >= run.Config.MaxRuntimeCorrectionAttempts {
		res := fatal(datatypes.FailureRuntime, step, nil, "runtime verification failed after %d corrections: %s", run.RuntimeCorrectionAttempts, msg)
		res.fatal.Payload = map[string]any{"runtime": rt}
		return res
	}

	run.RuntimeCorrectionAttempts++
	plan, err := l.k.corrector.PlanRuntime(ctx, correction.RuntimeRequest{
		RunID:        run.ID,
		Goal:         run.Goal,
		SessionID:    sessionFor(step),
		Root:         run.WorktreePath,
		FailedStepID: step.ID,
		Runtime:      rt,
		Attempt:      run.RuntimeCorrectionAttempts,
	})
	if err != nil {
		res := l.correctionFailure(step, err, datatypes.FailureRuntime)
		res.fatal.Payload = map[string]any{"runtime": rt}
		return res
	}

	retry := resetStep(*step)
	retry.ID = fmt.Sprintf("%s-retry%d", baseID(step.ID), run.RuntimeCorrectionAttempts)
	return l.splice(ctx, idx, plan, &retry)
}

// heavy runs heavy validation after the final step.
func (l *loop) heavy(ctx context.Context, idx int) stepResult {
	run := l.run
	step := &run.Steps[idx]
	mode := run.Config.HeavyValidation
	if mode == datatypes.ModeOff || mode == "" {
		return stepResult{}
	}

	if err := l.transition(datatypes.RunValidating); err != nil {
		return fatal(datatypes.FailureInvariant, step, err, "%v", err)
	}
	if err := l.save(ctx); err != nil {
		l.logger.Error("persisting validating status", slog.String("error", err.Error()))
	}
	report, err := l.k.validator.Heavy(ctx, l.k.ws, run.CurrentCommit)
	if terr := l.transition(datatypes.RunRunning); terr != nil {
		return fatal(datatypes.FailureInvariant, step, terr, "%v", terr)
	}
	if err != nil {
		return fatal(datatypes.FailureValidation, step, err, "heavy validation: %v", err)
	}
	result := report.Result
	step.Validation = result
	if err := l.k.store.PutStep(ctx, run.ID, *step); err != nil {
		return fatal(datatypes.FailureTransaction, step, err, "persisting heavy result: %v", err)
	}
	l.measureHeavyCorrections(ctx, idx, result)

	if result.OK {
		run.LastValidCommit = run.CurrentCommit
		return stepResult{}
	}
	if mode == datatypes.ModeWarn {
		l.logger.Warn("heavy validation failed", slog.Int("blocking", result.BlockingCount))
		return stepResult{}
	}

	run.HeavyBlockingHistory = append(run.HeavyBlockingHistory, result.BlockingCount)
	verdict := guardrail.HeavyConvergence(run.HeavyBlockingHistory)
	guardrail.RecordNonConvergence(verdict, run.Config.Convergence)
	if !verdict.Converging {
		if run.Config.Convergence == datatypes.ModeEnforce {
			res := fatal(datatypes.FailureConvergence, step, nil, "%s", verdict.Reason)
			res.fatal.Payload = map[string]any{"history": run.HeavyBlockingHistory, "validation": result}
			return res
		}
		l.logger.Warn("heavy correction not converging, reconstructing", slog.String("reason", verdict.Reason))
	}

	if run.HeavyCorrectionAttempts >= run.Config.MaxHeavyCorrectionAttempts {
		res := fatal(datatypes.FailureValidation, step, nil, "heavy validation: %d blocking after %d corrections", result.BlockingCount, run.HeavyCorrectionAttempts)
		res.fatal.Payload = map[string]any{"validation": result}
		return res
	}

	run.HeavyCorrectionAttempts++
	plan, err := l.k.corrector.Plan(ctx, correction.Request{
		RunID:         run.ID,
		Goal:          run.Goal,
		SessionID:     sessionFor(step),
		Root:          run.WorktreePath,
		Report:        correction.FailureReport{Root: run.WorktreePath, Validation: result, Runtime: report.Runtime},
		Attempt:       run.HeavyCorrectionAttempts,
		AddressesStep: step.ID,
		PreviousPhase: l.previousPhase(idx),
		Origin:        datatypes.OriginHeavy,

		ForceReconstruction: !verdict.Converging && !reconstructing(step),
	})
	if err != nil {
		res := l.correctionFailure(step, err, datatypes.FailureValidation)
		res.fatal.Payload = map[string]any{"validation": result}
		return res
	}
	return l.splice(ctx, idx, plan, nil)
}

// measureHeavyCorrections records the outcome of committed heavy-origin
// corrections against the heavy result that follows them.
func (l *loop) measureHeavyCorrections(ctx context.Context, idx int, result *datatypes.ValidationResult) {
	run := l.run
	for i := 0; i <= idx && i < len(run.Steps); i++ {
		s := &run.Steps[i]
		if !heavyOrigin(s) || s.Correction.Measured || committedSHA(*s) == "" {
			continue
		}
		l.recordEvent(ctx, s, true, result.BlockingCount, result.Clusters(), "")
		s.Correction.Measured = true
		if err := l.k.store.PutStep(ctx, run.ID, *s); err != nil {
			l.logger.Error("persisting measured correction", slog.String("step_id", s.ID), slog.String("error", err.Error()))
		}
	}
}

// finish runs when every step is done. Outstanding placeholder debt gets
// one resolution pass per remaining validation-correction budget.
func (l *loop) finish(ctx context.Context) stepResult {
	run := l.run
	debt, err := l.k.store.ListDebt(ctx, run.ID)
	if err != nil {
		l.logger.Warn("listing placeholder debt", slog.String("error", err.Error()))
		return stepResult{}
	}
	outstanding := 0
	for _, d := range debt {
		if d.Outstanding() {
			outstanding++
		}
	}
	if outstanding == 0 {
		return stepResult{}
	}
	passes := 0
	for _, s := range run.Steps {
		if s.Correction != nil && s.Correction.Phase == datatypes.PhaseDebtResolution && s.Mutates {
			passes++
		}
	}
	if passes >= max(run.Config.MaxValidationCorrections, 1) {
		l.logger.Warn("completing with placeholder debt", slog.Int("outstanding", outstanding))
		return stepResult{}
	}

	plan, err := l.k.corrector.PlanDebtResolution(ctx, correction.DebtRequest{
		RunID:   run.ID,
		Goal:    run.Goal,
		Debt:    debt,
		Attempt: passes + 1,
	})
	if err != nil {
		l.logger.Warn("no debt resolution planned", slog.Int("outstanding", outstanding), slog.String("error", err.Error()))
		return stepResult{}
	}
	if err := l.transition(datatypes.RunOptimizing); err != nil {
		return fatal(datatypes.FailureInvariant, nil, err, "%v", err)
	}
	return l.splice(ctx, len(run.Steps)-1, plan, nil)
}

// splice inserts a correction plan (and an optional retry step) after idx.
func (l *loop) splice(ctx context.Context, idx int, plan *correction.Plan, retry *datatypes.Step) stepResult {
	run := l.run
	var step *datatypes.Step
	if idx >= 0 && idx < len(run.Steps) {
		step = &run.Steps[idx]
	}
	steps := append([]datatypes.Step(nil), plan.Steps...)
	if retry != nil {
		steps = append(steps, *retry)
	}
	if limit := run.Config.MaxSteps; limit > 0 && len(run.Steps)+len(steps) > limit {
		return fatal(datatypes.FailureCorrectionPolicy, step, nil, "step budget exhausted: %d steps planned, limit %d", len(run.Steps)+len(steps), limit)
	}

	for _, d := range plan.Debt {
		if err := l.k.store.PutDebt(ctx, d); err != nil {
			return fatal(datatypes.FailureTransaction, step, err, "recording placeholder debt: %v", err)
		}
	}
	run.SpliceAfter(idx, steps...)
	if err := l.k.store.ReplaceSteps(ctx, run.ID, run.Steps); err != nil {
		return fatal(datatypes.FailureTransaction, step, err, "persisting spliced plan: %v", err)
	}
	correctionsSpliced.WithLabelValues(string(plan.Phase)).Add(float64(len(plan.Steps)))
	if run.Status == datatypes.RunRunning {
		if err := l.transition(datatypes.RunCorrecting); err != nil {
			return fatal(datatypes.FailureInvariant, step, err, "%v", err)
		}
	}
	l.logger.Info("correction spliced",
		slog.Int("after_index", idx),
		slog.String("phase", string(plan.Phase)),
		slog.String("strategy", string(plan.Strategy)),
		slog.String("intent", string(plan.Classification.Intent)),
		slog.Int("steps", len(steps)),
	)
	return stepResult{spliced: true}
}

// fail rolls back to the last valid commit, records the failure and
// terminates the run.
func (l *loop) fail(ctx context.Context, res stepResult) error {
	run := l.run
	detail := *res.fatal
	if detail.StepID == "" {
		detail.StepIndex = run.CurrentStepIndex
	}

	if run.LastValidCommit != "" && run.WorktreePath != "" {
		resetCtx := context.WithoutCancel(ctx)
		if _, err := l.k.ws.ResetWorktreeToCommit(resetCtx, run.WorktreePath, run.LastValidCommit); err != nil {
			l.logger.Error("rollback failed", slog.String("to", run.LastValidCommit), slog.String("error", err.Error()))
			detail.Message += fmt.Sprintf(" (rollback to %s failed: %v)", short(run.LastValidCommit), err)
		} else {
			detail.RolledBack = true
			detail.RollbackTo = run.LastValidCommit
			run.CurrentCommit = run.LastValidCommit
			rollbacks.WithLabelValues(string(detail.Category)).Inc()
		}
	}

	run.Failure = &detail
	if err := l.transition(datatypes.RunFailed); err != nil {
		return err
	}
	runsFinished.WithLabelValues(string(run.Status), string(detail.Category)).Inc()
	l.logger.Error("run failed",
		slog.String("category", string(detail.Category)),
		slog.String("step_id", detail.StepID),
		slog.String("message", detail.Message),
		slog.Bool("rolled_back", detail.RolledBack),
	)
	if err := l.save(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return &RunError{RunID: run.ID, Detail: detail, Err: res.cause}
}

func (l *loop) transition(to datatypes.RunStatus) error {
	from := l.run.Status
	if err := l.run.Transition(to, l.k.now()); err != nil {
		return err
	}
	l.logger.Debug("run status", slog.String("from", string(from)), slog.String("to", string(to)))
	return nil
}

func (l *loop) save(ctx context.Context) error {
	l.run.UpdatedAt = l.k.now()
	if err := l.k.store.SaveRun(context.WithoutCancel(ctx), l.run); err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

func (l *loop) transactionFailure(step *datatypes.Step, err error) stepResult {
	l.finishStep(step, datatypes.StepFailed, err.Error())
	return fatal(datatypes.FailureTransaction, step, err, "file session: %v", err)
}

// correctionFailure maps a correction planning error to a failure.
func (l *loop) correctionFailure(step *datatypes.Step, err error, exhausted datatypes.FailureCategory) stepResult {
	switch {
	case errors.Is(err, planner.ErrNoCorrectionPlan):
		return fatal(exhausted, step, err, "no correction available: %v", err)
	case errors.Is(err, correction.ErrNoMutation):
		return fatal(datatypes.FailureCorrectionPolicy, step, err, "%v", err)
	default:
		return fatal(datatypes.FailurePlanner, step, err, "planning correction: %v", err)
	}
}

// recordEvent appends the learning event of a correction attempt.
func (l *loop) recordEvent(ctx context.Context, step *datatypes.Step, committed bool, after int, clustersAfter []datatypes.ClusterType, sessionID string) {
	env := step.Correction
	ev := datatypes.LearningEvent{
		RunID:          l.run.ID,
		SessionID:      env.SessionID,
		StepID:         step.ID,
		Phase:          env.Phase,
		Strategy:       env.Strategy,
		Intent:         env.Classification.Intent,
		BlockingBefore: env.BlockingBefore,
		BlockingAfter:  after,
		ClustersBefore: env.ClustersBefore,
		ClustersAfter:  clustersAfter,
		Committed:      committed,
		Metadata: map[string]string{
			"attempt":      fmt.Sprint(env.Attempt),
			"file_session": sessionID,
		},
	}
	if env.Recipe != "" {
		ev.Metadata["recipe"] = env.Recipe
	}
	if ev.SessionID == "" {
		ev.SessionID = step.ID
	}
	saved, err := l.k.events.Append(context.WithoutCancel(ctx), ev)
	if err != nil {
		l.logger.Warn("appending learning event", slog.String("step_id", step.ID), slog.String("error", err.Error()))
		return
	}
	l.logger.Info("correction outcome",
		slog.String("step_id", step.ID),
		slog.String("phase", string(saved.Phase)),
		slog.String("outcome", string(saved.Outcome)),
		slog.Int("blocking_before", saved.BlockingBefore),
		slog.Int("blocking_after", saved.BlockingAfter),
	)
}

// resolveDebt marks placeholders replaced by a committed debt pass.
func (l *loop) resolveDebt(ctx context.Context, diffs []datatypes.StagedDiff) {
	for _, d := range diffs {
		if d.ChangeType == datatypes.OpDelete {
			continue
		}
		content, err := os.ReadFile(filepath.Join(l.run.WorktreePath, filepath.FromSlash(d.Path)))
		if err != nil || correction.IsPlaceholder(content) {
			continue
		}
		if err := l.k.store.ResolveDebt(ctx, l.run.ID, d.Path); err != nil && !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("resolving debt", slog.String("path", d.Path), slog.String("error", err.Error()))
		}
	}
}

// previousPhase returns the phase of the last correction before idx.
func (l *loop) previousPhase(idx int) datatypes.Phase {
	for i := min(idx, len(l.run.Steps)-1); i >= 0; i-- {
		if c := l.run.Steps[i].Correction; c != nil {
			return c.Phase
		}
	}
	return ""
}

// collapsed reports whether a failing correction left the blocking count
// where it was or worse. A collapse escalates to architecture
// reconstruction unless the correction already was one.
func collapsed(step *datatypes.Step, blocking int) bool {
	env := step.Correction
	return env != nil && !reconstructing(step) && env.BlockingBefore > 0 && blocking >= env.BlockingBefore
}

func reconstructing(step *datatypes.Step) bool {
	return step.Correction != nil && step.Correction.Strategy == datatypes.StrategyArchitectureReconstruction
}

func heavyOrigin(step *datatypes.Step) bool {
	return step.Correction != nil && step.Correction.Origin == datatypes.OriginHeavy
}

// sessionFor returns the correction session a failure belongs to: the
// session of the correction that failed, or a new one named after the step.
func sessionFor(step *datatypes.Step) string {
	if step.Correction != nil && step.Correction.SessionID != "" {
		return step.Correction.SessionID
	}
	return step.ID
}

func fatal(cat datatypes.FailureCategory, step *datatypes.Step, cause error, format string, args ...any) stepResult {
	d := &datatypes.FailureDetail{Category: cat, Message: fmt.Sprintf(format, args...)}
	if step != nil {
		d.StepID = step.ID
		d.StepIndex = step.Index
	}
	return stepResult{fatal: d, cause: cause}
}

func commitMessage(run *datatypes.Run, step *datatypes.Step) string {
	subject := fmt.Sprintf("forge(%s): step %d %s", short(run.ID), step.Index, step.ID)
	if step.Correction != nil {
		subject += fmt.Sprintf(" [%s/%s]", step.Correction.Phase, step.Correction.Classification.Intent)
	}
	if cs, ok := step.Input.(datatypes.ChangeSetInput); ok && cs.Description != "" {
		return subject + "\n\n" + cs.Description
	}
	return subject
}

func summaryOf(out datatypes.StepOutput) string {
	if cs, ok := out.(datatypes.ChangeSetOutput); ok {
		return cs.Summary
	}
	return ""
}

// baseID strips a previous retry suffix.
func baseID(id string) string {
	if i := strings.LastIndex(id, "-retry"); i > 0 {
		return id[:i]
	}
	return id
}
