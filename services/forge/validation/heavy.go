// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// HeavyReport is a heavy validation result plus the boot probe outcome.
type HeavyReport struct {
	Result  *datatypes.ValidationResult
	Runtime *datatypes.RuntimeResult
}

// RunHeavy validates ref in a throwaway worktree. See Heavy.
func (p *Pipeline) RunHeavy(ctx context.Context, iso Isolator, ref string) (*datatypes.ValidationResult, error) {
	report, err := p.Heavy(ctx, iso, ref)
	if err != nil {
		return nil, err
	}
	return report.Result, nil
}

// Heavy runs the full pipeline against ref.
//
// # Description
//
// Inside a detached worktree of ref: light validation, dependency
// install, typecheck, tests and the boot probe. Every check is
// independently skippable and independently blocking (HeavyConfig
// NonBlocking demotes a check). Checks that depend on a failed install are
// skipped. The result is blocking iff a blocking check failed.
//
// # Inputs
//
//   - ctx: Stops running subprocesses when done.
//   - iso: Provides the isolated worktree; the run worktree is never used.
//   - ref: Commit to validate.
//
// # Outputs
//
//   - *HeavyReport: Result with Heavy set and per-check records.
//   - error: Worktree or light-validation infrastructure failures only.
//     Failing checks are reported in the result, not as errors.
func (p *Pipeline) Heavy(ctx context.Context, iso Isolator, ref string) (*HeavyReport, error) {
	ctx, span := startSpan(ctx, "Pipeline.Heavy", tierHeavy)
	defer span.End()
	start := time.Now()

	var report *HeavyReport
	err := iso.WithIsolatedWorktree(ctx, ref, func(ctx context.Context, dir string) error {
		r, err := p.heavyIn(ctx, dir)
		report = r
		return err
	})
	if err != nil {
		span.RecordError(err)
		recordValidation(ctx, tierHeavy, time.Since(start), 0, 0, false)
		return nil, fmt.Errorf("heavy validation of %s: %w", ref, err)
	}

	setSpanResult(span, report.Result)
	recordValidation(ctx, tierHeavy, time.Since(start), report.Result.BlockingCount, report.Result.WarningCount, true)
	p.logger.Info("heavy validation finished",
		slog.String("ref", ref),
		slog.Bool("ok", report.Result.OK),
		slog.Int("blocking", report.Result.BlockingCount),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (p *Pipeline) heavyIn(ctx context.Context, dir string) (*HeavyReport, error) {
	light, err := p.Light(ctx, dir)
	if err != nil {
		return nil, err
	}
	result := light.Result
	result.Heavy = true

	lightCheck := datatypes.CheckResult{
		Name:     datatypes.CheckLight,
		Status:   datatypes.CheckPass,
		Blocking: p.blocking(datatypes.CheckLight),
	}
	if !light.Result.OK {
		lightCheck.Status = datatypes.CheckFail
		lightCheck.Output = fmt.Sprintf("%d blocking violations", light.Result.BlockingCount)
	}
	result.Checks = append(result.Checks, lightCheck)

	install := p.runCheck(ctx, dir, datatypes.CheckInstall, p.heavy.InstallCommand, p.installSkip(dir))
	result.Checks = append(result.Checks, install)

	afterInstall := ""
	if install.Status == datatypes.CheckFail {
		afterInstall = "dependency install failed"
	}

	typecheckSkip := orSkip(afterInstall, p.heavy.SkipTypecheck, p.heavy.TypecheckCommand)
	if typecheckSkip == "" && !exists(filepath.Join(dir, "tsconfig.json")) {
		typecheckSkip = "no tsconfig.json"
	}
	result.Checks = append(result.Checks,
		p.runCheck(ctx, dir, datatypes.CheckTypecheck, p.heavy.TypecheckCommand, typecheckSkip))
	result.Checks = append(result.Checks,
		p.runCheck(ctx, dir, datatypes.CheckTest, p.heavy.TestCommand,
			orSkip(afterInstall, p.heavy.SkipTests, p.heavy.TestCommand)))

	boot, runtime := p.bootCheck(ctx, dir, orSkip(afterInstall, p.heavy.SkipBoot, p.heavy.BootCommand))
	result.Checks = append(result.Checks, boot)

	if !lightCheck.Blocking {
		// A demoted light check must not block through its violations.
		for i := range result.Violations {
			result.Violations[i].Severity = datatypes.SeverityWarning
		}
	}
	result.Recount()
	return &HeavyReport{Result: result, Runtime: runtime}, nil
}

func (p *Pipeline) installSkip(dir string) string {
	if reason := orSkip("", p.heavy.SkipInstall, p.heavy.InstallCommand); reason != "" {
		return reason
	}
	if exists(filepath.Join(dir, "node_modules")) {
		return "dependencies already present"
	}
	if !exists(filepath.Join(dir, "package.json")) {
		return "no package.json"
	}
	return ""
}

// orSkip returns the first applicable skip reason.
func orSkip(inherited string, disabled bool, command []string) string {
	switch {
	case inherited != "":
		return inherited
	case disabled:
		return "disabled"
	case len(command) == 0:
		return "no command configured"
	default:
		return ""
	}
}

func (p *Pipeline) blocking(check string) bool {
	for _, name := range p.heavy.NonBlocking {
		if name == check {
			return false
		}
	}
	return true
}

func (p *Pipeline) runCheck(ctx context.Context, dir, name string, command []string, skip string) datatypes.CheckResult {
	c := datatypes.CheckResult{Name: name, Blocking: p.blocking(name)}
	if skip != "" {
		c.Status = datatypes.CheckSkip
		c.SkipReason = skip
		recordCheck(ctx, c)
		return c
	}

	res, err := p.runner.Run(ctx, CommandSpec{
		Dir:     dir,
		Argv:    command,
		Env:     []string{"CI=true"},
		Timeout: p.heavy.CommandTimeout,
	})
	c.Duration = res.Duration
	c.ExitCode = res.ExitCode
	c.Output = res.Output
	c.TimedOut = res.TimedOut
	switch {
	case err != nil:
		c.Status = datatypes.CheckFail
		c.Output = err.Error()
	case res.OK():
		c.Status = datatypes.CheckPass
	default:
		c.Status = datatypes.CheckFail
	}
	p.logger.Debug("heavy check finished",
		slog.String("check", name),
		slog.String("status", string(c.Status)),
		slog.Int("exit_code", c.ExitCode),
		slog.Bool("timed_out", c.TimedOut),
	)
	recordCheck(ctx, c)
	return c
}

func (p *Pipeline) bootCheck(ctx context.Context, dir, skip string) (datatypes.CheckResult, *datatypes.RuntimeResult) {
	c := datatypes.CheckResult{Name: datatypes.CheckBoot, Blocking: p.blocking(datatypes.CheckBoot)}
	if skip != "" {
		c.Status = datatypes.CheckSkip
		c.SkipReason = skip
		recordCheck(ctx, c)
		return c, nil
	}

	rt := p.prober.Probe(ctx, ProbeSpec{
		Dir:        dir,
		Command:    p.heavy.BootCommand,
		HealthPath: p.heavy.BootHealthPath,
		Timeout:    p.heavy.BootTimeout,
	})
	c.Duration = rt.Duration
	c.TimedOut = rt.TimedOut
	c.Output = rt.Logs
	if rt.ExitCode != nil {
		c.ExitCode = *rt.ExitCode
	}
	if rt.Ok() {
		c.Status = datatypes.CheckPass
	} else {
		c.Status = datatypes.CheckFail
		if rt.Error != "" {
			c.Output = rt.Error + "\n" + rt.Logs
		}
	}
	recordCheck(ctx, c)
	return c, rt
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return !errors.Is(err, os.ErrNotExist)
}
