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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/forge/pkg/logging"
	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/kernel"
	"github.com/AleutianAI/forge/services/forge/planner"
	"github.com/AleutianAI/forge/services/forge/store"
	"github.com/AleutianAI/forge/services/forge/tools"
	"github.com/AleutianAI/forge/services/forge/validation"
	"github.com/AleutianAI/forge/services/forge/vcs"
)

// globalOptions are the persistent flags.
type globalOptions struct {
	repo       string
	configFile string
	envFile    string
	logLevel   string
	jsonOutput bool
}

// appOptions select what an app opens.
type appOptions struct {
	// planFile feeds the FilePlanner. Empty means corrections are never
	// available.
	planFile string

	// ephemeral keeps runs in memory, for commands that do not execute runs.
	ephemeral bool
}

// app is the wired process: config, logger, stores and kernel.
type app struct {
	cfg     *config.Config
	repo    string
	log     *logging.Logger
	logger  *slog.Logger
	store   *store.Store
	tel     *store.Telemetry
	planner *planner.FilePlanner
	kernel  *kernel.Kernel
}

func loadConfig(g globalOptions) (*config.Config, error) {
	return config.Load(config.Options{File: g.configFile, EnvFile: g.envFile})
}

func openApp(g globalOptions, o appOptions) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "forge",
		JSON:    cfg.Logging.JSON,
	}).Install()

	a := &app{cfg: cfg, log: log, logger: log.Slog().With("component", "cli")}
	if err := a.wire(g, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(g globalOptions, o appOptions) error {
	repo, err := filepath.Abs(g.repo)
	if err != nil {
		return fmt.Errorf("resolving repository path: %w", err)
	}
	a.repo = repo
	cfg := a.cfg

	storeDir := underRepo(repo, cfg.Store.Dir)
	storeCfg := store.DefaultConfig(storeDir)
	storeCfg.SyncWrites = cfg.Store.SyncWrites
	telemetryPath := filepath.Join(storeDir, cfg.Store.TelemetryFile)
	if o.ephemeral || cfg.Store.InMemory {
		storeCfg = store.InMemoryConfig()
		telemetryPath = ":memory:"
	}
	if a.store, err = store.Open(storeCfg); err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	if a.tel, err = store.OpenTelemetry(telemetryPath); err != nil {
		return fmt.Errorf("opening telemetry: %w", err)
	}

	iso, err := vcs.New(vcs.Config{
		RepoPath:     repo,
		BranchPrefix: cfg.VCS.BranchPrefix,
		WorktreeRoot: underRepo(repo, cfg.VCS.WorktreeRoot),
		GitTimeout:   cfg.VCS.GitTimeout,
	})
	if err != nil {
		return err
	}
	if !o.ephemeral {
		if err := iso.PruneWorktrees(context.Background()); err != nil {
			a.logger.Warn("pruning stale worktrees", slog.String("error", err.Error()))
		}
	}

	var p planner.Planner = noCorrections{}
	if o.planFile != "" {
		fp, err := planner.LoadFile(o.planFile)
		if err != nil {
			return err
		}
		a.planner, p = fp, fp
	}

	pipeline := validation.New(cfg.Architecture, cfg.Heavy)
	a.kernel, err = kernel.New(kernel.Deps{
		Config:    cfg,
		Store:     a.store,
		Events:    a.tel,
		Workspace: iso,
		Validator: pipeline,
		Tools:     tools.NewBuiltin(pipeline, cfg.Heavy),
		Planner:   p,
		Cancels:   cancelMarkers(repo, cfg),
		Logger:    a.log.Slog().With("component", "kernel"),
	})
	return err
}

// Close releases stores and the log file.
func (a *app) Close() error {
	var errs []error
	if a.tel != nil {
		errs = append(errs, a.tel.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// underRepo resolves a configured path against the repository. Empty stays
// empty so that package defaults apply.
func underRepo(repo, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(repo, p)
}

// cancelMarkers returns the out-of-store cancel markers of repo.
func cancelMarkers(repo string, cfg *config.Config) *store.CancelMarkers {
	dir := cfg.Store.CancelDir
	if dir == "" {
		dir = filepath.Join(".forge", "cancel")
	}
	return store.NewCancelMarkers(underRepo(repo, dir))
}

// noCorrections is the planner used without a plan file: it never has a
// plan, so failures that need a correction fail the run.
type noCorrections struct{}

func (noCorrections) Plan(context.Context, string, planner.PlanContext, planner.Memory) (*datatypes.Plan, error) {
	return nil, errors.New("no plan file given")
}

func (noCorrections) PlanCorrection(context.Context, datatypes.Intent, string, planner.CorrectionProfile) (*datatypes.Plan, error) {
	return nil, planner.ErrNoCorrectionPlan
}

func (noCorrections) PlanRuntimeCorrection(context.Context, planner.RuntimeCorrectionRequest) (*datatypes.Plan, error) {
	return nil, planner.ErrNoCorrectionPlan
}
