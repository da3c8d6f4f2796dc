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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/kernel"
	"github.com/AleutianAI/forge/services/forge/store"
)

func newRootCmd(stdout io.Writer) *cobra.Command {
	var g globalOptions

	root := &cobra.Command{
		Use:   "forge",
		Short: "Run coding plans in isolated worktrees with validation and correction",
		Long: `forge executes a plan of steps against a git repository. Every mutating
step is committed on a reserved run branch, validated, and corrected or
rolled back to the last valid commit when validation fails.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.repo, "repo", ".", "path of the git repository")
	pf.StringVar(&g.configFile, "config", "", "YAML config file")
	pf.StringVar(&g.envFile, "env-file", ".env", "dotenv file with FORGE_* overrides")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&g.jsonOutput, "json", false, "print results as JSON")

	out := printer{w: stdout, json: &g.jsonOutput}
	root.AddCommand(
		newRunCmd(&g, out),
		newValidateCmd(&g, out),
		newResumeCmd(&g, out),
		newForkCmd(&g, out),
		newCancelCmd(&g, out),
	)
	return root
}

func newRunCmd(g *globalOptions, out printer) *cobra.Command {
	var (
		planFile string
		goal     string
		runID    string
		light    string
		heavy    string
	)
	cmd := &cobra.Command{
		Use:   "run --plan FILE",
		Short: "Start a run from a plan file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*g, appOptions{planFile: planFile})
			if err != nil {
				return err
			}
			defer a.Close()

			if goal == "" {
				goal = a.planner.Goal()
			}
			exec := a.cfg.Execution
			if light != "" {
				exec.LightValidation = datatypes.ValidationMode(light)
			}
			if heavy != "" {
				exec.HeavyValidation = datatypes.ValidationMode(heavy)
			}
			run, err := a.kernel.Start(cmd.Context(), kernel.StartRequest{
				RunID:     runID,
				Goal:      goal,
				RepoPath:  a.repo,
				Execution: &exec,
			})
			return out.run(run, err)
		},
	}
	f := cmd.Flags()
	f.StringVar(&planFile, "plan", "", "YAML plan file (required)")
	f.StringVar(&goal, "goal", "", "goal text; defaults to the plan file's goal")
	f.StringVar(&runID, "run-id", "", "run id; defaults to a new UUID")
	f.StringVar(&light, "light", "", "light validation mode: off, warn or enforce")
	f.StringVar(&heavy, "heavy", "", "heavy validation mode: off, warn or enforce")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func newValidateCmd(g *globalOptions, out printer) *cobra.Command {
	var (
		root     string
		heavyRef string
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a working tree without starting a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(*g, appOptions{ephemeral: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if root == "" {
				root = a.repo
			}
			report, err := a.kernel.ValidateOnly(cmd.Context(), kernel.ValidateRequest{Root: root, HeavyRef: heavyRef})
			if err != nil {
				return err
			}
			if err := out.value(report); err != nil {
				return err
			}
			if !report.Ok() {
				return errNotOK
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory to validate; defaults to --repo")
	cmd.Flags().StringVar(&heavyRef, "heavy-ref", "", "also run heavy validation of this commit in an isolated worktree")
	return cmd
}

func newResumeCmd(g *globalOptions, out printer) *cobra.Command {
	var planFile string
	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a run that did not reach a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*g, appOptions{planFile: planFile})
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.kernel.Resume(cmd.Context(), args[0])
			return out.run(run, err)
		},
	}
	cmd.Flags().StringVar(&planFile, "plan", "", "plan file supplying corrections")
	return cmd
}

func newForkCmd(g *globalOptions, out printer) *cobra.Command {
	var (
		planFile string
		step     int
		newID    string
	)
	cmd := &cobra.Command{
		Use:   "fork RUN_ID --step N",
		Short: "Start a new run from the commit of a committed step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*g, appOptions{planFile: planFile})
			if err != nil {
				return err
			}
			defer a.Close()
			run, err := a.kernel.Fork(cmd.Context(), kernel.ForkRequest{RunID: args[0], StepIndex: step, NewRunID: newID})
			return out.run(run, err)
		},
	}
	f := cmd.Flags()
	f.IntVar(&step, "step", -1, "index of the committed step to fork from (required)")
	f.StringVar(&newID, "new-run-id", "", "id of the new run; defaults to a new UUID")
	f.StringVar(&planFile, "plan", "", "plan file supplying corrections")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func newCancelCmd(g *globalOptions, out printer) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*g, appOptions{})
			if errors.Is(err, store.ErrStoreBusy) {
				// A worker holds the store; leave a marker it polls.
				if err := requestCancelMarker(*g, args[0]); err != nil {
					return err
				}
				return out.value(map[string]string{"run_id": args[0], "cancel": "requested"})
			}
			if err != nil {
				return err
			}
			defer a.Close()
			cancelled, err := a.kernel.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			state := "requested"
			if cancelled {
				state = "cancelled"
			}
			return out.value(map[string]string{"run_id": args[0], "cancel": state})
		},
	}
}

func requestCancelMarker(g globalOptions, runID string) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	repo, err := filepath.Abs(g.repo)
	if err != nil {
		return fmt.Errorf("resolving repository path: %w", err)
	}
	return cancelMarkers(repo, cfg).Request(runID)
}

// printer writes results as YAML, or JSON with --json.
type printer struct {
	w    io.Writer
	json *bool
}

func (p printer) value(v any) error {
	if *p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// run prints the run, when there is one, and passes err through.
func (p printer) run(run *datatypes.Run, err error) error {
	if run == nil {
		return err
	}
	if perr := p.value(summarize(run)); perr != nil && err == nil {
		return perr
	}
	if err == nil && !run.Ok() {
		return errNotOK
	}
	return err
}

type stepSummary struct {
	Index  int    `json:"index" yaml:"index"`
	ID     string `json:"id" yaml:"id"`
	Tool   string `json:"tool" yaml:"tool"`
	Status string `json:"status" yaml:"status"`
	Commit string `json:"commit,omitempty" yaml:"commit,omitempty"`
	Phase  string `json:"phase,omitempty" yaml:"phase,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type failureSummary struct {
	Category   string `json:"category" yaml:"category"`
	Message    string `json:"message" yaml:"message"`
	StepID     string `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	RolledBack bool   `json:"rolled_back" yaml:"rolled_back"`
	RollbackTo string `json:"rollback_to,omitempty" yaml:"rollback_to,omitempty"`
}

type runSummary struct {
	ID              string          `json:"id" yaml:"id"`
	Status          string          `json:"status" yaml:"status"`
	Goal            string          `json:"goal,omitempty" yaml:"goal,omitempty"`
	Branch          string          `json:"branch" yaml:"branch"`
	Worktree        string          `json:"worktree" yaml:"worktree"`
	BaseCommit      string          `json:"base_commit" yaml:"base_commit"`
	CurrentCommit   string          `json:"current_commit" yaml:"current_commit"`
	LastValidCommit string          `json:"last_valid_commit" yaml:"last_valid_commit"`
	Steps           []stepSummary   `json:"steps" yaml:"steps"`
	Failure         *failureSummary `json:"failure,omitempty" yaml:"failure,omitempty"`
}

func summarize(run *datatypes.Run) runSummary {
	s := runSummary{
		ID:              run.ID,
		Status:          string(run.Status),
		Goal:            run.Goal,
		Branch:          run.Branch,
		Worktree:        run.WorktreePath,
		BaseCommit:      run.BaseCommit,
		CurrentCommit:   run.CurrentCommit,
		LastValidCommit: run.LastValidCommit,
	}
	for _, st := range run.Steps {
		ss := stepSummary{Index: st.Index, ID: st.ID, Tool: st.Tool, Status: string(st.Status), Error: st.Error}
		if cs, ok := st.Output.(datatypes.ChangeSetOutput); ok {
			ss.Commit = cs.CommitSHA
		}
		if st.Correction != nil {
			ss.Phase = string(st.Correction.Phase)
		}
		s.Steps = append(s.Steps, ss)
	}
	if f := run.Failure; f != nil {
		s.Failure = &failureSummary{
			Category:   string(f.Category),
			Message:    f.Message,
			StepID:     f.StepID,
			RolledBack: f.RolledBack,
			RollbackTo: f.RollbackTo,
		}
	}
	return s
}
