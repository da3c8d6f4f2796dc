// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// MaxPlanFileSize bounds plan files.
const MaxPlanFileSize = 4 * 1024 * 1024

// stepFile is the YAML form of a step. Exactly one payload is set.
type stepFile struct {
	ID      string             `yaml:"id"`
	Type    datatypes.StepType `yaml:"type"`
	Tool    string             `yaml:"tool"`
	Mutates bool               `yaml:"mutates"`

	Analyze      *datatypes.AnalyzeInput      `yaml:"analyze"`
	ChangeSet    *datatypes.ChangeSetInput    `yaml:"change_set"`
	Command      *datatypes.CommandInput      `yaml:"command"`
	RuntimeCheck *datatypes.RuntimeCheckInput `yaml:"runtime_check"`
}

type planSection struct {
	Steps []stepFile `yaml:"steps"`
}

type planFile struct {
	Goal               string                   `yaml:"goal"`
	Steps              []stepFile               `yaml:"steps"`
	Corrections        map[string][]planSection `yaml:"corrections"`
	RuntimeCorrections []planSection            `yaml:"runtime_corrections"`
}

// FilePlanner serves plans from a YAML file.
//
// # Description
//
// The main plan comes from the top-level steps. Corrections are looked up
// by intent, one entry per attempt: attempt N uses the N-th entry. A
// missing entry yields ErrNoCorrectionPlan. Correction step ids are
// suffixed with the attempt so repeated corrections stay unique.
//
// # Thread Safety
//
// Immutable after LoadFile; safe for concurrent use.
type FilePlanner struct {
	path   string
	file   planFile
	logger *slog.Logger
}

// LoadFile parses a plan file.
func LoadFile(path string) (*FilePlanner, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	if info.Size() > MaxPlanFileSize {
		return nil, fmt.Errorf("plan file %s exceeds %d bytes", path, MaxPlanFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan file: %w", err)
	}
	return Parse(path, data)
}

// Parse builds a FilePlanner from YAML content. name is used in messages.
func Parse(name string, data []byte) (*FilePlanner, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidPlan, name, err)
	}
	p := &FilePlanner{path: name, file: f, logger: slog.Default().With("component", "planner.file")}
	if _, err := p.build(f.Steps, ""); err != nil {
		return nil, err
	}
	return p, nil
}

// Goal returns the goal declared in the file, if any.
func (p *FilePlanner) Goal() string {
	return p.file.Goal
}

// Plan returns the file's main plan.
func (p *FilePlanner) Plan(ctx context.Context, goal string, pc PlanContext, memory Memory) (*datatypes.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.build(p.file.Steps, "")
}

// PlanCorrection returns the correction configured for intent and attempt.
func (p *FilePlanner) PlanCorrection(ctx context.Context, intent datatypes.Intent, summary string, profile CorrectionProfile) (*datatypes.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sections := p.file.Corrections[string(intent)]
	if profile.Attempt < 1 || profile.Attempt > len(sections) {
		p.logger.Info("no correction configured",
			slog.String("intent", string(intent)),
			slog.Int("attempt", profile.Attempt),
		)
		return nil, fmt.Errorf("%w: intent %s attempt %d", ErrNoCorrectionPlan, intent, profile.Attempt)
	}
	return p.build(sections[profile.Attempt-1].Steps, fmt.Sprintf("-c%d", profile.Attempt))
}

// PlanRuntimeCorrection returns the runtime correction for the attempt.
func (p *FilePlanner) PlanRuntimeCorrection(ctx context.Context, req RuntimeCorrectionRequest) (*datatypes.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sections := p.file.RuntimeCorrections
	if req.Attempt < 1 || req.Attempt > len(sections) {
		return nil, fmt.Errorf("%w: runtime attempt %d", ErrNoCorrectionPlan, req.Attempt)
	}
	return p.build(sections[req.Attempt-1].Steps, fmt.Sprintf("-r%d", req.Attempt))
}

func (p *FilePlanner) build(steps []stepFile, idSuffix string) (*datatypes.Plan, error) {
	plan := &datatypes.Plan{Steps: make([]datatypes.Step, 0, len(steps))}
	for i, sf := range steps {
		step := datatypes.Step{
			ID:      sf.ID + idSuffix,
			Index:   i,
			Type:    sf.Type,
			Tool:    sf.Tool,
			Mutates: sf.Mutates,
			Status:  datatypes.StepPending,
		}
		set := 0
		if sf.Analyze != nil {
			step.Input = *sf.Analyze
			set++
		}
		if sf.ChangeSet != nil {
			step.Input = *sf.ChangeSet
			set++
		}
		if sf.Command != nil {
			step.Input = *sf.Command
			set++
		}
		if sf.RuntimeCheck != nil {
			step.Input = *sf.RuntimeCheck
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("%w: %s: step %q must set exactly one payload, has %d", ErrInvalidPlan, p.path, sf.ID, set)
		}
		plan.Steps = append(plan.Steps, step)
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("%s: %w", p.path, err)
	}
	return plan, nil
}
