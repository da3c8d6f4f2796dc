// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ChangeOp is the kind of file operation a change proposes.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
	OpPatch  ChangeOp = "patch"
)

// ProposedFileChange is a file operation returned by a mutating tool.
type ProposedFileChange struct {
	Path    string   `json:"path" yaml:"path" validate:"required"`
	Op      ChangeOp `json:"op" yaml:"op" validate:"required,oneof=create update delete patch"`
	Content string   `json:"content,omitempty" yaml:"content"`
	Patch   string   `json:"patch,omitempty" yaml:"patch"`
}

// StagedDiff describes one staged path. It is kept in the committed step's
// output as the audit record of the change.
type StagedDiff struct {
	Path       string   `json:"path"`
	ChangeType ChangeOp `json:"change_type"`
	BeforeHash string   `json:"before_hash,omitempty"`
	AfterHash  string   `json:"after_hash,omitempty"`
	Bytes      int      `json:"bytes"`
	Preview    string   `json:"preview,omitempty"`
}

// Intent is the closed vocabulary of correction intents.
type Intent string

const (
	IntentRuntimeBoot           Intent = "runtime_boot"
	IntentRuntimeHealth         Intent = "runtime_health"
	IntentCompileError          Intent = "compile_error"
	IntentTestFailure           Intent = "test_failure"
	IntentMigrationFailure      Intent = "migration_failure"
	IntentArchitectureViolation Intent = "architecture_violation"
	IntentSecurityBaseline      Intent = "security_baseline"
	IntentUnknown               Intent = "unknown"
)

// Strategy is the correction strategy selected from cluster composition.
type Strategy string

const (
	StrategySingle                     Strategy = "single"
	StrategyMicroTargeted              Strategy = "micro_targeted"
	StrategyArchitectureReconstruction Strategy = "architecture_reconstruction"
	StrategyDebtResolution             Strategy = "debt_resolution"
)

// Phase is the closed set of correction phases. Every phase has exactly one
// builder in the correction engine's dispatch table.
type Phase string

const (
	PhaseRecipe               Phase = "deterministic_recipe"
	PhaseSingle               Phase = "single"
	PhaseMicroTargeted        Phase = "micro_targeted"
	PhaseStructuralReset      Phase = "structural_reset"
	PhaseFeatureReintegration Phase = "feature_reintegration"
	PhaseDebtResolution       Phase = "debt_resolution"
	PhaseRuntime              Phase = "runtime"
)

// AllPhases lists every phase.
var AllPhases = []Phase{
	PhaseRecipe,
	PhaseSingle,
	PhaseMicroTargeted,
	PhaseStructuralReset,
	PhaseFeatureReintegration,
	PhaseDebtResolution,
	PhaseRuntime,
}

// ParsePhase converts a persisted string back into a Phase.
func ParsePhase(s string) (Phase, error) {
	for _, p := range AllPhases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown correction phase %q", s)
}

// CorrectionConstraint bounds what a correction step may change.
type CorrectionConstraint struct {
	Intent          Intent   `json:"intent"`
	MaxFiles        int      `json:"max_files"`
	MaxDiffBytes    int      `json:"max_diff_bytes"`
	AllowedPrefixes []string `json:"allowed_prefixes,omitempty"`
	AllowList       []string `json:"allow_list,omitempty"`
	Guidance        string   `json:"guidance,omitempty"`
}

// ConstraintViolation describes why staged diffs exceed a constraint.
type ConstraintViolation struct {
	Reason string
	Path   string
}

func (v ConstraintViolation) String() string {
	if v.Path == "" {
		return v.Reason
	}
	return v.Reason + ": " + v.Path
}

// Check verifies staged diffs against the constraint.
//
// # Description
//
// A correction step whose staged paths or sizes break its own constraint
// must never commit. The checks are: file count, total diff bytes, path
// prefixes, and the explicit allow-list when one is set.
//
// # Inputs
//
//   - diffs: Staged diffs of the correction step.
//
// # Outputs
//
//   - []ConstraintViolation: Empty when the diffs satisfy the constraint.
func (c CorrectionConstraint) Check(diffs []StagedDiff) []ConstraintViolation {
	var out []ConstraintViolation
	if c.MaxFiles > 0 && len(diffs) > c.MaxFiles {
		out = append(out, ConstraintViolation{
			Reason: fmt.Sprintf("touches %d files, limit %d", len(diffs), c.MaxFiles),
		})
	}
	total := 0
	for _, d := range diffs {
		total += d.Bytes
	}
	if c.MaxDiffBytes > 0 && total > c.MaxDiffBytes {
		out = append(out, ConstraintViolation{
			Reason: fmt.Sprintf("diff is %d bytes, limit %d", total, c.MaxDiffBytes),
		})
	}
	allow := make(map[string]bool, len(c.AllowList))
	for _, p := range c.AllowList {
		allow[path.Clean(p)] = true
	}
	for _, d := range diffs {
		p := path.Clean(d.Path)
		if len(allow) > 0 && !allow[p] {
			out = append(out, ConstraintViolation{Reason: "path not in allow-list", Path: p})
			continue
		}
		if len(c.AllowedPrefixes) > 0 && !hasAnyPrefix(p, c.AllowedPrefixes) {
			out = append(out, ConstraintViolation{Reason: "path outside allowed prefixes", Path: p})
		}
	}
	return out
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		pre = strings.TrimSuffix(path.Clean(pre), "/")
		if pre == "." || p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}

// Classification is the correction engine's verdict on a failure.
type Classification struct {
	Intent   Intent        `json:"intent"`
	Reason   string        `json:"reason"`
	Clusters []ClusterType `json:"clusters,omitempty"`
	Files    []string      `json:"files,omitempty"`
	Modules  []string      `json:"modules,omitempty"`
	FromLogs bool          `json:"from_logs"`
}

// CorrectionOrigin names the check whose failure a correction addresses.
// A correction's outcome is measured by the same check.
type CorrectionOrigin string

const (
	OriginLight   CorrectionOrigin = "light"
	OriginHeavy   CorrectionOrigin = "heavy"
	OriginRuntime CorrectionOrigin = "runtime"
	OriginDebt    CorrectionOrigin = "debt"
)

// CorrectionEnvelope is the audit record attached to a correction step.
type CorrectionEnvelope struct {
	Phase          Phase                `json:"phase"`
	Strategy       Strategy             `json:"strategy"`
	Attempt        int                  `json:"attempt"`
	Classification Classification       `json:"classification"`
	Constraint     CorrectionConstraint `json:"constraint"`
	AddressesStep  string               `json:"addresses_step,omitempty"`
	Recipe         string               `json:"recipe,omitempty"`
	BlockingBefore int                  `json:"blocking_before"`
	ClustersBefore []ClusterType        `json:"clusters_before,omitempty"`
	SessionID      string               `json:"session_id,omitempty"`
	Origin         CorrectionOrigin     `json:"origin,omitempty"`

	// Measured is set once a heavy-origin correction has its outcome
	// recorded against a heavy validation result.
	Measured bool `json:"measured,omitempty"`
}

// Outcome classifies the effect of one correction attempt.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeImproved  Outcome = "improved"
	OutcomeStalled   Outcome = "stalled"
	OutcomeRegressed Outcome = "regressed"
	OutcomeFailed    Outcome = "failed"
)

// LearningEvent is the append-only record of one correction attempt.
type LearningEvent struct {
	ID             string            `json:"id"`
	RunID          string            `json:"run_id"`
	SessionID      string            `json:"session_id"`
	StepID         string            `json:"step_id"`
	Phase          Phase             `json:"phase"`
	Strategy       Strategy          `json:"strategy"`
	Intent         Intent            `json:"intent"`
	BlockingBefore int               `json:"blocking_before"`
	BlockingAfter  int               `json:"blocking_after"`
	ClustersBefore []ClusterType     `json:"clusters_before,omitempty"`
	ClustersAfter  []ClusterType     `json:"clusters_after,omitempty"`
	Committed      bool              `json:"committed"`
	Outcome        Outcome           `json:"outcome"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Delta is BlockingAfter - BlockingBefore; negative means improvement.
func (e LearningEvent) Delta() int {
	return e.BlockingAfter - e.BlockingBefore
}

// ClassifyOutcome derives the outcome of a correction attempt.
//
// A committed attempt that neither reduced the blocking count nor changed
// the cluster set is stalled.
func ClassifyOutcome(committed bool, before, after int, clustersBefore, clustersAfter []ClusterType) Outcome {
	switch {
	case !committed:
		return OutcomeFailed
	case after == 0:
		return OutcomeResolved
	case after < before:
		return OutcomeImproved
	case after > before:
		return OutcomeRegressed
	case SameClusters(clustersBefore, clustersAfter):
		return OutcomeStalled
	default:
		return OutcomeImproved
	}
}

// SameClusters reports whether two cluster lists contain the same set.
func SameClusters(a, b []ClusterType) bool {
	set := make(map[ClusterType]int)
	for _, c := range a {
		set[c] |= 1
	}
	for _, c := range b {
		set[c] |= 2
	}
	for _, v := range set {
		if v != 3 {
			return false
		}
	}
	return true
}

// DebtRecord tracks an auto-materialized placeholder module until a later
// pass replaces it with a real implementation.
type DebtRecord struct {
	RunID        string     `json:"run_id"`
	Path         string     `json:"path"`
	ImporterFile string     `json:"importer_file"`
	Specifier    string     `json:"specifier"`
	Exports      []string   `json:"exports,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Outstanding reports whether the placeholder has not been replaced yet.
func (d DebtRecord) Outstanding() bool {
	return d.ResolvedAt == nil
}
