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
	"sort"
	"time"
)

// ClusterType names a grouping of related violations.
type ClusterType string

const (
	ClusterArchitectureContract ClusterType = "architecture_contract"
	ClusterDependencyCycle      ClusterType = "dependency_cycle"
	ClusterLayerBoundary        ClusterType = "layer_boundary_violation"
	ClusterImportResolution     ClusterType = "import_resolution_error"
	ClusterTestContractGap      ClusterType = "test_contract_gap"
	ClusterTypecheckFailure     ClusterType = "typecheck_failure"
	ClusterBuildFailure         ClusterType = "build_failure"
	ClusterTestFailure          ClusterType = "test_failure"
	ClusterRuntimeMiddlewareAPI ClusterType = "runtime_middleware_api"
	ClusterSecurityBaseline     ClusterType = "security_baseline"
)

// AllClusterTypes lists every cluster in a stable order.
var AllClusterTypes = []ClusterType{
	ClusterArchitectureContract,
	ClusterDependencyCycle,
	ClusterLayerBoundary,
	ClusterImportResolution,
	ClusterTestContractGap,
	ClusterTypecheckFailure,
	ClusterBuildFailure,
	ClusterTestFailure,
	ClusterRuntimeMiddlewareAPI,
	ClusterSecurityBaseline,
}

// IsStructural reports whether the cluster describes module structure
// rather than a local defect.
func (c ClusterType) IsStructural() bool {
	switch c {
	case ClusterArchitectureContract, ClusterDependencyCycle, ClusterLayerBoundary:
		return true
	case ClusterImportResolution, ClusterTestContractGap, ClusterTypecheckFailure,
		ClusterBuildFailure, ClusterTestFailure, ClusterRuntimeMiddlewareAPI,
		ClusterSecurityBaseline:
		return false
	default:
		return false
	}
}

// Severity of a violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Violation is one rule breach found by validation.
type Violation struct {
	RuleID    string      `json:"rule_id"`
	Cluster   ClusterType `json:"cluster"`
	Severity  Severity    `json:"severity"`
	File      string      `json:"file,omitempty"`
	Line      int         `json:"line,omitempty"`
	Specifier string      `json:"specifier,omitempty"`
	Modules   []string    `json:"modules,omitempty"`
	Message   string      `json:"message"`
}

// Blocking reports whether the violation fails validation.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError
}

// SortViolations orders violations by (rule id, file, line, specifier,
// message) so repeated runs over the same input produce identical output.
func SortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Specifier != b.Specifier {
			return a.Specifier < b.Specifier
		}
		return a.Message < b.Message
	})
}

// CheckStatus is the outcome of one heavy-validation sub-check.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckSkip CheckStatus = "skip"
)

// CheckResult records one heavy-validation sub-check.
type CheckResult struct {
	Name       string        `json:"name"`
	Status     CheckStatus   `json:"status"`
	Blocking   bool          `json:"blocking"`
	ExitCode   int           `json:"exit_code"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	SkipReason string        `json:"skip_reason,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
}

// Failed reports whether the check ran and failed while blocking.
func (c CheckResult) Failed() bool {
	return c.Status == CheckFail && c.Blocking
}

// ValidationResult is the output of a light or heavy validation pass.
type ValidationResult struct {
	OK            bool          `json:"ok"`
	BlockingCount int           `json:"blocking_count"`
	WarningCount  int           `json:"warning_count"`
	Violations    []Violation   `json:"violations"`
	Checks        []CheckResult `json:"checks,omitempty"`
	Heavy         bool          `json:"heavy"`
}

// NewValidationResult builds a result from violations, sorting them and
// computing the counters.
func NewValidationResult(vs []Violation) *ValidationResult {
	SortViolations(vs)
	r := &ValidationResult{Violations: vs}
	r.Recount()
	return r
}

// Recount recomputes BlockingCount, WarningCount and OK from the violations
// and any heavy checks.
func (r *ValidationResult) Recount() {
	r.BlockingCount, r.WarningCount = 0, 0
	for _, v := range r.Violations {
		if v.Blocking() {
			r.BlockingCount++
		} else {
			r.WarningCount++
		}
	}
	for _, c := range r.Checks {
		// light failures are already counted through their violations
		if c.Failed() && c.Name != CheckLight {
			r.BlockingCount++
		}
	}
	r.OK = r.BlockingCount == 0
}

// Clusters returns the distinct clusters of blocking violations in the
// stable AllClusterTypes order.
func (r *ValidationResult) Clusters() []ClusterType {
	if r == nil {
		return nil
	}
	seen := make(map[ClusterType]bool)
	for _, v := range r.Violations {
		if v.Blocking() {
			seen[v.Cluster] = true
		}
	}
	for _, c := range r.Checks {
		if c.Failed() {
			if ct, ok := CheckCluster(c.Name); ok {
				seen[ct] = true
			}
		}
	}
	out := make([]ClusterType, 0, len(seen))
	for _, ct := range AllClusterTypes {
		if seen[ct] {
			out = append(out, ct)
		}
	}
	return out
}

// ByCluster groups blocking violations by cluster.
func (r *ValidationResult) ByCluster() map[ClusterType][]Violation {
	out := make(map[ClusterType][]Violation)
	if r == nil {
		return out
	}
	for _, v := range r.Violations {
		if v.Blocking() {
			out[v.Cluster] = append(out[v.Cluster], v)
		}
	}
	return out
}

// FailedChecks returns the blocking checks that failed.
func (r *ValidationResult) FailedChecks() []CheckResult {
	if r == nil {
		return nil
	}
	var out []CheckResult
	for _, c := range r.Checks {
		if c.Failed() {
			out = append(out, c)
		}
	}
	return out
}

// Heavy check names.
const (
	CheckLight     = "light"
	CheckInstall   = "install"
	CheckTypecheck = "typecheck"
	CheckTest      = "test"
	CheckBoot      = "boot"
)

// CheckCluster maps a heavy check name to the cluster its failure belongs to.
func CheckCluster(name string) (ClusterType, bool) {
	switch name {
	case CheckInstall:
		return ClusterBuildFailure, true
	case CheckTypecheck:
		return ClusterTypecheckFailure, true
	case CheckTest:
		return ClusterTestFailure, true
	case CheckBoot:
		return ClusterRuntimeMiddlewareAPI, true
	default:
		return "", false
	}
}
