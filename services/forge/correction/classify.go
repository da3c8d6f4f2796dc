// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package correction

import (
	"fmt"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/AleutianAI/forge/services/forge/archgraph"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// maxLogFiles caps the files extracted from raw logs.
const maxLogFiles = 20

// FailureReport is everything known about a failure.
type FailureReport struct {
	// Root is the worktree the failure was observed in. Absolute paths in
	// logs under Root are made relative.
	Root       string
	Validation *datatypes.ValidationResult
	Runtime    *datatypes.RuntimeResult
	Logs       string
	StepError  string
}

// Classifier assigns a correction intent to a failure.
type Classifier struct {
	modulesDir    string
	migrationsDir string
}

// NewClassifier creates a Classifier for the given project layout.
func NewClassifier(modulesDir, migrationsDir string) *Classifier {
	return &Classifier{
		modulesDir:    strings.TrimSuffix(path.Clean(modulesDir), "/"),
		migrationsDir: strings.TrimSuffix(path.Clean(migrationsDir), "/"),
	}
}

type logPattern struct {
	re     *regexp.Regexp
	intent datatypes.Intent
	reason string
}

// logPatterns are tried in order when no structured record explains the
// failure.
var logPatterns = []logPattern{
	{regexp.MustCompile(`(?i)\bmigrat(e|ion|ions)\b.*(fail|error)|(fail|error).*\bmigrat(e|ion|ions)\b`), datatypes.IntentMigrationFailure, "migration error in logs"},
	{regexp.MustCompile(`(?i)error TS\d+|SyntaxError|cannot find module|has no exported member|is not assignable to`), datatypes.IntentCompileError, "compile error in logs"},
	{regexp.MustCompile(`(?i)AssertionError|\d+ failing|Tests?:\s+\d+ failed|\bFAIL\s+\S+`), datatypes.IntentTestFailure, "test failure in logs"},
	{regexp.MustCompile(`(?i)EADDRINUSE|ECONNREFUSED|exited with code|before accepting connections|listen E`), datatypes.IntentRuntimeBoot, "boot failure in logs"},
	{regexp.MustCompile(`(?i)health (check|endpoint)|returned status [45]\d\d`), datatypes.IntentRuntimeHealth, "health failure in logs"},
	{regexp.MustCompile(`(?i)hardcoded secret|credential|\beval\(`), datatypes.IntentSecurityBaseline, "security finding in logs"},
}

var reSourcePath = regexp.MustCompile(`[\w./@-]+\.(?:[mc]?[jt]sx?|json|sql)\b`)

// Classify assigns exactly one intent to a failure.
//
// # Description
//
// Structured records are consulted first, in order: the runtime result,
// blocking violations, failed blocking checks. Raw logs are only pattern
// matched when none of those explain the failure, in which case FromLogs
// is set. Any implicated file under the migrations directory turns the
// intent into migration_failure.
//
// # Inputs
//
//   - r: The failure report.
//
// # Outputs
//
//   - datatypes.Classification: Intent, reason, clusters, files and modules.
func (c *Classifier) Classify(r FailureReport) datatypes.Classification {
	cl := c.classify(r)
	if c.migrationsDir != "" && c.migrationsDir != "." {
		for _, f := range cl.Files {
			if f == c.migrationsDir || strings.HasPrefix(f, c.migrationsDir+"/") {
				cl.Intent = datatypes.IntentMigrationFailure
				cl.Reason = "failure implicates " + f
				break
			}
		}
	}
	cl.Modules = c.modules(cl.Files, cl.Modules)
	return cl
}

func (c *Classifier) classify(r FailureReport) datatypes.Classification {
	if rt := r.Runtime; rt != nil && !rt.Ok() {
		cl := datatypes.Classification{
			Intent:   datatypes.IntentRuntimeHealth,
			Reason:   "health check failed",
			Clusters: []datatypes.ClusterType{datatypes.ClusterRuntimeMiddlewareAPI},
			Files:    c.logFiles(r.Root, rt.Logs+"\n"+rt.Error),
		}
		if !rt.Booted {
			cl.Intent = datatypes.IntentRuntimeBoot
			cl.Reason = "process did not boot"
			if rt.Error != "" {
				cl.Reason = rt.Error
			}
		}
		return cl
	}

	if v := r.Validation; v != nil {
		if cl, ok := c.fromViolations(v); ok {
			return cl
		}
		if cl, ok := c.fromChecks(r.Root, v); ok {
			return cl
		}
	}

	text := r.Logs + "\n" + r.StepError
	cl := datatypes.Classification{Intent: datatypes.IntentUnknown, Reason: "no recognizable failure", FromLogs: true}
	for _, p := range logPatterns {
		if p.re.MatchString(text) {
			cl.Intent = p.intent
			cl.Reason = p.reason
			break
		}
	}
	cl.Files = c.logFiles(r.Root, text)
	return cl
}

func (c *Classifier) fromViolations(v *datatypes.ValidationResult) (datatypes.Classification, bool) {
	var blocking []datatypes.Violation
	for _, vi := range v.Violations {
		if vi.Blocking() {
			blocking = append(blocking, vi)
		}
	}
	if len(blocking) == 0 {
		return datatypes.Classification{}, false
	}

	clusters := map[datatypes.ClusterType]bool{}
	files := map[string]bool{}
	modules := map[string]bool{}
	allSecurity := true
	for _, vi := range blocking {
		clusters[vi.Cluster] = true
		if vi.File != "" {
			files[vi.File] = true
		}
		for _, m := range vi.Modules {
			modules[m] = true
		}
		if vi.Cluster != datatypes.ClusterSecurityBaseline {
			allSecurity = false
		}
	}

	cl := datatypes.Classification{
		Intent:   datatypes.IntentArchitectureViolation,
		Clusters: sortedClusters(clusters),
		Files:    sortedKeys(files),
		Modules:  sortedKeys(modules),
	}
	if allSecurity {
		cl.Intent = datatypes.IntentSecurityBaseline
	}
	cl.Reason = blocking[0].Message
	if len(blocking) > 1 {
		cl.Reason = fmt.Sprintf("%s (and %d more)", blocking[0].Message, len(blocking)-1)
	}
	return cl, true
}

func (c *Classifier) fromChecks(root string, v *datatypes.ValidationResult) (datatypes.Classification, bool) {
	for _, chk := range v.FailedChecks() {
		if !chk.Blocking {
			continue
		}
		cl := datatypes.Classification{
			Reason: chk.Name + " check failed",
			Files:  c.logFiles(root, chk.Output),
		}
		if cluster, ok := datatypes.CheckCluster(chk.Name); ok {
			cl.Clusters = []datatypes.ClusterType{cluster}
		}
		switch chk.Name {
		case datatypes.CheckInstall, datatypes.CheckTypecheck:
			cl.Intent = datatypes.IntentCompileError
		case datatypes.CheckTest:
			cl.Intent = datatypes.IntentTestFailure
		case datatypes.CheckBoot:
			cl.Intent = datatypes.IntentRuntimeBoot
			if strings.Contains(chk.Output, "health") {
				cl.Intent = datatypes.IntentRuntimeHealth
			}
		default:
			continue
		}
		if chk.TimedOut {
			cl.Reason += " (timed out)"
		}
		return cl, true
	}
	return datatypes.Classification{}, false
}

// logFiles extracts project-relative source paths from log text.
func (c *Classifier) logFiles(root, text string) []string {
	root = strings.TrimSuffix(root, "/")
	seen := map[string]bool{}
	for _, m := range reSourcePath.FindAllString(text, -1) {
		p := m
		if root != "" && strings.HasPrefix(p, root+"/") {
			p = strings.TrimPrefix(p, root+"/")
		}
		p = strings.TrimPrefix(path.Clean(p), "./")
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") ||
			strings.Contains(p, "node_modules/") || strings.HasPrefix(p, "node:") {
			continue
		}
		seen[p] = true
		if len(seen) >= maxLogFiles {
			break
		}
	}
	return sortedKeys(seen)
}

func (c *Classifier) modules(files, known []string) []string {
	set := map[string]bool{}
	for _, m := range known {
		set[m] = true
	}
	for _, f := range files {
		if m := archgraph.ModuleOf(f, c.modulesDir); m != "" {
			set[m] = true
		}
	}
	return sortedKeys(set)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedClusters(m map[datatypes.ClusterType]bool) []datatypes.ClusterType {
	var out []datatypes.ClusterType
	for _, c := range datatypes.AllClusterTypes {
		if m[c] {
			out = append(out, c)
		}
	}
	return out
}

func hasStructural(clusters []datatypes.ClusterType) bool {
	return slices.ContainsFunc(clusters, datatypes.ClusterType.IsStructural)
}
