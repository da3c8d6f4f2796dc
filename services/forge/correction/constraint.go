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
	"path"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// scope names which paths a constraint template admits.
type scope int

const (
	scopeSource scope = iota
	scopeSourceAndManifest
	scopeSourceAndTests
	scopeMigrations
	scopeModules
	scopeFiles
	scopeAnywhere
)

type template struct {
	maxFiles     int
	maxDiffBytes int
	scope        scope
	guidance     string
}

// templates maps every intent to its constraint template.
var templates = map[datatypes.Intent]template{
	datatypes.IntentRuntimeBoot: {6, 64 << 10, scopeSourceAndManifest,
		"Make the service start and accept connections on $PORT. Do not add features."},
	datatypes.IntentRuntimeHealth: {4, 32 << 10, scopeSource,
		"Make the health endpoint respond with a 2xx status. Touch only the routing and bootstrap code involved."},
	datatypes.IntentCompileError: {8, 96 << 10, scopeSource,
		"Fix the reported type and syntax errors without changing behavior."},
	datatypes.IntentTestFailure: {6, 64 << 10, scopeSourceAndTests,
		"Fix the implementation so the failing tests pass. Change tests only if they contradict the goal."},
	datatypes.IntentMigrationFailure: {3, 32 << 10, scopeMigrations,
		"Fix the failing migration. Only files in the migration directory may change."},
	datatypes.IntentArchitectureViolation: {12, 128 << 10, scopeModules,
		"Restore the layer and module contracts reported by validation. Keep changes inside the implicated modules."},
	datatypes.IntentSecurityBaseline: {4, 16 << 10, scopeFiles,
		"Remove the reported secrets or dynamic evaluation. Read secrets from the environment instead."},
	datatypes.IntentUnknown: {6, 64 << 10, scopeAnywhere,
		"Make the smallest change that addresses the reported failure."},
}

// Layout is the project layout constraints are scoped to.
type Layout struct {
	SourceRoot    string
	ModulesDir    string
	MigrationsDir string
}

// ConstraintFor derives the correction constraint for a classification.
//
// # Description
//
// The intent selects a template. Architecture violations are scoped to the
// directories of the implicated modules, falling back to the source root
// when no module is known. Migration failures are scoped to the migration
// directory only. Security findings are limited to the offending files.
func ConstraintFor(cl datatypes.Classification, layout Layout) datatypes.CorrectionConstraint {
	t, ok := templates[cl.Intent]
	if !ok {
		t = templates[datatypes.IntentUnknown]
	}
	c := datatypes.CorrectionConstraint{
		Intent:       cl.Intent,
		MaxFiles:     t.maxFiles,
		MaxDiffBytes: t.maxDiffBytes,
		Guidance:     t.guidance,
	}
	src := cleanDir(layout.SourceRoot)

	switch t.scope {
	case scopeSource:
		c.AllowedPrefixes = []string{src}
	case scopeSourceAndManifest:
		c.AllowedPrefixes = []string{src, "package.json"}
	case scopeSourceAndTests:
		c.AllowedPrefixes = []string{src, "test", "tests"}
	case scopeMigrations:
		c.AllowedPrefixes = []string{cleanDir(layout.MigrationsDir)}
	case scopeModules:
		for _, m := range cl.Modules {
			c.AllowedPrefixes = append(c.AllowedPrefixes, path.Join(cleanDir(layout.ModulesDir), m))
		}
		if len(c.AllowedPrefixes) == 0 {
			c.AllowedPrefixes = []string{src}
		}
	case scopeFiles:
		if len(cl.Files) > 0 {
			c.AllowList = append([]string(nil), cl.Files...)
		} else {
			c.AllowedPrefixes = []string{src}
		}
	case scopeAnywhere:
	}
	return c
}

// narrowToFiles restricts a constraint to an explicit allow-list.
func narrowToFiles(c datatypes.CorrectionConstraint, files []string, maxFiles int) datatypes.CorrectionConstraint {
	c.AllowList = append([]string(nil), files...)
	if maxFiles > 0 && (c.MaxFiles == 0 || maxFiles < c.MaxFiles) {
		c.MaxFiles = maxFiles
	}
	c.Guidance += " Only the listed files may change; do not restructure modules."
	return c
}

// widenForReconstruction relaxes caps for structural phases.
func widenForReconstruction(c datatypes.CorrectionConstraint, phase datatypes.Phase) datatypes.CorrectionConstraint {
	c.MaxFiles *= 3
	c.MaxDiffBytes *= 3
	c.AllowList = nil
	switch phase {
	case datatypes.PhaseStructuralReset:
		c.Guidance = "Restructure the implicated modules so imports follow the layer order and public entries. Do not add features."
	case datatypes.PhaseFeatureReintegration:
		c.Guidance = "Reintegrate the goal's features on top of the restructured modules without breaking layer contracts."
	}
	return c
}

func cleanDir(d string) string {
	return path.Clean(d)
}
