// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archgraph

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Rule identifiers.
const (
	RuleDependencyCycle              = "dependencyCycle"
	RuleLayerBoundary                = "layerBoundary"
	RuleUnknownLayerDirectory        = "unknownLayerDirectory"
	RuleCrossModuleInternalImport    = "crossModuleInternalImport"
	RuleUnresolvedImport             = "unresolvedImport"
	RuleControllerNoDataAccessClient = "controllerNoDataAccessClient"
	RuleServiceNoRequestImport       = "serviceNoRequestImport"
	RuleNoRawErrorConstruction       = "noRawErrorConstruction"
	RuleModuleMissingTests           = "moduleMissingTests"
	RuleMissingProjectFile           = "missingProjectFile"
)

// Analyze builds the graph for root and checks it.
func (a *Analyzer) Analyze(ctx context.Context, root string) (*Graph, []datatypes.Violation, error) {
	g, err := a.Build(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	return g, a.Check(g), nil
}

// Check evaluates every architecture rule against g.
//
// # Outputs
//
//   - []datatypes.Violation: Sorted by (rule, file, line, specifier,
//     message). Identical graphs yield identical slices.
func (a *Analyzer) Check(g *Graph) []datatypes.Violation {
	var out []datatypes.Violation
	out = append(out, a.checkProjectFiles(g)...)
	out = append(out, a.checkCycles(g)...)
	out = append(out, a.checkModuleLayout(g)...)
	for _, rel := range g.SortedFiles() {
		out = append(out, a.checkFile(g, g.Files[rel])...)
	}
	datatypes.SortViolations(out)
	return out
}

func (a *Analyzer) checkProjectFiles(g *Graph) []datatypes.Violation {
	var out []datatypes.Violation
	for _, f := range g.MissingFiles {
		out = append(out, datatypes.Violation{
			RuleID:   RuleMissingProjectFile,
			Cluster:  datatypes.ClusterArchitectureContract,
			Severity: datatypes.SeverityError,
			File:     f,
			Message:  fmt.Sprintf("required file %s is missing", f),
		})
	}
	return out
}

func (a *Analyzer) checkCycles(g *Graph) []datatypes.Violation {
	var out []datatypes.Violation
	for _, scc := range StronglyConnected(g.ModuleEdges) {
		out = append(out, datatypes.Violation{
			RuleID:   RuleDependencyCycle,
			Cluster:  datatypes.ClusterDependencyCycle,
			Severity: datatypes.SeverityError,
			Modules:  scc,
			Message:  "modules form a dependency cycle: " + strings.Join(scc, " -> "),
		})
	}
	return out
}

func (a *Analyzer) checkModuleLayout(g *Graph) []datatypes.Violation {
	var out []datatypes.Violation
	for _, m := range g.Modules {
		moduleDir := path.Join(a.cfg.ModulesDir, m)
		for _, sub := range g.ModuleDirs[m] {
			if IsLayerDir(sub) {
				continue
			}
			out = append(out, datatypes.Violation{
				RuleID:   RuleUnknownLayerDirectory,
				Cluster:  datatypes.ClusterArchitectureContract,
				Severity: datatypes.SeverityWarning,
				File:     path.Join(moduleDir, sub),
				Modules:  []string{m},
				Message:  fmt.Sprintf("directory %q in module %s is not a recognized layer", sub, m),
			})
		}
		if g.ModuleTests[m] == 0 {
			out = append(out, datatypes.Violation{
				RuleID:   RuleModuleMissingTests,
				Cluster:  datatypes.ClusterTestContractGap,
				Severity: datatypes.SeverityWarning,
				File:     moduleDir,
				Modules:  []string{m},
				Message:  fmt.Sprintf("module %s has no tests", m),
			})
		}
	}
	return out
}

func (a *Analyzer) checkFile(g *Graph, f *File) []datatypes.Violation {
	var out []datatypes.Violation
	for _, e := range f.Edges {
		switch {
		case e.Relative && !e.Resolved():
			out = append(out, datatypes.Violation{
				RuleID:    RuleUnresolvedImport,
				Cluster:   datatypes.ClusterImportResolution,
				Severity:  datatypes.SeverityError,
				File:      f.Path,
				Line:      e.Line,
				Specifier: e.Specifier,
				Message:   fmt.Sprintf("cannot resolve %q", e.Specifier),
			})
		case e.Resolved():
			out = append(out, a.checkInternalEdge(g, f, e)...)
		default:
			out = append(out, a.checkPackageEdge(f, e)...)
		}
	}
	for _, site := range f.Facts.ErrorConstructions {
		out = append(out, datatypes.Violation{
			RuleID:   RuleNoRawErrorConstruction,
			Cluster:  datatypes.ClusterArchitectureContract,
			Severity: datatypes.SeverityWarning,
			File:     f.Path,
			Line:     site.Line,
			Message:  "raw Error constructed; use a typed error",
		})
	}
	return out
}

func (a *Analyzer) checkInternalEdge(g *Graph, f *File, e Edge) []datatypes.Violation {
	var out []datatypes.Violation
	target, ok := g.Files[e.Target]
	if !ok {
		return nil
	}
	if !LayerAllows(f.Layer, target.Layer) {
		out = append(out, datatypes.Violation{
			RuleID:    RuleLayerBoundary,
			Cluster:   datatypes.ClusterLayerBoundary,
			Severity:  datatypes.SeverityError,
			File:      f.Path,
			Line:      e.Line,
			Specifier: e.Specifier,
			Message:   fmt.Sprintf("%s layer must not import %s layer", f.Layer, target.Layer),
		})
	}
	if f.Module != "" && target.Module != "" && f.Module != target.Module &&
		!IsPublicEntry(target.Path, target.Module, a.cfg.ModulesDir) {
		out = append(out, datatypes.Violation{
			RuleID:    RuleCrossModuleInternalImport,
			Cluster:   datatypes.ClusterArchitectureContract,
			Severity:  datatypes.SeverityError,
			File:      f.Path,
			Line:      e.Line,
			Specifier: e.Specifier,
			Modules:   []string{f.Module, target.Module},
			Message:   fmt.Sprintf("imports internal file %s of module %s; use the module's public entry", target.Path, target.Module),
		})
	}
	return out
}

func (a *Analyzer) checkPackageEdge(f *File, e Edge) []datatypes.Violation {
	switch f.Layer {
	case LayerController:
		if matchesPackage(e.Specifier, a.cfg.DataAccessClients) {
			return []datatypes.Violation{{
				RuleID:    RuleControllerNoDataAccessClient,
				Cluster:   datatypes.ClusterRuntimeMiddlewareAPI,
				Severity:  datatypes.SeverityError,
				File:      f.Path,
				Line:      e.Line,
				Specifier: e.Specifier,
				Message:   fmt.Sprintf("controller imports data-access client %q directly", e.Specifier),
			}}
		}
	case LayerService:
		if !matchesPackage(e.Specifier, a.cfg.WebFrameworks) {
			return nil
		}
		var names []string
		for _, n := range e.Names {
			if contains(a.cfg.RequestTypeNames, n) {
				names = append(names, n)
			}
		}
		if len(names) > 0 {
			return []datatypes.Violation{{
				RuleID:    RuleServiceNoRequestImport,
				Cluster:   datatypes.ClusterRuntimeMiddlewareAPI,
				Severity:  datatypes.SeverityError,
				File:      f.Path,
				Line:      e.Line,
				Specifier: e.Specifier,
				Message:   fmt.Sprintf("service imports request type %s from %q", strings.Join(names, ","), e.Specifier),
			}}
		}
	}
	return nil
}

// matchesPackage reports whether spec names one of pkgs or a subpath of it.
func matchesPackage(spec string, pkgs []string) bool {
	for _, p := range pkgs {
		if spec == p || strings.HasPrefix(spec, p+"/") {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
