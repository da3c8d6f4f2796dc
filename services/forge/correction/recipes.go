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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/AleutianAI/forge/services/forge/archgraph"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Recipe names recorded in correction envelopes.
const (
	RecipeRewriteImport          = "rewrite_import"
	RecipeMaterializePlaceholder = "materialize_placeholder"
)

// PlaceholderMarker tags generated placeholder modules.
const PlaceholderMarker = "forge:placeholder"

// errNotFixable means a violation has no deterministic fix.
var errNotFixable = errors.New("no deterministic fix")

// tsFor maps script extensions to the TypeScript extension a placeholder
// is written with.
var tsFor = map[string]string{
	"":     ".ts",
	".js":  ".ts",
	".jsx": ".tsx",
	".mjs": ".mts",
	".cjs": ".cts",
	".ts":  ".ts",
	".tsx": ".tsx",
	".mts": ".mts",
	".cts": ".cts",
}

// jsFor maps a TypeScript target extension to the extension an ESM
// specifier uses for it.
var jsFor = map[string]string{
	".ts":  ".js",
	".tsx": ".js",
	".mts": ".mjs",
	".cts": ".cjs",
}

// recipePlan is the combined deterministic fix for a set of violations.
type recipePlan struct {
	Names   []string
	Changes []datatypes.ProposedFileChange
	Debt    []datatypes.DebtRecord
}

// Paths lists the files the recipe touches.
func (r *recipePlan) Paths() []string {
	out := make([]string, 0, len(r.Changes))
	for _, c := range r.Changes {
		out = append(out, c.Path)
	}
	return out
}

type placeholder struct {
	importer  string
	specifier string
	names     map[string]bool
	def       bool
}

// planRecipes builds deterministic fixes for unresolved relative imports.
//
// # Description
//
// Applies only when every blocking violation is an unresolved import and
// each one has exactly one fix. A unique file with the same stem yields an
// import rewrite; no candidate at all yields a placeholder module at the
// resolved path, recorded as debt. Several candidates make the whole set
// ineligible.
//
// # Outputs
//
//   - *recipePlan: The combined change set.
//   - bool: False when any violation has no deterministic fix.
func planRecipes(root string, g *archgraph.Graph, violations []datatypes.Violation, runID string, now time.Time) (*recipePlan, bool) {
	if g == nil {
		return nil, false
	}
	var targets []datatypes.Violation
	for _, v := range violations {
		if !v.Blocking() {
			continue
		}
		if v.RuleID != archgraph.RuleUnresolvedImport || v.Specifier == "" {
			return nil, false
		}
		targets = append(targets, v)
	}
	if len(targets) == 0 {
		return nil, false
	}

	updated := map[string]string{}
	placeholders := map[string]*placeholder{}
	used := map[string]bool{}

	for _, v := range targets {
		stem := specStem(v.Specifier)
		if stem == "" || stem == "index" {
			return nil, false
		}
		var candidates []string
		for _, c := range g.FindByStem(stem) {
			if c != v.File {
				candidates = append(candidates, c)
			}
		}
		switch len(candidates) {
		case 1:
			content, ok := updated[v.File]
			if !ok {
				data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(v.File)))
				if err != nil {
					return nil, false
				}
				content = string(data)
			}
			next, err := rewriteImport(content, v.Line, v.Specifier, relSpecifier(v.File, candidates[0], v.Specifier))
			if err != nil {
				return nil, false
			}
			updated[v.File] = next
			used[RecipeRewriteImport] = true
		case 0:
			target, ok := placeholderPath(v.File, v.Specifier)
			if !ok {
				return nil, false
			}
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(target))); err == nil {
				return nil, false
			}
			ph := placeholders[target]
			if ph == nil {
				ph = &placeholder{importer: v.File, specifier: v.Specifier, names: map[string]bool{}}
				placeholders[target] = ph
			}
			if imp, ok := findImport(g, v); ok {
				for _, n := range imp.Names {
					ph.names[n] = true
				}
				ph.def = ph.def || imp.Default
			}
			used[RecipeMaterializePlaceholder] = true
		default:
			return nil, false
		}
	}

	plan := &recipePlan{}
	for p, content := range updated {
		plan.Changes = append(plan.Changes, datatypes.ProposedFileChange{Path: p, Op: datatypes.OpUpdate, Content: content})
	}
	for target, ph := range placeholders {
		names := sortedKeys(ph.names)
		plan.Changes = append(plan.Changes, datatypes.ProposedFileChange{
			Path:    target,
			Op:      datatypes.OpCreate,
			Content: placeholderContent(ph.importer, names, ph.def),
		})
		exports := names
		if ph.def {
			exports = append(exports, "default")
		}
		plan.Debt = append(plan.Debt, datatypes.DebtRecord{
			RunID:        runID,
			Path:         target,
			ImporterFile: ph.importer,
			Specifier:    ph.specifier,
			Exports:      exports,
			CreatedAt:    now,
		})
	}
	sort.Slice(plan.Changes, func(i, j int) bool { return plan.Changes[i].Path < plan.Changes[j].Path })
	sort.Slice(plan.Debt, func(i, j int) bool { return plan.Debt[i].Path < plan.Debt[j].Path })
	for _, n := range []string{RecipeMaterializePlaceholder, RecipeRewriteImport} {
		if used[n] {
			plan.Names = append(plan.Names, n)
		}
	}
	return plan, true
}

// specStem returns the file stem a specifier refers to.
func specStem(spec string) string {
	base := path.Base(spec)
	if base == "." || base == ".." || base == "/" {
		return ""
	}
	if _, ok := tsFor[path.Ext(base)]; ok {
		base = strings.TrimSuffix(base, path.Ext(base))
	}
	return base
}

// relSpecifier builds the specifier importer should use for target,
// keeping the extension style of the original specifier.
func relSpecifier(importer, target, original string) string {
	rel, err := filepath.Rel(filepath.FromSlash(path.Dir(importer)), filepath.FromSlash(target))
	if err != nil {
		return original
	}
	rel = filepath.ToSlash(rel)
	targetExt := path.Ext(target)
	rel = strings.TrimSuffix(rel, targetExt)

	origExt := path.Ext(original)
	if _, known := tsFor[origExt]; known && origExt != "" {
		switch origExt {
		case ".js", ".jsx", ".mjs", ".cjs":
			if js, ok := jsFor[targetExt]; ok {
				rel += js
			} else {
				rel += targetExt
			}
		default:
			rel += targetExt
		}
	}
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel
}

// rewriteImport replaces the quoted specifier on line (1-based).
func rewriteImport(content string, line int, from, to string) (string, error) {
	lines := strings.Split(content, "\n")
	if line < 1 || line > len(lines) {
		return "", fmt.Errorf("%w: line %d out of range", errNotFixable, line)
	}
	l := lines[line-1]
	for _, q := range []string{"'", `"`, "`"} {
		quoted := q + from + q
		if strings.Contains(l, quoted) {
			lines[line-1] = strings.Replace(l, quoted, q+to+q, 1)
			return strings.Join(lines, "\n"), nil
		}
	}
	return "", fmt.Errorf("%w: %q not found on line %d", errNotFixable, from, line)
}

// placeholderPath resolves the file a placeholder is created at.
func placeholderPath(importer, spec string) (string, bool) {
	if !archgraph.IsRelative(spec) {
		return "", false
	}
	target := path.Clean(path.Join(path.Dir(importer), spec))
	if target == "." || strings.HasPrefix(target, "../") || target == ".." {
		return "", false
	}
	ext := path.Ext(target)
	ts, known := tsFor[ext]
	if !known {
		return target + ".ts", true
	}
	return strings.TrimSuffix(target, ext) + ts, true
}

func findImport(g *archgraph.Graph, v datatypes.Violation) (archgraph.Edge, bool) {
	f := g.Files[v.File]
	if f == nil {
		return archgraph.Edge{}, false
	}
	for _, e := range f.Edges {
		if e.Specifier == v.Specifier && e.Line == v.Line {
			return e, true
		}
	}
	return archgraph.Edge{}, false
}

// placeholderContent renders a stub module exporting names.
func placeholderContent(importer string, names []string, def bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// %s: generated for %s. Replace with a real implementation.\n", PlaceholderMarker, importer)
	for _, n := range names {
		if startsUpper(n) {
			fmt.Fprintf(&b, "export type %s = any;\nexport const %s: any = class {};\n", n, n)
		} else {
			fmt.Fprintf(&b, "export const %s: any = (..._args: any[]): any => undefined;\n", n)
		}
	}
	if def {
		b.WriteString("const placeholder: any = {};\nexport default placeholder;\n")
	}
	if len(names) == 0 && !def {
		b.WriteString("export {};\n")
	}
	return b.String()
}

// IsPlaceholder reports whether content is a generated placeholder.
func IsPlaceholder(content []byte) bool {
	return bytes.Contains(content, []byte(PlaceholderMarker))
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}
