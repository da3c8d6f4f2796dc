// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archgraph builds the import graph of a TypeScript/JavaScript
// project and checks it against the architecture contract: module cycles,
// layer boundaries, module encapsulation, import resolution and AST-local
// rules.
package archgraph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/forge/services/forge/ast"
	"github.com/AleutianAI/forge/services/forge/config"
)

// Edge is one import of a production file.
type Edge struct {
	ast.Import

	// Target is the resolved path, empty for bare or unresolved specifiers.
	Target   string `json:"target,omitempty"`
	Relative bool   `json:"relative"`
}

// Resolved reports whether the import points at a file in the project.
func (e Edge) Resolved() bool {
	return e.Target != ""
}

// File is a production source file in the graph.
type File struct {
	Path   string         `json:"path"`
	Module string         `json:"module,omitempty"`
	Layer  Layer          `json:"layer,omitempty"`
	Facts  *ast.FileFacts `json:"facts"`
	Edges  []Edge         `json:"edges"`
}

// Graph is the import graph of one project snapshot.
type Graph struct {
	Root string

	// Files holds production files keyed by slash-separated relative path.
	Files map[string]*File

	// Modules lists feature modules in sorted order.
	Modules []string

	// ModuleDirs maps each module to its immediate subdirectories.
	ModuleDirs map[string][]string

	// ModuleTests counts test files per module.
	ModuleTests map[string]int

	// ModuleEdges holds module → imported modules from value imports.
	ModuleEdges map[string]map[string]bool

	// MissingFiles lists required project files that do not exist.
	MissingFiles []string

	// Skipped lists source files that could not be parsed.
	Skipped []string
}

// SortedFiles returns file paths in sorted order.
func (g *Graph) SortedFiles() []string {
	out := make([]string, 0, len(g.Files))
	for p := range g.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FindByStem returns production files whose name without extension equals
// stem, sorted. Used to propose targets for broken imports.
func (g *Graph) FindByStem(stem string) []string {
	var out []string
	for p := range g.Files {
		base := path.Base(p)
		if strings.TrimSuffix(base, path.Ext(base)) == stem {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Analyzer builds graphs and evaluates architecture rules.
//
// # Thread Safety
//
// An Analyzer is safe for concurrent use; each Build call owns its state.
type Analyzer struct {
	cfg    config.ArchitectureConfig
	parser *ast.Parser
	logger *slog.Logger
}

// NewAnalyzer creates an Analyzer for the given project conventions.
func NewAnalyzer(cfg config.ArchitectureConfig) *Analyzer {
	if cfg.ParseConcurrency <= 0 {
		cfg.ParseConcurrency = 8
	}
	var opts []ast.Option
	if cfg.MaxFileBytes > 0 {
		opts = append(opts, ast.WithMaxFileSize(cfg.MaxFileBytes))
	}
	return &Analyzer{
		cfg:    cfg,
		parser: ast.NewParser(opts...),
		logger: slog.Default().With("component", "archgraph"),
	}
}

// Build walks root and constructs the import graph.
//
// # Description
//
// Directories named in IgnoreDirs, nested git checkouts and paths matched
// by the root .gitignore are skipped. Production files are parsed concurrently with a
// bounded errgroup; results are joined before resolution, which runs
// sequentially so the output does not depend on scheduling.
//
// # Inputs
//
//   - ctx: Cancels the walk and outstanding parses.
//   - root: Project root on disk.
//
// # Outputs
//
//   - *Graph: The graph.
//   - error: Walk, read, or context errors. Unparseable files are recorded
//     in Graph.Skipped instead.
func (a *Analyzer) Build(ctx context.Context, root string) (*Graph, error) {
	g := &Graph{
		Root:        root,
		Files:       make(map[string]*File),
		ModuleDirs:  make(map[string][]string),
		ModuleTests: make(map[string]int),
		ModuleEdges: make(map[string]map[string]bool),
	}

	for _, req := range a.cfg.RequiredFiles {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(req))); err != nil {
			g.MissingFiles = append(g.MissingFiles, req)
		}
	}

	sources, err := a.walk(ctx, root, g)
	if err != nil {
		return nil, err
	}

	facts := make([]*ast.FileFacts, len(sources))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(a.cfg.ParseConcurrency)
	for i, rel := range sources {
		eg.Go(func() error {
			content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			f, err := a.parser.Parse(egCtx, content, rel)
			if err != nil {
				if errors.Is(err, ast.ErrFileTooLarge) || errors.Is(err, ast.ErrInvalidContent) {
					a.logger.Warn("skipping unparseable file", slog.String("file", rel), slog.String("error", err.Error()))
					return nil
				}
				return fmt.Errorf("parsing %s: %w", rel, err)
			}
			facts[i] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, rel := range sources {
		if facts[i] == nil {
			g.Skipped = append(g.Skipped, rel)
			continue
		}
		g.Files[rel] = &File{
			Path:   rel,
			Module: ModuleOf(rel, a.cfg.ModulesDir),
			Layer:  DetectLayer(rel),
			Facts:  facts[i],
		}
	}

	a.link(g)

	modules := make(map[string]bool)
	for m := range g.ModuleDirs {
		modules[m] = true
	}
	for _, f := range g.Files {
		if f.Module != "" {
			modules[f.Module] = true
		}
	}
	for m := range modules {
		g.Modules = append(g.Modules, m)
	}
	sort.Strings(g.Modules)

	a.logger.Debug("graph built",
		slog.String("root", root),
		slog.Int("files", len(g.Files)),
		slog.Int("modules", len(g.Modules)),
		slog.Int("skipped", len(g.Skipped)),
	)
	return g, nil
}

// walk collects production source paths and records module layout and
// test files on g.
func (a *Analyzer) walk(ctx context.Context, root string, g *Graph) ([]string, error) {
	ignoreDirs := make(map[string]bool, len(a.cfg.IgnoreDirs)+1)
	ignoreDirs[".git"] = true
	for _, d := range a.cfg.IgnoreDirs {
		ignoreDirs[d] = true
	}
	gi := loadGitignore(root)
	modulesPrefix := strings.TrimSuffix(a.cfg.ModulesDir, "/") + "/"

	var sources []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ignoreDirs[d.Name()] || (gi != nil && (gi.MatchesPath(rel) || gi.MatchesPath(rel+"/"))) {
				return filepath.SkipDir
			}
			// A nested checkout, such as a linked worktree, is another tree.
			if _, err := os.Lstat(filepath.Join(p, ".git")); err == nil {
				return filepath.SkipDir
			}
			if strings.HasPrefix(rel, modulesPrefix) {
				parts := strings.Split(strings.TrimPrefix(rel, modulesPrefix), "/")
				switch len(parts) {
				case 1:
					if _, ok := g.ModuleDirs[parts[0]]; !ok {
						g.ModuleDirs[parts[0]] = nil
					}
				case 2:
					g.ModuleDirs[parts[0]] = append(g.ModuleDirs[parts[0]], parts[1])
				}
			}
			return nil
		}

		if !d.Type().IsRegular() || (gi != nil && gi.MatchesPath(rel)) || !ast.Supported(rel) {
			return nil
		}
		if IsTestFile(rel) {
			if m := ModuleOf(rel, a.cfg.ModulesDir); m != "" {
				g.ModuleTests[m]++
			}
			return nil
		}
		sources = append(sources, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return sources, nil
}

// link resolves every import and derives module edges.
func (a *Analyzer) link(g *Graph) {
	resolver := NewResolver(g.Root)
	for _, rel := range g.SortedFiles() {
		f := g.Files[rel]
		f.Edges = make([]Edge, 0, len(f.Facts.Imports))
		for _, imp := range f.Facts.Imports {
			e := Edge{Import: imp, Relative: IsRelative(imp.Specifier)}
			if e.Relative {
				e.Target, _ = resolver.Resolve(rel, imp.Specifier)
			}
			f.Edges = append(f.Edges, e)

			if !e.Resolved() || imp.TypeOnly || f.Module == "" {
				continue
			}
			target, ok := g.Files[e.Target]
			if !ok || target.Module == "" || target.Module == f.Module {
				continue
			}
			if g.ModuleEdges[f.Module] == nil {
				g.ModuleEdges[f.Module] = make(map[string]bool)
			}
			g.ModuleEdges[f.Module][target.Module] = true
		}
	}
}

func loadGitignore(root string) *ignore.GitIgnore {
	file, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) == 0 {
		return nil
	}
	return ignore.CompileIgnoreLines(lines...)
}
