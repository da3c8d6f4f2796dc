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
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// probeExtensions are tried in order when a specifier has no usable
// extension.
var probeExtensions = []string{".ts", ".tsx", ".d.ts", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs", ".json"}

// jsToTS lists the TypeScript sources a compiled-output extension may
// refer to.
var jsToTS = map[string][]string{
	".js":  {".ts", ".tsx"},
	".jsx": {".tsx"},
	".mjs": {".mts"},
	".cjs": {".cts"},
}

// IsRelative reports whether spec is a relative module specifier.
func IsRelative(spec string) bool {
	return spec == "." || spec == ".." || strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../")
}

// Resolver implements TypeScript/Node resolution of relative specifiers
// against the files on disk. It is not safe for concurrent use.
type Resolver struct {
	root  string
	files map[string]bool
}

// NewResolver creates a Resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root, files: make(map[string]bool)}
}

// Resolve maps a relative specifier imported by importer to a
// slash-separated path relative to the root.
//
// # Description
//
// Resolution order: the exact path, a .js→.ts style substitution,
// extension probing, then directory resolution through package.json
// (types, typings, main, module) and index files. Specifiers escaping the
// root never resolve.
//
// # Outputs
//
//   - string: Resolved path.
//   - bool: False when no candidate exists.
func (r *Resolver) Resolve(importer, spec string) (string, bool) {
	if !IsRelative(spec) {
		return "", false
	}
	base := path.Join(path.Dir(importer), spec)
	if base == ".." || strings.HasPrefix(base, "../") {
		return "", false
	}
	if p, ok := r.resolveFile(base); ok {
		return p, true
	}
	return r.resolveDir(base)
}

func (r *Resolver) resolveFile(base string) (string, bool) {
	if r.isFile(base) {
		return base, true
	}
	ext := path.Ext(base)
	if alts, ok := jsToTS[ext]; ok {
		stem := strings.TrimSuffix(base, ext)
		for _, alt := range alts {
			if r.isFile(stem + alt) {
				return stem + alt, true
			}
		}
	}
	for _, ext := range probeExtensions {
		if r.isFile(base + ext) {
			return base + ext, true
		}
	}
	return "", false
}

func (r *Resolver) resolveDir(dir string) (string, bool) {
	pkg := path.Join(dir, "package.json")
	if r.isFile(pkg) {
		for _, entry := range r.packageEntries(pkg) {
			target := path.Join(dir, entry)
			if p, ok := r.resolveFile(target); ok {
				return p, true
			}
			if p, ok := r.resolveIndex(target); ok {
				return p, true
			}
		}
	}
	return r.resolveIndex(dir)
}

func (r *Resolver) resolveIndex(dir string) (string, bool) {
	for _, ext := range probeExtensions {
		candidate := path.Join(dir, "index"+ext)
		if r.isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (r *Resolver) packageEntries(pkg string) []string {
	data, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(pkg)))
	if err != nil {
		return nil
	}
	var manifest struct {
		Types   string `json:"types"`
		Typings string `json:"typings"`
		Main    string `json:"main"`
		Module  string `json:"module"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}
	var out []string
	for _, e := range []string{manifest.Types, manifest.Typings, manifest.Main, manifest.Module} {
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func (r *Resolver) isFile(rel string) bool {
	if ok, cached := r.files[rel]; cached {
		return ok
	}
	info, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(rel)))
	ok := err == nil && info.Mode().IsRegular()
	r.files[rel] = ok
	return ok
}
