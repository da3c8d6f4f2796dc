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
	"path"
	"strings"
)

// Layer is the architectural role of a file, detected by path convention.
type Layer string

const (
	LayerNone       Layer = ""
	LayerController Layer = "controller"
	LayerService    Layer = "service"
	LayerRepository Layer = "repository"
	LayerSchema     Layer = "schema"
	LayerDTO        Layer = "dto"
	LayerDB         Layer = "db"
	LayerTests      Layer = "tests"
)

// layerDirs maps recognized directory names to layers.
var layerDirs = map[string]Layer{
	"controller":   LayerController,
	"controllers":  LayerController,
	"service":      LayerService,
	"services":     LayerService,
	"repository":   LayerRepository,
	"repositories": LayerRepository,
	"schema":       LayerSchema,
	"schemas":      LayerSchema,
	"dto":          LayerDTO,
	"dtos":         LayerDTO,
	"db":           LayerDB,
	"database":     LayerDB,
	"test":         LayerTests,
	"tests":        LayerTests,
	"__tests__":    LayerTests,
}

// allowedImports is the layer partial order. Importers missing from the
// table are unchecked; same-layer imports are always allowed.
var allowedImports = map[Layer]map[Layer]bool{
	LayerController: {LayerService: true, LayerSchema: true, LayerDTO: true},
	LayerService:    {LayerRepository: true, LayerSchema: true, LayerDTO: true},
	LayerRepository: {LayerDB: true},
	LayerDB:         {},
}

// LayerAllows reports whether a file in layer from may import a file in
// layer to.
func LayerAllows(from, to Layer) bool {
	if from == LayerNone || to == LayerNone || from == to {
		return true
	}
	allowed, checked := allowedImports[from]
	if !checked {
		return true
	}
	return allowed[to]
}

// IsLayerDir reports whether name is a recognized layer directory.
func IsLayerDir(name string) bool {
	_, ok := layerDirs[name]
	return ok
}

// DetectLayer tags a slash-separated path with a layer. Directory names
// take precedence over file-name suffixes such as "orders.service.ts".
func DetectLayer(rel string) Layer {
	dir, file := path.Split(rel)
	segments := strings.Split(strings.Trim(dir, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if l, ok := layerDirs[segments[i]]; ok {
			return l
		}
	}
	stem := strings.TrimSuffix(file, path.Ext(file))
	if i := strings.LastIndex(stem, "."); i >= 0 {
		if l, ok := layerDirs[stem[i+1:]]; ok {
			return l
		}
	}
	return LayerNone
}

// IsTestFile reports whether rel is test code rather than production code.
func IsTestFile(rel string) bool {
	file := path.Base(rel)
	stem := strings.TrimSuffix(file, path.Ext(file))
	if strings.HasSuffix(stem, ".test") || strings.HasSuffix(stem, ".spec") {
		return true
	}
	for _, seg := range strings.Split(path.Dir(rel), "/") {
		if layerDirs[seg] == LayerTests {
			return true
		}
	}
	return false
}

// ModuleOf returns the feature module owning rel: the first path segment
// after modulesDir. Files directly inside modulesDir belong to no module.
func ModuleOf(rel, modulesDir string) string {
	prefix := strings.TrimSuffix(modulesDir, "/") + "/"
	if !strings.HasPrefix(rel, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(rel, prefix)
	module, remainder, found := strings.Cut(rest, "/")
	if !found || remainder == "" {
		return ""
	}
	return module
}

// IsPublicEntry reports whether rel is the public entry point of module:
// index.* or <module>.module.* at the module root.
func IsPublicEntry(rel, module, modulesDir string) bool {
	root := strings.TrimSuffix(modulesDir, "/") + "/" + module + "/"
	if !strings.HasPrefix(rel, root) {
		return false
	}
	file := strings.TrimPrefix(rel, root)
	if strings.Contains(file, "/") {
		return false
	}
	stem := strings.TrimSuffix(file, path.Ext(file))
	return stem == "index" || stem == module+".module"
}
