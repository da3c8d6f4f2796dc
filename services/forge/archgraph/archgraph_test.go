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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// shopProject exercises every architecture rule once.
var shopProject = map[string]string{
	"package.json": `{"name":"shop"}`,
	"src/main.ts":  "import { OrdersModule } from './modules/orders';\n",

	"src/modules/orders/index.ts": "export { OrderController } from './controller/order.controller';\n",
	"src/modules/orders/controller/order.controller.ts": `import { PrismaClient } from '@prisma/client';
import { OrderService } from '../service/order-service';
import { OrderRepository } from '../repository/order.repository';
export class OrderController {}
`,
	"src/modules/orders/service/order-service.ts": `import { Request } from 'express';
import { OrderRepository } from '../repository/order.repository';
import { BillingRepository } from '../../billing/repository/billing.repository';
export class OrderService {}
`,
	"src/modules/orders/repository/order.repository.ts": `import { NotFound } from '../../errors/not-found.js';
export class OrderRepository {
  find() { throw new Error('missing'); }
}
`,
	"src/modules/orders/helpers/format.ts":             "export const fmt = 1;\n",
	"src/modules/orders/tests/order.service.test.ts":   "import { OrderService } from '../service/order-service';\n",
	"src/modules/billing/index.ts":                     "export const billing = true;\n",
	"src/modules/billing/repository/billing.repository.ts": "export class BillingRepository {}\n",
	"src/modules/billing/service/billing.service.ts": `import { OrderRepository } from '../../orders/repository/order.repository';
export class BillingService {}
`,
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func testConfig() config.ArchitectureConfig {
	cfg := config.Default().Architecture
	cfg.RequiredFiles = []string{"package.json", "tsconfig.json"}
	return cfg
}

func render(vs []datatypes.Violation) []byte {
	var sb strings.Builder
	for _, v := range vs {
		loc := v.File
		if v.Line > 0 {
			loc = fmt.Sprintf("%s:%d", loc, v.Line)
		}
		fmt.Fprintf(&sb, "%s | %s | %s | %s | %s | %s | %s\n",
			v.RuleID, v.Cluster, v.Severity, orDash(loc), orDash(v.Specifier),
			orDash(strings.Join(v.Modules, ",")), v.Message)
	}
	return []byte(sb.String())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func TestAnalyze_Golden(t *testing.T) {
	root := writeTree(t, shopProject)
	_, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "violations", render(vs))
}

func TestAnalyze_Deterministic(t *testing.T) {
	root := writeTree(t, shopProject)
	a := NewAnalyzer(testConfig())

	_, first, err := a.Analyze(context.Background(), root)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, again, err := a.Analyze(context.Background(), root)
		require.NoError(t, err)
		assert.Equal(t, render(first), render(again))
	}
}

func TestAnalyze_SkipsRunWorktrees(t *testing.T) {
	files := map[string]string{}
	for rel, content := range shopProject {
		files[rel] = content
		files[".forge/worktrees/r1/"+rel] = content
		files["sandbox/r2/"+rel] = content
	}
	files[".forge/worktrees/r1/.git"] = "gitdir: ../../../.git/worktrees/r1\n"
	files["sandbox/r2/.git"] = "gitdir: /elsewhere/.git/worktrees/r2\n"
	root := writeTree(t, files)

	g, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
	require.NoError(t, err)
	for _, f := range g.SortedFiles() {
		assert.True(t, strings.HasPrefix(f, "src/"), f)
	}

	gold := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	gold.Assert(t, "violations", render(vs))

	// The nested checkout is skipped even when its parent is not ignored.
	cfg := testConfig()
	cfg.IgnoreDirs = []string{"node_modules"}
	g, _, err = NewAnalyzer(cfg).Analyze(context.Background(), root)
	require.NoError(t, err)
	for _, f := range g.SortedFiles() {
		assert.False(t, strings.HasPrefix(f, "sandbox/"), f)
		assert.False(t, strings.HasPrefix(f, ".forge/worktrees/"), f)
	}
}

func TestAnalyze_Examples(t *testing.T) {
	t.Run("service importing request type", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"src/modules/orders/service/order-service.ts": "import { Request } from 'express';\nexport const s = 1;\n",
		})
		_, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
		require.NoError(t, err)

		found := byRule(vs, RuleServiceNoRequestImport)
		require.Len(t, found, 1)
		assert.Equal(t, "src/modules/orders/service/order-service.ts", found[0].File)
		assert.Equal(t, datatypes.SeverityError, found[0].Severity)
	})

	t.Run("two module cycle yields one violation", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"src/modules/a/service/a.service.ts":       "import { B } from '../../b/repository/b.repository';\n",
			"src/modules/a/repository/a.repository.ts": "export class A {}\n",
			"src/modules/b/service/b.service.ts":       "import { A } from '../../a/repository/a.repository';\n",
			"src/modules/b/repository/b.repository.ts": "export class B {}\n",
		})
		_, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
		require.NoError(t, err)

		cycles := byRule(vs, RuleDependencyCycle)
		require.Len(t, cycles, 1)
		assert.Equal(t, []string{"a", "b"}, cycles[0].Modules)
		assert.Equal(t, datatypes.ClusterDependencyCycle, cycles[0].Cluster)
	})

	t.Run("unresolved relative import", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"src/modules/orders/repository/order.repository.ts": "import { NotFound } from '../../errors/not-found.js';\n",
		})
		_, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
		require.NoError(t, err)

		found := byRule(vs, RuleUnresolvedImport)
		require.Len(t, found, 1)
		assert.Equal(t, datatypes.ClusterImportResolution, found[0].Cluster)
		assert.Equal(t, "src/modules/orders/repository/order.repository.ts", found[0].File)
		assert.Equal(t, "../../errors/not-found.js", found[0].Specifier)
	})

	t.Run("type-only imports do not create cycles", func(t *testing.T) {
		root := writeTree(t, map[string]string{
			"src/modules/a/service/a.service.ts": "import type { B } from '../../b/index';\nexport const a = 1;\n",
			"src/modules/a/index.ts":             "export const a = 1;\n",
			"src/modules/b/service/b.service.ts": "import { a } from '../../a/index';\n",
			"src/modules/b/index.ts":             "export type B = number;\n",
		})
		_, vs, err := NewAnalyzer(testConfig()).Analyze(context.Background(), root)
		require.NoError(t, err)
		assert.Empty(t, byRule(vs, RuleDependencyCycle))
		assert.Empty(t, byRule(vs, RuleCrossModuleInternalImport))
	})
}

func TestBuild_Ignores(t *testing.T) {
	root := writeTree(t, map[string]string{
		".gitignore":                   "*.gen.ts\n",
		"src/app.ts":                   "export const app = 1;\n",
		"src/client.gen.ts":            "import x from './missing';\n",
		"node_modules/lib/index.js":    "import y from './missing';\n",
		"dist/app.js":                  "import z from './missing';\n",
		"src/types.d.ts":               "import w from './missing';\n",
		"src/app.spec.ts":              "import v from './missing';\n",
		"src/modules/m/tests/m.test.ts": "export {};\n",
	})
	g, err := NewAnalyzer(testConfig()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/app.ts"}, g.SortedFiles())
	assert.Equal(t, 1, g.ModuleTests["m"])
}

func TestBuild_Canceled(t *testing.T) {
	root := writeTree(t, shopProject)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAnalyzer(testConfig()).Build(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/a.ts":                 "",
		"src/b.tsx":                "",
		"src/lib/index.ts":         "",
		"src/pkg/package.json":     `{"main": "dist/out.js", "types": "lib/entry"}`,
		"src/pkg/lib/entry.ts":     "",
		"src/errors/not-found.ts":  "",
		"src/data.json":            "",
		"src/esm.mts":              "",
	})
	r := NewResolver(root)

	tests := []struct {
		name     string
		importer string
		spec     string
		want     string
		ok       bool
	}{
		{"probe ts", "src/main.ts", "./a", "src/a.ts", true},
		{"probe tsx", "src/main.ts", "./b", "src/b.tsx", true},
		{"js to ts substitution", "src/x/y.ts", "../errors/not-found.js", "src/errors/not-found.ts", true},
		{"mjs to mts substitution", "src/main.ts", "./esm.mjs", "src/esm.mts", true},
		{"exact", "src/main.ts", "./data.json", "src/data.json", true},
		{"directory index", "src/main.ts", "./lib", "src/lib/index.ts", true},
		{"package.json types", "src/main.ts", "./pkg", "src/pkg/lib/entry.ts", true},
		{"missing", "src/main.ts", "./nope", "", false},
		{"escapes root", "src/main.ts", "../../etc/passwd", "", false},
		{"bare", "src/main.ts", "express", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Resolve(tt.importer, tt.spec)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayers(t *testing.T) {
	t.Run("DetectLayer", func(t *testing.T) {
		tests := map[string]Layer{
			"src/modules/orders/service/order-service.ts":       LayerService,
			"src/modules/orders/controllers/x.ts":               LayerController,
			"src/modules/orders/orders.repository.ts":           LayerRepository,
			"src/modules/orders/dto/create-order.ts":            LayerDTO,
			"src/db/client.ts":                                  LayerDB,
			"src/modules/orders/index.ts":                       LayerNone,
			"src/modules/orders/schemas/order.schema.ts":        LayerSchema,
		}
		for p, want := range tests {
			assert.Equal(t, want, DetectLayer(p), p)
		}
	})

	t.Run("LayerAllows", func(t *testing.T) {
		tests := []struct {
			from, to Layer
			want     bool
		}{
			{LayerController, LayerService, true},
			{LayerController, LayerRepository, false},
			{LayerService, LayerRepository, true},
			{LayerService, LayerController, false},
			{LayerRepository, LayerDB, true},
			{LayerRepository, LayerService, false},
			{LayerDB, LayerRepository, false},
			{LayerService, LayerService, true},
			{LayerController, LayerNone, true},
			{LayerSchema, LayerService, true},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.want, LayerAllows(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
		}
	})

	t.Run("IsTestFile", func(t *testing.T) {
		assert.True(t, IsTestFile("src/a.test.ts"))
		assert.True(t, IsTestFile("src/a.spec.tsx"))
		assert.True(t, IsTestFile("src/__tests__/a.ts"))
		assert.False(t, IsTestFile("src/attest.ts"))
	})

	t.Run("ModuleOf and IsPublicEntry", func(t *testing.T) {
		assert.Equal(t, "orders", ModuleOf("src/modules/orders/service/x.ts", "src/modules"))
		assert.Equal(t, "", ModuleOf("src/modules/readme.ts", "src/modules"))
		assert.Equal(t, "", ModuleOf("src/main.ts", "src/modules"))
		assert.True(t, IsPublicEntry("src/modules/orders/index.ts", "orders", "src/modules"))
		assert.True(t, IsPublicEntry("src/modules/orders/orders.module.ts", "orders", "src/modules"))
		assert.False(t, IsPublicEntry("src/modules/orders/service/index.ts", "orders", "src/modules"))
	})
}

func TestStronglyConnected(t *testing.T) {
	edges := map[string]map[string]bool{
		"a": {"b": true},
		"b": {"c": true},
		"c": {"a": true},
		"d": {"e": true},
		"e": {"d": true},
		"f": {"a": true},
	}
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}}, StronglyConnected(edges))
	assert.Empty(t, StronglyConnected(map[string]map[string]bool{"x": {"y": true}}))
}

func TestFindByStem(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/errors/not-found.ts":       "export class NotFound {}\n",
		"src/shared/errors/not-found.ts": "export class NotFound {}\n",
		"src/app.ts":                    "export const a = 1;\n",
	})
	g, err := NewAnalyzer(testConfig()).Build(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/errors/not-found.ts", "src/shared/errors/not-found.ts"}, g.FindByStem("not-found"))
}

func byRule(vs []datatypes.Violation, rule string) []datatypes.Violation {
	var out []datatypes.Violation
	for _, v := range vs {
		if v.RuleID == rule {
			out = append(out, v)
		}
	}
	return out
}
