// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// TestHelperProcess is not a real test. It is re-executed as a subprocess
// by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("FORGE_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}
	switch args[1] {
	case "ok":
		fmt.Println("all good")
		os.Exit(0)
	case "fail":
		fmt.Println("src/app.ts(3,1): error TS2304: Cannot find name 'x'.")
		os.Exit(1)
	case "crash":
		fmt.Println("Error: Cannot find module './missing'")
		os.Exit(3)
	case "serve":
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_ = http.ListenAndServe("127.0.0.1:"+os.Getenv("PORT"), mux)
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

func helper(t *testing.T, mode string) []string {
	t.Helper()
	t.Setenv("FORGE_WANT_HELPER_PROCESS", "1")
	return []string{os.Args[0], "-test.run=TestHelperProcess", "--", mode}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())
	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "[... 3 bytes truncated]\ndefgh", b.String())
}

func TestRunner_Run(t *testing.T) {
	r := NewRunner(200*time.Millisecond, 1024)

	t.Run("success", func(t *testing.T) {
		res, err := r.Run(context.Background(), CommandSpec{Argv: helper(t, "ok"), Timeout: 10 * time.Second})
		require.NoError(t, err)
		assert.True(t, res.OK())
		assert.Contains(t, res.Output, "all good")
	})

	t.Run("exit code", func(t *testing.T) {
		res, err := r.Run(context.Background(), CommandSpec{Argv: helper(t, "crash"), Timeout: 10 * time.Second})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.False(t, res.OK())
	})

	t.Run("timeout stops the process", func(t *testing.T) {
		start := time.Now()
		res, err := r.Run(context.Background(), CommandSpec{Argv: helper(t, "hang"), Timeout: 200 * time.Millisecond})
		require.NoError(t, err)
		assert.True(t, res.TimedOut)
		assert.Equal(t, -1, res.ExitCode)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := r.Run(context.Background(), CommandSpec{})
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestRunner_EscalatesToSIGKILL(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process groups are unix-only")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewRunner(200*time.Millisecond, 1024)
	start := time.Now()
	res, err := r.Run(context.Background(), CommandSpec{
		Argv:    []string{"sh", "-c", `trap "" TERM; sleep 30`},
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestProber(t *testing.T) {
	r := NewRunner(time.Second, 4096)
	p := NewProber(r, 50*time.Millisecond)

	t.Run("healthy", func(t *testing.T) {
		res := p.Probe(context.Background(), ProbeSpec{Command: helper(t, "serve"), HealthPath: "/health", Timeout: 20 * time.Second})
		assert.True(t, res.Booted, res.Error)
		assert.True(t, res.Healthy, res.Error)
		assert.True(t, res.Ok())
		assert.NotZero(t, res.Port)
	})

	t.Run("booted but unhealthy", func(t *testing.T) {
		res := p.Probe(context.Background(), ProbeSpec{Command: helper(t, "serve"), HealthPath: "/broken", Timeout: 2 * time.Second})
		assert.True(t, res.Booted, res.Error)
		assert.False(t, res.Healthy)
		assert.True(t, res.TimedOut)
		assert.Contains(t, res.Error, "last status 500")
	})

	t.Run("exits before listening", func(t *testing.T) {
		res := p.Probe(context.Background(), ProbeSpec{Command: helper(t, "crash"), Timeout: 20 * time.Second})
		assert.False(t, res.Booted)
		require.NotNil(t, res.ExitCode)
		assert.Equal(t, 3, *res.ExitCode)
		assert.Contains(t, res.Logs, "Cannot find module")
	})

	t.Run("never listens", func(t *testing.T) {
		res := p.Probe(context.Background(), ProbeSpec{Command: helper(t, "hang"), Timeout: 300 * time.Millisecond})
		assert.False(t, res.Booted)
		assert.True(t, res.TimedOut)
	})
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

func testPipeline(heavy func(*config.HeavyConfig)) *Pipeline {
	cfg := config.Default()
	cfg.Heavy.PollInterval = 50 * time.Millisecond
	cfg.Heavy.KillGrace = time.Second
	cfg.Heavy.BootTimeout = 20 * time.Second
	cfg.Heavy.CommandTimeout = 20 * time.Second
	if heavy != nil {
		heavy(&cfg.Heavy)
	}
	return New(cfg.Architecture, cfg.Heavy)
}

func TestRunLight_SecurityBaseline(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": "{}",
		"src/config.ts": `export const apiKey = "abcdefghijklmnop";
export const compute = (s: string) => eval(s);
`,
	})
	result, err := testPipeline(nil).RunLight(context.Background(), root)
	require.NoError(t, err)
	assert.False(t, result.OK)

	var rules []string
	for _, v := range result.Violations {
		if v.Cluster == datatypes.ClusterSecurityBaseline {
			rules = append(rules, fmt.Sprintf("%s:%d", v.RuleID, v.Line))
		}
	}
	assert.Equal(t, []string{"dynamicEval:2", "hardcodedSecret:1"}, rules)
	assert.Equal(t, 2, result.BlockingCount)
}

func TestRunLight_Clean(t *testing.T) {
	root := writeTree(t, map[string]string{
		"package.json": "{}",
		"src/app.ts":   "import { helper } from './helper';\nexport const app = helper;\n",
		"src/helper.ts": "export const helper = 1;\n",
	})
	result, err := testPipeline(nil).RunLight(context.Background(), root)
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Zero(t, result.BlockingCount)
}

// dirIsolator hands out a fixed directory instead of a git worktree.
type dirIsolator struct {
	dir   string
	calls int
	err   error
}

func (d *dirIsolator) WithIsolatedWorktree(ctx context.Context, ref string, fn func(context.Context, string) error) error {
	d.calls++
	if d.err != nil {
		return d.err
	}
	return fn(ctx, d.dir)
}

func checkByName(r *datatypes.ValidationResult, name string) datatypes.CheckResult {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	return datatypes.CheckResult{}
}

func TestRunHeavy(t *testing.T) {
	project := map[string]string{
		"package.json":  "{}",
		"tsconfig.json": "{}",
		"src/app.ts":    "export const app = 1;\n",
	}

	t.Run("all checks pass", func(t *testing.T) {
		iso := &dirIsolator{dir: writeTree(t, project)}
		p := testPipeline(func(h *config.HeavyConfig) {
			h.SkipInstall = true
			h.TypecheckCommand = helper(t, "ok")
			h.TestCommand = helper(t, "ok")
			h.BootCommand = helper(t, "serve")
			h.BootHealthPath = "/health"
		})
		report, err := p.Heavy(context.Background(), iso, "HEAD")
		require.NoError(t, err)
		assert.Equal(t, 1, iso.calls)
		assert.True(t, report.Result.OK)
		assert.True(t, report.Result.Heavy)
		assert.Equal(t, datatypes.CheckSkip, checkByName(report.Result, datatypes.CheckInstall).Status)
		assert.Equal(t, datatypes.CheckPass, checkByName(report.Result, datatypes.CheckTypecheck).Status)
		assert.Equal(t, datatypes.CheckPass, checkByName(report.Result, datatypes.CheckTest).Status)
		assert.Equal(t, datatypes.CheckPass, checkByName(report.Result, datatypes.CheckBoot).Status)
		require.NotNil(t, report.Runtime)
		assert.True(t, report.Runtime.Ok())
	})

	t.Run("failing typecheck blocks", func(t *testing.T) {
		iso := &dirIsolator{dir: writeTree(t, project)}
		p := testPipeline(func(h *config.HeavyConfig) {
			h.SkipInstall = true
			h.SkipBoot = true
			h.TypecheckCommand = helper(t, "fail")
			h.TestCommand = helper(t, "ok")
		})
		result, err := p.RunHeavy(context.Background(), iso, "HEAD")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, 1, result.BlockingCount)
		tc := checkByName(result, datatypes.CheckTypecheck)
		assert.Equal(t, datatypes.CheckFail, tc.Status)
		assert.Contains(t, tc.Output, "TS2304")
		assert.Equal(t, []datatypes.ClusterType{datatypes.ClusterTypecheckFailure}, result.Clusters())
	})

	t.Run("non-blocking check does not fail the result", func(t *testing.T) {
		iso := &dirIsolator{dir: writeTree(t, project)}
		p := testPipeline(func(h *config.HeavyConfig) {
			h.SkipInstall = true
			h.SkipBoot = true
			h.TypecheckCommand = helper(t, "ok")
			h.TestCommand = helper(t, "fail")
			h.NonBlocking = []string{datatypes.CheckTest}
		})
		result, err := p.RunHeavy(context.Background(), iso, "HEAD")
		require.NoError(t, err)
		assert.True(t, result.OK)
		assert.Equal(t, datatypes.CheckFail, checkByName(result, datatypes.CheckTest).Status)
	})

	t.Run("failed install skips dependent checks", func(t *testing.T) {
		iso := &dirIsolator{dir: writeTree(t, project)}
		p := testPipeline(func(h *config.HeavyConfig) {
			h.InstallCommand = helper(t, "fail")
			h.TypecheckCommand = helper(t, "ok")
			h.TestCommand = helper(t, "ok")
			h.BootCommand = helper(t, "serve")
		})
		result, err := p.RunHeavy(context.Background(), iso, "HEAD")
		require.NoError(t, err)
		assert.False(t, result.OK)
		for _, name := range []string{datatypes.CheckTypecheck, datatypes.CheckTest, datatypes.CheckBoot} {
			c := checkByName(result, name)
			assert.Equal(t, datatypes.CheckSkip, c.Status, name)
			assert.Equal(t, "dependency install failed", c.SkipReason, name)
		}
	})

	t.Run("light violations are included", func(t *testing.T) {
		files := map[string]string{
			"package.json": "{}",
			"src/app.ts":   "import { x } from './missing';\n",
		}
		iso := &dirIsolator{dir: writeTree(t, files)}
		p := testPipeline(func(h *config.HeavyConfig) {
			h.SkipInstall, h.SkipTypecheck, h.SkipTests, h.SkipBoot = true, true, true, true
		})
		result, err := p.RunHeavy(context.Background(), iso, "HEAD")
		require.NoError(t, err)
		assert.False(t, result.OK)
		assert.Equal(t, datatypes.CheckFail, checkByName(result, datatypes.CheckLight).Status)
		assert.Equal(t, 1, result.BlockingCount)
	})

	t.Run("worktree failure is an error", func(t *testing.T) {
		iso := &dirIsolator{err: fmt.Errorf("git worktree add failed")}
		_, err := testPipeline(nil).RunHeavy(context.Background(), iso, "deadbeef")
		require.Error(t, err)
		assert.True(t, strings.Contains(err.Error(), "deadbeef"))
	})
}
