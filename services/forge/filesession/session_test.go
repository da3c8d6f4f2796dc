// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filesession

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/vcs"
)

type fakeCommitter struct {
	commitErr   error
	commitPaths []string
	resets      []string
}

func (f *fakeCommitter) Head(context.Context, string) (string, error) { return "base", nil }

func (f *fakeCommitter) CommitPaths(_ context.Context, _ string, paths []string, _ string) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commitPaths = append([]string(nil), paths...)
	return "next", nil
}

func (f *fakeCommitter) ResetWorktreeToCommit(_ context.Context, _ string, ref string) (string, error) {
	f.resets = append(f.resets, ref)
	return ref, nil
}

func newSession(t *testing.T, root string, c Committer, cfg Config) *Session {
	t.Helper()
	s, err := New(root, c, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Begin(context.Background()); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	return s
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSession_HappyPath(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, root, "src/app.ts", "line1\nline2\nline3\n")
	writeFile(t, root, "src/old.ts", "gone\n")
	fc := &fakeCommitter{}
	s := newSession(t, root, fc, Config{})

	patch := "--- a/src/app.ts\n+++ b/src/app.ts\n@@ -1,3 +1,3 @@\n line1\n-line2\n+line two\n line3\n"
	diffs, err := s.Stage(ctx, []datatypes.ProposedFileChange{
		{Path: "src/new.ts", Op: datatypes.OpCreate, Content: "export const x = 1;\n"},
		{Path: "src/app.ts", Op: datatypes.OpPatch, Patch: patch},
		{Path: "./src/old.ts", Op: datatypes.OpDelete},
	})
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(diffs) != 3 || diffs[2].Path != "src/old.ts" {
		t.Fatalf("unexpected diffs: %+v", diffs)
	}
	if diffs[0].AfterHash == "" || diffs[0].BeforeHash != "" {
		t.Errorf("create diff hashes wrong: %+v", diffs[0])
	}
	if !strings.Contains(diffs[1].Preview, "+line two") {
		t.Errorf("preview missing insertion: %q", diffs[1].Preview)
	}

	if err := s.Validate(ctx); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if err := s.Apply(ctx); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	sha, err := s.Commit(ctx, "step 1")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if sha != "next" || s.State() != StateCommitted {
		t.Errorf("unexpected commit result %s state %s", sha, s.State())
	}

	got, _ := os.ReadFile(filepath.Join(root, "src/app.ts"))
	if string(got) != "line1\nline two\nline3\n" {
		t.Errorf("patched content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(root, "src/old.ts")); !os.IsNotExist(err) {
		t.Error("deleted file still present")
	}
	if len(fc.commitPaths) != 3 {
		t.Errorf("expected 3 committed paths, got %v", fc.commitPaths)
	}
}

func TestSession_StageRejects(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	tests := []struct {
		name    string
		cfg     Config
		changes []datatypes.ProposedFileChange
		want    error
	}{
		{"traversal", Config{}, []datatypes.ProposedFileChange{{Path: "../x.ts", Op: datatypes.OpCreate}}, ErrUnsafePath},
		{"absolute", Config{}, []datatypes.ProposedFileChange{{Path: "/etc/passwd", Op: datatypes.OpUpdate}}, ErrUnsafePath},
		{"git dir", Config{}, []datatypes.ProposedFileChange{{Path: ".git/config", Op: datatypes.OpUpdate}}, ErrUnsafePath},
		{"nested git dir", Config{}, []datatypes.ProposedFileChange{{Path: "pkg/.git/HEAD", Op: datatypes.OpCreate}}, ErrUnsafePath},
		{"symlink escape", Config{}, []datatypes.ProposedFileChange{{Path: "link/evil.ts", Op: datatypes.OpCreate}}, ErrUnsafePath},
		{"duplicate", Config{}, []datatypes.ProposedFileChange{
			{Path: "a.ts", Op: datatypes.OpCreate}, {Path: "./a.ts", Op: datatypes.OpCreate},
		}, ErrDuplicatePath},
		{"too many files", Config{MaxFiles: 1}, []datatypes.ProposedFileChange{
			{Path: "a.ts", Op: datatypes.OpCreate}, {Path: "b.ts", Op: datatypes.OpCreate},
		}, ErrTooManyFiles},
		{"file too large", Config{MaxFileBytes: 4}, []datatypes.ProposedFileChange{
			{Path: "a.ts", Op: datatypes.OpCreate, Content: "12345"},
		}, ErrFileTooLarge},
		{"total too large", Config{MaxFileBytes: 4, MaxTotalBytes: 6}, []datatypes.ProposedFileChange{
			{Path: "a.ts", Op: datatypes.OpCreate, Content: "1234"},
			{Path: "b.ts", Op: datatypes.OpCreate, Content: "1234"},
		}, ErrTotalTooLarge},
		{"unknown op", Config{}, []datatypes.ProposedFileChange{{Path: "a.ts", Op: "rename"}}, ErrUnknownOp},
		{"bad patch", Config{}, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpPatch, Patch: "nonsense"}}, ErrPatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, root, &fakeCommitter{}, tt.cfg)
			_, err := s.Stage(context.Background(), tt.changes)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if s.State() != StateBegun {
				t.Errorf("state after failed stage = %s", s.State())
			}
		})
	}
}

func TestSession_ValidateConflicts(t *testing.T) {
	ctx := context.Background()

	t.Run("create over existing", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.ts", "x")
		s := newSession(t, root, &fakeCommitter{}, Config{})
		if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpCreate, Content: "y"}}); err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(ctx); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("delete of missing", func(t *testing.T) {
		s := newSession(t, t.TempDir(), &fakeCommitter{}, Config{})
		if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpDelete}}); err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(ctx); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("drift since staging", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.ts", "one")
		s := newSession(t, root, &fakeCommitter{}, Config{})
		if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpUpdate, Content: "two"}}); err != nil {
			t.Fatal(err)
		}
		writeFile(t, root, "a.ts", "someone else")
		if err := s.Validate(ctx); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}

func TestSession_CommitFailureAborts(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to commit", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.ts", "same")
		fc := &fakeCommitter{}
		s := newSession(t, root, fc, Config{})
		if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpUpdate, Content: "same"}}); err != nil {
			t.Fatal(err)
		}
		if err := s.Validate(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Apply(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Commit(ctx, "noop"); !errors.Is(err, ErrNothingToCommit) {
			t.Errorf("expected ErrNothingToCommit, got %v", err)
		}
		if s.State() != StateAborted || len(fc.resets) != 1 || fc.resets[0] != "base" {
			t.Errorf("expected abort with reset to base, state=%s resets=%v", s.State(), fc.resets)
		}
	})

	t.Run("commit error", func(t *testing.T) {
		fc := &fakeCommitter{commitErr: errors.New("disk full")}
		s := newSession(t, t.TempDir(), fc, Config{})
		if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{{Path: "a.ts", Op: datatypes.OpCreate, Content: "x"}}); err != nil {
			t.Fatal(err)
		}
		_ = s.Validate(ctx)
		_ = s.Apply(ctx)
		if _, err := s.Commit(ctx, "x"); err == nil {
			t.Fatal("expected commit error")
		}
		if s.State() != StateAborted || len(fc.resets) != 1 {
			t.Errorf("expected abort with reset, state=%s resets=%v", s.State(), fc.resets)
		}
	})

	t.Run("abort before apply does not reset", func(t *testing.T) {
		fc := &fakeCommitter{}
		s := newSession(t, t.TempDir(), fc, Config{})
		if err := s.Abort(ctx, "validation"); err != nil {
			t.Fatal(err)
		}
		if len(fc.resets) != 0 {
			t.Errorf("unexpected reset: %v", fc.resets)
		}
		if err := s.Abort(ctx, "again"); err != nil {
			t.Errorf("second abort should be a no-op, got %v", err)
		}
	})
}

func TestSession_OutOfOrder(t *testing.T) {
	s, err := New(t.TempDir(), &fakeCommitter{}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage(context.Background(), nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("stage before begin: expected ErrInvalidState, got %v", err)
	}
	if err := s.Abort(context.Background(), "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("abort from idle: expected ErrInvalidState, got %v", err)
	}
}

func TestApplyUnifiedPatch(t *testing.T) {
	tests := []struct {
		name     string
		original string
		patch    string
		want     string
		wantErr  bool
		creates  bool
	}{
		{
			name:     "replace middle line",
			original: "a\nb\nc\n",
			patch:    "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n",
			want:     "a\nB\nc\n",
		},
		{
			name:     "insert after line",
			original: "a\nb\n",
			patch:    "--- a/f\n+++ b/f\n@@ -1,0 +2,1 @@\n+inserted\n",
			want:     "a\ninserted\nb\n",
		},
		{
			name:    "new file",
			patch:   "--- /dev/null\n+++ b/f\n@@ -0,0 +1,2 @@\n+x\n+y\n",
			want:    "x\ny\n",
			creates: true,
		},
		{
			name:     "context mismatch",
			original: "a\nb\nc\n",
			patch:    "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n-zzz\n+B\n c\n",
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var orig []byte
			if tt.original != "" {
				orig = []byte(tt.original)
			}
			res, err := applyUnifiedPatch(orig, tt.patch)
			if tt.wantErr {
				if !errors.Is(err, ErrPatchFailed) {
					t.Errorf("expected ErrPatchFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(res.content) != tt.want {
				t.Errorf("content = %q, want %q", res.content, tt.want)
			}
			if res.creates != tt.creates {
				t.Errorf("creates = %v, want %v", res.creates, tt.creates)
			}
		})
	}
}

func TestSession_GitAtomicity(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	repo := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"commit", "-q", "--allow-empty", "-m", "root"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	iso, err := vcs.New(vcs.Config{RepoPath: repo, WorktreeRoot: t.TempDir(), GitTimeout: 30 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	base, err := iso.Head(ctx, repo)
	if err != nil {
		t.Fatal(err)
	}

	s := newSession(t, repo, iso, Config{})
	if _, err := s.Stage(ctx, []datatypes.ProposedFileChange{
		{Path: "src/a.ts", Op: datatypes.OpCreate, Content: "export const a = 1;\n"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Abort(ctx, "validation"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo, "src/a.ts")); !os.IsNotExist(err) {
		t.Error("aborted change left a file behind")
	}
	if dirty, _ := iso.IsWorktreeDirty(ctx, repo); dirty {
		t.Error("worktree dirty after abort")
	}

	s2 := newSession(t, repo, iso, Config{})
	if _, err := s2.Stage(ctx, []datatypes.ProposedFileChange{
		{Path: "src/a.ts", Op: datatypes.OpCreate, Content: "export const a = 1;\n"},
	}); err != nil {
		t.Fatal(err)
	}
	_ = s2.Validate(ctx)
	_ = s2.Apply(ctx)
	sha, err := s2.Commit(ctx, "forge: add a")
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if sha == base {
		t.Error("expected HEAD to move")
	}
}
