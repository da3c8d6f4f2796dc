// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vcs isolates each run in its own git branch and worktree, and
// gives heavy validation throwaway detached worktrees.
//
// The user's checkout is never touched: run branches live under a reserved
// prefix (default "forge/run") and every mutation happens inside the run's
// dedicated worktree.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrReservedBranch is returned when a run branch is outside the
	// reserved namespace.
	ErrReservedBranch = errors.New("run branch outside reserved namespace")

	// ErrWorktreeConflict is returned when the requested path or branch is
	// already bound to a different worktree.
	ErrWorktreeConflict = errors.New("worktree conflict")

	// ErrNothingToCommit is returned by CommitPaths when no staged change
	// remains for the given paths.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// Config configures Isolation.
type Config struct {
	// RepoPath is the absolute path of the user's repository.
	RepoPath string

	// BranchPrefix is the reserved branch namespace. Default: "forge/run".
	BranchPrefix string

	// WorktreeRoot holds run worktrees. Default: <RepoPath>/.forge/worktrees.
	WorktreeRoot string

	// GitTimeout bounds each git invocation. Default: 60s.
	GitTimeout time.Duration
}

// RunWorktreeRequest asks for the worktree of one run.
type RunWorktreeRequest struct {
	RunID string

	// Branch overrides the default "<prefix>/<RunID>". It must stay inside
	// the reserved prefix.
	Branch string

	// Path overrides the default "<WorktreeRoot>/<RunID>".
	Path string

	// BaseCommit is where a new branch starts. Default: HEAD of RepoPath.
	BaseCommit string
}

// RunWorktree describes a run's checked-out worktree.
type RunWorktree struct {
	Path    string
	Branch  string
	Head    string
	Created bool
}

// Isolation manages run worktrees for one repository.
//
// # Thread Safety
//
// Safe for concurrent use across runs. Two callers ensuring the same run at
// the same time race inside git; the run lock prevents that.
type Isolation struct {
	git    *GitClient
	prefix string
	root   string
	logger *slog.Logger
}

// New creates an Isolation for cfg.RepoPath.
//
// # Inputs
//
//   - cfg: Repository and namespace configuration.
//
// # Outputs
//
//   - *Isolation: Ready to use.
//   - error: Non-nil if RepoPath is not absolute.
func New(cfg Config) (*Isolation, error) {
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = 60 * time.Second
	}
	git, err := NewGitClient(cfg.RepoPath, cfg.GitTimeout)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(cfg.BranchPrefix, "/")
	if prefix == "" {
		prefix = "forge/run"
	}
	root := cfg.WorktreeRoot
	if root == "" {
		root = filepath.Join(cfg.RepoPath, ".forge", "worktrees")
	}
	return &Isolation{
		git:    git,
		prefix: prefix,
		root:   root,
		logger: slog.Default().With("component", "vcs"),
	}, nil
}

// Git returns a client bound to dir with the isolation's settings.
func (i *Isolation) Git(dir string) *GitClient {
	return i.git.At(dir)
}

// BranchFor returns the reserved branch name for a run.
func (i *Isolation) BranchFor(runID string) string {
	return i.prefix + "/" + runID
}

// EnsureRunWorktree creates or reuses the worktree of a run.
//
// # Description
//
// Idempotent: when the run branch is already checked out in a worktree at
// the expected path, that worktree is returned unchanged. An existing branch
// without a worktree is checked out again; a missing branch is created at
// BaseCommit (or HEAD).
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - req: Run identity and optional overrides.
//
// # Outputs
//
//   - RunWorktree: Path, branch and current head.
//   - error: ErrReservedBranch, ErrWorktreeConflict or a git failure.
func (i *Isolation) EnsureRunWorktree(ctx context.Context, req RunWorktreeRequest) (RunWorktree, error) {
	if req.RunID == "" && req.Branch == "" {
		return RunWorktree{}, errors.New("run id or branch required")
	}
	branch := req.Branch
	if branch == "" {
		branch = i.BranchFor(req.RunID)
	}
	if !strings.HasPrefix(branch, i.prefix+"/") {
		return RunWorktree{}, fmt.Errorf("%w: %s (prefix %s)", ErrReservedBranch, branch, i.prefix)
	}
	path := req.Path
	if path == "" {
		path = filepath.Join(i.root, filepath.Base(branch))
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return RunWorktree{}, fmt.Errorf("resolving worktree path: %w", err)
	}

	entries, err := i.git.WorktreeList(ctx)
	if err != nil {
		return RunWorktree{}, err
	}
	for _, e := range entries {
		samePath := sameDir(e.Path, path)
		switch {
		case e.Branch == branch && samePath:
			head, err := i.git.At(path).Head(ctx)
			if err != nil {
				return RunWorktree{}, err
			}
			i.logger.Debug("reusing run worktree", "branch", branch, "path", path)
			return RunWorktree{Path: path, Branch: branch, Head: head}, nil
		case e.Branch == branch:
			return RunWorktree{}, fmt.Errorf("%w: branch %s checked out at %s", ErrWorktreeConflict, branch, e.Path)
		case samePath:
			return RunWorktree{}, fmt.Errorf("%w: %s holds branch %q", ErrWorktreeConflict, path, e.Branch)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return RunWorktree{}, fmt.Errorf("creating worktree root: %w", err)
	}
	// A stale directory from a crashed run would make `worktree add` fail.
	_ = i.git.PruneWorktrees(ctx)

	if i.git.BranchExists(ctx, branch) {
		err = i.git.AddWorktree(ctx, path, branch)
	} else {
		base := req.BaseCommit
		if base == "" {
			base = "HEAD"
		}
		err = i.git.AddWorktreeNewBranch(ctx, path, branch, base)
	}
	if err != nil {
		return RunWorktree{}, fmt.Errorf("creating run worktree: %w", err)
	}

	head, err := i.git.At(path).Head(ctx)
	if err != nil {
		return RunWorktree{}, err
	}
	i.logger.Info("run worktree created", "branch", branch, "path", path, "head", head)
	return RunWorktree{Path: path, Branch: branch, Head: head, Created: true}, nil
}

// IsWorktreeDirty reports whether the worktree has tracked or untracked
// changes. Ignored files do not count.
func (i *Isolation) IsWorktreeDirty(ctx context.Context, path string) (bool, error) {
	out, err := i.git.At(path).StatusPorcelain(ctx)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ResetWorktreeToCommit hard-resets the worktree to ref and removes
// untracked files.
//
// # Outputs
//
//   - string: The resulting HEAD.
//   - error: Any git failure; the worktree state is then unknown.
func (i *Isolation) ResetWorktreeToCommit(ctx context.Context, path, ref string) (string, error) {
	g := i.git.At(path)
	if err := g.ResetHard(ctx, ref); err != nil {
		return "", fmt.Errorf("resetting to %s: %w", ref, err)
	}
	if err := g.CleanUntracked(ctx); err != nil {
		return "", fmt.Errorf("cleaning worktree: %w", err)
	}
	head, err := g.Head(ctx)
	if err != nil {
		return "", err
	}
	i.logger.Info("worktree reset", "path", path, "head", head)
	return head, nil
}

// CommitPaths stages exactly the given paths and commits them.
//
// # Outputs
//
//   - string: New HEAD.
//   - error: ErrNothingToCommit when the paths carry no change.
func (i *Isolation) CommitPaths(ctx context.Context, path string, paths []string, message string) (string, error) {
	if len(paths) == 0 {
		return "", ErrNothingToCommit
	}
	g := i.git.At(path)
	if err := g.AddPaths(ctx, paths...); err != nil {
		return "", fmt.Errorf("staging: %w", err)
	}
	staged, err := g.StagedPaths(ctx)
	if err != nil {
		return "", err
	}
	if len(staged) == 0 {
		return "", ErrNothingToCommit
	}
	if err := g.Commit(ctx, message); err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return g.Head(ctx)
}

// Head returns HEAD of the given worktree.
func (i *Isolation) Head(ctx context.Context, path string) (string, error) {
	return i.git.At(path).Head(ctx)
}

// IsAncestor reports whether ancestor is reachable from descendant in
// the repository of the worktree at path.
func (i *Isolation) IsAncestor(ctx context.Context, path, ancestor, descendant string) (bool, error) {
	return i.git.At(path).IsAncestor(ctx, ancestor, descendant)
}

// PruneWorktrees drops records of worktrees whose directories are gone.
func (i *Isolation) PruneWorktrees(ctx context.Context) error {
	return i.git.PruneWorktrees(ctx)
}

// WithIsolatedWorktree runs fn inside a throwaway detached worktree at ref.
//
// # Description
//
// The worktree is removed on every exit path, including a panic in fn.
// Cleanup uses a context detached from ctx so that cancellation does not
// leak worktrees.
//
// # Inputs
//
//   - ctx: Context for cancellation, passed to fn.
//   - ref: Commit to check out.
//   - fn: Work to run with the worktree directory.
//
// # Outputs
//
//   - error: Creation failure, or fn's error.
func (i *Isolation) WithIsolatedWorktree(ctx context.Context, ref string, fn func(ctx context.Context, dir string) error) (err error) {
	if err := os.MkdirAll(i.root, 0750); err != nil {
		return fmt.Errorf("creating worktree root: %w", err)
	}
	dir, err := os.MkdirTemp(i.root, "iso-")
	if err != nil {
		return fmt.Errorf("creating isolated dir: %w", err)
	}
	if err := i.git.AddDetachedWorktree(ctx, dir, ref); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("creating isolated worktree: %w", err)
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.git.timeout)
		defer cancel()
		if rmErr := i.git.RemoveWorktree(cleanupCtx, dir); rmErr != nil {
			i.logger.Warn("removing isolated worktree", "path", dir, "error", rmErr)
		}
		_ = os.RemoveAll(dir)
		_ = i.git.PruneWorktrees(cleanupCtx)
	}()

	return fn(ctx, dir)
}

func sameDir(a, b string) bool {
	if a == b {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
