// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrGitTimeout is returned when a git invocation exceeds the client timeout.
var ErrGitTimeout = errors.New("git command timed out")

// GitError describes a failed git invocation.
type GitError struct {
	Dir    string
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	sub := ""
	if len(e.Args) > 0 {
		sub = e.Args[0]
	}
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("git %s: %v", sub, e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", sub, e.Err, msg)
}

func (e *GitError) Unwrap() error { return e.Err }

// GitClient runs git on the command line in one directory.
//
// # Description
//
// Every call runs under its own timeout. Commits carry a fixed identity so
// that worktrees without user configuration can still commit.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Concurrent mutations of the same
// worktree are the caller's problem.
type GitClient struct {
	dir         string
	timeout     time.Duration
	authorName  string
	authorEmail string
}

// NewGitClient creates a client bound to an absolute directory.
//
// # Inputs
//
//   - dir: Absolute path to a repository or worktree.
//   - timeout: Maximum duration of each git call. Defaults to 30s.
//
// # Outputs
//
//   - *GitClient: Ready-to-use client.
//   - error: Non-nil if dir is not absolute.
func NewGitClient(dir string, timeout time.Duration) (*GitClient, error) {
	if !filepath.IsAbs(dir) {
		return nil, fmt.Errorf("git directory must be absolute: %s", dir)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitClient{
		dir:         dir,
		timeout:     timeout,
		authorName:  "forge",
		authorEmail: "forge@localhost",
	}, nil
}

// At returns a client with the same settings bound to another directory.
func (g *GitClient) At(dir string) *GitClient {
	c := *g
	c.dir = dir
	return &c
}

// Dir returns the directory the client runs in.
func (g *GitClient) Dir() string { return g.dir }

func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v", ErrGitTimeout, g.timeout)
		}
		return "", &GitError{Dir: g.dir, Args: args, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RevParse resolves a ref to a full commit SHA.
func (g *GitClient) RevParse(ctx context.Context, ref string) (string, error) {
	sha, err := g.run(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving ref %s: %w", ref, err)
	}
	return sha, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. A
// commit is its own ancestor.
func (g *GitClient) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	_, err := g.run(ctx, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("checking ancestry of %s: %w", ancestor, err)
}

// Head returns the commit SHA at HEAD.
func (g *GitClient) Head(ctx context.Context) (string, error) {
	return g.RevParse(ctx, "HEAD")
}

// TopLevel returns the absolute root of the working tree.
func (g *GitClient) TopLevel(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--show-toplevel")
}

// BranchExists reports whether refs/heads/<name> exists.
func (g *GitClient) BranchExists(ctx context.Context, name string) bool {
	_, err := g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// ResetHard resets index and working tree to ref.
func (g *GitClient) ResetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories, keeping ignored ones.
func (g *GitClient) CleanUntracked(ctx context.Context) error {
	_, err := g.run(ctx, "clean", "-fd")
	return err
}

// StatusPorcelain returns `git status --porcelain` output.
func (g *GitClient) StatusPorcelain(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("getting status: %w", err)
	}
	return out, nil
}

// AddPaths stages additions, modifications and deletions of the given paths.
func (g *GitClient) AddPaths(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// StagedPaths lists staged paths, optionally restricted to a pathspec.
func (g *GitClient) StagedPaths(ctx context.Context, paths ...string) ([]string, error) {
	args := append([]string{"diff", "--cached", "--name-only", "--"}, paths...)
	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Commit records the index with the client identity, skipping hooks and
// signing.
func (g *GitClient) Commit(ctx context.Context, message string) error {
	_, err := g.run(ctx,
		"-c", "user.name="+g.authorName,
		"-c", "user.email="+g.authorEmail,
		"-c", "commit.gpgsign=false",
		"commit", "--no-verify", "-m", message)
	return err
}

// AddWorktree checks out an existing branch into a new worktree at path.
func (g *GitClient) AddWorktree(ctx context.Context, path, branch string) error {
	_, err := g.run(ctx, "worktree", "add", path, branch)
	return err
}

// AddWorktreeNewBranch creates branch at base and checks it out at path.
func (g *GitClient) AddWorktreeNewBranch(ctx context.Context, path, branch, base string) error {
	_, err := g.run(ctx, "worktree", "add", "-b", branch, path, base)
	return err
}

// AddDetachedWorktree creates a detached worktree at path checked out at ref.
func (g *GitClient) AddDetachedWorktree(ctx context.Context, path, ref string) error {
	_, err := g.run(ctx, "worktree", "add", "--detach", path, ref)
	return err
}

// RemoveWorktree removes the worktree at path, discarding local changes.
func (g *GitClient) RemoveWorktree(ctx context.Context, path string) error {
	_, err := g.run(ctx, "worktree", "remove", "--force", path)
	return err
}

// PruneWorktrees drops administrative entries of vanished worktrees.
func (g *GitClient) PruneWorktrees(ctx context.Context) error {
	_, err := g.run(ctx, "worktree", "prune")
	return err
}

// WorktreeEntry is one record of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path   string
	HEAD   string
	Branch string
	Locked bool
}

// WorktreeList returns all worktrees, the main one first.
func (g *GitClient) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := g.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain`:
//
//	worktree /path/to/main
//	HEAD abc123def456
//	branch refs/heads/main
//
//	worktree /path/to/iso
//	HEAD def456abc123
//	detached
func parseWorktreeList(output string) []WorktreeEntry {
	if output == "" {
		return nil
	}

	var entries []WorktreeEntry
	var current *WorktreeEntry

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if current != nil {
				entries = append(entries, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "locked" || strings.HasPrefix(line, "locked "):
			current.Locked = true
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}
