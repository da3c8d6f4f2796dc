// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filesession applies one step's file changes to a run worktree as
// a single transaction.
//
// A session moves through
//
//	idle → begun → staged → validated → applied → committed
//
// and can be aborted from any state after begun and before committed.
// Abort resets the worktree to the commit recorded at Begin, so a step is
// either fully committed or fully rolled back.
//
// # Thread Safety
//
// A Session is safe for concurrent use, but its methods are meant to be
// called in order by one goroutine.
package filesession

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/forge/services/forge/datatypes"
	"github.com/AleutianAI/forge/services/forge/vcs"
)

var (
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid file session state")

	// ErrUnsafePath is returned for absolute, traversing or .git paths.
	ErrUnsafePath = errors.New("unsafe path")

	// ErrTooManyFiles is returned when a change set exceeds MaxFiles.
	ErrTooManyFiles = errors.New("too many files in change set")

	// ErrFileTooLarge is returned when one file exceeds MaxFileBytes.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrTotalTooLarge is returned when the change set exceeds MaxTotalBytes.
	ErrTotalTooLarge = errors.New("change set exceeds size limit")

	// ErrDuplicatePath is returned when one path appears twice in a change set.
	ErrDuplicatePath = errors.New("duplicate path in change set")

	// ErrUnknownOp is returned for an unsupported change operation.
	ErrUnknownOp = errors.New("unknown change operation")

	// ErrPatchFailed is returned when a patch does not apply cleanly.
	ErrPatchFailed = errors.New("patch failed")

	// ErrConflict is returned by Validate when disk state contradicts a change.
	ErrConflict = errors.New("file conflict")

	// ErrNothingToCommit is returned by Commit when no path changed.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// State is the lifecycle state of a Session.
type State string

const (
	StateIdle      State = "idle"
	StateBegun     State = "begun"
	StateStaged    State = "staged"
	StateValidated State = "validated"
	StateApplied   State = "applied"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Committer is the version-control surface a session needs.
// *vcs.Isolation implements it.
type Committer interface {
	Head(ctx context.Context, dir string) (string, error)
	CommitPaths(ctx context.Context, dir string, paths []string, message string) (string, error)
	ResetWorktreeToCommit(ctx context.Context, dir, ref string) (string, error)
}

// Config caps what a single session may stage.
type Config struct {
	MaxFiles      int
	MaxFileBytes  int
	MaxTotalBytes int

	// PreviewBytes bounds the diff preview kept per file. 0 disables.
	PreviewBytes int

	// EnableTracing creates otel spans for session operations.
	EnableTracing bool
}

// DefaultConfig returns the limits used when a field is zero.
func DefaultConfig() Config {
	return Config{
		MaxFiles:      40,
		MaxFileBytes:  256 * 1024,
		MaxTotalBytes: 1024 * 1024,
		PreviewBytes:  2048,
	}
}

// stagedChange holds the before/after state of one path.
type stagedChange struct {
	rel          string
	op           datatypes.ChangeOp
	before       []byte
	beforeExists bool
	after        []byte
	afterExists  bool
	createsFile  bool
	diff         datatypes.StagedDiff
}

// Session is one step's file transaction.
type Session struct {
	id        string
	root      string
	cfg       Config
	committer Committer
	tracer    *Tracer
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	baseCommit string
	commitSHA  string
	staged     []*stagedChange
	touched    bool
	begunAt    time.Time
}

// New creates an idle session over the worktree at root.
//
// # Inputs
//
//   - root: Absolute worktree path.
//   - committer: Version-control operations for the worktree.
//   - cfg: Limits. Zero fields take DefaultConfig values.
//
// # Outputs
//
//   - *Session: Idle session.
//   - error: Non-nil if root is not absolute or committer is nil.
func New(root string, committer Committer, cfg Config) (*Session, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("session root must be absolute: %s", root)
	}
	if committer == nil {
		return nil, errors.New("committer is required")
	}
	def := DefaultConfig()
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}
	if cfg.MaxTotalBytes <= 0 {
		cfg.MaxTotalBytes = def.MaxTotalBytes
	}
	if cfg.PreviewBytes < 0 {
		cfg.PreviewBytes = 0
	}
	logger := slog.Default().With("component", "filesession")
	return &Session{
		id:        uuid.NewString(),
		root:      root,
		cfg:       cfg,
		committer: committer,
		tracer:    NewTracer(logger, cfg.EnableTracing),
		logger:    logger,
		state:     StateIdle,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BaseCommit returns the worktree HEAD recorded at Begin.
func (s *Session) BaseCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCommit
}

// Diffs returns the staged diffs in staging order.
func (s *Session) Diffs() []datatypes.StagedDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.StagedDiff, len(s.staged))
	for i, c := range s.staged {
		out[i] = c.diff
	}
	return out
}

// Begin records the base commit and opens the session.
func (s *Session) Begin(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "begin", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Begin", &err)
	defer func() { recordBegin(ctx, err == nil) }()

	if s.state != StateIdle {
		return fmt.Errorf("%w: begin from %s", ErrInvalidState, s.state)
	}
	head, err := s.committer.Head(ctx, s.root)
	if err != nil {
		return fmt.Errorf("reading base commit: %w", err)
	}
	s.baseCommit = head
	s.begunAt = time.Now()
	s.setState(ctx, StateBegun)
	return nil
}

// Stage validates and stages a change set.
//
// # Description
//
// Checks the file-count and byte caps, rejects unsafe paths, and computes
// before/after content for every change. Patch ops are applied in memory.
// Nothing is written to disk. On error the session stays begun so the
// caller can abort.
//
// # Inputs
//
//   - ctx: Context for tracing.
//   - changes: Proposed file changes of one step.
//
// # Outputs
//
//   - []datatypes.StagedDiff: One diff per staged path.
//   - error: ErrInvalidState, a cap error, ErrUnsafePath, ErrPatchFailed.
func (s *Session) Stage(ctx context.Context, changes []datatypes.ProposedFileChange) (diffs []datatypes.StagedDiff, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "stage", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Stage", &err)

	if s.state != StateBegun {
		return nil, fmt.Errorf("%w: stage from %s", ErrInvalidState, s.state)
	}
	if len(changes) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyFiles, len(changes), s.cfg.MaxFiles)
	}

	seen := make(map[string]bool, len(changes))
	staged := make([]*stagedChange, 0, len(changes))
	total := 0
	for _, ch := range changes {
		rel, abs, err := s.resolve(ch.Path)
		if err != nil {
			return nil, err
		}
		if seen[rel] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, rel)
		}
		seen[rel] = true

		sc, err := s.stageOne(rel, abs, ch)
		if err != nil {
			return nil, err
		}
		if len(sc.after) > s.cfg.MaxFileBytes {
			return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, rel, len(sc.after), s.cfg.MaxFileBytes)
		}
		total += len(sc.after)
		if total > s.cfg.MaxTotalBytes {
			return nil, fmt.Errorf("%w: limit %d", ErrTotalTooLarge, s.cfg.MaxTotalBytes)
		}
		staged = append(staged, sc)
	}

	s.staged = staged
	diffs = make([]datatypes.StagedDiff, len(staged))
	bytesStaged := 0
	for i, sc := range staged {
		diffs[i] = sc.diff
		bytesStaged += sc.diff.Bytes
	}
	recordStaged(ctx, len(staged), bytesStaged)
	s.setState(ctx, StateStaged)
	return diffs, nil
}

func (s *Session) stageOne(rel, abs string, ch datatypes.ProposedFileChange) (*stagedChange, error) {
	before, exists, err := readIfExists(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	sc := &stagedChange{rel: rel, op: ch.Op, before: before, beforeExists: exists}

	switch ch.Op {
	case datatypes.OpCreate, datatypes.OpUpdate:
		sc.after = []byte(ch.Content)
		sc.afterExists = true
	case datatypes.OpDelete:
		sc.afterExists = false
	case datatypes.OpPatch:
		res, err := applyUnifiedPatch(before, ch.Patch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rel, err)
		}
		sc.after = res.content
		sc.afterExists = !res.deleted
		sc.createsFile = res.creates
	default:
		return nil, fmt.Errorf("%w: %q for %s", ErrUnknownOp, ch.Op, rel)
	}

	preview, changed := lineDiff(string(sc.before), string(sc.after), s.cfg.PreviewBytes)
	sc.diff = datatypes.StagedDiff{
		Path:       rel,
		ChangeType: ch.Op,
		Bytes:      changed,
		Preview:    preview,
	}
	if exists {
		sc.diff.BeforeHash = hashBytes(before)
	}
	if sc.afterExists {
		sc.diff.AfterHash = hashBytes(sc.after)
	}
	return sc, nil
}

// Validate checks staged changes against the current disk state.
//
// Conflicts: create over an existing file, delete or patch of a missing
// file, and any on-disk change since Stage read the file.
func (s *Session) Validate(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "validate", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Validate", &err)

	if s.state != StateStaged {
		return fmt.Errorf("%w: validate from %s", ErrInvalidState, s.state)
	}

	var conflicts []string
	for _, sc := range s.staged {
		switch {
		case sc.op == datatypes.OpCreate && sc.beforeExists:
			conflicts = append(conflicts, sc.rel+": create over existing file")
			continue
		case sc.op == datatypes.OpDelete && !sc.beforeExists:
			conflicts = append(conflicts, sc.rel+": delete of missing file")
			continue
		case sc.op == datatypes.OpPatch && !sc.beforeExists && !sc.createsFile:
			conflicts = append(conflicts, sc.rel+": patch of missing file")
			continue
		case sc.op == datatypes.OpPatch && sc.beforeExists && sc.createsFile:
			conflicts = append(conflicts, sc.rel+": creating patch over existing file")
			continue
		}
		current, exists, err := readIfExists(filepath.Join(s.root, filepath.FromSlash(sc.rel)))
		if err != nil {
			return fmt.Errorf("reading %s: %w", sc.rel, err)
		}
		if exists != sc.beforeExists || !bytes.Equal(current, sc.before) {
			conflicts = append(conflicts, sc.rel+": changed on disk since staging")
		}
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: %s", ErrConflict, strings.Join(conflicts, "; "))
	}
	s.setState(ctx, StateValidated)
	return nil
}

// Apply writes the staged changes to disk. Any failure aborts the session.
func (s *Session) Apply(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "apply", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Apply", &err)

	if s.state != StateValidated {
		return fmt.Errorf("%w: apply from %s", ErrInvalidState, s.state)
	}

	s.touched = true
	for _, sc := range s.staged {
		abs := filepath.Join(s.root, filepath.FromSlash(sc.rel))
		if werr := writeChange(abs, sc); werr != nil {
			err = fmt.Errorf("applying %s: %w", sc.rel, werr)
			if abortErr := s.abortLocked(ctx, "apply_failed"); abortErr != nil {
				err = errors.Join(err, abortErr)
			}
			return err
		}
	}
	s.setState(ctx, StateApplied)
	return nil
}

// Commit records all applied paths in exactly one commit.
//
// # Outputs
//
//   - string: New commit SHA.
//   - error: ErrNothingToCommit when no path changed. Any failure aborts
//     the session.
func (s *Session) Commit(ctx context.Context, message string) (sha string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "commit", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Commit", &err)
	defer func() {
		recordCommit(ctx, time.Since(s.begunAt), len(s.staged), err == nil)
	}()

	if s.state != StateApplied {
		return "", fmt.Errorf("%w: commit from %s", ErrInvalidState, s.state)
	}

	paths := make([]string, 0, len(s.staged))
	for _, sc := range s.staged {
		if sc.beforeExists == sc.afterExists && bytes.Equal(sc.before, sc.after) {
			continue
		}
		paths = append(paths, sc.rel)
	}
	if len(paths) > 0 {
		sha, err = s.committer.CommitPaths(ctx, s.root, paths, message)
	}
	if len(paths) == 0 || errors.Is(err, vcs.ErrNothingToCommit) {
		err = ErrNothingToCommit
	}
	if err != nil {
		if abortErr := s.abortLocked(ctx, "commit_failed"); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		return "", err
	}

	s.commitSHA = sha
	s.setState(ctx, StateCommitted)
	s.logger.Info("step committed", "session_id", s.id, "commit", sha, "files", len(paths))
	return sha, nil
}

// Abort discards the session and, if anything was written, resets the
// worktree to the base commit. Aborting an aborted session is a no-op.
func (s *Session) Abort(ctx context.Context, reason string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "abort", s.id)
	defer func() { s.tracer.End(span, err) }()
	defer s.recoverPanic("Abort", &err)

	switch s.state {
	case StateAborted:
		return nil
	case StateIdle, StateCommitted:
		return fmt.Errorf("%w: abort from %s", ErrInvalidState, s.state)
	}
	return s.abortLocked(ctx, reason)
}

// abortLocked must be called with s.mu held.
func (s *Session) abortLocked(ctx context.Context, reason string) error {
	defer recordAbort(ctx, reason)
	s.setState(ctx, StateAborted)
	if !s.touched {
		return nil
	}
	resetCtx := context.WithoutCancel(ctx)
	if _, err := s.committer.ResetWorktreeToCommit(resetCtx, s.root, s.baseCommit); err != nil {
		s.logger.Error("rollback failed", "session_id", s.id, "base", s.baseCommit, "error", err)
		return fmt.Errorf("rolling back to %s: %w", s.baseCommit, err)
	}
	s.logger.Info("step rolled back", "session_id", s.id, "base", s.baseCommit, "reason", reason)
	return nil
}

func (s *Session) setState(ctx context.Context, to State) {
	s.tracer.RecordStateTransition(ctx, s.id, s.state, to)
	s.state = to
}

func (s *Session) recoverPanic(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic in %s: %v", op, r)
		s.logger.Error("panic in file session", "op", op, "panic", r, "session_id", s.id)
	}
}

// resolve converts a proposed path into a clean relative path and an
// absolute path guaranteed to stay inside root.
func (s *Session) resolve(p string) (string, string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, p)
	}
	rel := path.Clean(slashed)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", fmt.Errorf("%w: %q escapes the worktree", ErrUnsafePath, p)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".git" {
			return "", "", fmt.Errorf("%w: %q touches .git", ErrUnsafePath, p)
		}
	}

	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if err := checkNoSymlinkEscape(s.root, abs); err != nil {
		return "", "", err
	}
	return rel, abs, nil
}

// checkNoSymlinkEscape resolves the deepest existing ancestor of abs and
// verifies it is still inside root.
func checkNoSymlinkEscape(root, abs string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	probe := abs
	for {
		if _, err := os.Lstat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return nil
		}
		probe = parent
	}
	real, err := filepath.EvalSymlinks(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s resolves outside the worktree", ErrUnsafePath, abs)
	}
	return nil
}

func readIfExists(abs string) ([]byte, bool, error) {
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// writeChange writes one change via a temp file and rename.
func writeChange(abs string, sc *stagedChange) error {
	if !sc.afterExists {
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return err
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".forge-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(sc.after); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, abs)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
