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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrEmptyCommand is returned when a command has no program.
var ErrEmptyCommand = errors.New("empty command")

// CommandSpec describes one subprocess.
type CommandSpec struct {
	Dir  string
	Argv []string

	// Env is appended to the parent environment.
	Env []string

	// Timeout bounds Run. Zero means no timeout.
	Timeout time.Duration
}

// CommandResult is the captured outcome of Run.
type CommandResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
	Canceled bool
}

// OK reports whether the command exited zero without being stopped.
func (r CommandResult) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Canceled
}

// Runner starts subprocesses in their own process group and stops them by
// signalling the whole group: SIGTERM first, SIGKILL after a grace period.
type Runner struct {
	killGrace time.Duration
	tailBytes int
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(killGrace time.Duration, tailBytes int) *Runner {
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	if tailBytes <= 0 {
		tailBytes = 16 * 1024
	}
	return &Runner{
		killGrace: killGrace,
		tailBytes: tailBytes,
		logger:    slog.Default().With("component", "validation.runner"),
	}
}

// Process is a started subprocess.
type Process struct {
	cmd   *exec.Cmd
	out   *tailBuffer
	grace time.Duration

	done     chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// Start launches spec without waiting for it.
func (r *Runner) Start(spec CommandSpec) (*Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	out := newTailBuffer(r.tailBytes)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = r.killGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Argv[0], err)
	}
	p := &Process{
		cmd:    cmd,
		out:    out,
		grace:  r.killGrace,
		done:   make(chan struct{}),
		logger: r.logger,
	}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Done is closed when the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 if the process was killed by a
// signal or has not exited.
func (p *Process) ExitCode() int {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Output returns the captured, tail-truncated output.
func (p *Process) Output() string {
	return p.out.String()
}

// Stop terminates the process group and waits for exit. Safe to call more
// than once and after the process has exited.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if p.Exited() {
			return
		}
		if err := terminateGroup(p.cmd); err != nil {
			p.logger.Debug("SIGTERM failed", slog.String("error", err.Error()))
		}
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}
		p.logger.Warn("process ignored SIGTERM, killing group",
			slog.Int("pid", p.cmd.Process.Pid),
			slog.Duration("grace", p.grace),
		)
		if err := killGroup(p.cmd); err != nil {
			p.logger.Debug("SIGKILL failed", slog.String("error", err.Error()))
		}
	})
	<-p.done
}

// Run executes spec to completion.
//
// # Description
//
// The process is stopped when spec.Timeout elapses or ctx is done. Output
// from stdout and stderr is interleaved and truncated to the tail.
//
// # Outputs
//
//   - CommandResult: Exit code -1 when the process was stopped.
//   - error: Only for failures to start.
func (r *Runner) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	start := time.Now()
	p, err := r.Start(spec)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	res := CommandResult{}
	select {
	case <-p.Done():
	case <-timeout:
		res.TimedOut = true
		p.Stop()
	case <-ctx.Done():
		res.Canceled = true
		p.Stop()
	}

	res.ExitCode = p.ExitCode()
	res.Output = p.Output()
	res.Duration = time.Since(start)
	return res, nil
}

// tailBuffer is an io.Writer that keeps only the last max bytes.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.truncated += over
		b.buf = append(b.buf[:0:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated == 0 {
		return string(b.buf)
	}
	return fmt.Sprintf("[... %d bytes truncated]\n%s", b.truncated, b.buf)
}
