// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the ToolExecutor contract and the built-in tools
// steps are dispatched to.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Sentinel errors for dispatch.
var (
	// ErrToolNotFound indicates the step names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInputMismatch indicates the step input is not the kind the tool
	// accepts.
	ErrInputMismatch = errors.New("step input does not match tool")
)

// executions counts tool invocations.
// Labels: tool, status
var executions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "forge",
	Subsystem: "tools",
	Name:      "executions_total",
	Help:      "Tool executions, by tool and resulting step status",
}, []string{"tool", "status"})

// ExecContext is what a tool knows about the run it executes in.
type ExecContext struct {
	RunID string

	// Worktree is the run worktree. Tools never write to it directly;
	// mutating tools return proposed changes.
	Worktree string

	Logger *slog.Logger
}

// ToolExecutor executes one step.
type ToolExecutor interface {
	ExecuteStep(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error)
}

// Tool is a registered step handler.
type Tool interface {
	Name() string

	// Accepts reports the input kind the tool handles.
	Accepts() datatypes.InputKind

	// Execute runs the step. Tool-level failures are reported through the
	// result's Status and Error; the returned error is reserved for
	// infrastructure failures.
	Execute(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error)
}

// Registry maps tool names to tools and dispatches steps.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	now    func() time.Time
}

var _ ToolExecutor = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool), now: time.Now}
}

// Register adds tool, replacing any tool of the same name.
func (r *Registry) Register(tool Tool) {
	if tool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for n := range r.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExecuteStep dispatches step to the tool it names.
//
// # Description
//
// Checks that the tool exists and accepts the step's input kind, runs it
// and stamps start and finish times. A result without a status is
// treated as succeeded.
//
// # Outputs
//
//   - datatypes.ToolResult: The tool's result.
//   - error: ErrToolNotFound or ErrInputMismatch (wrapped), or the tool's
//     infrastructure error.
func (r *Registry) ExecuteStep(ctx context.Context, step datatypes.Step, ec ExecContext) (datatypes.ToolResult, error) {
	tool, ok := r.Get(step.Tool)
	if !ok {
		return datatypes.ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, step.Tool)
	}
	if step.Input == nil || step.Input.InputKind() != tool.Accepts() {
		got := "none"
		if step.Input != nil {
			got = string(step.Input.InputKind())
		}
		return datatypes.ToolResult{}, fmt.Errorf("%w: %s wants %s, step %s has %s",
			ErrInputMismatch, tool.Name(), tool.Accepts(), step.ID, got)
	}
	if ec.Logger == nil {
		ec.Logger = slog.Default().With("component", "tools")
	}

	start := r.now()
	res, err := tool.Execute(ctx, step, ec)
	if err != nil {
		executions.WithLabelValues(tool.Name(), "error").Inc()
		return datatypes.ToolResult{}, fmt.Errorf("tool %s: %w", tool.Name(), err)
	}
	if res.Status == "" {
		res.Status = datatypes.StepSucceeded
	}
	res.StartedAt = start
	res.FinishedAt = r.now()
	executions.WithLabelValues(tool.Name(), string(res.Status)).Inc()
	ec.Logger.Debug("tool executed",
		slog.String("tool", tool.Name()),
		slog.String("step_id", step.ID),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", res.FinishedAt.Sub(start)),
	)
	return res, nil
}
