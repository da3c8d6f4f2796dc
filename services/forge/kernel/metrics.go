// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsFinished counts runs reaching a terminal status.
	// Labels: status, category
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "kernel",
		Name:      "runs_finished_total",
		Help:      "Runs reaching a terminal status, by status and failure category",
	}, []string{"status", "category"})

	// stepsExecuted counts executed steps.
	// Labels: tool, status
	stepsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "kernel",
		Name:      "steps_executed_total",
		Help:      "Executed steps, by tool and final status",
	}, []string{"tool", "status"})

	// correctionsSpliced counts correction steps spliced into plans.
	// Labels: phase
	correctionsSpliced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "kernel",
		Name:      "corrections_spliced_total",
		Help:      "Correction steps spliced into run plans, by phase",
	}, []string{"phase"})

	// rollbacks counts worktree rollbacks to the last valid commit.
	// Labels: category
	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "kernel",
		Name:      "rollbacks_total",
		Help:      "Rollbacks to the last valid commit, by failure category",
	}, []string{"category"})

	// lockLosses counts runs aborted because their lock was lost.
	lockLosses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "kernel",
		Name:      "lock_losses_total",
		Help:      "Run loops aborted after losing the run lock",
	})
)
