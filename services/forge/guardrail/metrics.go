// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// escalationsTotal counts phase escalations.
	// Labels: from, to (correction phases)
	escalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "guardrail",
		Name:      "escalations_total",
		Help:      "Correction phase escalations decided by the guardrail",
	}, []string{"from", "to"})

	// nonConvergenceTotal counts non-convergent verdicts.
	// Labels: kind (runtime, heavy), mode (warn, enforce)
	nonConvergenceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Subsystem: "guardrail",
		Name:      "non_convergence_total",
		Help:      "Non-convergent correction loops detected",
	}, []string{"kind", "mode"})
)
