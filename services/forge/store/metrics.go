// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// txnRetries counts read-write transactions rerun after a write conflict.
var txnRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "forge",
	Subsystem: "store",
	Name:      "txn_conflict_retries_total",
	Help:      "Read-write transactions retried after a write conflict",
})
