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
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

// Convergence kinds used in metrics and failure payloads.
const (
	KindRuntime = "runtime"
	KindHeavy   = "heavy"
)

// signatureLines bounds how much of the log tail feeds a signature.
const signatureLines = 12

var (
	reTimestamp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(\.\d+)?(z|[+-]\d{2}:?\d{2})?`)
	reHex       = regexp.MustCompile(`\b(0x)?[0-9a-f]{7,}\b`)
	rePath      = regexp.MustCompile(`(/[\w.@-]+)+(:\d+)*`)
	rePort      = regexp.MustCompile(`:\d{2,5}\b`)
	reNumber    = regexp.MustCompile(`\d+`)
	reSpace     = regexp.MustCompile(`\s+`)
	reErrorLine = regexp.MustCompile(`(?i)error|exception|fail|cannot|unable|refused|eaddrinuse|panic`)
)

// Normalize reduces a runtime failure to the text its signature is
// computed from. Volatile tokens (timestamps, hex ids, paths, ports,
// numbers) are replaced so that the same defect hashes identically across
// attempts.
func Normalize(rt *datatypes.RuntimeResult) string {
	if rt == nil {
		return ""
	}
	var picked []string
	lines := strings.Split(rt.Logs, "\n")
	for _, l := range lines {
		if reErrorLine.MatchString(l) {
			picked = append(picked, l)
		}
	}
	if len(picked) == 0 {
		picked = lines
	}
	if len(picked) > signatureLines {
		picked = picked[len(picked)-signatureLines:]
	}

	state := "crashed"
	switch {
	case rt.TimedOut:
		state = "timeout"
	case rt.Booted && !rt.Healthy:
		state = "unhealthy"
	case rt.Booted:
		state = "healthy"
	}

	var b strings.Builder
	b.WriteString(state)
	for _, l := range append([]string{rt.Error}, picked...) {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" {
			continue
		}
		l = reTimestamp.ReplaceAllString(l, "<ts>")
		l = rePath.ReplaceAllString(l, "<path>")
		l = reHex.ReplaceAllString(l, "<hex>")
		l = rePort.ReplaceAllString(l, ":<port>")
		l = reNumber.ReplaceAllString(l, "<n>")
		l = reSpace.ReplaceAllString(l, " ")
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return b.String()
}

// Signature hashes the normalized runtime failure.
func Signature(rt *datatypes.RuntimeResult) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(Normalize(rt)))
}

// Verdict is the outcome of a convergence check.
type Verdict struct {
	Converging bool
	Kind       string
	Reason     string
}

// RuntimeConvergence reports non-convergence when the newest signature
// was already seen earlier in the run.
func RuntimeConvergence(signatures []string) Verdict {
	v := Verdict{Converging: true, Kind: KindRuntime}
	if len(signatures) < 2 {
		return v
	}
	last := signatures[len(signatures)-1]
	for i, s := range signatures[:len(signatures)-1] {
		if s == last {
			v.Converging = false
			v.Reason = fmt.Sprintf("runtime failure signature %s repeated (first seen at attempt %d)", last, i+1)
			return v
		}
	}
	return v
}

// HeavyConvergence reports non-convergence when the newest heavy blocking
// count did not decrease relative to the previous one.
func HeavyConvergence(history []int) Verdict {
	v := Verdict{Converging: true, Kind: KindHeavy}
	n := len(history)
	if n < 2 {
		return v
	}
	if history[n-1] >= history[n-2] {
		v.Converging = false
		v.Reason = fmt.Sprintf("heavy blocking count did not decrease: %v", history)
	}
	return v
}

// RecordNonConvergence counts a non-convergent verdict under mode.
func RecordNonConvergence(v Verdict, mode datatypes.ValidationMode) {
	if v.Converging {
		return
	}
	nonConvergenceTotal.WithLabelValues(v.Kind, string(mode)).Inc()
}
