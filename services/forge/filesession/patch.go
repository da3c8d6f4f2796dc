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
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
)

const devNull = "/dev/null"

type patchResult struct {
	content []byte
	deleted bool
	creates bool
}

// applyUnifiedPatch applies a single-file unified diff to original.
//
// # Description
//
// Context and removed lines must match the original exactly; any mismatch
// is a conflict rather than a fuzzy merge. A patch whose original side is
// /dev/null creates the file from its added lines.
//
// # Inputs
//
//   - original: Current content (nil when the file does not exist).
//   - patch: Unified diff text for one file.
//
// # Outputs
//
//   - patchResult: Patched content and whether the patch creates or
//     deletes the file.
//   - error: ErrPatchFailed (wrapped) on parse errors or mismatches.
func applyUnifiedPatch(original []byte, patch string) (patchResult, error) {
	fd, err := diff.ParseFileDiff([]byte(patch))
	if err != nil {
		return patchResult{}, fmt.Errorf("%w: parse: %v", ErrPatchFailed, err)
	}
	if len(fd.Hunks) == 0 {
		return patchResult{}, fmt.Errorf("%w: no hunks", ErrPatchFailed)
	}
	if fd.NewName == devNull {
		return patchResult{deleted: true}, nil
	}
	creates := fd.OrigName == devNull

	origLines, trailingNewline := splitLines(original)
	if creates {
		origLines, trailingNewline = nil, true
	}

	out := make([]string, 0, len(origLines))
	idx := 0
	for _, h := range fd.Hunks {
		start := int(h.OrigStartLine) - 1
		if h.OrigLines == 0 {
			// A pure insertion hunk names the line after which it inserts.
			start = int(h.OrigStartLine)
		}
		if start < idx || start > len(origLines) {
			return patchResult{}, fmt.Errorf("%w: hunk at line %d out of order", ErrPatchFailed, h.OrigStartLine)
		}
		out = append(out, origLines[idx:start]...)
		idx = start

		body := strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n")
		for _, line := range body {
			if line == "" {
				line = " "
			}
			switch line[0] {
			case '+':
				out = append(out, line[1:])
			case '-', ' ':
				if idx >= len(origLines) || origLines[idx] != line[1:] {
					return patchResult{}, fmt.Errorf("%w: mismatch at original line %d", ErrPatchFailed, idx+1)
				}
				if line[0] == ' ' {
					out = append(out, origLines[idx])
				}
				idx++
			case '\\':
				// "\ No newline at end of file"
			default:
				return patchResult{}, fmt.Errorf("%w: malformed hunk line %q", ErrPatchFailed, line)
			}
		}
	}
	out = append(out, origLines[idx:]...)

	result := strings.Join(out, "\n")
	if trailingNewline && len(out) > 0 {
		result += "\n"
	}
	return patchResult{content: []byte(result), creates: creates}, nil
}

// splitLines splits content into lines and reports whether it ended with a
// newline.
func splitLines(content []byte) ([]string, bool) {
	if len(content) == 0 {
		return nil, false
	}
	s := string(content)
	trailing := strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), trailing
}

// lineDiff computes a line-oriented diff and returns a +/- preview
// (truncated to max bytes, 0 for none) plus the number of changed bytes.
func lineDiff(before, after string, max int) (string, int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	changed := 0
	var sb strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
			changed += len(d.Text)
		case diffmatchpatch.DiffDelete:
			prefix = "-"
			changed += len(d.Text)
		case diffmatchpatch.DiffEqual:
			continue
		}
		if max <= 0 || sb.Len() >= max {
			continue
		}
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(l)
			if !strings.HasSuffix(l, "\n") {
				sb.WriteString("\n")
			}
		}
	}

	preview := sb.String()
	if max > 0 && len(preview) > max {
		preview = preview[:max] + "\n…\n"
	}
	return preview, changed
}
