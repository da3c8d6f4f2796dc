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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrStoreBusy is returned by Open when another process holds the store
// directory.
var ErrStoreBusy = errors.New("run store in use by another process")

// badgerDirLockMessage is how badger reports a directory held by another
// process. The error is not wrapped, so it is matched by text.
const badgerDirLockMessage = "Cannot acquire directory lock"

func isDirLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), badgerDirLockMessage)
}

// CancelMarker is the content of a cancellation marker file.
type CancelMarker struct {
	RunID       string    `json:"run_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// CancelMarkers records cancellation requests as files, one per run.
//
// # Description
//
// Badger admits one process per store directory, so a process that cannot
// open the store signals the owning worker through a marker file instead.
// The worker polls for its run's marker between steps.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are atomic renames.
type CancelMarkers struct {
	dir string
	now func() time.Time
}

// NewCancelMarkers returns markers stored under dir.
func NewCancelMarkers(dir string) *CancelMarkers {
	return &CancelMarkers{dir: dir, now: time.Now}
}

func (m *CancelMarkers) path(runID string) (string, error) {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(m.dir, runID+".cancel"), nil
}

// Request writes the marker for runID.
func (m *CancelMarkers) Request(runID string) error {
	p, err := m.path(runID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return fmt.Errorf("create cancel directory %s: %w", m.dir, err)
	}
	data, err := json.Marshal(CancelMarker{RunID: runID, RequestedAt: m.now().UTC()})
	if err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write cancel marker: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename cancel marker: %w", err)
	}
	return nil
}

// Requested reports whether a marker exists for runID.
func (m *CancelMarkers) Requested(runID string) (bool, error) {
	p, err := m.path(runID)
	if err != nil {
		return false, err
	}
	switch _, err := os.Stat(p); {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking cancel marker: %w", err)
	}
}

// Clear removes the marker for runID. A missing marker is not an error.
func (m *CancelMarkers) Clear(runID string) error {
	p, err := m.path(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing cancel marker: %w", err)
	}
	return nil
}
