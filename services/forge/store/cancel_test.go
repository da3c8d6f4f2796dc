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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_DirectoryHeldByAnotherHandle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	first, err := Open(cfg)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(cfg)
	assert.ErrorIs(t, err, ErrStoreBusy)
	assert.Contains(t, err.Error(), dir)
}

func TestCancelMarkers_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cancel")
	m := NewCancelMarkers(dir)
	m.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	requested, err := m.Requested("r1")
	require.NoError(t, err)
	assert.False(t, requested, "missing directory reads as no request")

	require.NoError(t, m.Request("r1"))
	requested, err = m.Requested("r1")
	require.NoError(t, err)
	assert.True(t, requested)

	data, err := os.ReadFile(filepath.Join(dir, "r1.cancel"))
	require.NoError(t, err)
	var marker CancelMarker
	require.NoError(t, json.Unmarshal(data, &marker))
	assert.Equal(t, "r1", marker.RunID)
	assert.Equal(t, m.now(), marker.RequestedAt)

	requested, err = m.Requested("r2")
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, m.Clear("r1"))
	require.NoError(t, m.Clear("r1"), "clearing twice is a no-op")
	requested, err = m.Requested("r1")
	require.NoError(t, err)
	assert.False(t, requested)
}

func TestCancelMarkers_RejectsPathLikeIDs(t *testing.T) {
	m := NewCancelMarkers(t.TempDir())
	for _, id := range []string{"", ".", "..", "../r1", `a\b`, "a/b"} {
		assert.Error(t, m.Request(id), id)
		_, err := m.Requested(id)
		assert.Error(t, err, id)
		assert.Error(t, m.Clear(id), id)
	}
}
