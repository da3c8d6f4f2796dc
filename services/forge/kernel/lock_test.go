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
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/forge/services/forge/store"
)

// scriptedRefresher returns errs in order, then succeeds.
type scriptedRefresher struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (r *scriptedRefresher) RefreshLock(context.Context, string, string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) == 0 {
		return false, nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return false, err
}

func (r *scriptedRefresher) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestHeartbeat_TransientErrorKeepsLock(t *testing.T) {
	refresher := &scriptedRefresher{errs: []error{errors.New("transaction conflicted 8 times")}}
	hb := startHeartbeat(context.Background(), refresher, "r1", "w1", time.Millisecond, slog.Default())
	defer hb.stop()

	assert.Eventually(t, func() bool { return refresher.Calls() >= 3 }, time.Second, time.Millisecond)
	assert.False(t, hb.Lost())
	assert.NoError(t, hb.ctx.Err())
}

func TestHeartbeat_LockLostCancelsContext(t *testing.T) {
	refresher := &scriptedRefresher{errs: []error{store.ErrLockLost}}
	hb := startHeartbeat(context.Background(), refresher, "r1", "w1", time.Millisecond, slog.Default())
	defer hb.stop()

	assert.Eventually(t, hb.Lost, time.Second, time.Millisecond)
	<-hb.ctx.Done()
	assert.ErrorIs(t, hb.Err(), store.ErrLockLost)
}
