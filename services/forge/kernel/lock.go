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
	"sync/atomic"
	"time"

	"github.com/AleutianAI/forge/services/forge/store"
)

// LockRefresher renews a run lock and reports pending cancellation.
type LockRefresher interface {
	RefreshLock(ctx context.Context, runID, owner string) (bool, error)
}

// heartbeat refreshes the run lock in the background while a step runs.
//
// The context it hands out is cancelled only when the lock is lost or the
// parent is done. A cancellation request does not cancel it; the loop
// observes that between steps.
type heartbeat struct {
	ctx    context.Context
	cancel context.CancelFunc

	lost      atomic.Bool
	cancelReq atomic.Bool
	lastErr   atomic.Value

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func startHeartbeat(parent context.Context, locks LockRefresher, runID, owner string, interval time.Duration, logger *slog.Logger) *heartbeat {
	ctx, cancel := context.WithCancel(parent)
	h := &heartbeat{
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run(locks, runID, owner, interval, logger)
	return h
}

func (h *heartbeat) run(locks LockRefresher, runID, owner string, interval time.Duration, logger *slog.Logger) {
	defer close(h.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			cancel, err := locks.RefreshLock(context.WithoutCancel(h.ctx), runID, owner)
			if err != nil && !errors.Is(err, store.ErrLockLost) {
				// The lock is still ours until its TTL passes; try again
				// on the next tick.
				logger.Warn("refreshing run lock", slog.String("run_id", runID), slog.String("error", err.Error()))
				continue
			}
			if err != nil {
				h.lastErr.Store(err)
				h.lost.Store(true)
				lockLosses.Inc()
				logger.Error("run lock lost", slog.String("run_id", runID), slog.String("error", err.Error()))
				h.cancel()
				return
			}
			if cancel {
				h.cancelReq.Store(true)
			}
		}
	}
}

// Lost reports whether a background refresh failed.
func (h *heartbeat) Lost() bool {
	return h.lost.Load()
}

// Err returns the refresh error that lost the lock.
func (h *heartbeat) Err() error {
	if err, ok := h.lastErr.Load().(error); ok {
		return err
	}
	return errors.New("run lock lost")
}

func (h *heartbeat) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.doneCh
		h.cancel()
	})
}
