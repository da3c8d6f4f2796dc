// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists runs, steps, locks and placeholder debt in
// BadgerDB, and correction telemetry in SQLite.
//
// Keyspace:
//
//	run/<run>                 run document
//	step/<run>/<index>        persisted step, index zero-padded
//	lock/<run>                lock record
//	debt/<run>/<path>         placeholder debt
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/forge/services/forge/datatypes"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned by CreateRun for a duplicate id.
	ErrExists = errors.New("already exists")

	// ErrLockHeld is returned when another owner holds a fresh lock.
	ErrLockHeld = errors.New("run lock held by another owner")

	// ErrLockLost is returned when a refresh finds the lock gone or taken.
	ErrLockLost = errors.New("run lock lost")
)

// Lock is the persisted lock record of a run.
type Lock struct {
	Owner    string    `json:"owner"`
	LockedAt time.Time `json:"locked_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the BadgerDB-backed run store.
//
// # Thread Safety
//
// Safe for concurrent use. Lock acquisition is a single conditional
// transaction; concurrent acquirers conflict and all but one get
// ErrLockHeld.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	now    func() time.Time
	logger *slog.Logger
}

// Open opens the store.
func Open(cfg Config, opts ...Option) (*Store, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		now:    time.Now,
		logger: slog.Default().With("component", "store"),
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func runKey(id string) []byte         { return []byte("run/" + id) }
func lockKey(id string) []byte        { return []byte("lock/" + id) }
func stepPrefix(id string) []byte     { return []byte("step/" + id + "/") }
func debtPrefix(id string) []byte     { return []byte("debt/" + id + "/") }
func stepKey(id string, i int) []byte { return []byte(fmt.Sprintf("step/%s/%08d", id, i)) }
func debtKey(id, path string) []byte  { return []byte("debt/" + id + "/" + path) }

func isNotFound(err error) bool {
	return errors.Is(err, badger.ErrKeyNotFound)
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// CreateRun stores a new run.
func (s *Store) CreateRun(ctx context.Context, run *datatypes.Run) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(run.ID)); err == nil {
			return fmt.Errorf("run %s: %w", run.ID, ErrExists)
		} else if !isNotFound(err) {
			return err
		}
		return putJSON(txn, runKey(run.ID), runDoc(run))
	})
}

// SaveRun writes the run document. Lock fields are owned by the lock
// operations and are not persisted here. A pending cancel request is
// preserved.
func (s *Store) SaveRun(ctx context.Context, run *datatypes.Run) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		doc := runDoc(run)
		var prev datatypes.Run
		switch err := getJSON(txn, runKey(run.ID), &prev); {
		case err == nil:
			doc.CancelRequested = doc.CancelRequested || prev.CancelRequested
		case !isNotFound(err):
			return err
		}
		return putJSON(txn, runKey(run.ID), doc)
	})
}

// runDoc returns a copy of run without lock fields.
func runDoc(run *datatypes.Run) *datatypes.Run {
	doc := *run
	doc.LockOwner = ""
	doc.LockedAt = nil
	return &doc
}

// LoadRun reads a run with its persisted steps and lock.
//
// # Description
//
// Persisted step records replace the run document's copy at the same
// index, so a step written after the last run save is not lost and never
// appears twice.
func (s *Store) LoadRun(ctx context.Context, id string) (*datatypes.Run, error) {
	var run datatypes.Run
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		if err := getJSON(txn, runKey(id), &run); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("run %s: %w", id, ErrNotFound)
			}
			return err
		}
		steps, err := listSteps(txn, id)
		if err != nil {
			return err
		}
		run.Steps = mergeSteps(run.Steps, steps)

		var lock Lock
		switch err := getJSON(txn, lockKey(id), &lock); {
		case err == nil:
			run.LockOwner = lock.Owner
			at := lock.LockedAt
			run.LockedAt = &at
		case !isNotFound(err):
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// mergeSteps de-duplicates steps by index, persisted records winning.
func mergeSteps(doc, persisted []datatypes.Step) []datatypes.Step {
	byIndex := make(map[int]datatypes.Step, len(doc)+len(persisted))
	for i, st := range doc {
		st.Index = i
		byIndex[i] = st
	}
	for _, st := range persisted {
		byIndex[st.Index] = st
	}
	out := make([]datatypes.Step, 0, len(byIndex))
	for _, st := range byIndex {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// ListRuns returns every run document, newest first, without steps.
func (s *Store) ListRuns(ctx context.Context) ([]datatypes.Run, error) {
	var runs []datatypes.Run
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte("run/")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var r datatypes.Run
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return err
			}
			r.Steps = nil
			runs = append(runs, r)
		}
		return nil
	})
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, err
}

// PutStep persists one step of a run.
func (s *Store) PutStep(ctx context.Context, runID string, step datatypes.Step) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, stepKey(runID, step.Index), step)
	})
}

// ReplaceSteps rewrites all persisted steps of a run, used after a splice
// renumbers the plan.
func (s *Store) ReplaceSteps(ctx context.Context, runID string, steps []datatypes.Step) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		if err := deletePrefix(txn, stepPrefix(runID)); err != nil {
			return err
		}
		for _, st := range steps {
			if err := putJSON(txn, stepKey(runID, st.Index), st); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSteps returns the persisted steps of a run in index order.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]datatypes.Step, error) {
	var steps []datatypes.Step
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		steps, err = listSteps(txn, runID)
		return err
	})
	return steps, err
}

func listSteps(txn *badger.Txn, runID string) ([]datatypes.Step, error) {
	var steps []datatypes.Step
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: stepPrefix(runID)})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var st datatypes.Step
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &st) }); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
		}
		steps = append(steps, st)
	}
	return steps, nil
}

func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// AcquireLock takes the run lock for owner.
//
// # Description
//
// Succeeds when no lock exists, when owner already holds it, or when the
// existing lock is older than ttl. The check and the write happen in one
// transaction.
//
// # Outputs
//
//   - Lock: The lock now held.
//   - error: ErrLockHeld (wrapped, naming the holder) otherwise.
func (s *Store) AcquireLock(ctx context.Context, runID, owner string, ttl time.Duration) (Lock, error) {
	now := s.now()
	lock := Lock{Owner: owner, LockedAt: now}
	err := s.withTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(runID)); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return err
		}
		var cur Lock
		switch err := getJSON(txn, lockKey(runID), &cur); {
		case isNotFound(err):
		case err != nil:
			return err
		case cur.Owner == owner:
		case now.Sub(cur.LockedAt) > ttl:
			s.logger.Warn("taking over stale run lock",
				slog.String("run_id", runID),
				slog.String("previous_owner", cur.Owner),
				slog.Time("locked_at", cur.LockedAt),
			)
		default:
			return fmt.Errorf("%w: %s since %s", ErrLockHeld, cur.Owner, cur.LockedAt.Format(time.RFC3339))
		}
		return putJSON(txn, lockKey(runID), lock)
	})
	if errors.Is(err, badger.ErrConflict) {
		return Lock{}, fmt.Errorf("%w: concurrent acquisition", ErrLockHeld)
	}
	if err != nil {
		return Lock{}, err
	}
	return lock, nil
}

// RefreshLock renews owner's lock and reports whether cancellation was
// requested for the run. The write touches only the lock key, so concurrent
// run saves never conflict with it.
func (s *Store) RefreshLock(ctx context.Context, runID, owner string) (bool, error) {
	err := s.withTxn(ctx, func(txn *badger.Txn) error {
		var cur Lock
		if err := getJSON(txn, lockKey(runID), &cur); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: no lock record", ErrLockLost)
			}
			return err
		}
		if cur.Owner != owner {
			return fmt.Errorf("%w: held by %s", ErrLockLost, cur.Owner)
		}
		return putJSON(txn, lockKey(runID), Lock{Owner: owner, LockedAt: s.now()})
	})
	if err != nil {
		return false, err
	}
	cancel := false
	err = s.withReadTxn(ctx, func(txn *badger.Txn) error {
		var run datatypes.Run
		if err := getJSON(txn, runKey(runID), &run); err != nil && !isNotFound(err) {
			return err
		}
		cancel = run.CancelRequested
		return nil
	})
	return cancel, err
}

// ReleaseLock removes owner's lock. Releasing a lock held by someone else
// is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, runID, owner string) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		var cur Lock
		if err := getJSON(txn, lockKey(runID), &cur); err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if cur.Owner != owner {
			return nil
		}
		return txn.Delete(lockKey(runID))
	})
}

// RequestCancel flags a run for cancellation. The owning loop observes it
// on its next lock refresh.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		var run datatypes.Run
		if err := getJSON(txn, runKey(runID), &run); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("run %s: %w", runID, ErrNotFound)
			}
			return err
		}
		run.CancelRequested = true
		run.UpdatedAt = s.now()
		return putJSON(txn, runKey(runID), &run)
	})
}

// PutDebt records a placeholder.
func (s *Store) PutDebt(ctx context.Context, d datatypes.DebtRecord) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, debtKey(d.RunID, d.Path), d)
	})
}

// ListDebt returns the debt records of a run sorted by path.
func (s *Store) ListDebt(ctx context.Context, runID string) ([]datatypes.DebtRecord, error) {
	var out []datatypes.DebtRecord
	err := s.withReadTxn(ctx, func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: debtPrefix(runID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var d datatypes.DebtRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &d) }); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

// ResolveDebt marks a placeholder as replaced.
func (s *Store) ResolveDebt(ctx context.Context, runID, path string) error {
	return s.withTxn(ctx, func(txn *badger.Txn) error {
		var d datatypes.DebtRecord
		if err := getJSON(txn, debtKey(runID, path), &d); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("debt %s: %w", path, ErrNotFound)
			}
			return err
		}
		if !d.Outstanding() {
			return nil
		}
		at := s.now()
		d.ResolvedAt = &at
		return putJSON(txn, debtKey(runID, path), d)
	})
}
