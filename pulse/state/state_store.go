// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state implements the durable view of triggers, runs, leases,
// and telemetry series on top of an indexed in-memory database. All
// mutations happen in serialized write transactions; readers observe
// committed snapshots and may register watch channels.
package state

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/pulse/structs"
)

// timeMax is the upper bound handed to reverse scans over time
// indexes.
var timeMax = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// StateStore provides typed access to the persisted collections.
// Objects returned from read methods are shared and MUST be copied
// before mutation.
type StateStore struct {
	logger hclog.Logger
	db     *memdb.MemDB
	clock  clock.Clock

	// lastIndex seeds create and modify indexes. Incremented while
	// holding the write transaction, so committed indexes are
	// monotonic.
	lastIndex uint64
}

// New builds an empty state store around the full schema.
func New(logger hclog.Logger, clk clock.Clock) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &StateStore{
		logger: logger.Named("state_store"),
		db:     db,
		clock:  clk,
	}, nil
}

func (s *StateStore) now() time.Time {
	return s.clock.Now().UTC()
}

// writeIndex allocates the next write index and records it for each
// named table.
func (s *StateStore) writeIndex(txn *memdb.Txn, tables ...string) (uint64, error) {
	idx := atomic.AddUint64(&s.lastIndex, 1)
	for _, table := range tables {
		if err := txn.Insert(tableIndex, &IndexEntry{Key: table, Value: idx}); err != nil {
			return 0, fmt.Errorf("index update failed: %v", err)
		}
	}
	return idx, nil
}

// Index returns the latest write index recorded for a table.
func (s *StateStore) Index(name string) (uint64, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	out, err := txn.First(tableIndex, indexID, name)
	if err != nil {
		return 0, err
	}
	if out == nil {
		return 0, nil
	}
	return out.(*IndexEntry).Value, nil
}

// --- Triggers ---

// CreateTrigger inserts a new trigger definition. The id must be a
// fresh UUID.
func (s *StateStore) CreateTrigger(t *structs.Trigger) error {
	if !structs.ValidUUID(t.ID) {
		return structs.NewErr(structs.ErrValidation, "trigger id %q is not a UUID", t.ID)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableTriggers, indexID, t.ID)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if existing != nil {
		return structs.NewErr(structs.ErrConflict, "trigger %s already exists", t.ID).WithTrigger(t.ID)
	}

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	now := s.now()
	t.CreateTime, t.ModifyTime = now, now
	t.CreateIndex, t.ModifyIndex = idx, idx

	if err := txn.Insert(TableTriggers, t.Copy()); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// UpdateTrigger replaces a trigger definition. When casIndex is
// non-zero the stored modify index must match, otherwise the update
// fails with CONFLICT. Status changes must follow the transition
// graph.
func (s *StateStore) UpdateTrigger(t *structs.Trigger, casIndex uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, t.ID)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", t.ID).WithTrigger(t.ID)
	}
	existing := raw.(*structs.Trigger)

	if casIndex != 0 && existing.ModifyIndex != casIndex {
		return structs.NewErr(structs.ErrConflict,
			"trigger %s modified concurrently: index %d, expected %d",
			t.ID, existing.ModifyIndex, casIndex).WithTrigger(t.ID)
	}
	if existing.Status != t.Status && !structs.ValidTriggerTransition(existing.Status, t.Status) {
		return structs.NewErr(structs.ErrConflict,
			"cannot transition trigger from %q to %q", existing.Status, t.Status).WithTrigger(t.ID)
	}

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	now := s.now()
	up := t.Copy()
	up.CreateIndex = existing.CreateIndex
	up.CreateTime = existing.CreateTime
	up.ModifyIndex = idx
	up.ModifyTime = now
	if up.Status == structs.TriggerStatusArchived && existing.Status != structs.TriggerStatusArchived {
		up.ArchivedAt = now
	}

	if err := txn.Insert(TableTriggers, up); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()

	t.CreateIndex = up.CreateIndex
	t.CreateTime = up.CreateTime
	t.ModifyIndex = up.ModifyIndex
	t.ModifyTime = up.ModifyTime
	t.ArchivedAt = up.ArchivedAt
	return nil
}

// BumpTriggerFire advances the scheduling state after a fire. The
// caller names the modify index it observed; a concurrent bump makes
// this one fail with CONFLICT so exactly one fire wins.
func (s *StateStore) BumpTriggerFire(id string, casIndex uint64, lastFire, nextFire time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, id)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	existing := raw.(*structs.Trigger)

	if existing.ModifyIndex != casIndex {
		return structs.NewErr(structs.ErrConflict,
			"trigger %s fired concurrently: index %d, expected %d",
			id, existing.ModifyIndex, casIndex).WithTrigger(id)
	}
	if !nextFire.IsZero() && !existing.NextFireAt.IsZero() && nextFire.Before(existing.NextFireAt) {
		return structs.NewErr(structs.ErrConflict,
			"trigger %s next fire %s regresses before %s",
			id, nextFire, existing.NextFireAt).WithTrigger(id)
	}

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	up := existing.Copy()
	up.LastFireAt = lastFire
	up.NextFireAt = nextFire
	up.ModifyIndex = idx
	up.ModifyTime = s.now()

	if err := txn.Insert(TableTriggers, up); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// AdjustTriggerRuns moves the live run counter, refusing to exceed the
// trigger's concurrency limit on the way up.
func (s *StateStore) AdjustTriggerRuns(id string, delta int) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, id)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	existing := raw.(*structs.Trigger)

	next := existing.CurrentRuns + delta
	if next < 0 {
		next = 0
	}
	if delta > 0 && next > existing.MaxConcurrentRuns {
		return structs.NewErr(structs.ErrConflict,
			"trigger %s at concurrency limit %d", id, existing.MaxConcurrentRuns).WithTrigger(id)
	}

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	up := existing.Copy()
	up.CurrentRuns = next
	up.ModifyIndex = idx
	up.ModifyTime = s.now()

	if err := txn.Insert(TableTriggers, up); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// UpdateTriggerStats folds one concluded run into the rolling counters.
func (s *StateStore) UpdateTriggerStats(id string, success bool, execSeconds float64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, id)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	existing := raw.(*structs.Trigger)

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	up := existing.Copy()
	up.TotalRuns++
	if success {
		up.SuccessRuns++
	} else {
		up.FailureRuns++
	}
	up.AvgExecSeconds += (execSeconds - up.AvgExecSeconds) / float64(up.TotalRuns)
	up.ModifyIndex = idx
	up.ModifyTime = s.now()

	if err := txn.Insert(TableTriggers, up); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// ArchiveTrigger soft-deletes a trigger. Archived triggers stop firing
// and are removed by retention after a quiet period.
func (s *StateStore) ArchiveTrigger(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, id)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	existing := raw.(*structs.Trigger)

	if existing.Status == structs.TriggerStatusArchived {
		txn.Abort()
		return nil
	}
	if !structs.ValidTriggerTransition(existing.Status, structs.TriggerStatusArchived) {
		return structs.NewErr(structs.ErrConflict,
			"cannot archive trigger in status %q", existing.Status).WithTrigger(id)
	}

	idx, err := s.writeIndex(txn, TableTriggers)
	if err != nil {
		return err
	}

	now := s.now()
	up := existing.Copy()
	up.Status = structs.TriggerStatusArchived
	up.ArchivedAt = now
	up.NextFireAt = time.Time{}
	up.ModifyIndex = idx
	up.ModifyTime = now

	if err := txn.Insert(TableTriggers, up); err != nil {
		return fmt.Errorf("trigger insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// DeleteTrigger removes a trigger row entirely. Retention sweeps use
// this after the archival quiet period.
func (s *StateStore) DeleteTrigger(id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableTriggers, indexID, id)
	if err != nil {
		return fmt.Errorf("trigger lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	if err := txn.Delete(TableTriggers, raw); err != nil {
		return fmt.Errorf("trigger delete failed: %v", err)
	}
	if _, err := s.writeIndex(txn, TableTriggers); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// TriggerByID returns a trigger or nil when unknown.
func (s *StateStore) TriggerByID(ws memdb.WatchSet, id string) (*structs.Trigger, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableTriggers, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("trigger lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Trigger), nil
	}
	return nil, nil
}

// Triggers returns an iterator over all triggers.
func (s *StateStore) Triggers(ws memdb.WatchSet) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexID)
	if err != nil {
		return nil, fmt.Errorf("trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// TriggersByStatus returns an iterator over triggers in one status.
func (s *StateStore) TriggersByStatus(ws memdb.WatchSet, status string) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexStatus, status)
	if err != nil {
		return nil, fmt.Errorf("trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// TriggersByOrg returns an iterator over one organization's triggers.
func (s *StateStore) TriggersByOrg(ws memdb.WatchSet, org string) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexOrg+"_prefix", org)
	if err != nil {
		return nil, fmt.Errorf("trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// TriggersByKind returns an iterator over triggers of one kind.
func (s *StateStore) TriggersByKind(ws memdb.WatchSet, kind string) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexKind+"_prefix", kind)
	if err != nil {
		return nil, fmt.Errorf("trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// TriggersByDependency returns the triggers that name the given
// trigger as an upstream dependency.
func (s *StateStore) TriggersByDependency(ws memdb.WatchSet, depID string) ([]*structs.Trigger, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexDeps, depID)
	if err != nil {
		return nil, fmt.Errorf("trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Trigger
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Trigger))
	}
	return out, nil
}

// DueTriggers returns up to limit active triggers whose fire instant
// has passed, ordered by (next_fire_at asc, priority desc), skipping
// triggers at their concurrency limit.
func (s *StateStore) DueTriggers(ws memdb.WatchSet, now time.Time, limit int) ([]*structs.Trigger, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableTriggers, indexDue, structs.TriggerStatusActive, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("due trigger scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var due []*structs.Trigger
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		t := raw.(*structs.Trigger)
		if t.Status != structs.TriggerStatusActive || t.NextFireAt.After(now) {
			break
		}
		// A zero next_fire_at sorts first but is not a schedule: the
		// trigger is event-activated.
		if t.NextFireAt.IsZero() || t.AtCapacity() {
			continue
		}
		due = append(due, t)
	}

	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].NextFireAt.Equal(due[j].NextFireAt) {
			return due[i].NextFireAt.Before(due[j].NextFireAt)
		}
		return due[i].Priority > due[j].Priority
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// --- Runs ---

// CreateRun inserts a run record, refusing a second non-failed run for
// the same (trigger_id, scheduled_for) fire.
func (s *StateStore) CreateRun(r *structs.Run) error {
	if err := r.Validate(); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(TableRuns, indexID, r.ID)
	if err != nil {
		return fmt.Errorf("run lookup failed: %v", err)
	}
	if existing != nil {
		return structs.NewErr(structs.ErrConflict, "run %s already exists", r.ID).WithRun(r.ID)
	}

	iter, err := txn.Get(TableRuns, indexScheduled, r.TriggerID, r.ScheduledFor)
	if err != nil {
		return fmt.Errorf("run scan failed: %v", err)
	}
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		prior := raw.(*structs.Run)
		if prior.Status != structs.RunStatusFailed && prior.Status != structs.RunStatusTimeout {
			return structs.NewErr(structs.ErrConflict,
				"run %s already covers trigger %s at %s",
				prior.ID, r.TriggerID, r.ScheduledFor).WithTrigger(r.TriggerID)
		}
	}

	idx, err := s.writeIndex(txn, TableRuns)
	if err != nil {
		return err
	}

	now := s.now()
	r.CreateTime, r.ModifyTime = now, now
	r.CreateIndex, r.ModifyIndex = idx, idx

	if err := txn.Insert(TableRuns, r.Copy()); err != nil {
		return fmt.Errorf("run insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// RunByID returns a run or nil when unknown.
func (s *StateStore) RunByID(ws memdb.WatchSet, id string) (*structs.Run, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	watchCh, existing, err := txn.FirstWatch(TableRuns, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("run lookup failed: %v", err)
	}
	ws.Add(watchCh)

	if existing != nil {
		return existing.(*structs.Run), nil
	}
	return nil, nil
}

// RunsByTrigger returns all runs for a trigger, newest first.
func (s *StateStore) RunsByTrigger(ws memdb.WatchSet, triggerID string) ([]*structs.Run, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableRuns, indexTrigger, triggerID)
	if err != nil {
		return nil, fmt.Errorf("run scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Run
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Run))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreateIndex > out[j].CreateIndex
	})
	return out, nil
}

// LatestRunByTrigger returns the trigger's run with the newest
// scheduled instant, or nil when it never ran. Dependency evaluation
// keys off this record.
func (s *StateStore) LatestRunByTrigger(ws memdb.WatchSet, triggerID string) (*structs.Run, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.ReverseLowerBound(TableRuns, indexScheduled, triggerID, timeMax)
	if err != nil {
		return nil, fmt.Errorf("run scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	if raw := iter.Next(); raw != nil {
		r := raw.(*structs.Run)
		if r.TriggerID == triggerID {
			return r, nil
		}
	}
	return nil, nil
}

// RunsByStatus returns an iterator over runs in one status.
func (s *StateStore) RunsByStatus(ws memdb.WatchSet, status string) (memdb.ResultIterator, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(TableRuns, indexStatus, status)
	if err != nil {
		return nil, fmt.Errorf("run scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())
	return iter, nil
}

// RunsDueForRetry returns retrying runs whose backoff has elapsed.
func (s *StateStore) RunsDueForRetry(ws memdb.WatchSet, now time.Time) ([]*structs.Run, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableRuns, indexRetry, structs.RunStatusRetrying, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("retry scan failed: %v", err)
	}
	ws.Add(iter.WatchCh())

	var out []*structs.Run
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		r := raw.(*structs.Run)
		if r.Status != structs.RunStatusRetrying || r.NextRetryAt.After(now) {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkRunStarted moves a run into running under the given worker and
// dispatch lease and stamps the start time. Residue from a prior
// attempt is cleared.
func (s *StateStore) MarkRunStarted(id, workerID, leaseID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableRuns, indexID, id)
	if err != nil {
		return fmt.Errorf("run lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "run %s not found", id).WithRun(id)
	}
	existing := raw.(*structs.Run)

	if !structs.ValidRunTransition(existing.Status, structs.RunStatusRunning) {
		return structs.NewErr(structs.ErrConflict,
			"run %s cannot start from status %q", id, existing.Status).WithRun(id)
	}

	idx, err := s.writeIndex(txn, TableRuns)
	if err != nil {
		return err
	}

	up := existing.Copy()
	up.Status = structs.RunStatusRunning
	up.WorkerID = workerID
	up.LeaseID = leaseID
	up.StartedAt = s.now()
	up.EndedAt = time.Time{}
	up.DurationSeconds = 0
	up.ResultData = nil
	up.Error = nil
	up.ModifyIndex = idx
	up.ModifyTime = up.StartedAt

	if err := txn.Insert(TableRuns, up); err != nil {
		return fmt.Errorf("run insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// MarkRunEnded concludes an attempt. Only the worker that started the
// run may end it; a system write passes an empty workerID. Terminal
// states are absorbing, so an invalid transition fails with CONFLICT.
func (s *StateStore) MarkRunEnded(id, workerID, status string, result map[string]any, runErr *structs.RunError) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableRuns, indexID, id)
	if err != nil {
		return fmt.Errorf("run lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "run %s not found", id).WithRun(id)
	}
	existing := raw.(*structs.Run)

	if !structs.ValidRunTransition(existing.Status, status) {
		return structs.NewErr(structs.ErrConflict,
			"run %s cannot move from %q to %q", id, existing.Status, status).WithRun(id)
	}
	if workerID != "" && existing.WorkerID != "" && existing.WorkerID != workerID {
		return structs.NewErr(structs.ErrForbidden,
			"run %s is owned by worker %s", id, existing.WorkerID).WithRun(id)
	}

	idx, err := s.writeIndex(txn, TableRuns)
	if err != nil {
		return err
	}

	now := s.now()
	up := existing.Copy()
	up.Status = status
	up.EndedAt = now
	if !up.StartedAt.IsZero() {
		up.DurationSeconds = now.Sub(up.StartedAt).Seconds()
	}
	up.NextRetryAt = time.Time{}
	if status == structs.RunStatusCompleted {
		up.ResultData = structs.CopyMapAny(result)
		up.Error = nil
	} else if runErr != nil {
		up.Error = runErr.Copy()
	}
	up.ModifyIndex = idx
	up.ModifyTime = now

	if err := txn.Insert(TableRuns, up); err != nil {
		return fmt.Errorf("run insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// ScheduleRunRetry moves a failed or timed out run into retrying,
// appends the retry history row, and advances the attempt counter.
func (s *StateStore) ScheduleRunRetry(id string, nextRetryAt time.Time, reason string, delay time.Duration) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableRuns, indexID, id)
	if err != nil {
		return fmt.Errorf("run lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "run %s not found", id).WithRun(id)
	}
	existing := raw.(*structs.Run)

	if !structs.ValidRunTransition(existing.Status, structs.RunStatusRetrying) {
		return structs.NewErr(structs.ErrConflict,
			"run %s cannot retry from status %q", id, existing.Status).WithRun(id)
	}
	if existing.RetriesExhausted() {
		return structs.NewErr(structs.ErrConflict,
			"run %s exhausted its %d retries", id, existing.MaxRetries).WithRun(id)
	}

	idx, err := s.writeIndex(txn, TableRuns)
	if err != nil {
		return err
	}

	up := existing.Copy()
	up.RetryHistory = append(up.RetryHistory, &structs.RetryAttempt{
		Attempt:      existing.Attempt,
		ScheduledFor: nextRetryAt,
		Reason:       reason,
		Delay:        delay,
	})
	up.Attempt++
	up.Status = structs.RunStatusRetrying
	up.NextRetryAt = nextRetryAt
	up.EndedAt = time.Time{}
	up.DurationSeconds = 0
	up.ModifyIndex = idx
	up.ModifyTime = s.now()

	if err := txn.Insert(TableRuns, up); err != nil {
		return fmt.Errorf("run insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// ClaimRetryingRun moves a due retrying run back to pending under a
// new worker so it can be dispatched as a fresh attempt.
func (s *StateStore) ClaimRetryingRun(id, workerID string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(TableRuns, indexID, id)
	if err != nil {
		return fmt.Errorf("run lookup failed: %v", err)
	}
	if raw == nil {
		return structs.NewErr(structs.ErrNotFound, "run %s not found", id).WithRun(id)
	}
	existing := raw.(*structs.Run)

	if existing.Status != structs.RunStatusRetrying {
		return structs.NewErr(structs.ErrConflict,
			"run %s is not retrying, found %q", id, existing.Status).WithRun(id)
	}

	idx, err := s.writeIndex(txn, TableRuns)
	if err != nil {
		return err
	}

	now := s.now()
	up := existing.Copy()
	up.Status = structs.RunStatusPending
	up.WorkerID = workerID
	up.NextRetryAt = time.Time{}
	up.QueuedAt = now
	up.ModifyIndex = idx
	up.ModifyTime = now

	if err := txn.Insert(TableRuns, up); err != nil {
		return fmt.Errorf("run insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// DeleteRunsEndedBefore removes rested runs whose end time passed the
// retention cutoff, returning how many were swept.
func (s *StateStore) DeleteRunsEndedBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.LowerBound(TableRuns, indexEnded, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("run scan failed: %v", err)
	}

	var stale []*structs.Run
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		r := raw.(*structs.Run)
		if !r.EndedAt.Before(cutoff) {
			break
		}
		if structs.RestRunStatus(r.Status) {
			stale = append(stale, r)
		}
	}

	for _, r := range stale {
		if err := txn.Delete(TableRuns, r); err != nil {
			return 0, fmt.Errorf("run delete failed: %v", err)
		}
	}
	if len(stale) > 0 {
		if _, err := s.writeIndex(txn, TableRuns); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(stale), nil
}

// DeleteArchivedTriggersBefore removes triggers archived before the
// cutoff, returning how many were swept.
func (s *StateStore) DeleteArchivedTriggersBefore(cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	iter, err := txn.Get(TableTriggers, indexStatus, structs.TriggerStatusArchived)
	if err != nil {
		return 0, fmt.Errorf("trigger scan failed: %v", err)
	}

	var stale []*structs.Trigger
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		t := raw.(*structs.Trigger)
		if !t.ArchivedAt.IsZero() && t.ArchivedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}

	for _, t := range stale {
		if err := txn.Delete(TableTriggers, t); err != nil {
			return 0, fmt.Errorf("trigger delete failed: %v", err)
		}
	}
	if len(stale) > 0 {
		if _, err := s.writeIndex(txn, TableTriggers); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return len(stale), nil
}
