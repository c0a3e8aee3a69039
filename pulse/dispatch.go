// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

func (o *Orchestrator) leaseRequest(triggerID string) *structs.LeaseRequest {
	return &structs.LeaseRequest{
		ResourceType:  structs.LeaseResourceTrigger,
		ResourceID:    triggerID,
		Duration:      o.config.LeaseDuration,
		AutoExtend:    *o.config.LeaseAutoExtend,
		MaxExtensions: o.config.LeaseMaxExtensions,
	}
}

func (o *Orchestrator) releaseLease(leaseID string) {
	err := o.leases.Release(context.Background(), leaseID)
	if err != nil && !structs.IsKind(err, structs.ErrNotFound) {
		o.logger.Warn("lease release failed", "lease_id", leaseID, "error", err)
	}
}

// dispatch claims one due fire: the trigger's dispatch lease
// serializes workers, a capacity slot and a run record are taken under
// it, the schedule advances, and the handler launches asynchronously.
// Losing any step unwinds the ones before it.
func (o *Orchestrator) dispatch(e *queueEntry, t *structs.Trigger, now time.Time) {
	l, err := o.leases.Acquire(o.runCtx, o.leaseRequest(t.ID))
	if err != nil {
		if structs.IsKind(err, structs.ErrNoneAvailable) {
			metrics.IncrCounter([]string{"pulse", "dispatch", "contested"}, 1)
			o.logger.Info("trigger leased by another worker, skipping",
				"trigger_id", t.ID, "fire_at", e.FireAt)
		} else {
			o.logger.Error("lease acquire failed", "trigger_id", t.ID, "error", err)
		}
		return
	}

	if err := o.state.AdjustTriggerRuns(t.ID, 1); err != nil {
		o.releaseLease(l.ID)
		if structs.IsKind(err, structs.ErrConflict) {
			// Lost a capacity race, usually against recovery. The
			// fire self-defers: scheduled entries come back on the
			// next fill, one-shots go back on the queue.
			o.logger.Debug("trigger reached max_concurrent_runs during dispatch",
				"trigger_id", t.ID)
			if e.OneShot {
				if qerr := o.queue.Push(e); qerr != nil {
					o.logger.Warn("dropping deferred fire, queue full", "trigger_id", t.ID)
				}
			}
		} else {
			o.logger.Error("run slot claim failed", "trigger_id", t.ID, "error", err)
		}
		return
	}

	r := o.newRun(t, e, now)
	if err := o.state.CreateRun(r); err != nil {
		o.releaseRunSlot(t.ID)
		o.releaseLease(l.ID)
		if structs.IsKind(err, structs.ErrConflict) {
			// Another worker recorded this occurrence first; its bump
			// will retire our queue entry as stale.
			o.logger.Info("fire already covered by an existing run",
				"trigger_id", t.ID, "scheduled_for", r.ScheduledFor)
		} else {
			o.logger.Error("run create failed", "trigger_id", t.ID, "error", err)
		}
		return
	}

	o.advanceSchedule(t.ID, e, now)

	metrics.IncrCounter([]string{"pulse", "dispatch", "fired"}, 1)
	o.logger.Debug("dispatching run", "run_id", r.ID, "trigger_id", t.ID,
		"task_type", t.TaskType, "source", e.Source, "scheduled_for", r.ScheduledFor)
	o.launch(l, r, t)
}

// newRun builds the run record for a fire, snapshotting the trigger's
// task parameters and folding in the event behind event-driven fires.
func (o *Orchestrator) newRun(t *structs.Trigger, e *queueEntry, now time.Time) *structs.Run {
	policy := t.EffectiveRetryPolicy(o.config.DefaultRetryPolicy)
	r := &structs.Run{
		ID:             uuid.Generate(),
		TriggerID:      t.ID,
		ScheduledFor:   e.FireAt.UTC(),
		QueuedAt:       now,
		WorkerID:       o.config.WorkerID,
		TaskParameters: structs.CopyMapAny(t.TaskParameters),
		MaxRetries:     policy.MaxRetries,
		OrganizationID: t.OrganizationID,
		TriggeredBy:    e.RequestedBy,
	}
	if e.Event != nil {
		if r.TaskParameters == nil {
			r.TaskParameters = make(map[string]any, 1)
		}
		r.TaskParameters["event"] = map[string]any{
			"id":      e.Event.ID,
			"type":    e.Event.Type,
			"source":  e.Event.Source,
			"payload": e.Event.Payload,
		}
	}
	r.Canonicalize()
	return r
}

// advanceSchedule stamps the fire onto the trigger and, for scheduled
// fires, moves next_fire_at to the following occurrence. One-shot
// fires leave the schedule where it was. The CAS retry absorbs one
// concurrent administrative update.
func (o *Orchestrator) advanceSchedule(id string, e *queueEntry, now time.Time) {
	for attempt := 0; attempt < 2; attempt++ {
		t, err := o.state.TriggerByID(nil, id)
		if err != nil || t == nil {
			return
		}

		next := t.NextFireAt
		if !e.OneShot {
			next, err = o.resolver.NextFire(t, e.FireAt, now)
			if err != nil {
				o.logger.Error("next fire computation failed, trigger will not reschedule",
					"trigger_id", id, "error", err)
				next = time.Time{}
			}
		}

		err = o.state.BumpTriggerFire(id, t.ModifyIndex, e.FireAt, next)
		if err == nil {
			return
		}
		if !structs.IsKind(err, structs.ErrConflict) {
			o.logger.Warn("trigger schedule advance failed", "trigger_id", id, "error", err)
			return
		}
	}
	o.logger.Info("trigger schedule advance kept conflicting", "trigger_id", id)
}

// launch accounts the run against worker capacity and starts the
// handler goroutine. The deferred unwinds mirror dispatch's claims.
func (o *Orchestrator) launch(l *structs.Lease, r *structs.Run, t *structs.Trigger) {
	atomic.AddInt64(&o.inFlight, 1)
	o.dispatchWg.Add(1)
	go func() {
		defer o.dispatchWg.Done()
		defer atomic.AddInt64(&o.inFlight, -1)
		defer o.releaseRunSlot(t.ID)
		defer o.releaseLease(l.ID)
		o.executeRun(l, r, t)
	}()
}

type handlerResult struct {
	result   map[string]any
	err      error
	panicked bool
	panicVal any
	stack    string
}

// executeRun drives one handler execution to a terminal state:
// completion, failure with retry accounting, timeout at the trigger's
// execution cap, abort on panic, or cancellation at shutdown.
func (o *Orchestrator) executeRun(l *structs.Lease, r *structs.Run, t *structs.Trigger) {
	if err := o.state.MarkRunStarted(r.ID, o.config.WorkerID, l.ID); err != nil {
		o.logger.Warn("could not mark run started", "run_id", r.ID, "error", err)
		return
	}

	handler, ok := o.registry.Lookup(t.TaskType)
	if !ok {
		rerr := &structs.RunError{
			Kind:    structs.ErrNoHandler,
			Message: fmt.Sprintf("no handler registered for task type %q", t.TaskType),
		}
		o.endRun(l, r, t, structs.RunStatusFailed, nil, rerr, 0)
		return
	}

	task := &Task{
		RunID:       r.ID,
		TriggerID:   t.ID,
		TriggerName: t.Name,
		TaskType:    t.TaskType,
		Attempt:     r.Attempt,
		Config:      structs.CopyMapAny(t.TaskConfig),
		Parameters:  structs.CopyMapAny(r.TaskParameters),
	}

	ctx, cancel := context.WithCancel(o.runCtx)
	defer cancel()

	timeout := t.MaxExecTimeout()
	timer := o.clock.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan *handlerResult, 1)
	go func() {
		res := new(handlerResult)
		defer func() {
			if p := recover(); p != nil {
				res.panicked = true
				res.panicVal = p
				res.stack = string(debug.Stack())
			}
			done <- res
		}()
		res.result, res.err = handler.Execute(ctx, task)
	}()

	started := o.now()
	var hr *handlerResult
	timedOut, interrupted := false, false
	select {
	case hr = <-done:
	case <-timer.Chan():
		timedOut = true
		cancel()
		hr = <-done
	case <-o.shutdownCh:
		interrupted = true
		cancel()
		hr = <-done
	}
	elapsed := o.now().Sub(started)

	switch {
	case hr.panicked:
		o.logger.Error("handler panic", "run_id", r.ID, "task_type", t.TaskType,
			"panic", hr.panicVal, "stack", hr.stack)
		metrics.IncrCounter([]string{"pulse", "run", "aborted"}, 1)
		rerr := &structs.RunError{
			Kind:    structs.ErrInternal,
			Message: fmt.Sprintf("handler panic: %v", hr.panicVal),
			Stack:   hr.stack,
		}
		o.endRun(l, r, t, structs.RunStatusAborted, nil, rerr, elapsed)

	case timedOut:
		o.logger.Warn("handler exceeded execution cap", "run_id", r.ID,
			"task_type", t.TaskType, "max_exec", timeout)
		metrics.IncrCounter([]string{"pulse", "run", "timeout"}, 1)
		rerr := &structs.RunError{
			Kind:    structs.ErrTimeout,
			Message: fmt.Sprintf("execution exceeded %s", timeout),
		}
		o.endRun(l, r, t, structs.RunStatusTimeout, nil, rerr, elapsed)

	case interrupted && hr.err != nil:
		rerr := &structs.RunError{
			Kind:    structs.ErrUnavailable,
			Message: "worker shut down before the handler finished",
		}
		o.endRun(l, r, t, structs.RunStatusCancelled, nil, rerr, elapsed)

	case hr.err != nil:
		kind := structs.KindOf(hr.err)
		if kind == structs.ErrInternal {
			kind = structs.ErrHandlerError
		}
		metrics.IncrCounter([]string{"pulse", "run", "failed"}, 1)
		rerr := &structs.RunError{Kind: kind, Message: hr.err.Error()}
		o.endRun(l, r, t, structs.RunStatusFailed, nil, rerr, elapsed)

	default:
		metrics.IncrCounter([]string{"pulse", "run", "completed"}, 1)
		metrics.MeasureSinceWithLabels([]string{"pulse", "run", "duration"}, started,
			[]metrics.Label{{Name: "task_type", Value: t.TaskType}})
		o.endRun(l, r, t, structs.RunStatusCompleted, hr.result, nil, elapsed)
	}
}

// endRun writes a run's terminal state, but only while this worker
// still owns the dispatch lease. A worker that lost its lease discards
// the outcome as cancelled so the adopting worker's accounting wins.
// Stats and retries follow from the status actually written.
func (o *Orchestrator) endRun(l *structs.Lease, r *structs.Run, t *structs.Trigger,
	status string, result map[string]any, rerr *structs.RunError, elapsed time.Duration) {

	now := o.now()

	owns, err := o.leases.Owns(context.Background(), l.ID)
	if err != nil {
		o.logger.Warn("lease ownership check failed, discarding run outcome",
			"run_id", r.ID, "lease_id", l.ID, "error", err)
		owns = false
	}
	if !owns {
		metrics.IncrCounter([]string{"pulse", "run", "ownership_lost"}, 1)
		lost := &structs.RunError{
			Kind:    structs.ErrUnavailable,
			Message: "dispatch lease lost during execution",
		}
		if err := o.state.MarkRunEnded(r.ID, o.config.WorkerID, structs.RunStatusCancelled, nil, lost); err != nil {
			o.logger.Debug("run already concluded by another worker", "run_id", r.ID, "error", err)
		}
		return
	}

	if err := o.state.MarkRunEnded(r.ID, o.config.WorkerID, status, result, rerr); err != nil {
		o.logger.Error("could not record run outcome", "run_id", r.ID,
			"status", status, "error", err)
		return
	}

	switch status {
	case structs.RunStatusCompleted:
		o.recordStats(t.ID, true, elapsed)
		o.fanOutDependencies(t, now)
	case structs.RunStatusFailed, structs.RunStatusTimeout:
		o.recordStats(t.ID, false, elapsed)
		o.maybeRetry(r, t, rerr, now)
	case structs.RunStatusAborted:
		o.recordStats(t.ID, false, elapsed)
	}
}

func (o *Orchestrator) recordStats(triggerID string, success bool, elapsed time.Duration) {
	err := o.state.UpdateTriggerStats(triggerID, success, elapsed.Seconds())
	if err != nil && !structs.IsKind(err, structs.ErrNotFound) {
		o.logger.Warn("trigger stats update failed", "trigger_id", triggerID, "error", err)
	}
}

// maybeRetry schedules the next attempt when the failure kind is
// retryable and the policy has attempts left. The run flips to
// retrying and a later tick on some worker claims it.
func (o *Orchestrator) maybeRetry(r *structs.Run, t *structs.Trigger, rerr *structs.RunError, now time.Time) {
	if !rerr.Kind.Retryable() {
		return
	}
	if r.RetriesExhausted() {
		o.logger.Debug("run retries exhausted", "run_id", r.ID,
			"attempt", r.Attempt, "max_retries", r.MaxRetries)
		return
	}

	policy := t.EffectiveRetryPolicy(o.config.DefaultRetryPolicy)
	delay := policy.DelayFor(r.Attempt)
	if err := o.state.ScheduleRunRetry(r.ID, now.Add(delay), rerr.Message, delay); err != nil {
		if !structs.IsKind(err, structs.ErrConflict) {
			o.logger.Warn("could not schedule retry", "run_id", r.ID, "error", err)
		}
		return
	}
	metrics.IncrCounter([]string{"pulse", "run", "retry_scheduled"}, 1)
	o.logger.Debug("retry scheduled", "run_id", r.ID, "trigger_id", r.TriggerID,
		"attempt", r.Attempt, "delay", delay)
}

// dispatchRetries claims runs whose backoff has elapsed. Retried runs
// bypass the queue: the run record already exists, so the claim is the
// trigger lease, a capacity slot, and the retrying to pending flip.
func (o *Orchestrator) dispatchRetries(now time.Time) {
	due, err := o.state.RunsDueForRetry(nil, now)
	if err != nil {
		o.logger.Error("retry scan failed", "error", err)
		return
	}

	for _, r := range due {
		if o.freeSlots() <= 0 {
			return
		}
		t, err := o.state.TriggerByID(nil, r.TriggerID)
		if err != nil {
			o.logger.Error("trigger lookup failed", "trigger_id", r.TriggerID, "error", err)
			continue
		}
		switch {
		case t == nil || t.Status == structs.TriggerStatusArchived:
			rerr := &structs.RunError{
				Kind:    structs.ErrConflict,
				Message: "trigger archived before the retry could run",
			}
			if err := o.state.MarkRunEnded(r.ID, "", structs.RunStatusCancelled, nil, rerr); err != nil {
				o.logger.Warn("could not cancel orphan retry", "run_id", r.ID, "error", err)
			}
			continue
		case !t.Schedulable():
			// Paused or disabled triggers hold their retries until
			// resumed.
			continue
		case t.AtCapacity():
			continue
		}

		l, err := o.leases.Acquire(o.runCtx, o.leaseRequest(t.ID))
		if err != nil {
			if !structs.IsKind(err, structs.ErrNoneAvailable) {
				o.logger.Error("lease acquire failed", "trigger_id", t.ID, "error", err)
			}
			continue
		}
		if err := o.state.AdjustTriggerRuns(t.ID, 1); err != nil {
			o.releaseLease(l.ID)
			continue
		}
		if err := o.state.ClaimRetryingRun(r.ID, o.config.WorkerID); err != nil {
			o.releaseRunSlot(t.ID)
			o.releaseLease(l.ID)
			if !structs.IsKind(err, structs.ErrConflict) {
				o.logger.Warn("retry claim failed", "run_id", r.ID, "error", err)
			}
			continue
		}

		fresh, err := o.state.RunByID(nil, r.ID)
		if err != nil || fresh == nil {
			o.releaseRunSlot(t.ID)
			o.releaseLease(l.ID)
			continue
		}

		metrics.IncrCounter([]string{"pulse", "dispatch", "retried"}, 1)
		o.logger.Debug("dispatching retry", "run_id", fresh.ID,
			"trigger_id", t.ID, "attempt", fresh.Attempt)
		o.launch(l, fresh, t)
	}
}

// adoptRun picks up a pending or queued run stranded by a dead worker.
// The dead worker's capacity increment stands and launch's decrement
// balances it, so no slot is claimed here.
func (o *Orchestrator) adoptRun(r *structs.Run, t *structs.Trigger) bool {
	if !t.Schedulable() {
		return false
	}
	if o.freeSlots() <= 0 {
		return false
	}
	l, err := o.leases.Acquire(o.runCtx, o.leaseRequest(t.ID))
	if err != nil {
		if !structs.IsKind(err, structs.ErrNoneAvailable) {
			o.logger.Error("lease acquire failed during adoption",
				"trigger_id", t.ID, "error", err)
		}
		return false
	}
	o.logger.Info("adopted orphaned run", "run_id", r.ID, "trigger_id", t.ID)
	o.launch(l, r, t)
	return true
}

// fanOutDependencies enqueues one-shot fires for triggers that depend
// on the source trigger, where their predicate over the latest
// upstream runs holds.
func (o *Orchestrator) fanOutDependencies(src *structs.Trigger, now time.Time) {
	dependents, err := o.state.TriggersByDependency(nil, src.ID)
	if err != nil {
		o.logger.Error("dependent trigger scan failed", "trigger_id", src.ID, "error", err)
		return
	}
	for _, dt := range dependents {
		if !dt.Schedulable() || dt.AtCapacity() {
			continue
		}
		latest, err := o.latestDependencyRuns(dt)
		if err != nil {
			o.logger.Error("dependency run lookup failed", "trigger_id", dt.ID, "error", err)
			continue
		}
		if !o.resolver.DependencySatisfied(dt, latest) {
			continue
		}
		e := &queueEntry{
			TriggerID: dt.ID,
			FireAt:    now,
			Priority:  dt.Priority,
			OneShot:   true,
			Source:    fireSourceDependency,
		}
		if err := o.queue.Push(e); err != nil {
			o.logger.Warn("dropping dependency fire, queue full", "trigger_id", dt.ID)
			continue
		}
		o.logger.Debug("dependency trigger enqueued", "trigger_id", dt.ID,
			"upstream_id", src.ID, "predicate", dt.DependencyPredicate)
	}
}

func (o *Orchestrator) latestDependencyRuns(dt *structs.Trigger) (map[string]*structs.Run, error) {
	latest := make(map[string]*structs.Run, len(dt.DependencyTriggerIDs))
	for _, depID := range dt.DependencyTriggerIDs {
		r, err := o.state.LatestRunByTrigger(nil, depID)
		if err != nil {
			return nil, err
		}
		if r != nil {
			latest[depID] = r
		}
	}
	return latest, nil
}
