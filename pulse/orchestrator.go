// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/lease"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Orchestrator is one worker's scheduling core. Each tick it refills
// the due-trigger queue from the store, claims triggers through
// dispatch leases so exactly one worker fires each instant, and runs
// handlers on bounded goroutines with retry accounting on the way out.
// Many orchestrators may share a state store and lease substrate.
type Orchestrator struct {
	logger   hclog.Logger
	config   *Config
	state    *state.StateStore
	leases   *lease.Manager
	registry *Registry
	resolver *Resolver
	queue    *triggerQueue
	clock    clock.Clock

	// inFlight counts handler goroutines; dispatch stops at the
	// configured cap.
	inFlight int64

	// runCtx parents every handler context and is cancelled at
	// shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// loopWg tracks the tick and sweep loops, dispatchWg the handler
	// goroutines.
	loopWg     sync.WaitGroup
	dispatchWg sync.WaitGroup

	mu        sync.Mutex
	startedAt time.Time
}

// NewOrchestrator wires a worker against a state store and a lease
// substrate. The config is merged over defaults; a worker id is
// generated when the config does not name one.
func NewOrchestrator(logger hclog.Logger, cfg *Config, store *state.StateStore,
	leaseStore lease.Store, registry *Registry, clk clock.Clock) (*Orchestrator, error) {

	cfg = DefaultConfig().Merge(cfg)
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%s", host, uuid.Short())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if registry == nil {
		registry = NewRegistry(logger)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		logger:     logger.Named("orchestrator").With("worker_id", cfg.WorkerID),
		config:     cfg,
		state:      store,
		leases:     lease.NewManager(logger, leaseStore, clk, cfg.WorkerID, os.Getpid()),
		registry:   registry,
		resolver:   NewResolver(),
		queue:      newTriggerQueue(cfg.QueueDepth, cfg.QueueLowWater),
		clock:      clk,
		runCtx:     runCtx,
		runCancel:  runCancel,
		shutdownCh: make(chan struct{}),
	}
	return o, nil
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now().UTC()
}

// WorkerID returns the identity this worker claims leases under.
func (o *Orchestrator) WorkerID() string {
	return o.config.WorkerID
}

// Leases exposes the lease manager for introspection endpoints.
func (o *Orchestrator) Leases() *lease.Manager {
	return o.leases
}

// State exposes the backing store for read paths.
func (o *Orchestrator) State() *state.StateStore {
	return o.state
}

// Start recovers work orphaned by dead workers and launches the
// scheduling and sweep loops.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if !o.startedAt.IsZero() {
		o.mu.Unlock()
		return structs.NewErr(structs.ErrConflict, "orchestrator already started")
	}
	o.startedAt = o.now()
	o.mu.Unlock()

	o.recoverOrphans(o.now())

	o.loopWg.Add(2)
	go o.run()
	go o.sweepLoop()

	o.logger.Info("orchestrator started",
		"tick_interval", o.config.TickInterval,
		"max_concurrent_runs", o.config.MaxConcurrentRunsPerWorker,
		"lease_duration", o.config.LeaseDuration)
	return nil
}

// Shutdown stops the loops, cancels in-flight handler contexts, and
// waits up to the configured grace for handlers to unwind. Runs whose
// handlers ignore cancellation past the grace are left running in the
// store; a later start recovers them once their lease lapses.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		close(o.shutdownCh)
	})
	o.loopWg.Wait()
	o.runCancel()

	done := make(chan struct{})
	go func() {
		o.dispatchWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-o.clock.After(o.config.ShutdownGrace):
		o.logger.Warn("shutdown grace expired with handlers still executing",
			"in_flight", atomic.LoadInt64(&o.inFlight))
	}

	o.leases.Shutdown(context.Background())
	o.logger.Info("orchestrator stopped")
}

// run is the tick loop.
func (o *Orchestrator) run() {
	defer o.loopWg.Done()

	timer := o.clock.NewTimer(o.config.TickInterval)
	defer timer.Stop()
	for {
		select {
		case <-o.shutdownCh:
			return
		case <-timer.Chan():
			o.tick()
			timer.Reset(o.config.TickInterval)
		}
	}
}

// sweepLoop runs retention sweeps and orphan recovery on the GC
// cadence.
func (o *Orchestrator) sweepLoop() {
	defer o.loopWg.Done()

	timer := o.clock.NewTimer(o.config.GCInterval)
	defer timer.Stop()
	for {
		select {
		case <-o.shutdownCh:
			return
		case <-timer.Chan():
			o.runGC(o.now())
			o.recoverOrphans(o.now())
			timer.Reset(o.config.GCInterval)
		}
	}
}

// tick is one scheduling pass: claim due retries, refill the queue,
// and dispatch due entries up to the worker's free capacity. A
// saturated worker skips the pass entirely.
func (o *Orchestrator) tick() {
	defer metrics.MeasureSince([]string{"pulse", "orchestrator", "tick"}, time.Now())
	now := o.now()

	if o.freeSlots() <= 0 {
		metrics.IncrCounter([]string{"pulse", "orchestrator", "saturated"}, 1)
		o.logger.Debug("worker saturated, skipping tick",
			"in_flight", atomic.LoadInt64(&o.inFlight))
		return
	}

	o.dispatchRetries(now)
	o.fillQueue(now)

	// One-shot fires blocked on per-trigger capacity are re-queued
	// after the pass instead of being lost.
	var deferred []*queueEntry
	for o.freeSlots() > 0 {
		e := o.queue.Pop(now)
		if e == nil {
			break
		}
		t, requeue := o.freshTrigger(e, now)
		if t == nil {
			if requeue {
				deferred = append(deferred, e)
			}
			continue
		}
		o.dispatch(e, t, now)
	}
	for _, e := range deferred {
		if err := o.queue.Push(e); err != nil {
			o.logger.Warn("dropping deferred fire, queue full", "trigger_id", e.TriggerID)
		}
	}

	metrics.SetGauge([]string{"pulse", "queue", "depth"}, float32(o.queue.Len()))
	metrics.SetGauge([]string{"pulse", "orchestrator", "in_flight"},
		float32(atomic.LoadInt64(&o.inFlight)))
}

func (o *Orchestrator) freeSlots() int {
	return o.config.MaxConcurrentRunsPerWorker - int(atomic.LoadInt64(&o.inFlight))
}

// fillQueue tops the queue up from the store once it drains to the
// low-water mark.
func (o *Orchestrator) fillQueue(now time.Time) {
	if !o.queue.NeedsFill() {
		return
	}
	room := o.queue.Room()
	if room <= 0 {
		return
	}
	due, err := o.state.DueTriggers(nil, now, room)
	if err != nil {
		o.logger.Error("due trigger fetch failed", "error", err)
		return
	}
	for _, t := range due {
		e := &queueEntry{
			TriggerID:   t.ID,
			FireAt:      t.NextFireAt,
			Priority:    t.Priority,
			ModifyIndex: t.ModifyIndex,
			Source:      fireSourceSchedule,
		}
		if err := o.queue.Push(e); err != nil {
			break
		}
	}
}

// freshTrigger re-reads a popped entry's trigger and decides whether
// the fire still stands. Scheduled entries are stale once the stored
// next_fire_at moved away from the instant they were enqueued for.
// The second return asks the caller to re-queue the entry rather than
// drop it, used for one-shot fires deferred by per-trigger capacity.
func (o *Orchestrator) freshTrigger(e *queueEntry, now time.Time) (*structs.Trigger, bool) {
	t, err := o.state.TriggerByID(nil, e.TriggerID)
	if err != nil {
		o.logger.Error("trigger lookup failed", "trigger_id", e.TriggerID, "error", err)
		return nil, false
	}
	switch {
	case t == nil:
		o.logger.Trace("dropping fire for deleted trigger", "trigger_id", e.TriggerID)
		return nil, false
	case t.Schedulable():
	case e.Source == fireSourceManual && t.Status == structs.TriggerStatusPaused:
		// Operator-requested fires run even while the schedule is
		// paused.
	default:
		o.logger.Trace("dropping fire for non-schedulable trigger",
			"trigger_id", e.TriggerID, "status", t.Status)
		return nil, false
	}
	if !e.OneShot && !t.NextFireAt.Equal(e.FireAt) {
		metrics.IncrCounter([]string{"pulse", "queue", "stale"}, 1)
		o.logger.Trace("dropping stale queue entry", "trigger_id", e.TriggerID,
			"queued_for", e.FireAt, "next_fire_at", t.NextFireAt)
		return nil, false
	}
	if t.AtCapacity() {
		o.logger.Debug("trigger at max_concurrent_runs, deferring fire",
			"trigger_id", e.TriggerID, "current_runs", t.CurrentRuns)
		return nil, e.OneShot
	}
	return t, false
}

// recoverOrphans adopts work stranded by dead workers: runs parked in
// pending or queued with no live dispatch lease are picked up and
// executed here, and runs stuck in running are failed over to the
// retry policy as a fresh attempt.
func (o *Orchestrator) recoverOrphans(now time.Time) {
	recovered := 0
	for _, status := range []string{structs.RunStatusPending, structs.RunStatusQueued, structs.RunStatusRunning} {
		iter, err := o.state.RunsByStatus(nil, status)
		if err != nil {
			o.logger.Error("orphan scan failed", "status", status, "error", err)
			continue
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			r := raw.(*structs.Run)
			holder, err := o.leases.Holder(o.runCtx, structs.LeaseResourceTrigger, r.TriggerID)
			if err != nil {
				o.logger.Warn("cannot verify lease holder, leaving run alone",
					"run_id", r.ID, "error", err)
				continue
			}
			if holder != nil {
				continue
			}
			if o.recoverRun(r, now) {
				recovered++
			}
		}
	}
	if recovered > 0 {
		metrics.IncrCounter([]string{"pulse", "orchestrator", "recovered"}, float32(recovered))
		o.logger.Info("recovered orphaned runs", "count", recovered)
	}
}

// recoverRun handles one orphan. The dispatch lease is known to be
// gone by the time this is called.
func (o *Orchestrator) recoverRun(r *structs.Run, now time.Time) bool {
	t, err := o.state.TriggerByID(nil, r.TriggerID)
	if err != nil {
		o.logger.Error("trigger lookup failed during recovery", "run_id", r.ID, "error", err)
		return false
	}
	if t == nil || t.Status == structs.TriggerStatusArchived {
		rerr := &structs.RunError{Kind: structs.ErrConflict, Message: "trigger archived while run was orphaned"}
		if err := o.state.MarkRunEnded(r.ID, "", structs.RunStatusCancelled, nil, rerr); err != nil {
			o.logger.Warn("could not cancel orphaned run", "run_id", r.ID, "error", err)
			return false
		}
		if r.Status == structs.RunStatusRunning {
			o.releaseRunSlot(r.TriggerID)
		}
		return true
	}

	switch r.Status {
	case structs.RunStatusRunning:
		// The owning worker died mid-execution. Conclude the attempt
		// and let the retry policy decide whether it runs again.
		rerr := &structs.RunError{Kind: structs.ErrUnavailable, Message: "worker lost during execution"}
		if err := o.state.MarkRunEnded(r.ID, "", structs.RunStatusFailed, nil, rerr); err != nil {
			o.logger.Debug("orphan already concluded elsewhere", "run_id", r.ID, "error", err)
			return false
		}
		o.releaseRunSlot(r.TriggerID)
		if r.Attempt < r.MaxRetries {
			if err := o.state.ScheduleRunRetry(r.ID, now, "worker lost during execution", 0); err != nil {
				o.logger.Warn("could not schedule recovery retry", "run_id", r.ID, "error", err)
			}
		}
		o.logger.Info("failed over orphaned run", "run_id", r.ID,
			"trigger_id", r.TriggerID, "attempt", r.Attempt)
		return true

	default: // pending, queued
		return o.adoptRun(r, t)
	}
}

// releaseRunSlot returns a dead worker's capacity increment.
func (o *Orchestrator) releaseRunSlot(triggerID string) {
	if err := o.state.AdjustTriggerRuns(triggerID, -1); err != nil &&
		!structs.IsKind(err, structs.ErrNotFound) {
		o.logger.Warn("could not release trigger run slot", "trigger_id", triggerID, "error", err)
	}
}

// Stats snapshots the worker for introspection endpoints.
func (o *Orchestrator) Stats() *WorkerStats {
	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()
	return &WorkerStats{
		WorkerID:   o.config.WorkerID,
		InFlight:   int(atomic.LoadInt64(&o.inFlight)),
		QueueDepth: o.queue.Len(),
		HeldLeases: len(o.leases.Held()),
		TaskTypes:  o.registry.TaskTypes(),
		StartedAt:  startedAt,
	}
}

// WorkerStats is a point-in-time view of one orchestrator.
type WorkerStats struct {
	WorkerID   string    `json:"worker_id"`
	InFlight   int       `json:"in_flight"`
	QueueDepth int       `json:"queue_depth"`
	HeldLeases int       `json:"held_leases"`
	TaskTypes  []string  `json:"task_types"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}
