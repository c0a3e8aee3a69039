// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/helper/testlog"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/lease"
	"github.com/hashicorp/pulse/pulse/mock"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
	"github.com/hashicorp/pulse/testutil"
)

// epoch pins orchestrator tests to a fixed instant so fire times are
// exact.
var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testHarness struct {
	*Orchestrator
	store *state.StateStore
	clk   *testclock.Clock
}

func testOrchestrator(t *testing.T, cfg *Config) *testHarness {
	clk := testclock.NewClock(epoch)
	return testOrchestratorWithStore(t, cfg, state.TestStateStoreWithClock(t, clk), clk)
}

// testOrchestratorWithStore builds a worker against a shared store and
// clock so tests can stand up rival workers. Lease auto-extension is
// off so the test clock sees no keepalive waiters.
func testOrchestratorWithStore(t *testing.T, cfg *Config, store *state.StateStore, clk *testclock.Clock) *testHarness {
	base := &Config{
		WorkerID:        "w-" + uuid.Short(),
		LeaseAutoExtend: pointer.Of(false),
	}
	o, err := NewOrchestrator(testlog.HCLogger(t), base.Merge(cfg), store,
		lease.NewStateBackend(store, clk), nil, clk)
	must.NoError(t, err)
	t.Cleanup(o.Shutdown)
	return &testHarness{Orchestrator: o, store: store, clk: clk}
}

func (h *testHarness) register(t *testing.T, taskType string, h2 Handler) {
	must.NoError(t, h.registry.Register(taskType, h2))
}

// createTrigger zeroes the fixture's wall-clock fire time so the
// create path computes it from the test clock.
func (h *testHarness) createTrigger(t *testing.T, tr *structs.Trigger) *structs.Trigger {
	tr.NextFireAt = time.Time{}
	out, err := h.CreateTrigger(tr)
	must.NoError(t, err)
	return out
}

// drain blocks until every launched handler has finished and unwound
// its capacity and lease claims.
func (h *testHarness) drain(t *testing.T) {
	testutil.WaitForResult(func() (bool, error) {
		if n := atomic.LoadInt64(&h.inFlight); n != 0 {
			return false, fmt.Errorf("%d handlers still in flight", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("handlers never drained: %v", err)
	})
}

func (h *testHarness) triggerByID(t *testing.T, id string) *structs.Trigger {
	tr, err := h.store.TriggerByID(nil, id)
	must.NoError(t, err)
	must.NotNil(t, tr)
	return tr
}

func (h *testHarness) runByID(t *testing.T, id string) *structs.Run {
	r, err := h.store.RunByID(nil, id)
	must.NoError(t, err)
	must.NotNil(t, r)
	return r
}

func (h *testHarness) latestRun(t *testing.T, triggerID string) *structs.Run {
	r, err := h.store.LatestRunByTrigger(nil, triggerID)
	must.NoError(t, err)
	must.NotNil(t, r)
	return r
}

// waitTriggerRun polls until the trigger's latest run reaches the
// status, for paths where dispatch happens on a loop goroutine.
func (h *testHarness) waitTriggerRun(t *testing.T, triggerID, status string) *structs.Run {
	var out *structs.Run
	testutil.WaitForResult(func() (bool, error) {
		r, err := h.store.LatestRunByTrigger(nil, triggerID)
		if err != nil {
			return false, err
		}
		if r == nil {
			return false, fmt.Errorf("no run for trigger %s", triggerID)
		}
		if r.Status != status {
			return false, fmt.Errorf("run %s in status %q, want %q", r.ID, r.Status, status)
		}
		out = r
		return true, nil
	}, func(err error) {
		t.Fatalf("run never reached %q: %v", status, err)
	})
	return out
}

// countingHandler returns a handler that succeeds immediately.
func countingHandler(calls *int32) Handler {
	return HandlerFunc(func(ctx context.Context, task *Task) (map[string]any, error) {
		atomic.AddInt32(calls, 1)
		return map[string]any{"ok": true}, nil
	})
}

// gateHandler blocks executions until the gate opens, tracking how
// many ran at once.
type gateHandler struct {
	gate    chan struct{}
	started int32
	active  int32
	peak    int32
}

func newGateHandler() *gateHandler {
	return &gateHandler{gate: make(chan struct{})}
}

func (g *gateHandler) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	atomic.AddInt32(&g.started, 1)
	cur := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	for {
		p := atomic.LoadInt32(&g.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&g.peak, p, cur) {
			break
		}
	}
	select {
	case <-g.gate:
		return map[string]any{"ok": true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gateHandler) waitStarted(t *testing.T, n int32) {
	testutil.WaitForResult(func() (bool, error) {
		if got := atomic.LoadInt32(&g.started); got != n {
			return false, fmt.Errorf("%d handlers started, want %d", got, n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("handlers never started: %v", err)
	})
}

func TestOrchestrator_DispatchesScheduledTrigger(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	var calls int32
	h.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h.createTrigger(t, tr)
	must.Eq(t, epoch.Add(time.Minute), tr.NextFireAt)

	// Nothing is due yet.
	h.tick()
	must.Zero(t, h.queue.Len())
	r0, err := h.store.LatestRunByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Nil(t, r0)

	h.clk.Advance(time.Minute)
	h.tick()
	h.drain(t)

	r := h.latestRun(t, tr.ID)
	must.Eq(t, structs.RunStatusCompleted, r.Status)
	must.Eq(t, epoch.Add(time.Minute), r.ScheduledFor)
	must.Eq(t, epoch.Add(time.Minute), r.QueuedAt)
	must.Eq(t, h.WorkerID(), r.WorkerID)
	must.Eq(t, map[string]any{"ok": true}, r.ResultData)
	must.Eq(t, map[string]any{"report": "nightly-usage"}, r.TaskParameters)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))

	fresh := h.triggerByID(t, tr.ID)
	must.Eq(t, epoch.Add(time.Minute), fresh.LastFireAt)
	must.Eq(t, epoch.Add(2*time.Minute), fresh.NextFireAt)
	must.Zero(t, fresh.CurrentRuns)
	must.Eq(t, int64(1), fresh.TotalRuns)
	must.Eq(t, int64(1), fresh.SuccessRuns)
	must.Zero(t, fresh.FailureRuns)

	// The dispatch lease came back when the handler returned.
	holder, err := h.leases.Holder(context.Background(), structs.LeaseResourceTrigger, tr.ID)
	must.NoError(t, err)
	must.Nil(t, holder)

	// The same occurrence does not fire twice.
	h.tick()
	h.drain(t)
	runs, err := h.store.RunsByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Len(t, 1, runs)
}

func TestOrchestrator_LeaseExcludesRivalWorker(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	var calls int32
	h.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h.createTrigger(t, tr)

	rival := lease.NewManager(testlog.HCLogger(t), lease.NewStateBackend(h.store, h.clk),
		h.clk, "w-rival", os.Getpid())
	t.Cleanup(func() { rival.Shutdown(context.Background()) })

	rl, err := rival.Acquire(context.Background(), &structs.LeaseRequest{
		ResourceType: structs.LeaseResourceTrigger,
		ResourceID:   tr.ID,
		Duration:     time.Minute,
	})
	must.NoError(t, err)

	h.clk.Advance(time.Minute)
	h.tick()
	h.drain(t)

	// The fire was contested away: no run, schedule untouched.
	r0, err := h.store.LatestRunByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Nil(t, r0)
	must.Zero(t, atomic.LoadInt32(&calls))
	fresh := h.triggerByID(t, tr.ID)
	must.Eq(t, epoch.Add(time.Minute), fresh.NextFireAt)
	must.True(t, fresh.LastFireAt.IsZero())

	must.NoError(t, rival.Release(context.Background(), rl.ID))

	// The next pass picks the still-due fire back up.
	h.tick()
	h.drain(t)

	r := h.latestRun(t, tr.ID)
	must.Eq(t, structs.RunStatusCompleted, r.Status)
	must.Eq(t, epoch.Add(time.Minute), r.ScheduledFor)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))
	must.Eq(t, epoch.Add(2*time.Minute), h.triggerByID(t, tr.ID).NextFireAt)
}

func TestOrchestrator_SingleRunAcrossWorkers(t *testing.T) {
	ci.Parallel(t)

	clk := testclock.NewClock(epoch)
	store := state.TestStateStoreWithClock(t, clk)
	h1 := testOrchestratorWithStore(t, nil, store, clk)
	h2 := testOrchestratorWithStore(t, nil, store, clk)

	var calls int32
	h1.register(t, "echo", countingHandler(&calls))
	h2.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h1.createTrigger(t, tr)

	clk.Advance(time.Minute)
	now := h1.now()

	// Both workers queue the same fire before either dispatches.
	h1.fillQueue(now)
	h2.fillQueue(now)
	must.Eq(t, 1, h1.queue.Len())
	must.Eq(t, 1, h2.queue.Len())

	h1.tick()
	h1.drain(t)
	h2.tick()
	h2.drain(t)

	// The second worker found its entry stale and dropped it.
	runs, err := store.RunsByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Len(t, 1, runs)
	must.Eq(t, structs.RunStatusCompleted, runs[0].Status)
	must.Eq(t, h1.WorkerID(), runs[0].WorkerID)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))
	must.Zero(t, h2.queue.Len())

	fresh := h1.triggerByID(t, tr.ID)
	must.Eq(t, int64(1), fresh.TotalRuns)
	must.Eq(t, epoch.Add(2*time.Minute), fresh.NextFireAt)
}

func TestOrchestrator_WorkerConcurrencyCap(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, &Config{MaxConcurrentRunsPerWorker: 2})

	gate := newGateHandler()
	h.register(t, "gate", gate)

	var triggers []*structs.Trigger
	for i := 0; i < 3; i++ {
		tr := mock.ManualTrigger()
		tr.TaskType = "gate"
		tr = h.createTrigger(t, tr)
		triggers = append(triggers, tr)
		_, err := h.FireNow(tr.ID, "ops")
		must.NoError(t, err)
	}
	must.Eq(t, 3, h.queue.Len())

	// Two slots, three fires: one stays queued.
	h.tick()
	must.Eq(t, 2, h.Stats().InFlight)
	must.Eq(t, 1, h.queue.Len())
	gate.waitStarted(t, 2)

	// A saturated worker skips the pass outright.
	h.tick()
	must.Eq(t, 2, h.Stats().InFlight)
	must.Eq(t, 1, h.queue.Len())
	must.Eq(t, int32(2), atomic.LoadInt32(&gate.started))

	close(gate.gate)
	h.drain(t)

	h.tick()
	h.drain(t)

	for _, tr := range triggers {
		r := h.latestRun(t, tr.ID)
		must.Eq(t, structs.RunStatusCompleted, r.Status)
		must.Eq(t, "ops", r.TriggeredBy)
	}
	must.Eq(t, int32(3), atomic.LoadInt32(&gate.started))
	must.Eq(t, int32(2), atomic.LoadInt32(&gate.peak))
}

func TestOrchestrator_TriggerCapacityDefersFire(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	gate := newGateHandler()
	h.register(t, "gate", gate)

	// max_concurrent_runs defaults to one.
	tr := mock.ManualTrigger()
	tr.TaskType = "gate"
	tr = h.createTrigger(t, tr)

	_, err := h.FireNow(tr.ID, "ops")
	must.NoError(t, err)
	h.tick()
	gate.waitStarted(t, 1)
	must.Eq(t, 1, h.triggerByID(t, tr.ID).CurrentRuns)

	// A second fire arrives while the first still runs. It defers
	// rather than exceeding the trigger's cap, and is not lost.
	h.clk.Advance(time.Second)
	_, err = h.FireNow(tr.ID, "ops")
	must.NoError(t, err)
	h.tick()
	must.Eq(t, 1, h.queue.Len())
	must.Eq(t, int32(1), atomic.LoadInt32(&gate.started))

	close(gate.gate)
	h.drain(t)

	h.tick()
	h.drain(t)

	runs, err := h.store.RunsByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Len(t, 2, runs)
	for _, r := range runs {
		must.Eq(t, structs.RunStatusCompleted, r.Status)
	}
	must.Eq(t, int32(2), atomic.LoadInt32(&gate.started))
	must.Eq(t, int32(1), atomic.LoadInt32(&gate.peak))
	must.Zero(t, h.triggerByID(t, tr.ID).CurrentRuns)
}

func TestOrchestrator_NoHandlerFailsTerminally(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	tr := mock.ManualTrigger()
	tr.TaskType = "unregistered"
	tr = h.createTrigger(t, tr)

	_, err := h.FireNow(tr.ID, "ops")
	must.NoError(t, err)
	h.tick()
	h.drain(t)

	r := h.latestRun(t, tr.ID)
	must.Eq(t, structs.RunStatusFailed, r.Status)
	must.NotNil(t, r.Error)
	must.Eq(t, structs.ErrNoHandler, r.Error.Kind)
	must.StrContains(t, r.Error.Message, "no handler registered for task type")

	// A missing handler is not a transient fault: no retry.
	must.Zero(t, r.Attempt)
	must.True(t, r.NextRetryAt.IsZero())
	must.Len(t, 0, r.RetryHistory)

	fresh := h.triggerByID(t, tr.ID)
	must.Eq(t, int64(1), fresh.FailureRuns)
	must.Zero(t, fresh.CurrentRuns)

	h.tick()
	h.drain(t)
	runs, err := h.store.RunsByTrigger(nil, tr.ID)
	must.NoError(t, err)
	must.Len(t, 1, runs)
}

func TestOrchestrator_ShutdownCancelsInFlight(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	gate := newGateHandler()
	h.register(t, "gate", gate)

	tr := mock.ManualTrigger()
	tr.TaskType = "gate"
	tr = h.createTrigger(t, tr)

	_, err := h.FireNow(tr.ID, "ops")
	must.NoError(t, err)
	h.tick()
	gate.waitStarted(t, 1)

	h.Shutdown()

	r := h.latestRun(t, tr.ID)
	must.Eq(t, structs.RunStatusCancelled, r.Status)
	must.NotNil(t, r.Error)
	must.Eq(t, structs.ErrUnavailable, r.Error.Kind)
	must.StrContains(t, r.Error.Message, "worker shut down")

	must.Zero(t, h.Stats().InFlight)
	must.Zero(t, h.triggerByID(t, tr.ID).CurrentRuns)
	must.Len(t, 0, h.leases.Held())
}

func TestOrchestrator_StartAndShutdown(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	must.NoError(t, h.Start())
	err := h.Start()
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrConflict))

	stats := h.Stats()
	must.Eq(t, h.WorkerID(), stats.WorkerID)
	must.Zero(t, stats.InFlight)
	must.False(t, stats.StartedAt.IsZero())

	h.Shutdown()
	h.Shutdown()
}

func TestOrchestrator_TickLoopDispatches(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, &Config{TickInterval: time.Minute})

	var calls int32
	h.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h.createTrigger(t, tr)

	must.NoError(t, h.Start())

	// Two loop timers wait on the clock: the tick and the sweep. The
	// first tick lands exactly on the trigger's due instant.
	must.NoError(t, h.clk.WaitAdvance(time.Minute, testutil.Timeout(time.Second), 2))

	r := h.waitTriggerRun(t, tr.ID, structs.RunStatusCompleted)
	must.Eq(t, epoch.Add(time.Minute), r.ScheduledFor)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))
	must.Eq(t, epoch.Add(2*time.Minute), h.triggerByID(t, tr.ID).NextFireAt)

	h.Shutdown()
}

func TestOrchestrator_RecoversRunningOrphan(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	var calls int32
	h.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h.createTrigger(t, tr)

	// A run left mid-execution by a worker that died without
	// releasing its lease slot.
	seed := mock.Run(tr)
	seed.ScheduledFor = h.now()
	must.NoError(t, h.store.CreateRun(seed))
	must.NoError(t, h.store.MarkRunStarted(seed.ID, "w-dead", uuid.Generate()))
	must.NoError(t, h.store.AdjustTriggerRuns(tr.ID, 1))

	now := h.now()
	h.recoverOrphans(now)

	r := h.runByID(t, seed.ID)
	must.Eq(t, structs.RunStatusRetrying, r.Status)
	must.Eq(t, 1, r.Attempt)
	must.Len(t, 1, r.RetryHistory)
	must.Eq(t, 0, r.RetryHistory[0].Attempt)
	must.Eq(t, "worker lost during execution", r.RetryHistory[0].Reason)
	must.Eq(t, time.Duration(0), r.RetryHistory[0].Delay)
	must.Eq(t, now, r.RetryHistory[0].ScheduledFor)
	must.Zero(t, h.triggerByID(t, tr.ID).CurrentRuns)

	// The retry is immediately due and this worker claims it.
	h.tick()
	h.drain(t)

	r = h.runByID(t, seed.ID)
	must.Eq(t, structs.RunStatusCompleted, r.Status)
	must.Eq(t, 1, r.Attempt)
	must.Eq(t, h.WorkerID(), r.WorkerID)
	must.Nil(t, r.Error)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))
	must.Zero(t, h.triggerByID(t, tr.ID).CurrentRuns)
}

func TestOrchestrator_AdoptsPendingOrphan(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	var calls int32
	h.register(t, "echo", countingHandler(&calls))

	tr := mock.IntervalTrigger(60)
	tr.TaskType = "echo"
	tr = h.createTrigger(t, tr)

	// A run created by a dead worker that never started executing.
	// The dead worker had already claimed the capacity slot.
	seed := mock.Run(tr)
	seed.ScheduledFor = h.now()
	must.NoError(t, h.store.CreateRun(seed))
	must.NoError(t, h.store.AdjustTriggerRuns(tr.ID, 1))

	h.recoverOrphans(h.now())
	h.drain(t)

	r := h.runByID(t, seed.ID)
	must.Eq(t, structs.RunStatusCompleted, r.Status)
	must.Eq(t, h.WorkerID(), r.WorkerID)
	must.Zero(t, r.Attempt)
	must.Eq(t, int32(1), atomic.LoadInt32(&calls))

	// Adoption inherited the dead worker's slot rather than claiming
	// a second one.
	must.Zero(t, h.triggerByID(t, tr.ID).CurrentRuns)
}

func TestOrchestrator_RecoveryCancelsArchivedOrphan(t *testing.T) {
	ci.Parallel(t)
	h := testOrchestrator(t, nil)

	tr := mock.ManualTrigger()
	tr = h.createTrigger(t, tr)

	seed := mock.Run(tr)
	seed.ScheduledFor = h.now()
	must.NoError(t, h.store.CreateRun(seed))
	must.NoError(t, h.store.ArchiveTrigger(tr.ID))

	h.recoverOrphans(h.now())

	r := h.runByID(t, seed.ID)
	must.Eq(t, structs.RunStatusCancelled, r.Status)
	must.NotNil(t, r.Error)
	must.Eq(t, structs.ErrConflict, r.Error.Kind)
	must.StrContains(t, r.Error.Message, "trigger archived")
}
