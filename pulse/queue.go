// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Fire sources recorded on queue entries and carried onto the runs
// they produce.
const (
	fireSourceSchedule   = "schedule"
	fireSourceManual     = "manual"
	fireSourceEvent      = "event"
	fireSourceWebhook    = "webhook"
	fireSourceDependency = "dependency"
	fireSourceRecovery   = "recovery"
)

// queueEntry is one pending fire. Scheduled entries snapshot the fire
// instant they were enqueued for so the pop path can discard entries
// the store has since rescheduled. One-shot entries skip that check:
// they fire once at their instant regardless of the trigger's
// next_fire_at.
type queueEntry struct {
	TriggerID   string
	FireAt      time.Time
	Priority    int
	ModifyIndex uint64
	OneShot     bool
	Source      string
	RequestedBy string

	// Event carries the occurrence behind event, webhook, and
	// conditional fires. Nil for clock and manual fires.
	Event *structs.Event

	index int
}

// triggerQueue is the bounded in-memory priority queue of pending
// fires, ordered by (fire instant, priority descending). It holds at
// most one entry per trigger; a second push for the same trigger only
// wins when it fires earlier than the queued one.
type triggerQueue struct {
	mu       sync.Mutex
	heap     entryHeap
	byID     map[string]*queueEntry
	capacity int
	lowWater int
}

func newTriggerQueue(capacity, lowWater int) *triggerQueue {
	return &triggerQueue{
		heap:     make(entryHeap, 0, capacity),
		byID:     make(map[string]*queueEntry, capacity),
		capacity: capacity,
		lowWater: lowWater,
	}
}

// Push enqueues a fire. Duplicate pushes for a trigger already queued
// are absorbed unless the new entry fires earlier, which replaces the
// queued one; a manual fire-now beats a scheduled fire this way.
// Returns UNAVAILABLE when the queue is full.
func (q *triggerQueue) Push(e *queueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if prev, ok := q.byID[e.TriggerID]; ok {
		if !e.FireAt.Before(prev.FireAt) {
			return nil
		}
		heap.Remove(&q.heap, prev.index)
		delete(q.byID, prev.TriggerID)
	}
	if len(q.heap) >= q.capacity {
		return structs.NewErr(structs.ErrUnavailable,
			"trigger queue at capacity %d", q.capacity).WithTrigger(e.TriggerID)
	}
	heap.Push(&q.heap, e)
	q.byID[e.TriggerID] = e
	return nil
}

// Pop removes and returns the earliest entry whose fire instant has
// arrived, or nil when nothing is due.
func (q *triggerQueue) Pop(now time.Time) *queueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 || q.heap[0].FireAt.After(now) {
		return nil
	}
	e := heap.Pop(&q.heap).(*queueEntry)
	delete(q.byID, e.TriggerID)
	return e
}

// Remove drops a queued fire for the trigger, if any. Used when a
// trigger is paused, disabled, or archived.
func (q *triggerQueue) Remove(triggerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byID[triggerID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, triggerID)
	return true
}

// Contains reports whether the trigger has a queued fire.
func (q *triggerQueue) Contains(triggerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byID[triggerID]
	return ok
}

func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// NeedsFill reports whether the queue has drained to its low-water
// mark and should be refilled from the store.
func (q *triggerQueue) NeedsFill() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap) <= q.lowWater
}

// Room returns how many entries fit before the capacity bound.
func (q *triggerQueue) Room() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity - len(q.heap)
}

// entryHeap orders entries by fire instant, breaking ties by priority
// descending and then trigger id for determinism.
type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].FireAt.Before(h[j].FireAt)
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].TriggerID < h[j].TriggerID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
