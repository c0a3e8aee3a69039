// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestTriggerQueue_Ordering(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTriggerQueue(16, 0)

	// Same instant, ordered by priority descending then id.
	must.NoError(t, q.Push(&queueEntry{TriggerID: "b-low", FireAt: now, Priority: 10}))
	must.NoError(t, q.Push(&queueEntry{TriggerID: "a-low", FireAt: now, Priority: 10}))
	must.NoError(t, q.Push(&queueEntry{TriggerID: "z-high", FireAt: now, Priority: 90}))
	// Earlier instant beats priority.
	must.NoError(t, q.Push(&queueEntry{TriggerID: "early", FireAt: now.Add(-time.Minute), Priority: 1}))

	var got []string
	for e := q.Pop(now); e != nil; e = q.Pop(now) {
		got = append(got, e.TriggerID)
	}
	must.Eq(t, []string{"early", "z-high", "a-low", "b-low"}, got)
	must.Zero(t, q.Len())
}

func TestTriggerQueue_PopHonorsFireInstant(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTriggerQueue(16, 0)
	must.NoError(t, q.Push(&queueEntry{TriggerID: "future", FireAt: now.Add(time.Second)}))

	must.Nil(t, q.Pop(now))
	must.Eq(t, 1, q.Len())

	e := q.Pop(now.Add(time.Second))
	must.NotNil(t, e)
	must.Eq(t, "future", e.TriggerID)
}

func TestTriggerQueue_DuplicateTrigger(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTriggerQueue(16, 0)
	id := uuid.Generate()

	must.NoError(t, q.Push(&queueEntry{TriggerID: id, FireAt: now}))

	// A later fire for the same trigger is absorbed.
	must.NoError(t, q.Push(&queueEntry{TriggerID: id, FireAt: now.Add(time.Hour)}))
	must.Eq(t, 1, q.Len())
	e := q.Pop(now)
	must.NotNil(t, e)
	must.Eq(t, now, e.FireAt)

	// An earlier fire replaces the queued one; a manual fire-now wins
	// over a scheduled fire this way.
	must.NoError(t, q.Push(&queueEntry{TriggerID: id, FireAt: now.Add(time.Hour), Source: fireSourceSchedule}))
	must.NoError(t, q.Push(&queueEntry{TriggerID: id, FireAt: now, Source: fireSourceManual, OneShot: true}))
	must.Eq(t, 1, q.Len())
	e = q.Pop(now)
	must.NotNil(t, e)
	must.Eq(t, fireSourceManual, e.Source)
	must.True(t, e.OneShot)
}

func TestTriggerQueue_Capacity(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTriggerQueue(3, 1)

	for i := 0; i < 3; i++ {
		must.NoError(t, q.Push(&queueEntry{TriggerID: fmt.Sprintf("t%d", i), FireAt: now}))
	}
	must.Zero(t, q.Room())

	err := q.Push(&queueEntry{TriggerID: "overflow", FireAt: now})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrUnavailable))

	// Absorbed duplicates do not count against capacity.
	must.NoError(t, q.Push(&queueEntry{TriggerID: "t0", FireAt: now.Add(time.Hour)}))

	must.False(t, q.NeedsFill())
	q.Pop(now)
	q.Pop(now)
	must.True(t, q.NeedsFill())
	must.Eq(t, 2, q.Room())
}

func TestTriggerQueue_Remove(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	q := newTriggerQueue(16, 0)
	must.NoError(t, q.Push(&queueEntry{TriggerID: "keep", FireAt: now}))
	must.NoError(t, q.Push(&queueEntry{TriggerID: "drop", FireAt: now.Add(-time.Minute)}))

	must.True(t, q.Contains("drop"))
	must.True(t, q.Remove("drop"))
	must.False(t, q.Contains("drop"))
	must.False(t, q.Remove("drop"))

	// The heap stays consistent after an interior removal.
	e := q.Pop(now)
	must.NotNil(t, e)
	must.Eq(t, "keep", e.TriggerID)
	must.Nil(t, q.Pop(now))
}
