// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

// CreateTrigger validates and persists a new trigger, computing the
// first fire instant for clock-driven kinds. The returned trigger
// carries the assigned id and indexes.
func (o *Orchestrator) CreateTrigger(t *structs.Trigger) (*structs.Trigger, error) {
	if t == nil {
		return nil, structs.NewErr(structs.ErrValidation, "trigger is required")
	}
	t = t.Copy()
	if t.ID == "" {
		t.ID = uuid.Generate()
	}
	t.Canonicalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if t.ClockDriven() && t.NextFireAt.IsZero() {
		next, err := o.resolver.NextFire(t, time.Time{}, o.now())
		if err != nil {
			return nil, err
		}
		t.NextFireAt = next
	}

	if err := o.state.CreateTrigger(t); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"pulse", "trigger", "created"}, 1)
	o.logger.Info("trigger created", "trigger_id", t.ID, "name", t.Name,
		"kind", t.Kind, "task_type", t.TaskType, "next_fire_at", t.NextFireAt)
	return t, nil
}

// UpdateTrigger applies a partial update. Scheduling inputs are fixed
// at creation; status changes follow the transition graph. A zero
// casIndex checks against the index read here, so concurrent updates
// still conflict rather than silently losing writes.
func (o *Orchestrator) UpdateTrigger(id string, upd *structs.TriggerUpdate, casIndex uint64) (*structs.Trigger, error) {
	if upd == nil {
		return nil, structs.NewErr(structs.ErrValidation, "trigger update is required")
	}
	existing, err := o.state.TriggerByID(nil, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}

	t := existing.Copy()
	if err := upd.Apply(t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	// A resumed clock-driven trigger fires next at its earliest
	// upcoming occurrence; instants missed while paused collapse.
	if !existing.Schedulable() && t.Schedulable() && t.ClockDriven() {
		next, err := o.resolver.NextFire(t, t.LastFireAt, o.now())
		if err != nil {
			return nil, err
		}
		t.NextFireAt = next
	}

	if casIndex == 0 {
		casIndex = existing.ModifyIndex
	}
	if err := o.state.UpdateTrigger(t, casIndex); err != nil {
		return nil, err
	}

	if existing.Schedulable() && !t.Schedulable() {
		o.queue.Remove(t.ID)
	}
	o.logger.Info("trigger updated", "trigger_id", t.ID, "status", t.Status)
	return t, nil
}

// PauseTrigger stops a trigger from firing while keeping its schedule
// definition. In-flight runs finish; pending retries hold until
// resume.
func (o *Orchestrator) PauseTrigger(id string) (*structs.Trigger, error) {
	return o.UpdateTrigger(id, &structs.TriggerUpdate{
		Status: pointer.Of(structs.TriggerStatusPaused),
	}, 0)
}

// ResumeTrigger reactivates a paused trigger.
func (o *Orchestrator) ResumeTrigger(id string) (*structs.Trigger, error) {
	return o.UpdateTrigger(id, &structs.TriggerUpdate{
		Status: pointer.Of(structs.TriggerStatusActive),
	}, 0)
}

// ArchiveTrigger retires a trigger permanently. Runs already executing
// finish and record their outcome; queued fires and pending retries
// are cancelled as they surface.
func (o *Orchestrator) ArchiveTrigger(id string) (*structs.Trigger, error) {
	if err := o.state.ArchiveTrigger(id); err != nil {
		return nil, err
	}
	o.queue.Remove(id)

	t, err := o.state.TriggerByID(nil, id)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"pulse", "trigger", "archived"}, 1)
	o.logger.Info("trigger archived", "trigger_id", id)
	return t, nil
}

// FireNow enqueues an immediate one-shot fire outside the trigger's
// schedule. Paused triggers accept manual fires, archived and disabled
// ones do not. The fire still respects the trigger's concurrency limit
// and dispatch lease, so it may run shortly after the returned
// instant.
func (o *Orchestrator) FireNow(id, requestedBy string) (time.Time, error) {
	t, err := o.state.TriggerByID(nil, id)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	switch t.Status {
	case structs.TriggerStatusActive, structs.TriggerStatusPaused:
	default:
		return time.Time{}, structs.NewErr(structs.ErrConflict,
			"cannot fire trigger in status %q", t.Status).WithTrigger(id)
	}

	now := o.now()
	e := &queueEntry{
		TriggerID:   t.ID,
		FireAt:      now,
		Priority:    t.Priority,
		OneShot:     true,
		Source:      fireSourceManual,
		RequestedBy: requestedBy,
	}
	if err := o.queue.Push(e); err != nil {
		return time.Time{}, err
	}
	metrics.IncrCounter([]string{"pulse", "trigger", "manual_fire"}, 1)
	o.logger.Info("manual fire enqueued", "trigger_id", t.ID, "requested_by", requestedBy)
	return now, nil
}

// SubmitEvent fans an event out to matching event and conditional
// triggers, enqueueing a one-shot fire per match. It returns how many
// triggers the event activated. Triggers whose condition expression
// fails to evaluate are skipped, not failed.
func (o *Orchestrator) SubmitEvent(ev *structs.Event) (int, error) {
	if ev == nil {
		return 0, structs.NewErr(structs.ErrValidation, "event is required")
	}
	ev = &structs.Event{
		ID:         ev.ID,
		Type:       ev.Type,
		Source:     ev.Source,
		Payload:    structs.CopyMapAny(ev.Payload),
		OccurredAt: ev.OccurredAt,
	}
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	if ev.ID == "" {
		ev.ID = uuid.Generate()
	}
	now := o.now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	matched := 0
	for _, kind := range []string{structs.TriggerKindEvent, structs.TriggerKindConditional} {
		iter, err := o.state.TriggersByKind(nil, kind)
		if err != nil {
			return matched, err
		}
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			t := raw.(*structs.Trigger)
			if !t.Schedulable() {
				continue
			}
			ok, err := o.resolver.EventMatches(t, ev)
			if err != nil {
				o.logger.Warn("event match evaluation failed", "trigger_id", t.ID,
					"event_type", ev.Type, "error", err)
				continue
			}
			if !ok {
				continue
			}
			e := &queueEntry{
				TriggerID: t.ID,
				FireAt:    now,
				Priority:  t.Priority,
				OneShot:   true,
				Source:    fireSourceEvent,
				Event:     ev,
			}
			if err := o.queue.Push(e); err != nil {
				o.logger.Warn("dropping event fire, queue full",
					"trigger_id", t.ID, "event_type", ev.Type)
				continue
			}
			matched++
		}
	}

	metrics.IncrCounterWithLabels([]string{"pulse", "event", "received"}, 1,
		[]metrics.Label{{Name: "type", Value: ev.Type}})
	o.logger.Debug("event submitted", "event_id", ev.ID, "event_type", ev.Type,
		"matched", matched)
	return matched, nil
}

// FireWebhook enqueues a one-shot fire for a single webhook trigger.
// When the inbound payload does not name an event type, the trigger's
// first accepted type stands in.
func (o *Orchestrator) FireWebhook(id string, ev *structs.Event) (time.Time, error) {
	t, err := o.state.TriggerByID(nil, id)
	if err != nil {
		return time.Time{}, err
	}
	if t == nil {
		return time.Time{}, structs.NewErr(structs.ErrNotFound, "trigger %s not found", id).WithTrigger(id)
	}
	if t.Kind != structs.TriggerKindWebhook {
		return time.Time{}, structs.NewErr(structs.ErrValidation,
			"trigger %s is %s, not %s", id, t.Kind, structs.TriggerKindWebhook).WithTrigger(id)
	}
	if !t.Schedulable() {
		return time.Time{}, structs.NewErr(structs.ErrConflict,
			"cannot fire trigger in status %q", t.Status).WithTrigger(id)
	}

	if ev == nil {
		ev = &structs.Event{}
	} else {
		ev = &structs.Event{
			ID:         ev.ID,
			Type:       ev.Type,
			Source:     ev.Source,
			Payload:    structs.CopyMapAny(ev.Payload),
			OccurredAt: ev.OccurredAt,
		}
	}
	if ev.Type == "" && len(t.EventTypes) > 0 {
		ev.Type = t.EventTypes[0]
	}
	if !t.MatchesEvent(ev.Type) {
		return time.Time{}, structs.NewErr(structs.ErrValidation,
			"webhook trigger %s does not accept event type %q", id, ev.Type).WithTrigger(id)
	}
	if ev.ID == "" {
		ev.ID = uuid.Generate()
	}
	now := o.now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}

	e := &queueEntry{
		TriggerID: t.ID,
		FireAt:    now,
		Priority:  t.Priority,
		OneShot:   true,
		Source:    fireSourceWebhook,
		Event:     ev,
	}
	if err := o.queue.Push(e); err != nil {
		return time.Time{}, err
	}
	metrics.IncrCounter([]string{"pulse", "trigger", "webhook_fire"}, 1)
	o.logger.Debug("webhook fire enqueued", "trigger_id", t.ID, "event_type", ev.Type)
	return now, nil
}
