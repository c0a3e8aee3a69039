// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/hashicorp/go-bexpr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashicorp/pulse/pulse/structs"
)

// windowScanLimit bounds how many cron candidates are examined when a
// fire window filters the schedule. A daily cron scans at most a year
// before the window is declared unreachable.
const windowScanLimit = 370

// conditionCacheSize bounds the compiled condition expression cache.
const conditionCacheSize = 512

// Resolver computes clock-driven fire instants and evaluates the
// event, conditional, and dependency activation paths. It is stateless
// apart from a cache of compiled condition expressions and safe for
// concurrent use.
type Resolver struct {
	conditions *lru.Cache[string, *bexpr.Evaluator]
}

func NewResolver() *Resolver {
	cache, _ := lru.New[string, *bexpr.Evaluator](conditionCacheSize)
	return &Resolver{conditions: cache}
}

// NextFire computes the instant at which the trigger should fire after
// the fire being consumed. lastFire is that fire's instant, zero on
// initial activation. Event-activated kinds resolve to zero: they have
// no clock-driven fire.
//
// Fires missed while the trigger was paused or the scheduler was down
// collapse into a single immediate fire rather than replaying each
// missed instant.
func (r *Resolver) NextFire(t *structs.Trigger, lastFire, now time.Time) (time.Time, error) {
	switch t.Kind {
	case structs.TriggerKindTimeBased:
		return r.nextCron(t, now)
	case structs.TriggerKindInterval:
		return r.nextInterval(t, lastFire, now), nil
	default:
		return time.Time{}, nil
	}
}

// nextCron evaluates the cron expression in the trigger's timezone.
// Wall-clock instants that do not exist on a DST transition day
// normalize forward, and ambiguous instants resolve to the earlier
// offset, both following time.Date semantics in the loaded location.
func (r *Resolver) nextCron(t *structs.Trigger, now time.Time) (time.Time, error) {
	loc := time.UTC
	if t.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(t.Timezone)
		if err != nil {
			return time.Time{}, structs.NewErr(structs.ErrValidation,
				"invalid timezone %q: %v", t.Timezone, err).WithTrigger(t.ID)
		}
	}
	expr, err := cronexpr.Parse(t.CronExpression)
	if err != nil {
		return time.Time{}, structs.NewErr(structs.ErrValidation,
			"invalid cron expression %q: %v", t.CronExpression, err).WithTrigger(t.ID)
	}

	cand := expr.Next(now.In(loc))
	if t.WindowStart == "" {
		if cand.IsZero() {
			return time.Time{}, nil
		}
		return cand.UTC(), nil
	}

	startMin, err := structs.ParseWindowTime(t.WindowStart)
	if err != nil {
		return time.Time{}, structs.WrapErr(structs.ErrValidation, err, "bad window_start").WithTrigger(t.ID)
	}
	endMin, err := structs.ParseWindowTime(t.WindowEnd)
	if err != nil {
		return time.Time{}, structs.WrapErr(structs.ErrValidation, err, "bad window_end").WithTrigger(t.ID)
	}
	for i := 0; i < windowScanLimit && !cand.IsZero(); i++ {
		m := cand.Hour()*60 + cand.Minute()
		if m >= startMin && m <= endMin {
			return cand.UTC(), nil
		}
		cand = expr.Next(cand)
	}
	return time.Time{}, structs.NewErr(structs.ErrValidation,
		"cron %q never fires inside window %s-%s", t.CronExpression, t.WindowStart, t.WindowEnd).WithTrigger(t.ID)
}

func (r *Resolver) nextInterval(t *structs.Trigger, lastFire, now time.Time) time.Time {
	interval := time.Duration(t.IntervalSeconds) * time.Second
	base := lastFire
	if base.IsZero() {
		base = now
	}
	next := base.Add(interval)
	if next.Before(now) {
		next = now
	}
	return next.UTC()
}

// EventMatches reports whether an inbound event activates the trigger.
// Event and webhook triggers match on the event type; conditional
// triggers evaluate their expression against the event context.
func (r *Resolver) EventMatches(t *structs.Trigger, ev *structs.Event) (bool, error) {
	switch t.Kind {
	case structs.TriggerKindEvent, structs.TriggerKindWebhook:
		return t.MatchesEvent(ev.Type), nil
	case structs.TriggerKindConditional:
		return r.EvaluateCondition(t.ConditionExpression, EventContext(ev))
	default:
		return false, nil
	}
}

// EventContext shapes an event for condition evaluation. Expressions
// select against type, source, and the payload fields, for example
// `type == "deploy.finished" and payload.env == "prod"`.
func EventContext(ev *structs.Event) map[string]any {
	return map[string]any{
		"type":    ev.Type,
		"source":  ev.Source,
		"payload": ev.Payload,
	}
}

// EvaluateCondition evaluates a boolean selector expression against a
// context map. Compiled expressions are cached; an unparseable or
// mistyped expression is a VALIDATION error, never a match.
func (r *Resolver) EvaluateCondition(expr string, ctx map[string]any) (bool, error) {
	ev, ok := r.conditions.Get(expr)
	if !ok {
		var err error
		ev, err = bexpr.CreateEvaluator(expr)
		if err != nil {
			return false, structs.NewErr(structs.ErrValidation,
				"invalid condition expression %q: %v", expr, err)
		}
		r.conditions.Add(expr, ev)
	}
	match, err := ev.Evaluate(ctx)
	if err != nil {
		return false, structs.NewErr(structs.ErrValidation,
			"condition expression %q did not evaluate: %v", expr, err)
	}
	return match, nil
}

// DependencySatisfied evaluates a dependency trigger's predicate over
// the latest run of each upstream trigger. Upstreams that have never
// run satisfy nothing.
func (r *Resolver) DependencySatisfied(t *structs.Trigger, latest map[string]*structs.Run) bool {
	switch t.DependencyPredicate {
	case structs.DependencyAllSuccess:
		for _, dep := range t.DependencyTriggerIDs {
			run := latest[dep]
			if run == nil || run.Status != structs.RunStatusCompleted {
				return false
			}
		}
		return len(t.DependencyTriggerIDs) > 0
	case structs.DependencyAnySuccess:
		for _, dep := range t.DependencyTriggerIDs {
			if run := latest[dep]; run != nil && run.Status == structs.RunStatusCompleted {
				return true
			}
		}
		return false
	case structs.DependencyAllComplete:
		for _, dep := range t.DependencyTriggerIDs {
			run := latest[dep]
			if run == nil || !structs.RestRunStatus(run.Status) {
				return false
			}
		}
		return len(t.DependencyTriggerIDs) > 0
	default:
		return false
	}
}
