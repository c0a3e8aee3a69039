// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-set/v3"
)

const (
	TriggerKindTimeBased   = "time_based"
	TriggerKindInterval    = "interval"
	TriggerKindEvent       = "event"
	TriggerKindDependency  = "dependency"
	TriggerKindManual      = "manual"
	TriggerKindConditional = "conditional"
	TriggerKindWebhook     = "webhook"
)

const (
	TriggerStatusActive   = "active"
	TriggerStatusPaused   = "paused"
	TriggerStatusDisabled = "disabled"
	TriggerStatusArchived = "archived"
)

const (
	DependencyAllSuccess  = "all_success"
	DependencyAnySuccess  = "any_success"
	DependencyAllComplete = "all_complete"
)

const (
	// DefaultTriggerPriority is assigned when a trigger does not name
	// one. Priorities order triggers that share a fire instant.
	DefaultTriggerPriority = 50

	// TriggerMinPriority and TriggerMaxPriority bound the accepted
	// priority range.
	TriggerMinPriority = 1
	TriggerMaxPriority = 100

	// DefaultMaxExecSeconds bounds a handler execution when the
	// trigger does not set its own limit.
	DefaultMaxExecSeconds = 300

	// DefaultMaxConcurrentRuns is the per-trigger concurrency limit
	// applied when unset.
	DefaultMaxConcurrentRuns = 1
)

// TriggerKinds enumerates every accepted trigger kind.
var TriggerKinds = set.From([]string{
	TriggerKindTimeBased,
	TriggerKindInterval,
	TriggerKindEvent,
	TriggerKindDependency,
	TriggerKindManual,
	TriggerKindConditional,
	TriggerKindWebhook,
})

var dependencyPredicates = set.From([]string{
	DependencyAllSuccess,
	DependencyAnySuccess,
	DependencyAllComplete,
})

// Trigger is a persisted definition of when and how to run a task.
type Trigger struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`

	// Scheduling inputs. Which fields apply depends on Kind.
	CronExpression       string   `json:"cron_expression,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	IntervalSeconds      int64    `json:"interval_seconds,omitempty"`
	EventTypes           []string `json:"event_types,omitempty"`
	DependencyTriggerIDs []string `json:"dependency_trigger_ids,omitempty"`
	DependencyPredicate  string   `json:"dependency_predicate,omitempty"`
	ConditionExpression  string   `json:"condition_expression,omitempty"`

	// Optional per-day fire window in HH:MM, interpreted in Timezone.
	WindowStart string `json:"window_start,omitempty"`
	WindowEnd   string `json:"window_end,omitempty"`

	// Execution description.
	TaskType       string         `json:"task_type"`
	TaskConfig     map[string]any `json:"task_config,omitempty"`
	TaskParameters map[string]any `json:"task_parameters,omitempty"`

	// Limits.
	MaxConcurrentRuns int   `json:"max_concurrent_runs"`
	CurrentRuns       int   `json:"current_runs"`
	MaxExecSeconds    int64 `json:"max_exec_seconds"`

	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`

	// Priority orders triggers sharing a fire instant, higher first.
	Priority int `json:"priority"`

	// Scheduling state. NextFireAt is zero for kinds activated by
	// inbound events rather than the clock.
	NextFireAt time.Time `json:"next_fire_at,omitzero"`
	LastFireAt time.Time `json:"last_fire_at,omitzero"`

	// Rolling stats maintained as runs conclude.
	TotalRuns      int64   `json:"total_runs"`
	SuccessRuns    int64   `json:"success_runs"`
	FailureRuns    int64   `json:"failure_runs"`
	AvgExecSeconds float64 `json:"avg_exec_seconds"`

	// Ownership.
	OrganizationID string   `json:"organization_id"`
	CreatedBy      string   `json:"created_by,omitempty"`
	Tags           []string `json:"tags,omitempty"`

	CreateTime time.Time `json:"create_time,omitzero"`
	ModifyTime time.Time `json:"modify_time,omitzero"`
	ArchivedAt time.Time `json:"archived_at,omitzero"`

	// CreateIndex and ModifyIndex guard concurrent updates. Every
	// mutation bumps ModifyIndex; compare-and-swap writers name the
	// index they read.
	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (t *Trigger) Copy() *Trigger {
	if t == nil {
		return nil
	}
	nt := new(Trigger)
	*nt = *t
	nt.EventTypes = slices.Clone(t.EventTypes)
	nt.DependencyTriggerIDs = slices.Clone(t.DependencyTriggerIDs)
	nt.Tags = slices.Clone(t.Tags)
	nt.TaskConfig = CopyMapAny(t.TaskConfig)
	nt.TaskParameters = CopyMapAny(t.TaskParameters)
	nt.RetryPolicy = t.RetryPolicy.Copy()
	return nt
}

// Canonicalize fills defaults. Called before Validate on create.
func (t *Trigger) Canonicalize() {
	if t.Status == "" {
		t.Status = TriggerStatusActive
	}
	if t.Priority == 0 {
		t.Priority = DefaultTriggerPriority
	}
	if t.MaxConcurrentRuns == 0 {
		t.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if t.MaxExecSeconds == 0 {
		t.MaxExecSeconds = DefaultMaxExecSeconds
	}
	if t.Kind == TriggerKindTimeBased && t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if t.OrganizationID == "" {
		t.OrganizationID = DefaultOrganization
	}
	if t.RetryPolicy != nil {
		t.RetryPolicy.Canonicalize()
	}
}

func (t *Trigger) Validate() error {
	var mErr multierror.Error

	if t.Name == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing trigger name"))
	}
	if !TriggerKinds.Contains(t.Kind) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid trigger kind %q", t.Kind))
	}
	switch t.Status {
	case TriggerStatusActive, TriggerStatusPaused, TriggerStatusDisabled, TriggerStatusArchived:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid trigger status %q", t.Status))
	}
	if t.TaskType == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing task_type"))
	}
	if t.MaxConcurrentRuns < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_concurrent_runs must be >= 1, got %d", t.MaxConcurrentRuns))
	}
	if t.CurrentRuns < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("current_runs must be >= 0, got %d", t.CurrentRuns))
	}
	if t.MaxExecSeconds < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_exec_seconds must be >= 1, got %d", t.MaxExecSeconds))
	}
	if t.Priority < TriggerMinPriority || t.Priority > TriggerMaxPriority {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("priority must be in [%d, %d], got %d",
			TriggerMinPriority, TriggerMaxPriority, t.Priority))
	}
	if t.RetryPolicy != nil {
		if err := t.RetryPolicy.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}

	t.validateKind(&mErr)
	t.validateWindow(&mErr)

	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "trigger validation failed").WithTrigger(t.ID)
	}
	return nil
}

func (t *Trigger) validateKind(mErr *multierror.Error) {
	switch t.Kind {
	case TriggerKindTimeBased:
		if t.CronExpression == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("time_based trigger requires cron_expression"))
			return
		}
		if n := len(strings.Fields(t.CronExpression)); n != 5 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("cron_expression must have exactly 5 fields, got %d", n))
			return
		}
		if _, err := cronexpr.Parse(t.CronExpression); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid cron_expression: %v", err))
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid timezone %q: %v", t.Timezone, err))
			}
		}
	case TriggerKindInterval:
		if t.IntervalSeconds < 1 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("interval trigger requires interval_seconds >= 1, got %d", t.IntervalSeconds))
		}
	case TriggerKindEvent, TriggerKindWebhook:
		if len(t.EventTypes) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s trigger requires event_types", t.Kind))
		}
	case TriggerKindDependency:
		if len(t.DependencyTriggerIDs) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("dependency trigger requires dependency_trigger_ids"))
		}
		for _, id := range t.DependencyTriggerIDs {
			if !ValidUUID(id) {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("dependency trigger id %q is not a UUID", id))
			}
		}
		if !dependencyPredicates.Contains(t.DependencyPredicate) {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid dependency_predicate %q", t.DependencyPredicate))
		}
	case TriggerKindConditional:
		if t.ConditionExpression == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("conditional trigger requires condition_expression"))
		}
	}
}

func (t *Trigger) validateWindow(mErr *multierror.Error) {
	if t.WindowStart == "" && t.WindowEnd == "" {
		return
	}
	if t.WindowStart == "" || t.WindowEnd == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("window_start and window_end must be set together"))
		return
	}
	start, err := ParseWindowTime(t.WindowStart)
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
		return
	}
	end, err := ParseWindowTime(t.WindowEnd)
	if err != nil {
		mErr.Errors = append(mErr.Errors, err)
		return
	}
	if start >= end {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("window_start %q must be before window_end %q", t.WindowStart, t.WindowEnd))
	}
}

// ValidTriggerTransition reports whether a trigger may move between
// two statuses. Archived is terminal; active and paused flip freely;
// any live status may be disabled or archived.
func ValidTriggerTransition(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case TriggerStatusActive:
		return to == TriggerStatusPaused || to == TriggerStatusDisabled || to == TriggerStatusArchived
	case TriggerStatusPaused:
		return to == TriggerStatusActive || to == TriggerStatusDisabled || to == TriggerStatusArchived
	case TriggerStatusDisabled:
		return to == TriggerStatusArchived
	default:
		return false
	}
}

// Schedulable reports whether the trigger may fire at all.
func (t *Trigger) Schedulable() bool {
	return t.Status == TriggerStatusActive
}

// AtCapacity reports whether the trigger has reached its concurrent
// run limit.
func (t *Trigger) AtCapacity() bool {
	return t.CurrentRuns >= t.MaxConcurrentRuns
}

// ClockDriven reports whether the trigger's fires are computed from
// the clock rather than from inbound events.
func (t *Trigger) ClockDriven() bool {
	return t.Kind == TriggerKindTimeBased || t.Kind == TriggerKindInterval
}

// MatchesEvent reports whether an inbound event type activates this
// trigger.
func (t *Trigger) MatchesEvent(eventType string) bool {
	if t.Kind != TriggerKindEvent && t.Kind != TriggerKindWebhook {
		return false
	}
	return set.From(t.EventTypes).Contains(eventType)
}

// MaxExecTimeout returns the handler execution bound as a duration.
func (t *Trigger) MaxExecTimeout() time.Duration {
	return time.Duration(t.MaxExecSeconds) * time.Second
}

// EffectiveRetryPolicy returns the trigger's retry policy, or fallback
// when the trigger does not carry its own.
func (t *Trigger) EffectiveRetryPolicy(fallback *RetryPolicy) *RetryPolicy {
	if t.RetryPolicy != nil {
		return t.RetryPolicy
	}
	return fallback
}

// TriggerListStub is the trimmed form returned by list endpoints.
type TriggerListStub struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	TaskType    string    `json:"task_type"`
	Priority    int       `json:"priority"`
	NextFireAt  time.Time `json:"next_fire_at,omitzero"`
	LastFireAt  time.Time `json:"last_fire_at,omitzero"`
	TotalRuns   int64     `json:"total_runs"`
	SuccessRuns int64     `json:"success_runs"`
	FailureRuns int64     `json:"failure_runs"`
	ModifyIndex uint64    `json:"modify_index"`
}

func (t *Trigger) Stub() *TriggerListStub {
	return &TriggerListStub{
		ID:          t.ID,
		Name:        t.Name,
		Kind:        t.Kind,
		Status:      t.Status,
		TaskType:    t.TaskType,
		Priority:    t.Priority,
		NextFireAt:  t.NextFireAt,
		LastFireAt:  t.LastFireAt,
		TotalRuns:   t.TotalRuns,
		SuccessRuns: t.SuccessRuns,
		FailureRuns: t.FailureRuns,
		ModifyIndex: t.ModifyIndex,
	}
}

// TriggerUpdate is a partial administrative update. Nil fields are
// left untouched. Scheduling inputs are deliberately excluded; a
// reschedule is expressed by archiving and recreating the trigger.
type TriggerUpdate struct {
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Status         *string        `json:"status,omitempty"`
	TaskParameters map[string]any `json:"task_parameters,omitempty"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Tags           *[]string      `json:"tags,omitempty"`

	MaxConcurrentRuns *int   `json:"max_concurrent_runs,omitempty"`
	MaxExecSeconds    *int64 `json:"max_exec_seconds,omitempty"`
}

// Apply copies the set fields onto t, returning a VALIDATION or
// CONFLICT error when a field is not updatable.
func (u *TriggerUpdate) Apply(t *Trigger) error {
	if u.Status != nil && *u.Status != t.Status {
		if !ValidTriggerTransition(t.Status, *u.Status) {
			return NewErr(ErrConflict, "cannot transition trigger from %q to %q", t.Status, *u.Status).WithTrigger(t.ID)
		}
		t.Status = *u.Status
	}
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.TaskParameters != nil {
		t.TaskParameters = CopyMapAny(u.TaskParameters)
	}
	if u.RetryPolicy != nil {
		rp := u.RetryPolicy.Copy()
		rp.Canonicalize()
		t.RetryPolicy = rp
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if u.Tags != nil {
		t.Tags = slices.Clone(*u.Tags)
	}
	if u.MaxConcurrentRuns != nil {
		t.MaxConcurrentRuns = *u.MaxConcurrentRuns
	}
	if u.MaxExecSeconds != nil {
		t.MaxExecSeconds = *u.MaxExecSeconds
	}
	return nil
}

// RetryPolicy controls how failed runs are rescheduled.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	BaseDelaySeconds  int64   `json:"base_delay_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// MaxDelaySeconds caps the computed delay before jitter. Zero
	// means uncapped.
	MaxDelaySeconds int64 `json:"max_delay_seconds,omitempty"`
}

func (r *RetryPolicy) Copy() *RetryPolicy {
	if r == nil {
		return nil
	}
	nr := new(RetryPolicy)
	*nr = *r
	return nr
}

func (r *RetryPolicy) Canonicalize() {
	if r.BaseDelaySeconds == 0 {
		r.BaseDelaySeconds = 1
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 1.0
	}
}

func (r *RetryPolicy) Validate() error {
	var mErr multierror.Error
	if r.MaxRetries < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_retries must be >= 0, got %d", r.MaxRetries))
	}
	if r.BaseDelaySeconds < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("base_delay_seconds must be >= 1, got %d", r.BaseDelaySeconds))
	}
	if r.BackoffMultiplier < 1.0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("backoff_multiplier must be >= 1.0, got %v", r.BackoffMultiplier))
	}
	if r.MaxDelaySeconds < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_delay_seconds must be >= 0, got %d", r.MaxDelaySeconds))
	}
	return mErr.ErrorOrNil()
}

// DelayFor computes the backoff before the retry following the given
// zero-indexed attempt: min(max_delay, base * multiplier^attempt)
// jittered by a factor in [0.8, 1.2]. The cap applies before jitter.
func (r *RetryPolicy) DelayFor(attempt int) time.Duration {
	delay := float64(r.BaseDelaySeconds)
	for i := 0; i < attempt; i++ {
		delay *= r.BackoffMultiplier
	}
	if r.MaxDelaySeconds > 0 && delay > float64(r.MaxDelaySeconds) {
		delay = float64(r.MaxDelaySeconds)
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(delay * jitter * float64(time.Second))
}
