// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"slices"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	RunStatusPending   = "pending"
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusTimeout   = "timeout"
	RunStatusCancelled = "cancelled"
	RunStatusRetrying  = "retrying"
	RunStatusAborted   = "aborted"
)

// runTransitions is the per-run status graph. Terminal states are
// absorbing and have no outgoing edges. Failed and timeout are rest
// states that only a retry may leave.
var runTransitions = map[string][]string{
	RunStatusPending:  {RunStatusQueued, RunStatusRunning, RunStatusCancelled},
	RunStatusQueued:   {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning:  {RunStatusCompleted, RunStatusFailed, RunStatusTimeout, RunStatusCancelled, RunStatusAborted},
	RunStatusFailed:   {RunStatusRetrying},
	RunStatusTimeout:  {RunStatusRetrying},
	RunStatusRetrying: {RunStatusPending, RunStatusCancelled},
}

// ValidRunTransition reports whether a run may move between two
// statuses.
func ValidRunTransition(from, to string) bool {
	return slices.Contains(runTransitions[from], to)
}

// TerminalRunStatus reports whether the status is absorbing. Failed
// and timeout are deliberately excluded: a run at either may still be
// retried.
func TerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusAborted, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RestRunStatus reports whether the run has stopped executing, either
// terminally or awaiting a retry decision.
func RestRunStatus(status string) bool {
	return TerminalRunStatus(status) || status == RunStatusFailed || status == RunStatusTimeout
}

// RunError is the structured failure recorded on a run. Stack is only
// populated for aborts and never surfaced over HTTP.
type RunError struct {
	Kind    ErrKind           `json:"kind"`
	Message string            `json:"message"`
	Stack   string            `json:"-"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *RunError) Copy() *RunError {
	if e == nil {
		return nil
	}
	ne := new(RunError)
	*ne = *e
	if e.Details != nil {
		ne.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			ne.Details[k] = v
		}
	}
	return ne
}

// RetryAttempt is one append-only row of a run's retry history,
// recorded when the retry is scheduled.
type RetryAttempt struct {
	// Attempt is the zero-indexed attempt that failed.
	Attempt      int           `json:"attempt"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	Reason       string        `json:"reason"`
	Delay        time.Duration `json:"delay"`
}

// Run is a single attempt lifecycle of the task described by a
// trigger. A run record is reused across retries: the attempt counter
// advances and the retry history grows, the id stays stable.
type Run struct {
	ID        string `json:"id"`
	TriggerID string `json:"trigger_id"`
	Status    string `json:"status"`

	ScheduledFor time.Time `json:"scheduled_for"`
	QueuedAt     time.Time `json:"queued_at,omitzero"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	EndedAt      time.Time `json:"ended_at,omitzero"`

	// DurationSeconds is ended - started, recorded at completion.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`

	// TaskParameters is the input snapshot taken at dispatch.
	TaskParameters map[string]any `json:"task_parameters,omitempty"`
	ResultData     map[string]any `json:"result_data,omitempty"`
	Error          *RunError      `json:"error,omitempty"`

	Attempt      int             `json:"attempt"`
	MaxRetries   int             `json:"max_retries"`
	NextRetryAt  time.Time       `json:"next_retry_at,omitzero"`
	RetryHistory []*RetryAttempt `json:"retry_history,omitempty"`

	// LeaseID names the lease guarding this run while it executes.
	LeaseID string `json:"lease_id,omitempty"`

	OrganizationID string `json:"organization_id"`

	// TriggeredBy records the identity behind a manual fire.
	TriggeredBy string `json:"triggered_by,omitempty"`

	CreateTime time.Time `json:"create_time,omitzero"`
	ModifyTime time.Time `json:"modify_time,omitzero"`

	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (r *Run) Copy() *Run {
	if r == nil {
		return nil
	}
	nr := new(Run)
	*nr = *r
	nr.TaskParameters = CopyMapAny(r.TaskParameters)
	nr.ResultData = CopyMapAny(r.ResultData)
	nr.Error = r.Error.Copy()
	if r.RetryHistory != nil {
		nr.RetryHistory = make([]*RetryAttempt, len(r.RetryHistory))
		for i, h := range r.RetryHistory {
			nh := *h
			nr.RetryHistory[i] = &nh
		}
	}
	return nr
}

func (r *Run) Canonicalize() {
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	if r.OrganizationID == "" {
		r.OrganizationID = DefaultOrganization
	}
}

func (r *Run) Validate() error {
	var mErr multierror.Error
	if !ValidUUID(r.ID) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("run id %q is not a UUID", r.ID))
	}
	if !ValidUUID(r.TriggerID) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("trigger id %q is not a UUID", r.TriggerID))
	}
	if _, ok := runTransitions[r.Status]; !ok && !TerminalRunStatus(r.Status) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid run status %q", r.Status))
	}
	if r.ScheduledFor.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing scheduled_for"))
	}
	if r.Attempt < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("attempt must be >= 0, got %d", r.Attempt))
	}
	if r.MaxRetries < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_retries must be >= 0, got %d", r.MaxRetries))
	}
	if !r.EndedAt.IsZero() && !r.StartedAt.IsZero() && r.EndedAt.Before(r.StartedAt) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("ended_at precedes started_at"))
	}
	if TerminalRunStatus(r.Status) && r.Attempt > r.MaxRetries {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("terminal run attempt %d exceeds max_retries %d", r.Attempt, r.MaxRetries))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "run validation failed").WithRun(r.ID)
	}
	return nil
}

// Terminal reports whether the run reached an absorbing state.
func (r *Run) Terminal() bool {
	return TerminalRunStatus(r.Status)
}

// RetriesExhausted reports whether the retry policy allows another
// attempt after a failure of the current attempt.
func (r *Run) RetriesExhausted() bool {
	return r.Attempt >= r.MaxRetries
}

// Duration returns the recorded execution time, or the span between
// the timestamps when the seconds field was not yet persisted.
func (r *Run) Duration() time.Duration {
	if r.DurationSeconds > 0 {
		return time.Duration(r.DurationSeconds * float64(time.Second))
	}
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunListStub is the trimmed run form returned by history endpoints.
type RunListStub struct {
	ID              string    `json:"id"`
	TriggerID       string    `json:"trigger_id"`
	Status          string    `json:"status"`
	ScheduledFor    time.Time `json:"scheduled_for"`
	StartedAt       time.Time `json:"started_at,omitzero"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	WorkerID        string    `json:"worker_id,omitempty"`
	Attempt         int       `json:"attempt"`
	ErrorKind       ErrKind   `json:"error_kind,omitempty"`
	ModifyIndex     uint64    `json:"modify_index"`
}

func (r *Run) Stub() *RunListStub {
	stub := &RunListStub{
		ID:              r.ID,
		TriggerID:       r.TriggerID,
		Status:          r.Status,
		ScheduledFor:    r.ScheduledFor,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
		WorkerID:        r.WorkerID,
		Attempt:         r.Attempt,
		ModifyIndex:     r.ModifyIndex,
	}
	if r.Error != nil {
		stub.ErrorKind = r.Error.Kind
	}
	return stub
}
