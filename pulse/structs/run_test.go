// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/shoenig/test/must"
)

func validRun() *Run {
	return &Run{
		ID:           uuid.Generate(),
		TriggerID:    uuid.Generate(),
		Status:       RunStatusPending,
		ScheduledFor: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		MaxRetries:   3,
	}
}

func TestValidRunTransition(t *testing.T) {
	ci.Parallel(t)

	ok := [][2]string{
		{RunStatusPending, RunStatusQueued},
		{RunStatusPending, RunStatusRunning},
		{RunStatusPending, RunStatusCancelled},
		{RunStatusQueued, RunStatusRunning},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusTimeout},
		{RunStatusRunning, RunStatusCancelled},
		{RunStatusRunning, RunStatusAborted},
		{RunStatusFailed, RunStatusRetrying},
		{RunStatusTimeout, RunStatusRetrying},
		{RunStatusRetrying, RunStatusPending},
		{RunStatusRetrying, RunStatusCancelled},
	}
	for _, tr := range ok {
		must.True(t, ValidRunTransition(tr[0], tr[1]),
			must.Sprintf("%s -> %s should be allowed", tr[0], tr[1]))
	}

	bad := [][2]string{
		{RunStatusFailed, RunStatusRunning},
		{RunStatusFailed, RunStatusCompleted},
		{RunStatusTimeout, RunStatusRunning},
		{RunStatusPending, RunStatusCompleted},
		{RunStatusQueued, RunStatusFailed},
	}
	for _, tr := range bad {
		must.False(t, ValidRunTransition(tr[0], tr[1]),
			must.Sprintf("%s -> %s should be rejected", tr[0], tr[1]))
	}
}

// TestRunTransitions_TerminalAbsorbing verifies terminal states have
// no outgoing edges to any status.
func TestRunTransitions_TerminalAbsorbing(t *testing.T) {
	ci.Parallel(t)

	all := []string{
		RunStatusPending, RunStatusQueued, RunStatusRunning,
		RunStatusCompleted, RunStatusFailed, RunStatusTimeout,
		RunStatusCancelled, RunStatusRetrying, RunStatusAborted,
	}
	terminal := []string{RunStatusCompleted, RunStatusAborted, RunStatusCancelled}

	for _, from := range terminal {
		must.True(t, TerminalRunStatus(from))
		for _, to := range all {
			must.False(t, ValidRunTransition(from, to),
				must.Sprintf("terminal %s must not transition to %s", from, to))
		}
	}

	for _, s := range []string{RunStatusFailed, RunStatusTimeout} {
		must.False(t, TerminalRunStatus(s))
		must.True(t, RestRunStatus(s))
	}
}

func TestRun_Validate(t *testing.T) {
	ci.Parallel(t)

	r := validRun()
	must.NoError(t, r.Validate())

	t.Run("bad ids", func(t *testing.T) {
		r := validRun()
		r.ID = "nope"
		must.Error(t, r.Validate())
	})

	t.Run("bad status", func(t *testing.T) {
		r := validRun()
		r.Status = "stalled"
		must.Error(t, r.Validate())
	})

	t.Run("ended before started", func(t *testing.T) {
		r := validRun()
		r.StartedAt = time.Date(2024, 3, 1, 12, 0, 10, 0, time.UTC)
		r.EndedAt = r.StartedAt.Add(-time.Second)
		must.Error(t, r.Validate())
	})

	t.Run("terminal attempt bound", func(t *testing.T) {
		r := validRun()
		r.Status = RunStatusCompleted
		r.Attempt = 4
		r.MaxRetries = 3
		must.Error(t, r.Validate())
	})
}

func TestRun_Copy(t *testing.T) {
	ci.Parallel(t)

	r := validRun()
	r.TaskParameters = map[string]any{"x": 1}
	r.Error = &RunError{Kind: ErrHandlerError, Message: "boom", Details: map[string]string{"code": "500"}}
	r.RetryHistory = []*RetryAttempt{{Attempt: 0, Reason: "boom", Delay: 10 * time.Second}}

	dup := r.Copy()
	dup.TaskParameters["x"] = 2
	dup.Error.Details["code"] = "503"
	dup.RetryHistory[0].Reason = "other"

	must.Eq(t, 1, r.TaskParameters["x"].(int))
	must.Eq(t, "500", r.Error.Details["code"])
	must.Eq(t, "boom", r.RetryHistory[0].Reason)
	must.Nil(t, (*Run)(nil).Copy())
}

func TestRun_Duration(t *testing.T) {
	ci.Parallel(t)

	r := validRun()
	must.Eq(t, time.Duration(0), r.Duration())

	r.StartedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r.EndedAt = r.StartedAt.Add(90 * time.Second)
	must.Eq(t, 90*time.Second, r.Duration())

	r.DurationSeconds = 2.5
	must.Eq(t, 2500*time.Millisecond, r.Duration())
}

func TestRun_RetriesExhausted(t *testing.T) {
	ci.Parallel(t)

	r := validRun()
	r.MaxRetries = 2

	r.Attempt = 1
	must.False(t, r.RetriesExhausted())
	r.Attempt = 2
	must.True(t, r.RetriesExhausted())
}

func TestRun_Stub(t *testing.T) {
	ci.Parallel(t)

	r := validRun()
	r.Error = &RunError{Kind: ErrTimeout, Message: "deadline"}
	stub := r.Stub()
	must.Eq(t, r.ID, stub.ID)
	must.Eq(t, ErrTimeout, stub.ErrorKind)
}
