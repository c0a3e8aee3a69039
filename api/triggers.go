// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Triggers is used to access trigger endpoints.
type Triggers struct {
	client *Client
}

// Triggers returns a handle on the trigger endpoints.
func (c *Client) Triggers() *Triggers {
	return &Triggers{client: c}
}

// TriggerCreateRequest is the wire shape for registering a trigger.
type TriggerCreateRequest struct {
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	TriggerConfig   *TriggerConfig       `json:"trigger_config"`
	ExecutionConfig *ExecutionConfig     `json:"execution_config"`
	RetryPolicy     *structs.RetryPolicy `json:"retry_policy,omitempty"`
	Tags            []string             `json:"tags,omitempty"`
	OrganizationID  string               `json:"organization_id,omitempty"`
}

// TriggerConfig describes when the trigger fires. Which fields apply
// depends on kind.
type TriggerConfig struct {
	Kind                 string   `json:"kind"`
	CronExpression       string   `json:"cron_expression,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	IntervalSeconds      int64    `json:"interval_seconds,omitempty"`
	EventTypes           []string `json:"event_types,omitempty"`
	DependencyTriggerIDs []string `json:"dependency_trigger_ids,omitempty"`
	DependencyPredicate  string   `json:"dependency_predicate,omitempty"`
	ConditionExpression  string   `json:"condition_expression,omitempty"`
	WindowStart          string   `json:"window_start,omitempty"`
	WindowEnd            string   `json:"window_end,omitempty"`
}

// ExecutionConfig describes what the trigger runs.
type ExecutionConfig struct {
	TaskType          string         `json:"task_type"`
	TaskConfig        map[string]any `json:"task_config,omitempty"`
	TaskParameters    map[string]any `json:"task_parameters,omitempty"`
	MaxExecSeconds    int64          `json:"max_exec_seconds,omitempty"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty"`
	Priority          int            `json:"priority,omitempty"`
}

// TriggerListResponse is one page of trigger stubs.
type TriggerListResponse struct {
	Triggers []*structs.TriggerListStub `json:"triggers"`
	Page     *structs.PageMeta          `json:"page"`
}

// RunListResponse is one page of run stubs.
type RunListResponse struct {
	Runs []*structs.RunListStub `json:"runs"`
	Page *structs.PageMeta      `json:"page"`
}

// TriggerExecuteResponse acknowledges a manual fire.
type TriggerExecuteResponse struct {
	TriggerID    string    `json:"trigger_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// List lists triggers, filtered and paged by the query options.
func (t *Triggers) List(q *QueryOptions) (*TriggerListResponse, error) {
	var resp TriggerListResponse
	if err := t.client.query("/v1/triggers", &resp, q); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Info fetches one trigger by id.
func (t *Triggers) Info(id string) (*structs.Trigger, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp structs.Trigger
	if err := t.client.query("/v1/triggers/"+url.PathEscape(id), &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Create registers a new trigger and returns the stored record.
func (t *Triggers) Create(req *TriggerCreateRequest) (*structs.Trigger, error) {
	if req == nil {
		return nil, errors.New("missing trigger create request")
	}
	var resp structs.Trigger
	if err := t.client.post("/v1/triggers", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Update applies a partial update. A non-zero casIndex makes the
// write conditional on the trigger's modify index.
func (t *Triggers) Update(id string, upd *structs.TriggerUpdate, casIndex uint64) (*structs.Trigger, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	if upd == nil {
		return nil, errors.New("missing trigger update")
	}
	var q *QueryOptions
	if casIndex != 0 {
		q = &QueryOptions{Params: map[string]string{"cas": strconv.FormatUint(casIndex, 10)}}
	}
	var resp structs.Trigger
	if err := t.client.put("/v1/triggers/"+url.PathEscape(id), upd, &resp, q); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Archive soft-deletes a trigger. Archived triggers stop firing but
// stay readable until the retention sweep removes them.
func (t *Triggers) Archive(id string) (*structs.Trigger, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp structs.Trigger
	if err := t.client.delete("/v1/triggers/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pause stops a trigger from firing until resumed.
func (t *Triggers) Pause(id string) (*structs.Trigger, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp structs.Trigger
	if err := t.client.post("/v1/triggers/"+url.PathEscape(id)+"/pause", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume reactivates a paused trigger.
func (t *Triggers) Resume(id string) (*structs.Trigger, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp structs.Trigger
	if err := t.client.post("/v1/triggers/"+url.PathEscape(id)+"/resume", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute fires the trigger immediately, outside its schedule.
func (t *Triggers) Execute(id string) (*TriggerExecuteResponse, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp TriggerExecuteResponse
	if err := t.client.post("/v1/triggers/"+url.PathEscape(id)+"/execute", nil, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History lists a trigger's runs, newest first.
func (t *Triggers) History(id string, q *QueryOptions) (*RunListResponse, error) {
	if id == "" {
		return nil, errors.New("missing trigger id")
	}
	var resp RunListResponse
	if err := t.client.query("/v1/triggers/"+url.PathEscape(id)+"/history", &resp, q); err != nil {
		return nil, err
	}
	return &resp, nil
}
