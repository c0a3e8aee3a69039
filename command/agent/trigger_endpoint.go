// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// TriggerCreateRequest is the wire shape for creating a trigger. The
// nested blocks are flattened onto the core Trigger record.
type TriggerCreateRequest struct {
	Name            string                  `json:"name"`
	Description     string                  `json:"description,omitempty"`
	TriggerConfig   *TriggerConfigPayload   `json:"trigger_config"`
	ExecutionConfig *ExecutionConfigPayload `json:"execution_config"`
	RetryPolicy     *structs.RetryPolicy    `json:"retry_policy,omitempty"`
	Tags            []string                `json:"tags,omitempty"`
	OrganizationID  string                  `json:"organization_id,omitempty"`
}

// TriggerConfigPayload describes when the trigger fires. Which fields
// apply depends on kind.
type TriggerConfigPayload struct {
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

// ExecutionConfigPayload describes what the trigger runs.
type ExecutionConfigPayload struct {
	TaskType          string         `json:"task_type"`
	TaskConfig        map[string]any `json:"task_config,omitempty"`
	TaskParameters    map[string]any `json:"task_parameters,omitempty"`
	MaxExecSeconds    int64          `json:"max_exec_seconds,omitempty"`
	MaxConcurrentRuns int            `json:"max_concurrent_runs,omitempty"`
	Priority          int            `json:"priority,omitempty"`
}

// Trigger flattens the request into a core record. Validation is the
// core's job; this only maps fields and stamps the caller identity.
func (r *TriggerCreateRequest) Trigger(identity string) *structs.Trigger {
	t := &structs.Trigger{
		Name:           r.Name,
		Description:    r.Description,
		Tags:           r.Tags,
		OrganizationID: r.OrganizationID,
		CreatedBy:      identity,
	}
	if tc := r.TriggerConfig; tc != nil {
		t.Kind = tc.Kind
		t.CronExpression = tc.CronExpression
		t.Timezone = tc.Timezone
		t.IntervalSeconds = tc.IntervalSeconds
		t.EventTypes = tc.EventTypes
		t.DependencyTriggerIDs = tc.DependencyTriggerIDs
		t.DependencyPredicate = tc.DependencyPredicate
		t.ConditionExpression = tc.ConditionExpression
		t.WindowStart = tc.WindowStart
		t.WindowEnd = tc.WindowEnd
	}
	if ec := r.ExecutionConfig; ec != nil {
		t.TaskType = ec.TaskType
		t.TaskConfig = ec.TaskConfig
		t.TaskParameters = ec.TaskParameters
		t.MaxExecSeconds = ec.MaxExecSeconds
		t.MaxConcurrentRuns = ec.MaxConcurrentRuns
		t.Priority = ec.Priority
	}
	if r.RetryPolicy != nil {
		t.RetryPolicy = r.RetryPolicy.Copy()
	}
	return t
}

// TriggerListResponse is one page of trigger stubs.
type TriggerListResponse struct {
	Triggers []*structs.TriggerListStub `json:"triggers"`
	Page     *structs.PageMeta          `json:"page"`
}

// RunListResponse is one page of run stubs for a trigger's history.
type RunListResponse struct {
	Runs []*structs.RunListStub `json:"runs"`
	Page *structs.PageMeta      `json:"page"`
}

// TriggerExecuteResponse acknowledges a manual fire.
type TriggerExecuteResponse struct {
	TriggerID    string    `json:"trigger_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (s *HTTPServer) TriggersRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	identity, err := s.authenticate(req)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case http.MethodGet:
		return s.triggerList(resp, req)
	case http.MethodPost:
		return s.triggerCreate(resp, req, identity)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) TriggerSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	identity, err := s.authenticate(req)
	if err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(req.URL.Path, s.prefix+"/triggers/")
	switch {
	case strings.HasSuffix(path, "/execute"):
		id := strings.TrimSuffix(path, "/execute")
		return s.triggerExecute(resp, req, id, identity)
	case strings.HasSuffix(path, "/pause"):
		id := strings.TrimSuffix(path, "/pause")
		return s.triggerPause(resp, req, id, true)
	case strings.HasSuffix(path, "/resume"):
		id := strings.TrimSuffix(path, "/resume")
		return s.triggerPause(resp, req, id, false)
	case strings.HasSuffix(path, "/history"):
		id := strings.TrimSuffix(path, "/history")
		return s.triggerHistory(resp, req, id)
	default:
		return s.triggerCRUD(resp, req, path)
	}
}

func (s *HTTPServer) triggerList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	query := req.URL.Query()
	status := query.Get("status")
	kind := query.Get("kind")
	org := query.Get("organization_id")

	store := s.agent.State()
	iter, err := store.Triggers(nil)
	if err != nil {
		return nil, err
	}
	var all []*structs.Trigger
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		t := raw.(*structs.Trigger)
		if status != "" && t.Status != status {
			continue
		}
		if kind != "" && t.Kind != kind {
			continue
		}
		if org != "" && t.OrganizationID != org {
			continue
		}
		all = append(all, t)
	}
	// Stable creation order so pages do not shuffle between calls.
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreateIndex != all[j].CreateIndex {
			return all[i].CreateIndex < all[j].CreateIndex
		}
		return all[i].ID < all[j].ID
	})

	from, to := page.Slice(len(all))
	stubs := make([]*structs.TriggerListStub, 0, to-from)
	for _, t := range all[from:to] {
		stubs = append(stubs, t.Stub())
	}
	return &TriggerListResponse{
		Triggers: stubs,
		Page: &structs.PageMeta{
			Page:       page.Page,
			PageSize:   page.PageSize,
			TotalCount: len(all),
		},
	}, nil
}

func (s *HTTPServer) triggerCreate(resp http.ResponseWriter, req *http.Request, identity string) (interface{}, error) {
	var args TriggerCreateRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}
	t, err := s.agent.Orchestrator().CreateTrigger(args.Trigger(identity))
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusCreated)
	return t, nil
}

func (s *HTTPServer) triggerCRUD(resp http.ResponseWriter, req *http.Request, id string) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		t, err := s.agent.State().TriggerByID(nil, id)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, structs.NewErr(structs.ErrNotFound, "trigger %s not found", id)
		}
		return t, nil

	case http.MethodPut:
		var upd structs.TriggerUpdate
		if err := decodeBody(req, &upd); err != nil {
			return nil, CodedError(400, err.Error())
		}
		var casIndex uint64
		if raw := req.URL.Query().Get("cas"); raw != "" {
			idx, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, CodedError(400, "Invalid cas index")
			}
			casIndex = idx
		}
		return s.agent.Orchestrator().UpdateTrigger(id, &upd, casIndex)

	case http.MethodDelete:
		return s.agent.Orchestrator().ArchiveTrigger(id)

	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) triggerExecute(resp http.ResponseWriter, req *http.Request, id, identity string) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	scheduledFor, err := s.agent.Orchestrator().FireNow(id, identity)
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusAccepted)
	return &TriggerExecuteResponse{TriggerID: id, ScheduledFor: scheduledFor}, nil
}

func (s *HTTPServer) triggerPause(resp http.ResponseWriter, req *http.Request, id string, pause bool) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if pause {
		return s.agent.Orchestrator().PauseTrigger(id)
	}
	return s.agent.Orchestrator().ResumeTrigger(id)
}

func (s *HTTPServer) triggerHistory(resp http.ResponseWriter, req *http.Request, id string) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	page, err := parsePage(req)
	if err != nil {
		return nil, err
	}
	store := s.agent.State()
	t, err := store.TriggerByID(nil, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "trigger %s not found", id)
	}
	// Newest first, per the store's ordering.
	runs, err := store.RunsByTrigger(nil, id)
	if err != nil {
		return nil, err
	}

	from, to := page.Slice(len(runs))
	stubs := make([]*structs.RunListStub, 0, to-from)
	for _, r := range runs[from:to] {
		stubs = append(stubs, r.Stub())
	}
	return &RunListResponse{
		Runs: stubs,
		Page: &structs.PageMeta{
			Page:       page.Page,
			PageSize:   page.PageSize,
			TotalCount: len(runs),
		},
	}, nil
}
