// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// EventAckResponse reports how many triggers an event activated.
type EventAckResponse struct {
	ActivatedTriggers int `json:"activated_triggers"`
}

// WebhookAckResponse acknowledges a webhook fire.
type WebhookAckResponse struct {
	TriggerID    string    `json:"trigger_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// EventsRequest ingests an occurrence and fans it out to matching
// event and conditional triggers.
func (s *HTTPServer) EventsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var ev structs.Event
	if err := decodeBody(req, &ev); err != nil {
		return nil, CodedError(400, err.Error())
	}
	activated, err := s.agent.Orchestrator().SubmitEvent(&ev)
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusAccepted)
	return &EventAckResponse{ActivatedTriggers: activated}, nil
}

// WebhookSpecificRequest fires one webhook trigger. The body is an
// optional event carrying the payload; an empty body fires with the
// trigger's first accepted event type.
func (s *HTTPServer) WebhookSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	id := strings.TrimPrefix(req.URL.Path, s.prefix+"/webhooks/")
	if id == "" {
		return nil, CodedError(400, "Missing trigger id")
	}

	var ev *structs.Event
	var body structs.Event
	switch err := decodeBody(req, &body); err {
	case nil:
		ev = &body
	case io.EOF:
		// no payload
	default:
		return nil, CodedError(400, err.Error())
	}

	scheduledFor, err := s.agent.Orchestrator().FireWebhook(id, ev)
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusAccepted)
	return &WebhookAckResponse{TriggerID: id, ScheduledFor: scheduledFor}, nil
}
