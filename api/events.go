// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

import (
	"errors"
	"net/url"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Events is used to submit occurrences and fire webhook triggers.
type Events struct {
	client *Client
}

// Events returns a handle on the event endpoints.
func (c *Client) Events() *Events {
	return &Events{client: c}
}

// EventAckResponse reports how many triggers an event activated.
type EventAckResponse struct {
	ActivatedTriggers int `json:"activated_triggers"`
}

// WebhookAckResponse acknowledges a webhook fire.
type WebhookAckResponse struct {
	TriggerID    string    `json:"trigger_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Submit fans an event out to every matching event trigger.
func (e *Events) Submit(ev *structs.Event) (*EventAckResponse, error) {
	if ev == nil {
		return nil, errors.New("missing event")
	}
	var resp EventAckResponse
	if err := e.client.post("/v1/events", ev, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FireWebhook fires one webhook trigger. A nil event fires with the
// trigger's first accepted event type.
func (e *Events) FireWebhook(triggerID string, ev *structs.Event) (*WebhookAckResponse, error) {
	if triggerID == "" {
		return nil, errors.New("missing trigger id")
	}
	// A typed nil must not reach the encoder, or the request body
	// becomes the JSON literal null instead of staying empty.
	var in any
	if ev != nil {
		in = ev
	}
	var resp WebhookAckResponse
	path := "/v1/webhooks/" + url.PathEscape(triggerID)
	if err := e.client.post(path, in, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
