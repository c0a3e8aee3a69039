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

// Telemetry is used to access the heartbeat and uptime endpoints.
type Telemetry struct {
	client *Client
}

// Telemetry returns a handle on the telemetry endpoints.
func (c *Client) Telemetry() *Telemetry {
	return &Telemetry{client: c}
}

// TelemetryBatch carries heartbeats and metrics samples ingested in
// one request.
type TelemetryBatch struct {
	Heartbeats []*structs.Heartbeat     `json:"heartbeats,omitempty"`
	Metrics    []*structs.MetricsSample `json:"metrics,omitempty"`
}

// TelemetryBatchResult reports per-item outcomes of a batch.
type TelemetryBatchResult struct {
	Acks     []*structs.HeartbeatAck `json:"acks,omitempty"`
	Accepted int                     `json:"accepted"`
	Rejected int                     `json:"rejected"`
	Errors   []string                `json:"errors,omitempty"`
}

// HealthAssessment is a point-in-time view of one agent's health,
// including whether it has gone silent past its adaptive timeout.
type HealthAssessment struct {
	AgentID           string             `json:"agent_id"`
	Status            string             `json:"status"`
	Score             float64            `json:"score"`
	Subscores         map[string]float64 `json:"subscores,omitempty"`
	QualityScore      float64            `json:"quality_score"`
	AdaptiveTimeoutMS int64              `json:"adaptive_timeout_ms"`
	LastHeartbeatAt   time.Time          `json:"last_heartbeat_at,omitzero"`
	SilentMS          int64              `json:"silent_ms"`
	Overdue           bool               `json:"overdue"`
}

type healthCheckRequest struct {
	AgentID string `json:"agent_id"`
}

// Heartbeat ingests one heartbeat and returns the ack with the
// derived health and adaptive timeout.
func (t *Telemetry) Heartbeat(hb *structs.Heartbeat) (*structs.HeartbeatAck, error) {
	if hb == nil {
		return nil, errors.New("missing heartbeat")
	}
	var resp structs.HeartbeatAck
	if err := t.client.post("/v1/telemetry/heartbeat", hb, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SystemMetrics ingests one system metrics sample.
func (t *Telemetry) SystemMetrics(m *structs.MetricsSample) error {
	if m == nil {
		return errors.New("missing metrics sample")
	}
	return t.client.post("/v1/telemetry/system-metrics", m, nil, nil)
}

// Batch ingests a mixed batch of heartbeats and metrics samples.
func (t *Telemetry) Batch(b *TelemetryBatch) (*TelemetryBatchResult, error) {
	if b == nil {
		return nil, errors.New("missing batch")
	}
	var resp TelemetryBatchResult
	if err := t.client.post("/v1/telemetry/batch", b, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UptimeStatus derives an uptime report for one agent over a trailing
// window in hours, default 24. A non-nil slaTarget overrides the
// configured SLA target for this report only.
func (t *Telemetry) UptimeStatus(agentID string, hours float64, slaTarget *float64) (*structs.UptimeReport, error) {
	if agentID == "" {
		return nil, errors.New("missing agent id")
	}
	q := &QueryOptions{Params: map[string]string{}}
	if hours > 0 {
		q.Params["time_range_hours"] = strconv.FormatFloat(hours, 'f', -1, 64)
	}
	if slaTarget != nil {
		q.Params["sla_target"] = strconv.FormatFloat(*slaTarget, 'f', -1, 64)
	}
	var resp structs.UptimeReport
	path := "/v1/telemetry/uptime-status/" + url.PathEscape(agentID)
	if err := t.client.query(path, &resp, q); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthCheck assesses one agent's current health.
func (t *Telemetry) HealthCheck(agentID string) (*HealthAssessment, error) {
	if agentID == "" {
		return nil, errors.New("missing agent id")
	}
	var resp HealthAssessment
	args := &healthCheckRequest{AgentID: agentID}
	if err := t.client.post("/v1/telemetry/health-check", args, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
