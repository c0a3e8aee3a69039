// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/pulse/structs"
	"github.com/hashicorp/pulse/pulse/telemetry"
)

// defaultUptimeWindowHours is the report window applied when the
// query does not name one.
const defaultUptimeWindowHours = 24

// HealthCheckRequestBody names the agent a health assessment is
// requested for.
type HealthCheckRequestBody struct {
	AgentID string `json:"agent_id"`
}

// HeartbeatRequest ingests a single heartbeat and returns the ack
// with the derived health and adaptive timeout.
func (s *HTTPServer) HeartbeatRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var hb structs.Heartbeat
	if err := decodeBody(req, &hb); err != nil {
		return nil, CodedError(400, err.Error())
	}
	ack, err := s.agent.Ingestor().IngestHeartbeat(&hb)
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusCreated)
	return ack, nil
}

// SystemMetricsRequest ingests one system metrics sample.
func (s *HTTPServer) SystemMetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var m structs.MetricsSample
	if err := decodeBody(req, &m); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if err := s.agent.Ingestor().IngestMetrics(&m); err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusCreated)
	return &m, nil
}

// TelemetryBatchRequest ingests a mixed batch of heartbeats and
// metrics samples. Oversized batches fail whole; individual bad items
// are reported without aborting the rest.
func (s *HTTPServer) TelemetryBatchRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var batch telemetry.Batch
	if err := decodeBody(req, &batch); err != nil {
		return nil, CodedError(400, err.Error())
	}
	result, err := s.agent.Ingestor().IngestBatch(&batch)
	if err != nil {
		return nil, err
	}
	writeStatus(resp, http.StatusAccepted)
	return result, nil
}

// UptimeStatusRequest derives an uptime report for one agent over a
// trailing window, default 24 hours. ?sla_target overrides the
// configured SLA target for this report only.
func (s *HTTPServer) UptimeStatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	agentID := strings.TrimPrefix(req.URL.Path, s.prefix+"/telemetry/uptime-status/")
	if agentID == "" {
		return nil, CodedError(400, "Missing agent id")
	}

	query := req.URL.Query()
	hours := float64(defaultUptimeWindowHours)
	if raw := query.Get("time_range_hours"); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil || h <= 0 {
			return nil, CodedError(400, fmt.Sprintf("Invalid time_range_hours: %q", raw))
		}
		hours = h
	}
	var slaTarget *float64
	if raw := query.Get("sla_target"); raw != "" {
		t, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, CodedError(400, fmt.Sprintf("Invalid sla_target: %q", raw))
		}
		slaTarget = pointer.Of(t)
	}

	window := time.Duration(hours * float64(time.Hour))
	return s.agent.Analyzer().ReportLast(agentID, window, slaTarget)
}

// HealthCheckRequest assesses one agent's current health, including
// whether it has gone silent past its adaptive timeout.
func (s *HTTPServer) HealthCheckRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	var args HealthCheckRequestBody
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}
	return s.agent.Monitor().Assess(args.AgentID)
}
