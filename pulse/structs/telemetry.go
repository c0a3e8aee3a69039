// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	HealthStatusHealthy  = "healthy"
	HealthStatusDegraded = "degraded"
	HealthStatusCritical = "critical"
	HealthStatusOffline  = "offline"
)

const (
	SessionKindUp          = "up"
	SessionKindDown        = "down"
	SessionKindMaintenance = "maintenance"
)

const (
	AlertSeverityInfo      = "info"
	AlertSeverityWarning   = "warning"
	AlertSeverityError     = "error"
	AlertSeverityCritical  = "critical"
	AlertSeverityEmergency = "emergency"
)

const (
	BreachRiskLow    = "low"
	BreachRiskMedium = "medium"
	BreachRiskHigh   = "high"
)

const (
	// DefaultHeartbeatIntervalMS is assumed when an agent does not
	// declare its reporting cadence.
	DefaultHeartbeatIntervalMS = 60_000

	// MaxHeartbeatSkew bounds how far a heartbeat timestamp may drift
	// from the server clock before ingestion rejects it.
	MaxHeartbeatSkew = 10 * time.Minute
)

// alertSeverityRank orders severities for comparison and sorting.
var alertSeverityRank = map[string]int{
	AlertSeverityInfo:      0,
	AlertSeverityWarning:   1,
	AlertSeverityError:     2,
	AlertSeverityCritical:  3,
	AlertSeverityEmergency: 4,
}

// AlertSeverityRank returns the ordering rank of a severity, with
// unknown severities ranking below info.
func AlertSeverityRank(severity string) int {
	if r, ok := alertSeverityRank[severity]; ok {
		return r
	}
	return -1
}

// Heartbeat is one append-only liveness report from an agent.
type Heartbeat struct {
	ID string `json:"id"`

	// Grouping key.
	AgentID          string `json:"agent_id"`
	Environment      string `json:"environment,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
	AgentVersion     string `json:"agent_version,omitempty"`

	// Timestamp is the agent-reported event time.
	Timestamp time.Time `json:"timestamp"`

	// Status is the health the agent claims for itself. The ingestor
	// derives its own.
	Status string `json:"status,omitempty"`

	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryLimitBytes uint64  `json:"memory_limit_bytes"`
	DiskPercent      float64 `json:"disk_percent"`
	NetworkLatencyMS float64 `json:"network_latency_ms"`
	PacketLossPct    float64 `json:"packet_loss_percent"`
	RequestCount     int64   `json:"request_count"`
	ErrorCount       int64   `json:"error_count"`
	ResponseTimeMS   float64 `json:"response_time_ms"`

	// IntervalMS is the cadence the agent promises to report at.
	IntervalMS int64 `json:"interval_ms,omitempty"`

	// Sequence must be non-decreasing per agent.
	Sequence uint64 `json:"sequence"`

	ReceivedAt  time.Time `json:"received_at,omitzero"`
	CreateIndex uint64    `json:"create_index"`
}

func (h *Heartbeat) Copy() *Heartbeat {
	if h == nil {
		return nil
	}
	nh := new(Heartbeat)
	*nh = *h
	return nh
}

func (h *Heartbeat) Validate() error {
	var mErr multierror.Error
	if h.AgentID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing agent_id"))
	}
	if h.Timestamp.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing timestamp"))
	}
	for name, v := range map[string]float64{
		"cpu_percent":         h.CPUPercent,
		"disk_percent":        h.DiskPercent,
		"packet_loss_percent": h.PacketLossPct,
	} {
		if v < 0 || v > 100 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s must be in [0, 100], got %v", name, v))
		}
	}
	if h.NetworkLatencyMS < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("network_latency_ms must be >= 0, got %v", h.NetworkLatencyMS))
	}
	if h.RequestCount < 0 || h.ErrorCount < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("request and error counts must be >= 0"))
	}
	if h.ErrorCount > h.RequestCount {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("error_count %d exceeds request_count %d", h.ErrorCount, h.RequestCount))
	}
	if h.MemoryLimitBytes > 0 && h.MemoryUsedBytes > h.MemoryLimitBytes {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("memory_used_bytes exceeds memory_limit_bytes"))
	}
	if h.IntervalMS < 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("interval_ms must be >= 0, got %d", h.IntervalMS))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "heartbeat validation failed")
	}
	return nil
}

// DeclaredInterval returns the agent's promised cadence, defaulting
// when undeclared.
func (h *Heartbeat) DeclaredInterval() time.Duration {
	ms := h.IntervalMS
	if ms <= 0 {
		ms = DefaultHeartbeatIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

// MemoryPercent returns memory usage relative to the declared limit,
// or -1 when no limit was reported.
func (h *Heartbeat) MemoryPercent() float64 {
	if h.MemoryLimitBytes == 0 {
		return -1
	}
	return 100 * float64(h.MemoryUsedBytes) / float64(h.MemoryLimitBytes)
}

// ErrorRate returns errors per request over the heartbeat window, or
// -1 when the agent served no requests.
func (h *Heartbeat) ErrorRate() float64 {
	if h.RequestCount == 0 {
		return -1
	}
	return float64(h.ErrorCount) / float64(h.RequestCount)
}

// MetricsSample is one row of the general metrics time series. Unlike
// heartbeats it carries no liveness meaning.
type MetricsSample struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`

	Timestamp time.Time `json:"timestamp"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`

	NetworkInBytes  uint64 `json:"network_in_bytes,omitempty"`
	NetworkOutBytes uint64 `json:"network_out_bytes,omitempty"`

	LoadAvg1  float64 `json:"load_avg_1,omitempty"`
	LoadAvg5  float64 `json:"load_avg_5,omitempty"`
	LoadAvg15 float64 `json:"load_avg_15,omitempty"`

	ProcessCount int `json:"process_count,omitempty"`

	// Custom carries source-defined gauges.
	Custom map[string]float64 `json:"custom,omitempty"`

	ReceivedAt  time.Time `json:"received_at,omitzero"`
	CreateIndex uint64    `json:"create_index"`
}

func (m *MetricsSample) Copy() *MetricsSample {
	if m == nil {
		return nil
	}
	nm := new(MetricsSample)
	*nm = *m
	if m.Custom != nil {
		nm.Custom = make(map[string]float64, len(m.Custom))
		for k, v := range m.Custom {
			nm.Custom[k] = v
		}
	}
	return nm
}

func (m *MetricsSample) Validate() error {
	var mErr multierror.Error
	if m.AgentID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing agent_id"))
	}
	if m.Timestamp.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing timestamp"))
	}
	for name, v := range map[string]float64{
		"cpu_percent":    m.CPUPercent,
		"memory_percent": m.MemoryPercent,
		"disk_percent":   m.DiskPercent,
	} {
		if v < 0 || v > 100 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s must be in [0, 100], got %v", name, v))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "metrics sample validation failed")
	}
	return nil
}

// HealthStatus is the current derived health of one agent, updated on
// every ingested heartbeat and by the offline monitor.
type HealthStatus struct {
	AgentID string `json:"agent_id"`

	Status string  `json:"status"`
	Score  float64 `json:"score"`

	// Subscores holds the per-metric components behind the score.
	Subscores map[string]float64 `json:"subscores,omitempty"`

	AdaptiveTimeoutMS int64   `json:"adaptive_timeout_ms"`
	QualityScore      float64 `json:"quality_score"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitzero"`
	LastSequence    uint64    `json:"last_sequence"`
	UpdatedAt       time.Time `json:"updated_at,omitzero"`

	Environment      string `json:"environment,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
	AgentVersion     string `json:"agent_version,omitempty"`

	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (s *HealthStatus) Copy() *HealthStatus {
	if s == nil {
		return nil
	}
	ns := new(HealthStatus)
	*ns = *s
	if s.Subscores != nil {
		ns.Subscores = make(map[string]float64, len(s.Subscores))
		for k, v := range s.Subscores {
			ns.Subscores[k] = v
		}
	}
	return ns
}

// Alert is a structured notification generated when a health metric
// degrades. Onward delivery is the caller's concern.
type Alert struct {
	ID       string  `json:"id"`
	AgentID  string  `json:"agent_id"`
	Severity string  `json:"severity"`
	Metric   string  `json:"metric"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// HeartbeatAck is returned to the agent for each ingested heartbeat.
type HeartbeatAck struct {
	HeartbeatID       string   `json:"heartbeat_id"`
	DerivedHealth     string   `json:"derived_health"`
	Score             float64  `json:"score"`
	AdaptiveTimeoutMS int64    `json:"adaptive_timeout_ms"`
	Alerts            []*Alert `json:"alerts,omitempty"`
	QualityScore      float64  `json:"quality_score"`
}

// UptimeSession is a contiguous interval during which an agent was
// up, down, or in maintenance. Sessions are persisted as the uptime
// log and re-derived from heartbeat history for reports.
type UptimeSession struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	IsActive  bool      `json:"is_active"`

	// FailureClass optionally labels why a down session began.
	FailureClass string `json:"failure_class,omitempty"`

	CreateIndex uint64 `json:"create_index"`
	ModifyIndex uint64 `json:"modify_index"`
}

func (s *UptimeSession) Copy() *UptimeSession {
	if s == nil {
		return nil
	}
	ns := new(UptimeSession)
	*ns = *s
	return ns
}

func (s *UptimeSession) Validate() error {
	var mErr multierror.Error
	if s.AgentID == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing agent_id"))
	}
	switch s.Kind {
	case SessionKindUp, SessionKindDown, SessionKindMaintenance:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid session kind %q", s.Kind))
	}
	if s.StartedAt.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing started_at"))
	}
	if !s.EndedAt.IsZero() && s.EndedAt.Before(s.StartedAt) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("ended_at precedes started_at"))
	}
	if s.IsActive && !s.EndedAt.IsZero() {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("active session must not have ended_at"))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return WrapErr(ErrValidation, err, "uptime session validation failed")
	}
	return nil
}

// DurationWithin returns how much of the session overlaps [start, end],
// treating an open session as running until end.
func (s *UptimeSession) DurationWithin(start, end time.Time) time.Duration {
	from := s.StartedAt
	if from.Before(start) {
		from = start
	}
	to := s.EndedAt
	if to.IsZero() || to.After(end) {
		to = end
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from)
}

// SLAAssessment compares observed uptime to a configured target.
type SLAAssessment struct {
	TargetPercent float64 `json:"target_percent"`
	Met           bool    `json:"met"`
	SlackPercent  float64 `json:"slack_percent"`
	BreachRisk    string  `json:"breach_risk"`
}

// UptimeReport is the derived availability summary for one agent over
// a query window.
type UptimeReport struct {
	AgentID     string    `json:"agent_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	UptimePercent   float64 `json:"uptime_percentage"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	DowntimeSeconds float64 `json:"downtime_seconds"`

	Sessions []*UptimeSession `json:"sessions,omitempty"`

	// MTTRSeconds and MTBFSeconds are null when undefined, such as
	// when no down session closed inside the window.
	MTTRSeconds *float64 `json:"mttr_seconds"`
	MTBFSeconds *float64 `json:"mtbf_seconds"`

	HeartbeatCount int    `json:"heartbeat_count"`
	Status         string `json:"status"`

	SLA *SLAAssessment `json:"sla,omitempty"`
}
