// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telemetry

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	version "github.com/hashicorp/go-version"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Failure classes stamped on down sessions.
const (
	failureClassTimeout = "heartbeat_timeout"
	failureClassGap     = "heartbeat_gap"
)

// Ingestor scores heartbeats as they arrive and keeps each agent's
// derived health current. Many goroutines may ingest concurrently;
// the store serializes per-agent sequence checks.
type Ingestor struct {
	logger hclog.Logger
	config *Config
	state  *state.StateStore
	clock  clock.Clock

	minVersion *version.Version

	// arrivals holds per-agent cadence history for the adaptive
	// timeout. Agents evicted under memory pressure rebuild their
	// window through the <2 sample path.
	arrivals *lru.Cache[string, *arrivalHistory]
}

// NewIngestor wires an ingestor against the state store. The config
// is merged over defaults.
func NewIngestor(logger hclog.Logger, cfg *Config, store *state.StateStore, clk clock.Clock) (*Ingestor, error) {
	cfg = DefaultConfig().Merge(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}

	var minVersion *version.Version
	if cfg.MinAgentVersion != "" {
		v, err := version.NewVersion(cfg.MinAgentVersion)
		if err != nil {
			return nil, structs.WrapErr(structs.ErrValidation, err, "invalid min_agent_version")
		}
		minVersion = v
	}

	arrivals, err := lru.New[string, *arrivalHistory](cfg.AgentCacheSize)
	if err != nil {
		return nil, structs.WrapErr(structs.ErrInternal, err, "arrival cache construction failed")
	}

	return &Ingestor{
		logger:     logger.Named("telemetry"),
		config:     cfg,
		state:      store,
		clock:      clk,
		minVersion: minVersion,
		arrivals:   arrivals,
	}, nil
}

func (i *Ingestor) now() time.Time {
	return i.clock.Now().UTC()
}

// IngestHeartbeat validates, stores, and scores one heartbeat,
// returning the ack the agent acts on. Out-of-order sequence numbers
// are dropped with CONFLICT; timestamps drifting past the skew bound
// are rejected with VALIDATION.
func (i *Ingestor) IngestHeartbeat(hb *structs.Heartbeat) (*structs.HeartbeatAck, error) {
	defer metrics.MeasureSince([]string{"pulse", "telemetry", "ingest"}, time.Now())

	if hb == nil {
		return nil, structs.NewErr(structs.ErrValidation, "missing heartbeat")
	}
	if err := hb.Validate(); err != nil {
		return nil, err
	}

	now := i.now()
	skew := now.Sub(hb.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > structs.MaxHeartbeatSkew {
		return nil, structs.NewErr(structs.ErrValidation,
			"heartbeat timestamp %s drifts %s from the server clock, max %s",
			hb.Timestamp.Format(time.RFC3339), skew.Round(time.Second), structs.MaxHeartbeatSkew)
	}

	// The prior status anchors threshold-crossing detection and must
	// be read before the upsert below replaces it.
	prev, err := i.state.HealthStatusByAgent(nil, hb.AgentID)
	if err != nil {
		return nil, err
	}

	if err := i.state.InsertHeartbeat(hb); err != nil {
		return nil, err
	}

	intervals := i.observeArrival(hb.AgentID, hb.Timestamp)
	timeout := adaptiveTimeout(intervals, hb.DeclaredInterval())

	sub := subscores(hb)
	score := healthScore(sub)
	status := statusForScore(score)
	quality := qualityScore(hb, skew)
	alerts := i.detectAlerts(prev, hb, sub, score, status, now)

	hs := &structs.HealthStatus{
		AgentID:           hb.AgentID,
		Status:            status,
		Score:             score,
		Subscores:         sub,
		AdaptiveTimeoutMS: int64(timeout / time.Millisecond),
		QualityScore:      quality,
		LastHeartbeatAt:   hb.Timestamp,
		LastSequence:      hb.Sequence,
		Environment:       hb.Environment,
		AvailabilityZone:  hb.AvailabilityZone,
		AgentVersion:      hb.AgentVersion,
	}
	if err := i.state.UpsertHealthStatus(hs); err != nil {
		return nil, err
	}

	// A heartbeat is proof of life whatever health it reports, so the
	// uptime log flips to up. Session edges carry agent event time to
	// line up with what reports later derive from the gaps.
	if _, err := i.state.TransitionUptimeSession(hb.AgentID, structs.SessionKindUp, hb.Timestamp, ""); err != nil {
		i.logger.Warn("could not record up transition", "agent_id", hb.AgentID, "error", err)
	}

	metrics.IncrCounterWithLabels([]string{"pulse", "telemetry", "heartbeat"}, 1,
		[]metrics.Label{{Name: "status", Value: status}})
	if len(alerts) > 0 {
		metrics.IncrCounter([]string{"pulse", "telemetry", "alerts"}, float32(len(alerts)))
	}

	i.logger.Trace("heartbeat ingested", "agent_id", hb.AgentID, "sequence", hb.Sequence,
		"status", status, "score", score, "adaptive_timeout_ms", hs.AdaptiveTimeoutMS)

	return &structs.HeartbeatAck{
		HeartbeatID:       hb.ID,
		DerivedHealth:     status,
		Score:             score,
		AdaptiveTimeoutMS: hs.AdaptiveTimeoutMS,
		Alerts:            alerts,
		QualityScore:      quality,
	}, nil
}

// IngestMetrics validates and stores one system metrics sample.
// Samples carry no liveness meaning and never touch derived health.
func (i *Ingestor) IngestMetrics(m *structs.MetricsSample) error {
	if m == nil {
		return structs.NewErr(structs.ErrValidation, "missing metrics sample")
	}
	if err := m.Validate(); err != nil {
		return err
	}

	skew := i.now().Sub(m.Timestamp)
	if skew < 0 {
		skew = -skew
	}
	if skew > structs.MaxHeartbeatSkew {
		return structs.NewErr(structs.ErrValidation,
			"sample timestamp %s drifts %s from the server clock, max %s",
			m.Timestamp.Format(time.RFC3339), skew.Round(time.Second), structs.MaxHeartbeatSkew)
	}

	if err := i.state.InsertMetricsSample(m); err != nil {
		return err
	}
	metrics.IncrCounter([]string{"pulse", "telemetry", "sample"}, 1)
	return nil
}

// Batch is a mixed page of telemetry accepted in one request.
type Batch struct {
	Heartbeats []*structs.Heartbeat     `json:"heartbeats,omitempty"`
	Metrics    []*structs.MetricsSample `json:"metrics,omitempty"`
}

// BatchResult reports per-item outcomes. A bad item never aborts the
// rest of the batch.
type BatchResult struct {
	Acks     []*structs.HeartbeatAck `json:"acks,omitempty"`
	Accepted int                     `json:"accepted"`
	Rejected int                     `json:"rejected"`
	Errors   []string                `json:"errors,omitempty"`
}

// IngestBatch applies a batch item by item. Batches over the size
// limits are refused outright with TOO_LARGE.
func (i *Ingestor) IngestBatch(b *Batch) (*BatchResult, error) {
	if b == nil {
		return nil, structs.NewErr(structs.ErrValidation, "missing batch")
	}
	if n := len(b.Heartbeats); n > MaxBatchHeartbeats {
		return nil, structs.NewErr(structs.ErrTooLarge,
			"batch carries %d heartbeats, limit %d", n, MaxBatchHeartbeats)
	}
	if n := len(b.Metrics); n > MaxBatchMetrics {
		return nil, structs.NewErr(structs.ErrTooLarge,
			"batch carries %d metrics samples, limit %d", n, MaxBatchMetrics)
	}

	res := &BatchResult{}
	for _, hb := range b.Heartbeats {
		ack, err := i.IngestHeartbeat(hb)
		if err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Accepted++
		res.Acks = append(res.Acks, ack)
	}
	for _, m := range b.Metrics {
		if err := i.IngestMetrics(m); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Accepted++
	}
	return res, nil
}

// observeArrival records a heartbeat instant in the agent's cadence
// history and returns the interval window observed so far.
func (i *Ingestor) observeArrival(agentID string, at time.Time) []time.Duration {
	hist, ok := i.arrivals.Get(agentID)
	if !ok {
		hist = &arrivalHistory{}
		// Two racing first heartbeats may both construct a history;
		// the cache keeps whichever landed first.
		if prior, found, _ := i.arrivals.PeekOrAdd(agentID, hist); found {
			hist = prior
		}
	}
	return hist.observe(at, i.config.ArrivalWindow)
}

// detectAlerts compares the fresh scoring against the agent's prior
// health and emits one alert per threshold crossed: a subscore hitting
// its floor, the overall score entering critical, or an agent version
// below the configured minimum.
func (i *Ingestor) detectAlerts(prev *structs.HealthStatus, hb *structs.Heartbeat,
	sub map[string]float64, score float64, status string, now time.Time) []*structs.Alert {

	var alerts []*structs.Alert
	add := func(severity, metric, msg string, value float64) {
		alerts = append(alerts, &structs.Alert{
			ID:        uuid.Generate(),
			AgentID:   hb.AgentID,
			Severity:  severity,
			Metric:    metric,
			Message:   msg,
			Value:     value,
			CreatedAt: now,
		})
	}

	raw := map[string]float64{
		subscoreCPU:       hb.CPUPercent,
		subscoreMemory:    hb.MemoryPercent(),
		subscoreLatency:   hb.NetworkLatencyMS,
		subscoreErrorRate: 100 * hb.ErrorRate(),
	}
	for _, metric := range subscoreOrder {
		s, ok := sub[metric]
		if !ok || s != 0 {
			continue
		}
		if prev != nil {
			if ps, floored := prev.Subscores[metric]; floored && ps == 0 {
				continue
			}
		}
		add(structs.AlertSeverityError, metric,
			fmt.Sprintf("%s subscore dropped to zero for agent %s (observed %.1f)",
				metric, hb.AgentID, raw[metric]), raw[metric])
	}

	if status == structs.HealthStatusCritical &&
		(prev == nil || prev.Status != structs.HealthStatusCritical) {
		add(structs.AlertSeverityCritical, "health_score",
			fmt.Sprintf("derived health for agent %s fell to critical", hb.AgentID), score)
	}

	if i.minVersion != nil && hb.AgentVersion != "" {
		if v, err := version.NewVersion(hb.AgentVersion); err == nil && v.LessThan(i.minVersion) {
			add(structs.AlertSeverityWarning, "agent_version",
				fmt.Sprintf("agent %s reports version %s, minimum supported is %s",
					hb.AgentID, hb.AgentVersion, i.minVersion), 0)
		}
	}
	return alerts
}
