// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telemetry

import (
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/testlog"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

func testIngestor(t *testing.T, cfg *Config) (*Ingestor, *state.StateStore, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	store := state.TestStateStoreWithClock(t, clk)
	ing, err := NewIngestor(testlog.HCLogger(t), cfg, store, clk)
	must.NoError(t, err)
	return ing, store, clk
}

// testHeartbeat builds a heartbeat that scores fully healthy.
func testHeartbeat(agentID string, seq uint64, at time.Time) *structs.Heartbeat {
	return &structs.Heartbeat{
		AgentID:          agentID,
		Timestamp:        at,
		Sequence:         seq,
		CPUPercent:       20,
		MemoryUsedBytes:  2 << 30,
		MemoryLimitBytes: 8 << 30,
		NetworkLatencyMS: 50,
		RequestCount:     100,
	}
}

func TestIngestor_HealthyAck(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)
	now := clk.Now().UTC()

	ack, err := ing.IngestHeartbeat(testHeartbeat("agent-1", 1, now))
	must.NoError(t, err)

	must.NotEq(t, "", ack.HeartbeatID)
	must.Eq(t, structs.HealthStatusHealthy, ack.DerivedHealth)
	must.Eq(t, 100.0, ack.Score)
	must.Len(t, 0, ack.Alerts)

	// One heartbeat gives no cadence sample, so the timeout is a flat
	// multiple of the default declared interval.
	must.Eq(t, int64(180_000), ack.AdaptiveTimeoutMS)

	// Memory limit, request window, and a fresh timestamp are present;
	// cadence and version are not.
	must.Eq(t, 60.0, ack.QualityScore)

	hs, err := store.HealthStatusByAgent(nil, "agent-1")
	must.NoError(t, err)
	must.NotNil(t, hs)
	must.Eq(t, structs.HealthStatusHealthy, hs.Status)
	must.Eq(t, uint64(1), hs.LastSequence)
	must.Eq(t, now, hs.LastHeartbeatAt)

	sess, err := store.ActiveUptimeSession(nil, "agent-1")
	must.NoError(t, err)
	must.NotNil(t, sess)
	must.Eq(t, structs.SessionKindUp, sess.Kind)
}

func TestIngestor_DerivedHealthWeighting(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)

	// Ten heartbeats at roughly thirty seconds apart, CPU running hot
	// while everything else is clean.
	steps := []time.Duration{
		33 * time.Second, 27 * time.Second, 33 * time.Second,
		27 * time.Second, 33 * time.Second, 27 * time.Second,
		33 * time.Second, 27 * time.Second, 33 * time.Second,
	}

	var ack *structs.HeartbeatAck
	for k := 0; k < 10; k++ {
		if k > 0 {
			clk.Advance(steps[k-1])
		}
		hb := &structs.Heartbeat{
			AgentID:          "agent-hot",
			Timestamp:        clk.Now().UTC(),
			Sequence:         uint64(k + 1),
			CPUPercent:       90,
			MemoryUsedBytes:  4 << 30,
			MemoryLimitBytes: 8 << 30,
			NetworkLatencyMS: 100,
			RequestCount:     100,
		}
		var err error
		ack, err = ing.IngestHeartbeat(hb)
		must.NoError(t, err)
	}

	// CPU in the half-credit band drags the weighted score below the
	// healthy line but not into critical.
	must.Eq(t, structs.HealthStatusDegraded, ack.DerivedHealth)
	must.Between(t, 82.49, ack.Score, 82.51)
	must.Len(t, 0, ack.Alerts)

	// The observed cadence is far tighter than the default declared
	// interval, so the timeout rests on the lower clamp.
	must.Eq(t, int64(120_000), ack.AdaptiveTimeoutMS)

	hs, err := store.HealthStatusByAgent(nil, "agent-hot")
	must.NoError(t, err)
	must.Eq(t, map[string]float64{
		subscoreCPU:       0.5,
		subscoreMemory:    1.0,
		subscoreLatency:   1.0,
		subscoreErrorRate: 1.0,
	}, hs.Subscores)
	must.Eq(t, uint64(10), hs.LastSequence)
}

func TestIngestor_AdaptiveTimeoutDeclaredCadence(t *testing.T) {
	ci.Parallel(t)
	ing, _, clk := testIngestor(t, nil)

	hb := func(seq uint64) *structs.Heartbeat {
		h := testHeartbeat("agent-30s", seq, clk.Now().UTC())
		h.IntervalMS = 30_000
		return h
	}

	ack, err := ing.IngestHeartbeat(hb(1))
	must.NoError(t, err)
	must.Eq(t, int64(90_000), ack.AdaptiveTimeoutMS)

	clk.Advance(30 * time.Second)
	ack, err = ing.IngestHeartbeat(hb(2))
	must.NoError(t, err)
	must.Eq(t, int64(90_000), ack.AdaptiveTimeoutMS)

	// Two intervals on the dot: zero jitter clamps to twice the
	// declared cadence.
	clk.Advance(30 * time.Second)
	ack, err = ing.IngestHeartbeat(hb(3))
	must.NoError(t, err)
	must.Eq(t, int64(60_000), ack.AdaptiveTimeoutMS)
}

func TestIngestor_SkewRejected(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)
	now := clk.Now().UTC()

	_, err := ing.IngestHeartbeat(testHeartbeat("agent-skew", 1, now.Add(-11*time.Minute)))
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))

	_, err = ing.IngestHeartbeat(testHeartbeat("agent-skew", 2, now.Add(11*time.Minute)))
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))

	hb, err := store.LatestHeartbeat(nil, "agent-skew")
	must.NoError(t, err)
	must.Nil(t, hb)

	// Exactly at the bound is still inside it.
	_, err = ing.IngestHeartbeat(testHeartbeat("agent-skew", 3, now.Add(-10*time.Minute)))
	must.NoError(t, err)
}

func TestIngestor_SequenceRegression(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)

	_, err := ing.IngestHeartbeat(testHeartbeat("agent-seq", 5, clk.Now().UTC()))
	must.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = ing.IngestHeartbeat(testHeartbeat("agent-seq", 3, clk.Now().UTC()))
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrConflict))

	hs, err := store.HealthStatusByAgent(nil, "agent-seq")
	must.NoError(t, err)
	must.Eq(t, uint64(5), hs.LastSequence)

	// Replaying the head sequence appends rather than conflicting.
	clk.Advance(time.Minute)
	_, err = ing.IngestHeartbeat(testHeartbeat("agent-seq", 5, clk.Now().UTC()))
	must.NoError(t, err)
}

func TestIngestor_SubscoreFloorAlert(t *testing.T) {
	ci.Parallel(t)
	ing, _, clk := testIngestor(t, nil)

	hb := func(seq uint64, latency float64) *structs.Heartbeat {
		h := testHeartbeat("agent-lat", seq, clk.Now().UTC())
		h.NetworkLatencyMS = latency
		return h
	}

	ack, err := ing.IngestHeartbeat(hb(1, 50))
	must.NoError(t, err)
	must.Len(t, 0, ack.Alerts)

	// Latency blows through the upper band: one alert on the crossing.
	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(2, 1500))
	must.NoError(t, err)
	must.Eq(t, structs.HealthStatusDegraded, ack.DerivedHealth)
	must.Between(t, 79.99, ack.Score, 80.01)
	must.Len(t, 1, ack.Alerts)
	must.Eq(t, subscoreLatency, ack.Alerts[0].Metric)
	must.Eq(t, structs.AlertSeverityError, ack.Alerts[0].Severity)
	must.Eq(t, 1500.0, ack.Alerts[0].Value)

	// Still floored: no re-alert while the condition persists.
	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(3, 1500))
	must.NoError(t, err)
	must.Len(t, 0, ack.Alerts)

	// Recovery is silent.
	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(4, 100))
	must.NoError(t, err)
	must.Eq(t, structs.HealthStatusHealthy, ack.DerivedHealth)
	must.Len(t, 0, ack.Alerts)
}

func TestIngestor_CriticalCrossingAlert(t *testing.T) {
	ci.Parallel(t)
	ing, _, clk := testIngestor(t, nil)

	hb := func(seq uint64, cpu float64) *structs.Heartbeat {
		h := testHeartbeat("agent-cpu", seq, clk.Now().UTC())
		h.CPUPercent = cpu
		return h
	}

	// A first report already in critical counts as a crossing, and
	// the CPU floor fires alongside it.
	ack, err := ing.IngestHeartbeat(hb(1, 97))
	must.NoError(t, err)
	must.Eq(t, structs.HealthStatusCritical, ack.DerivedHealth)
	must.Between(t, 64.9, ack.Score, 65.1)
	must.Len(t, 2, ack.Alerts)
	must.Eq(t, subscoreCPU, ack.Alerts[0].Metric)
	must.Eq(t, structs.AlertSeverityError, ack.Alerts[0].Severity)
	must.Eq(t, "health_score", ack.Alerts[1].Metric)
	must.Eq(t, structs.AlertSeverityCritical, ack.Alerts[1].Severity)

	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(2, 20))
	must.NoError(t, err)
	must.Eq(t, structs.HealthStatusHealthy, ack.DerivedHealth)
	must.Len(t, 0, ack.Alerts)

	// Falling back in re-arms both alerts.
	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(3, 97))
	must.NoError(t, err)
	must.Len(t, 2, ack.Alerts)
}

func TestIngestor_VersionGate(t *testing.T) {
	ci.Parallel(t)
	ing, _, clk := testIngestor(t, &Config{MinAgentVersion: "1.2.0"})

	hb := func(seq uint64, v string) *structs.Heartbeat {
		h := testHeartbeat("agent-ver", seq, clk.Now().UTC())
		h.AgentVersion = v
		return h
	}

	ack, err := ing.IngestHeartbeat(hb(1, "1.1.9"))
	must.NoError(t, err)
	must.Len(t, 1, ack.Alerts)
	must.Eq(t, "agent_version", ack.Alerts[0].Metric)
	must.Eq(t, structs.AlertSeverityWarning, ack.Alerts[0].Severity)
	must.StrContains(t, ack.Alerts[0].Message, "1.1.9")

	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(2, "1.3.0"))
	must.NoError(t, err)
	must.Len(t, 0, ack.Alerts)

	// Agents that do not report a version are not flagged.
	clk.Advance(time.Minute)
	ack, err = ing.IngestHeartbeat(hb(3, ""))
	must.NoError(t, err)
	must.Len(t, 0, ack.Alerts)
}

func TestIngestor_SparsePayload(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)

	// No memory limit, no request window, no cadence, no version:
	// those subscores vanish and quality reflects the holes.
	hb := &structs.Heartbeat{
		AgentID:          "agent-sparse",
		Timestamp:        clk.Now().UTC(),
		Sequence:         1,
		CPUPercent:       20,
		NetworkLatencyMS: 50,
	}
	ack, err := ing.IngestHeartbeat(hb)
	must.NoError(t, err)
	must.Eq(t, structs.HealthStatusHealthy, ack.DerivedHealth)
	must.Eq(t, 100.0, ack.Score)
	must.Eq(t, 20.0, ack.QualityScore)

	hs, err := store.HealthStatusByAgent(nil, "agent-sparse")
	must.NoError(t, err)
	must.MapLen(t, 2, hs.Subscores)
	must.MapContainsKeys(t, hs.Subscores, []string{subscoreCPU, subscoreLatency})
}

func TestIngestor_UptimeTransitions(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)
	t0 := clk.Now().UTC()

	_, err := ing.IngestHeartbeat(testHeartbeat("agent-up", 1, t0))
	must.NoError(t, err)

	// Something else observed the agent down.
	_, err = store.TransitionUptimeSession("agent-up", structs.SessionKindDown,
		t0.Add(5*time.Minute), failureClassTimeout)
	must.NoError(t, err)

	// The next heartbeat closes the outage at its event time.
	clk.Advance(15 * time.Minute)
	_, err = ing.IngestHeartbeat(testHeartbeat("agent-up", 2, clk.Now().UTC()))
	must.NoError(t, err)

	active, err := store.ActiveUptimeSession(nil, "agent-up")
	must.NoError(t, err)
	must.Eq(t, structs.SessionKindUp, active.Kind)
	must.Eq(t, t0.Add(15*time.Minute), active.StartedAt)

	sessions, err := store.UptimeSessionsInRange(nil, "agent-up", t0.Add(-time.Hour), t0.Add(time.Hour))
	must.NoError(t, err)
	must.Len(t, 3, sessions)
	must.Eq(t, structs.SessionKindDown, sessions[1].Kind)
	must.Eq(t, t0.Add(5*time.Minute), sessions[1].StartedAt)
	must.Eq(t, t0.Add(15*time.Minute), sessions[1].EndedAt)
	must.False(t, sessions[1].IsActive)
}

func TestIngestor_MetricsSamples(t *testing.T) {
	ci.Parallel(t)
	ing, store, clk := testIngestor(t, nil)
	now := clk.Now().UTC()

	err := ing.IngestMetrics(&structs.MetricsSample{
		AgentID:       "agent-m",
		Timestamp:     now,
		CPUPercent:    42,
		MemoryPercent: 31,
		DiskPercent:   12,
		LoadAvg1:      0.7,
	})
	must.NoError(t, err)

	out, err := store.MetricsByAgentRange(nil, "agent-m", now.Add(-time.Minute), now.Add(time.Minute))
	must.NoError(t, err)
	must.Len(t, 1, out)
	must.Eq(t, 42.0, out[0].CPUPercent)
	must.Positive(t, out[0].CreateIndex)

	err = ing.IngestMetrics(&structs.MetricsSample{
		AgentID: "agent-m", Timestamp: now, CPUPercent: 120,
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))

	err = ing.IngestMetrics(&structs.MetricsSample{
		AgentID: "agent-m", Timestamp: now.Add(-11 * time.Minute), CPUPercent: 10,
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))

	err = ing.IngestMetrics(nil)
	must.Error(t, err)
}

func TestIngestor_Batch(t *testing.T) {
	ci.Parallel(t)
	ing, _, clk := testIngestor(t, nil)
	now := clk.Now().UTC()

	bad := testHeartbeat("agent-b", 3, now)
	bad.CPUPercent = 200

	res, err := ing.IngestBatch(&Batch{
		Heartbeats: []*structs.Heartbeat{
			testHeartbeat("agent-b", 1, now),
			testHeartbeat("agent-b", 2, now),
			bad,
		},
		Metrics: []*structs.MetricsSample{
			{AgentID: "agent-b", Timestamp: now, CPUPercent: 10},
			{AgentID: "agent-b", Timestamp: now, CPUPercent: 900},
		},
	})
	must.NoError(t, err)
	must.Eq(t, 3, res.Accepted)
	must.Eq(t, 2, res.Rejected)
	must.Len(t, 2, res.Acks)
	must.Len(t, 2, res.Errors)

	_, err = ing.IngestBatch(&Batch{
		Heartbeats: make([]*structs.Heartbeat, MaxBatchHeartbeats+1),
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrTooLarge))

	_, err = ing.IngestBatch(&Batch{
		Metrics: make([]*structs.MetricsSample, MaxBatchMetrics+1),
	})
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrTooLarge))

	_, err = ing.IngestBatch(nil)
	must.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))
}

func TestTelemetryConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		name string
		cfg  *Config
	}{
		{"short arrival window", &Config{ArrivalWindow: 1}},
		{"negative sweep", &Config{SweepInterval: -time.Second}},
		{"sla over 100", &Config{SLATargetPercent: 150}},
		{"bad version", &Config{MinAgentVersion: "not-a-version"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig().Merge(tc.cfg)
			err := cfg.Validate()
			must.Error(t, err)
			must.True(t, structs.IsKind(err, structs.ErrValidation))
		})
	}
}
