// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telemetry

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Monitor is the offline sweep: agents silent past their adaptive
// timeout are flipped to offline and their uptime log opens a down
// session. One monitor per process suffices; sweeps are idempotent
// across processes sharing a store.
type Monitor struct {
	logger hclog.Logger
	config *Config
	state  *state.StateStore
	clock  clock.Clock

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewMonitor wires a monitor against the state store. The config is
// merged over defaults.
func NewMonitor(logger hclog.Logger, cfg *Config, store *state.StateStore, clk clock.Clock) *Monitor {
	cfg = DefaultConfig().Merge(cfg)
	if clk == nil {
		clk = clock.WallClock
	}
	return &Monitor{
		logger:     logger.Named("telemetry_monitor"),
		config:     cfg,
		state:      store,
		clock:      clk,
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info("offline monitor started", "sweep_interval", m.config.SweepInterval)
}

// Shutdown stops the sweep loop and waits for it to exit.
func (m *Monitor) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	timer := m.clock.NewTimer(m.config.SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-m.shutdownCh:
			return
		case <-timer.Chan():
			m.sweep(m.clock.Now().UTC())
			timer.Reset(m.config.SweepInterval)
		}
	}
}

// sweep flips agents offline once their silence exceeds the adaptive
// timeout recorded with their last heartbeat, returning how many
// flipped. The down session is dated from the last proof of life so
// the persisted log lines up with what reports derive from the gap.
func (m *Monitor) sweep(now time.Time) int {
	stale, err := m.state.StaleHealthStatuses(nil, now)
	if err != nil {
		m.logger.Error("stale agent scan failed", "error", err)
		return 0
	}

	flipped := 0
	for _, hs := range stale {
		timeout := time.Duration(hs.AdaptiveTimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 3 * structs.DefaultHeartbeatIntervalMS * time.Millisecond
		}
		silent := now.Sub(hs.LastHeartbeatAt)
		if silent <= timeout {
			continue
		}

		off := hs.Copy()
		off.Status = structs.HealthStatusOffline
		if err := m.state.UpsertHealthStatus(off); err != nil {
			m.logger.Error("could not mark agent offline", "agent_id", hs.AgentID, "error", err)
			continue
		}
		if _, err := m.state.TransitionUptimeSession(hs.AgentID, structs.SessionKindDown,
			hs.LastHeartbeatAt, failureClassTimeout); err != nil {
			m.logger.Error("could not open down session", "agent_id", hs.AgentID, "error", err)
		}

		flipped++
		m.logger.Warn("agent offline", "agent_id", hs.AgentID,
			"silent_for", silent.Round(time.Second), "adaptive_timeout", timeout)
	}

	if flipped > 0 {
		metrics.IncrCounter([]string{"pulse", "telemetry", "offline"}, float32(flipped))
	}
	return flipped
}

// Assessment is a point-in-time health check of one agent: the stored
// derivation plus liveness recomputed against the adaptive timeout.
// Producing one does not mutate stored state; only the sweep does.
type Assessment struct {
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

// Assess reports an agent's current health. An agent silent past its
// adaptive timeout is reported offline even if the sweep has not
// caught up with it yet.
func (m *Monitor) Assess(agentID string) (*Assessment, error) {
	if agentID == "" {
		return nil, structs.NewErr(structs.ErrValidation, "agent_id is required")
	}
	hs, err := m.state.HealthStatusByAgent(nil, agentID)
	if err != nil {
		return nil, err
	}
	if hs == nil {
		return nil, structs.NewErr(structs.ErrNotFound, "agent %s has no recorded telemetry", agentID)
	}

	timeout := time.Duration(hs.AdaptiveTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * structs.DefaultHeartbeatIntervalMS * time.Millisecond
	}
	silent := m.clock.Now().UTC().Sub(hs.LastHeartbeatAt)

	a := &Assessment{
		AgentID:           hs.AgentID,
		Status:            hs.Status,
		Score:             hs.Score,
		QualityScore:      hs.QualityScore,
		AdaptiveTimeoutMS: hs.AdaptiveTimeoutMS,
		LastHeartbeatAt:   hs.LastHeartbeatAt,
		SilentMS:          int64(silent / time.Millisecond),
	}
	if len(hs.Subscores) > 0 {
		a.Subscores = make(map[string]float64, len(hs.Subscores))
		for k, v := range hs.Subscores {
			a.Subscores[k] = v
		}
	}
	if silent > timeout {
		a.Overdue = true
		a.Status = structs.HealthStatusOffline
	}
	return a, nil
}
