// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telemetry

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"

	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Analyzer reconstructs an agent's availability over a query window
// from its stored heartbeat stream. Reports are derived on demand and
// never written back.
type Analyzer struct {
	logger hclog.Logger
	config *Config
	state  *state.StateStore
	clock  clock.Clock
}

// NewAnalyzer wires an analyzer against the state store. The config
// is merged over defaults.
func NewAnalyzer(logger hclog.Logger, cfg *Config, store *state.StateStore, clk clock.Clock) (*Analyzer, error) {
	cfg = DefaultConfig().Merge(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Analyzer{
		logger: logger.Named("uptime"),
		config: cfg,
		state:  store,
		clock:  clk,
	}, nil
}

// downSpan is one derived outage inside a report window. recovered is
// set only when both edges were observed as heartbeats, which is what
// makes the duration an exact repair time rather than a window clip.
type downSpan struct {
	from, to  time.Time
	recovered bool
}

// Report derives the uptime summary for one agent over [start, end].
// slaTarget overrides the configured availability target; nil falls
// back to the config, and a zero target skips the assessment.
func (a *Analyzer) Report(agentID string, start, end time.Time, slaTarget *float64) (*structs.UptimeReport, error) {
	if agentID == "" {
		return nil, structs.NewErr(structs.ErrValidation, "missing agent_id")
	}
	if !end.After(start) {
		return nil, structs.NewErr(structs.ErrValidation,
			"report window must end after it starts, got [%s, %s]",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	hbs, err := a.state.HeartbeatsByAgentRange(nil, agentID, start, end)
	if err != nil {
		return nil, err
	}

	downs := a.deriveDowns(hbs, start, end)

	report := &structs.UptimeReport{
		AgentID:        agentID,
		PeriodStart:    start,
		PeriodEnd:      end,
		HeartbeatCount: len(hbs),
		Sessions:       buildSessions(agentID, downs, start, end),
	}

	total := end.Sub(start).Seconds()
	var down float64
	for _, d := range downs {
		down += d.to.Sub(d.from).Seconds()
	}
	if down > total {
		down = total
	}
	report.DowntimeSeconds = down
	report.UptimeSeconds = total - down

	pct := 100 * (1 - down/total)
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	report.UptimePercent = pct

	// MTTR averages outages whose repair was observed inside the
	// window. Spans clipped by a window edge have unknown true length
	// and stay out.
	var repaired []float64
	for _, d := range downs {
		if d.recovered {
			repaired = append(repaired, d.to.Sub(d.from).Seconds())
		}
	}
	if len(repaired) > 0 {
		report.MTTRSeconds = pointer.Of(mean(repaired))
	}

	// MTBF averages the distance between consecutive outage starts.
	if len(downs) >= 2 {
		gaps := make([]float64, 0, len(downs)-1)
		for k := 1; k < len(downs); k++ {
			gaps = append(gaps, downs[k].from.Sub(downs[k-1].from).Seconds())
		}
		report.MTBFSeconds = pointer.Of(mean(gaps))
	}

	switch {
	case len(hbs) == 0:
		report.Status = structs.HealthStatusOffline
	case pct >= 99:
		report.Status = structs.HealthStatusHealthy
	case pct >= 95:
		report.Status = structs.HealthStatusDegraded
	default:
		report.Status = structs.HealthStatusCritical
	}

	target := a.config.SLATargetPercent
	if slaTarget != nil {
		target = *slaTarget
	}
	if target > 0 {
		report.SLA = assessSLA(pct, target)
	}

	a.logger.Trace("uptime derived", "agent_id", agentID,
		"uptime_percent", pct, "down_spans", len(downs), "heartbeats", len(hbs))
	return report, nil
}

// ReportLast derives the uptime summary for the trailing window
// ending now.
func (a *Analyzer) ReportLast(agentID string, window time.Duration, slaTarget *float64) (*structs.UptimeReport, error) {
	now := a.clock.Now().UTC()
	return a.Report(agentID, now.Add(-window), now, slaTarget)
}

// deriveDowns replays the heartbeat stream and flags every silence
// longer than the agent's adaptive timeout at that point. Silences
// against the window edges count as outages too, with the edge
// leaving the span unrecovered.
func (a *Analyzer) deriveDowns(hbs []*structs.Heartbeat, start, end time.Time) []downSpan {
	if len(hbs) == 0 {
		return []downSpan{{from: start, to: end}}
	}

	var downs []downSpan
	window := a.config.ArrivalWindow
	var ring []time.Duration

	first := hbs[0]
	if gap := first.Timestamp.Sub(start); gap > adaptiveTimeout(nil, first.DeclaredInterval()) {
		downs = append(downs, downSpan{from: start, to: first.Timestamp})
	}

	for k := 1; k < len(hbs); k++ {
		prev, cur := hbs[k-1], hbs[k]
		gap := cur.Timestamp.Sub(prev.Timestamp)
		if gap > adaptiveTimeout(ring, prev.DeclaredInterval()) {
			downs = append(downs, downSpan{from: prev.Timestamp, to: cur.Timestamp, recovered: true})
			continue
		}
		// Only healthy gaps feed the cadence estimate; outages would
		// inflate it.
		if gap > 0 {
			ring = append(ring, gap)
			if n := len(ring) - window; n > 0 {
				ring = ring[n:]
			}
		}
	}

	last := hbs[len(hbs)-1]
	if gap := end.Sub(last.Timestamp); gap > adaptiveTimeout(ring, last.DeclaredInterval()) {
		downs = append(downs, downSpan{from: last.Timestamp, to: end})
	}
	return downs
}

// buildSessions expands the outage list into a contiguous up/down
// timeline covering the window. These are derived views, never
// persisted.
func buildSessions(agentID string, downs []downSpan, start, end time.Time) []*structs.UptimeSession {
	var out []*structs.UptimeSession
	add := func(kind, failureClass string, from, to time.Time) {
		if !to.After(from) {
			return
		}
		out = append(out, &structs.UptimeSession{
			ID:           uuid.Generate(),
			AgentID:      agentID,
			Kind:         kind,
			StartedAt:    from,
			EndedAt:      to,
			FailureClass: failureClass,
		})
	}

	cursor := start
	for _, d := range downs {
		add(structs.SessionKindUp, "", cursor, d.from)
		add(structs.SessionKindDown, failureClassGap, d.from, d.to)
		cursor = d.to
	}
	add(structs.SessionKindUp, "", cursor, end)
	return out
}

// assessSLA compares observed uptime to the target and grades breach
// risk by how much of the error budget the window consumed: more than
// half gone reads medium, a missed target reads high.
func assessSLA(uptime, target float64) *structs.SLAAssessment {
	sla := &structs.SLAAssessment{
		TargetPercent: target,
		Met:           uptime >= target,
		SlackPercent:  uptime - target,
	}
	budget := 100 - target
	switch {
	case !sla.Met:
		sla.BreachRisk = structs.BreachRiskHigh
	case sla.SlackPercent < budget/2:
		sla.BreachRisk = structs.BreachRiskMedium
	default:
		sla.BreachRisk = structs.BreachRiskLow
	}
	return sla
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
