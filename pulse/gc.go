// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"time"

	"github.com/dustin/go-humanize"
	metrics "github.com/hashicorp/go-metrics/compat"
)

// runGC applies the retention windows: rested runs, archived triggers
// past their quiet period, aged telemetry, and expired leases.
func (o *Orchestrator) runGC(now time.Time) {
	defer metrics.MeasureSince([]string{"pulse", "gc", "sweep"}, time.Now())

	sweeps := []struct {
		table string
		run   func() (int, error)
	}{
		{"runs", func() (int, error) {
			return o.state.DeleteRunsEndedBefore(now.Add(-o.config.RunRetention))
		}},
		{"triggers", func() (int, error) {
			return o.state.DeleteArchivedTriggersBefore(now.Add(-o.config.ArchivedTriggerRetention))
		}},
		{"heartbeats", func() (int, error) {
			return o.state.DeleteHeartbeatsBefore(now.Add(-o.config.HeartbeatRetention))
		}},
		{"metrics", func() (int, error) {
			return o.state.DeleteMetricsBefore(now.Add(-o.config.MetricsRetention))
		}},
		{"uptime_sessions", func() (int, error) {
			return o.state.DeleteUptimeSessionsEndedBefore(now.Add(-o.config.UptimeSessionRetention))
		}},
		{"leases", func() (int, error) {
			return o.leases.Reap(o.runCtx)
		}},
	}

	for _, sw := range sweeps {
		n, err := sw.run()
		if err != nil {
			o.logger.Error("gc sweep failed", "table", sw.table, "error", err)
			continue
		}
		if n > 0 {
			metrics.IncrCounterWithLabels([]string{"pulse", "gc", "swept"}, float32(n),
				[]metrics.Label{{Name: "table", Value: sw.table}})
			o.logger.Debug("gc swept rows", "table", sw.table,
				"count", humanize.Comma(int64(n)))
		}
	}
}
