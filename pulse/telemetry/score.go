// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package telemetry

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Subscore names, also the keys of HealthStatus.Subscores.
const (
	subscoreCPU       = "cpu"
	subscoreMemory    = "memory"
	subscoreLatency   = "net_latency"
	subscoreErrorRate = "error_rate"
)

// subscoreWeights skews the health score toward the signals that best
// predict task failures. Absent subscores hand their weight to the
// rest through renormalization.
var subscoreWeights = map[string]float64{
	subscoreCPU:       0.35,
	subscoreMemory:    0.25,
	subscoreLatency:   0.20,
	subscoreErrorRate: 0.20,
}

// subscoreOrder fixes iteration for deterministic alert output.
var subscoreOrder = []string{subscoreCPU, subscoreMemory, subscoreLatency, subscoreErrorRate}

// band grades a metric against its two thresholds: full marks up to
// lo, half marks up to hi, zero beyond.
func band(v, lo, hi float64) float64 {
	switch {
	case v <= lo:
		return 1.0
	case v <= hi:
		return 0.5
	default:
		return 0.0
	}
}

// subscores grades each available signal of one heartbeat. Memory is
// skipped when the agent declared no limit, error rate when it served
// no requests.
func subscores(hb *structs.Heartbeat) map[string]float64 {
	sub := map[string]float64{
		subscoreCPU:     band(hb.CPUPercent, 80, 95),
		subscoreLatency: band(hb.NetworkLatencyMS, 300, 1000),
	}
	if mem := hb.MemoryPercent(); mem >= 0 {
		sub[subscoreMemory] = band(mem, 85, 95)
	}
	if rate := hb.ErrorRate(); rate >= 0 {
		sub[subscoreErrorRate] = band(100*rate, 1, 5)
	}
	return sub
}

// healthScore folds the subscores into a 0-100 score, renormalizing
// the weights over whichever subscores are present.
func healthScore(sub map[string]float64) float64 {
	var num, den float64
	for name, s := range sub {
		w := subscoreWeights[name]
		num += w * s
		den += w
	}
	if den == 0 {
		return 0
	}
	return 100 * num / den
}

// statusForScore maps a score into the health bands.
func statusForScore(score float64) string {
	switch {
	case score >= 85:
		return structs.HealthStatusHealthy
	case score >= 70:
		return structs.HealthStatusDegraded
	default:
		return structs.HealthStatusCritical
	}
}

// qualityScore grades how complete and timely a heartbeat payload is,
// apart from the health its numbers convey. Each absent signal costs
// one fifth of the scale.
func qualityScore(hb *structs.Heartbeat, skew time.Duration) float64 {
	checks := []bool{
		hb.MemoryLimitBytes > 0,
		hb.RequestCount > 0,
		hb.IntervalMS > 0,
		hb.AgentVersion != "",
		skew <= hb.DeclaredInterval(),
	}
	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	return 100 * float64(passed) / float64(len(checks))
}

// adaptiveTimeout derives the silence bound after which an agent is
// presumed down: observed cadence plus a 2.3 sigma jitter allowance,
// clamped to [2x, 10x] the declared interval. Too few samples to
// estimate jitter yields a flat multiple instead.
func adaptiveTimeout(intervals []time.Duration, declared time.Duration) time.Duration {
	if len(intervals) < 2 {
		return 3 * declared
	}
	mean, stddev := meanStddev(intervals)
	timeout := mean + time.Duration(2.3*float64(stddev))
	if lo := 2 * declared; timeout < lo {
		timeout = lo
	}
	if hi := 10 * declared; timeout > hi {
		timeout = hi
	}
	return timeout
}

func meanStddev(samples []time.Duration) (time.Duration, time.Duration) {
	n := float64(len(samples))
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / n

	var varSum float64
	for _, s := range samples {
		d := float64(s) - mean
		varSum += d * d
	}
	return time.Duration(mean), time.Duration(math.Sqrt(varSum / n))
}

// arrivalHistory is one agent's recent heartbeat cadence.
type arrivalHistory struct {
	mu        sync.Mutex
	last      time.Time
	intervals []time.Duration
}

// observe records a heartbeat instant and returns a snapshot of the
// inter-arrival window, oldest first. Instants at or before the last
// one recorded extend nothing.
func (h *arrivalHistory) observe(at time.Time, window int) []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.last.IsZero() && at.After(h.last) {
		h.intervals = append(h.intervals, at.Sub(h.last))
		if n := len(h.intervals) - window; n > 0 {
			h.intervals = h.intervals[n:]
		}
	}
	if at.After(h.last) {
		h.last = at
	}

	out := make([]time.Duration, len(h.intervals))
	copy(out, h.intervals)
	return out
}
