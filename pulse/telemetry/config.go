// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package telemetry derives agent health from heartbeat streams. The
// ingestor scores each report and adapts per-agent silence timeouts,
// the analyzer reconstructs uptime over a query window, and the
// monitor flips silent agents offline.
package telemetry

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	version "github.com/hashicorp/go-version"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Batch ingestion limits, enforced before any item is examined.
const (
	MaxBatchHeartbeats = 1000
	MaxBatchMetrics    = 5000
)

// Config tunes heartbeat scoring and the offline sweep. Zero values
// defer to DefaultConfig via Merge.
type Config struct {
	// ArrivalWindow is how many inter-arrival samples feed the
	// adaptive timeout estimate.
	ArrivalWindow int

	// AgentCacheSize bounds the per-agent arrival histories kept in
	// memory. Evicted agents rebuild their window from scratch.
	AgentCacheSize int

	// SweepInterval is the cadence of the offline sweep.
	SweepInterval time.Duration

	// SLATargetPercent is the availability target reports grade
	// against when the caller does not name one. Zero disables the
	// assessment.
	SLATargetPercent float64

	// MinAgentVersion, when set, flags heartbeats from older agents
	// with a warning alert.
	MinAgentVersion string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		ArrivalWindow:    10,
		AgentCacheSize:   8192,
		SweepInterval:    30 * time.Second,
		SLATargetPercent: 99.9,
	}
}

// Merge returns a new Config with non-zero fields of b layered over c.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}

	if b.ArrivalWindow != 0 {
		result.ArrivalWindow = b.ArrivalWindow
	}
	if b.AgentCacheSize != 0 {
		result.AgentCacheSize = b.AgentCacheSize
	}
	if b.SweepInterval != 0 {
		result.SweepInterval = b.SweepInterval
	}
	if b.SLATargetPercent != 0 {
		result.SLATargetPercent = b.SLATargetPercent
	}
	if b.MinAgentVersion != "" {
		result.MinAgentVersion = b.MinAgentVersion
	}
	return &result
}

// Validate checks the knobs an operator can break.
func (c *Config) Validate() error {
	var mErr multierror.Error
	if c.ArrivalWindow < 2 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("arrival_window must be >= 2, got %d", c.ArrivalWindow))
	}
	if c.AgentCacheSize < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("agent_cache_size must be >= 1, got %d", c.AgentCacheSize))
	}
	if c.SweepInterval <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval))
	}
	if c.SLATargetPercent < 0 || c.SLATargetPercent > 100 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("sla_target_percent must be in [0, 100], got %v", c.SLATargetPercent))
	}
	if c.MinAgentVersion != "" {
		if _, err := version.NewVersion(c.MinAgentVersion); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("min_agent_version %q does not parse: %v", c.MinAgentVersion, err))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return structs.WrapErr(structs.ErrValidation, err, "telemetry config validation failed")
	}
	return nil
}
