// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package pulse implements the scheduling core: the orchestrator tick
// loop, the due-trigger queue, fire-time resolution, and the handler
// registry that executes runs.
package pulse

import (
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Config tunes one orchestrator worker. Zero values defer to
// DefaultConfig via Merge.
type Config struct {
	// WorkerID uniquely names this worker across all processes sharing
	// a lease substrate. Generated when empty.
	WorkerID string

	// TickInterval is the cadence of the scheduling pass.
	TickInterval time.Duration

	// MaxConcurrentRunsPerWorker bounds simultaneous handler
	// executions on this worker.
	MaxConcurrentRunsPerWorker int

	// LeaseDuration is the TTL requested for each trigger dispatch
	// lease.
	LeaseDuration time.Duration

	// LeaseAutoExtend keeps dispatch leases alive under handlers that
	// legitimately outlive the initial lease window.
	LeaseAutoExtend *bool

	// LeaseMaxExtensions bounds how often an auto-extended lease may
	// renew.
	LeaseMaxExtensions int

	// DefaultRetryPolicy applies to triggers that do not declare their
	// own.
	DefaultRetryPolicy *structs.RetryPolicy

	// QueueDepth bounds the in-memory due-trigger queue.
	QueueDepth int

	// QueueLowWater is the depth at which the tick refills the queue
	// from the trigger store.
	QueueLowWater int

	// ShutdownGrace is how long in-flight handlers get to honor
	// cancellation before shutdown stops waiting.
	ShutdownGrace time.Duration

	// GCInterval is the cadence of retention sweeps.
	GCInterval time.Duration

	// Retention windows, enforced by the sweeper.
	RunRetention             time.Duration
	HeartbeatRetention       time.Duration
	MetricsRetention         time.Duration
	ArchivedTriggerRetention time.Duration
	UptimeSessionRetention   time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:               5 * time.Second,
		MaxConcurrentRunsPerWorker: 10,
		LeaseDuration:              300 * time.Second,
		LeaseAutoExtend:            pointer.Of(true),
		LeaseMaxExtensions:         10,
		DefaultRetryPolicy: &structs.RetryPolicy{
			MaxRetries:        3,
			BaseDelaySeconds:  60,
			BackoffMultiplier: 2.0,
		},
		QueueDepth:               256,
		QueueLowWater:            64,
		ShutdownGrace:            30 * time.Second,
		GCInterval:               15 * time.Minute,
		RunRetention:             90 * 24 * time.Hour,
		HeartbeatRetention:       30 * 24 * time.Hour,
		MetricsRetention:         90 * 24 * time.Hour,
		ArchivedTriggerRetention: 90 * 24 * time.Hour,
		UptimeSessionRetention:   90 * 24 * time.Hour,
	}
}

// Merge returns a new Config with non-zero fields of b layered over c.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}

	if b.WorkerID != "" {
		result.WorkerID = b.WorkerID
	}
	if b.TickInterval != 0 {
		result.TickInterval = b.TickInterval
	}
	if b.MaxConcurrentRunsPerWorker != 0 {
		result.MaxConcurrentRunsPerWorker = b.MaxConcurrentRunsPerWorker
	}
	if b.LeaseDuration != 0 {
		result.LeaseDuration = b.LeaseDuration
	}
	if b.LeaseAutoExtend != nil {
		result.LeaseAutoExtend = pointer.Copy(b.LeaseAutoExtend)
	}
	if b.LeaseMaxExtensions != 0 {
		result.LeaseMaxExtensions = b.LeaseMaxExtensions
	}
	if b.DefaultRetryPolicy != nil {
		result.DefaultRetryPolicy = b.DefaultRetryPolicy.Copy()
	}
	if b.QueueDepth != 0 {
		result.QueueDepth = b.QueueDepth
	}
	if b.QueueLowWater != 0 {
		result.QueueLowWater = b.QueueLowWater
	}
	if b.ShutdownGrace != 0 {
		result.ShutdownGrace = b.ShutdownGrace
	}
	if b.GCInterval != 0 {
		result.GCInterval = b.GCInterval
	}
	if b.RunRetention != 0 {
		result.RunRetention = b.RunRetention
	}
	if b.HeartbeatRetention != 0 {
		result.HeartbeatRetention = b.HeartbeatRetention
	}
	if b.MetricsRetention != 0 {
		result.MetricsRetention = b.MetricsRetention
	}
	if b.ArchivedTriggerRetention != 0 {
		result.ArchivedTriggerRetention = b.ArchivedTriggerRetention
	}
	if b.UptimeSessionRetention != 0 {
		result.UptimeSessionRetention = b.UptimeSessionRetention
	}
	return &result
}

// Validate checks the knobs an operator can break.
func (c *Config) Validate() error {
	var mErr multierror.Error
	if c.TickInterval <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval))
	}
	if c.MaxConcurrentRunsPerWorker < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("max_concurrent_runs_per_worker must be >= 1, got %d",
			c.MaxConcurrentRunsPerWorker))
	}
	secs := int64(c.LeaseDuration / time.Second)
	if secs < structs.LeaseMinSeconds || secs > structs.LeaseMaxSeconds {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("lease_duration must be in [%ds, %ds], got %s",
			structs.LeaseMinSeconds, structs.LeaseMaxSeconds, c.LeaseDuration))
	}
	if c.DefaultRetryPolicy != nil {
		if err := c.DefaultRetryPolicy.Validate(); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	if c.QueueDepth < 1 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("queue_depth must be >= 1, got %d", c.QueueDepth))
	}
	if c.QueueLowWater < 0 || c.QueueLowWater > c.QueueDepth {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("queue_low_water must be in [0, queue_depth], got %d",
			c.QueueLowWater))
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return structs.WrapErr(structs.ErrValidation, err, "orchestrator config validation failed")
	}
	return nil
}
