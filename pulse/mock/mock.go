// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock holds canonical fixtures for tests.
package mock

import (
	"time"

	"github.com/hashicorp/pulse/helper/uuid"
	"github.com/hashicorp/pulse/pulse/structs"
)

// Trigger returns a valid, canonical cron trigger firing daily at
// 02:30 UTC.
func Trigger() *structs.Trigger {
	t := &structs.Trigger{
		ID:             uuid.Generate(),
		Name:           "nightly-report-" + uuid.Short(),
		Description:    "renders and ships the nightly usage report",
		Kind:           structs.TriggerKindTimeBased,
		CronExpression: "30 2 * * *",
		Timezone:       "UTC",
		TaskType:       "http_request",
		TaskConfig: map[string]any{
			"url":    "http://127.0.0.1:8080/render",
			"method": "POST",
		},
		TaskParameters: map[string]any{
			"report": "nightly-usage",
		},
		Status:   structs.TriggerStatusActive,
		Priority: structs.DefaultTriggerPriority,
		RetryPolicy: &structs.RetryPolicy{
			MaxRetries:        3,
			BaseDelaySeconds:  60,
			BackoffMultiplier: 2.0,
		},
		NextFireAt:     time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		OrganizationID: structs.DefaultOrganization,
		CreatedBy:      "mock",
		Tags:           []string{"reporting"},
	}
	t.Canonicalize()
	return t
}

// IntervalTrigger returns a valid trigger firing every n seconds.
func IntervalTrigger(n int64) *structs.Trigger {
	t := Trigger()
	t.Name = "poll-upstream-" + uuid.Short()
	t.Kind = structs.TriggerKindInterval
	t.CronExpression = ""
	t.IntervalSeconds = n
	t.NextFireAt = time.Now().UTC().Add(time.Duration(n) * time.Second).Truncate(time.Second)
	t.Canonicalize()
	return t
}

// EventTrigger returns a valid trigger fired by the named event types.
func EventTrigger(types ...string) *structs.Trigger {
	t := Trigger()
	t.Name = "on-deploy-" + uuid.Short()
	t.Kind = structs.TriggerKindEvent
	t.CronExpression = ""
	t.EventTypes = types
	t.NextFireAt = time.Time{}
	t.Canonicalize()
	return t
}

// DependencyTrigger returns a valid trigger gated on upstream triggers.
func DependencyTrigger(predicate string, deps ...string) *structs.Trigger {
	t := Trigger()
	t.Name = "after-upstream-" + uuid.Short()
	t.Kind = structs.TriggerKindDependency
	t.CronExpression = ""
	t.DependencyTriggerIDs = deps
	t.DependencyPredicate = predicate
	t.NextFireAt = time.Time{}
	t.Canonicalize()
	return t
}

// ManualTrigger returns a valid trigger that only fires on request.
func ManualTrigger() *structs.Trigger {
	t := Trigger()
	t.Name = "rebuild-cache-" + uuid.Short()
	t.Kind = structs.TriggerKindManual
	t.CronExpression = ""
	t.NextFireAt = time.Time{}
	t.Canonicalize()
	return t
}

// Run returns a valid pending run for the trigger, scheduled for a
// fixed recent instant.
func Run(t *structs.Trigger) *structs.Run {
	r := &structs.Run{
		ID:             uuid.Generate(),
		TriggerID:      t.ID,
		Status:         structs.RunStatusPending,
		ScheduledFor:   time.Now().UTC().Truncate(time.Second),
		TaskParameters: structs.CopyMapAny(t.TaskParameters),
		MaxRetries:     t.EffectiveRetryPolicy(nil).MaxRetries,
		OrganizationID: t.OrganizationID,
		TriggeredBy:    "schedule",
	}
	r.Canonicalize()
	return r
}

// Lease returns a valid unexpired lease on a trigger resource.
func Lease(resourceID string) *structs.Lease {
	now := time.Now().UTC()
	return &structs.Lease{
		ID:                uuid.Generate(),
		ResourceType:      structs.LeaseResourceTrigger,
		ResourceID:        resourceID,
		WorkerID:          "worker-" + uuid.Short(),
		ProcessID:         4501,
		AcquiredAt:        now,
		ExpiresAt:         now.Add(5 * time.Minute),
		DurationSeconds:   300,
		LastHeartbeat:     now,
		HeartbeatInterval: structs.DefaultLeaseHeartbeatInterval,
		MaxExtensions:     10,
	}
}

// Heartbeat returns a valid healthy heartbeat for the agent.
func Heartbeat(agentID string, seq uint64) *structs.Heartbeat {
	return &structs.Heartbeat{
		ID:               uuid.Generate(),
		AgentID:          agentID,
		Timestamp:        time.Now().UTC().Truncate(time.Millisecond),
		Status:           structs.HealthStatusHealthy,
		AgentVersion:     "1.4.2",
		Environment:      "production",
		AvailabilityZone: "us-east-1a",
		CPUPercent:       22.5,
		MemoryUsedBytes:  2 << 30,
		MemoryLimitBytes: 8 << 30,
		DiskPercent:      41.0,
		NetworkLatencyMS: 12.0,
		RequestCount:     1000,
		ErrorCount:       3,
		ResponseTimeMS:   85.0,
		IntervalMS:       30_000,
		Sequence:         seq,
	}
}

// MetricsSample returns a valid system metrics sample for the agent.
func MetricsSample(agentID string) *structs.MetricsSample {
	return &structs.MetricsSample{
		ID:              uuid.Generate(),
		AgentID:         agentID,
		Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
		CPUPercent:      35.0,
		MemoryPercent:   48.0,
		DiskPercent:     52.5,
		NetworkInBytes:  4 << 20,
		NetworkOutBytes: 1 << 20,
		LoadAvg1:        0.8,
		LoadAvg5:        0.6,
		LoadAvg15:       0.5,
		ProcessCount:    120,
	}
}

// HealthStatus returns a derived health row consistent with a healthy
// agent heard from just now.
func HealthStatus(agentID string) *structs.HealthStatus {
	now := time.Now().UTC()
	return &structs.HealthStatus{
		AgentID:           agentID,
		Status:            structs.HealthStatusHealthy,
		Score:             97.5,
		Subscores:         map[string]float64{"cpu": 1.0, "memory": 0.95, "net_latency": 1.0, "error_rate": 0.97},
		AdaptiveTimeoutMS: 90_000,
		QualityScore:      99.0,
		LastHeartbeatAt:   now,
		LastSequence:      1,
		UpdatedAt:         now,
		Environment:       "production",
		AvailabilityZone:  "us-east-1a",
		AgentVersion:      "1.4.2",
	}
}
