// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	overlay := &Config{
		WorkerID:                   "worker-a",
		TickInterval:               time.Second,
		LeaseAutoExtend:            pointer.Of(false),
		MaxConcurrentRunsPerWorker: 2,
		DefaultRetryPolicy: &structs.RetryPolicy{
			MaxRetries:        1,
			BaseDelaySeconds:  5,
			BackoffMultiplier: 1.5,
		},
	}

	got := base.Merge(overlay)

	want := DefaultConfig()
	want.WorkerID = "worker-a"
	want.TickInterval = time.Second
	want.LeaseAutoExtend = pointer.Of(false)
	want.MaxConcurrentRunsPerWorker = 2
	want.DefaultRetryPolicy = &structs.RetryPolicy{
		MaxRetries:        1,
		BaseDelaySeconds:  5,
		BackoffMultiplier: 1.5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged config mismatch (-want +got):\n%s", diff)
	}

	// The overlay keeps its own copies.
	got.DefaultRetryPolicy.MaxRetries = 99
	must.Eq(t, 1, overlay.DefaultRetryPolicy.MaxRetries)

	// A nil overlay is a copy of the base.
	alone := base.Merge(nil)
	if diff := cmp.Diff(base, alone); diff != "" {
		t.Fatalf("nil merge mismatch (-want +got):\n%s", diff)
	}
}

func TestConfig_Merge_FalseDoesNotRevert(t *testing.T) {
	ci.Parallel(t)

	// false must survive merging over the default of true.
	got := DefaultConfig().Merge(&Config{LeaseAutoExtend: pointer.Of(false)})
	must.NotNil(t, got.LeaseAutoExtend)
	must.False(t, *got.LeaseAutoExtend)

	// And an unset overlay keeps the default.
	got = DefaultConfig().Merge(&Config{TickInterval: time.Second})
	must.NotNil(t, got.LeaseAutoExtend)
	must.True(t, *got.LeaseAutoExtend)
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		name    string
		mutate  func(*Config)
		contain string
	}{
		{"zero tick", func(c *Config) { c.TickInterval = 0 }, "tick_interval"},
		{"no capacity", func(c *Config) { c.MaxConcurrentRunsPerWorker = 0 }, "max_concurrent_runs_per_worker"},
		{"lease too short", func(c *Config) { c.LeaseDuration = 500 * time.Millisecond }, "lease_duration"},
		{"lease too long", func(c *Config) { c.LeaseDuration = 2 * time.Hour }, "lease_duration"},
		{"empty queue", func(c *Config) { c.QueueDepth = 0 }, "queue_depth"},
		{"low water above depth", func(c *Config) { c.QueueLowWater = 10_000 }, "queue_low_water"},
		{"bad retry policy", func(c *Config) { c.DefaultRetryPolicy.BackoffMultiplier = 0.5 }, "multiplier"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			err := c.Validate()
			must.Error(t, err)
			must.True(t, structs.IsKind(err, structs.ErrValidation))
			must.True(t, strings.Contains(err.Error(), tc.contain),
				must.Sprintf("error %q does not mention %q", err, tc.contain))
		})
	}
}
