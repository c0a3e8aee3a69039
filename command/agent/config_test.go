// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/pointer"
	"github.com/hashicorp/pulse/pulse/structs"
)

func TestConfig_DefaultConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	must.Eq(t, "INFO", c.LogLevel)
	must.Eq(t, "127.0.0.1", c.BindAddr)
	must.Eq(t, 4747, c.Port)
	must.Eq(t, "/v1", c.APIPrefix)
	must.False(t, c.Auth.Enabled)
	must.Eq(t, []string{"*"}, c.CORS.AllowedOrigins)
	must.Eq(t, LeaseBackendMemory, c.Leases.Backend)

	must.NoError(t, c.Validate())
}

func TestConfig_DevConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig().Merge(DevConfig())
	must.Eq(t, "DEBUG", c.LogLevel)

	// Only the overlay's non-zero fields take effect.
	must.Eq(t, 4747, c.Port)
	must.Eq(t, "/v1", c.APIPrefix)
	must.NoError(t, c.Validate())
}

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	base.Auth.Tokens = map[string]string{"base-token": "base"}

	overlay := &Config{
		LogLevel:  "WARN",
		LogJSON:   true,
		Port:      4800,
		APIPrefix: "/api",
		Auth: &AuthConfig{
			Enabled: true,
			Tokens:  map[string]string{"s3cret": "ops"},
		},
		CORS: &CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"http://dashboard.internal"},
		},
		Scheduler: &SchedulerConfig{
			WorkerID:        "worker-a",
			TickInterval:    "250ms",
			LeaseAutoExtend: pointer.Of(false),
		},
		Telemetry: &TelemetryConfig{
			SweepInterval:    "45s",
			SLATargetPercent: 99.5,
		},
		Leases: &LeaseConfig{
			Backend:   LeaseBackendRedis,
			RedisAddr: "127.0.0.1:6379",
			RedisDB:   2,
		},
	}

	merged := base.Merge(overlay)
	must.Eq(t, "WARN", merged.LogLevel)
	must.True(t, merged.LogJSON)
	must.Eq(t, 4800, merged.Port)
	must.Eq(t, "/api", merged.APIPrefix)

	// Zero fields in the overlay leave the base value alone.
	must.Eq(t, "127.0.0.1", merged.BindAddr)

	// Token maps union, overlay keys winning.
	must.True(t, merged.Auth.Enabled)
	must.Eq(t, "ops", merged.Auth.Tokens["s3cret"])
	must.Eq(t, "base", merged.Auth.Tokens["base-token"])

	// Origin lists replace wholesale.
	must.Eq(t, []string{"http://dashboard.internal"}, merged.CORS.AllowedOrigins)

	must.Eq(t, "worker-a", merged.Scheduler.WorkerID)
	must.Eq(t, "250ms", merged.Scheduler.TickInterval)
	require.NotNil(t, merged.Scheduler.LeaseAutoExtend)
	must.False(t, *merged.Scheduler.LeaseAutoExtend)

	must.Eq(t, "45s", merged.Telemetry.SweepInterval)
	must.Eq(t, 99.5, merged.Telemetry.SLATargetPercent)

	must.Eq(t, LeaseBackendRedis, merged.Leases.Backend)
	must.Eq(t, "127.0.0.1:6379", merged.Leases.RedisAddr)
	must.Eq(t, 2, merged.Leases.RedisDB)

	// Merge copies; the inputs are untouched and unaliased.
	must.Eq(t, "INFO", base.LogLevel)
	must.Eq(t, 4747, base.Port)
	must.False(t, base.Auth.Enabled)
	*overlay.Scheduler.LeaseAutoExtend = true
	must.False(t, *merged.Scheduler.LeaseAutoExtend)

	// A nil overlay is a plain copy.
	copied := base.Merge(nil)
	must.Eq(t, base.Port, copied.Port)
	must.Eq(t, base.LogLevel, copied.LogLevel)
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name    string
		mutate  func(*Config)
		contain string
	}{
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "LOUD" },
			contain: `unknown log_level "LOUD"`,
		},
		{
			name:    "missing bind addr",
			mutate:  func(c *Config) { c.BindAddr = "" },
			contain: "bind_addr is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Port = 70000 },
			contain: "port must be in [0, 65535]",
		},
		{
			name:    "prefix missing slash",
			mutate:  func(c *Config) { c.APIPrefix = "v1" },
			contain: "api_prefix must begin with /",
		},
		{
			name:    "auth enabled without tokens",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			contain: "auth is enabled but no tokens are configured",
		},
		{
			name: "cors enabled without origins",
			mutate: func(c *Config) {
				c.CORS.Enabled = true
				c.CORS.AllowedOrigins = nil
			},
			contain: "cors is enabled but no allowed_origins",
		},
		{
			name:    "unknown lease backend",
			mutate:  func(c *Config) { c.Leases.Backend = "zookeeper" },
			contain: `unknown lease backend "zookeeper"`,
		},
		{
			name:    "redis backend without addr",
			mutate:  func(c *Config) { c.Leases.Backend = LeaseBackendRedis },
			contain: `lease backend "redis" requires redis_addr`,
		},
		{
			name:    "bad min agent version",
			mutate:  func(c *Config) { c.Telemetry.MinAgentVersion = "not-semver" },
			contain: "min_agent_version",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			must.True(t, structs.IsKind(err, structs.ErrValidation), must.Sprintf("case %q: %v", tc.name, err))
			must.StrContains(t, err.Error(), tc.contain)
		})
	}
}

func TestConfig_SchedulerConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.Scheduler = &SchedulerConfig{
		WorkerID:                 "worker-a",
		TickInterval:             "250ms",
		MaxConcurrentRuns:        16,
		LeaseDuration:            "2m",
		LeaseAutoExtend:          pointer.Of(true),
		LeaseMaxExtensions:       5,
		QueueDepth:               512,
		QueueLowWater:            64,
		ShutdownGrace:            "10s",
		GCInterval:               "5m",
		RunRetention:             "168h",
		ArchivedTriggerRetention: "720h",
		DefaultRetry: &RetryConfig{
			MaxRetries:        4,
			BaseDelaySeconds:  30,
			BackoffMultiplier: 2.5,
			MaxDelaySeconds:   600,
		},
	}

	pc, err := c.SchedulerConfig()
	require.NoError(t, err)
	must.Eq(t, "worker-a", pc.WorkerID)
	must.Eq(t, 250*time.Millisecond, pc.TickInterval)
	must.Eq(t, 16, pc.MaxConcurrentRunsPerWorker)
	must.Eq(t, 2*time.Minute, pc.LeaseDuration)
	require.NotNil(t, pc.LeaseAutoExtend)
	must.True(t, *pc.LeaseAutoExtend)
	must.Eq(t, 5, pc.LeaseMaxExtensions)
	must.Eq(t, 512, pc.QueueDepth)
	must.Eq(t, 64, pc.QueueLowWater)
	must.Eq(t, 10*time.Second, pc.ShutdownGrace)
	must.Eq(t, 5*time.Minute, pc.GCInterval)
	must.Eq(t, 168*time.Hour, pc.RunRetention)
	must.Eq(t, 720*time.Hour, pc.ArchivedTriggerRetention)

	require.NotNil(t, pc.DefaultRetryPolicy)
	must.Eq(t, 4, pc.DefaultRetryPolicy.MaxRetries)
	must.Eq(t, int64(30), pc.DefaultRetryPolicy.BaseDelaySeconds)
	must.Eq(t, 2.5, pc.DefaultRetryPolicy.BackoffMultiplier)
	must.Eq(t, int64(600), pc.DefaultRetryPolicy.MaxDelaySeconds)

	// Unset durations stay zero so the core fills its defaults.
	must.Eq(t, time.Duration(0), pc.HeartbeatRetention)

	// An empty block converts cleanly.
	c.Scheduler = nil
	pc, err = c.SchedulerConfig()
	require.NoError(t, err)
	must.Eq(t, "", pc.WorkerID)
	must.Nil(t, pc.DefaultRetryPolicy)
}

func TestConfig_SchedulerConfig_BadDuration(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.Scheduler = &SchedulerConfig{
		TickInterval: "soon",
		GCInterval:   "eventually",
	}

	_, err := c.SchedulerConfig()
	require.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))
	must.StrContains(t, err.Error(), `tick_interval: invalid duration "soon"`)
	must.StrContains(t, err.Error(), `gc_interval: invalid duration "eventually"`)
}

func TestConfig_TelemetryConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.Telemetry = &TelemetryConfig{
		ArrivalWindow:    20,
		AgentCacheSize:   2048,
		SweepInterval:    "45s",
		SLATargetPercent: 99.5,
		MinAgentVersion:  "1.2.0",
	}

	tc, err := c.TelemetryConfig()
	require.NoError(t, err)
	must.Eq(t, 20, tc.ArrivalWindow)
	must.Eq(t, 2048, tc.AgentCacheSize)
	must.Eq(t, 45*time.Second, tc.SweepInterval)
	must.Eq(t, 99.5, tc.SLATargetPercent)
	must.Eq(t, "1.2.0", tc.MinAgentVersion)

	c.Telemetry.SweepInterval = "whenever"
	_, err = c.TelemetryConfig()
	require.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))
	must.StrContains(t, err.Error(), `sweep_interval: invalid duration "whenever"`)
}

func TestConfig_LoadConfigFile(t *testing.T) {
	ci.Parallel(t)

	raw := `
log_level  = "DEBUG"
log_json   = true
bind_addr  = "0.0.0.0"
port       = 4800
api_prefix = "/api"

auth {
  enabled = true
  tokens = {
    "s3cret" = "ops"
  }
}

cors {
  enabled         = true
  allowed_origins = ["http://dashboard.internal"]
}

scheduler {
  worker_id           = "worker-a"
  tick_interval       = "500ms"
  max_concurrent_runs = 16
  lease_auto_extend   = true

  default_retry {
    max_retries        = 4
    base_delay_seconds = 30
    backoff_multiplier = 2.5
    max_delay_seconds  = 600
  }
}

telemetry {
  arrival_window     = 20
  sweep_interval     = "45s"
  sla_target_percent = 99.5
  min_agent_version  = "1.2.0"
}

leases {
  backend    = "redis"
  redis_addr = "127.0.0.1:6379"
  redis_db   = 2
}
`
	path := filepath.Join(t.TempDir(), "agent.hcl")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	must.Eq(t, "DEBUG", c.LogLevel)
	must.True(t, c.LogJSON)
	must.Eq(t, "0.0.0.0", c.BindAddr)
	must.Eq(t, 4800, c.Port)
	must.Eq(t, "/api", c.APIPrefix)

	require.NotNil(t, c.Auth)
	must.True(t, c.Auth.Enabled)
	must.Eq(t, "ops", c.Auth.Tokens["s3cret"])

	require.NotNil(t, c.CORS)
	must.Eq(t, []string{"http://dashboard.internal"}, c.CORS.AllowedOrigins)

	require.NotNil(t, c.Scheduler)
	must.Eq(t, "worker-a", c.Scheduler.WorkerID)
	must.Eq(t, "500ms", c.Scheduler.TickInterval)
	must.Eq(t, 16, c.Scheduler.MaxConcurrentRuns)
	require.NotNil(t, c.Scheduler.LeaseAutoExtend)
	must.True(t, *c.Scheduler.LeaseAutoExtend)
	require.NotNil(t, c.Scheduler.DefaultRetry)
	must.Eq(t, 4, c.Scheduler.DefaultRetry.MaxRetries)
	must.Eq(t, 2.5, c.Scheduler.DefaultRetry.BackoffMultiplier)

	require.NotNil(t, c.Telemetry)
	must.Eq(t, "45s", c.Telemetry.SweepInterval)
	must.Eq(t, "1.2.0", c.Telemetry.MinAgentVersion)

	require.NotNil(t, c.Leases)
	must.Eq(t, LeaseBackendRedis, c.Leases.Backend)
	must.Eq(t, 2, c.Leases.RedisDB)

	// The file shape layers over the defaults like any overlay.
	merged := DefaultConfig().Merge(c)
	must.NoError(t, merged.Validate())
	must.Eq(t, 4800, merged.Port)
}

func TestConfig_LoadConfigFile_JSON(t *testing.T) {
	ci.Parallel(t)

	raw := `{"log_level": "WARN", "port": 4900, "bind_addr": "10.0.0.5"}`
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	must.Eq(t, "WARN", c.LogLevel)
	must.Eq(t, 4900, c.Port)
	must.Eq(t, "10.0.0.5", c.BindAddr)
}

func TestConfig_LoadConfigFile_Errors(t *testing.T) {
	ci.Parallel(t)

	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.hcl"))
	require.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))

	path := filepath.Join(t.TempDir(), "broken.hcl")
	require.NoError(t, os.WriteFile(path, []byte("port = {"), 0o644))
	_, err = LoadConfigFile(path)
	require.Error(t, err)
	must.True(t, structs.IsKind(err, structs.ErrValidation))
	must.StrContains(t, err.Error(), "failed to load config file")
}
