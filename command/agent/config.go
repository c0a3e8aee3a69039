// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the scheduling core, the telemetry pipeline, and
// the HTTP API into one long-running process.
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	version "github.com/hashicorp/go-version"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/hashicorp/pulse/pulse"
	"github.com/hashicorp/pulse/pulse/structs"
	"github.com/hashicorp/pulse/pulse/telemetry"
)

const (
	// LeaseBackendMemory keeps dispatch leases in the embedded state
	// store. Workers sharing one process coordinate; separate
	// processes do not.
	LeaseBackendMemory = "memory"

	// LeaseBackendRedis keeps dispatch leases in Redis so workers in
	// separate processes exclude each other.
	LeaseBackendRedis = "redis"
)

// Config is the configuration for the pulse agent, loadable from HCL
// or JSON files. Durations are strings in Go duration syntax so the
// file format stays uniform.
type Config struct {
	// LogLevel is one of TRACE, DEBUG, INFO, WARN, ERROR.
	LogLevel string `hcl:"log_level,optional"`

	// LogJSON enables machine-readable log output.
	LogJSON bool `hcl:"log_json,optional"`

	// BindAddr and Port locate the HTTP listener. Port 0 binds an
	// ephemeral port.
	BindAddr string `hcl:"bind_addr,optional"`
	Port     int    `hcl:"port,optional"`

	// APIPrefix is prepended to every route, default "/v1".
	APIPrefix string `hcl:"api_prefix,optional"`

	Auth      *AuthConfig      `hcl:"auth,block"`
	CORS      *CORSConfig      `hcl:"cors,block"`
	Scheduler *SchedulerConfig `hcl:"scheduler,block"`
	Telemetry *TelemetryConfig `hcl:"telemetry,block"`
	Leases    *LeaseConfig     `hcl:"leases,block"`
}

// AuthConfig gates the API behind bearer tokens. Tokens map the secret
// to the opaque identity recorded on created_by/triggered_by fields.
type AuthConfig struct {
	Enabled bool              `hcl:"enabled,optional"`
	Tokens  map[string]string `hcl:"tokens,optional"`
}

func (a *AuthConfig) Copy() *AuthConfig {
	if a == nil {
		return nil
	}
	na := *a
	if a.Tokens != nil {
		na.Tokens = make(map[string]string, len(a.Tokens))
		for k, v := range a.Tokens {
			na.Tokens[k] = v
		}
	}
	return &na
}

func (a *AuthConfig) Merge(b *AuthConfig) *AuthConfig {
	result := a.Copy()
	if b == nil {
		return result
	}
	if b.Enabled {
		result.Enabled = true
	}
	if len(b.Tokens) > 0 {
		if result.Tokens == nil {
			result.Tokens = make(map[string]string, len(b.Tokens))
		}
		for k, v := range b.Tokens {
			result.Tokens[k] = v
		}
	}
	return result
}

// CORSConfig controls cross-origin headers on the API, primarily so
// browser-resident agents can post telemetry directly.
type CORSConfig struct {
	Enabled        bool     `hcl:"enabled,optional"`
	AllowedOrigins []string `hcl:"allowed_origins,optional"`
}

func (c *CORSConfig) Copy() *CORSConfig {
	if c == nil {
		return nil
	}
	nc := *c
	nc.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return &nc
}

func (c *CORSConfig) Merge(b *CORSConfig) *CORSConfig {
	result := c.Copy()
	if b == nil {
		return result
	}
	if b.Enabled {
		result.Enabled = true
	}
	if len(b.AllowedOrigins) > 0 {
		result.AllowedOrigins = append([]string(nil), b.AllowedOrigins...)
	}
	return result
}

// SchedulerConfig carries the orchestrator tuning knobs through the
// config file. Zero values defer to the core defaults.
type SchedulerConfig struct {
	WorkerID                 string       `hcl:"worker_id,optional"`
	TickInterval             string       `hcl:"tick_interval,optional"`
	MaxConcurrentRuns        int          `hcl:"max_concurrent_runs,optional"`
	LeaseDuration            string       `hcl:"lease_duration,optional"`
	LeaseAutoExtend          *bool        `hcl:"lease_auto_extend,optional"`
	LeaseMaxExtensions       int          `hcl:"lease_max_extensions,optional"`
	QueueDepth               int          `hcl:"queue_depth,optional"`
	QueueLowWater            int          `hcl:"queue_low_water,optional"`
	ShutdownGrace            string       `hcl:"shutdown_grace,optional"`
	GCInterval               string       `hcl:"gc_interval,optional"`
	RunRetention             string       `hcl:"run_retention,optional"`
	HeartbeatRetention       string       `hcl:"heartbeat_retention,optional"`
	MetricsRetention         string       `hcl:"metrics_retention,optional"`
	ArchivedTriggerRetention string       `hcl:"archived_trigger_retention,optional"`
	UptimeSessionRetention   string       `hcl:"uptime_session_retention,optional"`
	DefaultRetry             *RetryConfig `hcl:"default_retry,block"`
}

// RetryConfig is the file shape of the fallback retry policy applied
// to triggers that do not declare their own.
type RetryConfig struct {
	MaxRetries        int     `hcl:"max_retries,optional"`
	BaseDelaySeconds  int64   `hcl:"base_delay_seconds,optional"`
	BackoffMultiplier float64 `hcl:"backoff_multiplier,optional"`
	MaxDelaySeconds   int64   `hcl:"max_delay_seconds,optional"`
}

func (s *SchedulerConfig) Copy() *SchedulerConfig {
	if s == nil {
		return nil
	}
	ns := *s
	if s.LeaseAutoExtend != nil {
		v := *s.LeaseAutoExtend
		ns.LeaseAutoExtend = &v
	}
	if s.DefaultRetry != nil {
		r := *s.DefaultRetry
		ns.DefaultRetry = &r
	}
	return &ns
}

func (s *SchedulerConfig) Merge(b *SchedulerConfig) *SchedulerConfig {
	result := s.Copy()
	if b == nil {
		return result
	}
	if b.WorkerID != "" {
		result.WorkerID = b.WorkerID
	}
	if b.TickInterval != "" {
		result.TickInterval = b.TickInterval
	}
	if b.MaxConcurrentRuns != 0 {
		result.MaxConcurrentRuns = b.MaxConcurrentRuns
	}
	if b.LeaseDuration != "" {
		result.LeaseDuration = b.LeaseDuration
	}
	if b.LeaseAutoExtend != nil {
		v := *b.LeaseAutoExtend
		result.LeaseAutoExtend = &v
	}
	if b.LeaseMaxExtensions != 0 {
		result.LeaseMaxExtensions = b.LeaseMaxExtensions
	}
	if b.QueueDepth != 0 {
		result.QueueDepth = b.QueueDepth
	}
	if b.QueueLowWater != 0 {
		result.QueueLowWater = b.QueueLowWater
	}
	if b.ShutdownGrace != "" {
		result.ShutdownGrace = b.ShutdownGrace
	}
	if b.GCInterval != "" {
		result.GCInterval = b.GCInterval
	}
	if b.RunRetention != "" {
		result.RunRetention = b.RunRetention
	}
	if b.HeartbeatRetention != "" {
		result.HeartbeatRetention = b.HeartbeatRetention
	}
	if b.MetricsRetention != "" {
		result.MetricsRetention = b.MetricsRetention
	}
	if b.ArchivedTriggerRetention != "" {
		result.ArchivedTriggerRetention = b.ArchivedTriggerRetention
	}
	if b.UptimeSessionRetention != "" {
		result.UptimeSessionRetention = b.UptimeSessionRetention
	}
	if b.DefaultRetry != nil {
		r := *b.DefaultRetry
		result.DefaultRetry = &r
	}
	return result
}

// TelemetryConfig carries the heartbeat pipeline tuning knobs through
// the config file.
type TelemetryConfig struct {
	ArrivalWindow    int     `hcl:"arrival_window,optional"`
	AgentCacheSize   int     `hcl:"agent_cache_size,optional"`
	SweepInterval    string  `hcl:"sweep_interval,optional"`
	SLATargetPercent float64 `hcl:"sla_target_percent,optional"`
	MinAgentVersion  string  `hcl:"min_agent_version,optional"`
}

func (t *TelemetryConfig) Copy() *TelemetryConfig {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}

func (t *TelemetryConfig) Merge(b *TelemetryConfig) *TelemetryConfig {
	result := t.Copy()
	if b == nil {
		return result
	}
	if b.ArrivalWindow != 0 {
		result.ArrivalWindow = b.ArrivalWindow
	}
	if b.AgentCacheSize != 0 {
		result.AgentCacheSize = b.AgentCacheSize
	}
	if b.SweepInterval != "" {
		result.SweepInterval = b.SweepInterval
	}
	if b.SLATargetPercent != 0 {
		result.SLATargetPercent = b.SLATargetPercent
	}
	if b.MinAgentVersion != "" {
		result.MinAgentVersion = b.MinAgentVersion
	}
	return result
}

// LeaseConfig selects the lease substrate shared by cooperating
// workers.
type LeaseConfig struct {
	Backend       string `hcl:"backend,optional"`
	RedisAddr     string `hcl:"redis_addr,optional"`
	RedisPassword string `hcl:"redis_password,optional"`
	RedisDB       int    `hcl:"redis_db,optional"`
}

func (l *LeaseConfig) Copy() *LeaseConfig {
	if l == nil {
		return nil
	}
	nl := *l
	return &nl
}

func (l *LeaseConfig) Merge(b *LeaseConfig) *LeaseConfig {
	result := l.Copy()
	if b == nil {
		return result
	}
	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.RedisAddr != "" {
		result.RedisAddr = b.RedisAddr
	}
	if b.RedisPassword != "" {
		result.RedisPassword = b.RedisPassword
	}
	if b.RedisDB != 0 {
		result.RedisDB = b.RedisDB
	}
	return result
}

// DefaultConfig returns the agent defaults: a loopback listener on
// 4747, auth and CORS disabled, in-memory leases, and core defaults
// for the scheduler and telemetry blocks.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "INFO",
		BindAddr:  "127.0.0.1",
		Port:      4747,
		APIPrefix: "/v1",
		Auth:      &AuthConfig{},
		CORS:      &CORSConfig{AllowedOrigins: []string{"*"}},
		Scheduler: &SchedulerConfig{},
		Telemetry: &TelemetryConfig{},
		Leases:    &LeaseConfig{Backend: LeaseBackendMemory},
	}
}

// DevConfig returns a Config overlay for `pulse agent -dev`: verbose
// logs on a loopback listener with auth left open.
func DevConfig() *Config {
	return &Config{
		LogLevel: "DEBUG",
		BindAddr: "127.0.0.1",
	}
}

func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	nc := *c
	nc.Auth = c.Auth.Copy()
	nc.CORS = c.CORS.Copy()
	nc.Scheduler = c.Scheduler.Copy()
	nc.Telemetry = c.Telemetry.Copy()
	nc.Leases = c.Leases.Copy()
	return &nc
}

// Merge layers the non-zero fields of b over c, returning a new
// Config. Used to stack defaults, files, and CLI flags in order.
func (c *Config) Merge(b *Config) *Config {
	result := c.Copy()
	if b == nil {
		return result
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.APIPrefix != "" {
		result.APIPrefix = b.APIPrefix
	}
	if result.Auth == nil {
		result.Auth = b.Auth.Copy()
	} else {
		result.Auth = result.Auth.Merge(b.Auth)
	}
	if result.CORS == nil {
		result.CORS = b.CORS.Copy()
	} else {
		result.CORS = result.CORS.Merge(b.CORS)
	}
	if result.Scheduler == nil {
		result.Scheduler = b.Scheduler.Copy()
	} else {
		result.Scheduler = result.Scheduler.Merge(b.Scheduler)
	}
	if result.Telemetry == nil {
		result.Telemetry = b.Telemetry.Copy()
	} else {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}
	if result.Leases == nil {
		result.Leases = b.Leases.Copy()
	} else {
		result.Leases = result.Leases.Merge(b.Leases)
	}
	return result
}

// Validate checks the host-level fields. The scheduler and telemetry
// blocks are validated by their cores when converted.
func (c *Config) Validate() error {
	var mErr multierror.Error
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if c.BindAddr == "" {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("bind_addr is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("port must be in [0, 65535], got %d", c.Port))
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("api_prefix must begin with /, got %q", c.APIPrefix))
	}
	if c.Auth != nil && c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("auth is enabled but no tokens are configured"))
	}
	if c.CORS != nil && c.CORS.Enabled && len(c.CORS.AllowedOrigins) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("cors is enabled but no allowed_origins are configured"))
	}
	if c.Leases != nil {
		switch c.Leases.Backend {
		case "", LeaseBackendMemory:
		case LeaseBackendRedis:
			if c.Leases.RedisAddr == "" {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("lease backend %q requires redis_addr", LeaseBackendRedis))
			}
		default:
			mErr.Errors = append(mErr.Errors, fmt.Errorf("unknown lease backend %q", c.Leases.Backend))
		}
	}
	if c.Telemetry != nil && c.Telemetry.MinAgentVersion != "" {
		if _, err := version.NewVersion(c.Telemetry.MinAgentVersion); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("min_agent_version: %v", err))
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return structs.WrapErr(structs.ErrValidation, err, "agent config validation failed")
	}
	return nil
}

// apiPrefix returns the route prefix without a trailing slash.
func (c *Config) apiPrefix() string {
	return strings.TrimSuffix(c.APIPrefix, "/")
}

// SchedulerConfig converts the file shape into the core config,
// parsing duration strings.
func (c *Config) SchedulerConfig() (*pulse.Config, error) {
	sc := c.Scheduler
	if sc == nil {
		sc = &SchedulerConfig{}
	}
	var mErr multierror.Error
	dur := func(field, raw string) time.Duration {
		if raw == "" {
			return 0
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("%s: invalid duration %q", field, raw))
		}
		return d
	}
	out := &pulse.Config{
		WorkerID:                   sc.WorkerID,
		TickInterval:               dur("tick_interval", sc.TickInterval),
		MaxConcurrentRunsPerWorker: sc.MaxConcurrentRuns,
		LeaseDuration:              dur("lease_duration", sc.LeaseDuration),
		LeaseMaxExtensions:         sc.LeaseMaxExtensions,
		QueueDepth:                 sc.QueueDepth,
		QueueLowWater:              sc.QueueLowWater,
		ShutdownGrace:              dur("shutdown_grace", sc.ShutdownGrace),
		GCInterval:                 dur("gc_interval", sc.GCInterval),
		RunRetention:               dur("run_retention", sc.RunRetention),
		HeartbeatRetention:         dur("heartbeat_retention", sc.HeartbeatRetention),
		MetricsRetention:           dur("metrics_retention", sc.MetricsRetention),
		ArchivedTriggerRetention:   dur("archived_trigger_retention", sc.ArchivedTriggerRetention),
		UptimeSessionRetention:     dur("uptime_session_retention", sc.UptimeSessionRetention),
	}
	if sc.LeaseAutoExtend != nil {
		v := *sc.LeaseAutoExtend
		out.LeaseAutoExtend = &v
	}
	if sc.DefaultRetry != nil {
		out.DefaultRetryPolicy = &structs.RetryPolicy{
			MaxRetries:        sc.DefaultRetry.MaxRetries,
			BaseDelaySeconds:  sc.DefaultRetry.BaseDelaySeconds,
			BackoffMultiplier: sc.DefaultRetry.BackoffMultiplier,
			MaxDelaySeconds:   sc.DefaultRetry.MaxDelaySeconds,
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		return nil, structs.WrapErr(structs.ErrValidation, err, "scheduler config validation failed")
	}
	return out, nil
}

// TelemetryConfig converts the file shape into the core config.
func (c *Config) TelemetryConfig() (*telemetry.Config, error) {
	tc := c.Telemetry
	if tc == nil {
		tc = &TelemetryConfig{}
	}
	out := &telemetry.Config{
		ArrivalWindow:    tc.ArrivalWindow,
		AgentCacheSize:   tc.AgentCacheSize,
		SLATargetPercent: tc.SLATargetPercent,
		MinAgentVersion:  tc.MinAgentVersion,
	}
	if tc.SweepInterval != "" {
		d, err := time.ParseDuration(tc.SweepInterval)
		if err != nil {
			return nil, structs.NewErr(structs.ErrValidation, "sweep_interval: invalid duration %q", tc.SweepInterval)
		}
		out.SweepInterval = d
	}
	return out, nil
}

// LoadConfigFile decodes one HCL or JSON agent configuration file,
// selected by extension.
func LoadConfigFile(path string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(path, nil, &config); err != nil {
		return nil, structs.WrapErr(structs.ErrValidation, err, "failed to load config file %s", path)
	}
	return &config, nil
}
