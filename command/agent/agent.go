// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"github.com/hashicorp/pulse/pulse"
	"github.com/hashicorp/pulse/pulse/lease"
	"github.com/hashicorp/pulse/pulse/state"
	"github.com/hashicorp/pulse/pulse/structs"
	"github.com/hashicorp/pulse/pulse/telemetry"
)

// redisDialTimeout bounds the startup reachability probe against a
// configured Redis lease backend.
const redisDialTimeout = 5 * time.Second

// Agent is a long running daemon hosting one scheduling worker and
// the telemetry pipeline behind a shared state store. Everything it
// owns is constructed started and torn down in reverse order on
// Shutdown.
type Agent struct {
	config *Config

	logger     hclog.Logger
	httpLogger hclog.Logger

	clock clock.Clock
	state *state.StateStore

	// leaseStore is the substrate dispatch leases live in; redis is
	// non-nil only for the redis backend.
	leaseStore lease.Store
	redis      *redis.Client

	registry     *pulse.Registry
	orchestrator *pulse.Orchestrator

	ingestor *telemetry.Ingestor
	analyzer *telemetry.Analyzer
	monitor  *telemetry.Monitor

	// InmemSink retains recent metrics for the /metrics endpoint.
	InmemSink *metrics.InmemSink

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewAgent builds and starts an agent from the given configuration,
// merged over defaults. A nil inmem sink gets a private one; a nil
// clock means wall time.
func NewAgent(config *Config, logger hclog.Logger, inmem *metrics.InmemSink, clk clock.Clock) (*Agent, error) {
	config = DefaultConfig().Merge(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.WallClock
	}
	if inmem == nil {
		inmem = metrics.NewInmemSink(10*time.Second, time.Minute)
	}

	a := &Agent{
		config:     config,
		logger:     logger.Named("agent"),
		httpLogger: logger.Named("http"),
		clock:      clk,
		InmemSink:  inmem,
		shutdownCh: make(chan struct{}),
	}

	store, err := state.New(logger, clk)
	if err != nil {
		return nil, err
	}
	a.state = store

	if err := a.setupLeaseStore(); err != nil {
		return nil, err
	}
	if err := a.setupScheduler(logger); err != nil {
		return nil, err
	}
	if err := a.setupTelemetry(logger); err != nil {
		return nil, err
	}

	if err := a.orchestrator.Start(); err != nil {
		return nil, err
	}
	a.monitor.Start()

	a.logger.Info("agent started",
		"worker_id", a.orchestrator.WorkerID(),
		"lease_backend", a.leaseStore.Name())
	return a, nil
}

// setupLeaseStore selects the lease substrate. The redis backend is
// probed at startup so a misconfigured address fails fast instead of
// failing every acquire.
func (a *Agent) setupLeaseStore() error {
	lc := a.config.Leases
	switch {
	case lc == nil, lc.Backend == "", lc.Backend == LeaseBackendMemory:
		a.leaseStore = lease.NewStateBackend(a.state, a.clock)
	case lc.Backend == LeaseBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     lc.RedisAddr,
			Password: lc.RedisPassword,
			DB:       lc.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return structs.WrapErr(structs.ErrUnavailable, err, "redis lease backend %s unreachable", lc.RedisAddr)
		}
		a.redis = rdb
		a.leaseStore = lease.NewRedisBackend(rdb, a.clock)
	default:
		return structs.NewErr(structs.ErrValidation, "unknown lease backend %q", lc.Backend)
	}
	return nil
}

// setupScheduler registers the builtin task handlers and builds the
// orchestrator. Duplicate handler registrations abort startup.
func (a *Agent) setupScheduler(logger hclog.Logger) error {
	a.registry = pulse.NewRegistry(logger)
	if err := pulse.RegisterBuiltinHandlers(a.registry, logger); err != nil {
		return err
	}
	cfg, err := a.config.SchedulerConfig()
	if err != nil {
		return err
	}
	orch, err := pulse.NewOrchestrator(logger, cfg, a.state, a.leaseStore, a.registry, a.clock)
	if err != nil {
		return err
	}
	a.orchestrator = orch
	return nil
}

func (a *Agent) setupTelemetry(logger hclog.Logger) error {
	cfg, err := a.config.TelemetryConfig()
	if err != nil {
		return err
	}
	if a.ingestor, err = telemetry.NewIngestor(logger, cfg, a.state, a.clock); err != nil {
		return err
	}
	if a.analyzer, err = telemetry.NewAnalyzer(logger, cfg, a.state, a.clock); err != nil {
		return err
	}
	a.monitor = telemetry.NewMonitor(logger, cfg, a.state, a.clock)
	return nil
}

// GetConfig returns the merged agent configuration.
func (a *Agent) GetConfig() *Config {
	return a.config
}

// Orchestrator returns the scheduling worker hosted by this agent.
func (a *Agent) Orchestrator() *pulse.Orchestrator {
	return a.orchestrator
}

// Registry returns the task handler registry so embedders can add
// handlers beyond the builtins before triggers reference them.
func (a *Agent) Registry() *pulse.Registry {
	return a.registry
}

// Ingestor returns the telemetry write path.
func (a *Agent) Ingestor() *telemetry.Ingestor {
	return a.ingestor
}

// Analyzer returns the uptime report generator.
func (a *Agent) Analyzer() *telemetry.Analyzer {
	return a.analyzer
}

// Monitor returns the liveness sweeper.
func (a *Agent) Monitor() *telemetry.Monitor {
	return a.monitor
}

// State returns the backing store shared by the hosted components.
func (a *Agent) State() *state.StateStore {
	return a.state
}

// Shutdown terminates the agent: telemetry sweeper first, then the
// orchestrator with its in-flight handlers, then the lease substrate
// connection. Safe to call more than once.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")
	if a.monitor != nil {
		a.monitor.Shutdown()
	}
	if a.orchestrator != nil {
		a.orchestrator.Shutdown()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("closing redis connection failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// Stats is used to return statistics for debugging and insight into
// the hosted subsystems.
func (a *Agent) Stats() map[string]map[string]string {
	ws := a.orchestrator.Stats()
	stats := map[string]map[string]string{
		"scheduler": {
			"worker_id":   ws.WorkerID,
			"in_flight":   strconv.Itoa(ws.InFlight),
			"queue_depth": strconv.Itoa(ws.QueueDepth),
			"held_leases": strconv.Itoa(ws.HeldLeases),
			"task_types":  strings.Join(ws.TaskTypes, ","),
		},
		"leases": {
			"backend": a.leaseStore.Name(),
		},
		"runtime": {
			"goroutines": strconv.Itoa(runtime.NumGoroutine()),
			"go_version": runtime.Version(),
		},
	}
	if !ws.StartedAt.IsZero() {
		stats["scheduler"]["started_at"] = ws.StartedAt.Format(time.RFC3339)
	}
	return stats
}
