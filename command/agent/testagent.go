// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/juju/clock/testclock"

	"github.com/hashicorp/pulse/ci"
	"github.com/hashicorp/pulse/helper/testlog"
)

// testEpoch anchors the manual clock so timestamps in endpoint tests
// are deterministic.
var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// TestAgent is a wired-up agent plus its HTTP server, listening on a
// private port. Time does not pass unless the test advances Clock.
type TestAgent struct {
	T testing.TB

	// Config is the merged runtime configuration the agent runs with.
	Config *Config

	Agent  *Agent
	Server *HTTPServer
	Clock  *testclock.Clock
}

// NewTestAgent starts an agent for testing. The callback may mutate
// the configuration before the agent starts. Callers must Shutdown
// the returned agent.
func NewTestAgent(t testing.TB, cb func(*Config)) *TestAgent {
	config := DefaultConfig()
	config.Port = ci.PortAllocator.One()
	if cb != nil {
		cb(config)
	}

	clk := testclock.NewClock(testEpoch)
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)

	a, err := NewAgent(config, testlog.HCLogger(t), inm, clk)
	if err != nil {
		t.Fatalf("starting test agent: %v", err)
	}

	srv, err := NewHTTPServer(a, a.GetConfig())
	if err != nil {
		a.Shutdown()
		t.Fatalf("starting test http server: %v", err)
	}

	return &TestAgent{
		T:      t,
		Config: a.GetConfig(),
		Agent:  a,
		Server: srv,
		Clock:  clk,
	}
}

// Shutdown stops the HTTP server first so in-flight requests drain
// against a live agent.
func (a *TestAgent) Shutdown() {
	a.Server.Shutdown()
	if err := a.Agent.Shutdown(); err != nil {
		a.T.Logf("test agent shutdown: %v", err)
	}
}
