// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/pulse/api"
	"github.com/hashicorp/pulse/command/agent"
)

// testServer starts a test agent and returns it with an API client
// pointed at its listener. The agent is shut down when the test ends.
func testServer(t *testing.T, cb func(*agent.Config)) (*agent.TestAgent, *api.Client, string) {
	srv := agent.NewTestAgent(t, cb)
	t.Cleanup(srv.Shutdown)

	url := "http://" + srv.Server.Addr
	client, err := api.NewClient(&api.Config{Address: url})
	must.NoError(t, err)

	return srv, client, url
}

// testTriggerSpec is a minimal interval trigger create request used to
// seed command tests through the public API.
func testTriggerSpec(name string) *api.TriggerCreateRequest {
	return &api.TriggerCreateRequest{
		Name: name,
		TriggerConfig: &api.TriggerConfig{
			Kind:            "interval",
			IntervalSeconds: 300,
		},
		ExecutionConfig: &api.ExecutionConfig{
			TaskType:   "http_request",
			TaskConfig: map[string]any{"url": "https://example.com/hook"},
		},
	}
}
