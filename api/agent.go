// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package api

// Agent encapsulates an API client which talks to Pulse's agent
// endpoints.
type Agent struct {
	client *Client
}

// Agent returns a handle on the agent endpoints.
func (c *Client) Agent() *Agent {
	return &Agent{client: c}
}

// AgentSelf is the running configuration and subsystem stats of the
// agent. Secrets are redacted before the config leaves the agent.
type AgentSelf struct {
	Config  map[string]any               `json:"config"`
	Stats   map[string]map[string]string `json:"stats"`
	Version string                       `json:"version"`
}

// AgentHealth is the unauthenticated service probe body.
type AgentHealth struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Self fetches the agent's configuration and runtime stats.
func (a *Agent) Self() (*AgentSelf, error) {
	var resp AgentSelf
	if err := a.client.query("/v1/agent/self", &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the agent's liveness. It requires no token.
func (a *Agent) Health() (*AgentHealth, error) {
	var resp AgentHealth
	if err := a.client.query("/v1/health", &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}
