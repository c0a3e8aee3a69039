// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/hashicorp/pulse/version"
)

// agentSelf is the introspection view served by /agent/self.
type agentSelf struct {
	Config  *Config                      `json:"config"`
	Stats   map[string]map[string]string `json:"stats"`
	Version string                       `json:"version"`
}

// healthResponse is the unauthenticated service probe body.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// AgentSelfRequest returns the running configuration and subsystem
// stats. Secrets are redacted from the returned config.
func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := s.authenticate(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	config := s.agent.GetConfig().Copy()
	if config.Auth != nil {
		config.Auth.Tokens = nil
	}
	if config.Leases != nil && config.Leases.RedisPassword != "" {
		config.Leases.RedisPassword = "<redacted>"
	}

	return agentSelf{
		Config:  config,
		Stats:   s.agent.Stats(),
		Version: version.GetVersion().VersionNumber(),
	}, nil
}

// HealthRequest is the service probe. It is the one route that does
// not require a bearer token.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return &healthResponse{
		Status:  "ok",
		Version: version.GetVersion().VersionNumber(),
	}, nil
}
