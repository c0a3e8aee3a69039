// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/hashicorp/pulse/pulse/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported.
	ErrInvalidMethod = "Invalid method"

	// bearerPrefix introduces the token in the Authorization header.
	bearerPrefix = "Bearer "

	// anonymousIdentity is recorded on writes when auth is disabled.
	anonymousIdentity = "anonymous"
)

// HTTPServer is used to wrap the agent and expose it over an HTTP
// interface.
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string

	// prefix is prepended to every route, default "/v1".
	prefix string

	// corsWrapper decorates the mux when CORS is enabled.
	corsWrapper *cors.Cors
}

// NewHTTPServer starts a new HTTP server over the agent. The listener
// is bound before this returns, so Addr is usable immediately.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", config.BindAddr, config.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %v", err)
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.httpLogger,
		Addr:       ln.Addr().String(),
		prefix:     config.apiPrefix(),
	}
	if config.CORS != nil && config.CORS.Enabled {
		srv.corsWrapper = cors.New(cors.Options{
			AllowedOrigins: config.CORS.AllowedOrigins,
			AllowedMethods: []string{
				http.MethodHead, http.MethodGet, http.MethodPost,
				http.MethodPut, http.MethodDelete,
			},
			AllowedHeaders: []string{"*"},
		})
	}
	srv.registerHandlers()

	httpServer := &http.Server{
		Addr:    srv.Addr,
		Handler: srv.handler(),
	}
	go func() {
		defer close(srv.listenerCh)
		httpServer.Serve(ln)
	}()

	agent.logger.Info("http server started", "address", srv.Addr, "prefix", srv.prefix)
	return srv, nil
}

// Shutdown is used to shutdown the HTTP server. It is idempotent.
func (s *HTTPServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down http server")
		s.listener.Close()
		<-s.listenerCh
	}
}

func (s *HTTPServer) handler() http.Handler {
	if s.corsWrapper != nil {
		return s.corsWrapper.Handler(s.mux)
	}
	return s.mux
}

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc(s.prefix+"/triggers", s.wrap(s.TriggersRequest))
	s.mux.HandleFunc(s.prefix+"/triggers/", s.wrap(s.TriggerSpecificRequest))
	s.mux.HandleFunc(s.prefix+"/runs/", s.wrap(s.RunSpecificRequest))
	s.mux.HandleFunc(s.prefix+"/leases/", s.wrap(s.LeaseSpecificRequest))
	s.mux.HandleFunc(s.prefix+"/events", s.wrap(s.EventsRequest))
	s.mux.HandleFunc(s.prefix+"/webhooks/", s.wrap(s.WebhookSpecificRequest))

	s.mux.HandleFunc(s.prefix+"/telemetry/heartbeat", s.wrap(s.HeartbeatRequest))
	s.mux.HandleFunc(s.prefix+"/telemetry/system-metrics", s.wrap(s.SystemMetricsRequest))
	s.mux.HandleFunc(s.prefix+"/telemetry/batch", s.wrap(s.TelemetryBatchRequest))
	s.mux.HandleFunc(s.prefix+"/telemetry/uptime-status/", s.wrap(s.UptimeStatusRequest))
	s.mux.HandleFunc(s.prefix+"/telemetry/health-check", s.wrap(s.HealthCheckRequest))

	s.mux.HandleFunc(s.prefix+"/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc(s.prefix+"/metrics", s.wrap(s.MetricsRequest))
	s.mux.HandleFunc(s.prefix+"/health", s.wrap(s.HealthRequest))
}

// HTTPCodedError is used to provide the HTTP error code along with
// the error.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError returns an HTTPCodedError with the given code and
// message.
func CodedError(c int, m string) HTTPCodedError {
	return &codedError{m, c}
}

type codedError struct {
	m    string
	code int
}

func (e *codedError) Error() string { return e.m }
func (e *codedError) Code() int     { return e.code }

// wrap is used to wrap endpoint functions: it logs the request,
// translates errors into status codes, and JSON-encodes non-nil
// results. Endpoints that succeed with a non-200 code commit it via
// writeStatus before returning.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	f := func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
		}()

		obj, err := handler(resp, req)
		if err != nil {
			code := structs.KindOf(err).HTTPCode()
			if coded, ok := err.(HTTPCodedError); ok {
				code = coded.Code()
			}
			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "code", code, "error", err)
			resp.WriteHeader(code)
			resp.Write([]byte(err.Error()))
			return
		}

		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				s.logger.Error("failed to encode response", "path", reqURL, "error", err)
				resp.WriteHeader(http.StatusInternalServerError)
				resp.Write([]byte(err.Error()))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			resp.Write(buf)
		}
	}
	return f
}

// writeStatus commits a non-default success code. The body written by
// wrap afterwards rides on the committed status.
func writeStatus(resp http.ResponseWriter, code int) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(code)
}

// decodeBody is used to decode a JSON request body.
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(out)
}

// authenticate resolves the caller identity from the bearer token.
// When auth is disabled every caller is anonymous. The identity is
// opaque to the core; mutating endpoints record it verbatim.
func (s *HTTPServer) authenticate(req *http.Request) (string, error) {
	auth := s.agent.config.Auth
	if auth == nil || !auth.Enabled {
		return anonymousIdentity, nil
	}
	header := req.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", structs.NewErr(structs.ErrForbidden, "bearer token required")
	}
	identity, ok := auth.Tokens[strings.TrimPrefix(header, bearerPrefix)]
	if !ok {
		return "", structs.NewErr(structs.ErrForbidden, "invalid bearer token")
	}
	return identity, nil
}

// parsePage reads ?page and ?page_size, applying defaults for absent
// parameters and validating present ones.
func parsePage(req *http.Request) (*structs.PageRequest, error) {
	pr := &structs.PageRequest{
		Page:     1,
		PageSize: structs.DefaultPageSize,
	}
	query := req.URL.Query()
	if raw := query.Get("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, CodedError(400, fmt.Sprintf("Invalid page: %q", raw))
		}
		pr.Page = n
	}
	if raw := query.Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, CodedError(400, fmt.Sprintf("Invalid page_size: %q", raw))
		}
		pr.PageSize = n
	}
	if err := pr.Validate(); err != nil {
		return nil, err
	}
	return pr, nil
}
