// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package api provides a client to the Pulse HTTP API.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

const (
	// EnvPulseAddress names the environment variable read for the agent
	// address when the config does not set one.
	EnvPulseAddress = "PULSE_ADDR"

	// EnvPulseToken names the environment variable read for the bearer
	// token when the config does not set one.
	EnvPulseToken = "PULSE_TOKEN"
)

// Config is used to configure the creation of a client.
type Config struct {
	// Address is the address of the Pulse agent.
	Address string

	// Token is the bearer token used to authenticate requests when the
	// agent has auth enabled.
	Token string

	// HTTPClient is the client to use. Default will be used if not
	// provided.
	HTTPClient *http.Client
}

// DefaultConfig returns a default configuration for the client,
// checking the environment for overrides.
func DefaultConfig() *Config {
	config := &Config{
		Address:    "http://127.0.0.1:4747",
		HTTPClient: cleanhttp.DefaultPooledClient(),
	}
	if addr := os.Getenv(EnvPulseAddress); addr != "" {
		config.Address = addr
	}
	if token := os.Getenv(EnvPulseToken); token != "" {
		config.Token = token
	}
	return config
}

// Client provides a client to the Pulse API.
type Client struct {
	config Config
}

// NewClient returns a new client.
func NewClient(config *Config) (*Client, error) {
	defConfig := DefaultConfig()
	if config == nil {
		config = defConfig
	}
	if config.Address == "" {
		config.Address = defConfig.Address
	}
	if config.HTTPClient == nil {
		config.HTTPClient = defConfig.HTTPClient
	}
	parsed, err := url.Parse(config.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address '%s': %v", config.Address, err)
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unknown protocol scheme: %s", parsed.Scheme)
	}
	return &Client{config: *config}, nil
}

// Address returns the address of the configured agent.
func (c *Client) Address() string {
	return c.config.Address
}

// SetToken replaces the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.config.Token = token
}

// QueryOptions are used to parametrize list and read requests.
type QueryOptions struct {
	// Page and PageSize select one page of a list. Zero values leave
	// the server defaults in effect.
	Page     int
	PageSize int

	// Status, Kind, and OrganizationID filter trigger lists.
	Status         string
	Kind           string
	OrganizationID string

	// Params are arbitrary extra query parameters.
	Params map[string]string
}

func (q *QueryOptions) setQuery(v url.Values) {
	if q == nil {
		return
	}
	if q.Page != 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize != 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Kind != "" {
		v.Set("kind", q.Kind)
	}
	if q.OrganizationID != "" {
		v.Set("organization_id", q.OrganizationID)
	}
	for k, val := range q.Params {
		v.Set(k, val)
	}
}

// APIError is returned for any response outside the 2xx range. The
// body is the plain-text error the agent wrote.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Unexpected response code: %d (%s)", e.StatusCode, e.Body)
}

// IsNotFound returns whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) newRequest(method, endpoint string, q *QueryOptions, body any) (*http.Request, error) {
	u, err := url.Parse(c.config.Address + endpoint)
	if err != nil {
		return nil, err
	}
	params := u.Query()
	q.setQuery(params)
	u.RawQuery = params.Encode()

	var reader io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, err
		}
		reader = buf
	}

	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// doRequest runs the request and decodes a 2xx response body into
// out. Any other status becomes an APIError carrying the body.
func (c *Client) doRequest(req *http.Request, out any) error {
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// query is used to do a GET request against an endpoint and
// deserialize the response into out.
func (c *Client) query(endpoint string, out any, q *QueryOptions) error {
	req, err := c.newRequest(http.MethodGet, endpoint, q, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

// post is used to do a POST request against an endpoint and
// deserialize the response into out.
func (c *Client) post(endpoint string, in, out any, q *QueryOptions) error {
	req, err := c.newRequest(http.MethodPost, endpoint, q, in)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

// put is used to do a PUT request against an endpoint.
func (c *Client) put(endpoint string, in, out any, q *QueryOptions) error {
	req, err := c.newRequest(http.MethodPut, endpoint, q, in)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}

// delete is used to do a DELETE request against an endpoint.
func (c *Client) delete(endpoint string, out any) error {
	req, err := c.newRequest(http.MethodDelete, endpoint, nil, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, out)
}
