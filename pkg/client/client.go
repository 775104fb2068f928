// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package client is the HTTP client for the agent's operator API. The
// CLI uses it for status and reset commands, and a master-role agent
// uses it to announce fetched KeyIDs to its peer.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/auth"
	"github.com/jeremyhahn/go-qkd/pkg/correlation"
	"github.com/jeremyhahn/go-qkd/pkg/events"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
)

// DefaultTimeout bounds a single request when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

var (
	// ErrInvalidAddress is returned for an address that is not an http(s) URL
	ErrInvalidAddress = errors.New("client: invalid address")

	// ErrPartialImport is returned by Announce when the peer accepted fewer
	// keys than announced.
	ErrPartialImport = errors.New("client: peer imported fewer keys than announced")
)

// Config configures the operator API client.
type Config struct {
	// Address is the base URL, e.g. https://127.0.0.1:8470
	Address string

	// APIKey is sent in the X-API-Key header (optional)
	APIKey string

	// BearerToken is sent as an Authorization bearer token (optional)
	BearerToken string

	// TLSConfig is used for https addresses (optional)
	TLSConfig *tls.Config

	// Headers are additional HTTP headers to include in requests
	Headers map[string]string

	// Timeout bounds each request (default: DefaultTimeout)
	Timeout time.Duration
}

// APIError is a non-2xx response from the agent.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// StatusCode returns the HTTP status of an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  health.Status `json:"status"`
	State   health.State  `json:"state"`
	Version string        `json:"version"`
}

// EventsResponse is the body of GET /api/v1/events.
type EventsResponse struct {
	Events []*events.Event `json:"events"`
	Stats  events.Stats    `json:"stats"`
}

// StateResponse is returned by reset and replenish.
type StateResponse struct {
	State health.State `json:"state"`
	Level int          `json:"level"`
}

// EventsQuery filters Events. Zero values are omitted.
type EventsQuery struct {
	Limit      int
	Types      []events.Type
	Severities []events.Severity
}

// Client talks to one agent's operator API. It is safe for concurrent use.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
}

// New creates a client. No request is made until the first call.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}

	baseURL := strings.TrimSuffix(cfg.Address, "/")
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, cfg.Address)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if u.Scheme == "https" && cfg.TLSConfig != nil {
		transport.TLSClientConfig = cfg.TLSConfig.Clone()
	}

	return &Client{
		config:  *cfg,
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Health calls GET /health. An unhealthy agent answers 503 with a body,
// which is returned together with the *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	if err != nil && StatusCode(err) != http.StatusServiceUnavailable {
		return nil, err
	}
	return &resp, err
}

// Status calls GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (*manager.Status, error) {
	var resp manager.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Events calls GET /api/v1/events.
func (c *Client) Events(ctx context.Context, query *EventsQuery) (*EventsResponse, error) {
	path := "/api/v1/events"
	if query != nil {
		v := url.Values{}
		if query.Limit > 0 {
			v.Set("limit", strconv.Itoa(query.Limit))
		}
		for _, t := range query.Types {
			v.Add("type", string(t))
		}
		for _, s := range query.Severities {
			v.Add("severity", string(s))
		}
		if len(v) > 0 {
			path += "?" + v.Encode()
		}
	}

	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetMonitor calls POST /api/v1/monitor/reset.
func (c *Client) ResetMonitor(ctx context.Context, reason string) (*StateResponse, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var resp StateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/monitor/reset", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Replenish calls POST /api/v1/supply/replenish.
func (c *Client) Replenish(ctx context.Context) (*StateResponse, error) {
	var resp StateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/supply/replenish", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportKeys calls POST /api/v1/keys/import and returns the number of
// keys the agent activated.
func (c *Client) ImportKeys(ctx context.Context, ids []qkd.KeyID) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no key IDs given", qkd.ErrInvalidArgument)
	}
	req := struct {
		KeyIDs []qkd.KeyID `json:"key_ids"`
	}{KeyIDs: ids}

	var resp struct {
		Imported int `json:"imported"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/keys/import", req, &resp); err != nil {
		return 0, err
	}
	return resp.Imported, nil
}

// Announce implements manager.Announcer by importing ids on the peer.
func (c *Client) Announce(ctx context.Context, ids []qkd.KeyID) error {
	n, err := c.ImportKeys(ctx, ids)
	if err != nil {
		return fmt.Errorf("announce %d keys: %w", len(ids), err)
	}
	if n < len(ids) {
		return fmt.Errorf("%w: %d of %d", ErrPartialImport, n, len(ids))
	}
	return nil
}

// do performs a request and decodes a JSON response into out. For error
// responses the body is decoded into out as well when it parses.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set(auth.DefaultAPIKeyHeader, c.config.APIKey)
	}
	if c.config.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	correlation.Inject(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &errResp) == nil {
			apiErr.Code = errResp.Error
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
