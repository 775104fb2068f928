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

// Package etsi014 is a client for the ETSI GS QKD 014 key delivery API.
//
// The client makes exactly one round trip per call and never retries;
// retry policy belongs to the caller. Every failure is a
// *qkd.TransportError whose kind is one of qkd.ErrUnreachable,
// qkd.ErrUnauthorized, qkd.ErrExhausted or qkd.ErrMalformed.
package etsi014

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/correlation"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
	"github.com/jeremyhahn/go-qkd/pkg/ratelimit"
	"github.com/jeremyhahn/go-qkd/pkg/validation"
)

const (
	// DefaultTimeout bounds a single KME round trip.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxKeysPerRequest caps get_key when the KME has not
	// reported its own limit.
	DefaultMaxKeysPerRequest = 128

	maxResponseBytes = 4 << 20
	apiPrefix        = "/api/v1/keys/"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the KME address, e.g. https://kme-a.example:8443.
	BaseURL string

	// SAEID is the local SAE. The KME identifies the caller by its
	// client certificate; SAEID is used for logging.
	SAEID string

	// PeerSAEID is the SAE at the other end of the link, used as the
	// path parameter of every request.
	PeerSAEID string

	// KeySize is the raw key length in bytes. Responses carrying keys of
	// any other length are rejected.
	KeySize int

	// MaxKeysPerRequest caps get_key. The effective cap is the lower of
	// this and the KME-reported max_key_per_request.
	MaxKeysPerRequest int

	// Timeout bounds each round trip (default DefaultTimeout).
	Timeout time.Duration

	// TLSConfig carries the client certificate and KME CA.
	TLSConfig *tls.Config

	// Pacer spaces requests. Nil means unpaced.
	Pacer *ratelimit.Pacer

	// Logger receives request diagnostics. Nil discards them.
	Logger logger.Logger

	// HTTPClient overrides the transport entirely, for tests.
	HTTPClient *http.Client
}

// Client speaks ETSI GS QKD 014 to one KME for one peer SAE.
type Client struct {
	baseURL    string
	saeID      string
	peerSAEID  string
	keySize    int
	maxPerReq  int
	httpClient *http.Client
	pacer      *ratelimit.Pacer
	logger     logger.Logger

	mu          sync.RWMutex
	reportedMax int
	status      qkd.ServiceStatus
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid KME address %q", qkd.ErrInvalidArgument, cfg.BaseURL)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: unsupported KME scheme %q", qkd.ErrInvalidArgument, u.Scheme)
	}
	if cfg.PeerSAEID == "" {
		return nil, fmt.Errorf("%w: peer SAE ID is required", qkd.ErrInvalidArgument)
	}
	if cfg.KeySize <= 0 {
		return nil, fmt.Errorf("%w: key size must be positive", qkd.ErrInvalidArgument)
	}

	maxPerReq := cfg.MaxKeysPerRequest
	if maxPerReq <= 0 {
		maxPerReq = DefaultMaxKeysPerRequest
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg.TLSConfig
		httpClient = &http.Client{Transport: transport, Timeout: timeout}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.NewNoop()
	}

	return &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		saeID:      cfg.SAEID,
		peerSAEID:  cfg.PeerSAEID,
		keySize:    cfg.KeySize,
		maxPerReq:  maxPerReq,
		httpClient: httpClient,
		pacer:      cfg.Pacer,
		logger:     log.With(logger.String("component", "etsi014"), logger.String("peer_sae_id", cfg.PeerSAEID)),
	}, nil
}

// KeySize returns the expected raw key length in bytes.
func (c *Client) KeySize() int {
	return c.keySize
}

// MaxKeysPerRequest returns the effective get_key cap.
func (c *Client) MaxKeysPerRequest() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.reportedMax > 0 && c.reportedMax < c.maxPerReq {
		return c.reportedMax
	}
	return c.maxPerReq
}

// Status returns the KME status as last observed by any call.
func (c *Client) Status() qkd.ServiceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// FetchStatus performs get_status and refreshes the max-keys clamp.
func (c *Client) FetchStatus(ctx context.Context) (*qkd.ServiceStatus, error) {
	var st Status
	if err := c.do(ctx, metrics.OpStatus, http.MethodGet, c.path("status"), nil, &st); err != nil {
		return nil, err
	}

	if st.KeySize > 0 && st.KeySize != c.keySize*8 {
		c.logger.WarnContext(ctx, "KME default key size differs from configured size",
			logger.Int("kme_key_size_bits", st.KeySize),
			logger.Int("configured_key_size_bits", c.keySize*8))
	}

	c.mu.Lock()
	c.reportedMax = st.MaxKeyPerRequest
	c.status = qkd.ServiceStatus{
		Reachable:        true,
		AvailableKeys:    st.StoredKeyCount,
		LastExchange:     time.Now(),
		SourceKMEID:      st.SourceKMEID,
		TargetKMEID:      st.TargetKMEID,
		KeySizeBits:      st.KeySize,
		MaxKeyCount:      st.MaxKeyCount,
		MaxKeyPerRequest: st.MaxKeyPerRequest,
	}
	status := c.status
	c.mu.Unlock()

	metrics.SetKMEAvailableKeys(st.StoredKeyCount)
	return &status, nil
}

// FetchKeys performs get_key for up to count keys. count is clamped to
// MaxKeysPerRequest. The KME may return fewer keys than requested but
// never more.
func (c *Client) FetchKeys(ctx context.Context, count int) ([]qkd.Key, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: key count must be positive, got %d", qkd.ErrInvalidArgument, count)
	}
	n := min(count, c.MaxKeysPerRequest())

	var container KeyContainer
	req := KeyRequest{Number: n, Size: c.keySize * 8}
	if err := c.do(ctx, metrics.OpGetKey, http.MethodPost, c.path("enc_keys"), req, &container); err != nil {
		return nil, err
	}

	keys, err := c.decodeKeys(metrics.OpGetKey, container, n, nil)
	if err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "Fetched keys from KME",
		logger.Int("requested", n),
		logger.Int("received", len(keys)),
		logger.KeyIDs(keyIDs(keys)))
	return keys, nil
}

// FetchKeysWithIDs performs get_key_with_key_IDs for keys the peer SAE
// already fetched. The response must contain exactly the requested IDs.
func (c *Client) FetchKeysWithIDs(ctx context.Context, ids []qkd.KeyID) ([]qkd.Key, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no key IDs given", qkd.ErrInvalidArgument)
	}

	want := make(map[string]bool, len(ids))
	req := KeyIDsRequest{KeyIDs: make([]KeyIDRef, 0, len(ids))}
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty key ID", qkd.ErrInvalidArgument)
		}
		if want[string(id)] {
			return nil, fmt.Errorf("%w: duplicate key ID %s", qkd.ErrInvalidArgument, id)
		}
		want[string(id)] = true
		req.KeyIDs = append(req.KeyIDs, KeyIDRef{KeyID: string(id)})
	}

	var container KeyContainer
	if err := c.do(ctx, metrics.OpGetKeyWithIDs, http.MethodPost, c.path("dec_keys"), req, &container); err != nil {
		return nil, err
	}

	keys, err := c.decodeKeys(metrics.OpGetKeyWithIDs, container, len(ids), want)
	if err != nil {
		return nil, err
	}
	if len(keys) != len(ids) {
		wipeKeys(keys)
		return nil, qkd.NewTransportError(metrics.OpGetKeyWithIDs, qkd.ErrMalformed,
			fmt.Errorf("requested %d keys, received %d", len(ids), len(keys)))
	}

	c.logger.DebugContext(ctx, "Fetched keys by ID from KME", logger.KeyIDs(ids))
	return keys, nil
}

func (c *Client) path(op string) string {
	return apiPrefix + url.PathEscape(c.peerSAEID) + "/" + op
}

// do performs one round trip and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	start := time.Now()
	defer func() {
		status := metrics.StatusSuccess
		if err != nil {
			status = qkd.TransportKind(err)
			if errors.Is(err, qkd.ErrUnreachable) {
				c.markUnreachable()
			}
		}
		metrics.RecordKMERequest(op, status, time.Since(start).Seconds())
	}()

	if err := c.pacer.Wait(ctx); err != nil {
		return qkd.NewTransportError(op, qkd.ErrUnreachable, err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("etsi014: marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("etsi014: build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := correlation.Inject(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return qkd.NewTransportError(op, qkd.ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return qkd.NewTransportError(op, qkd.ErrUnreachable, fmt.Errorf("read response: %w", err))
	}
	if len(data) > maxResponseBytes {
		return qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
	}

	if kind := classifyStatus(resp.StatusCode, data); kind != nil {
		c.logger.DebugContext(ctx, "KME request failed",
			logger.String("operation", op),
			logger.String("request_id", requestID),
			logger.Int("status_code", resp.StatusCode))
		return qkd.NewTransportError(op, kind, fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorMessage(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) markUnreachable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Reachable = false
}

func (c *Client) markExchange() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Reachable = true
	c.status.LastExchange = time.Now()
}

// decodeKeys validates a key container. limit bounds the number of keys;
// want, when non-nil, is the exact set of acceptable IDs. On error every
// decoded buffer is wiped.
func (c *Client) decodeKeys(op string, container KeyContainer, limit int, want map[string]bool) (_ []qkd.Key, err error) {
	if len(container.Keys) == 0 {
		return nil, qkd.NewTransportError(op, qkd.ErrExhausted, errors.New("empty key container"))
	}
	if len(container.Keys) > limit {
		return nil, qkd.NewTransportError(op, qkd.ErrMalformed,
			fmt.Errorf("received %d keys, requested at most %d", len(container.Keys), limit))
	}

	keys := make([]qkd.Key, 0, len(container.Keys))
	defer func() {
		if err != nil {
			wipeKeys(keys)
		}
	}()

	seen := make(map[string]bool, len(container.Keys))
	for i, entry := range container.Keys {
		switch {
		case entry.KeyID == "":
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("key %d has no key_ID", i))
		case validation.ValidateKeyID(entry.KeyID) != nil:
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("key %d: invalid key_ID", i))
		case seen[entry.KeyID]:
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("duplicate key_ID %s", entry.KeyID))
		case want != nil && !want[entry.KeyID]:
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("unrequested key_ID %s", entry.KeyID))
		}
		seen[entry.KeyID] = true

		material, decErr := base64.StdEncoding.DecodeString(entry.Key)
		if decErr != nil {
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed, fmt.Errorf("key_ID %s: invalid base64", entry.KeyID))
		}
		if len(material) != c.keySize {
			wipe(material)
			return nil, qkd.NewTransportError(op, qkd.ErrMalformed,
				fmt.Errorf("key_ID %s: key is %d bytes, want %d", entry.KeyID, len(material), c.keySize))
		}
		keys = append(keys, qkd.Key{ID: qkd.KeyID(entry.KeyID), Material: material})
	}

	c.markExchange()
	return keys, nil
}

// classifyStatus maps an HTTP status to a transport error kind, or nil
// for success.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return qkd.ErrUnauthorized
	case code == http.StatusServiceUnavailable:
		return qkd.ErrExhausted
	case code == http.StatusBadRequest && reportsShortage(errorMessage(body)):
		return qkd.ErrExhausted
	case code >= 500:
		return qkd.ErrUnreachable
	default:
		return qkd.ErrMalformed
	}
}

var shortageHints = []string{"insufficient", "not enough", "exhausted", "no key", "unavailable", "exceeds stored"}

func reportsShortage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, hint := range shortageHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func errorMessage(body []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Message != "" {
		return resp.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func keyIDs(keys []qkd.Key) []qkd.KeyID {
	ids := make([]qkd.KeyID, len(keys))
	for i := range keys {
		ids[i] = keys[i].ID
	}
	return ids
}

func wipeKeys(keys []qkd.Key) {
	for i := range keys {
		keys[i].Wipe()
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
