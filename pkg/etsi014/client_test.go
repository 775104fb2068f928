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

package etsi014

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/internal/testutil"
	"github.com/jeremyhahn/go-qkd/pkg/correlation"
	"github.com/jeremyhahn/go-qkd/pkg/metrics"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
	"github.com/jeremyhahn/go-qkd/pkg/ratelimit"
)

func newTestClient(t *testing.T, kme *testutil.KME, keySize int) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:   kme.URL(),
		SAEID:     "sae-a",
		PeerSAEID: "sae-b",
		KeySize:   keySize,
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty url", Config{PeerSAEID: "b", KeySize: 32}},
		{"bad scheme", Config{BaseURL: "ftp://kme", PeerSAEID: "b", KeySize: 32}},
		{"no host", Config{BaseURL: "https://", PeerSAEID: "b", KeySize: 32}},
		{"no peer", Config{BaseURL: "https://kme", KeySize: 32}},
		{"zero key size", Config{BaseURL: "https://kme", PeerSAEID: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			assert.ErrorIs(t, err, qkd.ErrInvalidArgument)
		})
	}
}

func TestFetchStatus(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	kme.SetStored(42)
	c := newTestClient(t, kme, 32)

	assert.Equal(t, DefaultMaxKeysPerRequest, c.MaxKeysPerRequest())
	assert.False(t, c.Status().Reachable)

	status, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Reachable)
	assert.Equal(t, 42, status.AvailableKeys)
	assert.Equal(t, 256, status.KeySizeBits)
	assert.Equal(t, "kme-a", status.SourceKMEID)
	assert.Equal(t, "kme-b", status.TargetKMEID)
	assert.Equal(t, testutil.DefaultKMEMaxPerRequest, status.MaxKeyPerRequest)

	// The KME-reported cap is lower than the default and wins.
	assert.Equal(t, testutil.DefaultKMEMaxPerRequest, c.MaxKeysPerRequest())
	assert.Equal(t, *status, c.Status())
	assert.Equal(t, []string{"sae-b"}, kme.Peers())
}

func TestFetchKeys(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	keys, err := c.FetchKeys(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, keys, 5)

	seen := make(map[qkd.KeyID]bool)
	for _, k := range keys {
		assert.Len(t, k.Material, 32)
		assert.False(t, seen[k.ID], "duplicate key ID %s", k.ID)
		seen[k.ID] = true

		issued, ok := kme.Issued(string(k.ID))
		require.True(t, ok)
		assert.Equal(t, issued, k.Material)
	}
	assert.True(t, c.Status().Reachable)
	assert.False(t, c.Status().LastExchange.IsZero())
}

func TestFetchKeysClampsCount(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	kme.SetMaxKeysPerRequest(4)
	c := newTestClient(t, kme, 32)

	_, err := c.FetchStatus(context.Background())
	require.NoError(t, err)

	keys, err := c.FetchKeys(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

func TestFetchKeysShortDelivery(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	kme.SetStored(3)
	c := newTestClient(t, kme, 32)

	keys, err := c.FetchKeys(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, keys, 3, "the KME may deliver fewer keys than requested")

	_, err = c.FetchKeys(context.Background(), 1)
	assert.ErrorIs(t, err, qkd.ErrExhausted)
}

func TestFetchKeysInvalidCount(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	_, err := c.FetchKeys(context.Background(), 0)
	assert.ErrorIs(t, err, qkd.ErrInvalidArgument)
	assert.Equal(t, 0, kme.Calls(testutil.OpEncKeys))
}

func TestFetchKeysWithIDs(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	master := newTestClient(t, kme, 32)
	slave := newTestClient(t, kme, 32)

	keys, err := master.FetchKeys(context.Background(), 3)
	require.NoError(t, err)

	ids := []qkd.KeyID{keys[0].ID, keys[1].ID, keys[2].ID}
	got, err := slave.FetchKeysWithIDs(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range keys {
		assert.Equal(t, keys[i].ID, got[i].ID)
		assert.Equal(t, keys[i].Material, got[i].Material)
	}

	// The fake KME releases a key once, as a real one does.
	_, err = slave.FetchKeysWithIDs(context.Background(), ids[:1])
	assert.ErrorIs(t, err, qkd.ErrMalformed)
}

func TestFetchKeysWithIDsInvalidArguments(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	_, err := c.FetchKeysWithIDs(context.Background(), nil)
	assert.ErrorIs(t, err, qkd.ErrInvalidArgument)

	_, err = c.FetchKeysWithIDs(context.Background(), []qkd.KeyID{""})
	assert.ErrorIs(t, err, qkd.ErrInvalidArgument)

	_, err = c.FetchKeysWithIDs(context.Background(), []qkd.KeyID{"a", "a"})
	assert.ErrorIs(t, err, qkd.ErrInvalidArgument)

	assert.Equal(t, 0, kme.Calls(testutil.OpDecKeys))
}

func TestFetchKeysWithIDsRequiresExactSet(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)
	material := make([]byte, 32)

	t.Run("missing key", func(t *testing.T) {
		kme.Handle(testutil.OpDecKeys, func(w http.ResponseWriter, r *http.Request) {
			testutil.WriteKeyContainer(w, map[string][]byte{"a": material})
		})
		_, err := c.FetchKeysWithIDs(context.Background(), []qkd.KeyID{"a", "b"})
		assert.ErrorIs(t, err, qkd.ErrMalformed)
	})

	t.Run("unrequested key", func(t *testing.T) {
		kme.Handle(testutil.OpDecKeys, func(w http.ResponseWriter, r *http.Request) {
			testutil.WriteKeyContainer(w, map[string][]byte{"other": material})
		})
		_, err := c.FetchKeysWithIDs(context.Background(), []qkd.KeyID{"a"})
		assert.ErrorIs(t, err, qkd.ErrMalformed)
	})
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		want    error
	}{
		{"unauthorized", http.StatusUnauthorized, "unknown SAE", qkd.ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "SAE not allowed", qkd.ErrUnauthorized},
		{"service unavailable", http.StatusServiceUnavailable, "busy", qkd.ErrExhausted},
		{"insufficient keys", http.StatusBadRequest, "Insufficient key material", qkd.ErrExhausted},
		{"exceeds stored", http.StatusBadRequest, "number exceeds stored_key_count", qkd.ErrExhausted},
		{"bad request", http.StatusBadRequest, "size must be a multiple of 8", qkd.ErrMalformed},
		{"not found", http.StatusNotFound, "no such route", qkd.ErrMalformed},
		{"internal error", http.StatusInternalServerError, "boom", qkd.ErrUnreachable},
		{"bad gateway", http.StatusBadGateway, "upstream", qkd.ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kme := testutil.NewKME(t, 32)
			c := newTestClient(t, kme, 32)
			kme.Fail(testutil.OpEncKeys, 1, tt.code, tt.message)

			_, err := c.FetchKeys(context.Background(), 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var terr *qkd.TransportError
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, metrics.OpGetKey, terr.Op)
			assert.Contains(t, err.Error(), tt.message)

			// The failure is consumed; the next call succeeds.
			_, err = c.FetchKeys(context.Background(), 1)
			assert.NoError(t, err)
		})
	}
}

func TestMalformedContainers(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", `{"keys": [`, qkd.ErrMalformed},
		{"empty container", `{"keys": []}`, qkd.ErrExhausted},
		{"missing key id", `{"keys": [{"key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}]}`, qkd.ErrMalformed},
		{"invalid base64", `{"keys": [{"key_ID": "a", "key": "not base64!"}]}`, qkd.ErrMalformed},
		{"unsafe key id", `{"keys": [{"key_ID": "../a", "key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}]}`, qkd.ErrMalformed},
		{"wrong length", `{"keys": [{"key_ID": "a", "key": "AAAAAAAAAAAAAAAAAAAAAA=="}]}`, qkd.ErrMalformed},
		{"duplicate id", `{"keys": [
			{"key_ID": "a", "key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="},
			{"key_ID": "a", "key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}]}`, qkd.ErrMalformed},
		{"more than requested", `{"keys": [
			{"key_ID": "a", "key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="},
			{"key_ID": "b", "key": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="}]}`, qkd.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kme := testutil.NewKME(t, 32)
			c := newTestClient(t, kme, 32)
			kme.FailRaw(testutil.OpEncKeys, http.StatusOK, []byte(tt.body))

			keys, err := c.FetchKeys(context.Background(), 1)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, keys)
		})
	}
}

func TestUnreachableKME(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	_, err := c.FetchStatus(context.Background())
	require.NoError(t, err)
	require.True(t, c.Status().Reachable)

	kme.Server.Close()

	_, err = c.FetchKeys(context.Background(), 1)
	assert.ErrorIs(t, err, qkd.ErrUnreachable)
	assert.True(t, qkd.IsTransient(err))
	assert.False(t, c.Status().Reachable)
}

func TestCanceledContext(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchKeys(ctx, 1)
	assert.ErrorIs(t, err, qkd.ErrUnreachable)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPacerBoundsRequests(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c, err := NewClient(Config{
		BaseURL:   kme.URL(),
		PeerSAEID: "sae-b",
		KeySize:   32,
		Pacer:     ratelimit.NewPacer(1, 1),
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.FetchKeys(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchKeys(ctx, 1)
	assert.ErrorIs(t, err, qkd.ErrUnreachable)
	assert.Equal(t, 1, kme.Calls(testutil.OpEncKeys))
}

func TestRequestIDPropagation(t *testing.T) {
	kme := testutil.NewKME(t, 32)
	c := newTestClient(t, kme, 32)

	ctx := correlation.WithCorrelationID(context.Background(), "req-123")
	_, err := c.FetchStatus(ctx)
	require.NoError(t, err)
	_, err = c.FetchKeys(context.Background(), 1)
	require.NoError(t, err)

	ids := kme.RequestIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, "req-123", ids[0])
	assert.NotEmpty(t, ids[1])
}

func TestMutualTLS(t *testing.T) {
	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	clientCert, err := testutil.GenerateTestClientCert(ca, "sae-a")
	require.NoError(t, err)

	kme := testutil.NewTLSKME(t, ca, 32)

	t.Run("with client certificate", func(t *testing.T) {
		c, err := NewClient(Config{
			BaseURL:   kme.URL(),
			PeerSAEID: "sae-b",
			KeySize:   32,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{clientCert.TLSCert},
				RootCAs:      ca.Pool(),
				MinVersion:   tls.VersionTLS12,
			},
		})
		require.NoError(t, err)
		defer c.Close()

		keys, err := c.FetchKeys(context.Background(), 2)
		require.NoError(t, err)
		assert.Len(t, keys, 2)
		assert.Equal(t, []string{"sae-a"}, kme.ClientCNs())
	})

	t.Run("without client certificate", func(t *testing.T) {
		c, err := NewClient(Config{
			BaseURL:   kme.URL(),
			PeerSAEID: "sae-b",
			KeySize:   32,
			TLSConfig: &tls.Config{RootCAs: ca.Pool(), MinVersion: tls.VersionTLS12},
		})
		require.NoError(t, err)
		defer c.Close()

		_, err = c.FetchKeys(context.Background(), 1)
		assert.ErrorIs(t, err, qkd.ErrUnreachable)
	})
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK, nil))
	assert.NoError(t, classifyStatus(http.StatusNoContent, nil))
	assert.ErrorIs(t, classifyStatus(http.StatusBadRequest, []byte("not enough keys")), qkd.ErrExhausted)
	assert.ErrorIs(t, classifyStatus(http.StatusBadRequest, []byte(`{"message":"bad"}`)), qkd.ErrMalformed)
	assert.ErrorIs(t, classifyStatus(http.StatusTeapot, nil), qkd.ErrMalformed)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad size", errorMessage([]byte(`{"message":"bad size","details":[{"size":"1"}]}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("  plain text \n")))
	assert.Len(t, errorMessage(make([]byte, 500)), 200)
}
