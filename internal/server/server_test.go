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

package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-qkd/internal/config"
	"github.com/jeremyhahn/go-qkd/internal/testutil"
	"github.com/jeremyhahn/go-qkd/pkg/client"
	"github.com/jeremyhahn/go-qkd/pkg/health"
	"github.com/jeremyhahn/go-qkd/pkg/ledger"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
	"github.com/jeremyhahn/go-qkd/pkg/qkd"
	"github.com/jeremyhahn/go-qkd/pkg/storage/memory"
)

const operatorKey = "operator-secret"

func testConfig(kme *testutil.KME, saeID, peerSAEID string) *config.Config {
	cfg := config.Default()
	cfg.Node.SAEID = saeID
	cfg.Node.PeerSAEID = peerSAEID
	cfg.KME.Address = kme.URL()
	cfg.Fallback.Policy = config.FallbackDeny
	cfg.Cache.Capacity = 32
	cfg.Lifecycle.LowWater = 8
	cfg.Lifecycle.BatchSize = 16
	cfg.Lifecycle.SupplyInterval = 20 * time.Millisecond
	cfg.Lifecycle.PollInterval = 10 * time.Millisecond
	cfg.Server.Port = 0
	cfg.Metrics.Port = 0
	cfg.Metrics.CollectInterval = 50 * time.Millisecond
	cfg.Auth.Enabled = true
	cfg.Auth.Type = "apikey"
	cfg.Auth.APIKeys = map[string]config.APIKeyConfig{
		operatorKey: {Subject: "ops", Roles: []string{"operator"}},
	}
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, WithLogger(logger.NewNoop()), WithVersion("test"))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func apiClient(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.New(&client.Config{Address: "http://" + srv.APIAddr().String(), APIKey: operatorKey})
	require.NoError(t, err)
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	kme := testutil.NewKME(t, 0)
	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Fallback.Policy = ""
	_, err = New(cfg, WithLogger(logger.NewNoop()))
	assert.ErrorIs(t, err, manager.ErrInvalidPolicy)

	cfg = testConfig(kme, "sae-alice", "sae-bob")
	cfg.Fallback.Policy = config.FallbackAllow
	cfg.Fallback.Source = "quantum-dots"
	_, err = New(cfg, WithLogger(logger.NewNoop()))
	assert.Error(t, err)

	cfg = testConfig(kme, "sae-alice", "sae-bob")
	cfg.Fallback.Policy = config.FallbackAllow
	cfg.Fallback.PeerPublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = New(cfg, WithLogger(logger.NewNoop()))
	assert.Error(t, err)
}

func TestServerLifecycle(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	srv := startServer(t, testConfig(kme, "sae-alice", "sae-bob"))

	require.Eventually(t, func() bool {
		return srv.Manager().Level() >= 8
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, srv.HealthChecker().IsStarted())

	subkey, err := srv.Manager().Acquire(context.Background(), qkd.PurposePeerHandshake, time.Second)
	require.NoError(t, err)
	assert.Equal(t, qkd.SourceQKD, subkey.Source)
	assert.Len(t, subkey.Key, 32)

	api := apiClient(t, srv)
	ctx := context.Background()

	health, err := api.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", health.Version)

	status, err := api.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, manager.PolicyDeny, status.FallbackPolicy)
	assert.GreaterOrEqual(t, status.Cache.Consumed, uint64(1))

	evts, err := api.Events(ctx, &client.EventsQuery{Limit: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, evts.Events)

	resp, err := http.Get("http://" + srv.MetricsAddr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "qkd_")

	assert.ErrorIs(t, srv.Start(ctx), ErrAlreadyStarted)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(stopCtx))
	assert.False(t, srv.HealthChecker().IsStarted())
	assert.Zero(t, srv.Manager().Level(), "stop purges the cache")
	require.NoError(t, srv.Stop(stopCtx))
}

func TestServerWithoutAPI(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Health.Enabled = false

	srv := startServer(t, cfg)
	assert.Nil(t, srv.APIAddr())
	assert.Nil(t, srv.MetricsAddr())
	assert.Nil(t, srv.HealthChecker())
}

func TestMasterAnnouncesToSlave(t *testing.T) {
	kme := testutil.NewKME(t, 0)

	slaveCfg := testConfig(kme, "sae-bob", "sae-alice")
	slaveCfg.Node.Role = config.RoleSlave
	slaveCfg.Metrics.Enabled = false
	slave := startServer(t, slaveCfg)

	masterCfg := testConfig(kme, "sae-alice", "sae-bob")
	masterCfg.Metrics.Enabled = false
	masterCfg.Node.Peer.Address = "http://" + slave.APIAddr().String()
	masterCfg.Node.Peer.APIKey = operatorKey
	master := startServer(t, masterCfg)

	require.Eventually(t, func() bool {
		return master.Manager().Level() >= 8 && slave.Manager().Level() >= 8
	}, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, kme.Calls(testutil.OpDecKeys))

	// The slave never asks for new keys.
	_, err := apiClient(t, slave).Replenish(context.Background())
	assert.Equal(t, http.StatusConflict, client.StatusCode(err))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Metrics.Enabled = false

	srv, err := New(cfg, WithLogger(logger.NewNoop()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return srv.APIAddr() != nil && srv.Manager().CurrentStatus() == health.StateHealthy
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFallbackSourceFromPEMKey(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	kme.SetStored(0)

	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Fallback.Policy = config.FallbackAllow
	cfg.Fallback.Source = "entropy"

	dir := t.TempDir()
	keyFile := filepath.Join(dir, "peer.pem")
	require.NoError(t, os.WriteFile(keyFile, []byte("not a pem file"), 0o600))
	cfg.Fallback.PeerPublicKeyFile = keyFile

	srv, err := New(cfg, WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	assert.Equal(t, "entropy", srv.Manager().Status().FallbackSource)
}

func TestLedgerPathPersistsSpentKeys(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger")

	srv, err := New(cfg, WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	require.Eventually(t, func() bool {
		return srv.Manager().Level() >= 8
	}, 5*time.Second, 10*time.Millisecond)

	subkey, err := srv.Manager().Acquire(context.Background(), qkd.PurposePeerHandshake, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	spent, err := os.ReadDir(filepath.Join(cfg.Ledger.Path, "spent"))
	require.NoError(t, err)
	assert.NotEmpty(t, spent)
	derived, err := os.ReadDir(filepath.Join(cfg.Ledger.Path, "derived"))
	require.NoError(t, err)
	assert.Len(t, derived, 1)

	assert.NotEmpty(t, subkey.KeyID)

	// the restarted agent loads the same records
	restarted, err := New(cfg, WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	defer restarted.closeClients()
	reloaded, err := ledger.Open(0, restarted.ledgers, "spent")
	require.NoError(t, err)
	assert.Equal(t, len(spent), reloaded.Count())
}

func TestMemoryLedgerWithoutPath(t *testing.T) {
	kme := testutil.NewKME(t, 0)
	cfg := testConfig(kme, "sae-alice", "sae-bob")
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Ledger.Path = ""

	srv, err := New(cfg, WithLogger(logger.NewNoop()))
	require.NoError(t, err)
	require.IsType(t, &memory.Storage{}, srv.ledgers)

	require.NoError(t, srv.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()
	require.Eventually(t, func() bool {
		return srv.Manager().Level() >= 8
	}, 5*time.Second, 10*time.Millisecond)

	subkey, err := srv.Manager().Acquire(context.Background(), qkd.PurposePeerHandshake, time.Second)
	require.NoError(t, err)

	derived, err := ledger.Open(0, srv.ledgers, "derived")
	require.NoError(t, err)
	assert.Equal(t, 1, derived.Count())
	spent, err := ledger.Open(0, srv.ledgers, "spent")
	require.NoError(t, err)
	assert.True(t, spent.Contains(string(subkey.KeyID)))
}
