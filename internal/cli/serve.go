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

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-qkd/internal/config"
	"github.com/jeremyhahn/go-qkd/internal/server"
)

// Flags the blockchain node passes to every sidecar. They are accepted
// so the agent can share the node's command line, and otherwise ignored.
var passThroughFlags = []string{"base-path", "chain", "port", "ws-port", "rpc-port", "name"}

// serveCmd runs the agent
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the QKD agent",
	Long: `Run the QKD agent until SIGINT or SIGTERM.

Settings are merged in this order, later wins: built-in defaults, the
configuration file, QKD_* environment variables, command line flags.
fallback.policy has no default and must be set by one of them.`,
	RunE: runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
}

func addServeFlags(f *pflag.FlagSet) {
	f.String("sae-id", "", "local SAE identifier (env QKD_SAE_ID)")
	f.String("peer-sae-id", "", "peer SAE identifier (env QKD_PEER_SAE_ID)")
	f.String("addr-pqkd", "", "KME base URL (env QKD_ADDR_PQKD)")
	f.String("fallback", "", "fallback policy: allow or deny (env QKD_FALLBACK)")
	f.Bool("require-qkd", false, "refuse fallback and go offline when QKD degrades (env QKD_REQUIRE_QKD)")

	f.String("base-path", "", "ignored, accepted for node compatibility")
	f.String("chain", "", "ignored, accepted for node compatibility")
	f.Int("port", 0, "ignored, accepted for node compatibility")
	f.Int("ws-port", 0, "ignored, accepted for node compatibility")
	f.Int("rpc-port", 0, "ignored, accepted for node compatibility")
	f.String("name", "", "ignored, accepted for node compatibility")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

// loadServeConfig reads the configuration file, applies environment and
// flag overrides, and validates the result.
func loadServeConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := bindViper(cmd.Flags())
	if err != nil {
		return nil, err
	}

	path := v.GetString("config")
	printVerbose("Loading configuration from %q", path)
	cfg, err := config.Read(path)
	if err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, v); err != nil {
		return nil, err
	}
	for _, name := range passThroughFlags {
		if cmd.Flags().Changed(name) {
			printVerbose("Ignoring --%s", name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlagOverrides copies every flag or environment value viper has
// seen onto cfg. Unset flags keep the file value.
func applyFlagOverrides(cfg *config.Config, v *viper.Viper) error {
	if v.IsSet("sae-id") {
		cfg.Node.SAEID = v.GetString("sae-id")
	}
	if v.IsSet("peer-sae-id") {
		cfg.Node.PeerSAEID = v.GetString("peer-sae-id")
	}
	if v.IsSet("addr-pqkd") {
		cfg.KME.Address = v.GetString("addr-pqkd")
	}
	if v.IsSet("fallback") {
		policy := strings.ToLower(strings.TrimSpace(v.GetString("fallback")))
		if policy != config.FallbackAllow && policy != config.FallbackDeny {
			return fmt.Errorf("--fallback must be %q or %q, got %q", config.FallbackAllow, config.FallbackDeny, policy)
		}
		cfg.Fallback.Policy = policy
	}
	if v.IsSet("require-qkd") {
		cfg.Monitor.RequireQKD = v.GetBool("require-qkd")
	}
	return nil
}

// commandContext returns the command context, or Background for commands
// executed outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
