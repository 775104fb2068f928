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

// Package cli implements the qkd-agent command line.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix scopes the environment variables bound to flags.
const EnvPrefix = "QKD"

var (
	// Global configuration
	globalConfig *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "qkd-agent",
	Short: "QKD key acquisition and lifecycle agent",
	Long: `qkd-agent fetches quantum key material from an ETSI GS QKD 014
key management entity, caches it with strict single use, and binds it into
purpose-specific subkeys for the blockchain node. While the QKD path is
degraded it can fall back to ML-KEM-768 or OS entropy, subject to the
configured fallback policy.

Commands:
  serve    run the agent
  status   show the key supply of a running agent
  events   list recent lifecycle events
  reset    return an offline agent to the healthy state
  version  print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Errors are printed in the selected
// output format before being returned.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		printer := NewPrinter(globalConfig.OutputFormat, os.Stderr)
		_ = printer.PrintError(err) // Error printing to stderr is best-effort
		return err
	}
	return nil
}

func init() {
	// Initialize global config
	globalConfig = NewConfig()

	// Persistent flags (available to all commands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalConfig.ConfigFile, "config", "",
		"agent configuration file (env QKD_CONFIG)")
	pf.StringVarP(&globalConfig.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	pf.BoolVarP(&globalConfig.Verbose, "verbose", "v", false,
		"verbose output")
	pf.StringVar(&globalConfig.Server, "server", DefaultServer,
		"operator API of a running agent (env QKD_SERVER)")
	pf.StringVar(&globalConfig.APIKey, "api-key", "",
		"operator API key (env QKD_API_KEY)")
	pf.StringVar(&globalConfig.TLSCACert, "tls-ca", "", "CA certificate for an https operator API")
	pf.StringVar(&globalConfig.TLSCert, "tls-cert", "", "client certificate for mTLS")
	pf.StringVar(&globalConfig.TLSKey, "tls-key", "", "client key for mTLS")
	pf.BoolVar(&globalConfig.TLSInsecure, "tls-insecure", false, "skip operator API certificate verification")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(resetCmd)
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// bindViper merges flags with QKD_* environment variables. A flag set on
// the command line wins over the environment.
func bindViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	return v, nil
}

// resolveGlobals applies environment values to the global options that
// were not given as flags.
func resolveGlobals(cmd *cobra.Command) error {
	v, err := bindViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg := getConfig()
	cfg.ConfigFile = v.GetString("config")
	cfg.Server = v.GetString("server")
	cfg.APIKey = v.GetString("api-key")
	return nil
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
