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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (injected at build time via -ldflags)
var (
	Version   = "dev"     // -X github.com/jeremyhahn/go-qkd/internal/cli.Version=x.y.z
	GitCommit = "unknown" // -X github.com/jeremyhahn/go-qkd/internal/cli.GitCommit=abc123
	BuildDate = "unknown" // -X github.com/jeremyhahn/go-qkd/internal/cli.BuildDate=2025-01-15
)

// VersionInfo is the build identity of the binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the build identity.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := GetVersionInfo()
		printer := NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout())
		if printer.format == OutputFormatJSON {
			return printer.printJSON(info)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "qkd-agent %s\n", info.Version)
		fmt.Fprintf(w, "  Git commit: %s\n", info.Commit)
		fmt.Fprintf(w, "  Built:      %s\n", info.BuildDate)
		fmt.Fprintf(w, "  Go:         %s %s\n", info.GoVersion, info.Platform)
		return nil
	},
}
