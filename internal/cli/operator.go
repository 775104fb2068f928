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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-qkd/pkg/client"
	"github.com/jeremyhahn/go-qkd/pkg/events"
)

// statusCmd shows the key supply of a running agent
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the key supply of a running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		status, err := c.Status(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintStatus(status)
	},
}

// eventsCmd lists recent lifecycle events
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		types, _ := cmd.Flags().GetStringSlice("type")
		severities, _ := cmd.Flags().GetStringSlice("severity")

		query := &client.EventsQuery{Limit: limit}
		for _, t := range types {
			query.Types = append(query.Types, events.Type(t))
		}
		for _, s := range severities {
			query.Severities = append(query.Severities, events.Severity(s))
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		resp, err := c.Events(commandContext(cmd), query)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintEvents(resp)
	},
}

// resetCmd returns an offline agent to the healthy state
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the QKD health monitor",
	Long: `Reset the QKD health monitor to healthy. This is the only way out of
the offline state and requires the operator role.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		state, err := c.ResetMonitor(commandContext(cmd), reason)
		if err != nil {
			return fmt.Errorf("failed to reset monitor: %w", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintState("reset", state)
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "maximum number of events")
	eventsCmd.Flags().StringSlice("type", nil, "filter by event type (repeatable)")
	eventsCmd.Flags().StringSlice("severity", nil, "filter by severity (repeatable)")

	resetCmd.Flags().String("reason", "", "reason recorded in the event journal")
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	if err := resolveGlobals(cmd); err != nil {
		return nil, err
	}
	printVerbose("Connecting to %s", getConfig().Server)
	c, err := getConfig().CreateClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}
