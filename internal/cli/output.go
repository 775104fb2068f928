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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/client"
	"github.com/jeremyhahn/go-qkd/pkg/manager"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// PrintStatus prints the key supply of an agent.
func (p *Printer) PrintStatus(status *manager.Status) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(status)
	case OutputFormatText:
		w := p.writer
		fmt.Fprintf(w, "State:            %s\n", status.State)
		if status.Monitor.Reason != "" {
			fmt.Fprintf(w, "Reason:           %s\n", status.Monitor.Reason)
		}
		fmt.Fprintf(w, "Since:            %s\n", formatTime(status.Monitor.Since))
		fmt.Fprintf(w, "Failures:         %d\n", status.Monitor.ConsecutiveFailures)
		if status.Monitor.LastError != "" {
			fmt.Fprintf(w, "Last error:       %s (%s)\n", status.Monitor.LastError, status.Monitor.LastErrorKind)
		}
		fmt.Fprintf(w, "KME reachable:    %t\n", status.KME.Reachable)
		fmt.Fprintf(w, "KME stored keys:  %d\n", status.KME.AvailableKeys)
		fmt.Fprintf(w, "Cache:            %d available, %d pending, %d reserved of %d (low water %d)\n",
			status.Cache.Available, status.Cache.Pending, status.Cache.Reserved, status.Cache.Capacity, status.LowWater)
		fmt.Fprintf(w, "Consumed:         %d\n", status.Cache.Consumed)
		fmt.Fprintf(w, "Expired/evicted:  %d/%d\n", status.Cache.Expired, status.Cache.Evicted)
		fallback := string(status.FallbackPolicy)
		if status.FallbackSource != "" {
			fallback += " (" + status.FallbackSource + ")"
		}
		fmt.Fprintf(w, "Fallback:         %s\n", fallback)
		if status.HoldoffUntil != nil {
			fmt.Fprintf(w, "Holdoff until:    %s\n", formatTime(*status.HoldoffUntil))
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintEvents prints journal events.
func (p *Printer) PrintEvents(resp *client.EventsResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(resp)
	case OutputFormatText:
		if len(resp.Events) == 0 {
			fmt.Fprintln(p.writer, "No events")
			return nil
		}
		for _, e := range resp.Events {
			line := fmt.Sprintf("%s  %-8s %-24s %s", formatTime(e.Timestamp), e.Severity, e.Type, e.Message)
			if e.Error != "" {
				line += ": " + e.Error
			}
			fmt.Fprintln(p.writer, line)
		}
		fmt.Fprintf(p.writer, "\n%d shown, %d recorded\n", len(resp.Events), resp.Stats.Total)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintState prints the result of reset or replenish.
func (p *Printer) PrintState(action string, state *client.StateResponse) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "success",
			"action": action,
			"state":  state.State,
			"level":  state.Level,
		})
	case OutputFormatText:
		fmt.Fprintf(p.writer, "%s: state %s, %d keys available\n", action, state.State, state.Level)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status":  "success",
			"message": message,
		})
	case OutputFormatText:
		fmt.Fprintln(p.writer, message)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
