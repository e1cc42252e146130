package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/kernel"
	"github.com/plinthcms/plinth/internal/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// printLoadReport lists loaded plugins and per-plugin problems.
func printLoadReport(report *kernel.LoadReport) {
	if report == nil {
		return
	}
	fmt.Printf("%s Loaded %d plugin(s)\n", cyan("→"), len(report.Loaded))
	if len(report.Problems) == 0 {
		return
	}
	keys := make([]string, 0, len(report.Problems))
	for k := range report.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s %s: %s\n", red("✗"), k, report.Problems[k])
	}
}

func printSiteReport(r *kernel.SiteReport) {
	fmt.Printf("%s site %s: %d active", cyan("→"), bold(r.Slug), len(r.Activated))
	if len(r.Activated) > 0 {
		fmt.Printf(" %s", gray("("+strings.Join(r.Activated, ", ")+")"))
	}
	fmt.Println()
	ids := make([]string, 0, len(r.Errored))
	for id := range r.Errored {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  %s %s: %s\n", red("✗"), id, r.Errored[id])
	}
}

func statusColor(s types.InstallStatus) func(a ...interface{}) string {
	switch s {
	case types.InstallActive:
		return green
	case types.InstallErrored:
		return red
	}
	return gray
}

func severityColor(s events.EventSeverity) *color.Color {
	switch s {
	case events.SeverityWarning:
		return color.New(color.FgYellow)
	case events.SeverityError:
		return color.New(color.FgRed)
	case events.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	}
	return color.New(color.FgWhite)
}

func eventIcon(e *events.Event) string {
	switch e.Type {
	case events.EventTypePluginActivated, events.EventTypeWebhookDelivered, events.EventTypeCronRan, events.EventTypeAuthLogin:
		return "✓"
	case events.EventTypePluginErrored, events.EventTypeHookFailed, events.EventTypeWebhookFailed, events.EventTypeCronFailed, events.EventTypeAuthFailed:
		return "✗"
	case events.EventTypeSettingsChanged:
		return "✎"
	}
	if !e.Type.IsKernel() {
		return "★"
	}
	return "•"
}

// displayEvent prints one event on a single line followed by a short
// key=value summary of its data.
func displayEvent(e *events.Event) {
	scope := e.SiteID
	if e.PluginID != "" {
		if scope != "" {
			scope += "/"
		}
		scope += e.PluginID
	}
	fmt.Printf("%s [%s] %s %s: %s\n",
		eventIcon(e),
		e.Timestamp.Format("15:04:05"),
		green(scope),
		color.New(color.FgMagenta).Sprint(e.Type),
		severityColor(e.Severity).Sprint(e.Message),
	)
	if meta := eventMetadata(e); meta != "" {
		fmt.Printf("  %s\n", gray(meta))
	}
}

func eventMetadata(e *events.Event) string {
	if len(e.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 5 {
		keys = keys[:5]
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, truncate(fmt.Sprint(e.Data[k]), 40)))
	}
	return strings.Join(parts, " | ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
