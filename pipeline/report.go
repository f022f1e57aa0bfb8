/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package pipeline

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"chainguard.dev/treesync/aggregate"
)

// Report renders the run summary as a markdown table: one row per job plus
// the aggregate outcome, suitable for terminals and CI job summaries alike.
func Report(w io.Writer, result *RunResult) {
	table := createStandardTable([]string{"DESTINATION", "RESULT", "CHANGES", "DELTA", "ELAPSED"}, w)
	for _, res := range result.Jobs {
		_ = table.Append([]string{
			res.Job.Destination,
			jobStatus(res),
			jobChanges(res),
			jobDelta(res),
			res.Elapsed.Round(time.Millisecond).String(),
		})
	}
	_ = table.Render()

	fmt.Fprintln(w)
	if failed := result.FailedJobs(); failed > 0 {
		fmt.Fprintf(w, "%d of %d job(s) failed\n", failed, len(result.Jobs))
	}
	fmt.Fprintf(w, "aggregate: %s\n", outcomeLine(result.Outcome))
}

func jobStatus(res JobResult) string {
	switch {
	case res.Failed():
		return "failed: " + res.Stage
	case res.Changed():
		return "synced"
	default:
		return "no change"
	}
}

func jobChanges(res JobResult) string {
	if res.Changes == nil || !res.Changes.Changed() {
		return "-"
	}
	if res.Changes.Bootstrap {
		return res.Changes.String() + " (bootstrap)"
	}
	return res.Changes.String()
}

func jobDelta(res JobResult) string {
	if res.Artifact == nil || res.Artifact.Empty() {
		return "-"
	}
	files, adds, dels := res.Artifact.Stats()
	return fmt.Sprintf("+%d -%d (%d file(s))", adds, dels, files)
}

func outcomeLine(outcome *aggregate.Outcome) string {
	if outcome == nil {
		return "not reached"
	}
	switch outcome.State {
	case aggregate.StateCommitted:
		return fmt.Sprintf("committed %s (%d destination(s))", outcome.Commit, len(outcome.Applied))
	case aggregate.StateNoOpClean:
		return "no changes to commit"
	case aggregate.StateDryRun:
		return fmt.Sprintf("dry run, would commit %d destination(s)", len(outcome.Applied))
	case aggregate.StateFailed:
		return "failed, destinations rolled back"
	default:
		return string(outcome.State)
	}
}

// createStandardTable creates a table writer with standard formatting options.
func createStandardTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 80,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}
