// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/autoschedule/pkg/autoschedule"
	"github.com/gomlx/autoschedule/pkg/core/cost"
	"github.com/gomlx/autoschedule/pkg/core/machine"
	"github.com/gomlx/autoschedule/pkg/core/pipeline"
	"github.com/gomlx/autoschedule/pkg/support/xslices"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// formatValue renders a cost value with SI prefixes, or "?" if it is unknown.
func formatValue(v cost.Value) string {
	f, ok := v.Get()
	if !ok {
		return "?"
	}
	return humanize.SIWithDigits(f, 2, "")
}

// formatBytes renders a size in bytes, or "?" if it is unknown.
func formatBytes(v cost.Value) string {
	f, ok := v.Get()
	if !ok || f < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(f))
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// formatDuration pretty prints d with 2 decimal places.
func formatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

func configTable(config machine.Config, opts *autoschedule.Options) *lgtable.Table {
	table := newPlainTable(false)
	table.Row("target", config.Target.String())
	table.Row("machine", config.Machine.String())
	table.Row("shared mem / block", humanize.Bytes(uint64(config.GPU.LimitSharedMemPerBlock)))
	table.Row("threads / block", humanize.Comma(int64(config.GPU.LimitThreadsPerBlock)))
	table.Row("fast mem grouping", strconv.FormatBool(!opts.DisableFastMem))
	table.Row("folded fusion", strconv.FormatBool(opts.FoldedFusion))
	table.Row("load costs (shared, L2, global)", fmt.Sprintf("%g, %g, %g", opts.SharedMemCost, opts.L2Cost, opts.GlobalCost))
	return table
}

// groupsTable lists the groups of a scheduled pipeline.
func groupsTable(result *autoschedule.Result) *lgtable.Table {
	table := newPlainTable(true)
	table.Headers("Group", "Members", "Inlined", "Tiles", "Threads", "Occupancy", "Shared mem", "Cost")
	for _, g := range result.Groups {
		table.Row(groupRow(g)...)
	}
	return table
}

func groupRow(g autoschedule.GroupReport) []string {
	inlined := make(map[string]bool, len(g.Inlined))
	for _, name := range g.Inlined {
		inlined[name] = true
	}
	var members []string
	for _, m := range g.Members {
		if m != g.Output && !inlined[m.Func] {
			members = append(members, m.String())
		}
	}
	a := g.Analysis
	return []string{
		g.Output.String(),
		strings.Join(members, ", "),
		strings.Join(g.Inlined, ", "),
		g.TileSizes.String(),
		formatValue(a.NThreads),
		formatValue(a.Occupancy),
		formatBytes(a.SharedMem),
		formatValue(a.Cost.Total()),
	}
}

func summaryTable(o *outcome) *lgtable.Table {
	result := o.result
	table := newPlainTable(false)
	table.Row("groups", humanize.Comma(int64(len(result.Groups))))
	table.Row("functions inlined", humanize.Comma(int64(result.NumInlined())))
	table.Row("arithmetic cost", formatValue(result.Cost.Arith))
	table.Row("memory cost", formatValue(result.Cost.Memory))
	table.Row("directives", humanize.Comma(int64(numDirectives(result))))
	table.Row("schedule", o.schedule)
	table.Row("elapsed", formatDuration(o.elapsed))
	return table
}

func numDirectives(result *autoschedule.Result) int {
	n := 0
	for _, name := range result.Schedule.Functions() {
		f := result.Pipeline.MustFunc(name)
		n += xslices.Sum(xslices.Map(f.Stages(), func(s pipeline.Stage) int {
			return len(result.Schedule.Directives(s))
		}))
	}
	return n
}
