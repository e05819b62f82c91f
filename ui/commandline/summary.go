// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/pkg/lifecycle"
	"github.com/muesli/termenv"
)

var tableBorderColor = "#705090"

// summaryStyles are created for a specific output, so colors are only used if the output supports them.
type summaryStyles struct {
	cell, rightAligned, header, border, warning lipgloss.Style
}

func newSummaryStyles(w io.Writer) summaryStyles {
	renderer := lipgloss.NewRenderer(w, termenv.WithColorCache(true))
	return summaryStyles{
		cell:         renderer.NewStyle().Padding(0, 1),
		rightAligned: renderer.NewStyle().Align(lipgloss.Right).Padding(0, 1),
		header:       renderer.NewStyle().Padding(0, 1).Bold(true),
		border:       renderer.NewStyle().Foreground(lipgloss.Color(tableBorderColor)),
		warning:      renderer.NewStyle().Foreground(lipgloss.Color("#d03030")).Bold(true),
	}
}

// SummaryTable renders the counts of the report, one row per iteration and one column per checkpoint,
// followed by the run details. Failed queries are shown as "?".
func SummaryTable(w io.Writer, report *lifecycle.Report, elapsed time.Duration) string {
	styles := newSummaryStyles(w)
	checkpoints := report.Mode.Checkpoints()
	counts := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return styles.header
			}
			return styles.rightAligned
		})
	headers := []string{"Iteration"}
	for _, checkpoint := range checkpoints {
		headers = append(headers, checkpoint.String())
	}
	counts.Headers(headers...)
	for iteration := range report.Config.IterationCount {
		row := []string{strconv.Itoa(iteration)}
		for _, checkpoint := range checkpoints {
			cell := ""
			if o, found := report.Observation(iteration, checkpoint); found {
				cell = "?"
				if o.Ok() {
					cell = strconv.Itoa(o.Count)
				}
			}
			row = append(row, cell)
		}
		counts.Row(row...)
	}

	details := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(styles.border).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return styles.rightAligned
			}
			return styles.cell
		})
	bufferBytes := uint64(report.Config.ElemCount * backends.DTypeSize(report.Config.DType))
	details.Row("Mode", report.Mode.String())
	details.Row("Device", report.Device)
	details.Row("Buffer", fmt.Sprintf("%s x %s (%s)",
		humanize.Comma(int64(report.Config.ElemCount)), report.Config.DType, humanize.IBytes(bufferBytes)))
	details.Row("Elapsed", FormatDuration(elapsed))
	switch {
	case report.LeakedBuffers < 0:
		details.Row("Leaked buffers", "not reported by the driver")
	case report.LeakedBuffers == 0:
		details.Row("Leaked buffers", "0")
	default:
		details.Row("Leaked buffers", styles.warning.Render(fmt.Sprintf("%d (%s)",
			report.LeakedBuffers, humanize.IBytes(uint64(report.LeakedBuffers)*bufferBytes))))
	}
	violations := report.Check()
	details.Row("Unexpected counts", strconv.Itoa(len(violations)))

	parts := []string{counts.String(), details.String()}
	for _, v := range violations {
		parts = append(parts, "  - "+v.String())
	}
	return strings.Join(parts, "\n")
}

// PrintSummary prints the SummaryTable of the report to w.
func PrintSummary(w io.Writer, report *lifecycle.Report, elapsed time.Duration) error {
	_, err := fmt.Fprintln(w, SummaryTable(w, report, elapsed))
	return err
}
