// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots converts the reference counts observed in the runs to plot points, that can be saved,
// loaded back, printed as a table or plotted to an image file.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/rctrace/pkg/lifecycle"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Point represents one observed reference count. It is used to save/load plots.
type Point struct {
	// Series the point belongs to: the name of the mode, e.g. "waited".
	Series string

	Iteration  int
	Checkpoint string

	// Step is the position of the observation within its series, starting at 0.
	Step float64

	// Value is the reference count observed.
	Value float64
}

// PointsFromReports converts the observations of the reports to points, one series per report.
// Observations that failed to query the reference count are skipped, but still take their Step.
func PointsFromReports(reports ...*lifecycle.Report) []Point {
	var points []Point
	for _, report := range reports {
		if report == nil {
			continue
		}
		for step, o := range report.Observations {
			if !o.Ok() {
				continue
			}
			points = append(points, Point{
				Series:     report.Mode.String(),
				Iteration:  o.Iteration,
				Checkpoint: o.Checkpoint.String(),
				Step:       float64(step),
				Value:      float64(o.Count),
			})
		}
	}
	return points
}

// SavePoints writes the points to filePath, one JSON object per line.
func SavePoints(filePath string, points []Point) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create plot points file %q", filePath)
	}
	enc := json.NewEncoder(f)
	for _, point := range points {
		if err = enc.Encode(point); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "failed to encode point %v", point)
		}
	}
	return errors.Wrapf(f.Close(), "failed to close plot points file %q", filePath)
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plot points file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// Points is a collection of Point objects organized by their Series.
type Points map[string][]Point

// NewPoints create a Points object from a collection of individual `Point`.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Series] = append(points[p.Series], p)
	}
	return points
}

// Series returns the names of the series, sorted.
func (points Points) Series() []string {
	return slices.Sorted(maps.Keys(points))
}

// Table returns a table with one row per iteration and checkpoint, and one column per series.
func (points Points) Table() string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	series := points.Series()
	table.Headers(append([]string{"Step"}, series...)...)

	var numSteps int
	for _, seriesPoints := range points {
		for _, p := range seriesPoints {
			numSteps = max(numSteps, int(p.Step)+1)
		}
	}
	for step := range numSteps {
		row := make([]string, 1+len(series))
		row[0] = fmt.Sprintf("%d", step)
		for ii, name := range series {
			for _, p := range points[name] {
				if int(p.Step) == step {
					row[1+ii] = fmt.Sprintf("%.0f (it=%d, %s)", p.Value, p.Iteration, p.Checkpoint)
				}
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.Table()
}

// Save plots one line per series, the reference count over the steps, and saves it to filePath.
// The image format is taken from the file extension, e.g. ".png" or ".svg".
func (points Points) Save(filePath, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "checkpoint"
	p.Y.Label.Text = "reference count"
	p.Y.Min = 0
	p.Legend.Top = true

	var lines []any
	for _, name := range points.Series() {
		xys := make(plotter.XYs, len(points[name]))
		for ii, point := range points[name] {
			xys[ii].X = point.Step
			xys[ii].Y = point.Value
		}
		lines = append(lines, name, xys)
	}
	if len(lines) == 0 {
		return errors.Errorf("no points to plot to %q", filePath)
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrapf(err, "failed to create plot lines")
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	klog.V(1).Infof("Plot of %d series saved to %q", len(lines)/2, filePath)
	return nil
}
