package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle      = lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// listDevices prints a table with all the devices of all the platforms of the driver.
func listDevices(w io.Writer, driver backends.Driver) error {
	platforms, err := driver.Platforms()
	if err != nil {
		return err
	}
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			return cellStyle
		}).
		Headers("Platform", "Vendor", "Device", "Type")
	for _, platform := range platforms {
		devices, err := platform.Devices(backends.DeviceTypeAll)
		if err != nil {
			return errors.WithMessagef(err, "platform %q", platform.Name())
		}
		for _, device := range devices {
			table.Row(platform.Name(), platform.Vendor(), device.Name(), device.Type().String())
		}
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render(driver.Description()), table)
	return err
}
