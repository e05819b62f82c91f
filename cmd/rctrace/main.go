// rctrace prints the reference count of a device buffer at each checkpoint of its lifecycle, for kernels
// enqueued without a completion event and for kernels enqueued with one that is waited on.
//
// Usage:
//
//	rctrace [-driver=sim:policy=event] [-device_type=gpu] [-iteration_count=1] [-elem_count=1000000]
//
// Drivers are selected with -driver or with $RCTRACE_DRIVER, formatted as "<driver>:<config>".
// The OpenCL driver is only included when built with the tag "opencl".
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rctrace/backends"
	_ "github.com/gomlx/rctrace/backends/default"
	"github.com/gomlx/rctrace/pkg/lifecycle"
	"github.com/gomlx/rctrace/pkg/support/fsutil"
	"github.com/gomlx/rctrace/ui/commandline"
	"github.com/gomlx/rctrace/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	defaultConfig = lifecycle.DefaultConfig()

	flagDriver = flag.String("driver", "",
		fmt.Sprintf("Driver configuration, formatted as \"<driver>:<config>\". "+
			"If empty, $%s or the first registered driver is used.", backends.ConfigEnvVar))
	flagConfig = flag.String("config", "",
		"TOML configuration file with the keys driver, iteration_count, elem_count, device_type and dtype. "+
			"Flags explicitly set take precedence over the file.")
	flagIterationCount = flag.Int("iteration_count", defaultConfig.IterationCount,
		"Number of iterations per mode: one buffer is created in each iteration.")
	flagElemCount  = flag.Int("elem_count", defaultConfig.ElemCount, "Number of elements of each buffer.")
	flagDeviceType = flag.String("device_type", defaultConfig.DeviceType.String(),
		"Class of device to use: \"default\", \"cpu\", \"gpu\", \"accelerator\" or \"all\".")
	flagDType = flag.String("dtype", "float32", "Buffer elements dtype: \"float32\", \"float64\" or \"float16\".")

	flagList     = flag.Bool("list", false, "List the platforms and devices of the driver and exit.")
	flagSummary  = flag.Bool("summary", false, "Print a summary table after each mode.")
	flagProgress = flag.Bool("progress", false, "Display a progress bar of the iterations in stderr.")
	flagPlot     = flag.String("plot", "",
		"If set, save a plot of the reference counts of both modes to this file (\".png\" or \".svg\"), "+
			"and the plot points as JSON to the same path with \".json\" appended.")
	flagTimeout = flag.Duration("timeout", 0, "Maximum duration of each mode, 0 for no limit.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var err error
	if exception := exceptions.TryCatch[error](func() { err = run() }); exception != nil {
		err = exception
	}
	if err != nil {
		klog.Errorf("rctrace failed: %+v", err)
		os.Exit(1)
	}
}

// loadConfig returns the configuration from the file (if given) overridden by the flags explicitly set,
// and the driver configuration.
func loadConfig() (cfg lifecycle.Config, driverConfig string, err error) {
	cfg = lifecycle.DefaultConfig()
	if *flagConfig != "" {
		var configPath string
		configPath, err = fsutil.ReplaceTilde(*flagConfig)
		if err != nil {
			return
		}
		var exists bool
		if exists, err = fsutil.FileExists(configPath); err != nil {
			return
		} else if !exists {
			err = errors.Errorf("configuration file %q not found", configPath)
			return
		}
		driverConfig, err = lifecycle.LoadConfigFile(configPath, &cfg)
		if err != nil {
			return
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "driver":
			driverConfig = *flagDriver
		case "iteration_count":
			cfg.IterationCount = *flagIterationCount
		case "elem_count":
			cfg.ElemCount = *flagElemCount
		case "device_type":
			cfg.DeviceType, err = backends.ParseDeviceType(*flagDeviceType)
		case "dtype":
			cfg.DType, err = backends.ParseDType(*flagDType)
		}
	})
	if err != nil {
		return
	}
	err = cfg.Validate()
	return
}

func newDriver(driverConfig string) (backends.Driver, error) {
	if driverConfig == "" {
		return backends.New()
	}
	return backends.NewWithConfig(driverConfig)
}

func run() error {
	cfg, driverConfig, err := loadConfig()
	if err != nil {
		return err
	}
	driver, err := newDriver(driverConfig)
	if err != nil {
		return err
	}
	defer driver.Finalize()
	klog.V(1).Infof("Driver: %s", driver.Description())
	if *flagList {
		return listDevices(os.Stdout, driver)
	}

	printer := commandline.NewPrinter(os.Stdout)
	reports := make([]*lifecycle.Report, 0, len(lifecycle.Modes))
	for ii, mode := range lifecycle.Modes {
		if ii > 0 {
			printer.Separator()
		}
		report, elapsed, err := runMode(driver, cfg, mode, printer)
		if err != nil {
			return err
		}
		reports = append(reports, report)
		if *flagSummary {
			if err = commandline.PrintSummary(os.Stdout, report, elapsed); err != nil {
				return errors.Wrap(err, "failed to print summary")
			}
		}
	}
	if err = printer.Err(); err != nil {
		return errors.Wrap(err, "failed to print observations")
	}
	if *flagPlot != "" {
		return savePlot(*flagPlot, reports)
	}
	return nil
}

func runMode(driver backends.Driver, cfg lifecycle.Config, mode lifecycle.Mode, printer *commandline.Printer) (
	report *lifecycle.Report, elapsed time.Duration, err error) {
	ctx := context.Background()
	if *flagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *flagTimeout)
		defer cancel()
	}
	observer := lifecycle.Observer(printer.Observe)
	var pBar *commandline.ProgressBar
	if *flagProgress {
		pBar = commandline.NewProgressBar(os.Stderr, mode, cfg.IterationCount)
		defer pBar.Finish()
		observer = lifecycle.MultiObserver(observer, pBar.Observe)
	}
	start := time.Now()
	report, err = lifecycle.Run(ctx, driver, cfg, mode, observer)
	elapsed = time.Since(start)
	if err != nil && pBar != nil {
		klog.Warningf("%s mode stopped after %d of %d iterations", mode, pBar.Done(), cfg.IterationCount)
	}
	if err == nil && mode == lifecycle.ModeNoEvent && report.LeakedBuffers > 0 {
		klog.V(1).Infof("%d buffers still hold device memory after the %s mode", report.LeakedBuffers, mode)
	}
	return
}

func savePlot(filePath string, reports []*lifecycle.Report) error {
	filePath, err := fsutil.ReplaceTilde(filePath)
	if err != nil {
		return err
	}
	rawPoints := plots.PointsFromReports(reports...)
	if err := plots.SavePoints(filePath+".json", rawPoints); err != nil {
		return err
	}
	points := plots.NewPoints(rawPoints)
	if klog.V(1).Enabled() {
		klog.Infof("Plot points:\n%s", points)
	}
	return points.Save(filePath, "Buffer reference counts")
}
