// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// KernelName of the kernel compiled in each Session.
	KernelName = "simple"

	// OutputSlot is the name of the only argument of the kernel.
	OutputSlot = "out"
)

// KernelSource returns the source of the kernel "simple", that writes its global id to each element of
// "out", for the given dtype.
func KernelSource(dtype backends.DType) (string, error) {
	var cType, pragma string
	switch dtype {
	case dtypes.Float32:
		cType = "float"
	case dtypes.Float64:
		cType = "double"
	case dtypes.Float16:
		cType = "half"
		pragma = "#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n\n"
	default:
		return "", errors.Errorf("dtype %s not supported by the kernel, valid dtypes are %v", dtype, backends.SupportedDTypes)
	}
	return fmt.Sprintf("%skernel void %s(global %s* %s) {\n    %s[get_global_id(0)] = get_global_id(0);\n}\n",
		pragma, KernelName, cType, OutputSlot, OutputSlot), nil
}

// FindDevice returns the first device of the given type, searching the platforms in the order the driver
// reports them.
//
// Platforms that fail to list their devices are skipped. If no device matches it returns found=false and
// no error.
func FindDevice(driver backends.Driver, deviceType backends.DeviceType) (device backends.Device, found bool, err error) {
	platforms, err := driver.Platforms()
	if err != nil {
		return nil, false, errors.WithMessagef(err, "failed to list platforms of driver %q", driver.Name())
	}
	for _, platform := range platforms {
		devices, err := platform.Devices(deviceType)
		if err != nil {
			klog.V(1).Infof("Skipping platform %q: %v", platform.Name(), err)
			continue
		}
		if len(devices) > 0 {
			return devices[0], true, nil
		}
	}
	return nil, false, nil
}

// Session holds the queue and the compiled kernel used by a run.
//
// The kernel persists across iterations: the buffer bound in one iteration stays bound until the next
// iteration binds its own buffer, or until the Session is closed.
type Session struct {
	Config Config
	Device backends.Device
	Queue  backends.Queue
	Kernel backends.Kernel
}

// Setup finds the device, creates a queue for it and compiles the kernel.
//
// Any failure is a SetupError (or CompilationError).
func Setup(driver backends.Driver, cfg Config) (*Session, error) {
	const op = "lifecycle.Setup"
	if err := cfg.Validate(); err != nil {
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	source, err := KernelSource(cfg.DType)
	if err != nil {
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	device, found, err := FindDevice(driver, cfg.DeviceType)
	if err != nil {
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	if !found {
		return nil, backends.Errorf(backends.SetupError, op, "no device of type %s found in driver %q", cfg.DeviceType, driver.Name())
	}
	klog.V(1).Infof("Using device %q of platform %q", device.Name(), device.Platform().Name())

	queue, err := device.NewQueue()
	if err != nil {
		return nil, errors.WithMessagef(err, "device %q", device.Name())
	}
	kernel, err := queue.BuildKernel(source, KernelName)
	if err != nil {
		if releaseErr := queue.Release(); releaseErr != nil {
			klog.Warningf("Failed to release queue after compilation failure: %v", releaseErr)
		}
		if !backends.IsKind(err, backends.SetupError) {
			err = backends.NewError(backends.CompilationError, op, err)
		}
		return nil, err
	}
	return &Session{Config: cfg, Device: device, Queue: queue, Kernel: kernel}, nil
}

// Close waits for all submitted commands to finish, and releases the kernel and the queue.
func (s *Session) Close() error {
	var firstErr error
	if err := s.Queue.Finish(); err != nil {
		firstErr = errors.WithMessage(err, "failed to finish queue")
	}
	if err := s.Kernel.Release(); err != nil && firstErr == nil {
		firstErr = errors.WithMessage(err, "failed to release kernel")
	}
	if err := s.Queue.Release(); err != nil && firstErr == nil {
		firstErr = errors.WithMessage(err, "failed to release queue")
	}
	return firstErr
}

// NewTracker returns a Tracker for the buffer of the given iteration.
func (s *Session) NewTracker(mode Mode, iteration int, observer Observer) *Tracker {
	return &Tracker{session: s, mode: mode, iteration: iteration, observer: observer}
}
