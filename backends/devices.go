// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"

	"github.com/pkg/errors"
)

// DeviceType is the class of a compute device, used to filter devices of a platform.
type DeviceType int

const (
	DeviceTypeDefault DeviceType = iota
	DeviceTypeCPU
	DeviceTypeGPU
	DeviceTypeAccelerator
	DeviceTypeAll
)

var deviceTypeNames = []string{"default", "cpu", "gpu", "accelerator", "all"}

// String implements fmt.Stringer.
func (t DeviceType) String() string {
	if t < 0 || int(t) >= len(deviceTypeNames) {
		return "unknown"
	}
	return deviceTypeNames[t]
}

// ParseDeviceType converts a name (case-insensitive) like "gpu" or "cpu" to a DeviceType.
func ParseDeviceType(name string) (DeviceType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, candidate := range deviceTypeNames {
		if name == candidate {
			return DeviceType(ii), nil
		}
	}
	return DeviceTypeDefault, errors.Errorf("unknown device type %q, valid values are %q", name, deviceTypeNames)
}

// Matches returns whether a device of type t is selected by the filter.
// DeviceTypeAll matches everything, DeviceTypeDefault matches the driver's default device type (given).
func (t DeviceType) Matches(filter, driverDefault DeviceType) bool {
	switch filter {
	case DeviceTypeAll:
		return true
	case DeviceTypeDefault:
		return t == driverDefault
	default:
		return t == filter
	}
}

// Platform is a group of devices provided by one vendor implementation.
type Platform interface {
	Name() string
	Vendor() string

	// Devices returns the devices of the platform that match the given device type.
	// It returns an empty list (not an error) if none matches.
	Devices(deviceType DeviceType) ([]Device, error)
}

// Device is one compute device.
type Device interface {
	Name() string
	Type() DeviceType
	Platform() Platform

	// NewQueue creates a command queue (and whatever context it requires) for the device.
	NewQueue() (Queue, error)
}

// Queue is an ordered channel through which commands are submitted to a device for asynchronous execution.
//
// Commands submitted to the same queue execute in submission order (FIFO).
type Queue interface {
	Device() Device

	// NewBuffer allocates a buffer of numElements of the given dtype on the device.
	// The returned buffer has a reference count of 1, owned by the caller, who must call Buffer.Release.
	NewBuffer(dtype DType, numElements int, flags MemFlags) (Buffer, error)

	// BuildKernel compiles source and returns the kernel with the given name, bound to this queue.
	// It fails with a CompilationError if the source is invalid.
	BuildKernel(source, kernelName string) (Kernel, error)

	// Enqueue submits the kernel for execution over globalWorkSize work-items. It doesn't block.
	//
	// If handle is not nil, it is filled with the completion Event of the command, which the caller
	// must Wait on and Release. If handle is nil, no event is requested from the driver.
	Enqueue(kernel Kernel, globalWorkSize int, handle *CompletionHandle) error

	// Finish blocks until all the commands submitted so far completed.
	Finish() error

	// Release the queue. Pending commands are completed first.
	Release() error
}

// Kernel is a compiled unit of device-executable code with named argument slots.
type Kernel interface {
	Name() string

	// ArgNames returns the names of the argument slots, in declaration order.
	ArgNames() []string

	// SetArg binds buffer to the named argument slot: the previous occupant (if any) is released and buffer is
	// retained. A nil buffer clears the slot.
	// It fails with BindError if the slot doesn't exist.
	SetArg(name string, buffer Buffer) error

	// Arg returns the buffer currently bound to the slot, or nil.
	Arg(name string) Buffer

	// Release the kernel, along with the references it holds on its bound arguments.
	Release() error
}
