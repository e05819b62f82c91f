// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build opencl

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
)

func init() {
	backends.Register(BackendName, New)
}

// New constructs the OpenCL driver. The configuration is ignored.
func New(_ string) (backends.Driver, error) {
	return &Backend{}, nil
}

// Backend implements backends.Driver.
type Backend struct {
	finalized bool
}

var _ backends.Driver = (*Backend)(nil)

func (b *Backend) Name() string { return BackendName }
func (b *Backend) Description() string { return "OpenCL (system ICD loader)" }
func (b *Backend) Finalize() { b.finalized = true }

var clErrorNames = map[C.cl_int]string{
	C.CL_DEVICE_NOT_FOUND:              "CL_DEVICE_NOT_FOUND",
	C.CL_DEVICE_NOT_AVAILABLE:          "CL_DEVICE_NOT_AVAILABLE",
	C.CL_MEM_OBJECT_ALLOCATION_FAILURE: "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	C.CL_OUT_OF_RESOURCES:              "CL_OUT_OF_RESOURCES",
	C.CL_OUT_OF_HOST_MEMORY:            "CL_OUT_OF_HOST_MEMORY",
	C.CL_BUILD_PROGRAM_FAILURE:         "CL_BUILD_PROGRAM_FAILURE",
	C.CL_KERNEL_ARG_INFO_NOT_AVAILABLE: "CL_KERNEL_ARG_INFO_NOT_AVAILABLE",
	C.CL_INVALID_VALUE:                 "CL_INVALID_VALUE",
	C.CL_INVALID_DEVICE_TYPE:           "CL_INVALID_DEVICE_TYPE",
	C.CL_INVALID_PLATFORM:              "CL_INVALID_PLATFORM",
	C.CL_INVALID_DEVICE:                "CL_INVALID_DEVICE",
	C.CL_INVALID_CONTEXT:               "CL_INVALID_CONTEXT",
	C.CL_INVALID_COMMAND_QUEUE:         "CL_INVALID_COMMAND_QUEUE",
	C.CL_INVALID_MEM_OBJECT:            "CL_INVALID_MEM_OBJECT",
	C.CL_INVALID_PROGRAM:               "CL_INVALID_PROGRAM",
	C.CL_INVALID_KERNEL_NAME:           "CL_INVALID_KERNEL_NAME",
	C.CL_INVALID_KERNEL:                "CL_INVALID_KERNEL",
	C.CL_INVALID_ARG_INDEX:             "CL_INVALID_ARG_INDEX",
	C.CL_INVALID_ARG_VALUE:             "CL_INVALID_ARG_VALUE",
	C.CL_INVALID_KERNEL_ARGS:           "CL_INVALID_KERNEL_ARGS",
	C.CL_INVALID_WORK_DIMENSION:        "CL_INVALID_WORK_DIMENSION",
	C.CL_INVALID_GLOBAL_WORK_SIZE:      "CL_INVALID_GLOBAL_WORK_SIZE",
	C.CL_INVALID_EVENT:                 "CL_INVALID_EVENT",
	C.CL_INVALID_BUFFER_SIZE:           "CL_INVALID_BUFFER_SIZE",
}

// clPlatformNotFoundKHR is returned by the ICD loader when no platform is installed (cl_khr_icd).
const clPlatformNotFoundKHR = -1001

// clError converts an OpenCL status code to an error, or nil for CL_SUCCESS.
func clError(code C.cl_int, call string) error {
	if code == C.CL_SUCCESS {
		return nil
	}
	name, found := clErrorNames[code]
	if !found {
		name = fmt.Sprintf("OpenCL error %d", int(code))
	}
	return errors.Errorf("%s failed: %s", call, name)
}

// Platforms implements backends.Driver.
func (b *Backend) Platforms() ([]backends.Platform, error) {
	if b.finalized {
		return nil, errors.New("opencl driver already finalized")
	}
	var num C.cl_uint
	code := C.clGetPlatformIDs(0, nil, &num)
	if code == clPlatformNotFoundKHR || num == 0 {
		return nil, nil
	}
	if err := clError(code, "clGetPlatformIDs"); err != nil {
		return nil, err
	}
	ids := make([]C.cl_platform_id, num)
	if err := clError(C.clGetPlatformIDs(num, &ids[0], nil), "clGetPlatformIDs"); err != nil {
		return nil, err
	}
	platforms := make([]backends.Platform, 0, len(ids))
	for _, id := range ids {
		p := &Platform{id: id}
		p.name = platformInfo(id, C.CL_PLATFORM_NAME)
		p.vendor = platformInfo(id, C.CL_PLATFORM_VENDOR)
		platforms = append(platforms, p)
	}
	return platforms, nil
}

func platformInfo(id C.cl_platform_id, param C.cl_platform_info) string {
	var size C.size_t
	if C.clGetPlatformInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetPlatformInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

func deviceInfoString(id C.cl_device_id, param C.cl_device_info) string {
	var size C.size_t
	if C.clGetDeviceInfo(id, param, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

// Platform implements backends.Platform.
type Platform struct {
	id           C.cl_platform_id
	name, vendor string
}

func (p *Platform) Name() string { return p.name }
func (p *Platform) Vendor() string { return p.vendor }

func toCLDeviceType(t backends.DeviceType) C.cl_device_type {
	switch t {
	case backends.DeviceTypeCPU:
		return C.CL_DEVICE_TYPE_CPU
	case backends.DeviceTypeGPU:
		return C.CL_DEVICE_TYPE_GPU
	case backends.DeviceTypeAccelerator:
		return C.CL_DEVICE_TYPE_ACCELERATOR
	case backends.DeviceTypeAll:
		return C.CL_DEVICE_TYPE_ALL
	}
	return C.CL_DEVICE_TYPE_DEFAULT
}

func fromCLDeviceType(t C.cl_device_type) backends.DeviceType {
	switch {
	case t&C.CL_DEVICE_TYPE_GPU != 0:
		return backends.DeviceTypeGPU
	case t&C.CL_DEVICE_TYPE_CPU != 0:
		return backends.DeviceTypeCPU
	case t&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return backends.DeviceTypeAccelerator
	}
	return backends.DeviceTypeDefault
}

// Devices implements backends.Platform.
func (p *Platform) Devices(deviceType backends.DeviceType) ([]backends.Device, error) {
	clType := toCLDeviceType(deviceType)
	var num C.cl_uint
	code := C.clGetDeviceIDs(p.id, clType, 0, nil, &num)
	if code == C.CL_DEVICE_NOT_FOUND || num == 0 {
		return nil, nil
	}
	if err := clError(code, "clGetDeviceIDs"); err != nil {
		return nil, err
	}
	ids := make([]C.cl_device_id, num)
	if err := clError(C.clGetDeviceIDs(p.id, clType, num, &ids[0], nil), "clGetDeviceIDs"); err != nil {
		return nil, err
	}
	devices := make([]backends.Device, 0, len(ids))
	for _, id := range ids {
		d := &Device{id: id, platform: p, name: deviceInfoString(id, C.CL_DEVICE_NAME)}
		var t C.cl_device_type
		if C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(t)), unsafe.Pointer(&t), nil) == C.CL_SUCCESS {
			d.deviceType = fromCLDeviceType(t)
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Device implements backends.Device.
type Device struct {
	id         C.cl_device_id
	platform   *Platform
	name       string
	deviceType backends.DeviceType
}

func (d *Device) Name() string { return d.name }
func (d *Device) Type() backends.DeviceType { return d.deviceType }
func (d *Device) Platform() backends.Platform { return d.platform }

// NewQueue implements backends.Device: it creates a context for the device, and an in-order queue.
func (d *Device) NewQueue() (backends.Queue, error) {
	const op = "Device.NewQueue"
	var code C.cl_int
	ctx := C.clCreateContext(nil, 1, &d.id, nil, nil, &code)
	if err := clError(code, "clCreateContext"); err != nil {
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	queue := C.clCreateCommandQueue(ctx, d.id, 0, &code)
	if err := clError(code, "clCreateCommandQueue"); err != nil {
		C.clReleaseContext(ctx)
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	return &Queue{device: d, ctx: ctx, queue: queue}, nil
}
