// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"strings"

	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Platform implements backends.Platform.
type Platform struct {
	backend *Backend
	name    string
	vendor  string
	devices []*Device
}

var _ backends.Platform = (*Platform)(nil)

func (p *Platform) Name() string { return p.name }
func (p *Platform) Vendor() string { return p.vendor }

// Devices implements backends.Platform.
// DeviceTypeDefault selects the first device of the platform.
func (p *Platform) Devices(deviceType backends.DeviceType) ([]backends.Device, error) {
	if p.backend.finalized.Load() {
		return nil, errors.Errorf("%q driver already finalized", BackendName)
	}
	var devices []backends.Device
	for _, d := range p.devices {
		if d.deviceType.Matches(deviceType, p.devices[0].deviceType) {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// Device implements backends.Device.
type Device struct {
	platform   *Platform
	name       string
	deviceType backends.DeviceType
	policy     RetentionPolicy
}

var _ backends.Device = (*Device)(nil)

func (d *Device) Name() string { return d.name }
func (d *Device) Type() backends.DeviceType { return d.deviceType }
func (d *Device) Platform() backends.Platform { return d.platform }
func (d *Device) Policy() RetentionPolicy { return d.policy }
func (d *Device) String() string { return d.name }

// NewQueue implements backends.Device.
func (d *Device) NewQueue() (backends.Queue, error) {
	if d.platform.backend.finalized.Load() {
		return nil, backends.Errorf(backends.SetupError, "Device.NewQueue", "%q driver already finalized", BackendName)
	}
	return newQueue(d), nil
}

// hostFeatures describes the SIMD extensions of the host, which the simulated CPU device "inherits".
func hostFeatures() string {
	var features []string
	switch {
	case cpu.X86.HasAVX512F:
		features = append(features, "avx512")
	case cpu.X86.HasAVX2:
		features = append(features, "avx2")
	case cpu.X86.HasSSE41:
		features = append(features, "sse4.1")
	}
	if cpu.X86.HasFMA {
		features = append(features, "fma")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "neon")
	}
	if cpu.ARM64.HasFPHP {
		features = append(features, "fp16")
	}
	if len(features) == 0 {
		return "generic"
	}
	return strings.Join(features, ",")
}
