// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simulated, pure Go, compute driver.
//
// It mimics the behavior of real drivers regarding the reference counting of buffers used by in-flight
// commands, which differ from vendor to vendor. The behavior is selected per device by a RetentionPolicy,
// so each of the behaviors observed in real drivers can be reproduced (and tested) without the hardware.
//
// By default, it exposes two platforms:
//
//   - "SimpleGo GPU Platform": one GPU device with the RetainUntilEventRelease policy: commands enqueued
//     without an event never release their references to the buffers they use.
//   - "SimpleGo CPU Platform": one CPU device with the RetainNone policy.
//
// Configuration is a comma separated list of "key=value" options:
//
//   - policy=<none|complete|event>: overrides the retention policy of all devices.
//   - latency=<duration>: device-side delay before executing each command, e.g. "latency=5ms".
//   - parallelism=<n>: number of workers executing work-items, 0 disables parallelism, -1 is unlimited.
//   - platforms=<gpu+cpu>: which platforms to expose, separated by "+".
//   - refquery=<bool>: if false, reference counts can't be queried (as in some drivers).
package simplego

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/internal/workerspool"
	"github.com/gomlx/rctrace/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in RCTRACE_DRIVER to specify this driver.
const BackendName = "sim"

// Registers New() as the constructor for the "sim" driver.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new SimpleGo Backend, given a configuration string.
func New(config string) (backends.Driver, error) {
	return NewBackend(config)
}

// NewBackend constructs a new *Backend: see package documentation for the configuration options.
func NewBackend(config string) (*Backend, error) {
	b := &Backend{
		workers:        workerspool.New(),
		refCountQuery:  true,
		platformsNames: []string{"gpu", "cpu"},
	}
	var policyOverride *RetentionPolicy
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid %q driver option %q in config %q: expected key=value", BackendName, part, config)
		}
		switch strings.TrimSpace(key) {
		case "policy":
			policy, err := ParseRetentionPolicy(value)
			if err != nil {
				return nil, err
			}
			policyOverride = &policy
		case "latency":
			latency, err := time.ParseDuration(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid latency in %q driver config %q", BackendName, config)
			}
			b.latency = latency
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid parallelism in %q driver config %q", BackendName, config)
			}
			b.workers.SetMaxParallelism(parallelism)
		case "platforms":
			b.platformsNames = strings.Split(value, "+")
			for _, name := range b.platformsNames {
				if name != "gpu" && name != "cpu" {
					return nil, errors.Errorf("unknown platform %q in %q driver config %q, valid are \"gpu\" and \"cpu\"",
						name, BackendName, config)
				}
			}
		case "refquery":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid refquery in %q driver config %q", BackendName, config)
			}
			b.refCountQuery = enabled
		default:
			return nil, errors.Errorf("unknown %q driver option %q in config %q", BackendName, key, config)
		}
	}
	b.platforms = b.createPlatforms(policyOverride)
	return b, nil
}

// Backend implements the backends.Driver interface.
type Backend struct {
	platformsNames []string
	platforms      []*Platform
	latency        time.Duration
	refCountQuery  bool
	workers        *workerspool.Pool

	// liveBuffers holds the buffers whose device memory was not yet reclaimed.
	liveBuffers xsync.SyncMap[uuid.UUID, *Buffer]
	numLive     atomic.Int64
	finalized   atomic.Bool

	// numExecuted and numFaults count the commands completed by all devices.
	numExecuted, numFaults atomic.Int64
}

// Compile-time check that simplego.Backend implements backends.Driver and backends.MemoryStats.
var (
	_ backends.Driver      = (*Backend)(nil)
	_ backends.MemoryStats = (*Backend)(nil)
)

// Name returns the short name of the driver.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	parts := make([]string, 0, len(b.platforms))
	for _, p := range b.platforms {
		for _, d := range p.devices {
			parts = append(parts, fmt.Sprintf("%s (%s)", d.name, d.policy))
		}
	}
	return fmt.Sprintf("SimpleGo simulated driver: %s", strings.Join(parts, ", "))
}

// Platforms implements backends.Driver.
func (b *Backend) Platforms() ([]backends.Platform, error) {
	if b.finalized.Load() {
		return nil, errors.Errorf("%q driver already finalized", BackendName)
	}
	platforms := make([]backends.Platform, 0, len(b.platforms))
	for _, p := range b.platforms {
		platforms = append(platforms, p)
	}
	return platforms, nil
}

// LiveBuffers returns the number of buffers whose device memory was not reclaimed yet.
func (b *Backend) LiveBuffers() int {
	return int(b.numLive.Load())
}

// Executed returns the number of commands the devices of the driver completed, and how many of those
// ended in an execution fault.
func (b *Backend) Executed() (completed, faults int) {
	return int(b.numExecuted.Load()), int(b.numFaults.Load())
}

// Finalize releases all the associated resources immediately, and makes the driver invalid.
//
// Buffers still alive (leaked) have their device memory reclaimed forcefully.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	if numLive := b.LiveBuffers(); numLive > 0 {
		klog.Warningf("%s driver finalized with %d buffers still holding device memory", BackendName, numLive)
	}
	b.liveBuffers.Range(func(_ uuid.UUID, buffer *Buffer) bool {
		buffer.reclaim()
		return true
	})
}

func (b *Backend) createPlatforms(policyOverride *RetentionPolicy) []*Platform {
	var platforms []*Platform
	for _, name := range b.platformsNames {
		var p *Platform
		switch name {
		case "gpu":
			p = &Platform{backend: b, name: "SimpleGo GPU Platform", vendor: "GoMLX"}
			p.devices = []*Device{{
				platform:   p,
				name:       "SimpleGo GPU",
				deviceType: backends.DeviceTypeGPU,
				policy:     RetainUntilEventRelease,
			}}
		case "cpu":
			p = &Platform{backend: b, name: "SimpleGo CPU Platform", vendor: "GoMLX"}
			p.devices = []*Device{{
				platform:   p,
				name:       fmt.Sprintf("SimpleGo CPU [%s]", hostFeatures()),
				deviceType: backends.DeviceTypeCPU,
				policy:     RetainNone,
			}}
		}
		if policyOverride != nil {
			for _, d := range p.devices {
				d.policy = *policyOverride
			}
		}
		platforms = append(platforms, p)
	}
	return slices.Clip(platforms)
}
