// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the device API that rctrace needs from a compute driver: platforms, devices,
// command queues, kernels, buffers and completion events.
//
// A driver registers itself with Register, usually during package initialization, and it is selected
// with a configuration string formatted as "<driver_name>:<driver_configuration>".
// See NewWithConfig.
//
// Reference counts are the main thing observed: Buffer.ReferenceCount must report what the driver itself
// reports, without trying to "fix" it, since the differences between drivers is what is being diagnosed.
package backends

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Driver is the API that needs to be implemented by a compute driver.
type Driver interface {
	// Name returns the short name of the driver. E.g.: "sim" for the simulated SimpleGo driver.
	Name() string

	// Description is a longer description of the Driver that can be used to pretty-print.
	Description() string

	// Platforms lists the available compute platforms, in the order the driver reports them.
	// It returns an empty list (not an error) if there are none.
	Platforms() ([]Platform, error)

	// Finalize releases all the associated resources immediately, and makes the driver invalid.
	Finalize()
}

// MemoryStats is optionally implemented by drivers that can report how many device allocations are
// still alive (not yet reclaimed). It's used to surface leaks after all the owners released their buffers.
type MemoryStats interface {
	LiveBuffers() int
}

// Constructor takes a config string (optionally empty) and returns a Driver.
type Constructor func(config string) (Driver, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register driver with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the driver constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered drivers, sorted.
func List() []string {
	return slices.Sorted(maps.Keys(registeredConstructors))
}

// DefaultConfig is the name of the default driver configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default driver configuration to use.
//
// The format of config is "<driver_name>:<driver_configuration>".
const ConfigEnvVar = "RCTRACE_DRIVER"

// New returns a new default Driver.
//
// The default is:
//
// 1. The environment $RCTRACE_DRIVER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered driver is used with an empty configuration.
func New() (Driver, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Driver or panics if it fails.
func MustNew() Driver {
	driver, err := New()
	if err != nil {
		exceptions.Panicf("backends.MustNew(): %+v", err)
	}
	return driver
}

// NewWithConfig takes a configurations string formated as "<driver_name>:<driver_configuration>".
//
// The "<driver_name>" is the name of a registered driver (e.g.: "sim") and
// "<driver_configuration>" is driver specific (e.g.: for the "sim" driver, "policy=event,latency=1ms").
// If "<driver_name>" is omitted, the first registered driver is used.
func NewWithConfig(config string) (Driver, error) {
	if len(registeredConstructors) == 0 {
		return nil, NewError(SetupError, "NewWithConfig", errors.New(
			`no registered drivers -- maybe import the default ones with import _ "github.com/gomlx/rctrace/backends/default"?`))
	}
	driverName := firstRegistered
	driverConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		driverName = config[:idx]
		driverConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		driverName = config
		driverConfig = ""
	}
	constructor, found := registeredConstructors[driverName]
	if !found {
		return nil, NewError(SetupError, "NewWithConfig", errors.Errorf(
			"can't find driver %q for configuration %q given, registered drivers: %q", driverName, config, List()))
	}
	driver, err := constructor(driverConfig)
	if err != nil {
		return nil, NewError(SetupError, "NewWithConfig", errors.WithMessagef(err, "driver %q", driverName))
	}
	return driver, nil
}
