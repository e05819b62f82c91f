// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"github.com/BurntSushi/toml"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
)

// Config is the injected configuration of a run.
type Config struct {
	// IterationCount is the number of loop repetitions per mode: one buffer is created per iteration.
	IterationCount int

	// ElemCount is the number of elements of each buffer, also used as the global work size.
	ElemCount int

	// DeviceType filters the device used: the first device of this class found is used.
	DeviceType backends.DeviceType

	// DType of the buffer elements.
	DType backends.DType
}

// DefaultConfig returns the configuration used by rctrace if nothing else is specified.
func DefaultConfig() Config {
	return Config{
		IterationCount: 1,
		ElemCount:      1_000_000,
		DeviceType:     backends.DeviceTypeGPU,
		DType:          dtypes.Float32,
	}
}

// Validate returns an error if the configuration can't be used.
func (c Config) Validate() error {
	if c.IterationCount < 0 {
		return errors.Errorf("invalid iteration count %d", c.IterationCount)
	}
	if c.ElemCount <= 0 {
		return errors.Errorf("invalid number of elements %d, it must be > 0", c.ElemCount)
	}
	if _, err := KernelSource(c.DType); err != nil {
		return err
	}
	return nil
}

// File is the format of the TOML configuration file. Fields not set in the file are not changed.
//
// Example:
//
//	driver = "sim:policy=complete"
//	iteration_count = 3
//	elem_count = 1000
//	device_type = "gpu"
//	dtype = "float32"
type File struct {
	Driver         string `toml:"driver"`
	IterationCount *int   `toml:"iteration_count"`
	ElemCount      *int   `toml:"elem_count"`
	DeviceType     string `toml:"device_type"`
	DType          string `toml:"dtype"`
}

// LoadConfigFile reads the TOML configuration file in path and applies it to cfg.
//
// It returns the driver configuration, if one was given in the file. Unknown keys are an error.
func LoadConfigFile(path string, cfg *Config) (driverConfig string, err error) {
	var file File
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse configuration file %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for ii, key := range undecoded {
			keys[ii] = key.String()
		}
		return "", errors.Errorf("unknown keys %q in configuration file %q", keys, path)
	}
	if err = file.apply(cfg); err != nil {
		return "", errors.WithMessagef(err, "configuration file %q", path)
	}
	return file.Driver, nil
}

func (f *File) apply(cfg *Config) error {
	if f.IterationCount != nil {
		cfg.IterationCount = *f.IterationCount
	}
	if f.ElemCount != nil {
		cfg.ElemCount = *f.ElemCount
	}
	if f.DeviceType != "" {
		deviceType, err := backends.ParseDeviceType(f.DeviceType)
		if err != nil {
			return err
		}
		cfg.DeviceType = deviceType
	}
	if f.DType != "" {
		dtype, err := backends.ParseDType(f.DType)
		if err != nil {
			return err
		}
		cfg.DType = dtype
	}
	return nil
}
