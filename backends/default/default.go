// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default drivers, namely the simulated "sim" driver, and with the tag
// `opencl`, the OpenCL driver.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/rctrace/backends/default"
package _default

import (
	_ "github.com/gomlx/rctrace/backends/simplego"
)
