//go:build opencl

// The OpenCL driver requires the OpenCL headers and ICD loader installed.

package _default

import _ "github.com/gomlx/rctrace/backends/opencl"
