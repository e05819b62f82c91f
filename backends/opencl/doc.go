// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package opencl implements the "opencl" driver, a cgo binding to the system OpenCL ICD loader.
//
// It's only compiled with the build tag `opencl`, since it requires the OpenCL headers and library:
//
//	go build -tags opencl ./...
//
// The reference counts reported are the ones given by the OpenCL implementation itself
// (clGetMemObjectInfo with CL_MEM_REFERENCE_COUNT), so results vary across vendors.
//
// Configuration is ignored.
package opencl

// BackendName to be used in RCTRACE_DRIVER to specify this driver.
const BackendName = "opencl"
