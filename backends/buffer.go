// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DType of the elements of a Buffer.
type DType = dtypes.DType

// SupportedDTypes lists the element types drivers are expected to support for buffers.
var SupportedDTypes = []DType{dtypes.Float32, dtypes.Float64, dtypes.Float16}

// ParseDType converts a name like "float32" or "f16" to one of the SupportedDTypes.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "float32", "f32", "":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported buffer dtype %q, use one of %v", name, SupportedDTypes)
}

// DTypeSize returns the number of bytes of one element of dtype.
func DTypeSize(dtype DType) int {
	return int(dtype.GoType().Size())
}

// MemFlags are the access flags of a Buffer, as seen by the kernels.
type MemFlags int

const (
	MemReadWrite MemFlags = iota
	MemWriteOnly
	MemReadOnly
)

// String implements fmt.Stringer.
func (f MemFlags) String() string {
	switch f {
	case MemReadWrite:
		return "read_write"
	case MemWriteOnly:
		return "write_only"
	case MemReadOnly:
		return "read_only"
	}
	return "invalid"
}

// Buffer represents a block of memory resident on a compute device, tagged with a reference count.
//
// A Buffer returned by Queue.NewBuffer is owned by the caller (one reference), and kernels and in-flight
// commands may hold further references, depending on the driver.
type Buffer interface {
	// ID is the unique identity of the allocation.
	ID() uuid.UUID

	DType() DType

	// Len is the number of elements.
	Len() int

	Flags() MemFlags

	// SizeBytes is the size of the allocation on the device.
	SizeBytes() int

	// ReferenceCount reports the reference count as given by the driver.
	// It fails with a QueryError if the driver doesn't support the query, or if the buffer was already
	// released by its owner.
	ReferenceCount() (int, error)

	// Release the reference owned by the caller. The device memory is reclaimed once every other reference
	// (kernel arguments, in-flight commands) also drained.
	// Releasing twice is an error.
	Release() error
}
