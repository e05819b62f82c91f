// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build opencl

package opencl

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/internal/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const simpleSource = "kernel void simple(global float* out) {\n" +
	"    out[get_global_id(0)] = get_global_id(0);\n" +
	"}"

// firstDevice returns the first device of any type, or skips the test if there is none.
func firstDevice(t *testing.T) backends.Device {
	driver := must.M1(New(""))
	t.Cleanup(driver.Finalize)
	for _, platform := range must.M1(driver.Platforms()) {
		devices := must.M1(platform.Devices(backends.DeviceTypeAll))
		if len(devices) > 0 {
			return devices[0]
		}
	}
	t.Skip("no OpenCL device available")
	return nil
}

func TestQueue(t *testing.T) {
	device := firstDevice(t)
	q := must.M1(device.NewQueue())
	defer func() { require.NoError(t, q.Release()) }()

	_, err := q.BuildKernel("kernel void broken(", "broken")
	assert.True(t, backends.IsKind(err, backends.CompilationError), "got %v", err)

	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	assert.Equal(t, []string{"out"}, kernel.ArgNames())
	buf := must.M1(q.NewBuffer(dtypes.Float32, 1024, backends.MemReadWrite))
	count := must.M1(buf.ReferenceCount())
	assert.Equal(t, 1, count)

	err = kernel.SetArg("in", buf)
	assert.True(t, backends.IsKind(err, backends.BindError), "got %v", err)
	require.NoError(t, kernel.SetArg("out", buf))
	assert.Equal(t, 2, must.M1(buf.ReferenceCount()))

	handle := backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(kernel, buf.Len(), handle))
	require.NoError(t, handle.Wait())
	assert.Equal(t, backends.EventComplete, handle.Event().Status())
	require.NoError(t, handle.Release())
	require.NoError(t, q.Finish())
	// Driver dependent: at least the owner and the kernel argument.
	assert.GreaterOrEqual(t, must.M1(buf.ReferenceCount()), 2)

	require.NoError(t, kernel.Release())
	require.NoError(t, buf.Release())
	assert.Error(t, buf.Release())
}
