// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

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

// newTestQueue creates a driver with the given config and returns a queue for its first device of deviceType.
func newTestQueue(t *testing.T, config string, deviceType backends.DeviceType) (*Backend, *Queue) {
	b, err := NewBackend(config)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	platforms := must.M1(b.Platforms())
	for _, p := range platforms {
		devices := must.M1(p.Devices(deviceType))
		if len(devices) > 0 {
			q := must.M1(devices[0].NewQueue()).(*Queue)
			t.Cleanup(func() { _ = q.Release() })
			return b, q
		}
	}
	t.Fatalf("no device of type %s for config %q", deviceType, config)
	return nil, nil
}

func refCount(t *testing.T, buffer backends.Buffer) int {
	count, err := buffer.ReferenceCount()
	require.NoError(t, err)
	return count
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("")
	require.NoError(t, err)
	platforms := must.M1(b.Platforms())
	require.Len(t, platforms, 2)
	gpus := must.M1(platforms[0].Devices(backends.DeviceTypeGPU))
	require.Len(t, gpus, 1)
	assert.Equal(t, RetainUntilEventRelease, gpus[0].(*Device).Policy())
	cpus := must.M1(platforms[1].Devices(backends.DeviceTypeCPU))
	require.Len(t, cpus, 1)
	assert.Equal(t, RetainNone, cpus[0].(*Device).Policy())

	// No GPU on the CPU platform: empty, not an error.
	devices, err := platforms[1].Devices(backends.DeviceTypeGPU)
	require.NoError(t, err)
	assert.Empty(t, devices)
	all := must.M1(platforms[1].Devices(backends.DeviceTypeAll))
	assert.Len(t, all, 1)
	defaults := must.M1(platforms[0].Devices(backends.DeviceTypeDefault))
	assert.Len(t, defaults, 1)

	b, err = NewBackend("policy=complete,platforms=cpu,latency=1ms,parallelism=2")
	require.NoError(t, err)
	require.Len(t, b.platforms, 1)
	assert.Equal(t, RetainUntilComplete, b.platforms[0].devices[0].policy)
	assert.Equal(t, 2, b.workers.MaxParallelism())

	for _, config := range []string{"policy=sometimes", "latency=soon", "platforms=tpu", "color=blue", "novalue"} {
		_, err = NewBackend(config)
		assert.Errorf(t, err, "config %q should have failed", config)
	}
}

func TestCompile(t *testing.T) {
	programs, err := compile(simpleSource)
	require.NoError(t, err)
	p := programs["simple"]
	require.NotNil(t, p)
	require.Len(t, p.params, 1)
	assert.Equal(t, "out", p.params[0].name)
	assert.Equal(t, dtypes.Float32, p.params[0].dtype)
	require.Len(t, p.statements, 1)

	programs, err = compile(`
		// Two kernels in one program.
		__kernel void add(__global double* x, __global double* y, __global double* out) {
			out[get_global_id(0)] = x[get_global_id(0)] + y[get_global_id(0)];
		}
		kernel void fill(global half* out) { out[get_global_id(0)] = 1.5f; }`)
	require.NoError(t, err)
	require.Len(t, programs, 2)
	assert.Len(t, programs["add"].params, 3)
	assert.Equal(t, byte('+'), programs["add"].statements[0].expr.op)
	assert.Equal(t, operandConstant, programs["fill"].statements[0].expr.lhs.kind)

	for _, source := range []string{
		"",
		"int main() { return 0; }",
		"kernel void k(global int* out) { out[get_global_id(0)] = 1; }",
		"kernel void k(global float* out) { out[get_global_id(0)] = x[get_global_id(0)]; }",
		"kernel void k(global float* out) { y[get_global_id(0)] = 1; }",
		"kernel void k(global float* out) { out[get_global_id(0)] = 1 + 2 + 3; }",
		"kernel void k(global float* out) { out[0] = 1; }",
		"kernel void k() { }",
		"kernel void k(global float* a, global float* a) { a[get_global_id(0)] = 1; }",
	} {
		_, err = compile(source)
		assert.Errorf(t, err, "source %q should fail to compile", source)
	}
}

func TestKernel_SetArg(t *testing.T) {
	_, q := newTestQueue(t, "", backends.DeviceTypeGPU)
	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	defer func() { require.NoError(t, kernel.Release()) }()
	assert.Equal(t, []string{"out"}, kernel.ArgNames())

	a := must.M1(q.NewBuffer(dtypes.Float32, 100, backends.MemReadWrite))
	b := must.M1(q.NewBuffer(dtypes.Float32, 100, backends.MemReadWrite))
	assert.Equal(t, 1, refCount(t, a))
	assert.Equal(t, 400, a.SizeBytes())
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, kernel.SetArg("out", a))
	assert.Equal(t, 2, refCount(t, a))
	assert.Same(t, a.(*Buffer), kernel.Arg("out").(*Buffer))

	// Re-binding the same buffer keeps the count.
	require.NoError(t, kernel.SetArg("out", a))
	assert.Equal(t, 2, refCount(t, a))

	// Binding b releases a.
	require.NoError(t, kernel.SetArg("out", b))
	assert.Equal(t, 1, refCount(t, a))
	assert.Equal(t, 2, refCount(t, b))

	// a is reclaimed once its owner releases it.
	require.NoError(t, a.Release())
	assert.True(t, a.(*Buffer).IsReclaimed())
	_, err := a.ReferenceCount()
	assert.True(t, backends.IsKind(err, backends.QueryError))
	assert.Error(t, a.Release(), "double release should fail")

	// Unknown slot.
	err = kernel.SetArg("in", b)
	assert.True(t, backends.IsKind(err, backends.BindError), "got %v", err)

	// Wrong dtype.
	c := must.M1(q.NewBuffer(dtypes.Float64, 100, backends.MemReadWrite))
	err = kernel.SetArg("out", c)
	assert.True(t, backends.IsKind(err, backends.BindError), "got %v", err)
	require.NoError(t, c.Release())

	// Clear the slot.
	require.NoError(t, kernel.SetArg("out", nil))
	assert.Equal(t, 1, refCount(t, b))
	require.NoError(t, b.Release())
	assert.True(t, b.(*Buffer).IsReclaimed())
}

func TestQueue_RetentionPolicies(t *testing.T) {
	testCases := []struct {
		policy                 string
		afterEnqueueNoEvent    []int // Acceptable counts right after the enqueue.
		afterFinishNoEvent     int
		afterWaitAndRelease    int
		liveAfterOwnersRelease int
	}{
		{"none", []int{2}, 2, 2, 0},
		{"complete", []int{2, 3}, 2, 2, 0},
		{"event", []int{3}, 3, 2, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.policy, func(t *testing.T) {
			b, q := newTestQueue(t, "policy="+tc.policy, backends.DeviceTypeGPU)
			kernel := must.M1(q.BuildKernel(simpleSource, "simple"))

			// No event.
			noEventBuf := must.M1(q.NewBuffer(dtypes.Float32, 10_000, backends.MemReadWrite))
			require.NoError(t, kernel.SetArg("out", noEventBuf))
			require.NoError(t, q.Enqueue(kernel, noEventBuf.Len(), nil))
			assert.Contains(t, tc.afterEnqueueNoEvent, refCount(t, noEventBuf))
			require.NoError(t, q.Finish())
			assert.Equal(t, tc.afterFinishNoEvent, refCount(t, noEventBuf))

			// With event.
			waitedBuf := must.M1(q.NewBuffer(dtypes.Float32, 10_000, backends.MemReadWrite))
			require.NoError(t, kernel.SetArg("out", waitedBuf))
			afterBind := refCount(t, waitedBuf)
			handle := backends.NewCompletionHandle()
			require.NoError(t, q.Enqueue(kernel, waitedBuf.Len(), handle))
			require.NoError(t, handle.Wait())
			assert.Equal(t, backends.EventComplete, handle.Event().Status())
			require.NoError(t, handle.Release())
			assert.Equal(t, tc.afterWaitAndRelease, refCount(t, waitedBuf))
			assert.Equal(t, afterBind, refCount(t, waitedBuf))

			values := must.M1(waitedBuf.(*Buffer).ToFloat64())
			assert.Equal(t, float64(9_999), values[9_999])

			require.NoError(t, kernel.Release())
			require.NoError(t, noEventBuf.Release())
			require.NoError(t, waitedBuf.Release())
			assert.Equal(t, tc.liveAfterOwnersRelease, b.LiveBuffers())
		})
	}
}

func TestQueue_Execution(t *testing.T) {
	_, q := newTestQueue(t, "parallelism=3", backends.DeviceTypeCPU)
	source := `
		kernel void fill(global half* h, global double* d) {
			h[get_global_id(0)] = get_global_id(0) * 0.5;
			d[get_global_id(0)] = 2;
		}
		kernel void axpy(global double* x, global double* y) {
			y[get_global_id(0)] = x[get_global_id(0)] - y[get_global_id(0)];
		}`
	fill := must.M1(q.BuildKernel(source, "fill"))
	axpy := must.M1(q.BuildKernel(source, "axpy"))
	const n = 20_000
	h := must.M1(q.NewBuffer(dtypes.Float16, n, backends.MemWriteOnly))
	x := must.M1(q.NewBuffer(dtypes.Float64, n, backends.MemReadWrite))
	y := must.M1(q.NewBuffer(dtypes.Float64, n, backends.MemReadWrite))
	require.NoError(t, fill.SetArg("h", h))
	require.NoError(t, fill.SetArg("d", x))
	require.NoError(t, q.Enqueue(fill, n, nil))
	require.NoError(t, axpy.SetArg("x", x))
	require.NoError(t, axpy.SetArg("y", y))
	handle := backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(axpy, n, handle))
	require.NoError(t, handle.Wait())
	require.NoError(t, handle.Release())

	hValues := must.M1(h.(*Buffer).ToFloat64())
	assert.Equal(t, 0.0, hValues[0])
	assert.Equal(t, 1.5, hValues[3])
	yValues := must.M1(y.(*Buffer).ToFloat64())
	assert.Equal(t, 2.0, yValues[0])
	assert.Equal(t, 2.0, yValues[n-1])

	for _, r := range []interface{ Release() error }{fill, axpy, h, x, y} {
		require.NoError(t, r.Release())
	}
}

func TestQueue_Errors(t *testing.T) {
	_, q := newTestQueue(t, "", backends.DeviceTypeGPU)

	_, err := q.BuildKernel("not a kernel", "simple")
	assert.True(t, backends.IsKind(err, backends.CompilationError), "got %v", err)
	assert.True(t, backends.IsKind(err, backends.SetupError), "CompilationError should also be a SetupError")
	_, err = q.BuildKernel(simpleSource, "other")
	assert.True(t, backends.IsKind(err, backends.CompilationError), "got %v", err)

	_, err = q.NewBuffer(dtypes.Float32, 0, backends.MemReadWrite)
	assert.True(t, backends.IsKind(err, backends.SetupError), "got %v", err)

	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	defer func() { _ = kernel.Release() }()

	// Unbound argument.
	err = q.Enqueue(kernel, 10, nil)
	assert.True(t, backends.IsKind(err, backends.SubmitError), "got %v", err)

	// Never associated handle.
	err = backends.NewCompletionHandle().Wait()
	assert.True(t, backends.IsKind(err, backends.WaitError), "got %v", err)

	// Execution fault: global work size larger than the buffer.
	buf := must.M1(q.NewBuffer(dtypes.Float32, 10, backends.MemReadWrite))
	defer func() { _ = buf.Release() }()
	require.NoError(t, kernel.SetArg("out", buf))
	handle := backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(kernel, 11, handle))
	err = handle.Wait()
	assert.True(t, backends.IsKind(err, backends.WaitError), "got %v", err)
	assert.Equal(t, backends.EventFailed, handle.Event().Status())
	require.NoError(t, handle.Release())

	// Re-using a handle.
	handle = backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(kernel, 10, handle))
	err = q.Enqueue(kernel, 10, handle)
	assert.True(t, backends.IsKind(err, backends.SubmitError), "got %v", err)
	require.NoError(t, handle.Wait())
	require.NoError(t, handle.Release())

	// Writing to a read-only buffer.
	ro := must.M1(q.NewBuffer(dtypes.Float32, 10, backends.MemReadOnly))
	defer func() { _ = ro.Release() }()
	require.NoError(t, kernel.SetArg("out", ro))
	handle = backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(kernel, 10, handle))
	assert.True(t, backends.IsKind(handle.Wait(), backends.WaitError))
	require.NoError(t, handle.Release())
}

func TestBackend_RefQueryDisabled(t *testing.T) {
	_, q := newTestQueue(t, "refquery=false", backends.DeviceTypeGPU)
	buf := must.M1(q.NewBuffer(dtypes.Float32, 10, backends.MemReadWrite))
	_, err := buf.ReferenceCount()
	assert.True(t, backends.IsKind(err, backends.QueryError), "got %v", err)
	require.NoError(t, buf.Release())
}

func TestBackend_FinalizeReclaimsLeaks(t *testing.T) {
	b, err := NewBackend("policy=event")
	require.NoError(t, err)
	q := must.M1(must.M1(must.M1(b.Platforms())[0].Devices(backends.DeviceTypeGPU))[0].NewQueue())
	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	buf := must.M1(q.NewBuffer(dtypes.Float32, 1000, backends.MemReadWrite))
	require.NoError(t, kernel.SetArg("out", buf))
	require.NoError(t, q.Enqueue(kernel, 1000, nil))
	require.NoError(t, q.Finish())
	require.NoError(t, kernel.Release())
	require.NoError(t, buf.Release())
	require.NoError(t, q.Release())
	assert.Equal(t, 1, b.LiveBuffers(), "command without event should have leaked the buffer")
	b.Finalize()
	assert.Equal(t, 0, b.LiveBuffers())
	assert.True(t, buf.(*Buffer).IsReclaimed())
	_, err = b.Platforms()
	assert.Error(t, err)
}

func TestQueue_QueuedCommandKeepsBuffer(t *testing.T) {
	b, q := newTestQueue(t, "policy=none,latency=50ms,platforms=cpu", backends.DeviceTypeCPU)
	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	defer func() { _ = kernel.Release() }()
	const n = 1000

	// Owner and kernel argument released while the command is still queued, without event.
	noEventBuf := must.M1(q.NewBuffer(dtypes.Float32, n, backends.MemReadWrite))
	require.NoError(t, kernel.SetArg("out", noEventBuf))
	require.NoError(t, q.Enqueue(kernel, n, nil))
	require.NoError(t, kernel.SetArg("out", nil))
	require.NoError(t, noEventBuf.Release())
	assert.False(t, noEventBuf.(*Buffer).IsReclaimed(), "buffer reclaimed while a command using it is queued")

	// Same with an event: the command must succeed.
	waitedBuf := must.M1(q.NewBuffer(dtypes.Float32, n, backends.MemReadWrite))
	require.NoError(t, kernel.SetArg("out", waitedBuf))
	handle := backends.NewCompletionHandle()
	require.NoError(t, q.Enqueue(kernel, n, handle))
	require.NoError(t, kernel.SetArg("out", nil))
	require.NoError(t, waitedBuf.Release())
	assert.False(t, waitedBuf.(*Buffer).IsReclaimed(), "buffer reclaimed while a command using it is queued")
	require.NoError(t, handle.Wait())
	assert.Equal(t, backends.EventComplete, handle.Event().Status())
	require.NoError(t, handle.Release())

	// Reclaimed only once the commands executed.
	require.NoError(t, q.Finish())
	assert.True(t, noEventBuf.(*Buffer).IsReclaimed())
	assert.True(t, waitedBuf.(*Buffer).IsReclaimed())
	assert.Equal(t, 0, b.LiveBuffers())
	completed, faults := b.Executed()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 0, faults)
}

func TestQueue_NoEventIterationsExecute(t *testing.T) {
	b, q := newTestQueue(t, "latency=10ms,platforms=cpu", backends.DeviceTypeCPU)
	kernel := must.M1(q.BuildKernel(simpleSource, "simple"))
	const n = 1000
	const numIterations = 3
	buffers := make([]backends.Buffer, numIterations)
	for ii := range buffers {
		buffers[ii] = must.M1(q.NewBuffer(dtypes.Float32, n, backends.MemReadWrite))
		require.NoError(t, kernel.SetArg("out", buffers[ii]))
		require.NoError(t, q.Enqueue(kernel, n, nil))
		assert.Equal(t, 2, refCount(t, buffers[ii]))
	}
	require.NoError(t, q.Finish())
	for ii, buf := range buffers {
		values := must.M1(buf.(*Buffer).ToFloat64())
		assert.Equalf(t, float64(n-1), values[n-1], "command of iteration %d didn't execute", ii)
	}
	require.NoError(t, kernel.Release())
	for _, buf := range buffers {
		require.NoError(t, buf.Release())
	}
	assert.Equal(t, 0, b.LiveBuffers())
	completed, faults := b.Executed()
	assert.Equal(t, numIterations, completed)
	assert.Equal(t, 0, faults)
}
