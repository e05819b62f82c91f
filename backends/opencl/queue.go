// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build opencl

package opencl

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120 -DCL_USE_DEPRECATED_OPENCL_1_2_APIS
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>
*/
import "C"

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/rctrace/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Queue implements backends.Queue, owning its own OpenCL context.
type Queue struct {
	device   *Device
	ctx      C.cl_context
	queue    C.cl_command_queue
	released bool
}

func (q *Queue) Device() backends.Device { return q.device }

// NewBuffer implements backends.Queue.
func (q *Queue) NewBuffer(dtype backends.DType, numElements int, flags backends.MemFlags) (backends.Buffer, error) {
	const op = "Queue.NewBuffer"
	if numElements <= 0 {
		return nil, backends.Errorf(backends.SetupError, op, "invalid number of elements %d for buffer", numElements)
	}
	var clFlags C.cl_mem_flags
	switch flags {
	case backends.MemReadOnly:
		clFlags = C.CL_MEM_READ_ONLY
	case backends.MemWriteOnly:
		clFlags = C.CL_MEM_WRITE_ONLY
	default:
		clFlags = C.CL_MEM_READ_WRITE
	}
	size := numElements * backends.DTypeSize(dtype)
	var code C.cl_int
	mem := C.clCreateBuffer(q.ctx, clFlags, C.size_t(size), nil, &code)
	if err := clError(code, "clCreateBuffer"); err != nil {
		return nil, backends.NewError(backends.SetupError, op, err)
	}
	return &Buffer{mem: mem, id: uuid.New(), dtype: dtype, length: numElements, flags: flags}, nil
}

// Finish implements backends.Queue.
func (q *Queue) Finish() error {
	return clError(C.clFinish(q.queue), "clFinish")
}

// Release implements backends.Queue.
func (q *Queue) Release() error {
	if q.released {
		return errors.New("Queue.Release(): queue already released")
	}
	q.released = true
	err := clError(C.clFinish(q.queue), "clFinish")
	C.clReleaseCommandQueue(q.queue)
	C.clReleaseContext(q.ctx)
	return err
}

// BuildKernel implements backends.Queue. The program is built with "-cl-kernel-arg-info" so the
// argument names can be queried.
func (q *Queue) BuildKernel(source, kernelName string) (backends.Kernel, error) {
	const op = "Queue.BuildKernel"
	cSource := C.CString(source)
	defer C.free(unsafe.Pointer(cSource))
	var code C.cl_int
	program := C.clCreateProgramWithSource(q.ctx, 1, &cSource, nil, &code)
	if err := clError(code, "clCreateProgramWithSource"); err != nil {
		return nil, backends.NewError(backends.CompilationError, op, err)
	}
	cOptions := C.CString("-cl-kernel-arg-info")
	defer C.free(unsafe.Pointer(cOptions))
	code = C.clBuildProgram(program, 1, &q.device.id, cOptions, nil, nil)
	if err := clError(code, "clBuildProgram"); err != nil {
		buildLog := q.buildLog(program)
		C.clReleaseProgram(program)
		return nil, backends.NewError(backends.CompilationError, op, errors.WithMessagef(err, "build log:\n%s", buildLog))
	}

	cName := C.CString(kernelName)
	defer C.free(unsafe.Pointer(cName))
	kernel := C.clCreateKernel(program, cName, &code)
	if err := clError(code, "clCreateKernel"); err != nil {
		C.clReleaseProgram(program)
		return nil, backends.NewError(backends.CompilationError, op, errors.WithMessagef(err, "kernel %q", kernelName))
	}
	k := &Kernel{queue: q, program: program, kernel: kernel, name: kernelName}
	if err := k.loadArgNames(); err != nil {
		_ = k.Release()
		return nil, backends.NewError(backends.CompilationError, op, err)
	}
	k.args = make([]*Buffer, len(k.argNames))
	return k, nil
}

func (q *Queue) buildLog(program C.cl_program) string {
	var size C.size_t
	if C.clGetProgramBuildInfo(program, q.device.id, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size) != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, size)
	if C.clGetProgramBuildInfo(program, q.device.id, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil) != C.CL_SUCCESS {
		return ""
	}
	return strings.TrimRight(string(buf), "\x00")
}

// Enqueue implements backends.Queue. If handle is nil, no event is requested from OpenCL (NULL event pointer).
func (q *Queue) Enqueue(kernel backends.Kernel, globalWorkSize int, handle *backends.CompletionHandle) error {
	const op = "Queue.Enqueue"
	k, ok := kernel.(*Kernel)
	if !ok || k == nil || k.queue != q {
		return backends.Errorf(backends.SubmitError, op, "kernel was not built for this queue")
	}
	if globalWorkSize <= 0 {
		return backends.Errorf(backends.SubmitError, op, "invalid global work size %d", globalWorkSize)
	}
	if handle.IsAssociated() {
		return backends.Errorf(backends.SubmitError, op, "completion handle already associated with a command")
	}
	if err := k.checkBound(); err != nil {
		return backends.NewError(backends.SubmitError, op, err)
	}
	gws := C.size_t(globalWorkSize)
	if handle == nil {
		code := C.clEnqueueNDRangeKernel(q.queue, k.kernel, 1, nil, &gws, nil, 0, nil, nil)
		if err := clError(code, "clEnqueueNDRangeKernel"); err != nil {
			return backends.NewError(backends.SubmitError, op, err)
		}
		return nil
	}
	var event C.cl_event
	code := C.clEnqueueNDRangeKernel(q.queue, k.kernel, 1, nil, &gws, nil, 0, nil, &event)
	if err := clError(code, "clEnqueueNDRangeKernel"); err != nil {
		return backends.NewError(backends.SubmitError, op, err)
	}
	handle.Set(&Event{event: event})
	return nil
}

// Buffer implements backends.Buffer.
type Buffer struct {
	mem      C.cl_mem
	id       uuid.UUID
	dtype    backends.DType
	length   int
	flags    backends.MemFlags
	released bool
}

func (b *Buffer) ID() uuid.UUID { return b.id }
func (b *Buffer) DType() backends.DType { return b.dtype }
func (b *Buffer) Len() int { return b.length }
func (b *Buffer) Flags() backends.MemFlags { return b.flags }
func (b *Buffer) SizeBytes() int { return b.length * backends.DTypeSize(b.dtype) }

// ReferenceCount implements backends.Buffer, with CL_MEM_REFERENCE_COUNT.
func (b *Buffer) ReferenceCount() (int, error) {
	const op = "Buffer.ReferenceCount"
	if b.released {
		return 0, backends.Errorf(backends.QueryError, op, "buffer %s already released by its owner", b.id)
	}
	var count C.cl_uint
	code := C.clGetMemObjectInfo(b.mem, C.CL_MEM_REFERENCE_COUNT, C.size_t(unsafe.Sizeof(count)), unsafe.Pointer(&count), nil)
	if err := clError(code, "clGetMemObjectInfo(CL_MEM_REFERENCE_COUNT)"); err != nil {
		return 0, backends.NewError(backends.QueryError, op, err)
	}
	return int(count), nil
}

// Release implements backends.Buffer.
func (b *Buffer) Release() error {
	if b.released {
		return errors.Errorf("Buffer.Release(%s): buffer already released by its owner", b.id)
	}
	b.released = true
	return clError(C.clReleaseMemObject(b.mem), "clReleaseMemObject")
}

// Kernel implements backends.Kernel. Bound arguments are retained with clRetainMemObject.
type Kernel struct {
	queue    *Queue
	program  C.cl_program
	kernel   C.cl_kernel
	name     string
	argNames []string

	mu       sync.Mutex
	args     []*Buffer
	released bool
}

func (k *Kernel) Name() string { return k.name }
func (k *Kernel) ArgNames() []string { return append([]string(nil), k.argNames...) }

func (k *Kernel) loadArgNames() error {
	var numArgs C.cl_uint
	code := C.clGetKernelInfo(k.kernel, C.CL_KERNEL_NUM_ARGS, C.size_t(unsafe.Sizeof(numArgs)), unsafe.Pointer(&numArgs), nil)
	if err := clError(code, "clGetKernelInfo(CL_KERNEL_NUM_ARGS)"); err != nil {
		return err
	}
	k.argNames = make([]string, numArgs)
	for ii := range k.argNames {
		var size C.size_t
		code = C.clGetKernelArgInfo(k.kernel, C.cl_uint(ii), C.CL_KERNEL_ARG_NAME, 0, nil, &size)
		if err := clError(code, "clGetKernelArgInfo(CL_KERNEL_ARG_NAME)"); err != nil {
			return err
		}
		buf := make([]byte, size)
		code = C.clGetKernelArgInfo(k.kernel, C.cl_uint(ii), C.CL_KERNEL_ARG_NAME, size, unsafe.Pointer(&buf[0]), nil)
		if err := clError(code, "clGetKernelArgInfo(CL_KERNEL_ARG_NAME)"); err != nil {
			return err
		}
		k.argNames[ii] = strings.TrimRight(string(buf), "\x00")
	}
	return nil
}

func (k *Kernel) argIndex(name string) int {
	for ii, argName := range k.argNames {
		if argName == name {
			return ii
		}
	}
	return -1
}

// SetArg implements backends.Kernel.
func (k *Kernel) SetArg(name string, buffer backends.Buffer) error {
	const op = "Kernel.SetArg"
	idx := k.argIndex(name)
	if idx < 0 {
		return backends.Errorf(backends.BindError, op, "kernel %q has no argument named %q, arguments are %q",
			k.name, name, k.argNames)
	}
	var buf *Buffer
	if buffer != nil {
		var ok bool
		buf, ok = buffer.(*Buffer)
		if !ok || buf == nil || buf.released {
			return backends.Errorf(backends.BindError, op, "invalid or released buffer for argument %q", name)
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return backends.Errorf(backends.BindError, op, "kernel %q already released", k.name)
	}
	if buf != nil {
		code := C.clSetKernelArg(k.kernel, C.cl_uint(idx), C.size_t(unsafe.Sizeof(buf.mem)), unsafe.Pointer(&buf.mem))
		if err := clError(code, "clSetKernelArg"); err != nil {
			return backends.NewError(backends.BindError, op, err)
		}
		C.clRetainMemObject(buf.mem)
	}
	if previous := k.args[idx]; previous != nil {
		C.clReleaseMemObject(previous.mem)
	}
	k.args[idx] = buf
	return nil
}

// Arg implements backends.Kernel.
func (k *Kernel) Arg(name string) backends.Buffer {
	idx := k.argIndex(name)
	if idx < 0 {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.args[idx] == nil {
		return nil
	}
	return k.args[idx]
}

func (k *Kernel) checkBound() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return errors.Errorf("kernel %q already released", k.name)
	}
	for ii, buf := range k.args {
		if buf == nil {
			return errors.Errorf("argument %q of kernel %q is not bound", k.argNames[ii], k.name)
		}
	}
	return nil
}

// Release implements backends.Kernel.
func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return errors.Errorf("Kernel.Release(%q): kernel already released", k.name)
	}
	k.released = true
	for ii, buf := range k.args {
		if buf != nil {
			C.clReleaseMemObject(buf.mem)
			k.args[ii] = nil
		}
	}
	C.clReleaseKernel(k.kernel)
	C.clReleaseProgram(k.program)
	return nil
}

// Event implements backends.Event.
type Event struct {
	event    C.cl_event
	released bool
}

// Wait implements backends.Event.
func (e *Event) Wait() error {
	const op = "Event.Wait"
	if e.released {
		return backends.Errorf(backends.WaitError, op, "event already released")
	}
	if err := clError(C.clWaitForEvents(1, &e.event), "clWaitForEvents"); err != nil {
		return backends.NewError(backends.WaitError, op, err)
	}
	if status := e.rawStatus(); status < 0 {
		return backends.NewError(backends.WaitError, op, clError(status, "kernel execution"))
	}
	return nil
}

func (e *Event) rawStatus() C.cl_int {
	var status C.cl_int
	code := C.clGetEventInfo(e.event, C.CL_EVENT_COMMAND_EXECUTION_STATUS, C.size_t(unsafe.Sizeof(status)),
		unsafe.Pointer(&status), nil)
	if code != C.CL_SUCCESS {
		return code
	}
	return status
}

// Status implements backends.Event.
func (e *Event) Status() backends.EventStatus {
	switch status := e.rawStatus(); {
	case status < 0:
		return backends.EventFailed
	case status == C.CL_COMPLETE:
		return backends.EventComplete
	case status == C.CL_RUNNING:
		return backends.EventRunning
	}
	return backends.EventQueued
}

// Release implements backends.Event.
func (e *Event) Release() error {
	if e.released {
		return errors.New("Event.Release(): event already released")
	}
	e.released = true
	return clError(C.clReleaseEvent(e.event), "clReleaseEvent")
}
