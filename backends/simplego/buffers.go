// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/rctrace/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Buffer for the SimpleGo driver: the "device memory" is an anonymous memory map, reclaimed (unmapped)
// when the reference count reaches 0.
type Buffer struct {
	backend  *Backend
	id       uuid.UUID
	dtype    backends.DType
	length   int
	flags    backends.MemFlags
	refCount atomic.Int32

	// pending counts the commands in the queue that use the buffer. It is not part of the reported
	// reference count, but the device memory is only reclaimed once it is also 0.
	pending atomic.Int32

	// ownerReleased is set when the caller released its reference: the handle can't be used anymore.
	ownerReleased atomic.Bool

	muMem sync.RWMutex
	mem   mmap.MMap
}

var _ backends.Buffer = (*Buffer)(nil)

func (q *Queue) newBuffer(dtype backends.DType, numElements int, flags backends.MemFlags) (*Buffer, error) {
	const op = "Queue.NewBuffer"
	if numElements <= 0 {
		return nil, backends.Errorf(backends.SetupError, op, "invalid number of elements %d for buffer", numElements)
	}
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16:
	default:
		return nil, backends.Errorf(backends.SetupError, op, "dtype %s not supported by %q driver", dtype, BackendName)
	}
	b := q.device.platform.backend
	sizeBytes := numElements * backends.DTypeSize(dtype)
	mem, err := mmap.MapRegion(nil, sizeBytes, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, backends.NewError(backends.SetupError, op,
			errors.Wrapf(err, "failed to allocate %s of device memory", humanize.Bytes(uint64(sizeBytes))))
	}
	buffer := &Buffer{
		backend: b,
		id:      uuid.New(),
		dtype:   dtype,
		length:  numElements,
		flags:   flags,
		mem:     mem,
	}
	buffer.refCount.Store(1)
	b.liveBuffers.Store(buffer.id, buffer)
	b.numLive.Add(1)
	klog.V(1).Infof("%s: allocated buffer %s: %d x %s (%s), %s", q.device.name, buffer.id, numElements, dtype,
		humanize.Bytes(uint64(sizeBytes)), flags)
	return buffer, nil
}

func (buf *Buffer) ID() uuid.UUID { return buf.id }
func (buf *Buffer) DType() backends.DType { return buf.dtype }
func (buf *Buffer) Len() int { return buf.length }
func (buf *Buffer) Flags() backends.MemFlags { return buf.flags }
func (buf *Buffer) SizeBytes() int { return buf.length * backends.DTypeSize(buf.dtype) }

// ReferenceCount implements backends.Buffer.
func (buf *Buffer) ReferenceCount() (int, error) {
	const op = "Buffer.ReferenceCount"
	if !buf.backend.refCountQuery {
		return 0, backends.Errorf(backends.QueryError, op, "reference count query disabled in %q driver", BackendName)
	}
	if buf.ownerReleased.Load() {
		return 0, backends.Errorf(backends.QueryError, op, "buffer %s already released by its owner", buf.id)
	}
	return int(buf.refCount.Load()), nil
}

// Release implements backends.Buffer.
func (buf *Buffer) Release() error {
	if buf.ownerReleased.Swap(true) {
		return errors.Errorf("Buffer.Release(%s): buffer already released by its owner", buf.id)
	}
	buf.release()
	return nil
}

// IsReclaimed returns whether the device memory of the buffer was already reclaimed.
func (buf *Buffer) IsReclaimed() bool {
	buf.muMem.RLock()
	defer buf.muMem.RUnlock()
	return buf.mem == nil
}

// retain takes a reference, on behalf of a kernel argument or a command in flight.
func (buf *Buffer) retain() {
	buf.refCount.Add(1)
}

// release a reference, and reclaim the device memory if it was the last one and no queued command
// uses the buffer.
func (buf *Buffer) release() {
	count := buf.refCount.Add(-1)
	if count == 0 {
		if buf.pending.Load() == 0 {
			buf.reclaim()
		}
	} else if count < 0 {
		klog.Errorf("buffer %s released too many times (reference count %d)", buf.id, count)
	}
}

// hold marks the buffer as used by a queued command, whatever the retention policy of the device.
func (buf *Buffer) hold() {
	buf.pending.Add(1)
}

// unhold is called by the device once a command using the buffer finished. It reclaims the device memory
// if all references were released in the meantime.
func (buf *Buffer) unhold() {
	if buf.pending.Add(-1) == 0 && buf.refCount.Load() <= 0 {
		buf.reclaim()
	}
}

// reclaim unmaps the device memory. It is idempotent.
func (buf *Buffer) reclaim() {
	buf.muMem.Lock()
	defer buf.muMem.Unlock()
	if buf.mem == nil {
		return
	}
	if err := buf.mem.Unmap(); err != nil {
		klog.Warningf("failed to unmap device memory of buffer %s: %v", buf.id, err)
	}
	buf.mem = nil
	if _, found := buf.backend.liveBuffers.LoadAndDelete(buf.id); found {
		buf.backend.numLive.Add(-1)
	}
	klog.V(1).Infof("buffer %s reclaimed", buf.id)
}

// ToFloat64 copies the contents of the buffer, converted to float64.
// It's meant for tests and debugging, the caller must hold a reference to the buffer.
func (buf *Buffer) ToFloat64() ([]float64, error) {
	buf.muMem.RLock()
	defer buf.muMem.RUnlock()
	if buf.mem == nil {
		return nil, errors.Errorf("buffer %s device memory already reclaimed", buf.id)
	}
	out := make([]float64, buf.length)
	load := buf.lockedLoader()
	for ii := range out {
		out[ii] = load(ii)
	}
	return out, nil
}

// lockedFlat returns a slice of the buffer's dtype pointing to the device memory.
// It must be called with muMem held and mem not nil.
func (buf *Buffer) lockedFlat() any {
	ptr := unsafe.Pointer(&buf.mem[0])
	switch buf.dtype {
	case dtypes.Float32:
		return unsafe.Slice((*float32)(ptr), buf.length)
	case dtypes.Float64:
		return unsafe.Slice((*float64)(ptr), buf.length)
	case dtypes.Float16:
		return unsafe.Slice((*float16.Float16)(ptr), buf.length)
	}
	return nil
}
