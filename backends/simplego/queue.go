// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Queue implements backends.Queue: commands are kept in a FIFO and executed, one at a time, by a
// goroutine that plays the role of the device.
type Queue struct {
	device *Device

	mu       sync.Mutex
	cond     sync.Cond // Signaled when a command is added or the queue is closed.
	pending  *queue.Queue
	closed   bool
	inFlight *xsync.DynamicWaitGroup
	stopped  *xsync.Latch
}

var _ backends.Queue = (*Queue)(nil)

func newQueue(device *Device) *Queue {
	q := &Queue{
		device:   device,
		pending:  queue.New(),
		inFlight: xsync.NewDynamicWaitGroup(),
		stopped:  xsync.NewLatch(),
	}
	q.cond = sync.Cond{L: &q.mu}
	go q.deviceLoop()
	return q
}

// Device implements backends.Queue.
func (q *Queue) Device() backends.Device { return q.device }

// NewBuffer implements backends.Queue.
func (q *Queue) NewBuffer(dtype backends.DType, numElements int, flags backends.MemFlags) (backends.Buffer, error) {
	if q.isClosed() {
		return nil, backends.Errorf(backends.SetupError, "Queue.NewBuffer", "queue already released")
	}
	return q.newBuffer(dtype, numElements, flags)
}

// command is one kernel execution submitted to the queue.
type command struct {
	kernel         *Kernel
	globalWorkSize int
	args           []*Buffer
	policy         RetentionPolicy
	event          *Event // nil if no event was requested.

	mu            sync.Mutex
	completed     bool
	eventReleased bool
	refsReleased  bool
}

// lockedReleaseRefs releases the in-flight references of the command, if it took any.
// It must be called with cmd.mu held.
func (cmd *command) lockedReleaseRefs() {
	if cmd.policy == RetainNone || cmd.refsReleased {
		return
	}
	cmd.refsReleased = true
	for _, buf := range cmd.args {
		buf.release()
	}
}

// Enqueue implements backends.Queue.
func (q *Queue) Enqueue(kernel backends.Kernel, globalWorkSize int, handle *backends.CompletionHandle) error {
	const op = "Queue.Enqueue"
	k, ok := kernel.(*Kernel)
	if !ok || k == nil {
		return backends.Errorf(backends.SubmitError, op, "kernel %T is not a %q driver kernel", kernel, BackendName)
	}
	if k.queue != q {
		return backends.Errorf(backends.SubmitError, op, "kernel %q was built for a different queue", k.Name())
	}
	if globalWorkSize <= 0 {
		return backends.Errorf(backends.SubmitError, op, "invalid global work size %d", globalWorkSize)
	}
	if handle.IsAssociated() {
		return backends.Errorf(backends.SubmitError, op, "completion handle already associated with a command")
	}
	args, err := k.snapshotArgs()
	if err != nil {
		return backends.NewError(backends.SubmitError, op, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return backends.Errorf(backends.SubmitError, op, "queue already released")
	}
	cmd := &command{
		kernel:         k,
		globalWorkSize: globalWorkSize,
		args:           args,
		policy:         q.device.policy,
	}
	for _, buf := range args {
		buf.hold()
		if cmd.policy != RetainNone {
			buf.retain()
		}
	}
	if handle != nil {
		cmd.event = newEvent(cmd)
		handle.Set(cmd.event)
	}
	q.inFlight.Add(1)
	q.pending.Add(cmd)
	q.cond.Signal()
	klog.V(2).Infof("%s: enqueued kernel %q, global work size %d, event=%v", q.device.name, k.Name(), globalWorkSize,
		cmd.event != nil)
	return nil
}

// Finish implements backends.Queue.
func (q *Queue) Finish() error {
	q.inFlight.Wait()
	return nil
}

// Release implements backends.Queue: pending commands are executed before it returns.
func (q *Queue) Release() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("Queue.Release(): queue already released")
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.stopped.Wait()
	return nil
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// deviceLoop executes the commands in the order they were submitted, until the queue is released.
func (q *Queue) deviceLoop() {
	defer q.stopped.Trigger()
	backend := q.device.platform.backend
	for {
		q.mu.Lock()
		for q.pending.Length() == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.pending.Length() == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending.Remove().(*command)
		q.mu.Unlock()

		if backend.latency > 0 {
			time.Sleep(backend.latency)
		}
		if cmd.event != nil {
			cmd.event.status.Store(int32(backends.EventRunning))
		}
		err := q.execute(cmd)
		backend.numExecuted.Add(1)
		if err != nil {
			backend.numFaults.Add(1)
			if cmd.event == nil {
				// Nobody can observe the fault otherwise.
				klog.Warningf("%s: kernel %q enqueued without event failed: %v", q.device.name, cmd.kernel.Name(), err)
			} else {
				klog.V(1).Infof("%s: kernel %q failed: %v", q.device.name, cmd.kernel.Name(), err)
			}
		}

		for _, buf := range cmd.args {
			buf.unhold()
		}
		cmd.mu.Lock()
		cmd.completed = true
		if cmd.policy == RetainUntilComplete || (cmd.policy == RetainUntilEventRelease && cmd.eventReleased) {
			cmd.lockedReleaseRefs()
		}
		cmd.mu.Unlock()
		if cmd.event != nil {
			cmd.event.complete(err)
		}
		q.inFlight.Done()
	}
}
