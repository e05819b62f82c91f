// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"

	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tracker follows the buffer created in one iteration: each operation is followed by an Observation of the
// buffer's reference count.
//
// Operations must be called in order: Allocate, Bind, Submit and, if submitted with a completion event,
// Await. Release must always be called at the end, usually deferred right after Allocate.
type Tracker struct {
	session   *Session
	mode      Mode
	iteration int
	observer  Observer

	buffer       backends.Buffer
	handle       *backends.CompletionHandle
	observations []Observation
}

// Buffer tracked, or nil if not yet allocated.
func (t *Tracker) Buffer() backends.Buffer { return t.buffer }

// Observations made so far.
func (t *Tracker) Observations() []Observation { return t.observations }

// observe queries the reference count. It is only recorded (and passed to the observer) if the mode
// reports the checkpoint.
func (t *Tracker) observe(checkpoint Checkpoint) Observation {
	o := ObserveCount(t.buffer, t.mode, t.iteration, checkpoint)
	if !t.mode.Reports(checkpoint) {
		return o
	}
	t.observations = append(t.observations, o)
	if t.observer != nil {
		t.observer(o)
	}
	return o
}

// Allocate creates the buffer owned by the tracker. The driver is expected to report a count of 1.
func (t *Tracker) Allocate() (Observation, error) {
	if t.buffer != nil {
		return Observation{}, backends.Errorf(backends.SetupError, "Tracker.Allocate", "buffer already allocated in iteration %d", t.iteration)
	}
	cfg := t.session.Config
	buffer, err := t.session.Queue.NewBuffer(cfg.DType, cfg.ElemCount, backends.MemReadWrite)
	if err != nil {
		return Observation{}, errors.WithMessagef(err, "iteration %d", t.iteration)
	}
	t.buffer = buffer
	return t.observe(CheckpointCreation), nil
}

// Bind the buffer to the kernel argument slot. The previous occupant of the slot is released by the kernel.
func (t *Tracker) Bind(slot string) (Observation, error) {
	if t.buffer == nil {
		return Observation{}, backends.Errorf(backends.BindError, "Tracker.Bind", "no buffer allocated in iteration %d", t.iteration)
	}
	if err := t.session.Kernel.SetArg(slot, t.buffer); err != nil {
		return Observation{}, errors.WithMessagef(err, "iteration %d", t.iteration)
	}
	return t.observe(CheckpointSetArg), nil
}

// Submit enqueues the kernel over all the buffer elements. If withEvent is true a completion event is
// requested, and Await must be called next.
//
// Submit doesn't block: the kernel may still be running (or queued) when the count is observed.
func (t *Tracker) Submit(withEvent bool) (Observation, error) {
	var handle *backends.CompletionHandle
	if withEvent {
		handle = backends.NewCompletionHandle()
	}
	if err := t.session.Queue.Enqueue(t.session.Kernel, t.session.Config.ElemCount, handle); err != nil {
		return Observation{}, errors.WithMessagef(err, "iteration %d", t.iteration)
	}
	t.handle = handle
	return t.observe(CheckpointEnqueue), nil
}

// Await blocks until the submitted kernel completes, releases its completion event and then observes the
// reference count.
//
// There is no timeout other than ctx: if ctx is done first it returns a WaitError, and the event is released
// in the background once the kernel completes.
func (t *Tracker) Await(ctx context.Context) (Observation, error) {
	const op = "Tracker.Await"
	handle := t.handle
	if !handle.IsAssociated() {
		return Observation{}, backends.Errorf(backends.WaitError, op,
			"iteration %d: completion handle was never associated with a submitted command", t.iteration)
	}
	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		t.handle = nil
		if releaseErr := handle.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
		if err != nil {
			return Observation{}, errors.WithMessagef(err, "iteration %d", t.iteration)
		}
	case <-ctx.Done():
		t.handle = nil
		go func() {
			<-done
			if err := handle.Release(); err != nil {
				klog.Warningf("Failed to release abandoned completion event of iteration %d: %v", t.iteration, err)
			}
		}()
		return Observation{}, backends.NewError(backends.WaitError, op,
			errors.Wrapf(ctx.Err(), "iteration %d: wait abandoned", t.iteration))
	}
	return t.observe(CheckpointWait), nil
}

// Release the ownership of the buffer, and of the completion event if it was not waited on.
// It is a no-op if nothing was allocated.
func (t *Tracker) Release() error {
	var firstErr error
	if t.handle != nil {
		firstErr = t.handle.Release()
		t.handle = nil
	}
	if t.buffer != nil {
		if err := t.buffer.Release(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "iteration %d", t.iteration)
		}
		t.buffer = nil
	}
	return firstErr
}
