// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync/atomic"

	"github.com/gomlx/rctrace/backends"
	"github.com/gomlx/rctrace/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Event implements backends.Event for one command.
type Event struct {
	cmd      *command
	status   atomic.Int32
	done     *xsync.LatchWithValue[error]
	released atomic.Bool
}

var _ backends.Event = (*Event)(nil)

func newEvent(cmd *command) *Event {
	e := &Event{
		cmd:  cmd,
		done: xsync.NewLatchWithValue[error](),
	}
	e.status.Store(int32(backends.EventQueued))
	return e
}

// complete is called by the device once the command finished.
func (e *Event) complete(err error) {
	if err != nil {
		e.status.Store(int32(backends.EventFailed))
	} else {
		e.status.Store(int32(backends.EventComplete))
	}
	e.done.Trigger(err)
}

// Wait implements backends.Event.
func (e *Event) Wait() error {
	if e.released.Load() {
		return backends.Errorf(backends.WaitError, "Event.Wait", "event already released")
	}
	if err := e.done.Wait(); err != nil {
		return backends.NewError(backends.WaitError, "Event.Wait", err)
	}
	return nil
}

// Status implements backends.Event.
func (e *Event) Status() backends.EventStatus {
	return backends.EventStatus(e.status.Load())
}

// Release implements backends.Event.
//
// For devices with the RetainUntilEventRelease policy, this is what releases the command's references to its
// buffers, immediately if the command completed, or as soon as it does.
func (e *Event) Release() error {
	if e.released.Swap(true) {
		return errors.New("Event.Release(): event already released")
	}
	cmd := e.cmd
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	cmd.eventReleased = true
	if cmd.completed && cmd.policy == RetainUntilEventRelease {
		cmd.lockedReleaseRefs()
	}
	return nil
}
