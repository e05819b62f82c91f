// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// EventStatus is the execution status of the command associated with an Event.
type EventStatus int

const (
	EventQueued EventStatus = iota
	EventRunning
	EventComplete
	EventFailed
)

// String implements fmt.Stringer.
func (s EventStatus) String() string {
	switch s {
	case EventQueued:
		return "queued"
	case EventRunning:
		return "running"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	}
	return "invalid"
}

// Event is the completion event of one submitted command.
type Event interface {
	// Wait blocks until the command completes. There is no timeout.
	// It returns a WaitError if the device reported an execution fault.
	Wait() error

	Status() EventStatus

	// Release the event. Some drivers hold references to the command's buffers until its event is released.
	Release() error
}

// CompletionHandle is a slot for an Event, filled by Queue.Enqueue.
//
// The zero value is an empty handle, never associated with a command: waiting on it is a WaitError.
type CompletionHandle struct {
	event Event
}

// NewCompletionHandle returns an empty handle, to be passed to Queue.Enqueue.
func NewCompletionHandle() *CompletionHandle {
	return &CompletionHandle{}
}

// Set is used by the drivers, on Enqueue, to associate the handle with the command's event.
// It panics if the handle was already associated with a command.
func (h *CompletionHandle) Set(event Event) {
	if h.event != nil {
		panic(Errorf(SubmitError, "CompletionHandle.Set", "completion handle already associated with a command"))
	}
	h.event = event
}

// Event returns the associated event, or nil if the handle was never associated with a command.
func (h *CompletionHandle) Event() Event {
	if h == nil {
		return nil
	}
	return h.event
}

// IsAssociated returns whether Queue.Enqueue associated the handle with a command.
func (h *CompletionHandle) IsAssociated() bool {
	return h.Event() != nil
}

// Wait blocks until the associated command completes.
func (h *CompletionHandle) Wait() error {
	event := h.Event()
	if event == nil {
		return Errorf(WaitError, "CompletionHandle.Wait", "completion handle was never associated with a submitted command")
	}
	return event.Wait()
}

// Release the associated event, and dissociates the handle. It's a no-op for an empty handle.
func (h *CompletionHandle) Release() error {
	event := h.Event()
	if event == nil {
		return nil
	}
	h.event = nil
	return event.Release()
}
