// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lifecycle tracks the reference count of a device buffer across its lifecycle: creation, binding as
// a kernel argument, kernel submission and (optionally) waiting for the kernel to complete.
//
// Two modes are supported, and are meant to be run back-to-back for comparison:
//
//   - ModeNoEvent: the kernel is submitted without a completion event, and the iteration ends right away.
//     Some drivers keep a reference to the buffer for the in-flight command that is never released.
//   - ModeWaited: the kernel is submitted with a completion event, which is waited on and released
//     before the reference count is observed.
//
// The reference counts are whatever the driver reports: they are observed, never corrected.
package lifecycle

import (
	"fmt"
	"slices"

	"github.com/gomlx/rctrace/backends"
)

// Checkpoint in the lifecycle of a buffer at which the reference count is observed.
type Checkpoint int

const (
	CheckpointCreation Checkpoint = iota
	CheckpointSetArg
	CheckpointEnqueue
	CheckpointWait
)

var checkpointLabels = []string{"creation", "setting argument", "enqueueing kernel", "waiting for kernel"}

// String returns the label used in the console output. E.g.: "setting argument".
func (c Checkpoint) String() string {
	if c < 0 || int(c) >= len(checkpointLabels) {
		return fmt.Sprintf("Checkpoint(%d)", int(c))
	}
	return checkpointLabels[c]
}

// Mode of operation of a run.
type Mode int

const (
	// ModeNoEvent submits the kernel without requesting a completion event.
	ModeNoEvent Mode = iota

	// ModeWaited submits the kernel with a completion event, and waits for it.
	ModeWaited
)

// Modes lists all modes, in the order they are run.
var Modes = []Mode{ModeNoEvent, ModeWaited}

func (m Mode) String() string {
	switch m {
	case ModeNoEvent:
		return "no-event"
	case ModeWaited:
		return "waited"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Checkpoints returns the checkpoints reported in each iteration of the mode.
//
// In ModeWaited submission and waiting are one step, reported only after the wait.
func (m Mode) Checkpoints() []Checkpoint {
	if m == ModeWaited {
		return []Checkpoint{CheckpointCreation, CheckpointSetArg, CheckpointWait}
	}
	return []Checkpoint{CheckpointCreation, CheckpointSetArg, CheckpointEnqueue}
}

// Reports returns whether the checkpoint is reported in the mode.
func (m Mode) Reports(checkpoint Checkpoint) bool {
	return slices.Contains(m.Checkpoints(), checkpoint)
}

// Observation of the reference count of the buffer created in an iteration, at a checkpoint.
type Observation struct {
	Mode       Mode
	Iteration  int
	Checkpoint Checkpoint

	// Count is the reference count reported by the driver, valid only if Err is nil.
	Count int

	// Err is set if the reference count couldn't be queried. It is informational only.
	Err error
}

// Ok returns whether the count was retrieved.
func (o Observation) Ok() bool { return o.Err == nil }

// Observer is called synchronously with each Observation, as it happens.
type Observer func(Observation)

// ObserveCount queries the reference count of buffer and returns the corresponding Observation.
func ObserveCount(buffer backends.Buffer, mode Mode, iteration int, checkpoint Checkpoint) Observation {
	o := Observation{Mode: mode, Iteration: iteration, Checkpoint: checkpoint}
	o.Count, o.Err = buffer.ReferenceCount()
	return o
}

// MultiObserver returns an Observer that calls each of the non-nil observers, in order.
func MultiObserver(observers ...Observer) Observer {
	return func(o Observation) {
		for _, observer := range observers {
			if observer != nil {
				observer(o)
			}
		}
	}
}
