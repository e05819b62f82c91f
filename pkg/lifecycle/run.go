// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"fmt"

	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Report of one run of a mode.
type Report struct {
	Mode   Mode
	Config Config
	Device string

	// Observations in the order they were made.
	Observations []Observation

	// LeakedBuffers is the number of buffers created by the run whose device memory was still not reclaimed
	// after the Session was closed. It is -1 if the driver doesn't implement backends.MemoryStats.
	LeakedBuffers int
}

// Observation returns the observation of the given iteration and checkpoint, if it was made.
func (r *Report) Observation(iteration int, checkpoint Checkpoint) (Observation, bool) {
	for _, o := range r.Observations {
		if o.Iteration == iteration && o.Checkpoint == checkpoint {
			return o, true
		}
	}
	return Observation{}, false
}

// Violation of an expected property of the reference counts.
type Violation struct {
	Iteration  int
	Checkpoint Checkpoint
	Detail     string
}

func (v Violation) String() string {
	return fmt.Sprintf("iteration %d, after %s: %s", v.Iteration, v.Checkpoint, v.Detail)
}

// Check the observed reference counts against the simple ownership model:
//
//   - A newly created buffer has a count of 1.
//   - Binding it to the kernel increments the count by 1.
//   - ModeNoEvent: submitting the kernel doesn't decrement the count.
//   - ModeWaited: after waiting for the kernel (and releasing its event) the count is back to the count
//     after binding.
//
// Observations that failed to query the count are skipped. For ModeNoEvent violations are informational,
// since the in-flight reference is driver-defined.
func (r *Report) Check() []Violation {
	var violations []Violation
	for iteration := range r.Config.IterationCount {
		created, createdOk := r.count(iteration, CheckpointCreation)
		bound, boundOk := r.count(iteration, CheckpointSetArg)
		if createdOk && created != 1 {
			violations = append(violations, Violation{iteration, CheckpointCreation,
				fmt.Sprintf("count is %d, expected 1", created)})
		}
		if createdOk && boundOk && bound != created+1 {
			violations = append(violations, Violation{iteration, CheckpointSetArg,
				fmt.Sprintf("count is %d, expected %d", bound, created+1)})
		}
		if !boundOk {
			continue
		}
		switch r.Mode {
		case ModeNoEvent:
			if enqueued, ok := r.count(iteration, CheckpointEnqueue); ok && enqueued < bound {
				violations = append(violations, Violation{iteration, CheckpointEnqueue,
					fmt.Sprintf("count is %d, less than %d after setting argument", enqueued, bound)})
			}
		case ModeWaited:
			if waited, ok := r.count(iteration, CheckpointWait); ok && waited != bound {
				violations = append(violations, Violation{iteration, CheckpointWait,
					fmt.Sprintf("count is %d, expected %d as after setting argument", waited, bound)})
			}
		}
	}
	return violations
}

func (r *Report) count(iteration int, checkpoint Checkpoint) (int, bool) {
	o, found := r.Observation(iteration, checkpoint)
	if !found || !o.Ok() {
		return 0, false
	}
	return o.Count, true
}

// liveBuffers returns the number of live device allocations, or -1 if the driver doesn't report it.
func liveBuffers(driver backends.Driver) int {
	stats, ok := driver.(backends.MemoryStats)
	if !ok {
		return -1
	}
	return stats.LiveBuffers()
}

// Run executes cfg.IterationCount iterations of mode, in its own Session.
//
// Each observation is passed to observer (if not nil) as it happens. Any error aborts the run: the Report
// with the observations made so far is returned along with the error.
func Run(ctx context.Context, driver backends.Driver, cfg Config, mode Mode, observer Observer) (*Report, error) {
	liveBefore := liveBuffers(driver)
	session, err := Setup(driver, cfg)
	if err != nil {
		return nil, err
	}
	report := &Report{Mode: mode, Config: cfg, Device: session.Device.Name(), LeakedBuffers: -1}
	record := func(o Observation) {
		report.Observations = append(report.Observations, o)
		if observer != nil {
			observer(o)
		}
	}
	for iteration := range cfg.IterationCount {
		if err = ctx.Err(); err != nil {
			err = errors.Wrapf(err, "%s mode interrupted before iteration %d", mode, iteration)
			break
		}
		if err = runIteration(ctx, session, mode, iteration, record); err != nil {
			err = errors.WithMessagef(err, "%s mode", mode)
			break
		}
	}
	if closeErr := session.Close(); closeErr != nil {
		if err == nil {
			err = closeErr
		} else {
			klog.Warningf("Failed to close %s mode session: %v", mode, closeErr)
		}
	}
	if liveBefore >= 0 {
		report.LeakedBuffers = liveBuffers(driver) - liveBefore
	}
	return report, err
}

// runIteration creates, binds, submits and (in ModeWaited) waits, then releases the buffer on exit.
func runIteration(ctx context.Context, session *Session, mode Mode, iteration int, observer Observer) (err error) {
	t := session.NewTracker(mode, iteration, observer)
	defer func() {
		if releaseErr := t.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	if _, err = t.Allocate(); err != nil {
		return
	}
	if _, err = t.Bind(OutputSlot); err != nil {
		return
	}
	if _, err = t.Submit(mode == ModeWaited); err != nil {
		return
	}
	if mode == ModeWaited {
		_, err = t.Await(ctx)
	}
	return
}
