// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains the command line reporting of the reference counts: one line per
// observation, a summary table per mode and a progress bar.
package commandline

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/rctrace/pkg/lifecycle"
)

// FormatObservation returns the line printed for the observation, without the trailing newline.
func FormatObservation(o lifecycle.Observation) string {
	if !o.Ok() {
		return fmt.Sprintf("Failed to get RC for buffer created in iteration %d", o.Iteration)
	}
	return fmt.Sprintf("RC for buffer created in iteration %d, after %s is: %d", o.Iteration, o.Checkpoint, o.Count)
}

// Printer prints one line per observation to its writer. It is safe for concurrent use.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewPrinter returns a Printer that writes to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Observe prints the observation. It can be used as a lifecycle.Observer.
func (p *Printer) Observe(o lifecycle.Observation) {
	p.println(FormatObservation(o))
}

// Separator prints an empty line, used between modes.
func (p *Printer) Separator() {
	p.println("")
}

func (p *Printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintln(p.w, line)
}

// Err returns the first error writing the output, if any. Nothing else is written after an error.
func (p *Printer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
