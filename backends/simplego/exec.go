// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

type (
	loaderFn func(idx int) float64
	storerFn func(idx int, value float64)
)

func floatLoader[T constraints.Float](flat []T) loaderFn {
	return func(idx int) float64 { return float64(flat[idx]) }
}

func floatStorer[T constraints.Float](flat []T) storerFn {
	return func(idx int, value float64) { flat[idx] = T(value) }
}

// lockedLoader returns a function that reads elements of the buffer as float64.
// It must be called with muMem held and mem not nil.
func (buf *Buffer) lockedLoader() loaderFn {
	switch flat := buf.lockedFlat().(type) {
	case []float32:
		return floatLoader(flat)
	case []float64:
		return floatLoader(flat)
	case []float16.Float16:
		return func(idx int) float64 { return float64(flat[idx].Float32()) }
	}
	return nil
}

// lockedStorer returns a function that writes float64 values to the buffer, converting to its dtype.
// It must be called with muMem held and mem not nil.
func (buf *Buffer) lockedStorer() storerFn {
	switch flat := buf.lockedFlat().(type) {
	case []float32:
		return floatStorer(flat)
	case []float64:
		return floatStorer(flat)
	case []float16.Float16:
		return func(idx int, value float64) { flat[idx] = float16.Fromfloat32(float32(value)) }
	}
	return nil
}

// execute the command on the device. Errors returned are execution faults, reported through the event.
func (q *Queue) execute(cmd *command) error {
	p := cmd.kernel.program

	// Lock the device memory of the arguments, so it's not reclaimed during execution.
	// The same buffer may be bound to more than one argument.
	locked := make(map[*Buffer]bool, len(cmd.args))
	defer func() {
		for buf := range locked {
			buf.muMem.RUnlock()
		}
	}()
	loaders := make([]loaderFn, len(cmd.args))
	storers := make([]storerFn, len(cmd.args))
	for ii, buf := range cmd.args {
		if !locked[buf] {
			buf.muMem.RLock()
			locked[buf] = true
		}
		name := p.params[ii].name
		if buf.mem == nil {
			return errors.Errorf("kernel %q argument %q: buffer %s was reclaimed before the command executed",
				p.name, name, buf.id)
		}
		if cmd.globalWorkSize > buf.length {
			return errors.Errorf("kernel %q argument %q: global work size %d out-of-bounds for buffer of %d elements",
				p.name, name, cmd.globalWorkSize, buf.length)
		}
		loaders[ii] = buf.lockedLoader()
		storers[ii] = buf.lockedStorer()
	}
	for _, stmt := range p.statements {
		if buf := cmd.args[stmt.target]; buf.flags == backends.MemReadOnly {
			return errors.Errorf("kernel %q writes to argument %q, bound to read-only buffer %s",
				p.name, p.params[stmt.target].name, buf.id)
		}
	}

	q.device.platform.backend.workers.Split(cmd.globalWorkSize, func(start, end int) {
		for gid := start; gid < end; gid++ {
			for _, stmt := range p.statements {
				storers[stmt.target](gid, stmt.expr.eval(gid, loaders))
			}
		}
	})
	return nil
}

func (op operand) eval(gid int, loaders []loaderFn) float64 {
	switch op.kind {
	case operandConstant:
		return op.value
	case operandArg:
		return loaders[op.argIndex](gid)
	default:
		return float64(gid)
	}
}

func (e expression) eval(gid int, loaders []loaderFn) float64 {
	lhs := e.lhs.eval(gid, loaders)
	switch e.op {
	case '+':
		return lhs + e.rhs.eval(gid, loaders)
	case '-':
		return lhs - e.rhs.eval(gid, loaders)
	case '*':
		return lhs * e.rhs.eval(gid, loaders)
	}
	return lhs
}
