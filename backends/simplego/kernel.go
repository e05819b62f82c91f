// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"sync"

	"github.com/gomlx/rctrace/backends"
	"github.com/pkg/errors"
)

// Kernel implements backends.Kernel.
//
// Each bound argument holds one reference to its buffer.
type Kernel struct {
	queue   *Queue
	program *program

	mu       sync.Mutex
	args     []*Buffer
	released bool
}

var _ backends.Kernel = (*Kernel)(nil)

// BuildKernel implements backends.Queue.
func (q *Queue) BuildKernel(source, kernelName string) (backends.Kernel, error) {
	const op = "Queue.BuildKernel"
	programs, err := compile(source)
	if err != nil {
		return nil, backends.NewError(backends.CompilationError, op, err)
	}
	p, found := programs[kernelName]
	if !found {
		return nil, backends.Errorf(backends.CompilationError, op, "kernel %q not found in program", kernelName)
	}
	return &Kernel{
		queue:   q,
		program: p,
		args:    make([]*Buffer, len(p.params)),
	}, nil
}

// Name of the kernel.
func (k *Kernel) Name() string { return k.program.name }

// ArgNames implements backends.Kernel.
func (k *Kernel) ArgNames() []string {
	names := make([]string, len(k.program.params))
	for ii, param := range k.program.params {
		names[ii] = param.name
	}
	return names
}

// SetArg implements backends.Kernel.
func (k *Kernel) SetArg(name string, buffer backends.Buffer) error {
	const op = "Kernel.SetArg"
	idx := k.program.paramIndex(name)
	if idx < 0 {
		return backends.Errorf(backends.BindError, op, "kernel %q has no argument named %q, arguments are %q",
			k.program.name, name, k.ArgNames())
	}
	var buf *Buffer
	if buffer != nil {
		var ok bool
		buf, ok = buffer.(*Buffer)
		if !ok || buf == nil {
			return backends.Errorf(backends.BindError, op, "buffer %T is not a %q driver buffer", buffer, BackendName)
		}
		if buf.backend != k.queue.device.platform.backend {
			return backends.Errorf(backends.BindError, op, "buffer %s was created by a different %q driver", buf.id, BackendName)
		}
		if buf.ownerReleased.Load() {
			return backends.Errorf(backends.BindError, op, "buffer %s already released by its owner", buf.id)
		}
		if want := k.program.params[idx].dtype; buf.dtype != want {
			return backends.Errorf(backends.BindError, op, "argument %q of kernel %q takes %s, got buffer of %s",
				name, k.program.name, want, buf.dtype)
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return backends.Errorf(backends.BindError, op, "kernel %q already released", k.program.name)
	}
	// Retain first, in case it is the same buffer being re-bound.
	if buf != nil {
		buf.retain()
	}
	if previous := k.args[idx]; previous != nil {
		previous.release()
	}
	k.args[idx] = buf
	return nil
}

// Arg implements backends.Kernel.
func (k *Kernel) Arg(name string) backends.Buffer {
	idx := k.program.paramIndex(name)
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

// Release implements backends.Kernel: it releases the references held by the bound arguments.
func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return errors.Errorf("Kernel.Release(%q): kernel already released", k.program.name)
	}
	k.released = true
	for ii, buf := range k.args {
		if buf != nil {
			buf.release()
			k.args[ii] = nil
		}
	}
	return nil
}

// snapshotArgs returns the currently bound arguments, or an error if any is unbound.
func (k *Kernel) snapshotArgs() ([]*Buffer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return nil, errors.Errorf("kernel %q already released", k.program.name)
	}
	for ii, buf := range k.args {
		if buf == nil {
			return nil, errors.Errorf("argument %q of kernel %q is not bound", k.program.params[ii].name, k.program.name)
		}
	}
	return append([]*Buffer(nil), k.args...), nil
}
