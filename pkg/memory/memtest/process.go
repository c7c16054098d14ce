// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memtest

import (
	"fmt"
	"sync"

	"github.com/mbeema/veil/pkg/memory"
)

// Process is a simulated remote process.
type Process struct {
	*Space
	pid uint32

	mu     sync.Mutex
	closed int
}

// NewProcess returns a process with an empty address space.
func NewProcess(pid uint32) *Process {
	return &Process{Space: New(), pid: pid}
}

// PID implements memory.Process.
func (p *Process) PID() uint32 { return p.pid }

// Close implements memory.Process.
func (p *Process) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

// Closed returns how many times Close was called.
func (p *Process) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Opener serves simulated processes by pid.
type Opener struct {
	mu    sync.Mutex
	procs map[uint32]*Process
	opens int
	// Err, when set, is returned by every Open call.
	Err error
}

// NewOpener returns an Opener serving procs.
func NewOpener(procs ...*Process) *Opener {
	o := &Opener{procs: make(map[uint32]*Process)}
	for _, p := range procs {
		o.procs[p.pid] = p
	}
	return o
}

// Open implements memory.Opener.
func (o *Opener) Open(pid uint32) (memory.Process, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.Err != nil {
		return nil, o.Err
	}
	p, ok := o.procs[pid]
	if !ok {
		return nil, fmt.Errorf("memtest: no process %d", pid)
	}
	return p, nil
}

// Opens returns how many times Open was called.
func (o *Opener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}
