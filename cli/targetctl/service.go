//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package targetctl serializes access to the target behind a command queue.
// All hardware interaction happens on one owner goroutine; callers post
// command envelopes and block on a reply channel. An event bus broadcasts
// state transitions and side effects to any number of subscribers.
package targetctl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/probe/edbg"
	"github.com/avr-tools/avrdbg/cli/target"
)

// ServiceState is the controller's lifecycle state, distinct from the
// target's execution state.
type ServiceState int

const (
	// ServiceInactive: the controller has not yet acquired the target.
	ServiceInactive ServiceState = iota
	// ServiceActive: the debug session is live and commands are accepted.
	ServiceActive
	// ServiceSuspended: the session is released; only Resume is accepted.
	ServiceSuspended
)

func (s ServiceState) String() string {
	switch s {
	case ServiceInactive:
		return "inactive"
	case ServiceActive:
		return "active"
	case ServiceSuspended:
		return "suspended"
	}
	return "unknown"
}

// DefaultCommandTimeout bounds a command's total queue plus execution time
// unless the caller sets an explicit deadline.
const DefaultCommandTimeout = 60 * time.Second

// statePollInterval is how often the owner goroutine checks a running
// target for break events.
const statePollInterval = 100 * time.Millisecond

type result struct {
	value interface{}
	err   error
}

// envelope is one queued command. The reply channel is buffered so the
// owner goroutine never blocks on a caller that gave up.
type envelope struct {
	id       uint64
	name     string
	deadline time.Time

	requiresActive   bool
	requiresStopped  bool
	requiresDebug    bool
	requiresProgMode bool

	fn    func(ctx context.Context) (interface{}, error)
	reply chan result
}

// Controller owns the target. Construct with New, then call Run on a
// dedicated goroutine before posting commands.
type Controller struct {
	tgt *target.Target
	bus *Bus

	cmdCh  chan *envelope
	doneCh chan struct{}

	nextID uint64 // atomic

	// Owner goroutine state, untouched elsewhere.
	state     ServiceState
	execState edbg.TargetState
}

func New(tgt *target.Target, bus *Bus) *Controller {
	return &Controller{
		tgt:    tgt,
		bus:    bus,
		cmdCh:  make(chan *envelope),
		doneCh: make(chan struct{}),
		state:  ServiceInactive,
	}
}

func (c *Controller) Bus() *Bus                    { return c.bus }
func (c *Controller) Descriptor() *target.Descriptor { return c.tgt.Descriptor() }

// Run executes commands until ctx is cancelled, then deactivates the
// target.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case env := <-c.cmdCh:
			c.execute(ctx, env)
		case <-ticker.C:
			c.pollState(ctx)
		}
	}
}

func (c *Controller) shutdown() {
	if c.state != ServiceActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCommandTimeout)
	defer cancel()
	if err := c.tgt.Deactivate(ctx); err != nil {
		glog.Warningf("deactivate on shutdown: %v", err)
	}
	c.state = ServiceInactive
}

// pollState watches a running target for break events between commands.
func (c *Controller) pollState(ctx context.Context) {
	if c.state != ServiceActive || c.execState != edbg.StateRunning {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, statePollInterval)
	defer cancel()
	st, err := c.tgt.State(pctx)
	if err != nil {
		if ctx.Err() == nil {
			glog.Warningf("state poll: %v", err)
			c.bus.Publish(ControllerError{Err: err})
		}
		return
	}
	c.noteExecState(st)
}

// noteExecState records the observed execution state and publishes the
// transition if it changed.
func (c *Controller) noteExecState(st edbg.TargetState) {
	if st == c.execState {
		return
	}
	c.execState = st
	ev := TargetStateChanged{State: st}
	if st == edbg.StateStopped {
		ev.Break = c.tgt.LastBreak()
	}
	c.bus.Publish(ev)
}

func (c *Controller) execute(ctx context.Context, env *envelope) {
	if !env.deadline.IsZero() && time.Now().After(env.deadline) {
		env.reply <- result{err: errors.Timeoutf("command %s (#%d) expired in queue", env.name, env.id)}
		return
	}
	if err := c.checkPreconditions(ctx, env); err != nil {
		env.reply <- result{err: errors.Trace(err)}
		return
	}
	cctx := ctx
	var cancel context.CancelFunc
	if !env.deadline.IsZero() {
		cctx, cancel = context.WithDeadline(ctx, env.deadline)
		defer cancel()
	}
	glog.V(2).Infof("command %s (#%d)", env.name, env.id)
	v, err := env.fn(cctx)
	if err != nil {
		glog.V(2).Infof("command %s (#%d) failed: %v", env.name, env.id, err)
	}
	env.reply <- result{value: v, err: err}
}

func (c *Controller) checkPreconditions(ctx context.Context, env *envelope) error {
	if env.requiresActive && c.state != ServiceActive {
		return errors.NewNotValid(nil, "controller is "+c.state.String())
	}
	if env.requiresDebug && c.tgt.InProgrammingMode() {
		return errors.NewNotValid(nil, "target is in programming mode")
	}
	if env.requiresProgMode && !c.tgt.InProgrammingMode() {
		return errors.NewNotValid(nil, "target is not in programming mode")
	}
	if env.requiresStopped {
		st, err := c.tgt.State(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		c.noteExecState(st)
		if st != edbg.StateStopped {
			return errors.NewNotValid(nil, "target is not stopped")
		}
	}
	return nil
}

// post queues the envelope and blocks until the reply arrives or ctx is
// cancelled. The owner goroutine still runs an abandoned command to
// completion; its reply lands in the buffered channel.
func (c *Controller) post(ctx context.Context, env *envelope) (interface{}, error) {
	if env.deadline.IsZero() {
		d, ok := ctx.Deadline()
		if !ok {
			d = time.Now().Add(DefaultCommandTimeout)
		}
		env.deadline = d
	}
	env.reply = make(chan result, 1)
	env.id = atomic.AddUint64(&c.nextID, 1)
	select {
	case c.cmdCh <- env:
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "posting %s", env.name)
	case <-c.doneCh:
		return nil, errors.Errorf("controller is shut down")
	}
	select {
	case r := <-env.reply:
		return r.value, errors.Trace(r.err)
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for %s", env.name)
	}
}

// Activate brings the session up. Valid from the inactive state only.
func (c *Controller) Activate(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name: "activate",
		fn: func(ctx context.Context) (interface{}, error) {
			if c.state != ServiceInactive {
				return nil, errors.NewNotValid(nil, "controller is "+c.state.String())
			}
			if err := c.tgt.Activate(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.state = ServiceActive
			st, err := c.tgt.State(ctx)
			if err == nil {
				c.noteExecState(st)
			}
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Suspend releases the debug session so another tool can use the probe.
func (c *Controller) Suspend(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:           "suspend",
		requiresActive: true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.Deactivate(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.state = ServiceSuspended
			c.execState = edbg.StateUnknown
			c.bus.Publish(ControllerSuspended{Descriptor: c.tgt.Descriptor()})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Resume reacquires a suspended session.
func (c *Controller) Resume(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name: "resume",
		fn: func(ctx context.Context) (interface{}, error) {
			if c.state != ServiceSuspended {
				return nil, errors.NewNotValid(nil, "controller is "+c.state.String())
			}
			if err := c.tgt.Activate(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.state = ServiceActive
			c.bus.Publish(ControllerResumed{Descriptor: c.tgt.Descriptor()})
			st, err := c.tgt.State(ctx)
			if err == nil {
				c.noteExecState(st)
			}
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// State reports the controller and target execution states.
func (c *Controller) State(ctx context.Context) (ServiceState, edbg.TargetState, error) {
	v, err := c.post(ctx, &envelope{
		name: "state",
		fn: func(ctx context.Context) (interface{}, error) {
			if c.state != ServiceActive {
				return [2]int{int(c.state), int(edbg.StateUnknown)}, nil
			}
			st, err := c.tgt.State(ctx)
			if err != nil {
				return nil, errors.Trace(err)
			}
			c.noteExecState(st)
			return [2]int{int(c.state), int(st)}, nil
		},
	})
	if err != nil {
		return ServiceInactive, edbg.StateUnknown, errors.Trace(err)
	}
	r := v.([2]int)
	return ServiceState(r[0]), edbg.TargetState(r[1]), nil
}

// Stop halts execution. The state change is published before the reply.
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:           "stop",
		requiresActive: true,
		requiresDebug:  true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.Stop(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.noteExecState(edbg.StateStopped)
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Continue resumes execution, optionally from a new PC and up to a stop
// address.
func (c *Controller) Continue(ctx context.Context, from, to *uint32) error {
	_, err := c.post(ctx, &envelope{
		name:            "continue",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.Continue(ctx, from, to); err != nil {
				return nil, errors.Trace(err)
			}
			c.noteExecState(edbg.StateRunning)
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Step executes one instruction, optionally from a new PC.
func (c *Controller) Step(ctx context.Context, from *uint32) error {
	_, err := c.post(ctx, &envelope{
		name:            "step",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.StepFrom(ctx, from); err != nil {
				return nil, errors.Trace(err)
			}
			st, err := c.tgt.State(ctx)
			if err != nil {
				return nil, errors.Trace(err)
			}
			c.noteExecState(st)
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Reset resets the target. The target comes back stopped at the reset
// vector.
func (c *Controller) Reset(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:           "reset",
		requiresActive: true,
		requiresDebug:  true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.Reset(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.noteExecState(edbg.StateStopped)
			c.bus.Publish(TargetReset{})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// LastBreak reports the most recent stop event.
func (c *Controller) LastBreak(ctx context.Context) (*edbg.BreakEvent, error) {
	v, err := c.post(ctx, &envelope{
		name:           "last-break",
		requiresActive: true,
		fn: func(ctx context.Context) (interface{}, error) {
			return c.tgt.LastBreak(), nil
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v.(*edbg.BreakEvent), nil
}

// ReadRegisters reads the given registers, grouped for efficiency.
func (c *Controller) ReadRegisters(ctx context.Context, descs []*target.RegisterDescriptor) ([]target.RegisterValue, error) {
	v, err := c.post(ctx, &envelope{
		name:            "read-registers",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			rvs, err := c.tgt.ReadRegisters(ctx, descs)
			return rvs, errors.Trace(err)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v.([]target.RegisterValue), nil
}

// WriteRegisters writes the given registers.
func (c *Controller) WriteRegisters(ctx context.Context, regs []target.RegisterValue) error {
	_, err := c.post(ctx, &envelope{
		name:            "write-registers",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.WriteRegisters(ctx, regs); err != nil {
				return nil, errors.Trace(err)
			}
			c.bus.Publish(RegistersWritten{Registers: regs})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// GetPC reads the program counter as a byte address.
func (c *Controller) GetPC(ctx context.Context) (uint32, error) {
	v, err := c.post(ctx, &envelope{
		name:            "get-pc",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			pc, err := c.tgt.GetPC(ctx)
			return pc, errors.Trace(err)
		},
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return v.(uint32), nil
}

// SetPC writes the program counter as a byte address.
func (c *Controller) SetPC(ctx context.Context, addr uint32) error {
	_, err := c.post(ctx, &envelope{
		name:            "set-pc",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			return nil, errors.Trace(c.tgt.SetPC(ctx, addr))
		},
	})
	return errors.Trace(err)
}

// ReadMemory reads size bytes from the given memory space.
func (c *Controller) ReadMemory(ctx context.Context, mt target.MemoryType, addr, size uint32) ([]byte, error) {
	v, err := c.post(ctx, &envelope{
		name:            "read-memory",
		requiresActive:  true,
		requiresStopped: true,
		fn: func(ctx context.Context) (interface{}, error) {
			data, err := c.tgt.ReadMemory(ctx, mt, addr, size)
			return data, errors.Trace(err)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v.([]byte), nil
}

// WriteMemory writes data into the given memory space.
func (c *Controller) WriteMemory(ctx context.Context, mt target.MemoryType, addr uint32, data []byte) error {
	_, err := c.post(ctx, &envelope{
		name:            "write-memory",
		requiresActive:  true,
		requiresStopped: true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.WriteMemory(ctx, mt, addr, data); err != nil {
				return nil, errors.Trace(err)
			}
			c.bus.Publish(MemoryWritten{Type: mt, Addr: addr, Size: uint32(len(data))})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// Erase erases the given memory space.
func (c *Controller) Erase(ctx context.Context, mt target.MemoryType) error {
	_, err := c.post(ctx, &envelope{
		name:            "erase",
		requiresActive:  true,
		requiresStopped: true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.Erase(ctx, mt); err != nil {
				return nil, errors.Trace(err)
			}
			md := c.tgt.Descriptor().Memories[mt]
			if md != nil {
				c.bus.Publish(MemoryWritten{Type: mt, Addr: md.Start, Size: md.Size})
			}
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// SetBreakpoint installs a breakpoint at a flash byte address.
func (c *Controller) SetBreakpoint(ctx context.Context, addr uint32) error {
	_, err := c.post(ctx, &envelope{
		name:            "set-breakpoint",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			return nil, errors.Trace(c.tgt.SetBreakpoint(ctx, addr))
		},
	})
	return errors.Trace(err)
}

// RemoveBreakpoint removes the breakpoint at a flash byte address.
func (c *Controller) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	_, err := c.post(ctx, &envelope{
		name:            "remove-breakpoint",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			return nil, errors.Trace(c.tgt.RemoveBreakpoint(ctx, addr))
		},
	})
	return errors.Trace(err)
}

// ClearAllBreakpoints removes every installed breakpoint.
func (c *Controller) ClearAllBreakpoints(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:            "clear-breakpoints",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			return nil, errors.Trace(c.tgt.ClearAllBreakpoints(ctx))
		},
	})
	return errors.Trace(err)
}

// EnableProgrammingMode puts a stopped target into programming mode.
func (c *Controller) EnableProgrammingMode(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:            "enable-programming-mode",
		requiresActive:  true,
		requiresStopped: true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.EnableProgrammingMode(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.bus.Publish(ProgrammingModeEnabled{})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// DisableProgrammingMode returns the target to normal debugging.
func (c *Controller) DisableProgrammingMode(ctx context.Context) error {
	_, err := c.post(ctx, &envelope{
		name:             "disable-programming-mode",
		requiresActive:   true,
		requiresProgMode: true,
		fn: func(ctx context.Context) (interface{}, error) {
			if err := c.tgt.DisableProgrammingMode(ctx); err != nil {
				return nil, errors.Trace(err)
			}
			c.bus.Publish(ProgrammingModeDisabled{})
			return nil, nil
		},
	})
	return errors.Trace(err)
}

// GetPinStates samples the pin levels for one package variant.
func (c *Controller) GetPinStates(ctx context.Context, variant string) (map[string]target.PinState, error) {
	v, err := c.post(ctx, &envelope{
		name:            "get-pin-states",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			ps, err := c.tgt.GetPinStates(ctx, variant)
			return ps, errors.Trace(err)
		},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return v.(map[string]target.PinState), nil
}

// SetPinState drives one output pad high or low.
func (c *Controller) SetPinState(ctx context.Context, pad string, high bool) error {
	_, err := c.post(ctx, &envelope{
		name:            "set-pin-state",
		requiresActive:  true,
		requiresStopped: true,
		requiresDebug:   true,
		fn: func(ctx context.Context) (interface{}, error) {
			return nil, errors.Trace(c.tgt.SetPinState(ctx, pad, high))
		},
	})
	return errors.Trace(err)
}
