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
package edbg

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// TargetState is the engine's view of the target execution state.
type TargetState int

const (
	StateUnknown TargetState = iota
	StateStopped
	StateRunning
)

func (s TargetState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	}
	return "unknown"
}

const (
	// Targets need time to settle after a reset before the OCD responds.
	postResetDelay = 250 * time.Millisecond

	breakTimeout       = 5 * time.Second
	attachBreakTimeout = 2 * time.Second
)

// Clock settings pushed during initialization, in kHz.
const (
	pdiClockKHz       = 4000
	updiClockKHz      = 1800
	megaDebugClockKHz = 200
)

// PowerCycler switches the target's power supply. Probes without power
// management leave it nil.
type PowerCycler interface {
	CycleTargetPower(ctx context.Context) error
}

// Options adjust session behavior independent of the device model.
type Options struct {
	PhysicalInterface byte

	ManageDWENFuse                 bool
	ManageOCDENFuse                bool
	CycleTargetPowerPostDWENUpdate bool
	DisableDebugWireOnDeactivate   bool
	PreserveEEPROM                 bool
	ReactivateAfterProgrammingMode bool
	AvoidMaskedMemoryRead          bool

	PowerCycler PowerCycler
}

// AVR8 drives one target over the probe's AVR8 Generic sub-protocol. It is
// not safe for concurrent use; the target-control service serializes access.
type AVR8 struct {
	tr     Transport
	params *DeviceParameters
	opts   Options
	isp    *ISP

	variant   byte
	activated bool
	attached  bool
	progMode  bool

	state     TargetState
	lastBreak *BreakEvent
}

func NewAVR8(tr Transport, params *DeviceParameters, opts Options) *AVR8 {
	return &AVR8{tr: tr, params: params, opts: opts, state: StateUnknown}
}

// SetISP attaches the auxiliary ISP interface used for DWEN fuse surgery.
func (a *AVR8) SetISP(isp *ISP) { a.isp = isp }

func (a *AVR8) Variant() byte { return a.variant }

// Init resolves the protocol variant and pushes configuration, physical and
// device parameters to the probe. It must run before Activate.
func (a *AVR8) Init(ctx context.Context) error {
	variant, err := ResolveVariant(a.params.Family, a.opts.PhysicalInterface)
	if err != nil {
		return errors.Trace(err)
	}
	a.variant = variant
	glog.V(2).Infof("%s: variant 0x%02x over interface 0x%02x",
		a.params.Name, variant, a.opts.PhysicalInterface)

	if err := a.setParamByte(ctx, ctxConfig, paramVariant, variant); err != nil {
		return errors.Trace(err)
	}
	if err := a.setParamByte(ctx, ctxConfig, paramFunction, FunctionDebugging); err != nil {
		return errors.Trace(err)
	}
	if err := a.setParamByte(ctx, ctxPhysical, paramPhysInterface, a.opts.PhysicalInterface); err != nil {
		return errors.Trace(err)
	}
	switch variant {
	case VariantMegaJTAG:
		if err := a.setParamByte(ctx, ctxPhysical, paramJTAGDaisyChain, 0); err != nil {
			return errors.Trace(err)
		}
		if err := a.setParamU16(ctx, ctxPhysical, paramMegaDebugClock, megaDebugClockKHz); err != nil {
			return errors.Trace(err)
		}
	case VariantXMEGA:
		if err := a.setParamU16(ctx, ctxPhysical, paramPDIClock, pdiClockKHz); err != nil {
			return errors.Trace(err)
		}
	case VariantUPDI:
		if err := a.setParamU16(ctx, ctxPhysical, paramPDIClock, updiClockKHz); err != nil {
			return errors.Trace(err)
		}
	}

	desc, err := a.params.descriptor(variant)
	if err != nil {
		return errors.Trace(err)
	}
	if err := a.setParameter(ctx, ctxDevice, 0x00, desc); err != nil {
		return errors.Annotatef(err, "pushing device descriptor")
	}
	return nil
}

func (a *AVR8) activatePhysical(ctx context.Context, applyExternalReset bool) error {
	c := newAVR8Cmd(cmdActivatePhysical)
	if applyExternalReset {
		c.byte(1)
	} else {
		c.byte(0)
	}
	return a.sendOK(ctx, c)
}

// Activate brings up the physical interface, attaches the debugger, runs
// the configured fuse procedures and leaves the target stopped at the reset
// vector. A first activation failure on debugWIRE links triggers the DWEN
// fuse procedure when configured, then exactly one retry with an external
// reset applied.
func (a *AVR8) Activate(ctx context.Context) error {
	err := a.activatePhysical(ctx, false)
	if err != nil {
		code, ok := FailureCode(err)
		retriable := ok && (code == FailureDebugWirePhysical || code == FailureFailedToEnableOCD)
		if !retriable || a.variant != VariantDebugWire {
			return errors.Annotatef(err, "activating physical interface")
		}
		glog.Warningf("physical activation failed (code 0x%02x)", code)
		if a.opts.ManageDWENFuse && a.isp != nil {
			if err := a.updateDWENFuse(ctx, true); err != nil && errors.Cause(err) != errFuseAlreadySet {
				return errors.Annotatef(err, "DWEN fuse update")
			}
			if a.opts.CycleTargetPowerPostDWENUpdate {
				if a.opts.PowerCycler != nil {
					if err := a.opts.PowerCycler.CycleTargetPower(ctx); err != nil {
						return errors.Annotatef(err, "cycling target power after DWEN update")
					}
				} else {
					glog.Warningf("target power cycle requested but the probe cannot switch power")
				}
			}
		}
		glog.V(2).Infof("retrying physical activation with external reset")
		if err := a.activatePhysical(ctx, true); err != nil {
			return errors.Annotatef(err, "activating physical interface (retry)")
		}
	}
	a.activated = true

	if err := a.attach(ctx); err != nil {
		return errors.Trace(err)
	}

	if a.variant == VariantMegaJTAG && a.opts.ManageOCDENFuse {
		if err := a.updateOCDENFuse(ctx, true); err != nil && errors.Cause(err) != errFuseAlreadySet {
			return errors.Annotatef(err, "OCDEN fuse update")
		}
	}

	if err := a.Reset(ctx); err != nil {
		return errors.Annotatef(err, "initial reset")
	}
	return nil
}

func (a *AVR8) attach(ctx context.Context) error {
	breakAfterAttach := a.variant != VariantMegaJTAG
	c := newAVR8Cmd(cmdAttach)
	if breakAfterAttach {
		c.byte(1)
	} else {
		c.byte(0)
	}
	if err := a.sendOK(ctx, c); err != nil {
		return errors.Annotatef(err, "attaching")
	}
	a.attached = true

	if breakAfterAttach {
		ev, err := a.waitForBreak(ctx, attachBreakTimeout)
		if err != nil {
			if errors.IsTimeout(errors.Cause(err)) {
				glog.Warningf("no break event after attach, target state unknown")
				a.state = StateUnknown
				return nil
			}
			return errors.Trace(err)
		}
		a.noteBreak(ev)
	}
	return nil
}

// Deactivate detaches and tears down the physical interface. On debugWIRE,
// the DWEN-disable command is issued first when configured, so the chip
// returns to ISP-capable state on the next power cycle.
func (a *AVR8) Deactivate(ctx context.Context) error {
	if a.attached {
		if err := a.ClearAllSWBreakpoints(ctx); err != nil {
			glog.Warningf("failed to clear breakpoints on deactivation: %v", err)
		}
	}
	if a.variant == VariantDebugWire && a.opts.DisableDebugWireOnDeactivate {
		if err := a.sendOK(ctx, newAVR8Cmd(cmdDisableDebugWire)); err != nil {
			glog.Warningf("failed to disable debugWIRE: %v", err)
		}
	}
	if a.attached {
		if err := a.sendOK(ctx, newAVR8Cmd(cmdDetach)); err != nil {
			return errors.Annotatef(err, "detaching")
		}
		a.attached = false
	}
	if a.activated {
		if err := a.sendOK(ctx, newAVR8Cmd(cmdDeactivatePhysical)); err != nil {
			return errors.Annotatef(err, "deactivating physical interface")
		}
		a.activated = false
	}
	return nil
}

// GetDeviceID reads the device signature. On UPDI targets the dedicated
// command returns a fixed placeholder, so the three signature bytes are read
// from the signature space instead.
func (a *AVR8) GetDeviceID(ctx context.Context) ([3]byte, error) {
	var sig [3]byte
	if a.variant == VariantUPDI {
		data, err := a.readMemoryRaw(ctx, MemSRAM, a.params.SignatureStart, 3, nil)
		if err != nil {
			return sig, errors.Annotatef(err, "reading signature over UPDI")
		}
		copy(sig[:], data)
		return sig, nil
	}
	data, err := a.sendData(ctx, newAVR8Cmd(cmdGetDeviceID))
	if err != nil {
		return sig, errors.Annotatef(err, "reading device ID")
	}
	if len(data) < 4 {
		return sig, errors.Errorf("short device ID response (%d bytes)", len(data))
	}
	// The ID arrives little-endian; the signature reads MSB first.
	sig[0], sig[1], sig[2] = data[2], data[1], data[0]
	return sig, nil
}

func (a *AVR8) noteBreak(ev *BreakEvent) {
	a.lastBreak = ev
	a.state = StateStopped
}

// LastBreak returns the most recent break event, or nil.
func (a *AVR8) LastBreak() *BreakEvent { return a.lastBreak }

// State refreshes and returns the execution state. The probe is only polled
// while the last known state is not stopped; a stopped target stays stopped
// until a run command is issued.
func (a *AVR8) State(ctx context.Context) (TargetState, error) {
	if a.state == StateStopped {
		return a.state, nil
	}
	ev, err := a.pollBreakEvent(ctx)
	if err != nil {
		return a.state, errors.Trace(err)
	}
	if ev != nil {
		a.noteBreak(ev)
	}
	return a.state, nil
}

// Stop halts the target and waits for the break event confirming the halt.
func (a *AVR8) Stop(ctx context.Context) error {
	wasRunning := a.state != StateStopped
	c := newAVR8Cmd(cmdStop)
	c.byte(1)
	if err := a.sendOK(ctx, c); err != nil {
		return errors.Annotatef(err, "stopping target")
	}
	if wasRunning {
		ev, err := a.waitForBreak(ctx, breakTimeout)
		if err != nil {
			return errors.Trace(err)
		}
		a.noteBreak(ev)
	} else {
		a.state = StateStopped
	}
	return nil
}

// Run resumes execution. Stale events are drained first so a previous halt
// is not mistaken for a new one.
func (a *AVR8) Run(ctx context.Context) error {
	if err := a.clearEvents(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := a.sendOK(ctx, newAVR8Cmd(cmdRun)); err != nil {
		return errors.Annotatef(err, "resuming target")
	}
	a.lastBreak = nil
	a.state = StateRunning
	return nil
}

// RunTo resumes execution up to the given byte address.
func (a *AVR8) RunTo(ctx context.Context, byteAddr uint32) error {
	if err := a.clearEvents(ctx); err != nil {
		return errors.Trace(err)
	}
	c := newAVR8Cmd(cmdRunTo)
	c.u32(byteAddr / 2)
	if err := a.sendOK(ctx, c); err != nil {
		return errors.Annotatef(err, "run to 0x%x", byteAddr)
	}
	a.lastBreak = nil
	a.state = StateRunning
	return nil
}

// Step executes a single instruction. The target reports the halt through a
// break event like any other stop.
func (a *AVR8) Step(ctx context.Context) error {
	if err := a.clearEvents(ctx); err != nil {
		return errors.Trace(err)
	}
	c := newAVR8Cmd(cmdStep)
	c.byte(1) // level: instruction
	c.byte(1) // mode: step into
	if err := a.sendOK(ctx, c); err != nil {
		return errors.Annotatef(err, "stepping target")
	}
	a.lastBreak = nil
	a.state = StateRunning
	return nil
}

// Reset resets the target and holds it at the reset vector.
func (a *AVR8) Reset(ctx context.Context) error {
	c := newAVR8Cmd(cmdReset)
	c.byte(1) // halt after reset
	if err := a.sendOK(ctx, c); err != nil {
		return errors.Annotatef(err, "resetting target")
	}
	ev, err := a.waitForBreak(ctx, breakTimeout)
	if err != nil {
		return errors.Annotatef(err, "waiting for reset halt")
	}
	a.noteBreak(ev)
	time.Sleep(postResetDelay)
	return nil
}

// ReadPC returns the program counter as a byte address. The target must be
// stopped for the probe to service the command, so a running target is
// halted first.
func (a *AVR8) ReadPC(ctx context.Context) (uint32, error) {
	if a.state != StateStopped {
		if err := a.Stop(ctx); err != nil {
			return 0, errors.Trace(err)
		}
	}
	rspID, payload, err := a.send(ctx, newAVR8Cmd(cmdPCRead))
	if err != nil {
		return 0, errors.Annotatef(err, "reading PC")
	}
	if rspID != rspPC || len(payload) < 4 {
		return 0, errors.Errorf("unexpected PC response 0x%02x (%d bytes)", rspID, len(payload))
	}
	words := uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24
	return words * 2, nil
}

// WritePC sets the program counter from a byte address.
func (a *AVR8) WritePC(ctx context.Context, byteAddr uint32) error {
	if a.state != StateStopped {
		if err := a.Stop(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	c := newAVR8Cmd(cmdPCWrite)
	c.u32(byteAddr / 2)
	return errors.Annotatef(a.sendOK(ctx, c), "writing PC")
}

// SetSWBreakpoint installs a software breakpoint at a byte address in
// program memory.
func (a *AVR8) SetSWBreakpoint(ctx context.Context, byteAddr uint32) error {
	c := newAVR8Cmd(cmdSWBreakSet)
	c.u32(byteAddr / 2)
	return errors.Annotatef(a.sendOK(ctx, c), "setting breakpoint at 0x%x", byteAddr)
}

// ClearSWBreakpoint removes the software breakpoint at a byte address.
func (a *AVR8) ClearSWBreakpoint(ctx context.Context, byteAddr uint32) error {
	c := newAVR8Cmd(cmdSWBreakClear)
	c.u32(byteAddr / 2)
	return errors.Annotatef(a.sendOK(ctx, c), "clearing breakpoint at 0x%x", byteAddr)
}

// ClearAllSWBreakpoints removes every software breakpoint known to the
// probe.
func (a *AVR8) ClearAllSWBreakpoints(ctx context.Context) error {
	return errors.Annotatef(a.sendOK(ctx, newAVR8Cmd(cmdSWBreakClearAll)), "clearing all breakpoints")
}

// EnterProgMode puts the target into programming mode. Idempotent.
func (a *AVR8) EnterProgMode(ctx context.Context) error {
	if a.progMode {
		return nil
	}
	if err := a.sendOK(ctx, newAVR8Cmd(cmdProgModeEnter)); err != nil {
		return errors.Annotatef(err, "entering programming mode")
	}
	a.progMode = true
	return nil
}

// LeaveProgMode leaves programming mode. On mega JTAG targets the OCD can
// come back in a bad state after programming, so when configured the
// physical interface is cycled and the debugger re-attached.
func (a *AVR8) LeaveProgMode(ctx context.Context) error {
	if !a.progMode {
		return nil
	}
	if err := a.sendOK(ctx, newAVR8Cmd(cmdProgModeLeave)); err != nil {
		return errors.Annotatef(err, "leaving programming mode")
	}
	a.progMode = false

	if a.variant == VariantMegaJTAG && a.opts.ReactivateAfterProgrammingMode {
		glog.V(2).Infof("cycling physical interface after programming mode")
		if err := a.Deactivate(ctx); err != nil {
			return errors.Trace(err)
		}
		if err := a.Activate(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (a *AVR8) InProgMode() bool { return a.progMode }
