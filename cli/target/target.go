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
package target

import (
	"bytes"
	"context"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/probe/edbg"
)

// RegisterValue is one register's content in the façade's canonical form:
// MSB first, zero padded to the descriptor's declared size.
type RegisterValue struct {
	Desc  *RegisterDescriptor
	Value []byte
}

// Target presents a uniform debug abstraction composed from the descriptor
// and the probe's AVR8 interface.
type Target struct {
	desc *Descriptor
	dbg  *edbg.AVR8
}

func New(desc *Descriptor, dbg *edbg.AVR8) *Target {
	return &Target{desc: desc, dbg: dbg}
}

func (t *Target) Descriptor() *Descriptor { return t.desc }

// Activate initializes the debug interface, brings the target up and
// validates the device signature against the descriptor. A mismatch is
// fatal for the session.
func (t *Target) Activate(ctx context.Context) error {
	if err := t.dbg.Init(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := t.dbg.Activate(ctx); err != nil {
		return errors.Trace(err)
	}
	sig, err := t.dbg.GetDeviceID(ctx)
	if err != nil {
		return errors.Annotatef(err, "reading device signature")
	}
	if sig != t.desc.Signature {
		return errors.Errorf("%s: signature mismatch: device reads %02x%02x%02x, descriptor says %02x%02x%02x",
			t.desc.Name, sig[0], sig[1], sig[2],
			t.desc.Signature[0], t.desc.Signature[1], t.desc.Signature[2])
	}
	glog.Infof("%s: signature %02x%02x%02x verified", t.desc.Name, sig[0], sig[1], sig[2])
	return nil
}

func (t *Target) Deactivate(ctx context.Context) error {
	return errors.Trace(t.dbg.Deactivate(ctx))
}

func (t *Target) State(ctx context.Context) (edbg.TargetState, error) {
	return t.dbg.State(ctx)
}

func (t *Target) LastBreak() *edbg.BreakEvent { return t.dbg.LastBreak() }

func (t *Target) Stop(ctx context.Context) error  { return errors.Trace(t.dbg.Stop(ctx)) }
func (t *Target) Run(ctx context.Context) error   { return errors.Trace(t.dbg.Run(ctx)) }
func (t *Target) Step(ctx context.Context) error  { return errors.Trace(t.dbg.Step(ctx)) }
func (t *Target) Reset(ctx context.Context) error { return errors.Trace(t.dbg.Reset(ctx)) }

// Continue resumes execution, optionally from a new PC and optionally up to
// a stop address.
func (t *Target) Continue(ctx context.Context, from *uint32, to *uint32) error {
	if from != nil {
		if err := t.dbg.WritePC(ctx, *from); err != nil {
			return errors.Trace(err)
		}
	}
	if to != nil {
		return errors.Trace(t.dbg.RunTo(ctx, *to))
	}
	return errors.Trace(t.dbg.Run(ctx))
}

// StepFrom single-steps, optionally from a new PC.
func (t *Target) StepFrom(ctx context.Context, from *uint32) error {
	if from != nil {
		if err := t.dbg.WritePC(ctx, *from); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(t.dbg.Step(ctx))
}

func (t *Target) GetPC(ctx context.Context) (uint32, error) {
	pc, err := t.dbg.ReadPC(ctx)
	return pc, errors.Trace(err)
}

func (t *Target) SetPC(ctx context.Context, addr uint32) error {
	return errors.Trace(t.dbg.WritePC(ctx, addr))
}

// GetSP reads the stack pointer register, MSB first.
func (t *Target) GetSP(ctx context.Context) ([]byte, error) {
	sp := t.desc.StackPointer()
	if sp == nil {
		return nil, errors.Errorf("no stack pointer register")
	}
	vals, err := t.ReadRegisters(ctx, []*RegisterDescriptor{sp})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return vals[0].Value, nil
}

// registerClass maps a register type to the memory class its registers are
// read through.
func registerClass(rt RegisterType) edbg.MemoryClass {
	if rt == RegGeneralPurpose {
		return edbg.ClassGPRegisters
	}
	return edbg.ClassSRAM
}

// ReadRegisters reads a set of registers. Registers are grouped by type and
// each group is fetched with a single covering memory read, so the number
// of probe transactions is bounded by the number of distinct register types
// in the set. Values are returned MSB first.
func (t *Target) ReadRegisters(ctx context.Context, descs []*RegisterDescriptor) ([]RegisterValue, error) {
	groups := map[RegisterType][]*RegisterDescriptor{}
	for _, rd := range descs {
		if rd.Type == RegProgramCounter {
			return nil, errors.Errorf("program counter is read through GetPC")
		}
		groups[rd.Type] = append(groups[rd.Type], rd)
	}

	values := map[*RegisterDescriptor][]byte{}
	for rt, group := range groups {
		lo, hi := group[0].Start, group[0].Start+uint32(group[0].Size)
		for _, rd := range group[1:] {
			if rd.Start < lo {
				lo = rd.Start
			}
			if end := rd.Start + uint32(rd.Size); end > hi {
				hi = end
			}
		}
		buf, err := t.dbg.ReadMemory(ctx, registerClass(rt), lo, hi-lo)
		if err != nil {
			return nil, errors.Annotatef(err, "reading %v register block 0x%x+%d", rt, lo, hi-lo)
		}
		for _, rd := range group {
			off := rd.Start - lo
			raw := buf[off : off+uint32(rd.Size)]
			values[rd] = msbFirst(raw, rd.Size)
		}
	}

	out := make([]RegisterValue, len(descs))
	for i, rd := range descs {
		out[i] = RegisterValue{Desc: rd, Value: values[rd]}
	}
	return out, nil
}

// WriteRegisters writes a set of registers. PC values are routed to the
// dedicated program counter command; everything else goes through the
// memory path, LSB first on the wire. Oversize values are rejected.
func (t *Target) WriteRegisters(ctx context.Context, regs []RegisterValue) error {
	for _, rv := range regs {
		if rv.Desc == nil {
			return errors.NotValidf("register value without a descriptor")
		}
		if len(rv.Value) > rv.Desc.Size {
			return errors.NotValidf("value of %d bytes for %d-byte register %s",
				len(rv.Value), rv.Desc.Size, rv.Desc.Name)
		}
		padded := make([]byte, rv.Desc.Size)
		copy(padded[rv.Desc.Size-len(rv.Value):], rv.Value)
		if rv.Desc.Type == RegProgramCounter {
			var pc uint32
			for _, b := range padded {
				pc = pc<<8 | uint32(b)
			}
			if err := t.dbg.WritePC(ctx, pc); err != nil {
				return errors.Annotatef(err, "writing program counter")
			}
			continue
		}
		lsb := reverse(padded)
		if err := t.dbg.WriteMemory(ctx, registerClass(rv.Desc.Type), rv.Desc.Start, lsb); err != nil {
			return errors.Annotatef(err, "writing register %s", rv.Desc.Name)
		}
	}
	return nil
}

func memClass(mt MemoryType) (edbg.MemoryClass, error) {
	switch mt {
	case MemFlash:
		return edbg.ClassProgramMemory, nil
	case MemRAM:
		return edbg.ClassSRAM, nil
	case MemEEPROM:
		return edbg.ClassEEPROM, nil
	case MemFuses:
		return edbg.ClassFuses, nil
	}
	return 0, errors.NotSupportedf("memory type %v", mt)
}

func (t *Target) checkRange(mt MemoryType, addr, size uint32) error {
	md, ok := t.desc.Memories[mt]
	if !ok {
		return errors.NotFoundf("%v memory on %s", mt, t.desc.Name)
	}
	if !md.Contains(mt, addr, size) {
		return errors.NotValidf("%v access 0x%x+%d outside [0x%x, 0x%x)",
			mt, addr, size, md.Start, md.End())
	}
	return nil
}

// ReadMemory reads from a generic memory space, validating the range
// against the descriptor.
func (t *Target) ReadMemory(ctx context.Context, mt MemoryType, addr, size uint32) ([]byte, error) {
	if err := t.checkRange(mt, addr, size); err != nil {
		return nil, errors.Trace(err)
	}
	class, err := memClass(mt)
	if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := t.dbg.ReadMemory(ctx, class, addr, size)
	return data, errors.Trace(err)
}

// WriteMemory writes to a generic memory space. RAM writes are rejected in
// programming mode; flash writes are only allowed in programming mode.
func (t *Target) WriteMemory(ctx context.Context, mt MemoryType, addr uint32, data []byte) error {
	if mt == MemRAM && t.dbg.InProgMode() {
		return errors.NotSupportedf("RAM write in programming mode")
	}
	if mt == MemFlash && !t.dbg.InProgMode() {
		return errors.NotSupportedf("flash write outside programming mode")
	}
	if err := t.checkRange(mt, addr, uint32(len(data))); err != nil {
		return errors.Trace(err)
	}
	class, err := memClass(mt)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.dbg.WriteMemory(ctx, class, addr, data))
}

// Erase erases one memory space. Flash goes through the variant's erase
// strategy; RAM and EEPROM are blanked with a 0xFF fill.
func (t *Target) Erase(ctx context.Context, mt MemoryType) error {
	switch mt {
	case MemFlash:
		return errors.Trace(t.dbg.EraseProgramMemory(ctx))
	case MemRAM, MemEEPROM:
		md, ok := t.desc.Memories[mt]
		if !ok {
			return errors.NotFoundf("%v memory on %s", mt, t.desc.Name)
		}
		class, err := memClass(mt)
		if err != nil {
			return errors.Trace(err)
		}
		blank := bytes.Repeat([]byte{0xff}, int(md.Size))
		return errors.Trace(t.dbg.WriteMemory(ctx, class, md.Start, blank))
	}
	return errors.NotSupportedf("erasing %v", mt)
}

// SetBreakpoint installs a breakpoint at a byte address. Hardware requests
// are honored through the software breakpoint path; the probe advertises
// both but services them identically on AVR.
func (t *Target) SetBreakpoint(ctx context.Context, addr uint32) error {
	return errors.Trace(t.dbg.SetSWBreakpoint(ctx, addr))
}

func (t *Target) RemoveBreakpoint(ctx context.Context, addr uint32) error {
	return errors.Trace(t.dbg.ClearSWBreakpoint(ctx, addr))
}

func (t *Target) ClearAllBreakpoints(ctx context.Context) error {
	return errors.Trace(t.dbg.ClearAllSWBreakpoints(ctx))
}

func (t *Target) EnableProgrammingMode(ctx context.Context) error {
	return errors.Trace(t.dbg.EnterProgMode(ctx))
}

func (t *Target) DisableProgrammingMode(ctx context.Context) error {
	return errors.Trace(t.dbg.LeaveProgMode(ctx))
}

func (t *Target) InProgrammingMode() bool { return t.dbg.InProgMode() }

// PinState is the observed digital state of one pad.
type PinState struct {
	Pad  string
	High bool
}

// GetPinStates reads the PORT registers and derives the output state of
// each pad in the named package variant.
func (t *Target) GetPinStates(ctx context.Context, variantName string) (map[string]PinState, error) {
	variant := t.findVariant(variantName)
	if variant == nil {
		return nil, errors.NotFoundf("package variant %q", variantName)
	}
	ports := t.desc.Registers[RegPort]
	if len(ports) == 0 {
		return nil, errors.NotSupportedf("pin state inspection on %s", t.desc.Name)
	}
	vals, err := t.ReadRegisters(ctx, ports)
	if err != nil {
		return nil, errors.Trace(err)
	}
	portValues := map[string]byte{}
	for _, rv := range vals {
		portValues[rv.Desc.Name] = rv.Value[len(rv.Value)-1]
	}

	states := map[string]PinState{}
	for _, pad := range variant.Pinout {
		port, bit, ok := splitPad(pad)
		if !ok {
			continue
		}
		v, ok := portValues["PORT"+port]
		if !ok {
			continue
		}
		states[pad] = PinState{Pad: pad, High: v&(1<<bit) != 0}
	}
	return states, nil
}

// SetPinState drives one pad's output level through its PORT register.
func (t *Target) SetPinState(ctx context.Context, pad string, high bool) error {
	port, bit, ok := splitPad(pad)
	if !ok {
		return errors.NotValidf("pad name %q", pad)
	}
	var portReg *RegisterDescriptor
	for _, rd := range t.desc.Registers[RegPort] {
		if rd.Name == "PORT"+port {
			portReg = rd
			break
		}
	}
	if portReg == nil {
		return errors.NotFoundf("port register for pad %q", pad)
	}
	vals, err := t.ReadRegisters(ctx, []*RegisterDescriptor{portReg})
	if err != nil {
		return errors.Trace(err)
	}
	v := vals[0].Value[len(vals[0].Value)-1]
	if high {
		v |= 1 << bit
	} else {
		v &^= 1 << bit
	}
	return errors.Trace(t.WriteRegisters(ctx, []RegisterValue{{Desc: portReg, Value: []byte{v}}}))
}

func (t *Target) findVariant(name string) *Variant {
	for i := range t.desc.Variants {
		if name == "" || t.desc.Variants[i].Name == name {
			return &t.desc.Variants[i]
		}
	}
	return nil
}

// splitPad parses a pad name like "PB3" into port letter and bit index.
func splitPad(pad string) (string, uint, bool) {
	if len(pad) != 3 || pad[0] != 'P' {
		return "", 0, false
	}
	port := strings.ToUpper(pad[1:2])
	if pad[2] < '0' || pad[2] > '7' {
		return "", 0, false
	}
	return port, uint(pad[2] - '0'), true
}

func msbFirst(raw []byte, size int) []byte {
	out := make([]byte, size)
	copy(out[size-len(raw):], reverse(raw))
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
