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
	"sort"

	"github.com/juju/errors"
)

// GDB's AVR register numbering: r0..r31 are slots 0..31, SREG 32, SP 33,
// PC 34. SP travels as 2 bytes and PC as 4, both little-endian on the wire.
const (
	GdbRegCount   = 35
	GdbRegSREG    = 32
	GdbRegSP      = 33
	GdbRegPC      = 34
	GdbPCWireSize = 4
	GdbSPWireSize = 2
)

// GdbRegister binds one RSP register slot to its target register. IsPC
// slots have no descriptor; the program counter is read through a dedicated
// debug interface call.
type GdbRegister struct {
	Slot     int
	WireSize int
	Desc     *RegisterDescriptor
	IsPC     bool
}

// GdbDescriptor is the bijective numbering of RSP register slots onto the
// target's register descriptors.
type GdbDescriptor struct {
	Regs [GdbRegCount]GdbRegister
}

// NewGdbDescriptor builds the AVR slot numbering from a target descriptor.
func NewGdbDescriptor(d *Descriptor) (*GdbDescriptor, error) {
	gd := &GdbDescriptor{}

	gp := make([]*RegisterDescriptor, len(d.Registers[RegGeneralPurpose]))
	copy(gp, d.Registers[RegGeneralPurpose])
	sort.Slice(gp, func(i, j int) bool { return gp[i].Start < gp[j].Start })
	if len(gp) != 32 {
		return nil, errors.Errorf("expected 32 general purpose registers, have %d", len(gp))
	}
	for i, rd := range gp {
		gd.Regs[i] = GdbRegister{Slot: i, WireSize: 1, Desc: rd}
	}

	sreg := d.Status()
	if sreg == nil {
		return nil, errors.Errorf("no status register")
	}
	gd.Regs[GdbRegSREG] = GdbRegister{Slot: GdbRegSREG, WireSize: 1, Desc: sreg}

	sp := d.StackPointer()
	if sp == nil {
		return nil, errors.Errorf("no stack pointer register")
	}
	gd.Regs[GdbRegSP] = GdbRegister{Slot: GdbRegSP, WireSize: GdbSPWireSize, Desc: sp}

	gd.Regs[GdbRegPC] = GdbRegister{Slot: GdbRegPC, WireSize: GdbPCWireSize, IsPC: true}
	return gd, nil
}

// Register returns the slot binding, or an error for out-of-range slots.
func (gd *GdbDescriptor) Register(slot int) (*GdbRegister, error) {
	if slot < 0 || slot >= GdbRegCount {
		return nil, errors.NotFoundf("register slot %d", slot)
	}
	return &gd.Regs[slot], nil
}
