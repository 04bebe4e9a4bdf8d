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

// Package target models an AVR target device and presents a uniform debug
// abstraction on top of the probe's AVR8 interface.
package target

import (
	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/config"
	"github.com/avr-tools/avrdbg/cli/probe/edbg"
)

// MemoryType is the generic memory space the debugger addresses.
type MemoryType int

const (
	MemFlash MemoryType = iota
	MemRAM
	MemEEPROM
	MemFuses
	MemOther
)

func (mt MemoryType) String() string {
	switch mt {
	case MemFlash:
		return "flash"
	case MemRAM:
		return "ram"
	case MemEEPROM:
		return "eeprom"
	case MemFuses:
		return "fuses"
	}
	return "other"
}

// MemoryDescriptor describes one memory space. Addresses are absolute
// within the space's address bus.
type MemoryDescriptor struct {
	Start    uint32
	Size     uint32
	PageSize uint32
	Readable bool
	Writable bool
}

func (md *MemoryDescriptor) End() uint32 { return md.Start + md.Size }

// Contains reports whether [addr, addr+size) lies inside the descriptor's
// range. RAM is checked from address 0 so that mapped I/O and the register
// file below the RAM segment stay reachable.
func (md *MemoryDescriptor) Contains(mt MemoryType, addr, size uint32) bool {
	start := md.Start
	if mt == MemRAM {
		start = 0
	}
	return addr >= start && addr+size <= md.End() && addr+size >= addr
}

// RegisterType groups target registers by role.
type RegisterType int

const (
	RegGeneralPurpose RegisterType = iota
	RegProgramCounter
	RegStackPointer
	RegStatus
	RegPort
	RegOther
)

func (rt RegisterType) String() string {
	switch rt {
	case RegGeneralPurpose:
		return "gp"
	case RegProgramCounter:
		return "pc"
	case RegStackPointer:
		return "sp"
	case RegStatus:
		return "status"
	case RegPort:
		return "port"
	}
	return "other"
}

// RegisterDescriptor describes one register. Start is the data-space
// address (register-file relative for general purpose registers).
type RegisterDescriptor struct {
	Name     string
	Group    string
	Type     RegisterType
	Start    uint32
	Size     int
	Readable bool
	Writable bool
}

// Variant is a physical package variant with its pinout.
type Variant struct {
	Name    string
	Package string
	// Pinout maps pin position to pad name (e.g. "1" -> "PB0").
	Pinout map[string]string
}

// Descriptor is the immutable model of one target device.
type Descriptor struct {
	Name      string
	Signature [3]byte
	Family    edbg.Family

	SupportedInterfaces map[config.PhysicalInterface]bool

	Memories  map[MemoryType]*MemoryDescriptor
	Registers map[RegisterType][]*RegisterDescriptor
	Variants  []Variant

	// Params carries the device constants pushed to the probe.
	Params edbg.DeviceParameters
}

// Validate checks that the descriptor carries everything a debug session
// needs.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return errors.Errorf("descriptor has no target name")
	}
	if d.Signature == [3]byte{} {
		return errors.Errorf("%s: descriptor has no signature", d.Name)
	}
	for _, mt := range []MemoryType{MemFlash, MemRAM} {
		md, ok := d.Memories[mt]
		if !ok || md.Size == 0 {
			return errors.Errorf("%s: descriptor has no %v memory", d.Name, mt)
		}
	}
	if len(d.Registers[RegGeneralPurpose]) != 32 {
		return errors.Errorf("%s: descriptor has %d general purpose registers, want 32",
			d.Name, len(d.Registers[RegGeneralPurpose]))
	}
	if len(d.Registers[RegStackPointer]) == 0 {
		return errors.Errorf("%s: descriptor has no stack pointer register", d.Name)
	}
	if len(d.Registers[RegStatus]) == 0 {
		return errors.Errorf("%s: descriptor has no status register", d.Name)
	}
	return nil
}

// StackPointer returns the stack pointer register descriptor.
func (d *Descriptor) StackPointer() *RegisterDescriptor {
	regs := d.Registers[RegStackPointer]
	if len(regs) == 0 {
		return nil
	}
	return regs[0]
}

// Status returns the status (SREG) register descriptor.
func (d *Descriptor) Status() *RegisterDescriptor {
	regs := d.Registers[RegStatus]
	if len(regs) == 0 {
		return nil
	}
	return regs[0]
}

// SupportsInterface reports whether the target can be debugged over the
// given physical interface.
func (d *Descriptor) SupportsInterface(pi config.PhysicalInterface) bool {
	return d.SupportedInterfaces[pi]
}
