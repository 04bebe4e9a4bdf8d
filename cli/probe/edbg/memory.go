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
	"bytes"
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// MemoryClass is the abstract memory space the caller addresses. The engine
// translates a class plus address into the probe memory type the resolved
// variant expects.
type MemoryClass int

const (
	ClassProgramMemory MemoryClass = iota
	ClassSRAM
	ClassEEPROM
	ClassFuses
	ClassLockbits
	ClassSignature
	ClassUserSignature
	ClassProdSignature
	ClassGPRegisters
)

func (c MemoryClass) String() string {
	switch c {
	case ClassProgramMemory:
		return "flash"
	case ClassSRAM:
		return "sram"
	case ClassEEPROM:
		return "eeprom"
	case ClassFuses:
		return "fuses"
	case ClassLockbits:
		return "lockbits"
	case ClassSignature:
		return "signature"
	case ClassUserSignature:
		return "user signature"
	case ClassProdSignature:
		return "prod signature"
	case ClassGPRegisters:
		return "registers"
	}
	return "?"
}

// access is a resolved memory operation: the probe memory type, the
// probe-relative address, the page granule (0 for byte-addressable types)
// and any addresses the OCD cannot touch.
type access struct {
	memType  byte
	addr     uint32
	pageSize uint32
	excluded []uint32
}

// wire command overhead within one HID report.
const cmdOverhead = 30

func (a *AVR8) maxChunk(pageSize uint32) uint32 {
	if pageSize > 0 {
		return pageSize
	}
	n := a.tr.ReportSize() - cmdOverhead
	if n < 1 {
		n = 1
	}
	return uint32(n) * 2
}

// resolve translates a memory class access into the probe's terms for the
// current variant and mode.
func (a *AVR8) resolve(class MemoryClass, addr uint32, write bool) (*access, error) {
	switch class {
	case ClassProgramMemory:
		acc := &access{pageSize: uint32(a.params.FlashPageSize)}
		switch a.variant {
		case VariantDebugWire:
			acc.memType = MemSPM
			acc.addr = addr
		case VariantMegaJTAG:
			if a.progMode {
				acc.memType = MemFlashPage
			} else {
				acc.memType = MemSPM
			}
			acc.addr = addr
		case VariantXMEGA:
			if addr >= a.params.BootSectionStart {
				acc.memType = MemBootFlash
				acc.addr = addr - a.params.BootSectionStart
			} else {
				acc.memType = MemApplFlash
				acc.addr = addr - a.params.AppSectionStart
			}
		case VariantUPDI:
			acc.memType = MemFlashPage
			acc.addr = addr
		default:
			return nil, errors.NotValidf("flash access for variant 0x%02x", a.variant)
		}
		return acc, nil

	case ClassSRAM:
		acc := &access{memType: MemSRAM, addr: addr}
		acc.excluded = a.sramExclusions()
		return acc, nil

	case ClassEEPROM:
		if a.variant == VariantXMEGA {
			// XMEGA EEPROM addresses are segment relative on the wire.
			addr -= a.params.EEPROMStart
		}
		if a.variant == VariantMegaJTAG && a.progMode {
			return &access{
				memType:  MemEEPROMPage,
				addr:     addr,
				pageSize: uint32(a.params.EEPROMPageSize),
			}, nil
		}
		if write && (a.variant == VariantXMEGA || a.variant == VariantUPDI) {
			return &access{
				memType:  MemEEPROMAtomic,
				addr:     addr,
				pageSize: uint32(a.params.EEPROMPageSize),
			}, nil
		}
		return &access{memType: MemEEPROM, addr: addr}, nil

	case ClassFuses:
		if a.variant == VariantDebugWire {
			return nil, errors.NotSupportedf("fuse access over debugWIRE")
		}
		return &access{memType: MemFuses, addr: addr}, nil

	case ClassLockbits:
		return &access{memType: MemLockBits, addr: addr}, nil
	case ClassSignature:
		return &access{memType: MemSignature, addr: addr}, nil
	case ClassUserSignature:
		return &access{memType: MemUserSig, addr: addr}, nil
	case ClassProdSignature:
		return &access{memType: MemProdSig, addr: addr}, nil

	case ClassGPRegisters:
		if a.variant == VariantXMEGA || a.variant == VariantUPDI {
			return &access{memType: MemRegisterFile, addr: addr}, nil
		}
		// On mega and debugWIRE targets the register file is mapped at the
		// bottom of the data space.
		return &access{memType: MemSRAM, addr: addr, excluded: a.sramExclusions()}, nil
	}
	return nil, errors.NotValidf("memory class %d", class)
}

// sramExclusions lists data-space addresses the OCD cannot read. Touching
// the OCD data register through a memory read corrupts the debug session.
func (a *AVR8) sramExclusions() []uint32 {
	if a.params.OCDDataRegister == 0 {
		return nil
	}
	switch a.variant {
	case VariantDebugWire, VariantMegaJTAG:
		return []uint32{uint32(a.params.MappedIOStart) + uint32(a.params.OCDDataRegister)}
	}
	return nil
}

// ReadMemory reads size bytes at addr within the given memory class. Page
// constrained types are read in whole aligned pages and sliced; excluded
// addresses read back as 0x00.
func (a *AVR8) ReadMemory(ctx context.Context, class MemoryClass, addr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	acc, err := a.resolve(class, addr, false)
	if err != nil {
		return nil, errors.Trace(err)
	}
	glog.V(3).Infof("read %s 0x%x+%d -> type 0x%02x addr 0x%x", class, addr, size, acc.memType, acc.addr)

	start, length := acc.addr, size
	if acc.pageSize > 0 {
		start = acc.addr - acc.addr%acc.pageSize
		end := acc.addr + size
		if rem := end % acc.pageSize; rem != 0 {
			end += acc.pageSize - rem
		}
		length = end - start
	}

	buf, err := a.readChunked(ctx, acc, start, length)
	if err != nil {
		return nil, errors.Trace(err)
	}
	off := acc.addr - start
	return buf[off : off+size], nil
}

func (a *AVR8) readChunked(ctx context.Context, acc *access, start, length uint32) ([]byte, error) {
	maxChunk := a.maxChunk(acc.pageSize)
	buf := make([]byte, 0, length)
	for off := uint32(0); off < length; {
		n := length - off
		if n > maxChunk {
			n = maxChunk
		}
		data, err := a.readRange(ctx, acc, start+off, n)
		if err != nil {
			return nil, errors.Trace(err)
		}
		buf = append(buf, data...)
		off += n
	}
	return buf, nil
}

// readRange reads one command's worth of memory, applying the exclusion
// strategy when excluded addresses fall inside the range.
func (a *AVR8) readRange(ctx context.Context, acc *access, addr, size uint32) ([]byte, error) {
	var inRange []uint32
	for _, x := range acc.excluded {
		if x >= addr && x < addr+size {
			inRange = append(inRange, x)
		}
	}
	if len(inRange) == 0 {
		return a.readMemoryRaw(ctx, acc.memType, addr, size, nil)
	}
	if acc.memType == MemSRAM && !a.opts.AvoidMaskedMemoryRead {
		mask := make([]byte, size)
		for i := range mask {
			mask[i] = 1
		}
		for _, x := range inRange {
			mask[x-addr] = 0
		}
		return a.readMemoryRaw(ctx, acc.memType, addr, size, mask)
	}
	// Split around the excluded addresses, substituting 0x00.
	buf := make([]byte, size)
	segStart := addr
	for _, x := range inRange {
		if x > segStart {
			data, err := a.readMemoryRaw(ctx, acc.memType, segStart, x-segStart, nil)
			if err != nil {
				return nil, errors.Trace(err)
			}
			copy(buf[segStart-addr:], data)
		}
		segStart = x + 1
	}
	if segStart < addr+size {
		data, err := a.readMemoryRaw(ctx, acc.memType, segStart, addr+size-segStart, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		copy(buf[segStart-addr:], data)
	}
	return buf, nil
}

func (a *AVR8) readMemoryRaw(ctx context.Context, memType byte, addr, size uint32, mask []byte) ([]byte, error) {
	var c *avr8Cmd
	if mask != nil {
		c = newAVR8Cmd(cmdReadMemoryMasked)
	} else {
		c = newAVR8Cmd(cmdReadMemory)
	}
	c.byte(memType)
	c.u32(addr)
	c.u32(size)
	if mask != nil {
		c.bytes(mask)
	}
	data, err := a.sendData(ctx, c)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %d bytes of type 0x%02x at 0x%x", size, memType, addr)
	}
	if uint32(len(data)) != size {
		return nil, errors.Errorf("read returned %d bytes, want %d", len(data), size)
	}
	return data, nil
}

// WriteMemory writes data at addr within the given memory class. Writes to
// page constrained types that do not cover whole pages are widened by
// reading back the surrounding page content first.
func (a *AVR8) WriteMemory(ctx context.Context, class MemoryClass, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	acc, err := a.resolve(class, addr, true)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(3).Infof("write %s 0x%x+%d -> type 0x%02x addr 0x%x", class, addr, len(data), acc.memType, acc.addr)

	size := uint32(len(data))
	start, buf := acc.addr, data
	if acc.pageSize > 0 {
		start = acc.addr - acc.addr%acc.pageSize
		end := acc.addr + size
		if rem := end % acc.pageSize; rem != 0 {
			end += acc.pageSize - rem
		}
		if start != acc.addr || end != acc.addr+size {
			existing, err := a.readForOverlay(ctx, class, acc, start, end-start)
			if err != nil {
				return errors.Trace(err)
			}
			buf = existing
			copy(buf[acc.addr-start:], data)
		}
	}

	maxChunk := a.maxChunk(acc.pageSize)
	for off := uint32(0); off < uint32(len(buf)); {
		n := uint32(len(buf)) - off
		if n > maxChunk {
			n = maxChunk
		}
		if err := a.writeMemoryRaw(ctx, acc.memType, start+off, buf[off:off+n]); err != nil {
			return errors.Trace(err)
		}
		off += n
	}
	return nil
}

// readForOverlay fetches current content for a partial page write. Atomic
// EEPROM writes cannot be read back through the same type, so the plain
// EEPROM type serves the read.
func (a *AVR8) readForOverlay(ctx context.Context, class MemoryClass, acc *access, start, length uint32) ([]byte, error) {
	readType := acc.memType
	if readType == MemEEPROMAtomic {
		readType = MemEEPROM
	}
	racc := &access{memType: readType, addr: start, excluded: acc.excluded}
	return a.readChunked(ctx, racc, start, length)
}

func (a *AVR8) writeMemoryRaw(ctx context.Context, memType byte, addr uint32, data []byte) error {
	c := newAVR8Cmd(cmdWriteMemory)
	c.byte(memType)
	c.u32(addr)
	c.u32(uint32(len(data)))
	c.byte(0x00)
	c.bytes(data)
	return errors.Annotatef(a.sendOK(ctx, c),
		"writing %d bytes of type 0x%02x at 0x%x", len(data), memType, addr)
}

// EraseProgramMemory erases flash using the strategy the variant supports.
// debugWIRE has no erase command, so flash is blanked by writing 0xFF. On
// chip-erase variants the EEPROM can be preserved by reading it out first
// and restoring it after.
func (a *AVR8) EraseProgramMemory(ctx context.Context) error {
	switch a.variant {
	case VariantDebugWire:
		blank := bytes.Repeat([]byte{0xff}, int(a.params.FlashSize))
		return errors.Annotatef(
			a.WriteMemory(ctx, ClassProgramMemory, a.params.FlashStart, blank),
			"blanking flash")

	case VariantXMEGA:
		if err := a.erase(ctx, EraseApplicationSection, 0); err != nil {
			return errors.Annotatef(err, "erasing application section")
		}
		if a.params.BootSectionSize > 0 {
			if err := a.erase(ctx, EraseBootSection, 0); err != nil {
				return errors.Annotatef(err, "erasing boot section")
			}
		}
		return nil

	case VariantMegaJTAG, VariantUPDI:
		var eeprom []byte
		if a.opts.PreserveEEPROM && a.params.EEPROMSize > 0 {
			var err error
			eeprom, err = a.ReadMemory(ctx, ClassEEPROM, 0, uint32(a.params.EEPROMSize))
			if err != nil {
				return errors.Annotatef(err, "saving EEPROM before chip erase")
			}
		}
		if err := a.erase(ctx, EraseChip, 0); err != nil {
			return errors.Annotatef(err, "chip erase")
		}
		if eeprom != nil {
			if err := a.WriteMemory(ctx, ClassEEPROM, 0, eeprom); err != nil {
				return errors.Annotatef(err, "restoring EEPROM after chip erase")
			}
		}
		return nil
	}
	return errors.NotSupportedf("erase for variant 0x%02x", a.variant)
}

func (a *AVR8) erase(ctx context.Context, mode byte, addr uint32) error {
	c := newAVR8Cmd(cmdEraseMemory)
	c.byte(mode)
	c.u32(addr)
	return errors.Trace(a.sendOK(ctx, c))
}
