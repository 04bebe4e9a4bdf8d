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
	"testing"

	"github.com/juju/errors"
)

func pattern(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestFlashReadIsPageAligned(t *testing.T) {
	ctx := context.Background()
	a, f := testAVR8(VariantDebugWire, testParams(), Options{})
	f.poke(MemSPM, 0, pattern(256))

	data, err := a.ReadMemory(ctx, ClassProgramMemory, 100, 10)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(data, pattern(256)[100:110]) {
		t.Errorf("read data mismatch: %x", data)
	}
	if len(f.reads) != 1 {
		t.Fatalf("%d read commands, want 1", len(f.reads))
	}
	op := f.reads[0]
	if op.memType != MemSPM || op.addr != 0 || op.size != 128 {
		t.Errorf("read op is type 0x%02x addr 0x%x size %d, want one whole page", op.memType, op.addr, op.size)
	}
}

func TestSRAMReadIsChunked(t *testing.T) {
	ctx := context.Background()
	a, f := testAVR8(VariantDebugWire, testParams(), Options{})
	f.poke(MemSRAM, 0, pattern(1000))

	data, err := a.ReadMemory(ctx, ClassSRAM, 0, 1000)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(data, pattern(1000)) {
		t.Errorf("read data mismatch")
	}
	// Report size 512 leaves (512-30)*2 = 964 bytes per command.
	if len(f.reads) != 2 {
		t.Fatalf("%d read commands, want 2", len(f.reads))
	}
	if f.reads[0].size != 964 || f.reads[1].size != 36 {
		t.Errorf("chunk sizes are %d+%d, want 964+36", f.reads[0].size, f.reads[1].size)
	}
	if f.reads[1].addr != 964 {
		t.Errorf("second chunk starts at 0x%x, want 0x%x", f.reads[1].addr, 964)
	}
}

func TestSRAMExclusionMaskedRead(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.OCDDataRegister = 0x31
	a, f := testAVR8(VariantDebugWire, params, Options{})
	f.poke(MemSRAM, 0x40, pattern(0x20))

	// The OCD data register lives at MappedIOStart+OCDDataRegister = 0x51.
	data, err := a.ReadMemory(ctx, ClassSRAM, 0x40, 0x20)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if len(f.reads) != 1 || f.reads[0].cmd != cmdReadMemoryMasked {
		t.Fatalf("read ops %+v, want one masked read", f.reads)
	}
	mask := f.reads[0].mask
	for i, m := range mask {
		want := byte(1)
		if i == 0x11 {
			want = 0
		}
		if m != want {
			t.Errorf("mask[0x%02x] = %d, want %d", i, m, want)
		}
	}
	if data[0x11] != 0x00 {
		t.Errorf("excluded byte reads 0x%02x, want 0x00", data[0x11])
	}
	if data[0x10] != pattern(0x20)[0x10] {
		t.Errorf("neighbor byte corrupted: 0x%02x", data[0x10])
	}
}

func TestSRAMExclusionSplitRead(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.OCDDataRegister = 0x31
	a, f := testAVR8(VariantDebugWire, params, Options{AvoidMaskedMemoryRead: true})
	f.poke(MemSRAM, 0x40, pattern(0x20))

	data, err := a.ReadMemory(ctx, ClassSRAM, 0x40, 0x20)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if len(f.reads) != 2 {
		t.Fatalf("%d read commands, want 2 segments", len(f.reads))
	}
	if f.reads[0].cmd != cmdReadMemory || f.reads[1].cmd != cmdReadMemory {
		t.Errorf("split read used masked commands: %+v", f.reads)
	}
	if f.reads[0].addr != 0x40 || f.reads[0].size != 0x11 {
		t.Errorf("first segment is 0x%x+%d, want 0x40+17", f.reads[0].addr, f.reads[0].size)
	}
	if f.reads[1].addr != 0x52 || f.reads[1].size != 0x0e {
		t.Errorf("second segment is 0x%x+%d, want 0x52+14", f.reads[1].addr, f.reads[1].size)
	}
	if data[0x11] != 0x00 {
		t.Errorf("excluded byte reads 0x%02x, want 0x00", data[0x11])
	}
}

func TestPartialPageWriteOverlays(t *testing.T) {
	ctx := context.Background()
	a, f := testAVR8(VariantDebugWire, testParams(), Options{})
	f.poke(MemSPM, 0, pattern(128))

	if err := a.WriteMemory(ctx, ClassProgramMemory, 10, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if len(f.reads) != 1 || f.reads[0].size != 128 {
		t.Fatalf("overlay reads %+v, want one whole page read", f.reads)
	}
	if len(f.writes) != 1 {
		t.Fatalf("%d write commands, want 1", len(f.writes))
	}
	w := f.writes[0]
	if w.memType != MemSPM || w.addr != 0 || w.size != 128 {
		t.Errorf("write op is type 0x%02x addr 0x%x size %d, want one whole page", w.memType, w.addr, w.size)
	}
	want := pattern(128)
	copy(want[10:], []byte{1, 2, 3, 4})
	if !bytes.Equal(f.peek(MemSPM, 0, 128), want) {
		t.Errorf("flash content mismatch after partial page write")
	}
}

func TestXMEGAFlashAddressRebasing(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.Family = FamilyXMEGA
	params.AppSectionStart = 0
	params.BootSectionStart = 0x10000
	params.BootSectionSize = 0x1000
	a, f := testAVR8(VariantXMEGA, params, Options{})

	if _, err := a.ReadMemory(ctx, ClassProgramMemory, 0x80, 128); err != nil {
		t.Fatalf("app flash read: %v", err)
	}
	if _, err := a.ReadMemory(ctx, ClassProgramMemory, 0x10080, 128); err != nil {
		t.Fatalf("boot flash read: %v", err)
	}
	if len(f.reads) != 2 {
		t.Fatalf("%d read commands, want 2", len(f.reads))
	}
	if f.reads[0].memType != MemApplFlash || f.reads[0].addr != 0x80 {
		t.Errorf("app read is type 0x%02x addr 0x%x", f.reads[0].memType, f.reads[0].addr)
	}
	if f.reads[1].memType != MemBootFlash || f.reads[1].addr != 0x80 {
		t.Errorf("boot read is type 0x%02x addr 0x%x, want rebased 0x80", f.reads[1].memType, f.reads[1].addr)
	}
}

func TestEEPROMAtomicWriteReadsPlainType(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.Family = FamilyXMEGA
	params.EEPROMStart = 0x1000
	a, f := testAVR8(VariantXMEGA, params, Options{})
	f.poke(MemEEPROM, 0, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	// Addresses are rebased to the EEPROM segment start on the wire.
	if err := a.WriteMemory(ctx, ClassEEPROM, 0x1001, []byte{0x11, 0x22}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if len(f.reads) != 1 || f.reads[0].memType != MemEEPROM || f.reads[0].addr != 0 {
		t.Fatalf("overlay reads %+v, want one plain EEPROM read at 0", f.reads)
	}
	if len(f.writes) != 1 {
		t.Fatalf("%d write commands, want 1", len(f.writes))
	}
	w := f.writes[0]
	if w.memType != MemEEPROMAtomic || w.addr != 0 || w.size != 4 {
		t.Errorf("write op is type 0x%02x addr 0x%x size %d, want atomic whole page at 0", w.memType, w.addr, w.size)
	}
	if !bytes.Equal(f.peek(MemEEPROM, 0, 4), []byte{0xaa, 0x11, 0x22, 0xdd}) {
		t.Errorf("EEPROM content mismatch: %x", f.peek(MemEEPROM, 0, 4))
	}

	got, err := a.ReadMemory(ctx, ClassEEPROM, 0x1001, 2)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{0x11, 0x22}) {
		t.Errorf("read back %x, want 1122", got)
	}
	if last := f.reads[len(f.reads)-1]; last.memType != MemEEPROM || last.addr != 1 {
		t.Errorf("read op is type 0x%02x addr 0x%x, want plain EEPROM at 1", last.memType, last.addr)
	}
}

func TestEEPROMPagedInProgrammingMode(t *testing.T) {
	ctx := context.Background()
	a, f := testAVR8(VariantMegaJTAG, testParams(), Options{})
	f.poke(MemEEPROM, 0, []byte{0xaa, 0xbb, 0xcc, 0xdd})

	// Outside programming mode EEPROM goes through the plain byte type.
	if err := a.WriteMemory(ctx, ClassEEPROM, 0, []byte{0x00}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if w := f.writes[0]; w.memType != MemEEPROM {
		t.Fatalf("write outside prog mode used type 0x%02x, want plain EEPROM", w.memType)
	}
	f.reads, f.writes = nil, nil

	a.progMode = true
	if err := a.WriteMemory(ctx, ClassEEPROM, 1, []byte{0x11, 0x22}); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	if len(f.reads) != 1 || f.reads[0].memType != MemEEPROMPage {
		t.Fatalf("overlay reads %+v, want one paged EEPROM read", f.reads)
	}
	if len(f.writes) != 1 {
		t.Fatalf("%d write commands, want 1", len(f.writes))
	}
	if w := f.writes[0]; w.memType != MemEEPROMPage || w.addr != 0 || w.size != 4 {
		t.Errorf("write op is type 0x%02x addr 0x%x size %d, want whole EEPROM page at 0", w.memType, w.addr, w.size)
	}
	if !bytes.Equal(f.peek(MemEEPROM, 0, 4), []byte{0x00, 0x11, 0x22, 0xdd}) {
		t.Errorf("EEPROM content mismatch: %x", f.peek(MemEEPROM, 0, 4))
	}

	got, err := a.ReadMemory(ctx, ClassEEPROM, 0, 4)
	if err != nil {
		t.Fatalf("ReadMemory: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0x11, 0x22, 0xdd}) {
		t.Errorf("read back %x", got)
	}
	if last := f.reads[len(f.reads)-1]; last.memType != MemEEPROMPage {
		t.Errorf("read op used type 0x%02x, want paged EEPROM", last.memType)
	}
}

func TestFuseAccessRejectedOverDebugWire(t *testing.T) {
	ctx := context.Background()
	a, _ := testAVR8(VariantDebugWire, testParams(), Options{})

	_, err := a.ReadMemory(ctx, ClassFuses, 0, 1)
	if !errors.IsNotSupported(errors.Cause(err)) {
		t.Errorf("fuse read over debugWIRE returned %v, want not supported", err)
	}
}

func TestGPRegisterSpace(t *testing.T) {
	ctx := context.Background()

	a, f := testAVR8(VariantDebugWire, testParams(), Options{})
	if _, err := a.ReadMemory(ctx, ClassGPRegisters, 0, 32); err != nil {
		t.Fatalf("register read over debugWIRE: %v", err)
	}
	if f.reads[0].memType != MemSRAM {
		t.Errorf("debugWIRE registers read type 0x%02x, want SRAM", f.reads[0].memType)
	}

	params := testParams()
	params.Family = FamilyXMEGA
	a, f = testAVR8(VariantXMEGA, params, Options{})
	if _, err := a.ReadMemory(ctx, ClassGPRegisters, 0, 32); err != nil {
		t.Fatalf("register read over PDI: %v", err)
	}
	if f.reads[0].memType != MemRegisterFile {
		t.Errorf("XMEGA registers read type 0x%02x, want register file", f.reads[0].memType)
	}
}

func TestEraseDebugWireBlanksFlash(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.FlashSize = 512
	a, f := testAVR8(VariantDebugWire, params, Options{})
	f.poke(MemSPM, 0, pattern(512))

	if err := a.EraseProgramMemory(ctx); err != nil {
		t.Fatalf("EraseProgramMemory: %v", err)
	}
	if len(f.erases) != 0 {
		t.Errorf("debugWIRE erase used the erase command: %v", f.erases)
	}
	if len(f.writes) != 4 {
		t.Errorf("%d write commands, want 4 pages", len(f.writes))
	}
	if !bytes.Equal(f.peek(MemSPM, 0, 512), bytes.Repeat([]byte{0xff}, 512)) {
		t.Errorf("flash not blank after erase")
	}
}

func TestEraseXMEGASections(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.Family = FamilyXMEGA
	params.BootSectionSize = 0x1000
	a, f := testAVR8(VariantXMEGA, params, Options{})

	if err := a.EraseProgramMemory(ctx); err != nil {
		t.Fatalf("EraseProgramMemory: %v", err)
	}
	want := []byte{EraseApplicationSection, EraseBootSection}
	if !bytes.Equal(f.erases, want) {
		t.Errorf("erase modes are %v, want %v", f.erases, want)
	}
}

func TestErasePreservesEEPROM(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	params.Family = FamilyDA
	params.EEPROMSize = 16
	a, f := testAVR8(VariantUPDI, params, Options{PreserveEEPROM: true})
	eeprom := pattern(16)
	f.poke(MemEEPROM, 0, eeprom)

	if err := a.EraseProgramMemory(ctx); err != nil {
		t.Fatalf("EraseProgramMemory: %v", err)
	}
	if !bytes.Equal(f.erases, []byte{EraseChip}) {
		t.Errorf("erase modes are %v, want chip erase", f.erases)
	}
	if !bytes.Equal(f.peek(MemEEPROM, 0, 16), eeprom) {
		t.Errorf("EEPROM not restored after chip erase: %x", f.peek(MemEEPROM, 0, 16))
	}
	// UPDI EEPROM writes go through the atomic type, one page at a time.
	for _, w := range f.writes {
		if w.memType != MemEEPROMAtomic || w.size != 4 {
			t.Errorf("restore write is type 0x%02x size %d, want atomic pages of 4", w.memType, w.size)
		}
	}
}

func TestEraseChipWithoutPreserve(t *testing.T) {
	ctx := context.Background()
	params := testParams()
	a, f := testAVR8(VariantMegaJTAG, params, Options{})
	f.poke(MemEEPROM, 0, pattern(16))

	if err := a.EraseProgramMemory(ctx); err != nil {
		t.Fatalf("EraseProgramMemory: %v", err)
	}
	if !bytes.Equal(f.erases, []byte{EraseChip}) {
		t.Errorf("erase modes are %v, want chip erase", f.erases)
	}
	if len(f.writes) != 0 {
		t.Errorf("EEPROM was written back without preservation enabled")
	}
}
