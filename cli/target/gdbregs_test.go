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
	"fmt"
	"testing"
)

func TestNewGdbDescriptor(t *testing.T) {
	gd, err := NewGdbDescriptor(testTargetDescriptor())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		r := gd.Regs[i]
		if r.Slot != i || r.WireSize != 1 || r.IsPC {
			t.Errorf("slot %d is %+v", i, r)
		}
		if want := fmt.Sprintf("R%d", i); r.Desc.Name != want {
			t.Errorf("slot %d holds %s, want %s", i, r.Desc.Name, want)
		}
	}
	if r := gd.Regs[GdbRegSREG]; r.Desc.Name != "SREG" || r.WireSize != 1 {
		t.Errorf("SREG slot is %+v", r)
	}
	if r := gd.Regs[GdbRegSP]; r.Desc.Name != "SP" || r.WireSize != GdbSPWireSize {
		t.Errorf("SP slot is %+v", r)
	}
	if r := gd.Regs[GdbRegPC]; !r.IsPC || r.Desc != nil || r.WireSize != GdbPCWireSize {
		t.Errorf("PC slot is %+v", r)
	}
}

func TestNewGdbDescriptorOrdersByAddress(t *testing.T) {
	d := testTargetDescriptor()
	gp := d.Registers[RegGeneralPurpose]
	gp[0], gp[31] = gp[31], gp[0]

	gd, err := NewGdbDescriptor(d)
	if err != nil {
		t.Fatal(err)
	}
	if gd.Regs[0].Desc.Name != "R0" || gd.Regs[31].Desc.Name != "R31" {
		t.Errorf("slots not ordered by register address: %s, %s",
			gd.Regs[0].Desc.Name, gd.Regs[31].Desc.Name)
	}
}

func TestNewGdbDescriptorValidation(t *testing.T) {
	d := testTargetDescriptor()
	d.Registers[RegGeneralPurpose] = d.Registers[RegGeneralPurpose][:31]
	if _, err := NewGdbDescriptor(d); err == nil {
		t.Error("expected an error with 31 general purpose registers")
	}

	d = testTargetDescriptor()
	d.Registers[RegStatus] = nil
	if _, err := NewGdbDescriptor(d); err == nil {
		t.Error("expected an error without a status register")
	}

	d = testTargetDescriptor()
	d.Registers[RegStackPointer] = nil
	if _, err := NewGdbDescriptor(d); err == nil {
		t.Error("expected an error without a stack pointer")
	}
}

func TestGdbRegisterLookup(t *testing.T) {
	gd, err := NewGdbDescriptor(testTargetDescriptor())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := gd.Register(GdbRegPC); err != nil {
		t.Errorf("Register(PC): %v", err)
	}
	if _, err := gd.Register(-1); err == nil {
		t.Error("expected an error for slot -1")
	}
	if _, err := gd.Register(GdbRegCount); err == nil {
		t.Error("expected an error for an out-of-range slot")
	}
}

func TestDescriptorValidate(t *testing.T) {
	if err := testTargetDescriptor().Validate(); err != nil {
		t.Errorf("valid descriptor rejected: %v", err)
	}

	d := testTargetDescriptor()
	d.Signature = [3]byte{}
	if err := d.Validate(); err == nil {
		t.Error("expected an error without a signature")
	}

	d = testTargetDescriptor()
	delete(d.Memories, MemRAM)
	if err := d.Validate(); err == nil {
		t.Error("expected an error without RAM")
	}
}

func TestMemoryDescriptorContains(t *testing.T) {
	md := &MemoryDescriptor{Start: 0x100, Size: 0x800}
	cases := []struct {
		mt         MemoryType
		addr, size uint32
		want       bool
	}{
		{MemFlash, 0x100, 0x800, true},
		{MemFlash, 0x0ff, 1, false},
		{MemFlash, 0x8ff, 2, false},
		{MemRAM, 0x20, 4, true}, // below Start is reachable for RAM
		{MemRAM, 0x8fe, 2, true},
		{MemRAM, 0x8ff, 2, false},
		{MemFlash, 0xffffffff, 2, false}, // end wraps around
	}
	for _, c := range cases {
		if got := md.Contains(c.mt, c.addr, c.size); got != c.want {
			t.Errorf("Contains(%v, 0x%x, %d) = %v, want %v", c.mt, c.addr, c.size, got, c.want)
		}
	}
}
