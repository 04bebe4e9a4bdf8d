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
	"encoding/binary"

	"github.com/juju/errors"
)

type memOp struct {
	cmd     byte
	memType byte
	addr    uint32
	size    uint32
	mask    []byte
}

// fakeDevice emulates a probe plus target behind the Transport interface.
type fakeDevice struct {
	reportSize int

	mem      map[byte][]byte
	pcWords  uint32
	deviceID uint32

	events           [][]byte
	activateFailures []byte
	activateResets   []bool

	swBreaks map[uint32]bool
	erases   []byte
	reads    []memOp
	writes   []memOp

	ispSig        [3]byte
	ispFuses      map[FuseByteIndex]byte
	ispLock       byte
	ispFuseWrites []FuseByteIndex
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		reportSize: 512,
		mem:        map[byte][]byte{},
		swBreaks:   map[uint32]bool{},
		ispFuses:   map[FuseByteIndex]byte{},
		ispLock:    0xff,
	}
}

func (f *fakeDevice) ReportSize() int { return f.reportSize }
func (f *fakeDevice) Close() error    { return nil }

func (f *fakeDevice) PollEvent(ctx context.Context) ([]byte, error) {
	if len(f.events) == 0 {
		return nil, nil
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeDevice) pushBreak(pcWords uint32, cause byte) {
	ev := make([]byte, 7)
	ev[0] = evtBreak
	binary.LittleEndian.PutUint32(ev[2:], pcWords)
	ev[6] = cause
	f.events = append(f.events, ev)
}

// canonical collapses aliased memory types onto one backing array.
func canonical(memType byte) byte {
	switch memType {
	case MemEEPROMAtomic, MemEEPROMPage:
		return MemEEPROM
	case MemFlashPage:
		return MemSPM
	}
	return memType
}

func (f *fakeDevice) backing(memType byte, end uint32) []byte {
	mt := canonical(memType)
	buf := f.mem[mt]
	for uint32(len(buf)) < end {
		buf = append(buf, 0xff)
	}
	f.mem[mt] = buf
	return buf
}

func (f *fakeDevice) poke(memType byte, addr uint32, data []byte) {
	buf := f.backing(memType, addr+uint32(len(data)))
	copy(buf[addr:], data)
}

func (f *fakeDevice) peek(memType byte, addr, size uint32) []byte {
	buf := f.backing(memType, addr+size)
	out := make([]byte, size)
	copy(out, buf[addr:addr+size])
	return out
}

func (f *fakeDevice) SendFrame(ctx context.Context, scope byte, payload []byte) ([]byte, error) {
	switch scope {
	case ScopeAVR8Generic:
		return f.handleAVR8(payload)
	case ScopeAVRISP:
		return f.handleISP(payload)
	}
	return nil, errors.Errorf("unexpected scope 0x%02x", scope)
}

func ok() []byte                { return []byte{rspOK, 0x00} }
func failed(code byte) []byte   { return []byte{rspFailed, 0x00, code} }
func dataRsp(data []byte) []byte {
	out := []byte{rspData, 0x00}
	out = append(out, data...)
	return append(out, 0x00)
}

func (f *fakeDevice) handleAVR8(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, errors.Errorf("short AVR8 frame")
	}
	cmd, args := payload[0], payload[2:]
	switch cmd {
	case cmdSet, cmdGet:
		if cmd == cmdGet {
			return dataRsp(make([]byte, args[2])), nil
		}
		return ok(), nil
	case cmdActivatePhysical:
		f.activateResets = append(f.activateResets, args[0] == 1)
		if len(f.activateFailures) > 0 {
			code := f.activateFailures[0]
			f.activateFailures = f.activateFailures[1:]
			return failed(code), nil
		}
		return ok(), nil
	case cmdDeactivatePhysical, cmdDetach, cmdDisableDebugWire, cmdProgModeEnter, cmdProgModeLeave:
		return ok(), nil
	case cmdAttach:
		if args[0] == 1 {
			f.pushBreak(f.pcWords, BreakCauseUnspecified)
		}
		return ok(), nil
	case cmdGetDeviceID:
		id := make([]byte, 4)
		binary.LittleEndian.PutUint32(id, f.deviceID)
		return dataRsp(id), nil
	case cmdReadMemory, cmdReadMemoryMasked:
		memType := args[0]
		addr := binary.LittleEndian.Uint32(args[1:5])
		size := binary.LittleEndian.Uint32(args[5:9])
		op := memOp{cmd: cmd, memType: memType, addr: addr, size: size}
		out := f.peek(memType, addr, size)
		if cmd == cmdReadMemoryMasked {
			op.mask = append([]byte(nil), args[9:9+size]...)
			for i, m := range op.mask {
				if m == 0 {
					out[i] = 0x00
				}
			}
		}
		f.reads = append(f.reads, op)
		return dataRsp(out), nil
	case cmdWriteMemory:
		memType := args[0]
		addr := binary.LittleEndian.Uint32(args[1:5])
		size := binary.LittleEndian.Uint32(args[5:9])
		data := args[10 : 10+size]
		f.writes = append(f.writes, memOp{cmd: cmd, memType: memType, addr: addr, size: size})
		f.poke(memType, addr, data)
		return ok(), nil
	case cmdEraseMemory:
		f.erases = append(f.erases, args[0])
		for mt := range f.mem {
			for i := range f.mem[mt] {
				f.mem[mt][i] = 0xff
			}
		}
		return ok(), nil
	case cmdReset:
		f.pcWords = 0
		f.pushBreak(0, BreakCauseUnspecified)
		return ok(), nil
	case cmdStop:
		f.pushBreak(f.pcWords, BreakCauseUnspecified)
		return ok(), nil
	case cmdRun, cmdRunTo:
		return ok(), nil
	case cmdStep:
		f.pcWords++
		f.pushBreak(f.pcWords, BreakCauseUnspecified)
		return ok(), nil
	case cmdPCRead:
		out := []byte{rspPC, 0x00, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(out[2:], f.pcWords)
		return out, nil
	case cmdPCWrite:
		f.pcWords = binary.LittleEndian.Uint32(args[0:4])
		return ok(), nil
	case cmdSWBreakSet:
		f.swBreaks[binary.LittleEndian.Uint32(args[0:4])] = true
		return ok(), nil
	case cmdSWBreakClear:
		delete(f.swBreaks, binary.LittleEndian.Uint32(args[0:4]))
		return ok(), nil
	case cmdSWBreakClearAll:
		f.swBreaks = map[uint32]bool{}
		return ok(), nil
	}
	return nil, errors.Errorf("unhandled AVR8 command 0x%02x", cmd)
}

func (f *fakeDevice) handleISP(payload []byte) ([]byte, error) {
	cmd, args := payload[0], payload[1:]
	rsp := func(data ...byte) []byte {
		return append([]byte{cmd, ispStatusOK}, data...)
	}
	switch cmd {
	case ispCmdEnterProgMode, ispCmdLeaveProgMode:
		return rsp(), nil
	case ispCmdReadSignature:
		return rsp(f.ispSig[args[3]]), nil
	case ispCmdReadFuse:
		idx, err := fuseIndexFromSPI(args[1], args[2])
		if err != nil {
			return nil, errors.Trace(err)
		}
		return rsp(f.ispFuses[idx]), nil
	case ispCmdProgramFuse:
		var idx FuseByteIndex
		switch args[1] {
		case 0xa0:
			idx = FuseLow
		case 0xa8:
			idx = FuseHigh
		case 0xa4:
			idx = FuseExtended
		default:
			return nil, errors.Errorf("bad fuse write SPI byte 0x%02x", args[1])
		}
		f.ispFuses[idx] = args[3]
		f.ispFuseWrites = append(f.ispFuseWrites, idx)
		return rsp(), nil
	case ispCmdReadLock:
		return rsp(f.ispLock), nil
	}
	return nil, errors.Errorf("unhandled ISP command 0x%02x", cmd)
}

func fuseIndexFromSPI(b1, b2 byte) (FuseByteIndex, error) {
	switch {
	case b1 == 0x50 && b2 == 0x00:
		return FuseLow, nil
	case b1 == 0x58 && b2 == 0x08:
		return FuseHigh, nil
	case b1 == 0x50 && b2 == 0x08:
		return FuseExtended, nil
	}
	return 0, errors.Errorf("bad fuse read SPI bytes 0x%02x 0x%02x", b1, b2)
}

func testParams() *DeviceParameters {
	return &DeviceParameters{
		Name:              "testmega",
		Family:            FamilyMega,
		SignatureExpected: [3]byte{0x1e, 0x95, 0x0f},
		FlashPageSize:     128,
		FlashSize:         32 * 1024,
		SRAMStart:         0x100,
		MappedIOStart:     0x20,
		EEPROMSize:        1024,
		EEPROMPageSize:    4,
		FuseDWEN:          FuseBit{Byte: FuseHigh, Mask: 0x40},
		FuseSPIEN:         FuseBit{Byte: FuseHigh, Mask: 0x20},
		FuseOCDEN:         FuseBit{Byte: FuseHigh, Mask: 0x80},
		FuseJTAGEN:        FuseBit{Byte: FuseHigh, Mask: 0x40},
	}
}

// testAVR8 builds an engine over a fake device with the variant resolved
// and the state primed, skipping the wire init sequence.
func testAVR8(variant byte, params *DeviceParameters, opts Options) (*AVR8, *fakeDevice) {
	f := newFakeDevice()
	a := NewAVR8(f, params, opts)
	a.variant = variant
	a.state = StateStopped
	return a, f
}
