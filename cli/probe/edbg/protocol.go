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

// Package edbg implements the AVR8 Generic and AVR ISP sub-protocols of the
// EDBG debug probe family, on top of a frame-level Transport.
package edbg

// Sub-protocol handler IDs, one per frame.
const (
	ScopeAVRISP      = 0x11
	ScopeAVR8Generic = 0x12
)

// AVR8 Generic command IDs.
const (
	cmdQuery              = 0x00
	cmdSet                = 0x01
	cmdGet                = 0x02
	cmdActivatePhysical   = 0x10
	cmdDeactivatePhysical = 0x11
	cmdGetDeviceID        = 0x12
	cmdAttach             = 0x13
	cmdDetach             = 0x14
	cmdProgModeEnter      = 0x15
	cmdProgModeLeave      = 0x16
	cmdDisableDebugWire   = 0x17
	cmdEraseMemory        = 0x20
	cmdReadMemory         = 0x21
	cmdReadMemoryMasked   = 0x22
	cmdWriteMemory        = 0x23
	cmdReset              = 0x30
	cmdStop               = 0x31
	cmdRun                = 0x32
	cmdRunTo              = 0x33
	cmdStep               = 0x34
	cmdPCRead             = 0x35
	cmdPCWrite            = 0x36
	cmdHWBreakSet         = 0x40
	cmdHWBreakClear       = 0x41
	cmdSWBreakSet         = 0x43
	cmdSWBreakClear       = 0x44
	cmdSWBreakClearAll    = 0x45
)

// AVR8 Generic response IDs.
const (
	rspOK     = 0x80
	rspList   = 0x81
	rspPC     = 0x83
	rspData   = 0x84
	rspFailed = 0xA0
)

// AVR8 Generic event IDs.
const (
	evtBreak = 0x40
)

// Command/response protocol version byte.
const protocolVersion = 0x00

// Failure codes carried by rspFailed.
const (
	FailureOK                 = 0x00
	FailureDebugWirePhysical  = 0x10
	FailureFailedToEnableOCD  = 0x23
	FailureInvalidAddress     = 0x36
)

// Parameter contexts for cmdSet/cmdGet.
const (
	ctxConfig   = 0x00
	ctxPhysical = 0x01
	ctxDevice   = 0x02
)

// ctxConfig parameter IDs.
const (
	paramVariant  = 0x00
	paramFunction = 0x01
)

// Configuration variants (paramVariant values).
const (
	VariantNone      = 0x00
	VariantDebugWire = 0x01
	VariantMegaJTAG  = 0x02
	VariantXMEGA     = 0x03
	VariantUPDI      = 0x05
)

// Configuration functions (paramFunction values).
const (
	FunctionNone      = 0x00
	FunctionProg      = 0x01
	FunctionDebugging = 0x02
)

// ctxPhysical parameter IDs.
const (
	paramPhysInterface  = 0x00
	paramJTAGDaisyChain = 0x01
	paramMegaDebugClock = 0x21
	paramPDIClock       = 0x31
)

// Physical interface IDs (paramPhysInterface values).
const (
	PhysIDJTAG      = 0x04
	PhysIDDebugWire = 0x05
	PhysIDPDI       = 0x06
	PhysIDUPDI      = 0x08
)

// Memory type IDs.
const (
	MemSRAM         = 0x20
	MemEEPROM       = 0x22
	MemIOShadow     = 0x30
	MemSPM          = 0xA0
	MemFlashPage    = 0xB0
	MemEEPROMPage   = 0xB1
	MemFuses        = 0xB2
	MemLockBits     = 0xB3
	MemSignature    = 0xB4
	MemOsccal       = 0xB5
	MemRegisterFile = 0xB8
	MemApplFlash    = 0xC0
	MemBootFlash    = 0xC1
	MemEEPROMAtomic = 0xC4
	MemUserSig      = 0xC5
	MemProdSig      = 0xC6
)

// Erase modes for cmdEraseMemory.
const (
	EraseChip               = 0x00
	EraseApplicationSection = 0x01
	EraseBootSection        = 0x02
)
