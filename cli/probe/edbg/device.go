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
	"encoding/binary"

	"github.com/juju/errors"
)

// Family is the AVR device family, which together with the physical
// interface determines the protocol variant.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyMega
	FamilyTiny
	FamilyXMEGA
	FamilyDA
	FamilyDB
	FamilyDD
	FamilyEA
)

// DeviceParameters describes the target device to the probe. The façade
// fills it from the target description file; only the fields relevant to the
// resolved variant are pushed to the probe.
type DeviceParameters struct {
	Name   string
	Family Family

	SignatureExpected [3]byte

	// Flash geometry, byte addresses.
	FlashPageSize    uint16
	FlashSize        uint32
	FlashStart       uint32
	BootSectionStart uint32
	BootSectionSize  uint32
	AppSectionStart  uint32
	AppSectionSize   uint32

	// Data space.
	SRAMStart     uint16
	MappedIOStart uint16

	// EEPROM.
	EEPROMSize     uint16
	EEPROMPageSize uint8
	EEPROMStart    uint32

	// Fuse/lock/signature spaces (mapped addresses where applicable).
	FuseStart      uint32
	FuseSize       uint16
	LockbitsStart  uint32
	SignatureStart uint32
	UserSigStart   uint32
	ProdSigStart   uint32

	// Mega/debugWIRE OCD registers.
	OCDRevision     uint8
	OCDDataRegister uint8
	EEARH           uint8
	EEARL           uint8
	EECR            uint8
	EEDR            uint8
	SPMCR           uint8
	OSCCAL          uint8

	// Fuse bit layout for fuse surgery.
	FuseDWEN   FuseBit
	FuseOCDEN  FuseBit
	FuseSPIEN  FuseBit
	FuseJTAGEN FuseBit

	// XMEGA peripheral module bases.
	NVMModuleBase uint16
	MCUModuleBase uint16

	// UPDI.
	ProgramMemoryBase  uint16
	NVMControllerBase  uint16
	OCDModuleAddress   uint16
	UPDI24BitAddresses bool
}

// descriptor builds the device-context parameter block for the given variant.
func (dp *DeviceParameters) descriptor(variant byte) ([]byte, error) {
	switch variant {
	case VariantDebugWire, VariantMegaJTAG:
		return dp.megaDescriptor(), nil
	case VariantXMEGA:
		return dp.xmegaDescriptor(), nil
	case VariantUPDI:
		return dp.updiDescriptor(), nil
	}
	return nil, errors.NotValidf("variant 0x%02x", variant)
}

func (dp *DeviceParameters) megaDescriptor() []byte {
	d := make([]byte, 0x1f)
	binary.LittleEndian.PutUint16(d[0x00:], dp.FlashPageSize)
	binary.LittleEndian.PutUint32(d[0x02:], dp.FlashSize)
	binary.LittleEndian.PutUint32(d[0x06:], dp.FlashStart)
	binary.LittleEndian.PutUint32(d[0x0a:], dp.BootSectionStart)
	binary.LittleEndian.PutUint16(d[0x0e:], dp.SRAMStart)
	binary.LittleEndian.PutUint16(d[0x10:], dp.EEPROMSize)
	d[0x12] = dp.EEPROMPageSize
	d[0x13] = dp.OCDRevision
	d[0x18] = dp.OCDDataRegister
	d[0x19] = dp.EEARH
	d[0x1a] = dp.EEARL
	d[0x1b] = dp.EECR
	d[0x1c] = dp.EEDR
	d[0x1d] = dp.SPMCR
	d[0x1e] = dp.OSCCAL
	return d
}

func (dp *DeviceParameters) xmegaDescriptor() []byte {
	d := make([]byte, 0x2f)
	binary.LittleEndian.PutUint32(d[0x00:], dp.AppSectionStart)
	binary.LittleEndian.PutUint32(d[0x04:], dp.BootSectionStart)
	binary.LittleEndian.PutUint32(d[0x08:], dp.EEPROMStart)
	binary.LittleEndian.PutUint32(d[0x0c:], dp.FuseStart)
	binary.LittleEndian.PutUint32(d[0x10:], dp.LockbitsStart)
	binary.LittleEndian.PutUint32(d[0x14:], dp.UserSigStart)
	binary.LittleEndian.PutUint32(d[0x18:], dp.ProdSigStart)
	binary.LittleEndian.PutUint32(d[0x1c:], uint32(dp.SRAMStart))
	binary.LittleEndian.PutUint32(d[0x20:], dp.AppSectionSize)
	binary.LittleEndian.PutUint16(d[0x24:], uint16(dp.BootSectionSize))
	binary.LittleEndian.PutUint16(d[0x26:], dp.FlashPageSize)
	binary.LittleEndian.PutUint16(d[0x28:], dp.EEPROMSize)
	d[0x2a] = dp.EEPROMPageSize
	binary.LittleEndian.PutUint16(d[0x2b:], dp.NVMModuleBase)
	binary.LittleEndian.PutUint16(d[0x2d:], dp.MCUModuleBase)
	return d
}

func (dp *DeviceParameters) updiDescriptor() []byte {
	d := make([]byte, 0x1b)
	binary.LittleEndian.PutUint16(d[0x00:], dp.ProgramMemoryBase)
	d[0x02] = byte(dp.FlashPageSize)
	d[0x03] = dp.EEPROMPageSize
	binary.LittleEndian.PutUint16(d[0x04:], dp.NVMControllerBase)
	binary.LittleEndian.PutUint16(d[0x06:], dp.OCDModuleAddress)
	binary.LittleEndian.PutUint32(d[0x08:], dp.FlashSize)
	binary.LittleEndian.PutUint16(d[0x0c:], dp.EEPROMSize)
	binary.LittleEndian.PutUint16(d[0x0e:], uint16(dp.EEPROMStart))
	binary.LittleEndian.PutUint16(d[0x10:], uint16(dp.SignatureStart))
	binary.LittleEndian.PutUint16(d[0x12:], uint16(dp.FuseStart))
	binary.LittleEndian.PutUint16(d[0x14:], dp.FuseSize)
	binary.LittleEndian.PutUint16(d[0x16:], uint16(dp.LockbitsStart))
	d[0x18] = byte(dp.FlashPageSize >> 8)
	if dp.UPDI24BitAddresses {
		d[0x1a] = 1
	}
	return d
}

// ResolveVariant maps family and physical interface to the protocol variant
// the probe must be configured with.
func ResolveVariant(family Family, physIntf byte) (byte, error) {
	switch family {
	case FamilyMega, FamilyTiny:
		switch physIntf {
		case PhysIDJTAG:
			return VariantMegaJTAG, nil
		case PhysIDDebugWire:
			return VariantDebugWire, nil
		case PhysIDUPDI:
			return VariantUPDI, nil
		}
	case FamilyXMEGA:
		switch physIntf {
		case PhysIDJTAG, PhysIDPDI:
			return VariantXMEGA, nil
		}
	case FamilyDA, FamilyDB, FamilyDD, FamilyEA:
		if physIntf == PhysIDUPDI {
			return VariantUPDI, nil
		}
	case FamilyUnknown:
		// Devices with no known family still debug over non-JTAG links.
		switch physIntf {
		case PhysIDDebugWire:
			return VariantDebugWire, nil
		case PhysIDPDI:
			return VariantXMEGA, nil
		case PhysIDUPDI:
			return VariantUPDI, nil
		}
	}
	return 0, errors.NotValidf("no protocol variant for family %d over interface 0x%02x", family, physIntf)
}
