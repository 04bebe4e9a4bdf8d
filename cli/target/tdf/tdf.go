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

// Package tdf loads Target Description Files: per-device XML files carrying
// the memory map, register map, signature, fuse layout and debug parameters
// that cli/target consumes.
package tdf

import (
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/config"
	"github.com/avr-tools/avrdbg/cli/probe/edbg"
	"github.com/avr-tools/avrdbg/cli/target"
)

// HomeEnvVar overrides the TDF search path.
const HomeEnvVar = "AVRDBG_HOME"

// hexInt accepts decimal and 0x-prefixed attribute values.
type hexInt uint32

func (h *hexInt) UnmarshalXMLAttr(attr xml.Attr) error {
	v, err := strconv.ParseUint(strings.TrimSpace(attr.Value), 0, 32)
	if err != nil {
		return errors.Annotatef(err, "attribute %s", attr.Name.Local)
	}
	*h = hexInt(v)
	return nil
}

type targetElement struct {
	Name      string `xml:"name,attr"`
	Family    string `xml:"family,attr"`
	Signature string `xml:"signature,attr"`

	Interfaces   []interfaceElement `xml:"interfaces>interface"`
	Memories     []memoryElement    `xml:"memories>memory"`
	RegisterFile regFileElement     `xml:"registerfile"`
	Registers    []registerElement  `xml:"registers>register"`
	Params       paramsElement      `xml:"params"`
	Fuses        fusesElement       `xml:"fuses"`
	Variants     []variantElement   `xml:"variants>variant"`
}

type interfaceElement struct {
	Name string `xml:"name,attr"`
}

type memoryElement struct {
	Type     string `xml:"type,attr"`
	Start    hexInt `xml:"start,attr"`
	Size     hexInt `xml:"size,attr"`
	PageSize hexInt `xml:"pagesize,attr"`
	RW       string `xml:"rw,attr"`
}

type regFileElement struct {
	Offset hexInt `xml:"offset,attr"`
}

type registerElement struct {
	Name   string `xml:"name,attr"`
	Type   string `xml:"type,attr"`
	Group  string `xml:"group,attr"`
	Offset hexInt `xml:"offset,attr"`
	Size   hexInt `xml:"size,attr"`
	RW     string `xml:"rw,attr"`
}

type paramsElement struct {
	BootSectionStart  hexInt `xml:"boot_section_start,attr"`
	AppSectionStart   hexInt `xml:"app_section_start,attr"`
	AppSectionSize    hexInt `xml:"app_section_size,attr"`
	BootSectionSize   hexInt `xml:"boot_section_size,attr"`
	MappedIOStart     hexInt `xml:"mapped_io_start,attr"`
	OCDRevision       hexInt `xml:"ocd_revision,attr"`
	OCDDataRegister   hexInt `xml:"ocd_data_register,attr"`
	EEARH             hexInt `xml:"eearh,attr"`
	EEARL             hexInt `xml:"eearl,attr"`
	EECR              hexInt `xml:"eecr,attr"`
	EEDR              hexInt `xml:"eedr,attr"`
	SPMCR             hexInt `xml:"spmcr,attr"`
	OSCCAL            hexInt `xml:"osccal,attr"`
	NVMModuleBase     hexInt `xml:"nvm_module_base,attr"`
	MCUModuleBase     hexInt `xml:"mcu_module_base,attr"`
	ProgramMemoryBase hexInt `xml:"program_memory_base,attr"`
	NVMControllerBase hexInt `xml:"nvm_controller_base,attr"`
	OCDModuleAddress  hexInt `xml:"ocd_module_address,attr"`
}

type fusesElement struct {
	DWEN   string `xml:"dwen,attr"`
	OCDEN  string `xml:"ocden,attr"`
	SPIEN  string `xml:"spien,attr"`
	JTAGEN string `xml:"jtagen,attr"`
}

type variantElement struct {
	Name    string       `xml:"name,attr"`
	Package string       `xml:"package,attr"`
	Pins    []pinElement `xml:"pin"`
}

type pinElement struct {
	Position string `xml:"position,attr"`
	Pad      string `xml:"pad,attr"`
}

// searchDirs returns the directories scanned for TDF files, in priority
// order.
func searchDirs() []string {
	var dirs []string
	if home := os.Getenv(HomeEnvVar); home != "" {
		dirs = append(dirs, filepath.Join(home, "targets"))
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dirs = append(dirs, filepath.Join(xdg, "avrdbg", "targets"))
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share", "avrdbg", "targets"))
	}
	dirs = append(dirs, "/usr/share/avrdbg/targets")
	return dirs
}

// Load finds and parses the TDF for the named target.
func Load(name string) (*target.Descriptor, error) {
	fileName := strings.ToLower(name) + ".xml"
	for _, dir := range searchDirs() {
		path := filepath.Join(dir, fileName)
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Annotatef(err, "reading %s", path)
		}
		glog.V(1).Infof("using target description %s", path)
		return Parse(data)
	}
	return nil, errors.NotFoundf("target description for %q (searched %s)",
		name, strings.Join(searchDirs(), ", "))
}

// Parse decodes one TDF document into a validated descriptor.
func Parse(data []byte) (*target.Descriptor, error) {
	var te targetElement
	if err := xml.Unmarshal(data, &te); err != nil {
		return nil, errors.Annotatef(err, "malformed target description")
	}

	d := &target.Descriptor{
		Name:                te.Name,
		SupportedInterfaces: map[config.PhysicalInterface]bool{},
		Memories:            map[target.MemoryType]*target.MemoryDescriptor{},
		Registers:           map[target.RegisterType][]*target.RegisterDescriptor{},
	}

	family, err := parseFamily(te.Family)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Family = family

	sig, err := parseSignature(te.Signature)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.Signature = sig

	for _, ie := range te.Interfaces {
		if strings.EqualFold(ie.Name, "isp") {
			d.SupportedInterfaces["isp"] = true
			continue
		}
		pi, err := config.ParsePhysicalInterface(ie.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.SupportedInterfaces[pi] = true
	}

	for _, me := range te.Memories {
		mt, err := parseMemoryType(me.Type)
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.Memories[mt] = &target.MemoryDescriptor{
			Start:    uint32(me.Start),
			Size:     uint32(me.Size),
			PageSize: uint32(me.PageSize),
			Readable: strings.Contains(strings.ToUpper(me.RW), "R") || me.RW == "",
			Writable: strings.Contains(strings.ToUpper(me.RW), "W") || me.RW == "",
		}
	}

	for i := 0; i < 32; i++ {
		d.Registers[target.RegGeneralPurpose] = append(d.Registers[target.RegGeneralPurpose],
			&target.RegisterDescriptor{
				Name:     fmt.Sprintf("r%d", i),
				Type:     target.RegGeneralPurpose,
				Start:    uint32(te.RegisterFile.Offset) + uint32(i),
				Size:     1,
				Readable: true,
				Writable: true,
			})
	}

	for _, re := range te.Registers {
		rt, err := parseRegisterType(re.Type)
		if err != nil {
			return nil, errors.Trace(err)
		}
		size := int(re.Size)
		if size == 0 {
			size = 1
		}
		d.Registers[rt] = append(d.Registers[rt], &target.RegisterDescriptor{
			Name:     re.Name,
			Group:    re.Group,
			Type:     rt,
			Start:    uint32(re.Offset),
			Size:     size,
			Readable: strings.Contains(strings.ToUpper(re.RW), "R") || re.RW == "",
			Writable: strings.Contains(strings.ToUpper(re.RW), "W") || re.RW == "",
		})
	}

	for _, ve := range te.Variants {
		v := target.Variant{Name: ve.Name, Package: ve.Package, Pinout: map[string]string{}}
		for _, pe := range ve.Pins {
			v.Pinout[pe.Position] = pe.Pad
		}
		d.Variants = append(d.Variants, v)
	}

	if err := fillParams(d, &te); err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return d, nil
}

// fillParams builds the probe parameter block from the memory map, the
// params element and the fuse layout. Mapped-I/O register addresses are
// pushed with the mapped-I/O segment base subtracted.
func fillParams(d *target.Descriptor, te *targetElement) error {
	p := &d.Params
	p.Name = d.Name
	p.Family = d.Family
	p.SignatureExpected = d.Signature

	if flash := d.Memories[target.MemFlash]; flash != nil {
		p.FlashStart = flash.Start
		p.FlashSize = flash.Size
		if flash.PageSize > 0xffff {
			return errors.NotValidf("flash page size 0x%x", flash.PageSize)
		}
		p.FlashPageSize = uint16(flash.PageSize)
	}
	if ram := d.Memories[target.MemRAM]; ram != nil {
		p.SRAMStart = uint16(ram.Start)
	}
	if eeprom := d.Memories[target.MemEEPROM]; eeprom != nil {
		p.EEPROMStart = eeprom.Start
		p.EEPROMSize = uint16(eeprom.Size)
		p.EEPROMPageSize = uint8(eeprom.PageSize)
	}
	if fuses := d.Memories[target.MemFuses]; fuses != nil {
		p.FuseStart = fuses.Start
		p.FuseSize = uint16(fuses.Size)
	}

	pe := &te.Params
	p.BootSectionStart = uint32(pe.BootSectionStart)
	p.BootSectionSize = uint32(pe.BootSectionSize)
	p.AppSectionStart = uint32(pe.AppSectionStart)
	p.AppSectionSize = uint32(pe.AppSectionSize)
	p.MappedIOStart = uint16(pe.MappedIOStart)
	p.OCDRevision = uint8(pe.OCDRevision)
	p.OCDDataRegister = uint8(pe.OCDDataRegister)
	p.NVMModuleBase = uint16(pe.NVMModuleBase)
	p.MCUModuleBase = uint16(pe.MCUModuleBase)
	p.ProgramMemoryBase = uint16(pe.ProgramMemoryBase)
	p.NVMControllerBase = uint16(pe.NVMControllerBase)
	p.OCDModuleAddress = uint16(pe.OCDModuleAddress)
	p.UPDI24BitAddresses = uint32(pe.ProgramMemoryBase) > 0xffff

	mapped := uint32(pe.MappedIOStart)
	for name, dst := range map[string]*uint8{
		"eearh": &p.EEARH, "eearl": &p.EEARL, "eecr": &p.EECR,
		"eedr": &p.EEDR, "spmcr": &p.SPMCR, "osccal": &p.OSCCAL,
	} {
		v := paramValue(pe, name)
		if v == 0 {
			continue
		}
		if v < mapped {
			return errors.NotValidf("%s address 0x%x below mapped I/O base 0x%x", name, v, mapped)
		}
		*dst = uint8(v - mapped)
	}

	var err error
	if p.FuseDWEN, err = parseFuseBit(te.Fuses.DWEN); err != nil {
		return errors.Annotatef(err, "dwen")
	}
	if p.FuseOCDEN, err = parseFuseBit(te.Fuses.OCDEN); err != nil {
		return errors.Annotatef(err, "ocden")
	}
	if p.FuseSPIEN, err = parseFuseBit(te.Fuses.SPIEN); err != nil {
		return errors.Annotatef(err, "spien")
	}
	if p.FuseJTAGEN, err = parseFuseBit(te.Fuses.JTAGEN); err != nil {
		return errors.Annotatef(err, "jtagen")
	}

	if sigMem, ok := d.Memories[target.MemOther]; ok && sigMem != nil {
		p.SignatureStart = sigMem.Start
	}
	return nil
}

func paramValue(pe *paramsElement, name string) uint32 {
	switch name {
	case "eearh":
		return uint32(pe.EEARH)
	case "eearl":
		return uint32(pe.EEARL)
	case "eecr":
		return uint32(pe.EECR)
	case "eedr":
		return uint32(pe.EEDR)
	case "spmcr":
		return uint32(pe.SPMCR)
	case "osccal":
		return uint32(pe.OSCCAL)
	}
	return 0
}

func parseFamily(s string) (edbg.Family, error) {
	switch strings.ToLower(s) {
	case "mega":
		return edbg.FamilyMega, nil
	case "tiny":
		return edbg.FamilyTiny, nil
	case "xmega":
		return edbg.FamilyXMEGA, nil
	case "da":
		return edbg.FamilyDA, nil
	case "db":
		return edbg.FamilyDB, nil
	case "dd":
		return edbg.FamilyDD, nil
	case "ea":
		return edbg.FamilyEA, nil
	case "":
		return edbg.FamilyUnknown, nil
	}
	return edbg.FamilyUnknown, errors.NotValidf("device family %q", s)
}

func parseSignature(s string) ([3]byte, error) {
	var sig [3]byte
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s) != 6 {
		return sig, errors.NotValidf("signature %q", s)
	}
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return sig, errors.NotValidf("signature %q", s)
		}
		sig[i] = byte(v)
	}
	return sig, nil
}

func parseMemoryType(s string) (target.MemoryType, error) {
	switch strings.ToLower(s) {
	case "flash":
		return target.MemFlash, nil
	case "ram", "sram":
		return target.MemRAM, nil
	case "eeprom":
		return target.MemEEPROM, nil
	case "fuses":
		return target.MemFuses, nil
	case "signatures", "other":
		return target.MemOther, nil
	}
	return 0, errors.NotValidf("memory type %q", s)
}

func parseRegisterType(s string) (target.RegisterType, error) {
	switch strings.ToLower(s) {
	case "gp":
		return target.RegGeneralPurpose, nil
	case "pc":
		return target.RegProgramCounter, nil
	case "sp":
		return target.RegStackPointer, nil
	case "status":
		return target.RegStatus, nil
	case "port":
		return target.RegPort, nil
	case "other", "":
		return target.RegOther, nil
	}
	return 0, errors.NotValidf("register type %q", s)
}

// parseFuseBit parses a "byte:mask" spec like "high:0x40".
func parseFuseBit(s string) (edbg.FuseBit, error) {
	if s == "" {
		return edbg.FuseBit{}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return edbg.FuseBit{}, errors.NotValidf("fuse bit spec %q", s)
	}
	var idx edbg.FuseByteIndex
	switch strings.ToLower(parts[0]) {
	case "low":
		idx = edbg.FuseLow
	case "high":
		idx = edbg.FuseHigh
	case "extended", "ext":
		idx = edbg.FuseExtended
	default:
		return edbg.FuseBit{}, errors.NotValidf("fuse byte %q", parts[0])
	}
	mask, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 8)
	if err != nil || mask == 0 {
		return edbg.FuseBit{}, errors.NotValidf("fuse mask %q", parts[1])
	}
	return edbg.FuseBit{Byte: idx, Mask: byte(mask)}, nil
}
