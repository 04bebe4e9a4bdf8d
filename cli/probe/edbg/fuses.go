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

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// errFuseAlreadySet reports that the fuse bit is already at the desired
// value, so nothing was written. Callers treat it as success.
var errFuseAlreadySet = errors.New("fuse already at desired value")

func fuseBitProgrammed(value byte, fb FuseBit) bool {
	return value&fb.Mask == 0
}

func setFuseBit(value byte, fb FuseBit, programmed bool) byte {
	if programmed {
		return value &^ fb.Mask
	}
	return value | fb.Mask
}

// updateDWENFuse programs or unprograms the DWEN fuse through the ISP
// interface. Rewriting the wrong fuse byte can permanently lock the chip
// out of every programming interface, so nothing is written unless the
// signature matches, the ISP-enabling SPIEN bit reads as programmed and the
// lock byte is fully cleared.
func (a *AVR8) updateDWENFuse(ctx context.Context, program bool) error {
	if a.isp == nil {
		return errors.Errorf("no ISP interface available for DWEN fuse update")
	}
	if !a.params.FuseDWEN.Valid() || !a.params.FuseSPIEN.Valid() {
		return errors.Errorf("fuse bit layout for DWEN/SPIEN is unknown")
	}

	if err := a.isp.EnterProgMode(ctx); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := a.isp.LeaveProgMode(ctx); err != nil {
			glog.Warningf("failed to leave ISP programming mode: %v", err)
		}
	}()

	sig, err := a.isp.ReadSignature(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if sig != a.params.SignatureExpected {
		return errors.Errorf(
			"signature mismatch before DWEN update: read %02x%02x%02x, expected %02x%02x%02x",
			sig[0], sig[1], sig[2],
			a.params.SignatureExpected[0], a.params.SignatureExpected[1], a.params.SignatureExpected[2])
	}

	spienByte, err := a.isp.ReadFuse(ctx, a.params.FuseSPIEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if !fuseBitProgrammed(spienByte, a.params.FuseSPIEN) {
		return errors.Errorf(
			"SPIEN reads unprogrammed (0x%02x) while talking over ISP, fuse bit layout is suspect",
			spienByte)
	}

	dwenByte, err := a.isp.ReadFuse(ctx, a.params.FuseDWEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if fuseBitProgrammed(dwenByte, a.params.FuseDWEN) == program {
		glog.V(2).Infof("DWEN already %v, leaving fuses untouched", program)
		return errFuseAlreadySet
	}

	lock, err := a.isp.ReadLockByte(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if lock != 0xff {
		return errors.Errorf("lock byte is 0x%02x, refusing to rewrite DWEN with lock bits set", lock)
	}

	newValue := setFuseBit(dwenByte, a.params.FuseDWEN, program)
	if err := a.isp.ProgramFuse(ctx, a.params.FuseDWEN.Byte, newValue); err != nil {
		return errors.Trace(err)
	}
	readBack, err := a.isp.ReadFuse(ctx, a.params.FuseDWEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if readBack != newValue {
		return errors.Errorf("DWEN fuse byte read back 0x%02x after writing 0x%02x", readBack, newValue)
	}
	glog.Infof("DWEN fuse byte updated: 0x%02x -> 0x%02x", dwenByte, newValue)
	return nil
}

// updateOCDENFuse programs or unprograms the OCDEN fuse through the debug
// interface's programming mode on JTAG targets. The guard mirrors the DWEN
// one, with JTAGEN as the enabling bit; lock bits do not gate OCDEN.
func (a *AVR8) updateOCDENFuse(ctx context.Context, program bool) error {
	if !a.params.FuseOCDEN.Valid() || !a.params.FuseJTAGEN.Valid() {
		return errors.Errorf("fuse bit layout for OCDEN/JTAGEN is unknown")
	}

	wasProgMode := a.progMode
	if err := a.EnterProgMode(ctx); err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if !wasProgMode {
			if err := a.LeaveProgMode(ctx); err != nil {
				glog.Warningf("failed to leave programming mode after OCDEN update: %v", err)
			}
		}
	}()

	sig, err := a.readSignatureBytes(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if sig != a.params.SignatureExpected {
		return errors.Errorf(
			"signature mismatch before OCDEN update: read %02x%02x%02x, expected %02x%02x%02x",
			sig[0], sig[1], sig[2],
			a.params.SignatureExpected[0], a.params.SignatureExpected[1], a.params.SignatureExpected[2])
	}

	jtagenByte, err := a.readFuseByte(ctx, a.params.FuseJTAGEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if !fuseBitProgrammed(jtagenByte, a.params.FuseJTAGEN) {
		return errors.Errorf(
			"JTAGEN reads unprogrammed (0x%02x) while talking over JTAG, fuse bit layout is suspect",
			jtagenByte)
	}

	ocdenByte, err := a.readFuseByte(ctx, a.params.FuseOCDEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if fuseBitProgrammed(ocdenByte, a.params.FuseOCDEN) == program {
		glog.V(2).Infof("OCDEN already %v, leaving fuses untouched", program)
		return errFuseAlreadySet
	}

	newValue := setFuseBit(ocdenByte, a.params.FuseOCDEN, program)
	if err := a.WriteMemory(ctx, ClassFuses, uint32(a.params.FuseOCDEN.Byte), []byte{newValue}); err != nil {
		return errors.Trace(err)
	}
	readBack, err := a.readFuseByte(ctx, a.params.FuseOCDEN.Byte)
	if err != nil {
		return errors.Trace(err)
	}
	if readBack != newValue {
		return errors.Errorf("OCDEN fuse byte read back 0x%02x after writing 0x%02x", readBack, newValue)
	}
	glog.Infof("OCDEN fuse byte updated: 0x%02x -> 0x%02x", ocdenByte, newValue)
	return nil
}

func (a *AVR8) readFuseByte(ctx context.Context, idx FuseByteIndex) (byte, error) {
	data, err := a.ReadMemory(ctx, ClassFuses, uint32(idx), 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return data[0], nil
}

func (a *AVR8) readSignatureBytes(ctx context.Context) ([3]byte, error) {
	var sig [3]byte
	data, err := a.ReadMemory(ctx, ClassSignature, 0, 3)
	if err != nil {
		return sig, errors.Trace(err)
	}
	copy(sig[:], data)
	return sig, nil
}
