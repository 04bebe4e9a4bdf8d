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

// ISP command IDs (STK500v2 style, carried under the AVR ISP scope).
const (
	ispCmdEnterProgMode = 0x10
	ispCmdLeaveProgMode = 0x11
	ispCmdChipErase     = 0x12
	ispCmdProgramFuse   = 0x17
	ispCmdReadFuse      = 0x18
	ispCmdReadLock      = 0x1a
	ispCmdReadSignature = 0x1b
)

const ispStatusOK = 0x00

// FuseByteIndex selects one of the three classic AVR fuse bytes.
type FuseByteIndex int

const (
	FuseLow FuseByteIndex = iota
	FuseHigh
	FuseExtended
)

func (f FuseByteIndex) String() string {
	switch f {
	case FuseLow:
		return "low"
	case FuseHigh:
		return "high"
	case FuseExtended:
		return "extended"
	}
	return "?"
}

// FuseBit locates one fuse bit: the byte it lives in and its mask. An AVR
// fuse bit is programmed when it reads as 0.
type FuseBit struct {
	Byte FuseByteIndex
	Mask byte
}

func (fb FuseBit) Valid() bool { return fb.Mask != 0 }

// ISP drives the probe's auxiliary in-system programming interface. It is
// used for fuse surgery on targets whose debug interface cannot come up
// until a fuse changes.
type ISP struct {
	tr Transport
}

func NewISP(tr Transport) *ISP {
	return &ISP{tr: tr}
}

func (p *ISP) transact(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(cmd)
	buf.Write(args)
	resp, err := p.tr.SendFrame(ctx, ScopeAVRISP, buf.Bytes())
	if err != nil {
		return nil, errors.Annotatef(err, "ISP command 0x%02x", cmd)
	}
	if len(resp) < 2 {
		return nil, errors.Errorf("ISP command 0x%02x: short response (%d bytes)", cmd, len(resp))
	}
	if resp[0] != cmd {
		return nil, errors.Errorf("ISP command 0x%02x: response for command 0x%02x", cmd, resp[0])
	}
	if resp[1] != ispStatusOK {
		return nil, errors.Errorf("ISP command 0x%02x: status 0x%02x", cmd, resp[1])
	}
	return resp[2:], nil
}

// EnterProgMode pulls reset and synchronizes the SPI programming dialogue.
func (p *ISP) EnterProgMode(ctx context.Context) error {
	args := []byte{
		200,  // timeout, ms
		100,  // pin stabilization delay, ms
		25,   // command execution delay, ms
		32,   // synchronization loops
		0,    // per-byte delay, ms
		0x53, // poll value: echo of the second SPI byte
		3,    // poll index
		0xac, 0x53, 0x00, 0x00, // "programming enable"
	}
	_, err := p.transact(ctx, ispCmdEnterProgMode, args)
	return errors.Annotatef(err, "entering ISP programming mode")
}

func (p *ISP) LeaveProgMode(ctx context.Context) error {
	args := []byte{
		1, // pre-delay, ms
		1, // post-delay, ms
	}
	_, err := p.transact(ctx, ispCmdLeaveProgMode, args)
	return errors.Annotatef(err, "leaving ISP programming mode")
}

// ReadSignature reads the three signature bytes.
func (p *ISP) ReadSignature(ctx context.Context) ([3]byte, error) {
	var sig [3]byte
	for i := byte(0); i < 3; i++ {
		data, err := p.transact(ctx, ispCmdReadSignature, []byte{
			4, // return value is the fourth SPI byte
			0x30, 0x00, i, 0x00,
		})
		if err != nil {
			return sig, errors.Annotatef(err, "reading signature byte %d", i)
		}
		if len(data) < 1 {
			return sig, errors.Errorf("empty signature response for byte %d", i)
		}
		sig[i] = data[0]
	}
	return sig, nil
}

var fuseReadSPI = map[FuseByteIndex][4]byte{
	FuseLow:      {0x50, 0x00, 0x00, 0x00},
	FuseHigh:     {0x58, 0x08, 0x00, 0x00},
	FuseExtended: {0x50, 0x08, 0x00, 0x00},
}

var fuseWriteSecond = map[FuseByteIndex]byte{
	FuseLow:      0xa0,
	FuseHigh:     0xa8,
	FuseExtended: 0xa4,
}

// ReadFuse reads one fuse byte.
func (p *ISP) ReadFuse(ctx context.Context, idx FuseByteIndex) (byte, error) {
	spi := fuseReadSPI[idx]
	data, err := p.transact(ctx, ispCmdReadFuse, []byte{4, spi[0], spi[1], spi[2], spi[3]})
	if err != nil {
		return 0, errors.Annotatef(err, "reading %s fuse byte", idx)
	}
	if len(data) < 1 {
		return 0, errors.Errorf("empty %s fuse response", idx)
	}
	return data[0], nil
}

// ProgramFuse writes one fuse byte.
func (p *ISP) ProgramFuse(ctx context.Context, idx FuseByteIndex, value byte) error {
	glog.V(2).Infof("ISP: programming %s fuse byte to 0x%02x", idx, value)
	_, err := p.transact(ctx, ispCmdProgramFuse, []byte{0xac, fuseWriteSecond[idx], 0x00, value})
	return errors.Annotatef(err, "programming %s fuse byte", idx)
}

// ReadLockByte reads the lock bit byte.
func (p *ISP) ReadLockByte(ctx context.Context) (byte, error) {
	data, err := p.transact(ctx, ispCmdReadLock, []byte{4, 0x58, 0x00, 0x00, 0x00})
	if err != nil {
		return 0, errors.Annotatef(err, "reading lock byte")
	}
	if len(data) < 1 {
		return 0, errors.Errorf("empty lock byte response")
	}
	return data[0], nil
}
