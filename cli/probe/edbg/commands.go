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
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// CommandError reports a rspFailed response, carrying the one-byte failure
// code from the probe.
type CommandError struct {
	Command byte
	Code    byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command 0x%02x failed, code 0x%02x", e.Command, e.Code)
}

// FailureCode extracts the probe failure code from err, if it is (or wraps)
// a CommandError.
func FailureCode(err error) (byte, bool) {
	if ce, ok := errors.Cause(err).(*CommandError); ok {
		return ce.Code, true
	}
	return 0, false
}

type avr8Cmd struct {
	id  byte
	buf bytes.Buffer
}

func newAVR8Cmd(id byte) *avr8Cmd {
	c := &avr8Cmd{id: id}
	c.buf.WriteByte(id)
	c.buf.WriteByte(protocolVersion)
	return c
}

func (c *avr8Cmd) byte(b byte)     { c.buf.WriteByte(b) }
func (c *avr8Cmd) bytes(b []byte)  { c.buf.Write(b) }
func (c *avr8Cmd) u16(v uint16)    { binary.Write(&c.buf, binary.LittleEndian, v) }
func (c *avr8Cmd) u32(v uint32)    { binary.Write(&c.buf, binary.LittleEndian, v) }

// send submits the command and returns the response payload after the
// response ID and version bytes. A rspFailed response becomes a CommandError.
func (a *AVR8) send(ctx context.Context, c *avr8Cmd) (byte, []byte, error) {
	glog.V(3).Infof("AVR8 cmd 0x%02x len %d", c.id, c.buf.Len())
	resp, err := a.tr.SendFrame(ctx, ScopeAVR8Generic, c.buf.Bytes())
	if err != nil {
		return 0, nil, errors.Annotatef(err, "command 0x%02x", c.id)
	}
	if len(resp) < 2 {
		return 0, nil, errors.Errorf("command 0x%02x: short response (%d bytes)", c.id, len(resp))
	}
	rspID, payload := resp[0], resp[2:]
	if rspID == rspFailed {
		code := byte(FailureOK)
		if len(payload) > 0 {
			code = payload[0]
		}
		return 0, nil, &CommandError{Command: c.id, Code: code}
	}
	return rspID, payload, nil
}

// sendOK submits the command and requires a bare OK response.
func (a *AVR8) sendOK(ctx context.Context, c *avr8Cmd) error {
	rspID, _, err := a.send(ctx, c)
	if err != nil {
		return errors.Trace(err)
	}
	if rspID != rspOK {
		return errors.Errorf("command 0x%02x: unexpected response 0x%02x", c.id, rspID)
	}
	return nil
}

// sendData submits the command and returns the body of a DATA response. The
// response carries a trailing status byte which must be zero.
func (a *AVR8) sendData(ctx context.Context, c *avr8Cmd) ([]byte, error) {
	rspID, payload, err := a.send(ctx, c)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if rspID != rspData {
		return nil, errors.Errorf("command 0x%02x: unexpected response 0x%02x", c.id, rspID)
	}
	if len(payload) < 1 {
		return nil, errors.Errorf("command 0x%02x: empty data response", c.id)
	}
	data, status := payload[:len(payload)-1], payload[len(payload)-1]
	if status != FailureOK {
		return nil, &CommandError{Command: c.id, Code: status}
	}
	return data, nil
}

// setParameter writes one parameter value in the given context.
func (a *AVR8) setParameter(ctx context.Context, pctx, id byte, value []byte) error {
	c := newAVR8Cmd(cmdSet)
	c.byte(pctx)
	c.byte(id)
	c.byte(byte(len(value)))
	c.bytes(value)
	return errors.Annotatef(a.sendOK(ctx, c), "set parameter ctx 0x%02x id 0x%02x", pctx, id)
}

func (a *AVR8) setParamByte(ctx context.Context, pctx, id, value byte) error {
	return a.setParameter(ctx, pctx, id, []byte{value})
}

func (a *AVR8) setParamU16(ctx context.Context, pctx, id byte, value uint16) error {
	v := make([]byte, 2)
	binary.LittleEndian.PutUint16(v, value)
	return a.setParameter(ctx, pctx, id, v)
}

// getParameter reads back one parameter value.
func (a *AVR8) getParameter(ctx context.Context, pctx, id, length byte) ([]byte, error) {
	c := newAVR8Cmd(cmdGet)
	c.byte(pctx)
	c.byte(id)
	c.byte(length)
	data, err := a.sendData(ctx, c)
	if err != nil {
		return nil, errors.Annotatef(err, "get parameter ctx 0x%02x id 0x%02x", pctx, id)
	}
	return data, nil
}
