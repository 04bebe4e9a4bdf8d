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

// Package edbghid carries EDBG sub-protocol frames over the probe's USB HID
// interface, using the CMSIS-DAP vendor command space. Command frames are
// fragmented across HID reports; responses are polled and reassembled;
// asynchronous AVR events have their own poll command.
package edbghid

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// CMSIS-DAP command bytes. The AVR ones live in the vendor command space.
const (
	cmdDAPInfo = 0x00
	cmdAvrCmd  = 0x80
	cmdAvrRsp  = 0x81
	cmdAvrEvt  = 0x82
)

const dapInfoMaxPacketSize = 0xff

// DefaultVendorID is the Atmel/Microchip USB vendor ID used by the EDBG
// probe family.
const DefaultVendorID = 0x03eb

// Inner envelope framing.
const (
	sofByte         = 0x0e
	envelopeVersion = 0x00
)

// Probe is an open EDBG HID connection.
type Probe struct {
	d          hid.Device
	di         *hid.DeviceInfo
	reportSize int
	sequence   uint16
}

// Open enumerates HID devices and opens the first one matching vid/pid (the
// EDBG vendor ID when vid is zero) and, when given, the serial number. The
// HID device path embeds the serial on the supported platforms.
func Open(ctx context.Context, vid, pid uint16, serial string) (*Probe, error) {
	if vid == 0 {
		vid = DefaultVendorID
	}
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid {
			continue
		}
		if pid != 0 && di.ProductID != pid {
			continue
		}
		if serial != "" && !strings.Contains(di.Path, serial) {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		p := &Probe{
			di:         di,
			d:          d,
			reportSize: 64, // conservative until the probe reports its real size
		}
		if err := p.queryReportSize(ctx); err != nil {
			p.Close()
			return nil, errors.Annotatef(err, "failed to get max packet size")
		}
		return p, nil
	}
	return nil, errors.NotFoundf("probe %04x:%04x serial %q", vid, pid, serial)
}

// ID identifies the probe for lock files and log lines.
func (p *Probe) ID() string {
	return p.di.Path
}

func (p *Probe) ReportSize() int {
	return p.reportSize
}

func (p *Probe) Close() error {
	if p.d != nil {
		p.d.Close()
		p.d = nil
	}
	return nil
}

func (p *Probe) queryReportSize(ctx context.Context) error {
	resp, err := p.report(ctx, []byte{cmdDAPInfo, dapInfoMaxPacketSize})
	if err != nil {
		return errors.Trace(err)
	}
	buf := bytes.NewBuffer(resp)
	var rl uint8
	var mps uint16
	binary.Read(buf, binary.LittleEndian, &rl)
	if err := binary.Read(buf, binary.LittleEndian, &mps); err != nil || mps == 0 {
		return errors.Errorf("malformed max packet size response")
	}
	p.reportSize = int(mps)
	glog.V(2).Infof("max packet size: %d", p.reportSize)
	return nil
}

// report writes one HID report and returns the response report, stripped of
// the echoed command byte.
func (p *Probe) report(ctx context.Context, data []byte) ([]byte, error) {
	glog.V(4).Infof(" => %s", hex.EncodeToString(data))
	// Leading zero is the unused HID report number.
	if err := p.d.Write(append([]byte{0}, data...)); err != nil {
		return nil, errors.Annotatef(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "probe transaction")
	case resp, ok := <-p.d.ReadCh():
		if !ok {
			return nil, errors.Annotatef(p.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<=  %s", hex.EncodeToString(resp))
		if len(resp) == 0 || resp[0] != data[0] {
			return nil, errors.Errorf("response to wrong command (want 0x%02x)", data[0])
		}
		return resp[1:], nil
	}
}

// fragment header: fragmentInfo byte plus big-endian 16-bit size.
const fragmentHeader = 3

// SendFrame wraps the payload in the EDBG envelope, sends it as one or more
// AVR_CMD reports and polls AVR_RSP until the complete response envelope is
// reassembled.
func (p *Probe) SendFrame(ctx context.Context, scope byte, payload []byte) ([]byte, error) {
	p.sequence++
	seq := p.sequence

	var env bytes.Buffer
	env.WriteByte(sofByte)
	env.WriteByte(envelopeVersion)
	binary.Write(&env, binary.LittleEndian, seq)
	env.WriteByte(scope)
	env.Write(payload)

	if err := p.sendFragments(ctx, env.Bytes()); err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := p.receiveResponse(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 5 {
		return nil, errors.Errorf("short response envelope (%d bytes)", len(resp))
	}
	if resp[0] != sofByte {
		return nil, errors.Errorf("bad response SOF 0x%02x", resp[0])
	}
	gotSeq := binary.LittleEndian.Uint16(resp[2:4])
	if gotSeq != seq {
		return nil, errors.Errorf("response sequence %d, want %d", gotSeq, seq)
	}
	if resp[4] != scope {
		return nil, errors.Errorf("response scope 0x%02x, want 0x%02x", resp[4], scope)
	}
	return resp[5:], nil
}

func (p *Probe) sendFragments(ctx context.Context, data []byte) error {
	chunk := p.reportSize - 1 /* command byte */ - fragmentHeader
	if chunk < 1 {
		return errors.Errorf("report size %d too small", p.reportSize)
	}
	total := (len(data) + chunk - 1) / chunk
	if total > 0x0f {
		return errors.Errorf("frame too large (%d bytes, %d fragments)", len(data), total)
	}
	for i := 0; i < total; i++ {
		part := data[i*chunk:]
		if len(part) > chunk {
			part = part[:chunk]
		}
		var rep bytes.Buffer
		rep.WriteByte(cmdAvrCmd)
		rep.WriteByte(byte((i+1)<<4 | total))
		binary.Write(&rep, binary.BigEndian, uint16(len(part)))
		rep.Write(part)
		resp, err := p.report(ctx, rep.Bytes())
		if err != nil {
			return errors.Trace(err)
		}
		if len(resp) < 1 || resp[0] != 0x01 {
			return errors.Errorf("fragment %d/%d not accepted", i+1, total)
		}
	}
	return nil
}

func (p *Probe) receiveResponse(ctx context.Context) ([]byte, error) {
	var out bytes.Buffer
	for {
		resp, err := p.report(ctx, []byte{cmdAvrRsp})
		if err != nil {
			return nil, errors.Trace(err)
		}
		if len(resp) < fragmentHeader {
			return nil, errors.Errorf("short response report (%d bytes)", len(resp))
		}
		fragInfo := resp[0]
		size := int(binary.BigEndian.Uint16(resp[1:3]))
		if fragInfo == 0 {
			return nil, errors.Errorf("probe has no response pending")
		}
		if len(resp) < fragmentHeader+size {
			return nil, errors.Errorf("truncated response fragment (%d of %d bytes)", len(resp)-fragmentHeader, size)
		}
		out.Write(resp[fragmentHeader : fragmentHeader+size])
		index, total := int(fragInfo>>4), int(fragInfo&0x0f)
		if index >= total {
			return out.Bytes(), nil
		}
	}
}

// PollEvent asks the probe for one pending AVR event and returns its
// payload after the envelope header, or nil when none is pending.
func (p *Probe) PollEvent(ctx context.Context) ([]byte, error) {
	resp, err := p.report(ctx, []byte{cmdAvrEvt})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(resp) < 2 {
		return nil, errors.Errorf("short event report (%d bytes)", len(resp))
	}
	size := int(binary.BigEndian.Uint16(resp[0:2]))
	if size == 0 {
		return nil, nil
	}
	if len(resp) < 2+size {
		return nil, errors.Errorf("truncated event report (%d of %d bytes)", len(resp)-2, size)
	}
	env := resp[2 : 2+size]
	// Event envelope: SOF, sequence, scope, then the event body.
	if len(env) < 4 || env[0] != sofByte {
		return nil, errors.Errorf("malformed event envelope")
	}
	return env[4:], nil
}
