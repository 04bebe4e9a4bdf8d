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
package gdb

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/probe/edbg"
	"github.com/avr-tools/avrdbg/cli/target"
	"github.com/avr-tools/avrdbg/cli/targetctl"
)

// GDB's AVR address space selectors. Flash lives at the bottom, data and
// EEPROM are offset into the upper ranges.
const (
	sramAddressOffset   = 0x800000
	eepromAddressOffset = 0x810000
)

// breakpoint kinds as requested by the client. Hardware requests are
// honored through the same software mechanism but reported back as
// hardware stops.
const (
	breakKindSoftware = '0'
	breakKindHardware = '1'
)

type flashChunk struct {
	addr uint32
	data []byte
}

// session serves one RSP client.
type session struct {
	conn    *connection
	ctl     *targetctl.Controller
	desc    *target.Descriptor
	gdbDesc *target.GdbDescriptor
	xml     []byte

	breaks map[uint32]byte

	flashChunks []flashChunk
	flashErased bool

	lastStop []byte
}

func newSession(conn *connection, ctl *targetctl.Controller) (*session, error) {
	desc := ctl.Descriptor()
	gd, err := target.NewGdbDescriptor(desc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &session{
		conn:     conn,
		ctl:      ctl,
		desc:     desc,
		gdbDesc:  gd,
		xml:      targetXML(gd),
		breaks:   map[uint32]byte{},
		lastStop: []byte("S05"),
	}, nil
}

// serve runs the command loop until the client disconnects or detaches.
func (s *session) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-s.conn.interruptCh:
			// An interrupt with nothing running still stops the target
			// and reports.
			if err := s.interrupt(ctx); err != nil {
				return errors.Trace(err)
			}
		case pkt, ok := <-s.conn.packetCh:
			if !ok {
				return errors.Annotatef(<-s.conn.errCh, "client gone")
			}
			glog.V(4).Infof("<= %s", pkt)
			detach, err := s.dispatch(ctx, pkt)
			if err != nil {
				return errors.Trace(err)
			}
			if detach {
				return nil
			}
		}
	}
}

func (s *session) reply(payload string) error {
	return errors.Trace(s.conn.sendPacket([]byte(payload)))
}

func (s *session) replyBytes(payload []byte) error {
	return errors.Trace(s.conn.sendPacket(payload))
}

// replyError reports a command failure to the client and logs it. Protocol
// handling continues; only transport errors end the session.
func (s *session) replyError(cmd byte, err error) error {
	glog.Warningf("command %q: %v", cmd, err)
	return errors.Trace(s.reply("E01"))
}

func (s *session) dispatch(ctx context.Context, pkt []byte) (bool, error) {
	if len(pkt) == 0 {
		return false, errors.Trace(s.reply(""))
	}
	cmd, rest := pkt[0], string(pkt[1:])
	switch cmd {
	case 'q':
		return false, errors.Trace(s.handleQuery(ctx, string(pkt)))
	case '?':
		return false, errors.Trace(s.replyBytes(s.lastStop))
	case 'g':
		return false, errors.Trace(s.handleReadAllRegisters(ctx))
	case 'G':
		return false, errors.Trace(s.handleWriteAllRegisters(ctx, rest))
	case 'p':
		return false, errors.Trace(s.handleReadRegister(ctx, rest))
	case 'P':
		return false, errors.Trace(s.handleWriteRegister(ctx, rest))
	case 'm':
		return false, errors.Trace(s.handleReadMemory(ctx, rest))
	case 'M':
		return false, errors.Trace(s.handleWriteMemory(ctx, rest))
	case 'Z', 'z':
		return false, errors.Trace(s.handleBreakpoint(ctx, cmd, rest))
	case 'c':
		return false, errors.Trace(s.handleContinue(ctx, rest))
	case 's':
		return false, errors.Trace(s.handleStep(ctx, rest))
	case 'v':
		return s.handleV(ctx, string(pkt))
	case 'D':
		return true, errors.Trace(s.handleDetach(ctx))
	case 'H':
		// Thread selection; there is exactly one thread.
		return false, errors.Trace(s.reply("OK"))
	case 'k':
		return true, nil
	}
	// Unsupported commands get the empty response.
	return false, errors.Trace(s.reply(""))
}

func (s *session) handleQuery(ctx context.Context, pkt string) error {
	switch {
	case strings.HasPrefix(pkt, "qSupported"):
		return errors.Trace(s.reply(fmt.Sprintf(
			"PacketSize=%x;qXfer:features:read+;swbreak+;hwbreak+", MaxPacketSize)))
	case pkt == "qAttached":
		return errors.Trace(s.reply("1"))
	case strings.HasPrefix(pkt, "qXfer:features:read:target.xml:"):
		return errors.Trace(s.handleFeaturesRead(strings.TrimPrefix(pkt, "qXfer:features:read:target.xml:")))
	case strings.HasPrefix(pkt, "qRcmd,"):
		return errors.Trace(s.handleRcmd(ctx, strings.TrimPrefix(pkt, "qRcmd,")))
	case pkt == "qC":
		return errors.Trace(s.reply(""))
	}
	return errors.Trace(s.reply(""))
}

// handleFeaturesRead serves one window of the target description.
func (s *session) handleFeaturesRead(args string) error {
	var offset, length int
	if _, err := fmt.Sscanf(args, "%x,%x", &offset, &length); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	if offset >= len(s.xml) {
		return errors.Trace(s.reply("l"))
	}
	end := offset + length
	marker := byte('m')
	if end >= len(s.xml) {
		end = len(s.xml)
		marker = 'l'
	}
	return errors.Trace(s.replyBytes(append([]byte{marker}, s.xml[offset:end]...)))
}

func (s *session) handleRcmd(ctx context.Context, hexLine string) error {
	line, err := hex.DecodeString(hexLine)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	out, err := s.handleMonitor(ctx, string(line))
	if err != nil {
		return s.replyError('q', err)
	}
	if out == "" {
		return errors.Trace(s.reply("OK"))
	}
	return errors.Trace(s.reply(hex.EncodeToString([]byte(out))))
}

// registerDescs returns the descriptors for every non-PC register slot, in
// slot order.
func (s *session) registerDescs() []*target.RegisterDescriptor {
	descs := make([]*target.RegisterDescriptor, 0, target.GdbRegCount-1)
	for i := range s.gdbDesc.Regs {
		if !s.gdbDesc.Regs[i].IsPC {
			descs = append(descs, s.gdbDesc.Regs[i].Desc)
		}
	}
	return descs
}

// wireValue renders one register value in the wire format: LSB first, zero
// padded to the slot's wire size.
func wireValue(msb []byte, wireSize int) []byte {
	out := make([]byte, wireSize)
	for i := 0; i < len(msb) && i < wireSize; i++ {
		out[i] = msb[len(msb)-1-i]
	}
	return out
}

func (s *session) handleReadAllRegisters(ctx context.Context) error {
	vals, err := s.ctl.ReadRegisters(ctx, s.registerDescs())
	if err != nil {
		return s.replyError('g', err)
	}
	pc, err := s.ctl.GetPC(ctx)
	if err != nil {
		return s.replyError('g', err)
	}
	var b bytes.Buffer
	vi := 0
	for i := range s.gdbDesc.Regs {
		r := &s.gdbDesc.Regs[i]
		if r.IsPC {
			fmt.Fprintf(&b, "%02x%02x%02x%02x",
				pc&0xff, (pc>>8)&0xff, (pc>>16)&0xff, (pc>>24)&0xff)
			continue
		}
		b.WriteString(hex.EncodeToString(wireValue(vals[vi].Value, r.WireSize)))
		vi++
	}
	return errors.Trace(s.replyBytes(b.Bytes()))
}

func (s *session) handleWriteAllRegisters(ctx context.Context, args string) error {
	raw, err := hex.DecodeString(args)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	var regs []target.RegisterValue
	var pc *uint32
	off := 0
	for i := range s.gdbDesc.Regs {
		r := &s.gdbDesc.Regs[i]
		if off+r.WireSize > len(raw) {
			return errors.Trace(s.reply("E01"))
		}
		wire := raw[off : off+r.WireSize]
		off += r.WireSize
		if r.IsPC {
			v := uint32(wire[0]) | uint32(wire[1])<<8 | uint32(wire[2])<<16 | uint32(wire[3])<<24
			pc = &v
			continue
		}
		regs = append(regs, target.RegisterValue{Desc: r.Desc, Value: wireValue(wire, r.Desc.Size)})
	}
	if err := s.ctl.WriteRegisters(ctx, regs); err != nil {
		return s.replyError('G', err)
	}
	if pc != nil {
		if err := s.ctl.SetPC(ctx, *pc); err != nil {
			return s.replyError('G', err)
		}
	}
	return errors.Trace(s.reply("OK"))
}

func (s *session) handleReadRegister(ctx context.Context, args string) error {
	var slot int
	if _, err := fmt.Sscanf(args, "%x", &slot); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	r, err := s.gdbDesc.Register(slot)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	if r.IsPC {
		pc, err := s.ctl.GetPC(ctx)
		if err != nil {
			return s.replyError('p', err)
		}
		return errors.Trace(s.reply(fmt.Sprintf("%02x%02x%02x%02x",
			pc&0xff, (pc>>8)&0xff, (pc>>16)&0xff, (pc>>24)&0xff)))
	}
	vals, err := s.ctl.ReadRegisters(ctx, []*target.RegisterDescriptor{r.Desc})
	if err != nil {
		return s.replyError('p', err)
	}
	return errors.Trace(s.reply(hex.EncodeToString(wireValue(vals[0].Value, r.WireSize))))
}

func (s *session) handleWriteRegister(ctx context.Context, args string) error {
	parts := strings.SplitN(args, "=", 2)
	if len(parts) != 2 {
		return errors.Trace(s.reply("E01"))
	}
	var slot int
	if _, err := fmt.Sscanf(parts[0], "%x", &slot); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	wire, err := hex.DecodeString(parts[1])
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	r, err := s.gdbDesc.Register(slot)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	if len(wire) != r.WireSize {
		return errors.Trace(s.reply("E01"))
	}
	if r.IsPC {
		pc := uint32(wire[0]) | uint32(wire[1])<<8 | uint32(wire[2])<<16 | uint32(wire[3])<<24
		if err := s.ctl.SetPC(ctx, pc); err != nil {
			return s.replyError('P', err)
		}
		return errors.Trace(s.reply("OK"))
	}
	rv := target.RegisterValue{Desc: r.Desc, Value: wireValue(wire, r.Desc.Size)}
	if err := s.ctl.WriteRegisters(ctx, []target.RegisterValue{rv}); err != nil {
		return s.replyError('P', err)
	}
	return errors.Trace(s.reply("OK"))
}

// mapAddress translates a client address into a memory space and a
// space-local address the descriptor understands.
func (s *session) mapAddress(addr uint32) (target.MemoryType, uint32, error) {
	switch {
	case addr >= eepromAddressOffset:
		md, ok := s.desc.Memories[target.MemEEPROM]
		if !ok {
			return 0, 0, errors.NotFoundf("eeprom on %s", s.desc.Name)
		}
		return target.MemEEPROM, addr - eepromAddressOffset + md.Start, nil
	case addr >= sramAddressOffset:
		return target.MemRAM, addr - sramAddressOffset, nil
	}
	return target.MemFlash, addr, nil
}

func (s *session) handleReadMemory(ctx context.Context, args string) error {
	var addr, size uint32
	if _, err := fmt.Sscanf(args, "%x,%x", &addr, &size); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	mt, local, err := s.mapAddress(addr)
	if err != nil {
		return s.replyError('m', err)
	}
	data, err := s.ctl.ReadMemory(ctx, mt, local, size)
	if err != nil {
		return s.replyError('m', err)
	}
	return errors.Trace(s.reply(hex.EncodeToString(data)))
}

func (s *session) handleWriteMemory(ctx context.Context, args string) error {
	parts := strings.SplitN(args, ":", 2)
	if len(parts) != 2 {
		return errors.Trace(s.reply("E01"))
	}
	var addr, size uint32
	if _, err := fmt.Sscanf(parts[0], "%x,%x", &addr, &size); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil || uint32(len(data)) != size {
		return errors.Trace(s.reply("E01"))
	}
	mt, local, err := s.mapAddress(addr)
	if err != nil {
		return s.replyError('M', err)
	}
	if mt == target.MemFlash {
		// Flash is written through the vFlash sequence only.
		return errors.Trace(s.reply("E01"))
	}
	if err := s.ctl.WriteMemory(ctx, mt, local, data); err != nil {
		return s.replyError('M', err)
	}
	return errors.Trace(s.reply("OK"))
}

func (s *session) handleBreakpoint(ctx context.Context, cmd byte, args string) error {
	parts := strings.Split(args, ",")
	if len(parts) < 2 {
		return errors.Trace(s.reply("E01"))
	}
	kind := parts[0]
	if kind != "0" && kind != "1" {
		// Watchpoints and the rest are not supported.
		return errors.Trace(s.reply(""))
	}
	var addr uint32
	if _, err := fmt.Sscanf(parts[1], "%x", &addr); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	if cmd == 'Z' {
		if err := s.ctl.SetBreakpoint(ctx, addr); err != nil {
			return s.replyError(cmd, err)
		}
		s.breaks[addr] = kind[0]
	} else {
		if err := s.ctl.RemoveBreakpoint(ctx, addr); err != nil {
			return s.replyError(cmd, err)
		}
		delete(s.breaks, addr)
	}
	return errors.Trace(s.reply("OK"))
}

func parseOptionalAddr(args string) (*uint32, error) {
	if args == "" {
		return nil, nil
	}
	var addr uint32
	if _, err := fmt.Sscanf(args, "%x", &addr); err != nil {
		return nil, errors.Trace(err)
	}
	return &addr, nil
}

func (s *session) handleContinue(ctx context.Context, args string) error {
	from, err := parseOptionalAddr(args)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	return errors.Trace(s.resume(ctx, from))
}

func (s *session) handleStep(ctx context.Context, args string) error {
	from, err := parseOptionalAddr(args)
	if err != nil {
		return errors.Trace(s.reply("E01"))
	}
	sub := s.ctl.Bus().Subscribe()
	defer sub.Cancel()
	if err := s.ctl.Step(ctx, from); err != nil {
		return s.replyError('s', err)
	}
	return errors.Trace(s.waitStop(ctx, sub))
}

// resume continues execution and blocks until the target stops again,
// either on a breakpoint or on a client interrupt.
func (s *session) resume(ctx context.Context, from *uint32) error {
	sub := s.ctl.Bus().Subscribe()
	defer sub.Cancel()
	if err := s.ctl.Continue(ctx, from, nil); err != nil {
		return s.replyError('c', err)
	}
	return errors.Trace(s.waitStop(ctx, sub))
}

// waitStop waits for the next stop transition and sends the stop reply.
func (s *session) waitStop(ctx context.Context, sub *targetctl.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-s.conn.interruptCh:
			return errors.Trace(s.interrupt(ctx))
		case ev, ok := <-sub.C:
			if !ok {
				return errors.Errorf("event bus closed")
			}
			sc, isState := ev.(targetctl.TargetStateChanged)
			if !isState || sc.State != edbg.StateStopped {
				continue
			}
			s.lastStop = s.stopReply(sc.Break)
			return errors.Trace(s.replyBytes(s.lastStop))
		}
	}
}

// interrupt stops the target on the client's behalf and reports SIGINT.
func (s *session) interrupt(ctx context.Context) error {
	if err := s.ctl.Stop(ctx); err != nil {
		return s.replyError(interruptByte, err)
	}
	s.lastStop = []byte("S02")
	return errors.Trace(s.replyBytes(s.lastStop))
}

// stopReply composes the stop packet for one break event. Stops at known
// breakpoints carry the reason the client asked for.
func (s *session) stopReply(br *edbg.BreakEvent) []byte {
	if br == nil || br.Cause != edbg.BreakCauseProgram {
		return []byte("S05")
	}
	switch s.breaks[br.PC] {
	case breakKindSoftware:
		return []byte("T05swbreak:;")
	case breakKindHardware:
		return []byte("T05hwbreak:;")
	}
	return []byte("S05")
}

func (s *session) handleV(ctx context.Context, pkt string) (bool, error) {
	switch {
	case pkt == "vCont?":
		return false, errors.Trace(s.reply("vCont;c;s;t"))
	case strings.HasPrefix(pkt, "vCont;"):
		return false, errors.Trace(s.handleVCont(ctx, strings.TrimPrefix(pkt, "vCont;")))
	case strings.HasPrefix(pkt, "vFlashErase:"):
		return false, errors.Trace(s.handleFlashErase(ctx, strings.TrimPrefix(pkt, "vFlashErase:")))
	case strings.HasPrefix(pkt, "vFlashWrite:"):
		return false, errors.Trace(s.handleFlashWrite(strings.TrimPrefix(pkt, "vFlashWrite:")))
	case pkt == "vFlashDone":
		return false, errors.Trace(s.handleFlashDone(ctx))
	}
	return false, errors.Trace(s.reply(""))
}

func (s *session) handleVCont(ctx context.Context, actions string) error {
	// One thread; the first action is the one that applies.
	action := strings.SplitN(actions, ";", 2)[0]
	action = strings.SplitN(action, ":", 2)[0]
	switch action {
	case "c":
		return errors.Trace(s.resume(ctx, nil))
	case "s":
		return errors.Trace(s.handleStep(ctx, ""))
	case "t":
		return errors.Trace(s.interrupt(ctx))
	}
	return errors.Trace(s.reply(""))
}

func (s *session) handleFlashErase(ctx context.Context, args string) error {
	var addr, size uint32
	if _, err := fmt.Sscanf(args, "%x,%x", &addr, &size); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	if err := s.ctl.EnableProgrammingMode(ctx); err != nil {
		return s.replyError('v', err)
	}
	if !s.flashErased {
		if err := s.ctl.Erase(ctx, target.MemFlash); err != nil {
			return s.replyError('v', err)
		}
		s.flashErased = true
	}
	return errors.Trace(s.reply("OK"))
}

func (s *session) handleFlashWrite(args string) error {
	parts := strings.SplitN(args, ":", 2)
	if len(parts) != 2 {
		return errors.Trace(s.reply("E01"))
	}
	var addr uint32
	if _, err := fmt.Sscanf(parts[0], "%x", &addr); err != nil {
		return errors.Trace(s.reply("E01"))
	}
	data := make([]byte, len(parts[1]))
	copy(data, parts[1])
	s.flashChunks = append(s.flashChunks, flashChunk{addr: addr, data: data})
	return errors.Trace(s.reply("OK"))
}

func (s *session) handleFlashDone(ctx context.Context) error {
	chunks := s.flashChunks
	s.flashChunks = nil
	s.flashErased = false
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].addr < chunks[j].addr })
	// Adjacent chunks of one image are written as a single region so page
	// assembly sees them whole.
	var merged []flashChunk
	for _, ch := range chunks {
		if n := len(merged); n > 0 && merged[n-1].addr+uint32(len(merged[n-1].data)) == ch.addr {
			merged[n-1].data = append(merged[n-1].data, ch.data...)
			continue
		}
		merged = append(merged, ch)
	}
	for _, ch := range merged {
		if err := s.ctl.WriteMemory(ctx, target.MemFlash, ch.addr, ch.data); err != nil {
			return s.replyError('v', err)
		}
	}
	if err := s.ctl.DisableProgrammingMode(ctx); err != nil {
		return s.replyError('v', err)
	}
	return errors.Trace(s.reply("OK"))
}

// handleDetach clears server-side breakpoints and lets the target run.
func (s *session) handleDetach(ctx context.Context) error {
	if err := s.ctl.ClearAllBreakpoints(ctx); err != nil {
		glog.Warningf("clearing breakpoints on detach: %v", err)
	}
	if err := s.ctl.Continue(ctx, nil, nil); err != nil {
		glog.Warningf("resuming on detach: %v", err)
	}
	return errors.Trace(s.reply("OK"))
}
