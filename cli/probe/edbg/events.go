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
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// BreakEvent is emitted by the probe when the target halts. PC is a byte
// address; Cause carries the probe's break cause byte.
type BreakEvent struct {
	PC    uint32
	Cause byte
}

// Break cause values reported by the probe.
const (
	BreakCauseUnspecified = 0x00
	BreakCauseProgram     = 0x01
)

const eventPollInterval = 50 * time.Millisecond

// pollBreakEvent drains all pending events and returns the last break event
// seen, or nil when none is pending.
func (a *AVR8) pollBreakEvent(ctx context.Context) (*BreakEvent, error) {
	var last *BreakEvent
	for {
		raw, err := a.tr.PollEvent(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if raw == nil {
			return last, nil
		}
		ev := decodeEvent(raw)
		if ev != nil {
			last = ev
		}
	}
}

func decodeEvent(raw []byte) *BreakEvent {
	if len(raw) < 2 {
		glog.Warningf("short event frame (%d bytes)", len(raw))
		return nil
	}
	id, payload := raw[0], raw[2:]
	if id != evtBreak {
		glog.V(2).Infof("ignoring event 0x%02x", id)
		return nil
	}
	if len(payload) < 5 {
		glog.Warningf("short break event payload (%d bytes)", len(payload))
		return nil
	}
	// The probe reports the program counter as a word address.
	return &BreakEvent{
		PC:    binary.LittleEndian.Uint32(payload[0:4]) * 2,
		Cause: payload[4],
	}
}

// clearEvents discards all pending events. Used before issuing run/step so a
// stale break event is not mistaken for a fresh halt.
func (a *AVR8) clearEvents(ctx context.Context) error {
	for {
		raw, err := a.tr.PollEvent(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if raw == nil {
			return nil
		}
		glog.V(3).Infof("discarding stale event 0x%02x", raw[0])
	}
}

// waitForBreak polls for a break event until one arrives, ctx is canceled or
// the timeout expires.
func (a *AVR8) waitForBreak(ctx context.Context, timeout time.Duration) (*BreakEvent, error) {
	deadline := time.Now().Add(timeout)
	for {
		ev, err := a.pollBreakEvent(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if ev != nil {
			return ev, nil
		}
		if time.Now().After(deadline) {
			return nil, errors.Timeoutf("waiting for target to stop")
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-time.After(eventPollInterval):
		}
	}
}
