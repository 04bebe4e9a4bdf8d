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
package targetctl

import (
	"sync"

	"github.com/golang/glog"

	"github.com/avr-tools/avrdbg/cli/probe/edbg"
	"github.com/avr-tools/avrdbg/cli/target"
)

// Event is the marker interface for everything published on the bus.
type Event interface {
	EventName() string
}

// TargetStateChanged is published whenever the execution state observed by
// the controller changes, including stops caused by breakpoints and by
// explicit stop commands.
type TargetStateChanged struct {
	State edbg.TargetState
	// Break is the stop event when the transition was caused by one,
	// nil otherwise.
	Break *edbg.BreakEvent
}

func (TargetStateChanged) EventName() string { return "TargetStateChanged" }

// TargetReset is published after a completed target reset.
type TargetReset struct{}

func (TargetReset) EventName() string { return "TargetReset" }

// RegistersWritten is published after a register write command completes.
type RegistersWritten struct {
	Registers []target.RegisterValue
}

func (RegistersWritten) EventName() string { return "RegistersWritten" }

// MemoryWritten is published after a memory write or erase completes.
type MemoryWritten struct {
	Type target.MemoryType
	Addr uint32
	Size uint32
}

func (MemoryWritten) EventName() string { return "MemoryWritten" }

// ProgrammingModeEnabled is published when the target enters programming
// mode.
type ProgrammingModeEnabled struct{}

func (ProgrammingModeEnabled) EventName() string { return "ProgrammingModeEnabled" }

// ProgrammingModeDisabled is published when the target leaves programming
// mode.
type ProgrammingModeDisabled struct{}

func (ProgrammingModeDisabled) EventName() string { return "ProgrammingModeDisabled" }

// ControllerSuspended is published after the controller released the debug
// session and stopped accepting target commands.
type ControllerSuspended struct {
	Descriptor *target.Descriptor
}

func (ControllerSuspended) EventName() string { return "ControllerSuspended" }

// ControllerResumed is published after a suspended controller reacquired
// the debug session.
type ControllerResumed struct {
	Descriptor *target.Descriptor
}

func (ControllerResumed) EventName() string { return "ControllerResumed" }

// ControllerError is published when the controller hits a fault it cannot
// attribute to one command, e.g. a failed background state poll.
type ControllerError struct {
	Err error
}

func (ControllerError) EventName() string { return "ControllerError" }

// Subscription is one listener's view of the bus. Events arrive on C in
// publication order; none are dropped, the queue between the bus and C is
// unbounded.
type Subscription struct {
	C chan Event

	bus  *Bus
	mu   sync.Mutex
	cond *sync.Cond
	// queue decouples publishers from slow consumers.
	queue  []Event
	closed bool
}

func newSubscription(b *Bus) *Subscription {
	s := &Subscription{C: make(chan Event), bus: b}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			close(s.C)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.C <- ev
	}
}

// Cancel detaches the subscription. Queued events are still delivered, then
// C is closed.
func (s *Subscription) Cancel() {
	s.bus.unsubscribe(s)
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// Bus fans events out to subscribers. Publishing never blocks on consumers
// and every subscriber sees every event published after it subscribed, in
// order.
type Bus struct {
	mu   sync.Mutex
	subs []*Subscription
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSubscription(b)
	b.subs = append(b.subs, s)
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ss := range b.subs {
		if ss == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	glog.V(3).Infof("event: %s", ev.EventName())
	for _, s := range subs {
		s.push(ev)
	}
}
