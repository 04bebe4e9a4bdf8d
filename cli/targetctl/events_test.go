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
	"testing"
	"time"

	"github.com/avr-tools/avrdbg/cli/probe/edbg"
)

func receiveEvent(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Cancel()

	b.Publish(TargetStateChanged{State: edbg.StateRunning})
	b.Publish(TargetStateChanged{State: edbg.StateStopped})
	b.Publish(TargetReset{})

	ev := receiveEvent(t, s)
	if sc, ok := ev.(TargetStateChanged); !ok || sc.State != edbg.StateRunning {
		t.Errorf("first event is %+v", ev)
	}
	ev = receiveEvent(t, s)
	if sc, ok := ev.(TargetStateChanged); !ok || sc.State != edbg.StateStopped {
		t.Errorf("second event is %+v", ev)
	}
	if _, ok := receiveEvent(t, s).(TargetReset); !ok {
		t.Error("third event is not a reset")
	}
}

func TestBusFansOut(t *testing.T) {
	b := NewBus()
	s1 := b.Subscribe()
	defer s1.Cancel()
	s2 := b.Subscribe()
	defer s2.Cancel()

	b.Publish(ProgrammingModeEnabled{})
	for _, s := range []*Subscription{s1, s2} {
		if _, ok := receiveEvent(t, s).(ProgrammingModeEnabled); !ok {
			t.Error("subscriber did not see the event")
		}
	}
}

func TestSubscribeMissesEarlierEvents(t *testing.T) {
	b := NewBus()
	b.Publish(TargetReset{})
	s := b.Subscribe()
	defer s.Cancel()

	b.Publish(ProgrammingModeDisabled{})
	if _, ok := receiveEvent(t, s).(ProgrammingModeDisabled); !ok {
		t.Error("late subscriber saw an event from before it subscribed")
	}
}

func TestCancelDrainsQueueThenCloses(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()

	b.Publish(TargetReset{})
	b.Publish(ProgrammingModeEnabled{})
	s.Cancel()
	// Already-queued events are still delivered.
	if _, ok := receiveEvent(t, s).(TargetReset); !ok {
		t.Error("queued event lost on cancel")
	}
	if _, ok := receiveEvent(t, s).(ProgrammingModeEnabled); !ok {
		t.Error("queued event lost on cancel")
	}
	select {
	case _, ok := <-s.C:
		if ok {
			t.Error("received an event after the queue drained")
		}
	case <-time.After(5 * time.Second):
		t.Error("channel not closed after cancel")
	}
	// Publishing to a cancelled subscription is a no-op.
	b.Publish(TargetReset{})
}

func TestPublishDoesNotBlockOnSlowConsumer(t *testing.T) {
	b := NewBus()
	s := b.Subscribe()
	defer s.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.Publish(TargetStateChanged{State: edbg.StateRunning})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on an unread subscription")
	}
	for i := 0; i < 1000; i++ {
		receiveEvent(t, s)
	}
}
