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
	"testing"
)

// feedAll pushes a byte stream through the parser and collects the decoded
// payloads.
func feedAll(t *testing.T, p *packetParser, stream []byte) ([][]byte, []parseEvent) {
	t.Helper()
	var payloads [][]byte
	var other []parseEvent
	for _, b := range stream {
		ev, err := p.feed(b)
		if err != nil {
			t.Fatalf("feed(0x%02x): %v", b, err)
		}
		if ev == nil {
			continue
		}
		if ev.Payload != nil {
			payloads = append(payloads, ev.Payload)
		} else {
			other = append(other, *ev)
		}
	}
	return payloads, other
}

func TestEncodePacket(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{"", "$#00"},
		{"g", "$g#67"},
		{"OK", "$OK#9a"},
		{"qSupported", "$qSupported#37"},
	}
	for _, c := range cases {
		got := encodePacket([]byte(c.payload))
		if string(got) != c.want {
			t.Errorf("encodePacket(%q) = %q, want %q", c.payload, got, c.want)
		}
	}
}

func TestEncodeEscapesFramingBytes(t *testing.T) {
	got := encodePacket([]byte{'a', '#', 'b'})
	// '#' becomes '}' 0x03; the checksum covers the escaped form.
	want := append([]byte("$a}"), 0x03, 'b', '#')
	var sum byte
	for _, b := range []byte{'a', '}', 0x03, 'b'} {
		sum += b
	}
	want = append(want, hexDigit(sum>>4), hexDigit(sum&0xf))
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}

func TestParseRoundTrip(t *testing.T) {
	payloads := []string{
		"g",
		"m800100,40",
		"vFlashWrite:0:" + string([]byte{0x00, 0x7d, 0x5d, 0x23, 0x24, 0x2a}),
		"",
	}
	p := &packetParser{}
	for _, s := range payloads {
		got, other := feedAll(t, p, encodePacket([]byte(s)))
		if len(other) != 0 {
			t.Fatalf("%q: unexpected events %+v", s, other)
		}
		if len(got) != 1 || string(got[0]) != s {
			t.Errorf("%q did not round-trip: %q", s, got)
		}
	}
}

func TestParseSequentialPackets(t *testing.T) {
	p := &packetParser{}
	stream := append([]byte("+"), encodePacket([]byte("s"))...)
	stream = append(stream, '-')
	stream = append(stream, encodePacket([]byte("c"))...)
	got, other := feedAll(t, p, stream)
	if len(other) != 0 {
		t.Fatalf("unexpected events %+v", other)
	}
	if len(got) != 2 || string(got[0]) != "s" || string(got[1]) != "c" {
		t.Errorf("got %q, want [s c]", got)
	}
}

func TestParseRunLength(t *testing.T) {
	p := &packetParser{}
	// "0* " expands to four zeros: ' ' is 32, 32-29 = 3 extra copies.
	body := []byte("0* ")
	stream := []byte{'$'}
	stream = append(stream, body...)
	stream = append(stream, '#')
	sum := checksum(body)
	stream = append(stream, hexDigit(sum>>4), hexDigit(sum&0xf))

	got, _ := feedAll(t, p, stream)
	if len(got) != 1 || string(got[0]) != "0000" {
		t.Errorf("got %q, want [0000]", got)
	}
}

func TestParseRunLengthMalformed(t *testing.T) {
	p := &packetParser{}
	for _, b := range []byte("$0*") {
		if _, err := p.feed(b); err != nil {
			t.Fatalf("feed(%q): %v", b, err)
		}
	}
	// Count below the minimum run of 3.
	if _, err := p.feed(30); err == nil {
		t.Error("expected an error for a run of 1")
	}
	p.reset()
	for _, b := range []byte("$*") {
		if _, err := p.feed(b); err != nil {
			t.Fatalf("feed(%q): %v", b, err)
		}
	}
	// No preceding byte to repeat.
	if _, err := p.feed(' '); err == nil {
		t.Error("expected an error for a run with no subject")
	}
}

func TestParseBadChecksum(t *testing.T) {
	p := &packetParser{}
	_, other := feedAll(t, p, []byte("$g#00"))
	if len(other) != 1 || !other[0].BadChecksum {
		t.Fatalf("got %+v, want a bad checksum event", other)
	}
	// The parser recovers for the next packet.
	got, _ := feedAll(t, p, encodePacket([]byte("g")))
	if len(got) != 1 || string(got[0]) != "g" {
		t.Errorf("parser did not recover: %q", got)
	}
}

func TestParseInterrupt(t *testing.T) {
	p := &packetParser{}
	ev, err := p.feed(0x03)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil || !ev.Interrupt {
		t.Fatalf("got %+v, want an interrupt event", ev)
	}
}

func TestParseEscapedEndInsidePayload(t *testing.T) {
	p := &packetParser{}
	got, other := feedAll(t, p, encodePacket([]byte("X#Y")))
	if len(other) != 0 {
		t.Fatalf("unexpected events %+v", other)
	}
	if len(got) != 1 || string(got[0]) != "X#Y" {
		t.Errorf("got %q, want [X#Y]", got)
	}
}
