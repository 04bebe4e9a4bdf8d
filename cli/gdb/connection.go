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
	"context"
	"net"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// connection decodes RSP frames off a client socket. A dedicated reader
// goroutine feeds the parser so that waits for the next packet and waits
// for an interrupt can both be expressed as channel receives.
type connection struct {
	conn net.Conn

	packetCh    chan []byte
	interruptCh chan struct{}
	errCh       chan error
}

func newConnection(conn net.Conn) *connection {
	c := &connection{
		conn:        conn,
		packetCh:    make(chan []byte),
		interruptCh: make(chan struct{}, 1),
		errCh:       make(chan error, 1),
	}
	go c.readLoop()
	return c
}

func (c *connection) readLoop() {
	var parser packetParser
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		for _, b := range buf[:n] {
			ev, perr := parser.feed(b)
			if perr != nil {
				glog.Warningf("%s: %v", c.conn.RemoteAddr(), perr)
				continue
			}
			if ev == nil {
				continue
			}
			switch {
			case ev.Interrupt:
				select {
				case c.interruptCh <- struct{}{}:
				default:
				}
			case ev.BadChecksum:
				glog.Warningf("%s: packet checksum mismatch", c.conn.RemoteAddr())
				c.writeRaw([]byte{'-'})
			default:
				c.writeRaw([]byte{'+'})
				c.packetCh <- ev.Payload
			}
		}
		if err != nil {
			c.errCh <- errors.Trace(err)
			close(c.packetCh)
			return
		}
	}
}

func (c *connection) writeRaw(data []byte) {
	if _, err := c.conn.Write(data); err != nil {
		glog.V(2).Infof("%s: write: %v", c.conn.RemoteAddr(), err)
	}
}

// sendPacket frames and transmits one reply.
func (c *connection) sendPacket(payload []byte) error {
	pkt := encodePacket(payload)
	glog.V(4).Infof("=> %s", pkt)
	if _, err := c.conn.Write(pkt); err != nil {
		return errors.Annotatef(err, "sending reply")
	}
	return nil
}

// nextPacket blocks for the next command packet. Interrupts received while
// waiting are surfaced through interruptCh, not here.
func (c *connection) nextPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case pkt, ok := <-c.packetCh:
		if !ok {
			return nil, errors.Annotatef(<-c.errCh, "client gone")
		}
		glog.V(4).Infof("<= %s", pkt)
		return pkt, nil
	}
}

func (c *connection) close() {
	c.conn.Close()
}
