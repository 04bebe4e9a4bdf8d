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
	"fmt"
	"net"

	"github.com/juju/errors"

	"github.com/avr-tools/avrdbg/cli/ourutil"
	"github.com/avr-tools/avrdbg/cli/targetctl"
)

// Server accepts RSP clients and serves them one at a time against the
// target controller.
type Server struct {
	ctl *targetctl.Controller
}

func NewServer(ctl *targetctl.Controller) *Server {
	return &Server{ctl: ctl}
}

// ListenAndServe accepts clients on addr:port until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, addr string, port uint16) error {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return errors.Annotatef(err, "listening on %s:%d", addr, port)
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	ourutil.Reportf("GDB server listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotatef(err, "accepting client")
		}
		ourutil.Reportf("Client connected: %s", conn.RemoteAddr())
		srv.serveClient(ctx, conn)
		ourutil.Reportf("Client disconnected: %s", conn.RemoteAddr())
	}
}

func (srv *Server) serveClient(ctx context.Context, nc net.Conn) {
	conn := newConnection(nc)
	defer conn.close()
	sess, err := newSession(conn, srv.ctl)
	if err != nil {
		ourutil.Errorf("Session setup failed: %v", err)
		return
	}
	if err := sess.serve(ctx); err != nil && ctx.Err() == nil {
		ourutil.Warnf("Session ended: %v", err)
	}
}
