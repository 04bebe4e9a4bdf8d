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

import "context"

// Transport carries sub-protocol frames to and from the probe and delivers
// asynchronous events. Implementations own fragmentation, sequencing and the
// physical link.
type Transport interface {
	// SendFrame submits one command frame for the given sub-protocol scope
	// and returns the matching response frame payload.
	SendFrame(ctx context.Context, scope byte, payload []byte) ([]byte, error)

	// PollEvent returns the next pending event frame payload, or nil when no
	// event is pending.
	PollEvent(ctx context.Context) ([]byte, error)

	// ReportSize returns the HID report size of the underlying link, which
	// bounds how much memory data fits in one command.
	ReportSize() int

	Close() error
}
