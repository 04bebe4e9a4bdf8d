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
	"fmt"

	"github.com/avr-tools/avrdbg/cli/target"
)

// targetXML renders the target description GDB fetches through
// qXfer:features:read. Register order follows the RSP slot numbering.
func targetXML(gd *target.GdbDescriptor) []byte {
	var b bytes.Buffer
	b.WriteString("<?xml version=\"1.0\"?>\n")
	b.WriteString("<!DOCTYPE target SYSTEM \"gdb-target.dtd\">\n")
	b.WriteString("<target version=\"1.0\">\n")
	b.WriteString("<architecture>avr</architecture>\n")
	b.WriteString("<feature name=\"org.gnu.gdb.avr.cpu\">\n")
	for i := range gd.Regs {
		r := &gd.Regs[i]
		switch {
		case r.IsPC:
			fmt.Fprintf(&b, "<reg name=\"pc\" bitsize=\"%d\" type=\"code_ptr\"/>\n", r.WireSize*8)
		case r.Slot == target.GdbRegSREG:
			fmt.Fprintf(&b, "<reg name=\"sreg\" bitsize=\"%d\" type=\"int\"/>\n", r.WireSize*8)
		case r.Slot == target.GdbRegSP:
			fmt.Fprintf(&b, "<reg name=\"sp\" bitsize=\"%d\" type=\"data_ptr\"/>\n", r.WireSize*8)
		default:
			fmt.Fprintf(&b, "<reg name=\"r%d\" bitsize=\"%d\" type=\"int\"/>\n", r.Slot, r.WireSize*8)
		}
	}
	b.WriteString("</feature>\n")
	b.WriteString("</target>\n")
	return b.Bytes()
}
