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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/avr-tools/avrdbg/version"
)

// handleMonitor executes one "monitor" line from the client and returns
// the text to show the user.
func (s *session) handleMonitor(ctx context.Context, line string) (string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return "", errors.Annotatef(err, "parsing monitor command")
	}
	if len(args) == 0 {
		return s.monitorHelp(), nil
	}
	switch args[0] {
	case "version", "version-machine":
		if args[0] == "version-machine" || (len(args) > 1 && args[1] == "machine") {
			b, err := json.Marshal(version.GetVersionJson())
			if err != nil {
				return "", errors.Trace(err)
			}
			return string(b) + "\n", nil
		}
		return fmt.Sprintf("avrdbg %s (%s), built %s\n",
			version.Version, version.BuildId, version.BuildDate), nil
	case "reset":
		if err := s.ctl.Reset(ctx); err != nil {
			return "", errors.Trace(err)
		}
		return "Target reset.\n", nil
	case "help":
		return s.monitorHelp(), nil
	}
	return "", errors.NotFoundf("monitor command %q", args[0])
}

func (s *session) monitorHelp() string {
	var b strings.Builder
	b.WriteString("Supported monitor commands:\n")
	b.WriteString("  version          - show server version\n")
	b.WriteString("  version-machine  - show server version as JSON\n")
	b.WriteString("  reset            - reset the target\n")
	b.WriteString("  help             - this text\n")
	return b.String()
}
