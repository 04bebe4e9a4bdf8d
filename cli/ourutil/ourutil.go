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
package ourutil

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/golang/glog"
)

func Reportf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	glog.Infof(f, args...)
}

func Warnf(f string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, f+"\n", args...)
	glog.Warningf(f, args...)
}

func Errorf(f string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, f+"\n", args...)
	glog.Errorf(f, args...)
}
