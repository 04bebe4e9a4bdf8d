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

// Package config reads the avrdbg project file. A project file declares one
// or more named environments, each binding a debug probe, a target and the
// GDB server listen address.
package config

import (
	"io/ioutil"
	"sort"
	"strings"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"
)

const DefaultFileName = "avrdbg.yaml"

// ProjectConfig is the top-level structure of the project file.
type ProjectConfig struct {
	Environments map[string]*Environment `yaml:"environments"`
}

// Environment binds a probe, a target and server settings under a name
// selectable with --env.
type Environment struct {
	Probe  ProbeConfig  `yaml:"probe"`
	Target TargetConfig `yaml:"target"`
	Server ServerConfig `yaml:"server"`
}

// ProbeConfig selects the debug probe. VID/PID default to the Microchip EDBG
// family when left zero; Serial narrows the match when several probes are
// attached.
type ProbeConfig struct {
	VID    uint16 `yaml:"vid"`
	PID    uint16 `yaml:"pid"`
	Serial string `yaml:"serial"`
}

type TargetConfig struct {
	Name              string `yaml:"name"`
	PhysicalInterface string `yaml:"physical_interface"`

	ManageDWENFuse                  bool `yaml:"manage_dwen_fuse"`
	ManageOCDENFuse                 bool `yaml:"manage_ocden_fuse"`
	DisableDebugWireOnDeactivate    bool `yaml:"disable_debug_wire_on_deactivate"`
	PreserveEEPROM                  bool `yaml:"preserve_eeprom"`
	CycleTargetPowerPostDWENUpdate  bool `yaml:"cycle_target_power_post_dwen_update"`
	ReactivateAfterProgrammingMode  bool `yaml:"reactivate_after_programming_mode"`
}

type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Port          uint16 `yaml:"port"`
}

// Defaults applied to fields the project file leaves unset.
const (
	DefaultListenAddress = "127.0.0.1"
	DefaultPort          = 1442
)

// Load reads and validates the project file at path.
func Load(path string) (*ProjectConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read project file %q", path)
	}
	return Parse(data)
}

// Parse decodes a project file and applies defaults.
func Parse(data []byte) (*ProjectConfig, error) {
	var pc ProjectConfig
	if err := yaml.UnmarshalStrict(data, &pc); err != nil {
		return nil, errors.Annotatef(err, "invalid project file")
	}
	if len(pc.Environments) == 0 {
		return nil, errors.Errorf("project file declares no environments")
	}
	for name, env := range pc.Environments {
		if env == nil {
			return nil, errors.Errorf("environment %q is empty", name)
		}
		if env.Target.Name == "" {
			return nil, errors.Errorf("environment %q: target.name is required", name)
		}
		if env.Target.PhysicalInterface == "" {
			return nil, errors.Errorf("environment %q: target.physical_interface is required", name)
		}
		if _, err := ParsePhysicalInterface(env.Target.PhysicalInterface); err != nil {
			return nil, errors.Annotatef(err, "environment %q", name)
		}
		if env.Server.ListenAddress == "" {
			env.Server.ListenAddress = DefaultListenAddress
		}
		if env.Server.Port == 0 {
			env.Server.Port = DefaultPort
		}
	}
	return &pc, nil
}

// Env returns the named environment, or the sole environment when name is
// empty and exactly one is declared.
func (pc *ProjectConfig) Env(name string) (*Environment, error) {
	if name == "" {
		if len(pc.Environments) == 1 {
			for _, env := range pc.Environments {
				return env, nil
			}
		}
		return nil, errors.Errorf(
			"--env is required, project file declares environments: %s",
			strings.Join(pc.EnvNames(), ", "))
	}
	env, ok := pc.Environments[name]
	if !ok {
		return nil, errors.NotFoundf("environment %q (have: %s)",
			name, strings.Join(pc.EnvNames(), ", "))
	}
	return env, nil
}

func (pc *ProjectConfig) EnvNames() []string {
	names := make([]string, 0, len(pc.Environments))
	for name := range pc.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PhysicalInterface is the debug wire protocol between probe and target.
type PhysicalInterface string

const (
	PhysJTAG      PhysicalInterface = "jtag"
	PhysDebugWire PhysicalInterface = "debugwire"
	PhysPDI       PhysicalInterface = "pdi"
	PhysUPDI      PhysicalInterface = "updi"
)

func ParsePhysicalInterface(s string) (PhysicalInterface, error) {
	switch strings.ToLower(s) {
	case "jtag":
		return PhysJTAG, nil
	case "debugwire", "debug_wire", "dw":
		return PhysDebugWire, nil
	case "pdi":
		return PhysPDI, nil
	case "updi":
		return PhysUPDI, nil
	}
	return "", errors.NotValidf("physical interface %q", s)
}
