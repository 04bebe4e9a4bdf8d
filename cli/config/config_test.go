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
package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProject = `
environments:
  default:
    probe:
      serial: ATML123456
    target:
      name: atmega328p
      physical_interface: debugWIRE
      manage_dwen_fuse: true
    server:
      port: 2331
  bench:
    probe:
      vid: 0x03eb
      pid: 0x2141
    target:
      name: atxmega128a1
      physical_interface: pdi
    server:
      listen_address: 0.0.0.0
`

func TestParse(t *testing.T) {
	pc, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	env, err := pc.Env("default")
	require.NoError(t, err)
	assert.Equal(t, "ATML123456", env.Probe.Serial)
	assert.Equal(t, "atmega328p", env.Target.Name)
	assert.True(t, env.Target.ManageDWENFuse)
	// Explicit port is kept, missing listen address defaults.
	assert.Equal(t, DefaultListenAddress, env.Server.ListenAddress)
	assert.Equal(t, uint16(2331), env.Server.Port)

	env, err = pc.Env("bench")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x03eb), env.Probe.VID)
	assert.Equal(t, uint16(0x2141), env.Probe.PID)
	assert.Equal(t, "0.0.0.0", env.Server.ListenAddress)
	assert.Equal(t, uint16(DefaultPort), env.Server.Port)
}

func TestParseRejectsBadProjects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"not yaml", "environments: [", "invalid project file"},
		{"unknown key", "environmentz: {}", "invalid project file"},
		{"no environments", "environments: {}", "no environments"},
		{"empty environment", "environments:\n  x:", `environment "x" is empty`},
		{"missing target name", `
environments:
  x:
    target:
      physical_interface: updi
`, "target.name is required"},
		{"missing interface", `
environments:
  x:
    target:
      name: attiny817
`, "physical_interface is required"},
		{"bad interface", `
environments:
  x:
    target:
      name: attiny817
      physical_interface: spi
`, "not valid"},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.doc))
		if assert.Error(t, err, c.name) {
			assert.Contains(t, err.Error(), c.want, c.name)
		}
	}
}

func TestEnvSelection(t *testing.T) {
	pc, err := Parse([]byte(sampleProject))
	require.NoError(t, err)

	// Two environments: an explicit name is required.
	_, err = pc.Env("")
	assert.Error(t, err)
	_, err = pc.Env("nope")
	assert.True(t, errors.IsNotFound(errors.Cause(err)), "got %v", err)
	assert.Equal(t, []string{"bench", "default"}, pc.EnvNames())
}

func TestEnvSoleDefault(t *testing.T) {
	pc, err := Parse([]byte(`
environments:
  only:
    target:
      name: atmega2560
      physical_interface: jtag
`))
	require.NoError(t, err)
	env, err := pc.Env("")
	require.NoError(t, err)
	assert.Equal(t, "atmega2560", env.Target.Name)
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "config-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, ioutil.WriteFile(path, []byte(sampleProject), 0644))

	pc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, pc.Environments, 2)

	_, err = Load(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestParsePhysicalInterface(t *testing.T) {
	cases := []struct {
		in   string
		want PhysicalInterface
	}{
		{"jtag", PhysJTAG},
		{"JTAG", PhysJTAG},
		{"debugwire", PhysDebugWire},
		{"debug_wire", PhysDebugWire},
		{"dw", PhysDebugWire},
		{"PDI", PhysPDI},
		{"updi", PhysUPDI},
	}
	for _, c := range cases {
		got, err := ParsePhysicalInterface(c.in)
		if err != nil || got != c.want {
			t.Errorf("ParsePhysicalInterface(%q) = (%v, %v), want %v", c.in, got, err, c.want)
		}
	}
	if _, err := ParsePhysicalInterface("spi"); !errors.IsNotValid(errors.Cause(err)) {
		t.Errorf("ParsePhysicalInterface(spi): %v", err)
	}
}
