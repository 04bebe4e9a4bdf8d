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
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"
	flock "github.com/theckman/go-flock"

	"github.com/avr-tools/avrdbg/cli/config"
	"github.com/avr-tools/avrdbg/cli/gdb"
	"github.com/avr-tools/avrdbg/cli/ourutil"
	"github.com/avr-tools/avrdbg/cli/probe/edbg"
	"github.com/avr-tools/avrdbg/cli/probe/edbghid"
	"github.com/avr-tools/avrdbg/cli/target"
	"github.com/avr-tools/avrdbg/cli/target/tdf"
	"github.com/avr-tools/avrdbg/cli/targetctl"
	"github.com/avr-tools/avrdbg/version"
)

// Exit codes: configuration mistakes, probe or target bring-up failures and
// runtime errors are distinguishable to callers.
const (
	exitOK         = 0
	exitConfig     = 1
	exitActivation = 2
	exitRuntime    = 3
)

var (
	configFile  = flag.String("config", config.DefaultFileName, "Project configuration file")
	envName     = flag.String("env", "", "Environment to use; may be omitted when the configuration has exactly one")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

// usageError separates configuration mistakes from runtime failures for the
// exit code.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

// activationError marks failures to open the probe or bring up the target.
type activationError struct {
	err error
}

func (e activationError) Error() string { return e.err.Error() }

func physInterfaceID(pi config.PhysicalInterface) (byte, error) {
	switch pi {
	case config.PhysJTAG:
		return edbg.PhysIDJTAG, nil
	case config.PhysDebugWire:
		return edbg.PhysIDDebugWire, nil
	case config.PhysPDI:
		return edbg.PhysIDPDI, nil
	case config.PhysUPDI:
		return edbg.PhysIDUPDI, nil
	}
	return 0, errors.NotSupportedf("physical interface %q", pi)
}

// lockPath derives the probe lock file location from the probe's identity,
// so two servers cannot share one probe.
func lockPath(probeID string) string {
	sane := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, probeID)
	return filepath.Join(os.TempDir(), "avrdbg-"+sane+".lock")
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return usageError{errors.Trace(err)}
	}
	env, err := cfg.Env(*envName)
	if err != nil {
		return usageError{errors.Trace(err)}
	}

	pi, err := config.ParsePhysicalInterface(env.Target.PhysicalInterface)
	if err != nil {
		return usageError{errors.Trace(err)}
	}
	desc, err := tdf.Load(env.Target.Name)
	if err != nil {
		return usageError{errors.Annotatef(err, "loading target description for %q", env.Target.Name)}
	}
	if !desc.SupportsInterface(pi) {
		return usageError{errors.Errorf("%s does not support the %s interface", desc.Name, pi)}
	}
	physID, err := physInterfaceID(pi)
	if err != nil {
		return usageError{errors.Trace(err)}
	}

	probe, err := edbghid.Open(ctx, env.Probe.VID, env.Probe.PID, env.Probe.Serial)
	if err != nil {
		return activationError{errors.Annotatef(err, "opening probe")}
	}
	defer probe.Close()

	lock := flock.NewFlock(lockPath(probe.ID()))
	locked, err := lock.TryLock()
	if err != nil {
		return activationError{errors.Annotatef(err, "locking probe")}
	}
	if !locked {
		return activationError{errors.Annotatef(errProbeInUse, "probe %s", probe.ID())}
	}
	defer lock.Unlock()

	opts := edbg.Options{
		PhysicalInterface:              physID,
		ManageDWENFuse:                 env.Target.ManageDWENFuse,
		ManageOCDENFuse:                env.Target.ManageOCDENFuse,
		CycleTargetPowerPostDWENUpdate: env.Target.CycleTargetPowerPostDWENUpdate,
		DisableDebugWireOnDeactivate:   env.Target.DisableDebugWireOnDeactivate,
		PreserveEEPROM:                 env.Target.PreserveEEPROM,
		ReactivateAfterProgrammingMode: env.Target.ReactivateAfterProgrammingMode,
	}
	dbg := edbg.NewAVR8(probe, &desc.Params, opts)
	if env.Target.ManageDWENFuse {
		if !desc.SupportsInterface(config.PhysicalInterface("isp")) {
			return usageError{errors.Errorf("%s: managing the DWEN fuse needs ISP support", desc.Name)}
		}
		dbg.SetISP(edbg.NewISP(probe))
	}

	tgt := target.New(desc, dbg)
	bus := targetctl.NewBus()
	ctl := targetctl.New(tgt, bus)

	ctlCtx, cancelCtl := context.WithCancel(context.Background())
	defer cancelCtl()
	ctlDone := make(chan struct{})
	go func() {
		ctl.Run(ctlCtx)
		close(ctlDone)
	}()
	defer func() {
		cancelCtl()
		<-ctlDone
	}()

	if err := ctl.Activate(ctx); err != nil {
		return activationError{errors.Annotatef(err, "activating %s", desc.Name)}
	}
	ourutil.Reportf("Debug session with %s is up", desc.Name)

	srv := gdb.NewServer(ctl)
	return errors.Trace(srv.ListenAndServe(ctx, env.Server.ListenAddress, env.Server.Port))
}

var errProbeInUse = errors.New("probe is in use by another process")

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	goflag.CommandLine.Parse(nil) // glog wants Parse to have been called

	if *versionFlag {
		fmt.Printf("avrdbg %s\nBuild ID: %s\nBuild date: %s\n",
			version.Version, version.BuildId, version.BuildDate)
		os.Exit(exitOK)
	}
	if *debug {
		goflag.Set("v", "4")
		goflag.Set("logtostderr", "true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		ourutil.Reportf("Got %s, shutting down...", sig)
		cancel()
	}()

	err := run(ctx)
	glog.Flush()
	if err == nil {
		os.Exit(exitOK)
	}
	ourutil.Errorf("Error: %s", err)
	glog.Infof("Error: %+v", err)
	switch err.(type) {
	case usageError:
		os.Exit(exitConfig)
	case activationError:
		os.Exit(exitActivation)
	default:
		os.Exit(exitRuntime)
	}
}
