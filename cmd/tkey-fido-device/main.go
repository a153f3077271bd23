// Copyright 2026 The tkeyfido Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command tkey-fido-device runs the simulated device application: the
// protocol engine from spec.md §4.3 served over a Unix-domain socket,
// standing in for the real RISC-V security-token hardware this environment
// cannot reach (spec.md §9's re-architecture guidance).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillitis/tkeyfido/lib/device"
	"github.com/tillitis/tkeyfido/lib/hal/sim"
	"github.com/tillitis/tkeyfido/lib/keyhandle"
	"github.com/tillitis/tkeyfido/lib/rng"
	"github.com/tillitis/tkeyfido/lib/utils"
)

var identity = device.Identity{
	Name0:   [4]byte{'t', 'k', '1', ' '},
	Name1:   [4]byte{'f', 'i', 'd', 'o'},
	Version: 1,
}

func main() {
	app := utils.InitCLIParser("tkey-fido-device", "Simulated tkey-fido device application.")
	socketPath := app.Flag("socket", "Unix-domain socket path to serve the device protocol on.").
		Default("/tmp/tkey-fido-device.sock").String()
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Bool()
	userSecretHex := app.Flag("user-secret", "Optional hex-encoded 32-byte user secret salting the CDI.").String()
	touchTimeout := app.Flag("touch-timeout", "How long Register/Authenticate wait for a physical touch.").
		Default(keyhandle.DefaultTouchTimeout.String()).Duration()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)
	log := logrus.WithField("component", "tkey-fido-device")

	if err := run(log, *socketPath, *userSecretHex, *touchTimeout); err != nil {
		utils.FatalError(err)
	}
}

func run(log logrus.FieldLogger, socketPath, userSecretHex string, touchTimeout time.Duration) error {
	appBinary, err := os.ReadFile(os.Args[0])
	if err != nil {
		return err
	}

	var userSecret []byte
	if userSecretHex != "" {
		userSecret, err = hex.DecodeString(userSecretHex)
		if err != nil || len(userSecret) != 32 {
			return errors.New("--user-secret must be 64 hex characters (32 bytes)")
		}
	}
	cdi := sim.DeriveCDI(appBinary, userSecret)

	entropy := sim.Entropy{}
	r := rng.New(cdi, entropy)
	touch := sim.NewTouch()
	led := &sim.LED{}
	core := keyhandle.New(cdi, r, touch, led, touchTimeout)
	engine := device.New(core, identity, log)

	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.WithField("socket", socketPath).Info("device: listening")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				continue // legacy udev compatibility: ignored, per spec.md §5.
			}
			cancel()
			listener.Close()
			return
		}
	}()

	touchLine := make(chan struct{})
	go watchStdinForTouch(touchLine)
	go func() {
		for range touchLine {
			touch.Press()
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			defer conn.Close()
			if err := engine.Run(ctx, conn, conn); err != nil {
				log.WithError(err).Debug("device: connection closed")
			}
		}()
	}
}

// watchStdinForTouch lets an operator simulate a physical touch by pressing
// Enter on the device process's stdin; real hardware has no such input.
func watchStdinForTouch(out chan<- struct{}) {
	defer close(out)
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return
		}
		if buf[0] == '\n' {
			out <- struct{}{}
		}
	}
}
