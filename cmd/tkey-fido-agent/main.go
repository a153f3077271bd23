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

// Command tkey-fido-agent is the host agent: it connects to a tkey-fido
// device over a Unix-domain socket (standing in for the real serial link,
// spec.md §4.4) and answers U2F raw-message requests. In this environment
// the USB-HID emulation layer browsers talk to is an external collaborator
// (spec.md's stated Out-of-Scope boundary); this binary exposes the same
// Translator over a line-delimited control socket instead, so the whole
// round trip can be driven and inspected without real hardware.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tillitis/tkeyfido/lib/config"
	"github.com/tillitis/tkeyfido/lib/tkeyclient"
	"github.com/tillitis/tkeyfido/lib/u2fhost"
	"github.com/tillitis/tkeyfido/lib/utils"
)

func main() {
	app := utils.InitCLIParser("tkey-fido-agent", "Host agent exposing a tkey-fido device as a U2F authenticator.")
	configPath := app.Flag("config", "Path to the agent's YAML configuration file.").Required().String()
	deviceSocket := app.Flag("device-socket", "Unix-domain socket the device application is listening on.").
		Default("/tmp/tkey-fido-device.sock").String()
	controlSocket := app.Flag("control-socket", "Unix-domain socket to serve decoded U2F requests on.").
		Default("/tmp/tkey-fido-agent.sock").String()
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Bool()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)
	log := logrus.WithField("component", "tkey-fido-agent")

	cfg, err := config.Load(*configPath)
	if err != nil {
		utils.FatalError(err)
	}

	if err := run(log, cfg, *deviceSocket, *controlSocket); err != nil {
		utils.FatalError(err)
	}
}

func run(log logrus.FieldLogger, cfg *config.Config, deviceSocket, controlSocket string) error {
	client := tkeyclient.New(tkeyclient.Config{
		Open: func() (tkeyclient.Port, error) {
			if cfg.Device.SerialPath != "" {
				return tkeyclient.OpenSerial(cfg.Device.SerialPath)
			}
			conn, err := net.Dial("unix", deviceSocket)
			if err != nil {
				return nil, err
			}
			return unixPort{conn}, nil
		},
		IdleTimeout: cfg.Device.IdleTimeout,
	})

	attest, err := attestationKey(cfg)
	if err != nil {
		return err
	}

	dbPath := cfg.CounterDBPath
	if !filepath.IsAbs(dbPath) {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return err
		}
		dbPath = filepath.Join(configDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return err
	}
	counters, err := u2fhost.OpenSQLiteCounterStore(dbPath)
	if err != nil {
		return err
	}
	defer counters.Close()

	translator := u2fhost.New(u2fhost.TKeyDevice{Client: client}, counters, attest)

	os.Remove(controlSocket)
	listener, err := net.Listen("unix", controlSocket)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.WithField("socket", controlSocket).Info("agent: serving decoded U2F requests")

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				continue
			}
			cancel()
			client.Disconnect()
			listener.Close()
			return
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
		go serveControlConn(ctx, log, translator, conn)
	}
}

// unixPort adapts a net.Conn to tkeyclient.Port.
type unixPort struct{ net.Conn }

func (p unixPort) SetReadTimeout(d time.Duration) error { return nil }

func attestationKey(cfg *config.Config) (u2fhost.AttestationKey, error) {
	if cfg.Attestation.KeyPath == "" {
		return u2fhost.DefaultAttestationKey()
	}
	keyDER, err := os.ReadFile(cfg.Attestation.KeyPath)
	if err != nil {
		return u2fhost.AttestationKey{}, err
	}
	certDER, err := os.ReadFile(cfg.Attestation.CertPath)
	if err != nil {
		return u2fhost.AttestationKey{}, err
	}
	return u2fhost.LoadAttestationKey(keyDER, certDER)
}

// serveControlConn implements a tiny hex-line protocol standing in for the
// real HID-decoded request/response boundary: each line is
// "version"/"register <app_param_hex> <chall_param_hex>"/
// "authenticate <ctrl_hex> <app_param_hex> <chall_param_hex> <keyhandle_hex>",
// answered with "<status_word_hex> <body_hex>".
func serveControlConn(ctx context.Context, log logrus.FieldLogger, t *u2fhost.Translator, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var body []byte
		var sw uint16
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "version":
			body, sw = t.Version()
		case "register":
			if len(fields) != 3 {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			ap, chall, err := decodeTwo32(fields[1], fields[2])
			if err != nil {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			body, sw = t.Register(ctx, ap, chall)
		case "authenticate":
			if len(fields) != 5 {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			ctrlByte, err := hex.DecodeString(fields[1])
			if err != nil || len(ctrlByte) != 1 {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			ap, chall, err := decodeTwo32(fields[2], fields[3])
			if err != nil {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			kh, err := hex.DecodeString(fields[4])
			if err != nil {
				body, sw = nil, u2fhost.SWWrongData
				break
			}
			body, sw = t.Authenticate(ctx, ctrlByte[0], ap, chall, kh)
		default:
			body, sw = t.Unknown()
		}
		fmt.Fprintf(conn, "%04x %s\n", sw, hex.EncodeToString(body))
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Debug("agent: control connection closed")
	}
}

func decodeTwo32(a, b string) (x, y [32]byte, err error) {
	ab, err := hex.DecodeString(a)
	if err != nil || len(ab) != 32 {
		return x, y, fmt.Errorf("invalid 32-byte hex field")
	}
	bb, err := hex.DecodeString(b)
	if err != nil || len(bb) != 32 {
		return x, y, fmt.Errorf("invalid 32-byte hex field")
	}
	copy(x[:], ab)
	copy(y[:], bb)
	return x, y, nil
}
