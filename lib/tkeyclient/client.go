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

// Package tkeyclient implements the host side of the device protocol
// described in spec.md §4.4: a lazily-connected serial client that frames
// U2F operations to the device application, loads the application through
// an optional Loader, checks the running application's identity, and tears
// the connection down after an idle period. It does not probe the firmware
// endpoint.
package tkeyclient

import (
	"context"
	"encoding/asn1"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/tillitis/tkeyfido/lib/device"
	"github.com/tillitis/tkeyfido/lib/frame"
)

// DefaultIdleTimeout is how long the client waits with no in-flight
// operation before disconnecting the port, per spec.md §5, absent an
// override in Config.
const DefaultIdleTimeout = 3 * time.Second

// Port is the subset of go.bug.st/serial.Port the client needs. Production
// code wires a real serial port; tests wire an in-memory
// io.ReadWriteCloser (e.g. backed by net.Pipe).
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Loader loads the device application binary onto a freshly probed piece of
// firmware. The firmware loading protocol itself is an external
// collaborator (spec.md Out-of-Scope item 3); this interface is the seam.
type Loader interface {
	LoadApp(port Port, appBinary []byte, userSecret *[32]byte) error
}

// AppIdentity is the expected GET_NAME_VERSION response of a correctly
// loaded device application.
var AppIdentity = device.Identity{
	Name0: [4]byte{'t', 'k', '1', ' '},
	Name1: [4]byte{'f', 'i', 'd', 'o'},
}

// Client talks the framed device protocol over a Port. It is safe for
// concurrent use: every operation is serialized by mu, matching spec.md
// §5's requirement that frames are never interleaved on the wire.
type Client struct {
	mu sync.Mutex

	open        func() (Port, error)
	loader      Loader
	appBinary   []byte
	userSecret  *[32]byte
	clock       clockwork.Clock
	idleTimeout time.Duration

	port      Port
	idleTimer clockwork.Timer
	frameID   byte
}

// Config configures a new Client.
type Config struct {
	// Open opens the underlying serial port on demand.
	Open func() (Port, error)
	// Loader loads the device application. May be nil if the port already
	// has an application loaded (e.g. in tests).
	Loader Loader
	// AppBinary is the device application image to load.
	AppBinary []byte
	// UserSecret optionally salts the derived CDI (spec.md §3).
	UserSecret *[32]byte
	// Clock is injectable for tests; defaults to the real clock.
	Clock clockwork.Clock
	// IdleTimeout overrides DefaultIdleTimeout, e.g. from
	// lib/config.DeviceConfig.IdleTimeout.
	IdleTimeout time.Duration
}

// New builds a disconnected Client. The port is opened lazily on first use.
func New(cfg Config) *Client {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Client{
		open:        cfg.Open,
		loader:      cfg.Loader,
		appBinary:   cfg.AppBinary,
		userSecret:  cfg.UserSecret,
		clock:       clock,
		idleTimeout: idleTimeout,
	}
}

// Connect opens the port if not already open, loads the device application
// if a Loader is configured, and verifies the running application's
// identity with GET_NAME_VERSION on the application endpoint. It sends
// nothing to the firmware endpoint, so whether firmware is present does not
// decide whether the Loader runs.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.port != nil {
		c.resetIdleTimerLocked()
		return nil
	}

	port, err := c.open()
	if err != nil {
		return trace.ConnectionProblem(err, "failed to open device port")
	}

	if c.loader != nil {
		if err := c.loader.LoadApp(port, c.appBinary, c.userSecret); err != nil {
			port.Close()
			return trace.Wrap(err, "failed to load device application")
		}
	}

	c.port = port
	id, err := c.getNameVersionLocked(ctx)
	if err != nil {
		c.port.Close()
		c.port = nil
		return trace.Wrap(err, "device identity probe failed")
	}
	if id.Name0 != AppIdentity.Name0 || id.Name1 != AppIdentity.Name1 {
		c.port.Close()
		c.port = nil
		return trace.BadParameter("unexpected device identity %q/%q", id.Name0, id.Name1)
	}

	c.resetIdleTimerLocked()
	log.WithField("version", id.Version).Debug("tkeyclient: connected")
	return nil
}

// Disconnect closes the port immediately, if open.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectLocked()
}

func (c *Client) disconnectLocked() error {
	if c.port == nil {
		return nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	err := c.port.Close()
	c.port = nil
	return trace.Wrap(err)
}

func (c *Client) resetIdleTimerLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = c.clock.AfterFunc(c.idleTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.port != nil {
			log.Debug("tkeyclient: idle timeout, disconnecting")
			c.disconnectLocked()
		}
	})
}

func (c *Client) nextFrameID() byte {
	id := c.frameID
	c.frameID = (c.frameID + 1) % 8
	return id
}

// roundTrip sends one request frame and reads exactly one response frame.
func (c *Client) roundTrip(ep frame.Endpoint, cmd byte, payload []byte, reqLen frame.Len) ([]byte, error) {
	id := c.nextFrameID()
	out, err := frame.NewFrame(ep, reqLen, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out[1] = cmd
	copy(out[2:], payload)

	if _, err := c.port.Write(out); err != nil {
		return nil, trace.ConnectionProblem(err, "write failed")
	}

	return c.readFrame()
}

func (c *Client) readFrame() ([]byte, error) {
	var hdrByte [1]byte
	if _, err := io.ReadFull(c.port, hdrByte[:]); err != nil {
		return nil, trace.ConnectionProblem(err, "read header failed")
	}
	hdr, err := frame.Decode(hdrByte[0])
	if err != nil {
		return nil, trace.Wrap(err)
	}
	body := make([]byte, int(hdr.Len))
	if _, err := io.ReadFull(c.port, body); err != nil {
		return nil, trace.ConnectionProblem(err, "read body failed")
	}
	return body, nil
}

func (c *Client) getNameVersionLocked(ctx context.Context) (device.Identity, error) {
	body, err := c.roundTrip(frame.DestApp, device.CmdGetNameVersion, nil, frame.Len1)
	if err != nil {
		return device.Identity{}, trace.Wrap(err)
	}
	if len(body) < 13 || body[0] != device.StatusOK {
		return device.Identity{}, trace.BadParameter("malformed GET_NAME_VERSION response")
	}
	var id device.Identity
	copy(id.Name0[:], body[1:5])
	copy(id.Name1[:], body[5:9])
	id.Version = uint32(body[9]) | uint32(body[10])<<8 | uint32(body[11])<<16 | uint32(body[12])<<24
	return id, nil
}

// RegisterResult is the host-visible outcome of a registration round trip:
// the uncompressed P-256 point (with its 0x04 marker, as U2F expects it on
// the wire) and the opaque key handle.
type RegisterResult struct {
	UserPresence bool
	KeyHandle    []byte
	PubKeyPoint  []byte // 0x04 || X || Y, 65 bytes
}

// Register performs REGISTER against the connected device, as spec.md §4.3
// describes: a single request frame answered by two 128-byte frames.
func (c *Client) Register(ctx context.Context, appParam [32]byte) (RegisterResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}
	defer c.resetIdleTimerLocked()

	first, err := c.roundTrip(frame.DestApp, device.CmdU2FRegister, appParam[:], frame.Len128)
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}
	if len(first) < 66 {
		return RegisterResult{}, trace.BadParameter("malformed register response (frame 1)")
	}
	if first[0] != device.StatusOK {
		return RegisterResult{}, trace.AccessDenied("register failed, status %d", first[0])
	}
	presence := first[1] != 0
	keyHandle := append([]byte(nil), first[2:66]...)

	second, err := c.readFrame()
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}
	if len(second) < 65 || second[0] != device.StatusOK {
		return RegisterResult{}, trace.BadParameter("malformed register response (frame 2)")
	}
	point := make([]byte, 65)
	point[0] = 0x04
	copy(point[1:], second[1:65])

	return RegisterResult{UserPresence: presence, KeyHandle: keyHandle, PubKeyPoint: point}, nil
}

// CheckOnly performs CHECK-ONLY against the connected device.
func (c *Client) CheckOnly(ctx context.Context, appParam [32]byte, keyHandle []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return false, trace.Wrap(err)
	}
	defer c.resetIdleTimerLocked()

	payload := append(append([]byte(nil), appParam[:]...), keyHandle...)
	resp, err := c.roundTrip(frame.DestApp, device.CmdU2FCheckOnly, payload, frame.Len128)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if len(resp) < 2 || resp[0] != device.StatusOK {
		return false, nil
	}
	return resp[1] != 0, nil
}

// AuthenticateResult is the host-visible outcome of an authentication round
// trip: validity, user presence, and the DER-encoded signature.
type AuthenticateResult struct {
	Valid        bool
	UserPresence bool
	Signature    []byte // DER
}

// Authenticate performs the SET+GO exchange against the connected device,
// converting the device's raw r||s signature to DER for the browser-facing
// wire format (spec.md §4.4).
func (c *Client) Authenticate(ctx context.Context, appParam, challParam [32]byte, keyHandle []byte, checkUser bool, counter uint32) (AuthenticateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return AuthenticateResult{}, trace.Wrap(err)
	}
	defer c.resetIdleTimerLocked()

	setPayload := append(append([]byte(nil), appParam[:]...), challParam[:]...)
	setResp, err := c.roundTrip(frame.DestApp, device.CmdU2FAuthenticateSet, setPayload, frame.Len128)
	if err != nil {
		return AuthenticateResult{}, trace.Wrap(err)
	}
	if len(setResp) < 1 || setResp[0] != device.StatusOK {
		return AuthenticateResult{}, trace.BadParameter("AUTHENTICATE-SET rejected")
	}

	goPayload := make([]byte, 0, len(keyHandle)+1+4)
	goPayload = append(goPayload, keyHandle...)
	if checkUser {
		goPayload = append(goPayload, 1)
	} else {
		goPayload = append(goPayload, 0)
	}
	goPayload = append(goPayload, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))

	goResp, err := c.roundTrip(frame.DestApp, device.CmdU2FAuthenticateGo, goPayload, frame.Len128)
	if err != nil {
		return AuthenticateResult{}, trace.Wrap(err)
	}
	if len(goResp) < 67 || goResp[0] != device.StatusOK {
		return AuthenticateResult{}, trace.BadParameter("AUTHENTICATE-GO rejected")
	}
	valid := goResp[1] != 0
	presence := goResp[2] != 0
	if !valid {
		return AuthenticateResult{Valid: false}, nil
	}
	if checkUser && !presence {
		return AuthenticateResult{Valid: true, UserPresence: false}, nil
	}

	der, err := rawSigToDER(goResp[3:67])
	if err != nil {
		return AuthenticateResult{}, trace.Wrap(err)
	}
	return AuthenticateResult{Valid: true, UserPresence: presence, Signature: der}, nil
}

type ecdsaSig struct {
	R, S *big.Int
}

// rawSigToDER converts a 64-byte r||s signature into the ASN.1 DER encoding
// U2F's wire format requires, mirroring the teacher's hand-rolled ASN.1
// handling in lib/auth/webauthncli/u2f_register.go (there used to decode an
// attestation signature; here used to encode one).
func rawSigToDER(raw []byte) ([]byte, error) {
	if len(raw) != 64 {
		return nil, trace.BadParameter("raw signature must be 64 bytes, got %d", len(raw))
	}
	sig := ecdsaSig{
		R: new(big.Int).SetBytes(raw[0:32]),
		S: new(big.Int).SetBytes(raw[32:64]),
	}
	der, err := asn1.Marshal(sig)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return der, nil
}
