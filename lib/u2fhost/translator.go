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

// Package u2fhost implements the host HID translator described in
// spec.md §4.5: it consumes decoded U2F raw-message requests from the
// virtual USB-HID emulation layer and produces raw-message responses,
// driving a Device (normally a *tkeyclient.Client) underneath.
//
// The raw message layout this package builds mirrors the one the teacher's
// lib/auth/webauthncli/u2f_register.go parses (that file plays the FIDO
// *client* role and consumes a registration response; this package plays
// the *authenticator* role and produces one).
package u2fhost

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"sync"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Status words, per the FIDO U2F raw message spec §5.1.
const (
	SWNoError                 uint16 = 0x9000
	SWConditionsNotSatisfied  uint16 = 0x6985
	SWWrongData               uint16 = 0x6A80
	SWClaNotSupported         uint16 = 0x6E00
)

// Control byte values for U2F_AUTHENTICATE requests.
const (
	CtrlCheckOnly                   byte = 0x07
	CtrlEnforceUserPresenceAndSign  byte = 0x03
)

// Command codes the browser-facing HID layer decodes before handing a
// request to this package.
const (
	CmdRegister     byte = 0x01
	CmdAuthenticate byte = 0x02
	CmdVersion      byte = 0x03
)

const versionString = "U2F_V2"

// Device is the subset of *tkeyclient.Client the translator needs. Kept as
// an interface so tests can substitute an in-process fake.
type Device interface {
	Register(ctx context.Context, appParam [32]byte) (RegisterResult, error)
	CheckOnly(ctx context.Context, appParam [32]byte, keyHandle []byte) (bool, error)
	Authenticate(ctx context.Context, appParam, challParam [32]byte, keyHandle []byte, checkUser bool, counter uint32) (AuthenticateResult, error)
}

// RegisterResult and AuthenticateResult mirror tkeyclient's result types so
// the Device interface does not depend on tkeyclient (keeping the seam
// narrow and independently testable); only the TKeyDevice adapter in
// tkeyadapter.go imports tkeyclient.
type RegisterResult struct {
	UserPresence bool
	KeyHandle    []byte
	PubKeyPoint  []byte // 0x04 || X || Y, 65 bytes
}

type AuthenticateResult struct {
	Valid        bool
	UserPresence bool
	Signature    []byte // DER
}

// CounterStore persists the per-key-handle monotonic signature counter
// that spec.md §9 identifies as a weakness of the hard-coded-to-1 reference
// host (see SPEC_FULL.md §3 supplement).
type CounterStore interface {
	// Next returns the next counter value for keyHandle, persisting it.
	Next(ctx context.Context, keyHandle []byte) (uint32, error)
}

// AttestationKey holds the compiled-in, explicitly non-production
// attestation key pair and self-signed certificate spec.md §6 calls for.
type AttestationKey struct {
	Private *ecdsa.PrivateKey
	CertDER []byte
}

// Translator drives a Device to answer decoded U2F raw-message requests.
// A single mutex ensures only one browser request is in flight against the
// single-threaded device at a time (spec.md §4.5/§5).
type Translator struct {
	mu       sync.Mutex
	device   Device
	counters CounterStore
	attest   AttestationKey
}

// New builds a Translator.
func New(device Device, counters CounterStore, attest AttestationKey) *Translator {
	return &Translator{device: device, counters: counters, attest: attest}
}

// Version answers U2F_VERSION.
func (t *Translator) Version() ([]byte, uint16) {
	return []byte(versionString), SWNoError
}

// Register answers U2F_REGISTER, assembling the raw registration response
// message on success: 0x05 || pub || len(keyhandle) || keyhandle ||
// attestation_cert_DER || attestation_sig_DER (spec.md §4.5).
func (t *Translator) Register(ctx context.Context, appParam, challParam [32]byte) ([]byte, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res, err := t.device.Register(ctx, appParam)
	if err != nil {
		log.WithError(err).Warn("u2fhost: register failed")
		return nil, SWWrongData
	}
	if !res.UserPresence {
		return nil, SWConditionsNotSatisfied
	}

	signInput := make([]byte, 0, 1+32+32+64+65)
	signInput = append(signInput, 0x00)
	signInput = append(signInput, appParam[:]...)
	signInput = append(signInput, challParam[:]...)
	signInput = append(signInput, res.KeyHandle...)
	signInput = append(signInput, res.PubKeyPoint...)
	digest := sha256.Sum256(signInput)

	sigDER, err := t.signAttestation(digest[:])
	if err != nil {
		log.WithError(err).Error("u2fhost: attestation signing failed")
		return nil, SWWrongData
	}

	body := make([]byte, 0, 1+65+1+len(res.KeyHandle)+len(t.attest.CertDER)+len(sigDER))
	body = append(body, 0x05)
	body = append(body, res.PubKeyPoint...)
	body = append(body, byte(len(res.KeyHandle)))
	body = append(body, res.KeyHandle...)
	body = append(body, t.attest.CertDER...)
	body = append(body, sigDER...)
	return body, SWNoError
}

// Authenticate answers U2F_AUTHENTICATE per spec.md §4.5's decision table.
func (t *Translator) Authenticate(ctx context.Context, ctrl byte, appParam, challParam [32]byte, keyHandle []byte) ([]byte, uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(keyHandle) != 64 {
		return nil, SWWrongData
	}

	valid, err := t.device.CheckOnly(ctx, appParam, keyHandle)
	if err != nil {
		log.WithError(err).Warn("u2fhost: check-only failed")
		return nil, SWWrongData
	}
	if !valid {
		return nil, SWWrongData
	}
	if ctrl == CtrlCheckOnly {
		// Per U2F §5.1, a *valid* handle under a check-only control byte
		// signals success via ConditionsNotSatisfied, not NoError.
		return nil, SWConditionsNotSatisfied
	}

	counter, err := t.counters.Next(ctx, keyHandle)
	if err != nil {
		log.WithError(err).Error("u2fhost: counter persistence failed")
		return nil, SWWrongData
	}

	checkUser := ctrl == CtrlEnforceUserPresenceAndSign
	res, err := t.device.Authenticate(ctx, appParam, challParam, keyHandle, checkUser, counter)
	if err != nil {
		log.WithError(err).Warn("u2fhost: authenticate failed")
		return nil, SWWrongData
	}
	if !res.Valid {
		return nil, SWWrongData
	}
	if checkUser && !res.UserPresence {
		return nil, SWConditionsNotSatisfied
	}

	body := make([]byte, 0, 1+4+len(res.Signature))
	if res.UserPresence {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	body = append(body, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))
	body = append(body, res.Signature...)
	return body, SWNoError
}

// Unknown answers any command code this translator does not recognize.
func (t *Translator) Unknown() ([]byte, uint16) {
	return nil, SWClaNotSupported
}

type ecdsaSig struct {
	R, S *big.Int
}

func (t *Translator) signAttestation(digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, t.attest.Private, digest)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	der, err := asn1.Marshal(ecdsaSig{R: r, S: s})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return der, nil
}

// VerifyAttestationCert is a sanity check used at startup (and in tests) to
// confirm the compiled-in attestation certificate actually parses, mirroring
// the teacher's own defensive x509.ParseCertificate call in
// lib/auth/webauthncli/u2f_register.go.
func VerifyAttestationCert(certDER []byte) error {
	if _, err := x509.ParseCertificate(certDER); err != nil {
		return trace.Wrap(err, "invalid attestation certificate")
	}
	return nil
}
