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

// Package keyhandle implements the stateless per-site key derivation and
// attestation core described in spec.md §4.2. The device has no writable
// persistent storage, so every private key is re-derived on demand from the
// CDI and a self-authenticating 64-byte key handle, never stored.
package keyhandle

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"math/big"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/blake2s"

	"github.com/tillitis/tkeyfido/lib/hal"
)

const (
	// DefaultTouchTimeout is how long Register and Authenticate wait for a
	// physical touch before giving up, absent an override passed to New.
	DefaultTouchTimeout = 10 * time.Second

	// AppParamSize, ChallParamSize are the fixed sizes of the opaque
	// parameters supplied by the FIDO client.
	AppParamSize   = 32
	ChallParamSize = 32

	// NonceSize, MACSize, KeyHandleSize describe the key handle layout:
	// nonce (32) || mac (32).
	NonceSize     = 32
	MACSize       = 32
	KeyHandleSize = NonceSize + MACSize

	// PubKeySize is the uncompressed P-256 point, X (32) || Y (32), with no
	// leading 0x04 marker (that marker is a wire-format detail added by the
	// host, not part of the core's data model).
	PubKeySize = 64

	// SigSize is the raw ECDSA r || s signature, before DER conversion.
	SigSize = 64
)

// ErrScalarOutOfRange is returned by Register when the derived scalar k is
// not a valid P-256 private key (out of [1, N-1]). This happens with
// probability ~2^-32. The current contract surfaces the failure rather than
// retrying with a fresh nonce (spec.md §9, Open Question, decided against
// retrying: see DESIGN.md).
var ErrScalarOutOfRange = trace.Errorf("derived scalar is out of range for P-256")

var p256 = elliptic.P256()

// Core performs stateless key derivation against a single device's CDI. It
// holds no credential state between calls.
type Core struct {
	cdi          hal.CDI
	rng          randomSource
	touch        hal.Touch
	led          hal.LED
	touchTimeout time.Duration
}

// randomSource is the subset of *rng.RNG that Core needs; kept as an
// interface so tests can supply deterministic nonces.
type randomSource interface {
	Generate(out []byte) error
}

// New builds a Core bound to a device's CDI, nonce source, touch sensor and
// LED. touchTimeout overrides DefaultTouchTimeout when positive; pass 0 to
// use the default.
func New(cdi hal.CDI, rng randomSource, touch hal.Touch, led hal.LED, touchTimeout time.Duration) *Core {
	if touchTimeout <= 0 {
		touchTimeout = DefaultTouchTimeout
	}
	return &Core{cdi: cdi, rng: rng, touch: touch, led: led, touchTimeout: touchTimeout}
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	UserPresence bool
	KeyHandle    [KeyHandleSize]byte
	PubKey       [PubKeySize]byte
}

// Register awaits a physical touch (up to the Core's touch timeout) and,
// on success, derives a fresh per-site key pair and key handle for
// appParam. If no touch occurs, it returns a zero-value result with
// UserPresence false and emits no key material, which is not an error.
func (c *Core) Register(ctx context.Context, appParam [AppParamSize]byte) (RegisterResult, error) {
	c.led.Set(hal.ColorAwaitingTouchRegister)
	c.touch.Clear()
	touched := c.touch.Await(ctx, c.touchTimeout)
	if !touched {
		c.led.Set(hal.ColorIdle)
		return RegisterResult{}, nil
	}
	c.touch.Clear()
	c.led.Set(hal.ColorWorking)
	defer c.led.Set(hal.ColorIdle)

	var nonce [NonceSize]byte
	if err := c.rng.Generate(nonce[:]); err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}

	k, err := deriveScalar(c.cdi, appParam, nonce)
	defer zero(k[:])
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}

	pub, err := pubKeyFromScalar(k)
	if err != nil {
		return RegisterResult{}, trace.Wrap(err)
	}

	mac := macOver(c.cdi, appParam, k)

	var kh [KeyHandleSize]byte
	copy(kh[0:NonceSize], nonce[:])
	copy(kh[NonceSize:], mac[:])

	return RegisterResult{UserPresence: true, KeyHandle: kh, PubKey: pub}, nil
}

// CheckOnly verifies that keyHandle was issued by this device for appParam,
// without signing or requiring a touch.
func (c *Core) CheckOnly(appParam [AppParamSize]byte, keyHandle [KeyHandleSize]byte) bool {
	valid, k := c.verify(appParam, keyHandle)
	zero(k[:])
	return valid
}

// AuthenticateResult is the outcome of Authenticate.
type AuthenticateResult struct {
	Valid        bool
	UserPresence bool
	Signature    [SigSize]byte
}

// Authenticate verifies keyHandle against appParam and, if valid, signs the
// U2F authentication payload. If checkUser is true it awaits a physical
// touch; a timeout there returns (valid=true, userPresence=false) with no
// signature, which is not an error. An invalid key handle returns
// (valid=false) immediately, without ever waiting for touch.
func (c *Core) Authenticate(
	ctx context.Context,
	appParam [AppParamSize]byte,
	challParam [ChallParamSize]byte,
	keyHandle [KeyHandleSize]byte,
	checkUser bool,
	counter uint32,
) (AuthenticateResult, error) {
	valid, k := c.verify(appParam, keyHandle)
	defer zero(k[:])
	if !valid {
		return AuthenticateResult{Valid: false}, nil
	}

	userPresence := false
	if checkUser {
		c.led.Set(hal.ColorAwaitingTouchAuthenticate)
		c.touch.Clear()
		touched := c.touch.Await(ctx, c.touchTimeout)
		c.led.Set(hal.ColorIdle)
		if !touched {
			return AuthenticateResult{Valid: true, UserPresence: false}, nil
		}
		c.touch.Clear()
		userPresence = true
	}

	payload := signedPayload(appParam, userPresence, counter, challParam)
	digest := sha256.Sum256(payload)

	sig, err := signRaw(k, digest[:])
	if err != nil {
		return AuthenticateResult{}, trace.Wrap(err)
	}

	return AuthenticateResult{Valid: true, UserPresence: userPresence, Signature: sig}, nil
}

// verify recomputes k from (appParam, nonce) and checks the MAC in
// constant time. It always returns the derived k (zeroed by the caller)
// even when invalid, so callers can defer a single zeroization.
func (c *Core) verify(appParam [AppParamSize]byte, keyHandle [KeyHandleSize]byte) (bool, [32]byte) {
	var nonce [NonceSize]byte
	copy(nonce[:], keyHandle[0:NonceSize])

	k, err := deriveScalar(c.cdi, appParam, nonce)
	if err != nil {
		// A derivation failure here means this nonce could never have
		// produced a valid handle in the first place.
		return false, k
	}

	wantMAC := macOver(c.cdi, appParam, k)
	gotMAC := keyHandle[NonceSize:]
	ok := subtle.ConstantTimeCompare(wantMAC[:], gotMAC) == 1
	return ok, k
}

// deriveScalar computes k = BLAKE2s(key=CDI, msg=appParam||nonce).
func deriveScalar(cdi hal.CDI, appParam [AppParamSize]byte, nonce [NonceSize]byte) ([32]byte, error) {
	h, err := blake2s.New256(cdi[:])
	if err != nil {
		return [32]byte{}, trace.Wrap(err)
	}
	h.Write(appParam[:])
	h.Write(nonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// macOver computes mac = BLAKE2s(key=CDI, msg=appParam||k).
func macOver(cdi hal.CDI, appParam [AppParamSize]byte, k [32]byte) [MACSize]byte {
	h, _ := blake2s.New256(cdi[:]) // cdi is always 32 bytes: never errors.
	h.Write(appParam[:])
	h.Write(k[:])
	var out [MACSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// pubKeyFromScalar recovers the uncompressed P-256 public key (X||Y) for
// scalar k, failing with ErrScalarOutOfRange if k is not in [1, N-1].
func pubKeyFromScalar(k [32]byte) ([PubKeySize]byte, error) {
	d := new(big.Int).SetBytes(k[:])
	n := p256.Params().N
	if d.Sign() == 0 || d.Cmp(n) >= 0 {
		return [PubKeySize]byte{}, trace.Wrap(ErrScalarOutOfRange)
	}

	x, y := p256.ScalarBaseMult(k[:])
	var pub [PubKeySize]byte
	xb := x.Bytes()
	yb := y.Bytes()
	copy(pub[32-len(xb):32], xb)
	copy(pub[64-len(yb):64], yb)
	return pub, nil
}

// signRaw signs digest with the P-256 private key derived from scalar k,
// returning the raw r || s concatenation (not DER).
func signRaw(k [32]byte, digest []byte) ([SigSize]byte, error) {
	d := new(big.Int).SetBytes(k[:])
	priv := new(ecdsa.PrivateKey)
	priv.Curve = p256
	priv.D = d
	priv.X, priv.Y = p256.ScalarBaseMult(k[:])

	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return [SigSize]byte{}, trace.Wrap(err)
	}

	var sig [SigSize]byte
	rb := r.Bytes()
	sb := s.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	return sig, nil
}

// signedPayload builds the 69-byte buffer that is hashed and signed during
// authentication: app_param (32) || user_presence (1) || counter (4, BE) ||
// chall_param (32).
func signedPayload(appParam [AppParamSize]byte, userPresence bool, counter uint32, challParam [ChallParamSize]byte) []byte {
	buf := make([]byte, 0, AppParamSize+1+4+ChallParamSize)
	buf = append(buf, appParam[:]...)
	if userPresence {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))
	buf = append(buf, challParam[:]...)
	return buf
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
