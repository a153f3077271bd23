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

package keyhandle_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillitis/tkeyfido/lib/hal"
	"github.com/tillitis/tkeyfido/lib/hal/sim"
	"github.com/tillitis/tkeyfido/lib/keyhandle"
)

// sequentialRNG returns predictable, distinct nonces for tests.
type sequentialRNG struct{ n byte }

func (r *sequentialRNG) Generate(out []byte) error {
	for i := range out {
		out[i] = r.n
	}
	r.n++
	return nil
}

func newCore(t *testing.T, cdi hal.CDI, touched bool) *keyhandle.Core {
	t.Helper()
	touch := sim.NewTouch()
	if touched {
		// Keep pressing: the core clears stray touch events before it starts
		// waiting, so a single press made up front would be discarded.
		done := make(chan struct{})
		t.Cleanup(func() { close(done) })
		go func() {
			ticker := time.NewTicker(5 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					touch.Press()
				}
			}
		}()
	}
	led := &sim.LED{}
	return keyhandle.New(cdi, &sequentialRNG{}, touch, led, 0)
}

func appParam(s string) [keyhandle.AppParamSize]byte {
	return sha256.Sum256([]byte(s))
}

func TestRegisterAndCheckOnlyAgree(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, true)

	ap := appParam("example.com")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := core.Register(ctx, ap)
	require.NoError(t, err)
	require.True(t, res.UserPresence)

	require.True(t, core.CheckOnly(ap, res.KeyHandle))
}

func TestRegisterTouchTimeout(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, false)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := core.Register(ctx, appParam("example.com"))
	require.NoError(t, err)
	require.False(t, res.UserPresence)
	require.Zero(t, res.KeyHandle)
}

func TestNewHonorsCustomTouchTimeout(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	touch := sim.NewTouch()
	led := &sim.LED{}
	core := keyhandle.New(cdi, &sequentialRNG{}, touch, led, 25*time.Millisecond)

	// No context deadline: Register must give up on its own because of the
	// short touchTimeout passed to New, not because the context expired.
	start := time.Now()
	res, err := core.Register(context.Background(), appParam("example.com"))
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.False(t, res.UserPresence)
	require.Less(t, elapsed, time.Second, "Register should have given up after the custom touch timeout, not the default 10s")
}

func TestCrossAppParamAuthenticationFails(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, true)

	apA := appParam("a.example.com")
	apB := appParam("b.example.com")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reg, err := core.Register(ctx, apA)
	require.NoError(t, err)
	require.True(t, reg.UserPresence)

	require.False(t, core.CheckOnly(apB, reg.KeyHandle))

	authRes, err := core.Authenticate(ctx, apB, appParam("challenge"), reg.KeyHandle, false, 0)
	require.NoError(t, err)
	require.False(t, authRes.Valid)
}

func TestCDIIsolation(t *testing.T) {
	cdiA := sim.DeriveCDI([]byte("app-binary"), []byte("salt-a"))
	cdiB := sim.DeriveCDI([]byte("app-binary"), []byte("salt-b"))
	require.NotEqual(t, cdiA, cdiB)

	coreA := newCore(t, cdiA, true)
	coreB := newCore(t, cdiB, true)

	ap := appParam("example.com")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reg, err := coreA.Register(ctx, ap)
	require.NoError(t, err)

	require.False(t, coreB.CheckOnly(ap, reg.KeyHandle))
}

func TestAuthenticateSignatureVerifies(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, true)

	ap := appParam("example.com")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reg, err := core.Register(ctx, ap)
	require.NoError(t, err)

	chall := appParam("client-data")
	const counter = uint32(7)

	authRes, err := core.Authenticate(ctx, ap, chall, reg.KeyHandle, false, counter)
	require.NoError(t, err)
	require.True(t, authRes.Valid)
	require.False(t, authRes.UserPresence)

	uncompressed := append([]byte{0x04}, reg.PubKey[:]...)
	x, y := elliptic.Unmarshal(elliptic.P256(), uncompressed)
	require.NotNil(t, x)
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}

	payload := make([]byte, 0, 69)
	payload = append(payload, ap[:]...)
	payload = append(payload, 0) // user presence false: checkUser was false
	var ctrBuf [4]byte
	binary.BigEndian.PutUint32(ctrBuf[:], counter)
	payload = append(payload, ctrBuf[:]...)
	payload = append(payload, chall[:]...)
	digest := sha256.Sum256(payload)

	r := new(big.Int).SetBytes(authRes.Signature[0:32])
	s := new(big.Int).SetBytes(authRes.Signature[32:64])
	require.True(t, ecdsa.Verify(pub, digest[:], r, s))
}

func TestAuthenticateCheckUserTimeout(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, true)

	ap := appParam("example.com")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reg, err := core.Register(ctx, ap)
	require.NoError(t, err)

	core2 := newCore(t, cdi, false) // touch sensor never pressed

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	authRes, err := core2.Authenticate(shortCtx, ap, appParam("c"), reg.KeyHandle, true, 0)
	require.NoError(t, err)
	require.True(t, authRes.Valid)
	require.False(t, authRes.UserPresence)
}

func TestCheckOnlyRejectsTamperedHandle(t *testing.T) {
	cdi := sim.DeriveCDI([]byte("app-binary"), nil)
	core := newCore(t, cdi, true)

	ap := appParam("example.com")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reg, err := core.Register(ctx, ap)
	require.NoError(t, err)

	tampered := reg.KeyHandle
	tampered[0] ^= 0xff
	require.False(t, core.CheckOnly(ap, tampered))
}
