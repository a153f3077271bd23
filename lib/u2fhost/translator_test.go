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

package u2fhost_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillitis/tkeyfido/lib/u2fhost"
)

type fakeDevice struct {
	registerUserPresence bool
	checkOnlyResult      bool
	authResult           u2fhost.AuthenticateResult
	authErr              error
}

func (f *fakeDevice) Register(ctx context.Context, appParam [32]byte) (u2fhost.RegisterResult, error) {
	if !f.registerUserPresence {
		return u2fhost.RegisterResult{}, nil
	}
	return u2fhost.RegisterResult{
		UserPresence: true,
		KeyHandle:    make([]byte, 64),
		PubKeyPoint:  append([]byte{0x04}, make([]byte, 64)...),
	}, nil
}

func (f *fakeDevice) CheckOnly(ctx context.Context, appParam [32]byte, keyHandle []byte) (bool, error) {
	return f.checkOnlyResult, nil
}

func (f *fakeDevice) Authenticate(ctx context.Context, appParam, challParam [32]byte, keyHandle []byte, checkUser bool, counter uint32) (u2fhost.AuthenticateResult, error) {
	return f.authResult, f.authErr
}

func appParam(s string) [32]byte { return sha256.Sum256([]byte(s)) }

func newTranslator(t *testing.T, dev u2fhost.Device) *u2fhost.Translator {
	t.Helper()
	attest, err := u2fhost.DefaultAttestationKey()
	require.NoError(t, err)
	return u2fhost.New(dev, u2fhost.NewMemoryCounterStore(), attest)
}

func TestVersion(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{})
	body, sw := tr.Version()
	require.Equal(t, u2fhost.SWNoError, sw)
	require.Equal(t, "U2F_V2", string(body))
}

func TestRegisterNoUserPresence(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{registerUserPresence: false})
	_, sw := tr.Register(context.Background(), appParam("a"), appParam("b"))
	require.Equal(t, u2fhost.SWConditionsNotSatisfied, sw)
}

func TestRegisterHappyPath(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{registerUserPresence: true})
	body, sw := tr.Register(context.Background(), appParam("example.com"), appParam("client-data"))
	require.Equal(t, u2fhost.SWNoError, sw)
	require.NotEmpty(t, body)
	require.Equal(t, byte(0x05), body[0])
}

func TestAuthenticateWrongKeyHandleLength(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{})
	_, sw := tr.Authenticate(context.Background(), u2fhost.CtrlEnforceUserPresenceAndSign, appParam("a"), appParam("b"), make([]byte, 10))
	require.Equal(t, u2fhost.SWWrongData, sw)
}

func TestAuthenticateCheckOnlyInvalidHandle(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{checkOnlyResult: false})
	_, sw := tr.Authenticate(context.Background(), u2fhost.CtrlCheckOnly, appParam("a"), appParam("b"), make([]byte, 64))
	require.Equal(t, u2fhost.SWWrongData, sw)
}

func TestAuthenticateCheckOnlySuccessSignalsConditionsNotSatisfied(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{checkOnlyResult: true})
	_, sw := tr.Authenticate(context.Background(), u2fhost.CtrlCheckOnly, appParam("a"), appParam("b"), make([]byte, 64))
	require.Equal(t, u2fhost.SWConditionsNotSatisfied, sw)
}

func TestAuthenticateHappyPath(t *testing.T) {
	dev := &fakeDevice{
		checkOnlyResult: true,
		authResult: u2fhost.AuthenticateResult{
			Valid:        true,
			UserPresence: true,
			Signature:    []byte{0x30, 0x02, 0x01, 0x00},
		},
	}
	tr := newTranslator(t, dev)
	body, sw := tr.Authenticate(context.Background(), u2fhost.CtrlEnforceUserPresenceAndSign, appParam("a"), appParam("b"), make([]byte, 64))
	require.Equal(t, u2fhost.SWNoError, sw)
	require.Equal(t, byte(1), body[0])
	require.Equal(t, dev.authResult.Signature, body[5:])
}

func TestAuthenticateUserPresenceTimeoutIsConditionsNotSatisfied(t *testing.T) {
	dev := &fakeDevice{
		checkOnlyResult: true,
		authResult:      u2fhost.AuthenticateResult{Valid: true, UserPresence: false},
	}
	tr := newTranslator(t, dev)
	_, sw := tr.Authenticate(context.Background(), u2fhost.CtrlEnforceUserPresenceAndSign, appParam("a"), appParam("b"), make([]byte, 64))
	require.Equal(t, u2fhost.SWConditionsNotSatisfied, sw)
}

func TestUnknown(t *testing.T) {
	tr := newTranslator(t, &fakeDevice{})
	_, sw := tr.Unknown()
	require.Equal(t, u2fhost.SWClaNotSupported, sw)
}
