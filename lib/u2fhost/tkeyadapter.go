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

package u2fhost

import (
	"context"

	"github.com/tillitis/tkeyfido/lib/tkeyclient"
)

// TKeyDevice adapts a *tkeyclient.Client to the Device interface, translating
// between tkeyclient's and u2fhost's (intentionally identical but
// independently-owned) result types.
type TKeyDevice struct {
	Client *tkeyclient.Client
}

func (d TKeyDevice) Register(ctx context.Context, appParam [32]byte) (RegisterResult, error) {
	res, err := d.Client.Register(ctx, appParam)
	if err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{
		UserPresence: res.UserPresence,
		KeyHandle:    res.KeyHandle,
		PubKeyPoint:  res.PubKeyPoint,
	}, nil
}

func (d TKeyDevice) CheckOnly(ctx context.Context, appParam [32]byte, keyHandle []byte) (bool, error) {
	return d.Client.CheckOnly(ctx, appParam, keyHandle)
}

func (d TKeyDevice) Authenticate(ctx context.Context, appParam, challParam [32]byte, keyHandle []byte, checkUser bool, counter uint32) (AuthenticateResult, error) {
	res, err := d.Client.Authenticate(ctx, appParam, challParam, keyHandle, checkUser, counter)
	if err != nil {
		return AuthenticateResult{}, err
	}
	return AuthenticateResult{
		Valid:        res.Valid,
		UserPresence: res.UserPresence,
		Signature:    res.Signature,
	}, nil
}
