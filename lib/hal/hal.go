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

// Package hal defines the hardware-abstraction boundary of the device
// application: everything that, on real RISC-V security-token hardware, is
// a memory-mapped pointer. The device core (lib/rng, lib/keyhandle,
// lib/device) is written entirely against these interfaces so it never
// touches hardware directly and can run against a simulated implementation
// (lib/hal/sim) off real hardware.
package hal

import (
	"context"
	"time"
)

// CDI is the 32-byte Compound Device Identifier: a chip-unique secret that
// depends on the running application's binary digest and an optional
// user-supplied salt. It never leaves the device.
type CDI [32]byte

// Entropy is a low-rate true-random source. The RNG extracts it into a
// uniform stream; it is never used directly as key material.
type Entropy interface {
	// Uint32 returns one 32-bit word from the TRNG.
	Uint32() uint32
}

// Color identifies an LED state used to signal what the device is waiting
// for or doing.
type Color int

const (
	ColorIdle Color = iota
	ColorAwaitingTouchRegister
	ColorAwaitingTouchAuthenticate
	ColorWorking
)

// LED is the single status LED on the token.
type LED interface {
	Set(Color)
}

// Touch is the physical touch sensor. Clear discards any stray pending
// event (used both before arming a wait, to avoid reacting to a touch that
// happened before the operation started, and after observing one). Await
// blocks until a touch is observed or the context is done, returning
// whether a touch occurred.
type Touch interface {
	Clear()
	Await(ctx context.Context, timeout time.Duration) bool
}

