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

// Package sim provides an in-process simulation of the hal interfaces, used
// by the device binary and by tests when no real RISC-V token is attached.
package sim

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/tillitis/tkeyfido/lib/hal"
)

// DeriveCDI computes a simulated CDI as a function of the running app's
// binary digest and an optional user-supplied salt, so that two different
// apps or two different salts yield two different CDIs (spec.md §3). No
// chip-unique secret is mixed in: every simulated device running the same
// app with the same salt gets the same CDI.
func DeriveCDI(appBinary []byte, userSecret []byte) hal.CDI {
	h := sha256.New()
	h.Write([]byte("tkeyfido-sim-cdi-v1"))
	appDigest := sha256.Sum256(appBinary)
	h.Write(appDigest[:])
	h.Write(userSecret)
	var cdi hal.CDI
	copy(cdi[:], h.Sum(nil))
	return cdi
}

// Entropy is a crypto/rand-backed hal.Entropy. Real hardware would read a
// TRNG register; we have no such register to read, so we use the OS CSPRNG
// as the lowest-rate entropy source available to us.
type Entropy struct{}

func (Entropy) Uint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read on a real OS does not fail; if it somehow did,
		// degrading to a time-derived word is still better than a panic
		// in a security-token hot path.
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	return binary.BigEndian.Uint32(b[:])
}

// LED records the last color it was set to; useful for tests asserting on
// the register/authenticate touch-flashing behavior.
type LED struct {
	mu      sync.Mutex
	current hal.Color
	history []hal.Color
}

func (l *LED) Set(c hal.Color) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = c
	l.history = append(l.history, c)
}

func (l *LED) Current() hal.Color {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *LED) History() []hal.Color {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hal.Color, len(l.history))
	copy(out, l.history)
	return out
}

// Touch is a channel-driven simulated touch sensor: a test (or a CLI
// stand-in for the physical button) signals a touch by sending on Signal.
type Touch struct {
	mu      sync.Mutex
	pending bool
	signal  chan struct{}
}

func NewTouch() *Touch {
	return &Touch{signal: make(chan struct{}, 1)}
}

// Press simulates a physical touch event.
func (t *Touch) Press() {
	t.mu.Lock()
	t.pending = true
	t.mu.Unlock()
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Touch) Clear() {
	t.mu.Lock()
	t.pending = false
	t.mu.Unlock()
	select {
	case <-t.signal:
	default:
	}
}

func (t *Touch) Await(ctx context.Context, timeout time.Duration) bool {
	t.mu.Lock()
	if t.pending {
		t.pending = false
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.signal:
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
