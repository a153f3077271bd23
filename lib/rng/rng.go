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

// Package rng implements the device's CDI-seeded BLAKE2s stream generator.
// The TRNG is treated as low-rate entropy; a keyed hash chain extracts it
// into a uniform stream that survives TRNG stalls.
package rng

import (
	"encoding/binary"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/blake2s"

	"github.com/tillitis/tkeyfido/lib/hal"
)

// reseedInterval is the number of 16-byte blocks generated before the
// high half of the state is refreshed from the TRNG.
const reseedInterval = 1000

// RNG is a 512-bit state vector plus a reseed step counter, seeded from the
// CDI and a TRNG source.
type RNG struct {
	state   [16]uint32
	counter uint32
	trng    hal.Entropy
}

// New creates an RNG, seeding the low 8 words of state from cdi and the
// high 8 words from trng.
func New(cdi hal.CDI, trng hal.Entropy) *RNG {
	r := &RNG{trng: trng}
	wordsFromBytes(cdi[:], r.state[0:8])
	for i := 8; i < 16; i++ {
		r.state[i] = trng.Uint32()
	}
	return r
}

// Generate fills out with uniform bytes. len(out) must be a multiple of 16.
func (r *RNG) Generate(out []byte) error {
	if len(out)%16 != 0 {
		return trace.BadParameter("rng: output length %d is not a multiple of 16", len(out))
	}
	for off := 0; off < len(out); off += 16 {
		digest := blake2s.Sum256(stateBytes(r.state))
		copy(out[off:off+16], digest[:16])
		r.update(digest)
	}
	return nil
}

func (r *RNG) update(digest [32]byte) {
	wordsFromBytes(digest[:], r.state[0:8])
	r.counter++
	r.state[15] += r.counter
	if r.counter == reseedInterval {
		for i := 8; i < 16; i++ {
			r.state[i] = r.trng.Uint32()
		}
		r.counter = 0
	}
}

func stateBytes(state [16]uint32) []byte {
	buf := make([]byte, 64)
	for i, w := range state {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func wordsFromBytes(b []byte, words []uint32) {
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4:])
	}
}
