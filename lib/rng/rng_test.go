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

package rng_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillitis/tkeyfido/lib/hal"
	"github.com/tillitis/tkeyfido/lib/rng"
)

type fixedEntropy struct{ words []uint32 }

func (f *fixedEntropy) Uint32() uint32 {
	w := f.words[0]
	f.words = append(f.words[1:], w)
	return w
}

func TestGenerateRejectsBadLength(t *testing.T) {
	r := rng.New(hal.CDI{}, &fixedEntropy{words: make([]uint32, 8)})
	err := r.Generate(make([]byte, 15))
	require.Error(t, err)
}

func TestGenerateIsDeterministicForFixedSeed(t *testing.T) {
	entropy := func() *fixedEntropy {
		words := make([]uint32, 8)
		for i := range words {
			words[i] = uint32(i + 1)
		}
		return &fixedEntropy{words: words}
	}

	var cdi hal.CDI
	for i := range cdi {
		cdi[i] = byte(i)
	}

	r1 := rng.New(cdi, entropy())
	r2 := rng.New(cdi, entropy())

	out1 := make([]byte, 64)
	out2 := make([]byte, 64)
	require.NoError(t, r1.Generate(out1))
	require.NoError(t, r2.Generate(out2))
	require.Equal(t, out1, out2)
}

func TestGenerateDoesNotRepeatAcrossBlocks(t *testing.T) {
	words := make([]uint32, 8)
	for i := range words {
		words[i] = uint32(i + 1)
	}
	var cdi hal.CDI
	r := rng.New(cdi, &fixedEntropy{words: words})

	out := make([]byte, 48)
	require.NoError(t, r.Generate(out))
	require.NotEqual(t, out[0:16], out[16:32])
	require.NotEqual(t, out[16:32], out[32:48])
}

func TestGenerateSurvivesReseedBoundary(t *testing.T) {
	words := make([]uint32, 8)
	for i := range words {
		words[i] = uint32(i + 1)
	}
	var cdi hal.CDI
	r := rng.New(cdi, &fixedEntropy{words: words})

	// 1001 blocks of 16 bytes cross exactly one reseed boundary (after the
	// 1000th block).
	out := make([]byte, 16*1001)
	require.NoError(t, r.Generate(out))
}
