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

package frame_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tillitis/tkeyfido/lib/frame"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		h    frame.Header
	}{
		{"app/len1/id0", frame.Header{ID: 0, Len: frame.Len1, Endpoint: frame.DestApp}},
		{"app/len128/id7", frame.Header{ID: 7, Len: frame.Len128, Endpoint: frame.DestApp}},
		{"fw/len32/id3", frame.Header{ID: 3, Len: frame.Len32, Endpoint: frame.DestFW}},
		{"app/len4/id5", frame.Header{ID: 5, Len: frame.Len4, Endpoint: frame.DestApp}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := frame.Encode(tc.h)
			require.NoError(t, err)

			got, err := frame.Decode(b)
			require.NoError(t, err)
			require.Equal(t, tc.h, got)
		})
	}
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	_, err := frame.Encode(frame.Header{ID: 8, Len: frame.Len1, Endpoint: frame.DestApp})
	require.Error(t, err)

	_, err = frame.Encode(frame.Header{ID: 0, Len: 99, Endpoint: frame.DestApp})
	require.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	// Reserved bit set.
	_, err := frame.Decode(0x80)
	require.ErrorIs(t, err, frame.ErrMalformedHeader)
}

func TestNewFrame(t *testing.T) {
	buf, err := frame.NewFrame(frame.DestApp, frame.Len128, 1)
	require.NoError(t, err)
	require.Len(t, buf, 129)

	h, err := frame.Decode(buf[0])
	require.NoError(t, err)
	require.Equal(t, frame.Len128, h.Len)
	require.Equal(t, frame.DestApp, h.Endpoint)
	require.EqualValues(t, 1, h.ID)
}
