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

// Package frame implements the fixed-size framing protocol shared by the
// device protocol engine and the host device client: a single header byte
// followed by a payload whose length is one of {1, 4, 32, 128} bytes.
package frame

import (
	"github.com/gravitational/trace"
)

// Endpoint selects which subsystem on the device a frame is addressed to.
type Endpoint byte

const (
	// DestFW addresses the device firmware (used to probe for firmware
	// presence before a device app is loaded).
	DestFW Endpoint = 0
	// DestApp addresses the currently loaded device application.
	DestApp Endpoint = 2
)

// Len is the payload length of a frame. The protocol only ever uses these
// four sizes.
type Len byte

const (
	Len1   Len = 1
	Len4   Len = 4
	Len32  Len = 32
	Len128 Len = 128
)

func (l Len) lenBits() (byte, bool) {
	switch l {
	case Len1:
		return 0b00, true
	case Len4:
		return 0b01, true
	case Len32:
		return 0b10, true
	case Len128:
		return 0b11, true
	default:
		return 0, false
	}
}

func lenFromBits(b byte) (Len, bool) {
	switch b {
	case 0b00:
		return Len1, true
	case 0b01:
		return Len4, true
	case 0b10:
		return Len32, true
	case 0b11:
		return Len128, true
	default:
		return 0, false
	}
}

// Header is the decoded form of a frame's single header byte:
//
//	bit 7:    reserved, must be 0
//	bits 6-5: length code, see Len
//	bits 4-2: frame ID, used to pair a response with its request
//	bits 1-0: endpoint
type Header struct {
	ID       byte // 0-7
	Len      Len
	Endpoint Endpoint
}

// ErrMalformedHeader is returned by Decode when the reserved bit is set or
// the length code is invalid. Per the spec, the caller should not treat this
// as fatal: it drops the byte and resynchronizes on the next one.
var ErrMalformedHeader = trace.BadParameter("malformed frame header")

// Encode packs h into a single header byte.
func Encode(h Header) (byte, error) {
	if h.ID > 0b111 {
		return 0, trace.BadParameter("frame id %d out of range", h.ID)
	}
	lenBits, ok := h.Len.lenBits()
	if !ok {
		return 0, trace.BadParameter("invalid frame length %d", h.Len)
	}
	if h.Endpoint > 0b11 {
		return 0, trace.BadParameter("endpoint %d out of range", h.Endpoint)
	}
	return (lenBits << 5) | (h.ID << 2) | byte(h.Endpoint), nil
}

// Decode unpacks a single header byte. It returns ErrMalformedHeader for a
// byte that cannot be a valid header (reserved bit set, or bad length code);
// the caller must treat that as a silently-dropped byte, not a protocol
// error frame.
func Decode(b byte) (Header, error) {
	if b&0x80 != 0 {
		return Header{}, trace.Wrap(ErrMalformedHeader, "reserved bit set")
	}
	l, ok := lenFromBits((b >> 5) & 0b11)
	if !ok {
		return Header{}, trace.Wrap(ErrMalformedHeader, "bad length code")
	}
	id := (b >> 2) & 0b111
	ep := Endpoint(b & 0b11)
	return Header{ID: id, Len: l, Endpoint: ep}, nil
}

// NewFrame allocates a header byte plus a zeroed payload of the requested
// length, ready for the caller to fill in.
func NewFrame(ep Endpoint, l Len, id byte) ([]byte, error) {
	h, err := Encode(Header{ID: id, Len: l, Endpoint: ep})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	buf := make([]byte, 1+int(l))
	buf[0] = h
	return buf, nil
}
