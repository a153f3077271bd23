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

// Package device implements the device protocol engine described in
// spec.md §4.3: a single run loop that parses one framed request at a time
// and produces one or more framed responses, dispatching U2F operations to
// the key-handle core.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tillitis/tkeyfido/lib/frame"
	"github.com/tillitis/tkeyfido/lib/keyhandle"
)

// Command codes, exactly as spec.md §4.3.
const (
	CmdGetNameVersion     byte = 0x01
	CmdU2FRegister        byte = 0x03
	CmdU2FCheckOnly       byte = 0x05
	CmdU2FAuthenticateSet byte = 0x07
	CmdU2FAuthenticateGo  byte = 0x08
)

// RspUnknownCmd is returned, as a single-byte frame, for any command code
// the engine does not recognize.
const RspUnknownCmd byte = 0xff

// rspNOK is sent, as a single-byte frame, to any frame addressed to the
// firmware endpoint — this lets the host probe for firmware presence even
// while a device app is running.
const rspNOK byte = 0x01

// Status codes: the first byte of every app-endpoint response payload.
const (
	StatusOK  byte = 0
	StatusBad byte = 1
)

// Sub-codes, valid only when the status byte is StatusBad.
const (
	SubCodeNone             byte = 0
	SubCodeScalarOutOfRange byte = 1
	SubCodeSignFailed       byte = 2
	SubCodeNoSession        byte = 3
)

// Identity is the device application's name/version, exactly as returned
// by GET_NAMEVERSION. Changing any of these, per spec.md §6, changes the
// CDI and invalidates every previously issued key handle.
type Identity struct {
	Name0   [4]byte // "tk1 "
	Name1   [4]byte // "fido"
	Version uint32
}

// Response is one outbound frame: the endpoint/id it is addressed to, its
// fixed length, and its payload (including the status byte where
// applicable).
type Response struct {
	Endpoint frame.Endpoint
	ID       byte
	Length   frame.Len
	Payload  []byte
}

// session is the device's between-SET-and-GO staging state (spec.md §3).
// A GO with no preceding SET is a protocol error, enforced here per the
// Open Question decision in SPEC_FULL.md §9.
type session struct {
	staged     bool
	appParam   [keyhandle.AppParamSize]byte
	challParam [keyhandle.ChallParamSize]byte
}

// Engine is the device's single run loop. It is not safe for concurrent
// use: the device is single-threaded by design (spec.md §5).
type Engine struct {
	core     *keyhandle.Core
	identity Identity
	session  session
	log      logrus.FieldLogger
}

// New builds an Engine bound to core, advertising identity via
// GET_NAMEVERSION.
func New(core *keyhandle.Core, identity Identity, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{core: core, identity: identity, log: log}
}

// HandleFrame processes one decoded request frame and returns the response
// frame(s) to send. Frames addressed to the firmware endpoint elicit a
// single NOK frame; frames to any other endpoint elicit none.
func (e *Engine) HandleFrame(ctx context.Context, hdr frame.Header, payload []byte) []Response {
	if hdr.Endpoint == frame.DestFW {
		return []Response{{Endpoint: frame.DestFW, ID: hdr.ID, Length: frame.Len1, Payload: []byte{rspNOK}}}
	}
	if hdr.Endpoint != frame.DestApp {
		return nil
	}
	if len(payload) == 0 {
		return nil
	}

	cmd := payload[0]
	data := payload[1:]

	// Any other command between SET and GO discards the staged session, so
	// a GO is only accepted right after its SET.
	if cmd != CmdU2FAuthenticateSet && cmd != CmdU2FAuthenticateGo {
		e.session = session{}
	}

	switch cmd {
	case CmdGetNameVersion:
		return []Response{e.handleGetNameVersion(hdr.ID)}
	case CmdU2FRegister:
		return e.handleRegister(ctx, hdr.ID, data)
	case CmdU2FCheckOnly:
		return []Response{e.handleCheckOnly(hdr.ID, data)}
	case CmdU2FAuthenticateSet:
		return []Response{e.handleAuthenticateSet(hdr.ID, data)}
	case CmdU2FAuthenticateGo:
		return []Response{e.handleAuthenticateGo(ctx, hdr.ID, data)}
	default:
		e.log.WithField("cmd", cmd).Debug("device: unknown command")
		return []Response{{Endpoint: frame.DestApp, ID: hdr.ID, Length: frame.Len1, Payload: []byte{RspUnknownCmd}}}
	}
}

func (e *Engine) handleGetNameVersion(id byte) Response {
	buf := make([]byte, 32)
	buf[0] = StatusOK
	copy(buf[1:5], e.identity.Name0[:])
	copy(buf[5:9], e.identity.Name1[:])
	binary.LittleEndian.PutUint32(buf[9:13], e.identity.Version)
	return Response{Endpoint: frame.DestApp, ID: id, Length: frame.Len32, Payload: buf}
}

func (e *Engine) handleRegister(ctx context.Context, id byte, data []byte) []Response {
	if len(data) < keyhandle.AppParamSize {
		return []Response{badResponse(id, frame.Len128, SubCodeNone)}
	}
	var appParam [keyhandle.AppParamSize]byte
	copy(appParam[:], data[:keyhandle.AppParamSize])

	res, err := e.core.Register(ctx, appParam)
	if err != nil {
		sub := SubCodeNone
		if errors.Is(err, keyhandle.ErrScalarOutOfRange) {
			sub = SubCodeScalarOutOfRange
		}
		return []Response{badResponse(id, frame.Len128, sub)}
	}

	first := make([]byte, 128)
	first[0] = StatusOK
	if res.UserPresence {
		first[1] = 1
	}
	copy(first[2:2+keyhandle.KeyHandleSize], res.KeyHandle[:])

	second := make([]byte, 128)
	second[0] = StatusOK
	copy(second[1:1+keyhandle.PubKeySize], res.PubKey[:])

	return []Response{
		{Endpoint: frame.DestApp, ID: id, Length: frame.Len128, Payload: first},
		{Endpoint: frame.DestApp, ID: id, Length: frame.Len128, Payload: second},
	}
}

func (e *Engine) handleCheckOnly(id byte, data []byte) Response {
	const need = keyhandle.AppParamSize + keyhandle.KeyHandleSize
	if len(data) < need {
		return badResponse(id, frame.Len4, SubCodeNone)
	}
	var appParam [keyhandle.AppParamSize]byte
	var kh [keyhandle.KeyHandleSize]byte
	copy(appParam[:], data[:keyhandle.AppParamSize])
	copy(kh[:], data[keyhandle.AppParamSize:need])

	valid := e.core.CheckOnly(appParam, kh)
	buf := make([]byte, 4)
	buf[0] = StatusOK
	if valid {
		buf[1] = 1
	}
	return Response{Endpoint: frame.DestApp, ID: id, Length: frame.Len4, Payload: buf}
}

func (e *Engine) handleAuthenticateSet(id byte, data []byte) Response {
	const need = keyhandle.AppParamSize + keyhandle.ChallParamSize
	if len(data) < need {
		return badResponse(id, frame.Len128, SubCodeNone)
	}
	e.session.staged = true
	copy(e.session.appParam[:], data[:keyhandle.AppParamSize])
	copy(e.session.challParam[:], data[keyhandle.AppParamSize:need])

	buf := make([]byte, 128)
	buf[0] = StatusOK
	return Response{Endpoint: frame.DestApp, ID: id, Length: frame.Len128, Payload: buf}
}

func (e *Engine) handleAuthenticateGo(ctx context.Context, id byte, data []byte) Response {
	const need = keyhandle.KeyHandleSize + 1 + 4
	if !e.session.staged {
		return badResponse(id, frame.Len128, SubCodeNoSession)
	}
	appParam, challParam := e.session.appParam, e.session.challParam
	e.session = session{} // single-use: consumed whether or not GO succeeds.

	if len(data) < need {
		return badResponse(id, frame.Len128, SubCodeNone)
	}
	var kh [keyhandle.KeyHandleSize]byte
	copy(kh[:], data[:keyhandle.KeyHandleSize])
	checkUser := data[keyhandle.KeyHandleSize] != 0
	counter := binary.BigEndian.Uint32(data[keyhandle.KeyHandleSize+1 : need])

	res, err := e.core.Authenticate(ctx, appParam, challParam, kh, checkUser, counter)
	if err != nil {
		return badResponse(id, frame.Len128, SubCodeSignFailed)
	}

	buf := make([]byte, 128)
	buf[0] = StatusOK
	if res.Valid {
		buf[1] = 1
	}
	if res.UserPresence {
		buf[2] = 1
	}
	copy(buf[3:3+keyhandle.SigSize], res.Signature[:])
	return Response{Endpoint: frame.DestApp, ID: id, Length: frame.Len128, Payload: buf}
}

func badResponse(id byte, length frame.Len, subCode byte) Response {
	buf := make([]byte, int(length))
	buf[0] = StatusBad
	if len(buf) > 1 {
		buf[1] = subCode
	}
	return Response{Endpoint: frame.DestApp, ID: id, Length: length, Payload: buf}
}

// Run reads framed requests from r and writes framed responses to w until r
// returns an error (including io.EOF, on a closed connection). Malformed
// header bytes are dropped silently; the loop resynchronizes on the next
// byte, per spec.md §4.3/§7.
func (e *Engine) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	headerBuf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, headerBuf); err != nil {
			return err
		}
		hdr, err := frame.Decode(headerBuf[0])
		if err != nil {
			continue // resynchronize on the next byte
		}

		payload := make([]byte, int(hdr.Len))
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}

		for _, resp := range e.HandleFrame(ctx, hdr, payload) {
			out, err := frame.NewFrame(resp.Endpoint, resp.Length, resp.ID)
			if err != nil {
				e.log.WithError(err).Error("device: failed to build response frame")
				continue
			}
			copy(out[1:], resp.Payload)
			if _, err := w.Write(out); err != nil {
				return err
			}
		}
	}
}
