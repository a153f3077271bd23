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

package tkeyclient

import (
	"github.com/gravitational/trace"
	"go.bug.st/serial"
)

// defaultSerialMode matches the baud rate the real tillitis/tkeyclient
// project uses to talk to its security-token firmware.
var defaultSerialMode = &serial.Mode{BaudRate: 62500}

// OpenSerial opens a real serial port at path and returns it as a Port.
// go.bug.st/serial.Port already satisfies Port (Read, Write, Close,
// SetReadTimeout), so no adapter is needed beyond the open call itself.
func OpenSerial(path string) (Port, error) {
	port, err := serial.Open(path, defaultSerialMode)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to open serial port %q", path)
	}
	return port, nil
}

// ListSerialPorts enumerates candidate serial devices. The agent does not
// call it: with no serial path configured it connects to its device socket,
// and no serial port is auto-detected.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ports, nil
}
