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

// Package config implements the host agent's YAML-backed configuration
// (SPEC_FULL.md §4.7).
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

const (
	defaultIdleTimeout   = 3 * time.Second
	defaultCounterDBPath = "tkey-fido/counters.db"
)

// Config is the host agent's full configuration.
type Config struct {
	// Device configures the connection to the hardware token.
	Device DeviceConfig `yaml:"device"`
	// Attestation optionally overrides the compiled-in dummy attestation
	// key/certificate (spec.md §6).
	Attestation AttestationConfig `yaml:"attestation"`
	// CounterDBPath is the SQLite database path for the per-key-handle
	// counter (SPEC_FULL.md §3 supplement). Relative paths are resolved
	// against the user's config directory.
	CounterDBPath string `yaml:"counter_db_path"`
}

// DeviceConfig configures the serial connection to the token.
type DeviceConfig struct {
	// SerialPath is the device path, e.g. /dev/ttyACM0. Empty means the
	// agent connects to the device's Unix-domain socket instead; serial
	// ports are not auto-detected.
	SerialPath string `yaml:"serial_path"`
	// AppBinaryPath is the device application image to load onto the
	// token.
	AppBinaryPath string `yaml:"app_binary_path"`
	// IdleTimeout overrides tkeyclient.DefaultIdleTimeout, the agent's
	// own idle-disconnect timer (spec.md §4.4). The physical touch
	// timeout (spec.md §4.2) is enforced by the device application, not
	// the host agent, and is configured on that binary directly (see
	// cmd/tkey-fido-device's --touch-timeout flag); there is no wire
	// command to set it remotely.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AttestationConfig optionally points at an operator-supplied attestation
// key/certificate pair, in DER form, instead of the compiled-in dummy.
type AttestationConfig struct {
	KeyPath  string `yaml:"key_path"`
	CertPath string `yaml:"cert_path"`
}

// CheckAndSetDefaults validates c and fills in defaults for anything left
// unset, following the teacher's CheckAndSetDefaults idiom
// (lib/config used throughout the teacher's api/types package).
func (c *Config) CheckAndSetDefaults() error {
	if c.Device.AppBinaryPath == "" {
		return trace.BadParameter("device.app_binary_path is required")
	}
	if c.Device.IdleTimeout <= 0 {
		c.Device.IdleTimeout = defaultIdleTimeout
	}
	if (c.Attestation.KeyPath == "") != (c.Attestation.CertPath == "") {
		return trace.BadParameter("attestation.key_path and attestation.cert_path must both be set, or both left empty")
	}
	if c.CounterDBPath == "" {
		c.CounterDBPath = defaultCounterDBPath
	}
	return nil
}

// Load reads and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, trace.Wrap(err, "parsing config")
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
