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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tillitis/tkeyfido/lib/config"
)

func TestCheckAndSetDefaultsRequiresAppBinary(t *testing.T) {
	c := &config.Config{}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestCheckAndSetDefaultsFillsDefaults(t *testing.T) {
	c := &config.Config{Device: config.DeviceConfig{AppBinaryPath: "device.bin"}}
	require.NoError(t, c.CheckAndSetDefaults())
	require.Equal(t, 3*time.Second, c.Device.IdleTimeout)
	require.Equal(t, "tkey-fido/counters.db", c.CounterDBPath)
}

func TestCheckAndSetDefaultsRejectsPartialAttestationOverride(t *testing.T) {
	c := &config.Config{
		Device:      config.DeviceConfig{AppBinaryPath: "device.bin"},
		Attestation: config.AttestationConfig{KeyPath: "key.der"},
	}
	require.Error(t, c.CheckAndSetDefaults())
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	const yamlDoc = `
device:
  serial_path: /dev/ttyACM0
  app_binary_path: device.bin
  idle_timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyACM0", cfg.Device.SerialPath)
	require.Equal(t, 5*time.Second, cfg.Device.IdleTimeout)
}
