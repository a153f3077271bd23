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

package u2fhost

import (
	"crypto/x509"
	"encoding/base64"

	"github.com/gravitational/trace"
)

// compiledAttestationKeyB64 and compiledAttestationCertB64 are a single
// SEC1-encoded P-256 private key and its self-signed X.509 certificate,
// generated once (via openssl, offline) and baked into the binary. Per
// spec.md §6 the host agent ships "a single hard-coded certificate and
// private key"; spec.md §9 calls out that this key is identical across
// every instance of the agent as the documented, deliberate non-production
// weakness. Generating a fresh key per process start would invert that
// semantic, so DefaultAttestationKey must return this same literal pair on
// every invocation rather than calling ecdsa.GenerateKey at runtime.
const (
	compiledAttestationKeyB64 = "MHcCAQEEIKiyD3KYdeLOh31C4KGKrlsP3FK9wGoSbRH6KzSzNeWGoAoGCCqGSM49AwEHoUQDQgAESDg0qwRhVrslzfh8ExAbS1UhfS9VLAzoAhSYksJEzulivRioSLWV5h7a+Hp/uPvHu7H++Q5peuMOuM10gzedqQ=="

	compiledAttestationCertB64 = "MIICDTCCAbOgAwIBAgIUPQaTKG0LpqRCy1GV/ZES000+oV0wCgYIKoZIzj0EAwIwWzE0MDIGA1UECgwrdGtleWZpZG8gZHVtbXkgYXR0ZXN0YXRpb24gKG5vbi1wcm9kdWN0aW9uKTEjMCEGA1UEAwwadGtleWZpZG8tZHVtbXktYXR0ZXN0YXRpb24wIBcNMjYwNzMxMjM1MTM0WhgPMjA1NjA3MjMyMzUxMzRaMFsxNDAyBgNVBAoMK3RrZXlmaWRvIGR1bW15IGF0dGVzdGF0aW9uIChub24tcHJvZHVjdGlvbikxIzAhBgNVBAMMGnRrZXlmaWRvLWR1bW15LWF0dGVzdGF0aW9uMFkwEwYHKoZIzj0CAQYIKoZIzj0DAQcDQgAESDg0qwRhVrslzfh8ExAbS1UhfS9VLAzoAhSYksJEzulivRioSLWV5h7a+Hp/uPvHu7H++Q5peuMOuM10gzedqaNTMFEwHQYDVR0OBBYEFFR+o0LeTKkEZz4NiaqOyJ5/DAA5MB8GA1UdIwQYMBaAFFR+o0LeTKkEZz4NiaqOyJ5/DAA5MA8GA1UdEwEB/wQFMAMBAf8wCgYIKoZIzj0EAwIDSAAwRQIhAI8iHhsIPbQFk2xx2iJcQRc5kzOYIY2lcA3y61viD5aJAiBOhfmgjpHlSaKiJwTByV3+fzeFj2/TeQPjrvz7GH9IZg=="
)

// DefaultAttestationKey returns the compiled-in, explicitly non-production
// attestation key and self-signed certificate (spec.md §6). lib/config can
// override this with an operator-supplied pair loaded from disk via
// LoadAttestationKey.
func DefaultAttestationKey() (AttestationKey, error) {
	keyDER, err := base64.StdEncoding.DecodeString(compiledAttestationKeyB64)
	if err != nil {
		return AttestationKey{}, trace.Wrap(err, "decoding compiled-in attestation key")
	}
	certDER, err := base64.StdEncoding.DecodeString(compiledAttestationCertB64)
	if err != nil {
		return AttestationKey{}, trace.Wrap(err, "decoding compiled-in attestation certificate")
	}
	return LoadAttestationKey(keyDER, certDER)
}

// LoadAttestationKey parses a PEM-free raw DER private key and certificate,
// used both to decode the compiled-in dummy pair above and when lib/config
// points at an operator-supplied attestation pair instead.
func LoadAttestationKey(keyDER, certDER []byte) (AttestationKey, error) {
	priv, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return AttestationKey{}, trace.Wrap(err, "parsing attestation private key")
	}
	if err := VerifyAttestationCert(certDER); err != nil {
		return AttestationKey{}, trace.Wrap(err)
	}
	return AttestationKey{Private: priv, CertDER: certDER}, nil
}
