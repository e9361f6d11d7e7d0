// Arena
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"
)

// signingKeyBits is the RSA modulus size for generated signing keys.
const signingKeyBits = 2048

// GenerateKeyPair returns a fresh RSA signing key pair as PEM blocks,
// private first. Used by tests and by deployments that let the process
// mint its own key.
func GenerateKeyPair() (privatePEM, publicPEM []byte, err error) {
	private, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	privatePEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(private),
	})

	publicDER, err := x509.MarshalPKIXPublicKey(&private.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	publicPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicDER,
	})
	return privatePEM, publicPEM, nil
}

// ParsePrivateKeyPEM parses a PKCS#1 or PKCS#8 encoded RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in private key data")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse private key: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("private key is %T, only RSA keys are supported", parsed)
	}
	return key, nil
}

// ParsePublicKeyPEM parses a PKIX or PKCS#1 encoded RSA public key.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in public key data")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse public key: %v", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("public key is %T, only RSA keys are supported", parsed)
	}
	return key, nil
}

// IsPEM reports whether the given key material looks like PEM. The config
// layer uses this to decide between RS256 key files and HS256 shared
// secrets.
func IsPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	return block != nil
}
