// Package rsax provides RSA keypair generation and PEM encoding helpers,
// used for account and certificate keypairs throughout acmeguard.
package rsax

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard/internal/systemx"
)

// DefaultBits is the keysize used for both account and certificate
// keypairs, per spec.md's "4096-bit RSA" requirement.
const DefaultBits = 4096

// Generate a new RSA private key with the given bit size, PEM encoded.
func Generate(bits int) (encoded []byte, err error) {
	var pkey *rsa.PrivateKey

	if pkey, err = rsa.GenerateKey(rand.Reader, bits); err != nil {
		return nil, errors.WithStack(err)
	}

	return Encode(pkey), nil
}

// Encode a private key to PEM.
func Encode(pkey *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(pkey),
	})
}

// Decode a PEM encoded RSA private key.
func Decode(encoded []byte) (priv *rsa.PrivateKey, err error) {
	b, _ := pem.Decode(encoded)
	if b == nil {
		return nil, errors.New("invalid pem encoded private key")
	}

	if priv, err = x509.ParsePKCS1PrivateKey(b.Bytes); err != nil {
		return nil, errors.WithStack(err)
	}

	return priv, nil
}

// CachedAuto loads the RSA keypair at path, generating and persisting a
// fresh DefaultBits key if none exists.
func CachedAuto(path string) (priv *rsa.PrivateKey, err error) {
	return CachedGenerate(path, DefaultBits)
}

// CachedGenerate loads the RSA keypair at path, generating and persisting a
// fresh key of the given bit size if none exists.
func CachedGenerate(path string, bits int) (priv *rsa.PrivateKey, err error) {
	var encoded []byte

	if systemx.FileExists(path) {
		if encoded, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrapf(err, "failed to read keypair: %s", path)
		}

		return Decode(encoded)
	}

	if encoded, err = Generate(bits); err != nil {
		return nil, err
	}

	if err = os.WriteFile(path, encoded, 0600); err != nil {
		return nil, errors.Wrapf(err, "failed to write keypair: %s", path)
	}

	return Decode(encoded)
}
