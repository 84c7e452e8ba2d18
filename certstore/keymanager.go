package certstore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync/atomic"

	"github.com/pkg/errors"
)

// atomicSnapshot publishes a Snapshot for lock-free concurrent reads. A
// zero-value atomicSnapshot loads as an empty Snapshot rather than nil,
// so GetCertificate never needs a nil check before consulting it.
type atomicSnapshot struct {
	v atomic.Value
}

func (a *atomicSnapshot) store(s Snapshot) {
	a.v.Store(s)
}

func (a *atomicSnapshot) load() Snapshot {
	v := a.v.Load()
	if v == nil {
		return Snapshot{byID: map[string]Entry{}, byHost: map[string]Entry{}}
	}

	return v.(Snapshot)
}

// decodeRSAKey decodes a PEM-encoded RSA private key as persisted by
// internal/rsax.
func decodeRSAKey(encoded []byte) (*rsa.PrivateKey, error) {
	p, _ := pem.Decode(encoded)
	if p == nil {
		return nil, errors.New("unable to decode pem private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(p.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse rsa private key")
	}

	return priv, nil
}
