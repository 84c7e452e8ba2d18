package acmeclient

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard/internal/tlsx"
)

const challengeCertValidity = 7 * 24 * time.Hour

// BuildChallengeCertificate constructs the self-signed certificate a TLS-SNI
// challenge requires the challenged server to present when the CA connects
// with the challenge's derived SNI hostname(s).
func BuildChallengeCertificate(priv *rsa.PrivateKey, ch Challenge, keyAuth string) ([]byte, error) {
	switch ch.Type {
	case ChallengeTLSSNI01:
		return buildTLSSNI01(priv, keyAuth)
	case ChallengeTLSSNI02:
		return buildTLSSNI02(priv, ch.Token, keyAuth)
	default:
		return nil, errors.Errorf("unsupported challenge type %s", ch.Type)
	}
}

func sanLabel(data string) string {
	sum := sha256.Sum256([]byte(data))
	z := hex.EncodeToString(sum[:])
	return z[0:32] + "." + z[32:64]
}

// buildTLSSNI01 builds the single-SAN certificate required by the
// draft-ietf-acme TLS-SNI-01 validation method: a self-signed leaf whose
// sole SAN is derived from SHA-256(keyAuthorization).
func buildTLSSNI01(priv *rsa.PrivateKey, keyAuth string) ([]byte, error) {
	host := sanLabel(keyAuth) + ".acme.invalid"

	template, err := tlsx.Template(challengeCertValidity,
		tlsx.OptionSubject(pkix.Name{CommonName: host}),
		tlsx.OptionHosts(host))
	if err != nil {
		return nil, err
	}

	return tlsx.SelfSigned(priv, &template)
}

// buildTLSSNI02 builds the two-SAN certificate required by TLS-SNI-02: one
// SAN derived from the challenge token, one from the key authorization.
func buildTLSSNI02(priv *rsa.PrivateKey, token, keyAuth string) ([]byte, error) {
	tokenHost := sanLabel(token) + ".token.acme.invalid"
	keyAuthHost := sanLabel(keyAuth) + ".ka.acme.invalid"

	template, err := tlsx.Template(challengeCertValidity,
		tlsx.OptionSubject(pkix.Name{CommonName: tokenHost}),
		tlsx.OptionHosts(tokenHost, keyAuthHost))
	if err != nil {
		return nil, err
	}

	return tlsx.SelfSigned(priv, &template)
}
