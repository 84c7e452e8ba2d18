package acmeclient

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/pkg/errors"
)

// jwk is the minimal RSA JSON Web Key representation required to identify an
// account key in an ACME JWS protected header, per RFC 7638.
type jwk struct {
	KeyType string `json:"kty"`
	N       string `json:"n"`
	E       string `json:"e"`
}

func rsaJWK(pub *rsa.PublicKey) jwk {
	return jwk{
		KeyType: "RSA",
		N:       b64(pub.N.Bytes()),
		E:       b64(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// thumbprint computes the RFC 7638 JWK thumbprint of pub, used as the
// "account key fingerprint" half of a TLS-SNI key authorization.
func thumbprint(pub *rsa.PublicKey) (string, error) {
	k := rsaJWK(pub)

	// RFC 7638 requires lexicographic member ordering and no whitespace.
	canonical := struct {
		E   string `json:"e"`
		Kty string `json:"kty"`
		N   string `json:"n"`
	}{E: k.E, Kty: k.KeyType, N: k.N}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", errors.WithStack(err)
	}

	sum := sha256.Sum256(data)
	return b64(sum[:]), nil
}

// keyAuthorization builds the key authorization string ACME challenge
// responses are built around: token + "." + the account key's JWK
// thumbprint, itself base64url(SHA-256(canonical JWK)).
func keyAuthorization(token string, pub *rsa.PublicKey) (string, error) {
	tp, err := thumbprint(pub)
	if err != nil {
		return "", err
	}

	return token + "." + tp, nil
}

type protectedHeader struct {
	Alg   string `json:"alg"`
	Nonce string `json:"nonce"`
	URL   string `json:"url"`
	JWK   *jwk   `json:"jwk,omitempty"`
	Kid   string `json:"kid,omitempty"`
}

type flattenedJWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// signJWS builds an RS256-signed, flattened-JSON JWS envelope for payload,
// addressed at url with the given anti-replay nonce. Requests before an
// account exists authenticate by embedding the account's public JWK;
// subsequent requests authenticate by kid (the account URI) instead.
func signJWS(key *rsa.PrivateKey, kid, url, nonce string, payload any) ([]byte, error) {
	var payloadJSON []byte

	var err error
	if payload == nil {
		payloadJSON = []byte{}
	} else if payloadJSON, err = json.Marshal(payload); err != nil {
		return nil, errors.WithStack(err)
	}

	header := protectedHeader{Alg: "RS256", Nonce: nonce, URL: url}
	if kid == "" {
		k := rsaJWK(&key.PublicKey)
		header.JWK = &k
	} else {
		header.Kid = kid
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	protected := b64(headerJSON)
	encodedPayload := b64(payloadJSON)

	signingInput := protected + "." + encodedPayload

	digest := sha256.Sum256([]byte(signingInput))

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign jws")
	}

	env := flattenedJWS{Protected: protected, Payload: encodedPayload, Signature: b64(sig)}

	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return out, nil
}

// csrToDER asserts csr is valid DER before it is base64url-encoded into a
// new-cert request body.
func csrToDER(csr []byte) ([]byte, error) {
	if _, err := x509.ParseCertificateRequest(csr); err != nil {
		return nil, errors.Wrap(err, "malformed certificate signing request")
	}

	return csr, nil
}
