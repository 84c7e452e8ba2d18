// Package tlsx provides X.509 certificate template, signing, and PEM
// helpers used when building challenge certificates and writing certificate
// chains to disk.
package tlsx

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/grantae/certinfo"
	"github.com/pkg/errors"
)

// Option mutates a certificate template under construction.
type Option func(*x509.Certificate)

// OptionSubject sets the subject name.
func OptionSubject(s pkix.Name) Option {
	return func(t *x509.Certificate) {
		t.Subject = s
	}
}

// OptionHosts appends DNS names (or IP addresses, detected automatically)
// as subject alternative names.
func OptionHosts(names ...string) Option {
	return func(t *x509.Certificate) {
		for _, h := range names {
			if ip := net.ParseIP(h); ip != nil {
				t.IPAddresses = append(t.IPAddresses, ip)
			} else {
				t.DNSNames = append(t.DNSNames, h)
			}
		}
	}
}

// Template builds a leaf certificate template valid for duration d starting
// now, with the given options applied.
func Template(d time.Duration, options ...Option) (template x509.Certificate, err error) {
	var serialNumber *big.Int

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	if serialNumber, err = rand.Int(rand.Reader, serialNumberLimit); err != nil {
		return template, errors.WithStack(err)
	}

	now := time.Now()
	template = x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             now,
		NotAfter:              now.Add(d),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	for _, opt := range options {
		opt(&template)
	}

	return template, nil
}

// SelfSigned signs template with priv, producing a self-signed leaf. Used
// for TLS-SNI challenge certificates, which are never chained to a CA.
func SelfSigned(priv *rsa.PrivateKey, template *x509.Certificate) (derBytes []byte, err error) {
	if derBytes, err = x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv); err != nil {
		return nil, errors.WithStack(err)
	}

	return derBytes, nil
}

// WritePrivateKey PEM-encodes an RSA private key to dst.
func WritePrivateKey(dst io.Writer, key *rsa.PrivateKey) error {
	return errors.WithStack(pem.Encode(dst, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

// WritePEMBlock PEM-encodes an arbitrary DER block of the given type to dst.
func WritePEMBlock(dst io.Writer, blockType string, der []byte) error {
	return errors.WithStack(pem.Encode(dst, &pem.Block{Type: blockType, Bytes: der}))
}

// WriteCertificate PEM-encodes a single DER certificate to dst.
func WriteCertificate(dst io.Writer, cert []byte) error {
	return WritePEMBlock(dst, "CERTIFICATE", cert)
}

// WriteCertificateFile PEM-encodes and writes a single DER certificate to
// path, truncating any existing file.
func WriteCertificateFile(path string, cert []byte) (err error) {
	var dst *os.File

	if dst, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600); err != nil {
		return errors.WithStack(err)
	}
	defer dst.Close()

	return WriteCertificate(dst, cert)
}

// DecodePEMCertificate decodes a single PEM encoded x509 certificate.
func DecodePEMCertificate(encoded []byte) (cert *x509.Certificate, err error) {
	p, _ := pem.Decode(encoded)
	if p == nil {
		return nil, errors.New("unable to decode pem certificate")
	}

	if cert, err = x509.ParseCertificate(p.Bytes); err != nil {
		return nil, errors.Wrap(err, "failed to parse certificate")
	}

	return cert, nil
}

// DecodePEMCertificateChain decodes an ordered, leaf-first chain of PEM
// concatenated x509 certificates.
func DecodePEMCertificateChain(encoded []byte) (chain []*x509.Certificate, err error) {
	rest := encoded
	for {
		var p *pem.Block
		p, rest = pem.Decode(rest)
		if p == nil {
			break
		}

		var cert *x509.Certificate
		if cert, err = x509.ParseCertificate(p.Bytes); err != nil {
			return nil, errors.Wrap(err, "failed to parse certificate in chain")
		}

		chain = append(chain, cert)
	}

	if len(chain) == 0 {
		return nil, errors.New("no certificates found in chain")
	}

	return chain, nil
}

// EncodePEMChain PEM-concatenates an ordered, leaf-first chain of DER
// certificates, matching the on-disk P-<certId>-certchain.pem layout.
func EncodePEMChain(dst io.Writer, certsDER ...[]byte) (err error) {
	for _, c := range certsDER {
		if err = WriteCertificate(dst, c); err != nil {
			return err
		}
	}

	return nil
}

// PrintEncoded renders a DER certificate as human readable text for
// diagnostic logging.
func PrintEncoded(cx []byte) string {
	cert, err := x509.ParseCertificate(cx)
	if err != nil {
		return fmt.Sprintf("failed to parse certificate: %s", err)
	}

	s, err := certinfo.CertificateText(cert)
	if err != nil {
		return fmt.Sprintf("failed to render certificate: %s", err)
	}

	return s
}
