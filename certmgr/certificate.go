// Package certmgr implements the per-certificate caching and renewal logic
// of spec.md §4.4: a fast, disk-only updateCached pass and a CA-contacting
// updateOthers pass that re-authorizes and re-issues when needed.
package certmgr

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"log"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/acmeclient"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/challengemgr"
	"github.com/brnsn/acmeguard/internal/rsax"
	"github.com/brnsn/acmeguard/internal/tlsx"
	"github.com/brnsn/acmeguard/persistence"
)

// CASession is the CA surface this package needs: challengemgr's
// authorization round-trip plus certificate request/download.
type CASession interface {
	KeyAuthorization(token string) (string, error)
	AcceptChallenge(ctx context.Context, accountURI string, ch acmeclient.Challenge, keyAuth string) error
	QueryAuthorization(ctx context.Context, domain, uri string) (acmeclient.Authorization, bool, error)
	RequestCertificate(ctx context.Context, accountURI string, csrDER []byte) (string, error)
	FetchCertificate(ctx context.Context, certURL string) (acmeclient.CertificateDownload, bool, error)
	FetchIssuerChain(ctx context.Context, issuerURL string) ([]byte, bool, error)
}

// FullID derives the DCS entry id for a certificate: accountDbId + "-" +
// certId.
func FullID(accountDbID, certID string) string {
	return accountDbID + "-" + certID
}

// UpdateCached implements the fast, disk-only pass: drop disabled
// certificates from the DCS, leave already-installed ones alone, and load
// cached material from disk for everything else. A missing keypair or chain
// file silently yields "no cached data"; unreadable or unparsable files and
// a keypair that does not match the leaf are logged and also yield "no
// cached data" rather than an error, per spec.md §4.4.
func UpdateCached(store *certstore.Store, persist persistence.Store, accountDbID, certID string, newC acmeguard.Certificate) error {
	fullID := FullID(accountDbID, certID)

	if !newC.Enabled {
		store.Remove(fullID)
		return nil
	}

	if _, ok := store.Get(fullID); ok {
		return nil
	}

	if !persist.CertPairExists(accountDbID, certID) {
		return nil
	}

	keyPEM, err := persistence.ReadFile(persist.CertKeypairPath(accountDbID, certID))
	if err != nil {
		log.Println("cached certificate", fullID, "keypair unreadable:", err)
		return nil
	}

	chainPEM, err := persistence.ReadFile(persist.CertChainPath(accountDbID, certID))
	if err != nil {
		log.Println("cached certificate", fullID, "chain unreadable:", err)
		return nil
	}

	entry, err := certstore.LoadPEM(fullID, keyPEM, chainPEM)
	if err != nil {
		log.Println("cached certificate", fullID, "unusable:", err)
		return nil
	}

	if !entry.PrivateKey.PublicKey.Equal(entry.Leaf().PublicKey) {
		log.Println("cached certificate", fullID, "keypair does not match its leaf")
		return nil
	}

	entry.Default = newC.DefaultCert
	store.Put(entry)

	return nil
}

// UpdateOthers implements the CA-contacting pass: return early if the
// certificate is unchanged and still valid for at least minimumValidityDays,
// otherwise authorize every hostname in order, build and persist a fresh
// CSR, obtain and persist the issued chain, and install it in the DCS.
func UpdateOthers(ctx context.Context, session CASession, store *certstore.Store, persist persistence.Store, accountDbID, accountURI, certID string, oldC, newC acmeguard.Certificate, minimumValidityDays int, getAuth challengemgr.AuthorizationFetcher) error {
	fullID := FullID(accountDbID, certID)

	if !newC.Enabled {
		return nil
	}

	if entry, ok := store.Get(fullID); ok && newC.Equal(oldC) {
		leaf := entry.Leaf()

		if leaf.NotBefore.After(time.Now()) {
			return &acmeguard.InvalidValidityWindow{CertID: certID, Reason: "leaf not yet valid"}
		}

		if time.Until(leaf.NotAfter) >= time.Duration(minimumValidityDays)*24*time.Hour {
			return nil
		}
	}

	for _, host := range newC.Hostnames {
		if err := challengemgr.Authorize(ctx, session, store, accountURI, getAuth, host); err != nil {
			return err
		}
	}

	priv, err := rsax.CachedGenerate(persist.CertKeypairPath(accountDbID, certID), rsax.DefaultBits)
	if err != nil {
		return err
	}

	csrDER, err := buildCSR(priv, newC)
	if err != nil {
		return err
	}

	var csrPEM bytes.Buffer
	if err := tlsx.WritePEMBlock(&csrPEM, "CERTIFICATE REQUEST", csrDER); err != nil {
		return err
	}

	if err := persistence.WriteFile(persist.CertRequestPath(accountDbID, certID), csrPEM.Bytes()); err != nil {
		return err
	}

	certURL, err := session.RequestCertificate(ctx, accountURI, csrDER)
	if err != nil {
		return err
	}

	download, err := acmeguard.FetchWithRetry(ctx, func(ctx context.Context) (acmeclient.CertificateDownload, bool, error) {
		return session.FetchCertificate(ctx, certURL)
	})
	if err != nil {
		return err
	}

	leafDER := download.LeafDER

	issuerDER, err := acmeguard.FetchWithRetry(ctx, func(ctx context.Context) ([]byte, bool, error) {
		return session.FetchIssuerChain(ctx, download.IssuerURL)
	})
	if err != nil {
		return err
	}

	var chainPEM bytes.Buffer
	if err := tlsx.EncodePEMChain(&chainPEM, leafDER, issuerDER); err != nil {
		return err
	}

	if err := persistence.WriteFile(persist.CertChainPath(accountDbID, certID), chainPEM.Bytes()); err != nil {
		return err
	}

	if info, err := certcrypto.ParsePEMCertificate(chainPEM.Bytes()); err == nil {
		log.Println("issued certificate", fullID, "valid until", info.NotAfter)
	}

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return errors.Wrap(err, "failed to parse issued leaf certificate")
	}

	issuer, err := x509.ParseCertificate(issuerDER)
	if err != nil {
		return errors.Wrap(err, "failed to parse issuer certificate")
	}

	store.Put(certstore.Entry{ID: fullID, PrivateKey: priv, Chain: []*x509.Certificate{leaf, issuer}, Default: newC.DefaultCert})

	return nil
}

func buildCSR(priv *rsa.PrivateKey, c acmeguard.Certificate) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: c.Hostnames[0], Organization: organizationOrNil(c.Organization)},
		DNSNames: c.Hostnames,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, priv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build certificate signing request")
	}

	return der, nil
}

func organizationOrNil(o string) []string {
	if o == "" {
		return nil
	}

	return []string{o}
}
