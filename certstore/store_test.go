package certstore

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brnsn/acmeguard/internal/rsax"
	"github.com/brnsn/acmeguard/internal/tlsx"
)

func selfSignedEntry(t *testing.T, id string, hosts ...string) Entry {
	t.Helper()

	priv, err := rsax.Generate(1024)
	require.NoError(t, err)

	key, err := rsax.Decode(priv)
	require.NoError(t, err)

	tmpl, err := tlsx.Template(time.Hour, tlsx.OptionSubject(pkix.Name{CommonName: id}), tlsx.OptionHosts(hosts...))
	require.NoError(t, err)

	der, err := tlsx.SelfSigned(key, &tmpl)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return Entry{ID: id, PrivateKey: key, Chain: []*x509.Certificate{cert}}
}

func privEqual(t *testing.T, a, b *rsa.PrivateKey) bool {
	t.Helper()
	return a.D.Cmp(b.D) == 0
}

func TestGetCertificateMatchesByHostname(t *testing.T) {
	s := New()
	e := selfSignedEntry(t, "P-api", "api.example.org")
	s.Put(e)

	cert, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.org"})
	require.NoError(t, err)
	require.True(t, privEqual(t, cert.PrivateKey.(*rsa.PrivateKey), e.PrivateKey))
}

func TestGetCertificateFallsBackToDefault(t *testing.T) {
	s := New()
	e := selfSignedEntry(t, "P-api", "api.example.org")
	e.Default = true
	s.Put(e)

	cert, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.org"})
	require.NoError(t, err)
	require.True(t, privEqual(t, cert.PrivateKey.(*rsa.PrivateKey), e.PrivateKey))
}

func TestGetCertificateNoMatchNoDefault(t *testing.T) {
	s := New()
	s.Put(selfSignedEntry(t, "P-api", "api.example.org"))

	_, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "unknown.example.org"})
	require.ErrorIs(t, err, ErrNoMatchingCertificate)
}

func TestRemoveNothingToRemoveIsNotAnError(t *testing.T) {
	s := New()
	s.Remove("does-not-exist")

	_, ok := s.Get("does-not-exist")
	require.False(t, ok)
}

func TestAtMostOneDefault(t *testing.T) {
	s := New()

	a := selfSignedEntry(t, "P-a", "a.example.org")
	a.Default = true
	s.Put(a)

	b := selfSignedEntry(t, "P-b", "b.example.org")
	b.Default = true
	s.Put(b)

	require.Equal(t, "P-b", s.DefaultID())

	snap := s.current()
	def, ok := snap.Default()
	require.True(t, ok)
	require.Equal(t, "P-b", def.ID)
}

// TestConcurrentReadersNeverSeeATornSnapshot exercises spec.md §8 property 4:
// a concurrent reader's GetCertificate either observes the pre-mutation or
// post-mutation entry, never a partially rebuilt one.
func TestConcurrentReadersNeverSeeATornSnapshot(t *testing.T) {
	s := New()
	s.Put(selfSignedEntry(t, "P-api", "api.example.org"))

	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			cert, err := s.GetCertificate(&tls.ClientHelloInfo{ServerName: "api.example.org"})
			require.NoError(t, err)
			require.NotNil(t, cert)
		}
	}()

	for i := 0; i < 200; i++ {
		s.Put(selfSignedEntry(t, "P-api", "api.example.org"))
	}

	close(stop)
	wg.Wait()
}
