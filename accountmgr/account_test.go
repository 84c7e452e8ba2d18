package accountmgr

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/internal/rsax"
	"github.com/brnsn/acmeguard/internal/tlsx"
	"github.com/brnsn/acmeguard/persistence"
)

// fakeCA is a minimal ACMEv1-shaped CA good enough to exercise
// accountmgr.UpdateOthers end to end: register, authorize a domain via
// tls-sni-01, accept the challenge, issue a certificate and serve its
// issuer link.
type fakeCA struct {
	srv *httptest.Server

	contacts  []string
	agreement string
	accepted  map[string]bool
}

func newFakeCA(t *testing.T) *fakeCA {
	t.Helper()

	ca := &fakeCA{accepted: map[string]bool{}}

	mux := http.NewServeMux()

	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-0")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"new-reg":   ca.srv.URL + "/new-reg",
			"new-authz": ca.srv.URL + "/new-authz",
			"new-cert":  ca.srv.URL + "/new-cert",
		})
	})

	mux.HandleFunc("/new-reg", func(w http.ResponseWriter, r *http.Request) {
		payload := decodeJWSPayload(t, r)
		if c, ok := payload["contact"].([]any); ok {
			ca.contacts = toStrings(c)
		}

		w.Header().Set("Replay-Nonce", "nonce-1")
		w.Header().Set("Location", ca.srv.URL+"/acct/1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "valid", "contact": ca.contacts})
	})

	mux.HandleFunc("/acct/1", func(w http.ResponseWriter, r *http.Request) {
		payload := decodeJWSPayload(t, r)
		if c, ok := payload["contact"].([]any); ok && len(c) > 0 {
			ca.contacts = toStrings(c)
		}
		if a, ok := payload["agreement"].(string); ok && a != "" {
			ca.agreement = a
		}

		w.Header().Set("Replay-Nonce", "nonce-2")
		w.Header().Set("Location", ca.srv.URL+"/acct/1")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "valid", "contact": ca.contacts, "agreement": ca.agreement})
	})

	mux.HandleFunc("/acct/1/authorizations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/new-authz", func(w http.ResponseWriter, r *http.Request) {
		payload := decodeJWSPayload(t, r)
		identifier, _ := payload["identifier"].(map[string]any)
		domain, _ := identifier["value"].(string)

		w.Header().Set("Replay-Nonce", "nonce-3")
		w.Header().Set("Location", ca.srv.URL+"/authz/"+domain)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "pending",
			"challenges": []map[string]any{{
				"type":   "tls-sni-01",
				"uri":    ca.srv.URL + "/challenge/" + domain,
				"token":  "token-" + domain,
				"status": "pending",
			}},
		})
	})

	mux.HandleFunc("/challenge/", func(w http.ResponseWriter, r *http.Request) {
		domain := strings.TrimPrefix(r.URL.Path, "/challenge/")
		ca.accepted[domain] = true

		w.Header().Set("Replay-Nonce", "nonce-4")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	})

	mux.HandleFunc("/authz/", func(w http.ResponseWriter, r *http.Request) {
		domain := strings.TrimPrefix(r.URL.Path, "/authz/")

		status := "pending"
		if ca.accepted[domain] {
			status = "valid"
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"challenges": []map[string]any{{
				"type":   "tls-sni-01",
				"uri":    ca.srv.URL + "/challenge/" + domain,
				"token":  "token-" + domain,
				"status": status,
			}},
		})
	})

	mux.HandleFunc("/new-cert", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-5")
		w.Header().Set("Location", ca.srv.URL+"/cert/1")
		w.WriteHeader(http.StatusCreated)
	})

	mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		der := leafDER(t, "api.example.org")
		w.Header().Set("Link", `<`+ca.srv.URL+`/issuer>; rel="up"`)
		_, _ = w.Write(der)
	})

	mux.HandleFunc("/issuer", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(leafDER(t, "issuer.example.org"))
	})

	ca.srv = httptest.NewServer(mux)
	t.Cleanup(ca.srv.Close)

	return ca
}

func leafDER(t *testing.T, host string) []byte {
	t.Helper()

	encoded, err := rsax.Generate(1024)
	require.NoError(t, err)

	priv, err := rsax.Decode(encoded)
	require.NoError(t, err)

	template, err := tlsx.Template(90*24*time.Hour, tlsx.OptionSubject(pkix.Name{CommonName: host}), tlsx.OptionHosts(host))
	require.NoError(t, err)

	der, err := tlsx.SelfSigned(priv, &template)
	require.NoError(t, err)

	return der
}

func decodeJWSPayload(t *testing.T, r *http.Request) map[string]any {
	t.Helper()

	var env struct {
		Payload string `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&env))

	raw, err := base64.RawURLEncoding.DecodeString(env.Payload)
	require.NoError(t, err)

	if len(raw) == 0 {
		return map[string]any{}
	}

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))

	return payload
}

func toStrings(vs []any) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i], _ = v.(string)
	}

	return out
}

func TestUpdateOthersIssuesCertificateAgainstFakeCA(t *testing.T) {
	ca := newFakeCA(t)

	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	acct := acmeguard.Account{
		Enabled:              true,
		ProviderURL:          ca.srv.URL + "/directory",
		AcceptedAgreementURL: "https://ca.example.org/terms/v1",
		ContactURIs:          []string{"mailto:ops@example.org"},
		MinimumValidityDays:  30,
		Certificates: map[string]acmeguard.Certificate{
			"api": {Enabled: true, Hostnames: []string{"api.example.org"}},
		},
	}

	err := UpdateOthers(context.Background(), store, persist, "prod", acmeguard.Account{}, acct)
	require.NoError(t, err)

	accountDbID := persistence.AccountDbID("prod", acct.ProviderURL)
	entry, ok := store.Get(accountDbID + "-api")
	require.True(t, ok)
	require.Len(t, entry.Chain, 2, "leaf plus issuer")

	require.True(t, ca.accepted["api.example.org"], "challenge must be accepted before certificate issuance")
	require.True(t, persistence.Exists(persist.AccountKeypairPath(accountDbID)))
	require.True(t, persistence.Exists(persist.AccountLocationPath(accountDbID)))
}

func TestUpdateOthersReconcilesContactsOnChange(t *testing.T) {
	ca := newFakeCA(t)
	ca.contacts = []string{"mailto:ops@example.org"}

	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	base := acmeguard.Account{
		Enabled:              true,
		ProviderURL:          ca.srv.URL + "/directory",
		AcceptedAgreementURL: "https://ca.example.org/terms/v1",
		ContactURIs:          []string{"mailto:ops@example.org"},
		MinimumValidityDays:  30,
	}

	require.NoError(t, UpdateOthers(context.Background(), store, persist, "prod", acmeguard.Account{}, base))

	changed := base
	changed.ContactURIs = []string{"mailto:oncall@example.org"}

	require.NoError(t, UpdateOthers(context.Background(), store, persist, "prod", base, changed))
	require.Equal(t, []string{"mailto:oncall@example.org"}, ca.contacts)
}

func TestUpdateOthersSkipsDisabledAccount(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	err := UpdateOthers(context.Background(), store, persist, "prod", acmeguard.Account{}, acmeguard.Account{Enabled: false})
	require.NoError(t, err)
}

func TestUpdateCachedUnloadsOnProviderChange(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	oldAcct := acmeguard.Account{
		Enabled:     true,
		ProviderURL: "https://old.example.org/directory",
		Certificates: map[string]acmeguard.Certificate{
			"api": {Enabled: true, Hostnames: []string{"api.example.org"}},
		},
	}
	oldDbID := persistence.AccountDbID("prod", oldAcct.ProviderURL)
	leaf, err := x509.ParseCertificate(leafDER(t, "api.example.org"))
	require.NoError(t, err)
	store.Put(certstore.Entry{ID: oldDbID + "-api", Chain: []*x509.Certificate{leaf}})

	newAcct := oldAcct
	newAcct.ProviderURL = "https://new.example.org/directory"
	newAcct.Certificates = nil

	require.NoError(t, UpdateCached(store, persist, "prod", oldAcct, newAcct))

	_, ok := store.Get(oldDbID + "-api")
	require.False(t, ok, "certificates under the old provider identity must be unloaded")
}
