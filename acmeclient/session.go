// Package acmeclient models the ACME certificate authority as an opaque
// session: account registration, single-domain authorization, and
// certificate issuance, each a thin, retry-compatible wrapper around the
// CA's REST API. Callers drive polling themselves via the blocking,
// non-null-returning producer shape fetchWithRetry expects.
package acmeclient

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/registration"
	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
)

// directory is the CA's advertised resource URLs, fetched once when a
// Session is opened.
type directory struct {
	NewReg     string `json:"new-reg"`
	NewAuthz   string `json:"new-authz"`
	NewCert    string `json:"new-cert"`
	RevokeCert string `json:"revoke-cert"`
}

// Session is one open connection to an ACME CA's directory, authenticated
// by an account private key. It is safe for concurrent use; replay-nonce
// bookkeeping is serialized internally.
type Session struct {
	providerURL string
	accountKey  *rsa.PrivateKey
	httpClient  *http.Client
	dir         directory

	mu    sync.Mutex
	nonce string
}

// Open fetches the CA's directory at providerURL and returns a Session
// authenticated with accountKey. Relative resource URLs in the directory
// are resolved against the directory's own URL.
func Open(ctx context.Context, providerURL string, accountKey *rsa.PrivateKey) (*Session, error) {
	s := &Session{
		providerURL: providerURL,
		accountKey:  accountKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "fetch directory", Err: err}
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&s.dir); err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "fetch directory", Err: err}
	}

	for _, u := range []*string{&s.dir.NewReg, &s.dir.NewAuthz, &s.dir.NewCert, &s.dir.RevokeCert} {
		if *u == "" {
			continue
		}

		ref, err := url.Parse(*u)
		if err != nil {
			return nil, &acmeguard.AcmeProtocol{Operation: "fetch directory", Err: err}
		}

		*u = resp.Request.URL.ResolveReference(ref).String()
	}

	s.captureNonce(resp)

	if s.nonce == "" {
		if err := s.refreshNonce(ctx); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Session) captureNonce(resp *http.Response) {
	if n := resp.Header.Get("Replay-Nonce"); n != "" {
		s.mu.Lock()
		s.nonce = n
		s.mu.Unlock()
	}
}

func (s *Session) refreshNonce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.providerURL, nil)
	if err != nil {
		return errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &acmeguard.AcmeProtocol{Operation: "fetch nonce", Err: err}
	}
	defer resp.Body.Close()

	s.captureNonce(resp)

	return nil
}

func (s *Session) takeNonce(ctx context.Context) (string, error) {
	s.mu.Lock()
	n := s.nonce
	s.nonce = ""
	s.mu.Unlock()

	if n != "" {
		return n, nil
	}

	if err := s.refreshNonce(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	n = s.nonce
	s.nonce = ""
	s.mu.Unlock()

	return n, nil
}

// post signs payload with the account key (authenticated by kid once an
// account URI is known, or by embedded JWK beforehand) and POSTs it to url.
func (s *Session) post(ctx context.Context, kid, url string, payload any) (*http.Response, error) {
	nonce, err := s.takeNonce(ctx)
	if err != nil {
		return nil, err
	}

	body, err := signJWS(s.accountKey, kid, url, nonce, payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "post " + url, Err: err}
	}

	s.captureNonce(resp)

	return resp, nil
}

// retryAfter converts a Retry-After response into an *acmeguard.AcmeRetryAfter,
// or nil if the header is absent.
func retryAfter(resp *http.Response) error {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return nil
	}

	if secs, err := strconv.Atoi(h); err == nil {
		return &acmeguard.AcmeRetryAfter{RetryAfter: time.Now().Add(time.Duration(secs) * time.Second)}
	}

	if t, err := http.ParseTime(h); err == nil {
		return &acmeguard.AcmeRetryAfter{RetryAfter: t}
	}

	return nil
}

// problemDetails is an RFC 7807 "application/problem+json" ACME error body.
type problemDetails struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func protocolError(op string, resp *http.Response) error {
	var pd problemDetails

	body, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(body, &pd)

	if pd.Detail == "" {
		pd.Detail = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	return &acmeguard.AcmeProtocol{Operation: op, Err: errors.New(pd.Detail)}
}

// Register creates a new account with the given contact URIs, agreeing to
// the CA's terms of service eagerly (spec.md's Open Question resolution:
// agreement acceptance is committed up front rather than deferred).
func (s *Session) Register(ctx context.Context, contacts []string) (*registration.Resource, error) {
	payload := struct {
		Resource             string   `json:"resource"`
		Contact              []string `json:"contact,omitempty"`
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	}{Resource: "new-reg", Contact: contacts, TermsOfServiceAgreed: true}

	resp, err := s.post(ctx, "", s.dir.NewReg, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return decodeRegistration(resp)
	case http.StatusConflict:
		return nil, &acmeguard.AcmeConflict{Location: resp.Header.Get("Location")}
	default:
		return nil, protocolError("register account", resp)
	}
}

// QueryRegistration fetches the account resource at uri, the location
// returned by a prior Register call or recovered from an AcmeConflict.
func (s *Session) QueryRegistration(ctx context.Context, uri string) (*registration.Resource, error) {
	payload := struct {
		Resource string `json:"resource"`
	}{Resource: "reg"}

	resp, err := s.post(ctx, uri, uri, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, protocolError("query registration", resp)
	}

	return decodeRegistration(resp)
}

// UpdateRegistration commits new contacts and/or a newly accepted agreement
// URL to the account at uri.
func (s *Session) UpdateRegistration(ctx context.Context, uri string, contacts []string, agreementURL string) (*registration.Resource, error) {
	payload := struct {
		Resource  string   `json:"resource"`
		Contact   []string `json:"contact,omitempty"`
		Agreement string   `json:"agreement,omitempty"`
	}{Resource: "reg", Contact: contacts, Agreement: agreementURL}

	resp, err := s.post(ctx, uri, uri, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, protocolError("update registration", resp)
	}

	return decodeRegistration(resp)
}

func decodeRegistration(resp *http.Response) (*registration.Resource, error) {
	var body acme.Account
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "decode registration", Err: err}
	}

	// A relative Location is resolved against the request's URL.
	uri := ""
	if loc, err := resp.Location(); err == nil {
		uri = loc.String()
	}

	return &registration.Resource{Body: body, URI: uri}, nil
}

// RequestCertificate submits a CSR for issuance and returns the certificate
// resource location to poll via FetchCertificate.
func (s *Session) RequestCertificate(ctx context.Context, accountURI string, csrDER []byte) (string, error) {
	csrDER, err := csrToDER(csrDER)
	if err != nil {
		return "", err
	}

	payload := struct {
		Resource string `json:"resource"`
		CSR      string `json:"csr"`
	}{Resource: "new-cert", CSR: b64(csrDER)}

	resp, err := s.post(ctx, accountURI, s.dir.NewCert, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		return loc, nil
	default:
		return "", protocolError("request certificate", resp)
	}
}

// CertificateDownload is the result of a completed FetchCertificate: the
// issued leaf and the URL of its issuing CA certificate, taken from the
// response's "rel=up" Link header, to be fetched in turn via
// FetchIssuerChain.
type CertificateDownload struct {
	LeafDER   []byte
	IssuerURL string
}

var linkUpRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="up"`)

// FetchCertificate polls certURL for the issued leaf certificate. It has
// the (T, ok, error) shape FetchWithRetry expects: ok is false while the CA
// is still processing, a retry-after deadline is signalled as
// *acmeguard.AcmeRetryAfter, and any other non-2xx status is a fatal
// *acmeguard.AcmeProtocol.
func (s *Session) FetchCertificate(ctx context.Context, certURL string) (CertificateDownload, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return CertificateDownload{}, false, errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CertificateDownload{}, false, &acmeguard.AcmeProtocol{Operation: "fetch certificate", Err: err}
	}
	defer resp.Body.Close()

	s.captureNonce(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		der, err := io.ReadAll(resp.Body)
		if err != nil {
			return CertificateDownload{}, false, errors.WithStack(err)
		}

		return CertificateDownload{LeafDER: der, IssuerURL: issuerLinkFrom(resp)}, true, nil
	case http.StatusAccepted, http.StatusNoContent:
		if ra := retryAfter(resp); ra != nil {
			return CertificateDownload{}, false, ra
		}

		return CertificateDownload{}, false, nil
	default:
		return CertificateDownload{}, false, protocolError("fetch certificate", resp)
	}
}

func issuerLinkFrom(resp *http.Response) string {
	for _, link := range resp.Header.Values("Link") {
		if m := linkUpRe.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}

	return ""
}

// FetchIssuerChain downloads the issuing CA certificate(s) at issuerURL, the
// "rel=up" link a prior FetchCertificate returned, per the retry loop
// described in spec.md §4.4.
func (s *Session) FetchIssuerChain(ctx context.Context, issuerURL string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuerURL, nil)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, false, &acmeguard.AcmeProtocol{Operation: "fetch issuer chain", Err: err}
	}
	defer resp.Body.Close()

	s.captureNonce(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		der, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, errors.WithStack(err)
		}

		return der, true, nil
	case http.StatusAccepted, http.StatusNoContent:
		if ra := retryAfter(resp); ra != nil {
			return nil, false, ra
		}

		return nil, false, nil
	default:
		return nil, false, protocolError("fetch issuer chain", resp)
	}
}
