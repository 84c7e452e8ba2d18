package acmeclient

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
)

// ChallengeType identifies one of the challenge mechanisms a CA may offer
// for a domain authorization. go-acme/lego/v4 dropped TLS-SNI-01/02 after
// the ACMEv1-to-v2 transition, so these are acmeguard's own constants
// rather than lego's.
type ChallengeType string

const (
	ChallengeTLSSNI01 ChallengeType = "tls-sni-01"
	ChallengeTLSSNI02 ChallengeType = "tls-sni-02"
)

// SupportedChallenges lists the challenge types this engine knows how to
// complete, in preference order.
var SupportedChallenges = []ChallengeType{ChallengeTLSSNI01, ChallengeTLSSNI02}

// Challenge is one challenge offered within a domain Authorization.
type Challenge struct {
	Type   ChallengeType `json:"type"`
	URI    string        `json:"uri"`
	Token  string        `json:"token"`
	Status string        `json:"status"`
}

// Authorization is the CA's view of a single domain's authorization state.
type Authorization struct {
	Domain     string      `json:"-"`
	Status     string      `json:"status"`
	Challenges []Challenge `json:"challenges"`
	uri        string
}

// URI returns the authorization's own location, used to re-fetch status.
func (a Authorization) URI() string {
	return a.uri
}

// Supported returns the first challenge in SupportedChallenges order that
// the authorization offers, per spec.md §4.3's "pick first supported
// combination".
func (a Authorization) Supported() (Challenge, bool) {
	for _, want := range SupportedChallenges {
		for _, c := range a.Challenges {
			if c.Type == want {
				return c, true
			}
		}
	}

	return Challenge{}, false
}

// AuthorizeDomain initiates (or re-fetches, if the CA already holds a
// cached authorization) a domain's authorization.
func (s *Session) AuthorizeDomain(ctx context.Context, accountURI, domain string) (Authorization, error) {
	payload := struct {
		Resource   string `json:"resource"`
		Identifier struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifier"`
	}{Resource: "new-authz"}
	payload.Identifier.Type = "dns"
	payload.Identifier.Value = domain

	resp, err := s.post(ctx, accountURI, s.dir.NewAuthz, payload)
	if err != nil {
		return Authorization{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return Authorization{}, protocolError("authorize domain", resp)
	}

	return decodeAuthorization(domain, resp)
}

// QueryAuthorization polls the authorization's (ok, error) shape expected by
// fetchWithRetry: ok is true once the authorization reaches a terminal
// status (valid or invalid); the caller inspects Status to distinguish the
// two.
func (s *Session) QueryAuthorization(ctx context.Context, domain, uri string) (Authorization, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Authorization{}, false, errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Authorization{}, false, &acmeguard.AcmeProtocol{Operation: "query authorization", Err: err}
	}
	defer resp.Body.Close()

	s.captureNonce(resp)

	if resp.StatusCode != http.StatusOK {
		return Authorization{}, false, protocolError("query authorization", resp)
	}

	auth, err := decodeAuthorization(domain, resp)
	if err != nil {
		return Authorization{}, false, err
	}

	switch auth.Status {
	case "valid", "invalid":
		return auth, true, nil
	default:
		return auth, false, nil
	}
}

// AcceptChallenge signals the CA that the challenge response material is
// ready, carrying the key authorization it should verify.
func (s *Session) AcceptChallenge(ctx context.Context, accountURI string, ch Challenge, keyAuth string) error {
	payload := struct {
		Resource         string `json:"resource"`
		Type             string `json:"type"`
		KeyAuthorization string `json:"keyAuthorization"`
	}{Resource: "challenge", Type: string(ch.Type), KeyAuthorization: keyAuth}

	resp, err := s.post(ctx, accountURI, ch.URI, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return protocolError("accept challenge", resp)
	}

	return nil
}

// KeyAuthorization computes the key authorization this session's account
// key would produce for token, the value AcceptChallenge must send and the
// challenge certificate's embedded proof must match.
func (s *Session) KeyAuthorization(token string) (string, error) {
	return keyAuthorization(token, &s.accountKey.PublicKey)
}

// Authorizations lists the account's existing authorizations, keyed by
// the domain in each entry's identifier, by fetching the account resource's
// linked authorizations collection. accountmgr calls this at most once per updateOthers
// invocation and memoizes the result for getAuthorization.
func (s *Session) Authorizations(ctx context.Context, accountURI string) (map[string]Authorization, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accountURI+"/authorizations", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "list authorizations", Err: err}
	}
	defer resp.Body.Close()

	s.captureNonce(resp)

	if resp.StatusCode == http.StatusNotFound {
		// Accounts with no prior authorizations report nothing to list.
		return map[string]Authorization{}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, protocolError("list authorizations", resp)
	}

	var list []struct {
		Authorization
		Identifier struct {
			Value string `json:"value"`
		} `json:"identifier"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &acmeguard.AcmeProtocol{Operation: "decode authorizations", Err: err}
	}

	byDomain := make(map[string]Authorization, len(list))
	for _, item := range list {
		a := item.Authorization
		a.Domain = item.Identifier.Value
		byDomain[a.Domain] = a
	}

	return byDomain, nil
}

func decodeAuthorization(domain string, resp *http.Response) (Authorization, error) {
	var a Authorization
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Authorization{}, &acmeguard.AcmeProtocol{Operation: "decode authorization", Err: err}
	}

	a.Domain = domain
	a.uri = resp.Header.Get("Location")

	return a, nil
}
