// Package challengemgr implements single-domain TLS-SNI authorization
// (spec.md §4.3): generate a challenge keypair, install a challenge
// certificate in the Dynamic Certificate Store so the CA can validate it
// over TLS, trigger the challenge, and poll to a terminal status.
package challengemgr

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"log"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/acmeclient"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/internal/rsax"
)

// pollLimiter paces authorization status polling against the CA
// independently of fetchRetryInterval's fixed backoff, so a flurry of
// near-simultaneous domain authorizations does not burst the CA with
// polling traffic.
var pollLimiter = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)

// AuthorizationFetcher fetches (or returns cached, CA-side) authorization
// state for domain. accountmgr supplies a memoized implementation per
// spec.md §4.5.
type AuthorizationFetcher func(ctx context.Context, domain string) (acmeclient.Authorization, error)

const challengeIDPrefix = "letsencrypt-challenge-"

// caSession is the slice of acmeclient.Session this package depends on,
// kept narrow so tests can substitute a fake CA without a live server.
type caSession interface {
	KeyAuthorization(token string) (string, error)
	AcceptChallenge(ctx context.Context, accountURI string, ch acmeclient.Challenge, keyAuth string) error
	QueryAuthorization(ctx context.Context, domain, uri string) (acmeclient.Authorization, bool, error)
}

// Authorize drives a single domain's authorization to completion, per
// spec.md §4.3. On success the domain is proven and any installed challenge
// material has been removed from store; on failure it returns
// *acmeguard.ChallengeFailed (or a propagated CA error) and the challenge
// entry has still been removed.
func Authorize(ctx context.Context, session caSession, store *certstore.Store, accountURI string, getAuth AuthorizationFetcher, domain string) error {
	auth, err := getAuth(ctx, domain)
	if err != nil {
		return err
	}

	if auth.Status == "valid" {
		return nil
	}

	ch, ok := auth.Supported()
	if !ok {
		return &acmeguard.ChallengeFailed{Domain: domain, Status: "no supported challenge offered"}
	}

	id := challengeIDPrefix + domain

	priv, err := freshChallengeKey()
	if err != nil {
		return err
	}

	keyAuth, err := session.KeyAuthorization(ch.Token)
	if err != nil {
		return err
	}

	certDER, err := acmeclient.BuildChallengeCertificate(priv, ch, keyAuth)
	if err != nil {
		return err
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return errors.Wrap(err, "failed to parse challenge certificate")
	}

	store.Put(certstore.Entry{ID: id, PrivateKey: priv, Chain: []*x509.Certificate{leaf}})
	defer store.Remove(id)

	if err := session.AcceptChallenge(ctx, accountURI, ch, keyAuth); err != nil {
		return err
	}

	final, err := acmeguard.FetchWithRetry(ctx, func(ctx context.Context) (acmeclient.Authorization, bool, error) {
		if werr := pollLimiter.Wait(ctx); werr != nil {
			return acmeclient.Authorization{}, false, werr
		}

		return session.QueryAuthorization(ctx, domain, auth.URI())
	})
	if err != nil {
		return err
	}

	logStatusTransition(domain, auth.Status, final.Status)

	if final.Status != "valid" {
		return &acmeguard.ChallengeFailed{Domain: domain, Status: final.Status}
	}

	return nil
}

func freshChallengeKey() (*rsa.PrivateKey, error) {
	encoded, err := rsax.Generate(rsax.DefaultBits)
	if err != nil {
		return nil, err
	}

	return rsax.Decode(encoded)
}

// logStatusTransition is called once, after polling ends, and logs only when
// the final status differs from the status the authorization started with;
// individual poll ticks are not logged.
func logStatusTransition(domain, from, to string) {
	if from == to {
		return
	}

	log.Println("challenge authorization for", domain, "transitioned", from, "->", to)
}
