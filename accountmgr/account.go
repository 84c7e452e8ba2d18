// Package accountmgr implements the per-account reconciliation of spec.md
// §4.5: ensuring the account keypair and CA registration exist, reconciling
// registration properties, and delegating each certificate to certmgr.
package accountmgr

import (
	"context"
	"crypto/rsa"
	"sync"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/acmeclient"
	"github.com/brnsn/acmeguard/certmgr"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/internal/rsax"
	"github.com/brnsn/acmeguard/persistence"
)

// UpdateCached implements the disk-only pass. If the account is absent,
// disabled, or its derived AccountDbID changed (a providerUrl change), the
// old account's certificates are unloaded from the DCS and the new
// account's certificates (if any) are loaded fresh from disk under their
// new identity. Otherwise every certificate in the union of the old and new
// maps runs its cached pass in parallel, with failures aggregated.
func UpdateCached(store *certstore.Store, persist persistence.Store, accountID string, oldAcct, newAcct acmeguard.Account) error {
	oldDbID := persistence.AccountDbID(accountID, oldAcct.ProviderURL)
	newDbID := persistence.AccountDbID(accountID, newAcct.ProviderURL)

	if !newAcct.Enabled || oldDbID != newDbID {
		if err := updateCachedSet(store, persist, oldDbID, oldAcct.Certificates, nil); err != nil {
			return err
		}

		if !newAcct.Enabled {
			return nil
		}

		return updateCachedSet(store, persist, newDbID, nil, newAcct.Certificates)
	}

	return updateCachedSet(store, persist, newDbID, oldAcct.Certificates, newAcct.Certificates)
}

// updateCachedSet runs certmgr.UpdateCached for every certId in the union
// of oldCerts and newCerts, in parallel, aggregating failures.
func updateCachedSet(store *certstore.Store, persist persistence.Store, accountDbID string, oldCerts, newCerts map[string]acmeguard.Certificate) error {
	ids := unionKeys(oldCerts, newCerts)

	var wg sync.WaitGroup
	errs := make([]error, len(ids))

	for i, certID := range ids {
		wg.Add(1)

		go func(i int, certID string) {
			defer wg.Done()

			newC := newCerts[certID] // zero value (disabled) if absent
			if err := certmgr.UpdateCached(store, persist, accountDbID, certID, newC); err != nil {
				errs[i] = errors.Wrapf(err, "for certificate %s", certID)
			}
		}(i, certID)
	}

	wg.Wait()

	return acmeguard.CollectErrors(errs...)
}

func unionKeys(maps ...map[string]acmeguard.Certificate) []string {
	seen := map[string]struct{}{}

	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; ok {
				continue
			}

			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	return keys
}

// UpdateOthers implements the CA-contacting pass: ensure the account
// keypair and registration exist and are reconciled, then delegate each
// certificate in the union of oldAcct and newAcct to the Certificate
// Manager. Per-certificate failures are wrapped and aggregated but do not
// prevent sibling certificates within the account from completing.
func UpdateOthers(ctx context.Context, store *certstore.Store, persist persistence.Store, accountID string, oldAcct, newAcct acmeguard.Account) error {
	if !newAcct.Enabled {
		return nil
	}

	accountDbID := persistence.AccountDbID(accountID, newAcct.ProviderURL)

	accountKey, err := ensureAccountKeypair(persist, accountDbID)
	if err != nil {
		return err
	}

	session, err := acmeclient.Open(ctx, newAcct.ProviderURL, accountKey)
	if err != nil {
		return err
	}

	accountURI, err := ensureRegistration(ctx, session, persist, accountDbID, newAcct)
	if err != nil {
		return err
	}

	getAuth := memoizedAuthorizationFetcher(session, accountURI)

	ids := unionKeys(oldAcct.Certificates, newAcct.Certificates)

	var wg sync.WaitGroup
	errs := make([]error, len(ids))

	for i, certID := range ids {
		wg.Add(1)

		go func(i int, certID string) {
			defer wg.Done()

			oldC := oldAcct.Certificates[certID]
			newC := newAcct.Certificates[certID]

			if err := certmgr.UpdateOthers(ctx, session, store, persist, accountDbID, accountURI, certID, oldC, newC, newAcct.MinimumValidityDays, getAuth); err != nil {
				errs[i] = errors.Wrapf(err, "for certificate %s", certID)
			}
		}(i, certID)
	}

	wg.Wait()

	return acmeguard.CollectErrors(errs...)
}

// ensureAccountKeypair reads the account's cached keypair or generates and
// persists a fresh 4096-bit RSA one.
func ensureAccountKeypair(persist persistence.Store, accountDbID string) (*rsa.PrivateKey, error) {
	return rsax.CachedGenerate(persist.AccountKeypairPath(accountDbID), rsax.DefaultBits)
}

// memoizedAuthorizationFetcher implements spec.md §4.5's getAuthorization:
// on first call, fetch every existing authorization for the account and
// cache it by domain; serve cached hits; request a fresh authorization on
// a miss. The memoization is scoped to one *Session (one updateOthers
// invocation).
func memoizedAuthorizationFetcher(session *acmeclient.Session, accountURI string) func(context.Context, string) (acmeclient.Authorization, error) {
	var (
		once    sync.Once
		cache   map[string]acmeclient.Authorization
		listErr error
	)

	return func(ctx context.Context, domain string) (acmeclient.Authorization, error) {
		once.Do(func() {
			cache, listErr = session.Authorizations(ctx, accountURI)
		})

		if listErr != nil {
			return acmeclient.Authorization{}, listErr
		}

		if a, ok := cache[domain]; ok {
			return a, nil
		}

		return session.AuthorizeDomain(ctx, accountURI, domain)
	}
}
