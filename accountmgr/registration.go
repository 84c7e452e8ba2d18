package accountmgr

import (
	"context"
	"net/url"

	"github.com/go-acme/lego/v4/registration"
	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/acmeclient"
	"github.com/brnsn/acmeguard/persistence"
)

// ensureRegistration binds the account's existing CA registration (per its
// persisted location) or creates a new one, reconciles contact/agreement
// properties, and returns the account's registration URI.
func ensureRegistration(ctx context.Context, session *acmeclient.Session, persist persistence.Store, accountDbID string, acct acmeguard.Account) (string, error) {
	locPath := persist.AccountLocationPath(accountDbID)

	reg, err := bindOrCreateRegistration(ctx, session, persist, locPath, acct)
	if err != nil {
		return "", err
	}

	if err := reconcileRegistration(ctx, session, persist, accountDbID, reg, acct); err != nil {
		return "", err
	}

	return reg.URI, nil
}

func bindOrCreateRegistration(ctx context.Context, session *acmeclient.Session, persist persistence.Store, locPath string, acct acmeguard.Account) (*registration.Resource, error) {
	if persistence.Exists(locPath) {
		locBytes, err := persistence.ReadFile(locPath)
		if err != nil {
			return nil, err
		}

		return session.QueryRegistration(ctx, string(locBytes))
	}

	reg, err := session.Register(ctx, acct.ContactURIs)
	if err != nil {
		var conflict *acmeguard.AcmeConflict
		if !errors.As(err, &conflict) {
			return nil, err
		}

		if reg, err = session.QueryRegistration(ctx, conflict.Location); err != nil {
			return nil, err
		}
	}

	if err := persistence.WriteFile(locPath, []byte(reg.URI)); err != nil {
		return nil, err
	}

	return reg, nil
}

// reconcileRegistration commits new contacts and/or a newly accepted
// agreement URL when either differs from what the CA or our last persisted
// acceptance recorded, per spec.md §4.5.
func reconcileRegistration(ctx context.Context, session *acmeclient.Session, persist persistence.Store, accountDbID string, reg *registration.Resource, acct acmeguard.Account) error {
	termsPath := persist.AcceptedTermsPath(accountDbID)

	savedTerms := ""
	if persistence.Exists(termsPath) {
		b, err := persistence.ReadFile(termsPath)
		if err != nil {
			return err
		}

		savedTerms = string(b)
	}

	contactsDiffer := !contactURIsEqual(acct.ContactURIs, reg.Body.Contact)
	termsDiffer := savedTerms != acct.AcceptedAgreementURL

	if !contactsDiffer && !termsDiffer {
		return nil
	}

	if _, err := session.UpdateRegistration(ctx, reg.URI, acct.ContactURIs, acct.AcceptedAgreementURL); err != nil {
		return err
	}

	return persistence.WriteFile(termsPath, []byte(acct.AcceptedAgreementURL))
}

// contactURIsEqual compares two contact lists element by element, in order,
// after a net/url parse-and-reserialize round trip. The round trip
// lowercases the scheme; opaque URIs such as mailto: are otherwise compared
// as written, so other case or escaping differences count as a change.
func contactURIsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if normalizeContactURI(a[i]) != normalizeContactURI(b[i]) {
			return false
		}
	}

	return true
}

func normalizeContactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	return u.String()
}
