package acmeguard

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Config is the top-level, immutable-once-adopted configuration: every
// account the engine manages certificates for, plus the daily renewal check
// time. It is replaced wholesale by reconfigure, never mutated in place.
type Config struct {
	RenewalCheckTime string             `json:"renewalCheckTime"`
	Accounts         map[string]Account `json:"accounts"`
}

// Account describes one ACME CA registration and the certificates issued
// under it.
type Account struct {
	Enabled              bool                   `json:"enabled"`
	ProviderURL          string                 `json:"providerUrl"`
	AcceptedAgreementURL string                 `json:"acceptedAgreementUrl"`
	ContactURIs          []string               `json:"contactURIs"`
	MinimumValidityDays  int                    `json:"minimumValidityDays"`
	Certificates         map[string]Certificate `json:"certificates"`
}

// Certificate describes a single X.509 certificate's desired shape.
type Certificate struct {
	Enabled      bool     `json:"enabled"`
	DefaultCert  bool     `json:"defaultCert"`
	Organization string   `json:"organization"`
	Hostnames    []string `json:"hostnames"`
}

// EmptyConf returns the empty Config returned by Controller.EmptyConf and
// used when no active.json exists: no accounts, no scheduled renewal.
func EmptyConf() Config {
	return Config{Accounts: map[string]Account{}}
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?)*$`)

// Validate enforces spec.md §4.6 step 1: every certificate has a non-empty
// list of syntactically valid DNS hostnames, every account has a
// non-negative minimumValidityDays, and at most one certificate across the
// effective config (enabled accounts and certificates only) is defaultCert.
func (c Config) Validate() error {
	defaults := 0

	for acctID, acct := range c.Accounts {
		if acct.MinimumValidityDays < 0 {
			return &ConfigInvalid{Reason: "account " + acctID + ": minimumValidityDays must be non-negative"}
		}

		if acct.Enabled && strings.TrimSpace(acct.ProviderURL) == "" {
			return &ConfigInvalid{Reason: "account " + acctID + ": providerUrl must not be empty"}
		}

		for certID, cert := range acct.Certificates {
			if len(cert.Hostnames) == 0 {
				return &ConfigInvalid{Reason: "account " + acctID + " certificate " + certID + ": hostnames must not be empty"}
			}

			for _, h := range cert.Hostnames {
				if !hostnameRe.MatchString(h) {
					return &ConfigInvalid{Reason: "account " + acctID + " certificate " + certID + ": invalid hostname " + h}
				}
			}

			if acct.Enabled && cert.Enabled && cert.DefaultCert {
				defaults++
			}
		}
	}

	if defaults > 1 {
		return &ConfigInvalid{Reason: "at most one certificate may be defaultCert across the effective configuration"}
	}

	return nil
}

// Marshal serializes c as the JSON document persisted to active.json.
func (c Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// UnmarshalConfig parses the JSON document produced by Marshal or supplied
// by an operator.
func UnmarshalConfig(data []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, &ConfigInvalid{Reason: err.Error()}
	}

	return c, nil
}

// Equal reports whether two certificates are byte-equal in every field that
// affects issuance, per spec.md §4.4's "byte-equal to the old" check.
func (c Certificate) Equal(o Certificate) bool {
	if c.Enabled != o.Enabled || c.DefaultCert != o.DefaultCert || c.Organization != o.Organization {
		return false
	}

	if len(c.Hostnames) != len(o.Hostnames) {
		return false
	}

	for i, h := range c.Hostnames {
		if h != o.Hostnames[i] {
			return false
		}
	}

	return true
}
