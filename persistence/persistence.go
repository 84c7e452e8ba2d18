// Package persistence implements the on-disk layout described in spec.md
// §4.1: a flat directory of PEM keypairs, chains, CSRs, and location files
// keyed by AccountDbID, plus the last-applied Config.
package persistence

import (
	"net/url"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard"
)

const (
	accountKeypairSuffix  = "account-keypair.pem"
	accountLocationSuffix = "accountLocation.txt"
	acceptedTermsSuffix   = "acceptedTermsLocation.txt"
	certKeypairSuffix     = "keypair.pem"
	certChainSuffix       = "certchain.pem"
	certRequestSuffix     = "cert-request.csr"
	activeConfigFilename  = "active.json"
)

// Store is a flat directory holding all persisted state for the ACME
// lifecycle engine.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is not created until
// Init is called.
func New(dir string) Store {
	return Store{root: dir}
}

// Init ensures the root directory exists.
func (s Store) Init() error {
	if err := os.MkdirAll(s.root, 0700); err != nil {
		return errors.Wrap(err, "failed to create persistence directory")
	}

	return nil
}

// AccountDbID derives the filename-safe identity of an account as
// accountId + "-" + urlencode(providerUrl), per spec.md §3.
func AccountDbID(accountID, providerURL string) string {
	return accountID + "-" + url.QueryEscape(providerURL)
}

func (s Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// AccountKeypairPath returns the path to an account's keypair PEM file.
func (s Store) AccountKeypairPath(accountDbID string) string {
	return s.path(accountDbID + "-" + accountKeypairSuffix)
}

// AccountLocationPath returns the path to an account's registration
// location file.
func (s Store) AccountLocationPath(accountDbID string) string {
	return s.path(accountDbID + "-" + accountLocationSuffix)
}

// AcceptedTermsPath returns the path to an account's last-accepted
// agreement URL file.
func (s Store) AcceptedTermsPath(accountDbID string) string {
	return s.path(accountDbID + "-" + acceptedTermsSuffix)
}

// CertKeypairPath returns the path to a certificate's keypair PEM file.
func (s Store) CertKeypairPath(accountDbID, certID string) string {
	return s.path(accountDbID + "-" + certID + "-" + certKeypairSuffix)
}

// CertChainPath returns the path to a certificate's chain PEM file.
func (s Store) CertChainPath(accountDbID, certID string) string {
	return s.path(accountDbID + "-" + certID + "-" + certChainSuffix)
}

// CertRequestPath returns the path to a certificate's last CSR, kept for
// renewal auditing only.
func (s Store) CertRequestPath(accountDbID, certID string) string {
	return s.path(accountDbID + "-" + certID + "-" + certRequestSuffix)
}

// ActiveConfigPath returns the path to the last successfully applied Config.
func (s Store) ActiveConfigPath() string {
	return s.path(activeConfigFilename)
}

// Exists reports whether path exists. A stat error other than "not exist"
// is treated as absent; callers that need to distinguish should Stat
// directly.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadFile reads path, wrapping any error in an *acmeguard.FileIO.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &acmeguard.FileIO{Path: path, Err: err}
	}

	return b, nil
}

// WriteFile writes data to path with 0600 permissions, wrapping any error
// in an *acmeguard.FileIO. A failed write leaves the caller responsible for
// not claiming success; a half-written file is surfaced as a parse failure
// on next read rather than hidden here.
func WriteFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return &acmeguard.FileIO{Path: path, Err: err}
	}

	return nil
}

// CertPairExists reports whether both halves of a cached certificate
// (keypair + chain) are present. Per spec.md §3, the pair is considered
// absent unless both files exist.
func (s Store) CertPairExists(accountDbID, certID string) bool {
	return Exists(s.CertKeypairPath(accountDbID, certID)) && Exists(s.CertChainPath(accountDbID, certID))
}
