// Package certstore implements the Dynamic Certificate Store: an in-memory,
// thread-safe keystore of server certificates consulted per-connection by a
// TLS stack via SNI, and atomically rebuilt whenever a certificate is
// installed, replaced, or removed.
package certstore

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/brnsn/acmeguard/internal/tlsx"
)

// Entry is one certificate installed in the store: its identity, the leaf
// it was most recently installed for, and whether it is the elected default
// alias used for SNI-less connections.
type Entry struct {
	ID         string
	PrivateKey *rsa.PrivateKey
	Chain      []*x509.Certificate
	Default    bool
}

// Leaf returns the entry's leaf certificate.
func (e Entry) Leaf() *x509.Certificate {
	return e.Chain[0]
}

// tlsCertificate builds the tls.Certificate this entry presents during a
// handshake.
func (e Entry) tlsCertificate() *tls.Certificate {
	der := make([][]byte, len(e.Chain))
	for i, c := range e.Chain {
		der[i] = c.Raw
	}

	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  e.PrivateKey,
		Leaf:        e.Chain[0],
	}
}

// Store is the Dynamic Certificate Store: a mutex-guarded map of entries by
// id, republished as an immutable Snapshot on every mutation so that
// concurrent TLS readers never observe a torn intermediate state (spec.md
// §8 property 4).
type Store struct {
	mu        sync.Mutex
	entries   map[string]Entry
	defaultID string
	snapshot  atomicSnapshot
}

// New returns an empty Store.
func New() *Store {
	s := &Store{entries: map[string]Entry{}}
	s.rebuildLocked()

	return s
}

// Put installs or replaces the entry for id, logging "Installing" on first
// install and "Replacing" on overwrite, matching the wording of the
// reference certificate manager this store's rebuild discipline is modeled
// on. An entry with an empty chain is logged and not installed; the store
// and its published snapshot stay as they were.
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(e.Chain) == 0 {
		log.Println("Rejecting certificate", e.ID, "with an empty chain")
		return
	}

	if _, exists := s.entries[e.ID]; exists {
		log.Println("Replacing certificate", e.ID, tlsx.PrintEncoded(e.Leaf().Raw))
	} else {
		log.Println("Installing certificate", e.ID, tlsx.PrintEncoded(e.Leaf().Raw))
	}

	s.entries[e.ID] = e
	if e.Default {
		s.defaultID = e.ID
	}

	s.rebuildLocked()
}

// Remove drops the entry for id, if any, logging "Removing" on success and
// "Nothing to remove" when id was not present.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[id]
	if !exists {
		log.Println("Nothing to remove for certificate", id)
		return
	}

	log.Println("Removing certificate", id, tlsx.PrintEncoded(e.Leaf().Raw))
	delete(s.entries, id)

	if s.defaultID == id {
		s.defaultID = ""
	}

	s.rebuildLocked()
}

// Get returns the entry for id and whether it was found.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	return e, ok
}

// SetDefaultID elects id as the default alias used for SNI-less
// connections, or clears the default if id is empty. id need not currently
// be present; electing an absent id simply leaves the store without an
// effective default until that id is installed.
func (s *Store) SetDefaultID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defaultID = id
	s.rebuildLocked()
}

// DefaultID returns the currently elected default alias, or "" if none.
func (s *Store) DefaultID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.defaultID
}

// rebuildLocked republishes an immutable Snapshot reflecting the current
// map. Must be called with mu held.
func (s *Store) rebuildLocked() {
	snap := Snapshot{
		byID:   make(map[string]Entry, len(s.entries)),
		byHost: make(map[string]Entry),
	}

	for id, e := range s.entries {
		snap.byID[id] = e

		for _, h := range e.Leaf().DNSNames {
			snap.byHost[h] = e
		}
	}

	if s.defaultID != "" {
		if e, ok := s.entries[s.defaultID]; ok {
			snap.defaultEntry = &e
		}
	}

	s.snapshot.store(snap)
}

// Snapshot is an immutable, point-in-time view of the store's installed
// certificates, safe for concurrent reads without locking.
type Snapshot struct {
	byID         map[string]Entry
	byHost       map[string]Entry
	defaultEntry *Entry
}

// ByHost returns the entry whose leaf SAN matches host, if any.
func (s Snapshot) ByHost(host string) (Entry, bool) {
	e, ok := s.byHost[host]
	return e, ok
}

// ByID returns the entry installed under id, if any.
func (s Snapshot) ByID(id string) (Entry, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Default returns the elected default entry, if any.
func (s Snapshot) Default() (Entry, bool) {
	if s.defaultEntry == nil {
		return Entry{}, false
	}

	return *s.defaultEntry, true
}

// current returns the store's most recently published snapshot.
func (s *Store) current() Snapshot {
	return s.snapshot.load()
}

// ErrNoMatchingCertificate is returned by GetCertificate when the SNI
// hostname matches no installed entry and no default alias is elected; the
// TLS engine is expected to abort the handshake on this signal.
var ErrNoMatchingCertificate = errors.New("certstore: no certificate for requested server name and no default alias")

// GetCertificate implements the key-manager interface to the TLS engine
// (spec.md §6.3): given the SNI hostname, return the certificate whose leaf
// SAN matches; if none matches, fall back to the default alias; if there is
// no default, return ErrNoMatchingCertificate so the TLS engine aborts the
// handshake per its own policy.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	snap := s.current()

	if hello.ServerName != "" {
		if e, ok := snap.ByHost(hello.ServerName); ok {
			return e.tlsCertificate(), nil
		}
	}

	if e, ok := snap.Default(); ok {
		return e.tlsCertificate(), nil
	}

	return nil, ErrNoMatchingCertificate
}

// LoadPEM decodes a PEM private key and leaf-first chain as persisted by the
// persistence layer, for use building an Entry to Put.
func LoadPEM(id string, keyPEM, chainPEM []byte) (Entry, error) {
	priv, err := decodeRSAKey(keyPEM)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to decode certificate private key")
	}

	chain, err := tlsx.DecodePEMCertificateChain(chainPEM)
	if err != nil {
		return Entry{}, errors.Wrap(err, "failed to decode certificate chain")
	}

	return Entry{ID: id, PrivateKey: priv, Chain: chain}, nil
}
