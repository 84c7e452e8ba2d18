// Package acmeguard implements an automated TLS certificate lifecycle
// manager: it obtains, renews, and hot-swaps X.509 server certificates from
// an ACME certificate authority, and exposes a live, mutable certificate
// store consulted by a TLS-terminating server on every SNI handshake.
//
// The engine lives in this package and its subpackages:
//
//	persistence  - the on-disk layout (keypairs, chains, CSRs, active config)
//	certstore    - the dynamic, thread-safe certificate keystore
//	acmeclient   - the opaque ACME CA session abstraction
//	challengemgr - single-domain TLS-SNI authorization
//	certmgr      - per-certificate caching and renewal
//	accountmgr   - per-account registration and certificate fan-out
//	reconciler   - the two-phase config reconciler and renewal timer
//	controller   - the public lifecycle controller
//
// This package itself holds the Config schema, the error kinds, the MapDiff
// helper and the FetchWithRetry polling loop.
package acmeguard
