package reconciler

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brnsn/acmeguard"
	"github.com/brnsn/acmeguard/certstore"
	"github.com/brnsn/acmeguard/internal/rsax"
	"github.com/brnsn/acmeguard/internal/tlsx"
	"github.com/brnsn/acmeguard/persistence"
)

func selfSignedEntry(t *testing.T, id string) certstore.Entry {
	t.Helper()

	encoded, err := rsax.Generate(1024)
	require.NoError(t, err)

	priv, err := rsax.Decode(encoded)
	require.NoError(t, err)

	template, err := tlsx.Template(24*time.Hour, tlsx.OptionSubject(pkix.Name{CommonName: id}), tlsx.OptionHosts(id+".example.org"))
	require.NoError(t, err)

	der, err := tlsx.SelfSigned(priv, &template)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return certstore.Entry{ID: id, PrivateKey: priv, Chain: []*x509.Certificate{leaf}, Default: true}
}

func TestUpdateRejectsInvalidConfig(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	r := New(store, persist, nil)

	bad := acmeguard.Config{Accounts: map[string]acmeguard.Account{
		"acct": {Enabled: true, Certificates: map[string]acmeguard.Certificate{
			"cert": {Enabled: true, Hostnames: nil},
		}},
	}}

	err := r.Update(context.Background(), acmeguard.EmptyConf(), bad)
	require.Error(t, err)
	require.False(t, persistence.Exists(persist.ActiveConfigPath()), "an invalid config must never be persisted as active")
}

func TestUpdatePersistsActiveConfigOnSuccess(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	r := New(store, persist, nil)

	newConf := acmeguard.Config{RenewalCheckTime: "03:00:00", Accounts: map[string]acmeguard.Account{}}

	require.NoError(t, r.Update(context.Background(), acmeguard.EmptyConf(), newConf))
	require.True(t, persistence.Exists(persist.ActiveConfigPath()))

	saved, err := persistence.ReadFile(persist.ActiveConfigPath())
	require.NoError(t, err)

	got, err := acmeguard.UnmarshalConfig(saved)
	require.NoError(t, err)
	require.Equal(t, "03:00:00", got.RenewalCheckTime)
}

func TestUpdateSkipsDisabledAccountsWithoutContactingACA(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	r := New(store, persist, nil)

	newConf := acmeguard.Config{Accounts: map[string]acmeguard.Account{
		"acct": {Enabled: false, ProviderURL: "https://example.invalid/directory"},
	}}

	require.NoError(t, r.Update(context.Background(), acmeguard.EmptyConf(), newConf))
}

func TestUpdateClearsDefaultAliasWhenNothingClaimsIt(t *testing.T) {
	store := certstore.New()
	store.Put(selfSignedEntry(t, "stale-default"))

	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	r := New(store, persist, nil)

	newConf := acmeguard.Config{Accounts: map[string]acmeguard.Account{}}

	require.NoError(t, r.Update(context.Background(), acmeguard.EmptyConf(), newConf))
	require.Equal(t, "", store.DefaultID())
}

func TestDurationUntilWrapsToNextDay(t *testing.T) {
	past := time.Now().Add(-1 * time.Hour).Format("15:04:05")

	d, err := durationUntil(past)
	require.NoError(t, err)
	require.Greater(t, d, 22*time.Hour, "a time already passed today must roll to tomorrow")
}

func TestDurationUntilRejectsMalformedTime(t *testing.T) {
	_, err := durationUntil("not-a-time")
	require.Error(t, err)
}

func TestEnsureScheduledIsIdempotentForSameTime(t *testing.T) {
	store := certstore.New()
	persist := persistence.New(t.TempDir())
	require.NoError(t, persist.Init())

	ticks := 0
	r := New(store, persist, func() { ticks++ })

	r.ensureScheduled("04:00:00")
	firstTimer := r.timer
	r.ensureScheduled("04:00:00")

	require.Same(t, firstTimer, r.timer, "rescheduling with an unchanged renewalCheckTime must not replace the timer")
}
