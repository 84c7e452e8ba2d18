package rsax

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateDecodeRoundtrip(t *testing.T) {
	encoded, err := Generate(1024)
	require.NoError(t, err)

	priv, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, priv)
}

func TestCachedGenerateCreatesThenReuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "account-keypair.pem")

	first, err := CachedGenerate(path, 1024)
	require.NoError(t, err)
	require.FileExists(t, path)

	second, err := CachedGenerate(path, 1024)
	require.NoError(t, err)

	require.Equal(t, first.D, second.D, "a cached key must be reused, not regenerated")
}

func TestDecodeRejectsMalformedPEM(t *testing.T) {
	_, err := Decode([]byte("not a key"))
	require.Error(t, err)
}

func TestCachedAutoDefaultBits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cert-keypair.pem")

	priv, err := CachedAuto(path)
	require.NoError(t, err)
	require.Equal(t, DefaultBits, priv.N.BitLen())

	require.NoError(t, os.RemoveAll(dir))
}
