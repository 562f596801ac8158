package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/gwerrors"
)

func TestLoadFillsInDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[ledger]
baseDir = "/var/lib/infergate/ledger"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/infergate/ledger", cfg.Ledger.BaseDir)
	require.Equal(t, int64(10), cfg.X402.MinConfirmations)
	require.Equal(t, 90, cfg.Ledger.RetentionDays)
}

func TestLoadMissingFileReturnsConfigInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.ConfigInvalid, kind)
}
