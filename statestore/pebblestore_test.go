package statestore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/statestore"
	"github.com/apexlabs/infergate/statestore/dbtest"
)

func TestPebbleStoreConformance(t *testing.T) {
	dir := t.TempDir()
	n := 0
	dbtest.TestStoreSuite(t, func() statestore.Store {
		n++
		s, err := statestore.OpenPebbleStore(filepath.Join(dir, string(rune('a'+n))))
		require.NoError(t, err)
		return s
	})
}
