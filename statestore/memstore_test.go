package statestore_test

import (
	"testing"

	"github.com/apexlabs/infergate/statestore"
	"github.com/apexlabs/infergate/statestore/dbtest"
)

func TestMemStoreConformance(t *testing.T) {
	dbtest.TestStoreSuite(t, func() statestore.Store {
		return statestore.NewMemStore()
	})
}
