package ratelimiter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/statestore"
)

type erroringStore struct {
	statestore.Store
}

func (erroringStore) Eval(ctx context.Context, script *statestore.Script, keys []string, args []interface{}) (statestore.ScriptResult, error) {
	return statestore.ScriptResult{}, errors.New("connection refused")
}

func TestAdmitRPMWithinLimit(t *testing.T) {
	store := statestore.NewMemStore()
	lim := New(store, map[string]Limits{"openai/gpt-x": {RPM: 2}}, nil)

	ok, err := lim.AdmitRPM(context.Background(), "openai", "gpt-x")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lim.AdmitRPM(context.Background(), "openai", "gpt-x")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lim.AdmitRPM(context.Background(), "openai", "gpt-x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAdmitTPMWithinLimit(t *testing.T) {
	store := statestore.NewMemStore()
	lim := New(store, map[string]Limits{"openai/gpt-x": {TPM: 1000}}, nil)

	ok, err := lim.AdmitTPM(context.Background(), "openai", "gpt-x", 600)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = lim.AdmitTPM(context.Background(), "openai", "gpt-x", 500)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiterFailsOpenWhenStoreUnreachable(t *testing.T) {
	lim := New(erroringStore{}, map[string]Limits{"openai/gpt-x": {RPM: 1, TPM: 1}}, nil)

	ok, err := lim.AdmitRPM(context.Background(), "openai", "gpt-x")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lim.AdmitTPM(context.Background(), "openai", "gpt-x", 10000)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnconfiguredModelAlwaysAdmitted(t *testing.T) {
	store := statestore.NewMemStore()
	lim := New(store, map[string]Limits{}, nil)
	ok, err := lim.AdmitRPM(context.Background(), "anthropic", "claude-x")
	require.NoError(t, err)
	require.True(t, ok)
}
