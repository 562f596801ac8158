package x402

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/statestore"
)

type fakeRPC struct {
	receipts map[common.Hash]*Receipt
	head     uint64
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, h common.Hash) (*Receipt, error) {
	return f.receipts[h], nil
}

func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func transferLog(token, to common.Address, amount *big.Int) Log {
	data := make([]byte, 32)
	amount.FillBytes(data)
	return Log{
		Address: token,
		Topics: []common.Hash{
			common.HexToHash(transferEventTopic),
			common.HexToHash("0x" + "11"), // from, unbound
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}
}

func newVerifier(store statestore.Store, rpc ReceiptSource, token, treasury common.Address) *Verifier {
	return New(Config{
		MinConfirmations: 10,
		ChallengeSecret:  []byte("secret-v2"),
		TokenAddress:     token,
		TreasuryAddress:  treasury,
		QuoteTTL:         ChallengeTTL,
		ReplayTTL:        24 * time.Hour,
	}, store, rpc)
}

// Scenario 5 from spec.md §8.
func TestVerifySuccessThenReplayDetected(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemStore()
	token := common.HexToAddress("0xTOKEN")
	treasury := common.HexToAddress("0xTREASURY")
	v := newVerifier(store, nil, token, treasury)

	binding := RequestBinding("nft-7", "gpt-x", 4096)
	challenge, err := v.IssueAndStore(ctx, treasury.Hex(), "1000000", binding, "POST", "/v1/complete")
	require.NoError(t, err)

	txHash := common.HexToHash("0xabc123")
	rpc := &fakeRPC{
		head: 1020,
		receipts: map[common.Hash]*Receipt{
			txHash: {
				Status:      1,
				BlockNumber: 1000,
				Logs:        []Log{transferLog(token, treasury, big.NewInt(1000000))},
			},
		},
	}
	v.rpc = rpc

	req := VerifyRequest{
		Nonce:     challenge.Nonce,
		TokenID:   "nft-7",
		Model:     "gpt-x",
		MaxTokens: 4096,
		Method:    "POST",
		Path:      "/v1/complete",
		TxHash:    txHash,
	}
	got, err := v.Verify(ctx, req)
	require.NoError(t, err)
	require.Equal(t, txHash, got.TxHash)

	// Re-issue an identical challenge so the nonce lookup still resolves,
	// but reusing the same tx_hash must be rejected as a replay.
	challenge2, err := v.IssueAndStore(ctx, treasury.Hex(), "1000000", binding, "POST", "/v1/complete")
	require.NoError(t, err)
	req.Nonce = challenge2.Nonce
	_, err = v.Verify(ctx, req)
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.ReplayDetected, kind)
}

func TestVerifyRejectsBindingMismatch(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemStore()
	token := common.HexToAddress("0xTOKEN")
	treasury := common.HexToAddress("0xTREASURY")
	v := newVerifier(store, &fakeRPC{}, token, treasury)

	binding := RequestBinding("nft-7", "gpt-x", 4096)
	challenge, err := v.IssueAndStore(ctx, treasury.Hex(), "1000000", binding, "POST", "/v1/complete")
	require.NoError(t, err)

	_, err = v.Verify(ctx, VerifyRequest{
		Nonce:     challenge.Nonce,
		TokenID:   "nft-7",
		Model:     "wrong-model",
		MaxTokens: 4096,
		Method:    "POST",
		Path:      "/v1/complete",
	})
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.BindingMismatch, kind)
}

func TestVerifyRejectsExpiredChallenge(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemStore()
	token := common.HexToAddress("0xTOKEN")
	treasury := common.HexToAddress("0xTREASURY")
	v := newVerifier(store, &fakeRPC{}, token, treasury)
	v.cfg.QuoteTTL = time.Millisecond

	binding := RequestBinding("nft-7", "gpt-x", 4096)
	challenge, err := v.IssueAndStore(ctx, treasury.Hex(), "1000000", binding, "POST", "/v1/complete")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = v.Verify(ctx, VerifyRequest{
		Nonce:     challenge.Nonce,
		TokenID:   "nft-7",
		Model:     "gpt-x",
		MaxTokens: 4096,
		Method:    "POST",
		Path:      "/v1/complete",
	})
	kind, ok := gwerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, gwerrors.ChallengeExpired, kind)
}
