package x402

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/statestore"
)

// transferEventTopic is the Keccak256 signature of Transfer(address,address,uint256),
// the only event type spec.md §6 allows this verifier to consume.
const transferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// ReceiptSource is the narrow RPC surface spec.md §6 allows: getTransactionReceipt
// and getBlockNumber. A real implementation wraps *ethclient.Client against an
// RPC pool; tests substitute a fake.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Log mirrors the one ethereum event shape this verifier parses.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte // ABI-encoded uint256 value (32 bytes, big-endian)
}

// Receipt is the narrow subset of an on-chain transaction receipt this
// verifier inspects.
type Receipt struct {
	Status      uint64 // 1 = success, 0 = reverted
	BlockNumber uint64
	Logs        []Log
}

// Config bundles the verifier's static parameters (spec.md §6).
type Config struct {
	MinConfirmations    uint64
	ChallengeSecret     []byte
	ChallengeSecretPrev []byte
	TokenAddress        common.Address
	TreasuryAddress     common.Address
	QuoteTTL            time.Duration
	ReplayTTL           time.Duration
}

// Verifier implements spec.md §4.7 in strict numbered order: any earlier
// check must reject before a later one runs, so the on-chain RPC step never
// executes for a forged challenge and the replay marker is never poisoned
// by a request that fails an earlier check.
type Verifier struct {
	cfg   Config
	store statestore.Store
	rpc   ReceiptSource
}

func New(cfg Config, store statestore.Store, rpc ReceiptSource) *Verifier {
	return &Verifier{cfg: cfg, store: store, rpc: rpc}
}

// IssueAndStore issues a challenge and persists it in the store under its
// nonce for ChallengeTTL (spec.md §4.7); the challenge's own Expiry comes
// from the configured QuoteTTL.
func (v *Verifier) IssueAndStore(ctx context.Context, recipient, amountMicroUSDC, requestBinding, method, path string) (Challenge, error) {
	c := IssueChallenge(recipient, amountMicroUSDC, requestBinding, method, path, v.cfg.ChallengeSecret, v.cfg.QuoteTTL)
	data, err := c.Marshal()
	if err != nil {
		return Challenge{}, gwerrors.New(gwerrors.ChallengeCorrupt, "x402.issue", err)
	}
	if _, err := v.store.Set(ctx, challengeKey(c.Nonce), data, statestore.SetOptions{TTL: ChallengeTTL}); err != nil {
		return Challenge{}, gwerrors.New(gwerrors.IO, "x402.issue.store", err)
	}
	return c, nil
}

// VerifyRequest is the caller-submitted request facts checked against the
// challenge's bound fields (spec.md §4.7 steps 4-5).
type VerifyRequest struct {
	Nonce     string
	TokenID   string
	Model     string
	MaxTokens int64
	Method    string
	Path      string
	TxHash    common.Hash
}

// VerifiedReceipt is returned on success.
type VerifiedReceipt struct {
	Challenge Challenge
	TxHash    common.Hash
}

// Verify runs the ten-step protocol from spec.md §4.7.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (VerifiedReceipt, error) {
	// 1. fetch challenge
	raw, err := v.store.Get(ctx, challengeKey(req.Nonce))
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return VerifiedReceipt{}, gwerrors.New(gwerrors.NonceNotFound, "x402.verify", nil)
		}
		return VerifiedReceipt{}, gwerrors.New(gwerrors.IO, "x402.verify.fetch", err)
	}
	challenge, err := Unmarshal(raw)
	if err != nil {
		return VerifiedReceipt{}, err // already gwerrors.ChallengeCorrupt
	}

	// 2. HMAC
	if !VerifyHMAC(challenge, v.cfg.ChallengeSecret, v.cfg.ChallengeSecretPrev) {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.HMACInvalid, "x402.verify", nil)
	}

	// 3. expiry
	if time.Now().UTC().After(challenge.Expiry) {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.ChallengeExpired, "x402.verify", nil)
	}

	// 4. request binding
	wantBinding := RequestBinding(req.TokenID, req.Model, req.MaxTokens)
	if wantBinding != challenge.RequestBinding {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.BindingMismatch, "x402.verify", nil)
	}

	// 5. method/path
	if req.Method != challenge.Method || req.Path != challenge.Path {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.PathMismatch, "x402.verify", nil)
	}

	// 6. fetch on-chain receipt
	receipt, err := v.rpc.TransactionReceipt(ctx, req.TxHash)
	if err != nil {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.RPCUnreachable, "x402.verify.receipt", err)
	}
	if receipt == nil {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.TxNotFound, "x402.verify", nil)
	}

	// 7. status
	if receipt.Status != 1 {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.TxReverted, "x402.verify", nil)
	}

	// 8. confirmation depth
	head, err := v.rpc.BlockNumber(ctx)
	if err != nil {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.RPCUnreachable, "x402.verify.block_number", err)
	}
	if head < receipt.BlockNumber || head-receipt.BlockNumber < v.cfg.MinConfirmations {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.Pending, "x402.verify", nil)
	}

	// 9. exactly one matching Transfer log
	if err := v.verifyTransferLog(receipt, challenge); err != nil {
		return VerifiedReceipt{}, err
	}

	// 10. atomic nonce consumption + replay protection
	res, err := v.store.Eval(ctx, statestore.AtomicVerifyScript,
		[]string{
			challengeKey(req.Nonce),
			challengeKey(req.Nonce) + ":consumed",
			"x402:replay:" + req.TxHash.Hex(),
		},
		[]interface{}{v.cfg.ReplayTTL, req.TxHash.Hex()})
	if err != nil {
		return VerifiedReceipt{}, gwerrors.New(gwerrors.IO, "x402.verify.atomic", err)
	}
	switch res.Status {
	case "SUCCESS":
		return VerifiedReceipt{Challenge: challenge, TxHash: req.TxHash}, nil
	case "NONCE_NOT_FOUND":
		return VerifiedReceipt{}, gwerrors.New(gwerrors.ChallengeExpired, "x402.verify", nil)
	case "REPLAY_DETECTED":
		return VerifiedReceipt{}, gwerrors.New(gwerrors.ReplayDetected, "x402.verify", nil)
	case "RACE_LOST":
		return VerifiedReceipt{}, gwerrors.New(gwerrors.RaceLost, "x402.verify", nil)
	default:
		return VerifiedReceipt{}, gwerrors.New(gwerrors.IO, "x402.verify", nil)
	}
}

// verifyTransferLog implements step 9: exactly one log whose emitter is the
// expected token contract, whose recipient equals the challenge recipient
// (case-insensitive), and whose value equals the challenge amount. Sender
// is deliberately not bound (smart-contract wallets / relayers permitted).
func (v *Verifier) verifyTransferLog(receipt *Receipt, challenge Challenge) error {
	wantAmount, ok := new(big.Int).SetString(challenge.AmountMicroUSDC, 10)
	if !ok {
		return gwerrors.New(gwerrors.ChallengeCorrupt, "x402.verify.amount", nil)
	}
	matches := 0
	for _, lg := range receipt.Logs {
		if !strings.EqualFold(lg.Address.Hex(), v.cfg.TokenAddress.Hex()) {
			continue
		}
		if len(lg.Topics) < 3 || !strings.EqualFold(lg.Topics[0].Hex(), transferEventTopic) {
			continue
		}
		to := common.HexToAddress(lg.Topics[2].Hex())
		if !strings.EqualFold(to.Hex(), challenge.Recipient) {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		if value.Cmp(wantAmount) != 0 {
			continue
		}
		matches++
	}
	if matches != 1 {
		return gwerrors.New(gwerrors.TransferNotFound, "x402.verify.transfer_log", nil)
	}
	return nil
}
