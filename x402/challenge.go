// Package x402 implements the micropayment challenge/verify protocol from
// spec.md §4.7: HMAC-bound challenge issuance, strict-order verification
// against an on-chain transfer receipt, and atomic nonce/replay protection
// via the state store's atomicVerify script. Grounded on the retrieval
// pack's oracle-attesterd webhook verifier (HMAC signature checking over a
// canonical payload, other_examples/...np_webhook.go.go) and on the
// teacher's go-ethereum lineage for common.Address/Hash and ethclient's
// receipt/log shapes.
package x402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apexlabs/infergate/gwerrors"
)

// ChallengeTTL is the default nonce TTL from spec.md §4.7.
const ChallengeTTL = 300 * time.Second

// Challenge is the server-issued, HMAC-bound payment authorization from
// spec.md §3.
type Challenge struct {
	Nonce           string    `json:"nonce"`
	Recipient       string    `json:"recipient"`
	AmountMicroUSDC string    `json:"amount_micro_usdc"`
	RequestBinding  string    `json:"request_binding"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	IssuedAt        time.Time `json:"issued_at"`
	Expiry          time.Time `json:"expiry"`
	HMAC            string    `json:"hmac"`
}

// RequestBinding hashes (token_id, model, max_tokens) as spec.md §3/§4.7
// requires, so a challenge cannot be redirected to a different request.
func RequestBinding(tokenID, model string, maxTokens int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", tokenID, model, maxTokens)))
	return hex.EncodeToString(sum[:])
}

// canonical concatenates the HMAC-covered fields in a fixed order. Keeping
// the order fixed (rather than marshaling the whole struct) means adding a
// new field later can't silently change what existing signatures cover.
func canonical(c Challenge) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d|%d",
		c.Nonce, c.Recipient, c.AmountMicroUSDC, c.RequestBinding,
		c.Method, c.Path, c.IssuedAt.UnixNano(), c.Expiry.UnixNano())
}

func sign(c Challenge, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical(c)))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueChallenge builds and signs a new Challenge with the current secret.
func IssueChallenge(recipient, amountMicroUSDC, requestBinding, method, path string, currentSecret []byte, ttl time.Duration) Challenge {
	if ttl <= 0 {
		ttl = ChallengeTTL
	}
	now := time.Now().UTC()
	c := Challenge{
		Nonce:           uuid.NewString(),
		Recipient:       recipient,
		AmountMicroUSDC: amountMicroUSDC,
		RequestBinding:  requestBinding,
		Method:          method,
		Path:            path,
		IssuedAt:        now,
		Expiry:          now.Add(ttl),
	}
	c.HMAC = sign(c, currentSecret)
	return c
}

// VerifyHMAC checks c's signature against the current secret, falling back
// to the previous secret during a rotation grace window (spec.md §4.7 step
// 2, §6 "challengeSecretPrevious").
func VerifyHMAC(c Challenge, currentSecret, previousSecret []byte) bool {
	want := sign(c, currentSecret)
	if hmac.Equal([]byte(want), []byte(c.HMAC)) {
		return true
	}
	if len(previousSecret) == 0 {
		return false
	}
	wantPrev := sign(c, previousSecret)
	return hmac.Equal([]byte(wantPrev), []byte(c.HMAC))
}

func (c Challenge) Marshal() ([]byte, error) { return json.Marshal(c) }

func Unmarshal(data []byte) (Challenge, error) {
	var c Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return Challenge{}, gwerrors.New(gwerrors.ChallengeCorrupt, "x402.unmarshal", err)
	}
	return c, nil
}

func challengeKey(nonce string) string { return "x402:challenge:" + nonce }
