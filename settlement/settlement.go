// Package settlement implements spec.md §4.8: facilitator-then-direct
// payment execution gated by a three-state circuit breaker, followed by a
// receipt-verification step, with every outcome recorded in the WAL.
// Grounded on the teacher's eth/downloader peer-fallback pattern (try the
// preferred peer, fall back to another on failure) and on
// golang.org/x/time/rate (teacher dep) for pacing facilitator calls.
package settlement

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"golang.org/x/time/rate"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/wal"
)

// Facilitator executes a payment via a third-party payment facilitator and
// returns the resulting on-chain transaction hash.
type Facilitator interface {
	Pay(ctx context.Context, recipient string, amountMicroUSDC *big.Int) (txHash string, err error)
}

// DirectPayer executes a payment directly on-chain, bypassing any
// facilitator. Always available; used as fallback and whenever the
// circuit breaker is OPEN.
type DirectPayer interface {
	Pay(ctx context.Context, recipient string, amountMicroUSDC *big.Int) (txHash string, err error)
}

// ReceiptVerifier confirms funds landed at the treasury address for the
// expected amount (spec.md §4.8 "receipt-verification step").
type ReceiptVerifier interface {
	VerifyLanded(ctx context.Context, txHash, treasury string, amountMicroUSDC *big.Int) (bool, error)
}

// Outcome is the recorded result of one settlement attempt.
type Outcome struct {
	Path   string // "facilitator" | "direct"
	TxHash string
}

// Service orchestrates the facilitator/fallback/verify pipeline.
type Service struct {
	facilitator Facilitator
	direct      DirectPayer
	verifier    ReceiptVerifier
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
	wal         *wal.WAL
	treasury    string
}

func New(facilitator Facilitator, direct DirectPayer, verifier ReceiptVerifier, breaker *CircuitBreaker, w *wal.WAL, treasury string) *Service {
	return &Service{
		facilitator: facilitator,
		direct:      direct,
		verifier:    verifier,
		breaker:     breaker,
		// facilitator calls are paced independently of the distributed rate
		// limiter (spec.md §3 DOMAIN STACK): at most 5/s with a small burst.
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		wal:      w,
		treasury: treasury,
	}
}

// Settle executes the facilitator-then-direct-fallback pipeline for one
// payment of amountMicroUSDC to recipient, verifies the receipt, and
// records the outcome in the WAL before returning.
func (s *Service) Settle(ctx context.Context, reservationID, recipient string, amountMicroUSDC *big.Int) (Outcome, error) {
	outcome, payErr := s.pay(ctx, recipient, amountMicroUSDC)
	if payErr != nil {
		s.record(reservationID, "failed", outcome, payErr)
		return Outcome{}, gwerrors.New(gwerrors.SettlementFailed, "settlement.settle", payErr)
	}

	landed, err := s.verifier.VerifyLanded(ctx, outcome.TxHash, s.treasury, amountMicroUSDC)
	if err != nil {
		s.record(reservationID, "verify_error", outcome, err)
		return Outcome{}, gwerrors.New(gwerrors.SettlementVerificationFailed, "settlement.settle", err)
	}
	if !landed {
		s.record(reservationID, "verify_mismatch", outcome, nil)
		return Outcome{}, gwerrors.New(gwerrors.SettlementVerificationFailed, "settlement.settle", nil)
	}

	s.record(reservationID, "settled", outcome, nil)
	return outcome, nil
}

func (s *Service) pay(ctx context.Context, recipient string, amountMicroUSDC *big.Int) (Outcome, error) {
	if s.breaker.Allow() {
		if err := s.limiter.Wait(ctx); err != nil {
			return Outcome{}, err
		}
		tx, err := s.facilitator.Pay(ctx, recipient, amountMicroUSDC)
		if err == nil {
			s.breaker.RecordSuccess()
			return Outcome{Path: "facilitator", TxHash: tx}, nil
		}
		s.breaker.RecordFailure()
		// fall through to direct fallback
	}
	tx, err := s.direct.Pay(ctx, recipient, amountMicroUSDC)
	if err != nil {
		return Outcome{}, gwerrors.New(gwerrors.SettlementUnavailable, "settlement.pay.direct", err)
	}
	return Outcome{Path: "direct", TxHash: tx}, nil
}

func (s *Service) record(reservationID, result string, outcome Outcome, cause error) {
	if s.wal == nil {
		return
	}
	payload := struct {
		ReservationID string    `json:"reservation_id"`
		Result        string    `json:"result"`
		Path          string    `json:"path"`
		TxHash        string    `json:"tx_hash"`
		Error         string    `json:"error,omitempty"`
		At            time.Time `json:"at"`
	}{ReservationID: reservationID, Result: result, Path: outcome.Path, TxHash: outcome.TxHash, At: time.Now().UTC()}
	if cause != nil {
		payload.Error = cause.Error()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = s.wal.Append(wal.OpSettlement, "settlement:"+reservationID, data)
}
