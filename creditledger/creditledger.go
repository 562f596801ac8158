// Package creditledger implements the credit reserve/finalize/rollback state
// machine from spec.md §4.9: `{allocated, unlocked, reserved, consumed,
// expired}` accounts with a conserved sum across every transition, rate
// freezing at reserve time, and canonical rounding (ceiling on reserve,
// floor on commit/refund). Grounded on the teacher's core/state account
// model (balances mutated under a single authoritative store, never
// floats) re-expressed with github.com/holiman/uint256 (teacher dep)
// fixed-width arithmetic instead of *big.Int-per-wei.
package creditledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/apexlabs/infergate/gwerrors"
)

// Account is the credit balance sheet from spec.md §3. All fields are
// non-negative CU (credit unit) amounts.
type Account struct {
	Allocated *uint256.Int
	Unlocked  *uint256.Int
	Reserved  *uint256.Int
	Consumed  *uint256.Int
	Expired   *uint256.Int
}

func zeroAccount() Account {
	return Account{
		Allocated: uint256.NewInt(0),
		Unlocked:  uint256.NewInt(0),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	}
}

// conserved returns allocated+unlocked+reserved+consumed+expired, the
// quantity spec.md §3/§4.9/§8 requires to be invariant across every
// reserve/finalize/rollback sequence.
func (a Account) conserved() *uint256.Int {
	sum := new(uint256.Int).Add(a.Allocated, a.Unlocked)
	sum.Add(sum, a.Reserved)
	sum.Add(sum, a.Consumed)
	sum.Add(sum, a.Expired)
	return sum
}

// Rate is an exchange-rate snapshot, expressed as a fraction numerator/
// denominator so conversions are exact integer arithmetic, never floats.
// Frozen into each Reservation at reserve time (spec.md §4.9).
type Rate struct {
	Numerator   *uint256.Int
	Denominator *uint256.Int
}

// RateProvider supplies the current exchange rate; the ledger freezes a
// snapshot of it into the reservation it issues.
type RateProvider interface {
	CurrentRate() Rate
}

// ReservationStatus is the state-machine position from spec.md §4.9.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "reserved"
	StatusConsumed ReservationStatus = "consumed"
	StatusReleased ReservationStatus = "released"
)

// Reservation is a tentative hold of credits, later finalized or rolled back.
type Reservation struct {
	ID        string
	Wallet    string
	Amount    *uint256.Int // CU amount held
	Rate      Rate         // frozen at reserve time
	Status    ReservationStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ReserveOutcome is the decision from spec.md §4.9 reserveCredits.
type ReserveOutcome string

const (
	OutcomeReserved       ReserveOutcome = "reserved"
	OutcomeCreditsLocked  ReserveOutcome = "credits_locked"
	OutcomeFallbackToUSDC ReserveOutcome = "fallback_usdc"
)

// Receipt is returned on a successful reserve.
type Receipt struct {
	Outcome     ReserveOutcome
	Reservation *Reservation
}

// Ledger implements the reserve/finalize/rollback state machine. All
// account and reservation mutations, for every wallet, are serialized by
// the single ledger-wide mutex mu, matching spec.md §5 "the state store is
// the serialization point" applied here to an in-process authoritative
// store; a Redis-backed implementation would replace mu with
// statestore.Eval against a wallet-scoped script.
type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]Account
	reservations map[string]*Reservation
	rates        RateProvider
	now          func() time.Time
	reservedTTL  time.Duration
}

func New(rates RateProvider, reservedTTL time.Duration) *Ledger {
	if reservedTTL <= 0 {
		reservedTTL = 10 * time.Minute
	}
	return &Ledger{
		accounts:     make(map[string]Account),
		reservations: make(map[string]*Reservation),
		rates:        rates,
		now:          time.Now,
		reservedTTL:  reservedTTL,
	}
}

// SeedAccount installs or overwrites a wallet's account. Used by tests and
// by the onboarding client (out of scope here) to initialize balances.
func (l *Ledger) SeedAccount(wallet string, a Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[wallet] = a
}

func (l *Ledger) Account(wallet string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[wallet]
	return a, ok
}

// ceilDiv computes ceil(num/den) in the credit unit's integer domain - used
// at reserve time so the caller never underpays (spec.md §4.9).
func ceilDiv(num, den *uint256.Int) *uint256.Int {
	if den.IsZero() {
		return uint256.NewInt(0)
	}
	q := new(uint256.Int).Div(num, den)
	r := new(uint256.Int).Mod(num, den)
	if !r.IsZero() {
		q = new(uint256.Int).AddUint64(q, 1)
	}
	return q
}

// ReserveCredits implements spec.md §4.9 reserveCredits. amount is the CU
// amount requested at the current (about-to-be-frozen) rate.
func (l *Ledger) ReserveCredits(wallet string, amount *uint256.Int) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[wallet]
	if !ok {
		acct = zeroAccount()
	}

	if acct.Allocated.Sign() > 0 && acct.Unlocked.IsZero() {
		return Receipt{Outcome: OutcomeCreditsLocked}, nil
	}
	totalAvailable := new(uint256.Int).Add(acct.Unlocked, acct.Reserved)
	totalAvailable.Add(totalAvailable, acct.Consumed)
	if totalAvailable.IsZero() || acct.Unlocked.Lt(amount) {
		return Receipt{Outcome: OutcomeFallbackToUSDC}, nil
	}

	rate := l.rates.CurrentRate()
	acct.Unlocked = new(uint256.Int).Sub(acct.Unlocked, amount)
	acct.Reserved = new(uint256.Int).Add(acct.Reserved, amount)
	l.accounts[wallet] = acct

	res := &Reservation{
		ID:        uuid.NewString(),
		Wallet:    wallet,
		Amount:    amount,
		Rate:      rate,
		Status:    StatusReserved,
		CreatedAt: l.now(),
		ExpiresAt: l.now().Add(l.reservedTTL),
	}
	l.reservations[res.ID] = res
	return Receipt{Outcome: OutcomeReserved, Reservation: res}, nil
}

var ErrReservationNotFound = gwerrors.New(gwerrors.BudgetInvalid, "creditledger", fmt.Errorf("reservation_not_found"))

// Finalize moves the held amount reserved->consumed. No-op (returns
// ErrReservationNotFound) if the reservation is absent, per spec.md §4.9.
func (l *Ledger) Finalize(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok || res.Status != StatusReserved {
		return ErrReservationNotFound
	}
	acct := l.accounts[res.Wallet]
	acct.Reserved = new(uint256.Int).Sub(acct.Reserved, res.Amount)
	acct.Consumed = new(uint256.Int).Add(acct.Consumed, res.Amount)
	l.accounts[res.Wallet] = acct
	res.Status = StatusConsumed
	return nil
}

// Rollback returns the held amount reserved->unlocked. No-op (returns
// ErrReservationNotFound) if the reservation is absent.
func (l *Ledger) Rollback(reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok || res.Status != StatusReserved {
		return ErrReservationNotFound
	}
	acct := l.accounts[res.Wallet]
	acct.Reserved = new(uint256.Int).Sub(acct.Reserved, res.Amount)
	acct.Unlocked = new(uint256.Int).Add(acct.Unlocked, res.Amount)
	l.accounts[res.Wallet] = acct
	res.Status = StatusReleased
	return nil
}

// ConvertToUSDCFloor converts a CU amount to micro-USDC using the given
// frozen rate with floor rounding, for commit/refund (spec.md §4.9).
func ConvertToUSDCFloor(amount *uint256.Int, rate Rate) *uint256.Int {
	if rate.Denominator.IsZero() {
		return uint256.NewInt(0)
	}
	num := new(uint256.Int).Mul(amount, rate.Numerator)
	return new(uint256.Int).Div(num, rate.Denominator)
}

// ConvertToCUCeiling converts a micro-USDC amount to CU using the given
// rate with ceiling rounding, for reserve (spec.md §4.9: "the caller never
// underpays").
func ConvertToCUCeiling(microUSDC *uint256.Int, rate Rate) *uint256.Int {
	if rate.Numerator.IsZero() {
		return uint256.NewInt(0)
	}
	num := new(uint256.Int).Mul(microUSDC, rate.Denominator)
	return ceilDiv(num, rate.Numerator)
}

// CheckInvariant verifies allocated+unlocked+reserved+consumed+expired is
// conserved for wallet against an expected total (spec.md §4.9/§8). Callers
// capture the conserved total once (e.g. at account creation) and re-check
// it after any sequence of operations.
func (l *Ledger) CheckInvariant(wallet string, expectedTotal *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[wallet]
	if !ok {
		acct = zeroAccount()
	}
	if !acct.conserved().Eq(expectedTotal) {
		return gwerrors.New(gwerrors.BudgetInvalid, "creditledger.check_invariant",
			fmt.Errorf("wallet %s: conserved total %s != expected %s", wallet, acct.conserved(), expectedTotal))
	}
	return nil
}

// ConservedTotal is a convenience accessor mirroring Account.conserved for
// callers (e.g. tests) establishing the expected baseline.
func ConservedTotal(a Account) *uint256.Int { return a.conserved() }
