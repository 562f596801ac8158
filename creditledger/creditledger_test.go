package creditledger

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type fixedRate struct{ r Rate }

func (f fixedRate) CurrentRate() Rate { return f.r }

func oneToOne() RateProvider {
	return fixedRate{Rate{Numerator: uint256.NewInt(1), Denominator: uint256.NewInt(1)}}
}

// Scenario 3 from spec.md §8: allocated:0, unlocked:100 -> reserve(10) ->
// finalize -> {unlocked:90, reserved:0, consumed:10}.
func TestReserveThenFinalize(t *testing.T) {
	l := New(oneToOne(), 0)
	l.SeedAccount("w1", Account{
		Allocated: uint256.NewInt(0),
		Unlocked:  uint256.NewInt(100),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	})

	receipt, err := l.ReserveCredits("w1", uint256.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, OutcomeReserved, receipt.Outcome)

	require.NoError(t, l.Finalize(receipt.Reservation.ID))

	acct, ok := l.Account("w1")
	require.True(t, ok)
	require.True(t, acct.Unlocked.Eq(uint256.NewInt(90)))
	require.True(t, acct.Reserved.IsZero())
	require.True(t, acct.Consumed.Eq(uint256.NewInt(10)))
}

// Scenario 4 from spec.md §8: allocated:0, unlocked:50 -> reserve(5) ->
// rollback -> {unlocked:50, reserved:0}.
func TestReserveThenRollback(t *testing.T) {
	l := New(oneToOne(), 0)
	l.SeedAccount("w2", Account{
		Allocated: uint256.NewInt(0),
		Unlocked:  uint256.NewInt(50),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	})

	receipt, err := l.ReserveCredits("w2", uint256.NewInt(5))
	require.NoError(t, err)
	require.NoError(t, l.Rollback(receipt.Reservation.ID))

	acct, ok := l.Account("w2")
	require.True(t, ok)
	require.True(t, acct.Unlocked.Eq(uint256.NewInt(50)))
	require.True(t, acct.Reserved.IsZero())
}

func TestInvariantConservedAcrossReserveFinalizeRollback(t *testing.T) {
	l := New(oneToOne(), 0)
	seed := Account{
		Allocated: uint256.NewInt(0),
		Unlocked:  uint256.NewInt(1000),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	}
	l.SeedAccount("w3", seed)
	expected := ConservedTotal(seed)

	r1, err := l.ReserveCredits("w3", uint256.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, l.CheckInvariant("w3", expected))

	require.NoError(t, l.Finalize(r1.Reservation.ID))
	require.NoError(t, l.CheckInvariant("w3", expected))

	r2, err := l.ReserveCredits("w3", uint256.NewInt(50))
	require.NoError(t, err)
	require.NoError(t, l.Rollback(r2.Reservation.ID))
	require.NoError(t, l.CheckInvariant("w3", expected))
}

func TestCreditsLockedWhenAllocatedWithoutUnlocked(t *testing.T) {
	l := New(oneToOne(), 0)
	l.SeedAccount("w4", Account{
		Allocated: uint256.NewInt(100),
		Unlocked:  uint256.NewInt(0),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	})
	receipt, err := l.ReserveCredits("w4", uint256.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, OutcomeCreditsLocked, receipt.Outcome)
}

func TestFallbackWhenInsufficientUnlocked(t *testing.T) {
	l := New(oneToOne(), 0)
	l.SeedAccount("w5", Account{
		Allocated: uint256.NewInt(0),
		Unlocked:  uint256.NewInt(1),
		Reserved:  uint256.NewInt(0),
		Consumed:  uint256.NewInt(0),
		Expired:   uint256.NewInt(0),
	})
	receipt, err := l.ReserveCredits("w5", uint256.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, OutcomeFallbackToUSDC, receipt.Outcome)
}

func TestFinalizeUnknownReservationNotFound(t *testing.T) {
	l := New(oneToOne(), 0)
	err := l.Finalize("does-not-exist")
	require.ErrorIs(t, err, ErrReservationNotFound)
}
