package model

import (
	"errors"
	"fmt"
)

// Validation errors: rejected synchronously with no state change.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidKind           = errors.New("invalid ledger entry kind")
	ErrUnknownUser           = errors.New("unknown user")
	ErrUnknownChallenge      = errors.New("unknown challenge")
	ErrNotFound              = errors.New("not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrStakeOutOfRange       = errors.New("stake out of range")
	ErrChallengeNotActive    = errors.New("challenge not active")
	ErrExposureLimitExceeded = errors.New("user exposure limit exceeded")
	ErrInvalidChallenge      = errors.New("invalid challenge")
	ErrInvalidTransition     = errors.New("invalid status transition")
)

// Conflicts: surfaced as retryable, never retried by the engine itself.
var (
	ErrChallengeFull     = errors.New("challenge full")
	ErrAlreadyJoined     = errors.New("already joined")
	ErrAlreadyInProgress = errors.New("finalization already in progress")
	ErrStatusConflict    = errors.New("challenge status changed concurrently")
	ErrAlreadyReleased   = errors.New("participation already released")
	ErrNotEnded          = errors.New("challenge has not ended")
)

// ErrInvariantViolation marks a money-conservation or projection mismatch.
// Settlement aborts and the condition is left for operator intervention.
var ErrInvariantViolation = errors.New("invariant violation")

// Validate checks the entry's legs against the posting rules for its kind.
func (e LedgerEntry) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrUnknownUser)
	}
	if e.Amount == 0 && e.Escrow == 0 {
		return fmt.Errorf("%w: zero %s entry", ErrInvalidAmount, e.Kind)
	}
	ok := false
	switch e.Kind {
	case KindDeposit, KindFeeDebit:
		ok = e.Amount > 0 && e.Escrow == 0
	case KindWithdraw:
		ok = e.Amount < 0 && e.Escrow == 0
	case KindStakeEscrow:
		ok = e.Amount < 0 && e.Escrow == -e.Amount
	case KindStakeRefund:
		ok = e.Amount > 0 && e.Escrow == -e.Amount
	case KindPrizeCredit:
		ok = e.Amount >= 0 && e.Escrow < 0
	case KindStakeForfeit:
		ok = e.Amount == 0 && e.Escrow < 0
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s entry with amount=%d escrow=%d", ErrInvalidAmount, e.Kind, e.Amount, e.Escrow)
	}
	if e.Kind != KindDeposit && e.Kind != KindWithdraw && e.ChallengeID == "" {
		return fmt.Errorf("%w: %s entry requires a challenge id", ErrInvalidAmount, e.Kind)
	}
	return nil
}

// Apply returns the wallet after applying the entry's legs. Negative
// buckets are reported as ErrInsufficientFunds (available) or
// ErrInvariantViolation (escrowed).
func (w Wallet) Apply(e LedgerEntry) (Wallet, error) {
	next := w
	next.Available += e.Amount
	next.Escrowed += e.Escrow
	if next.Available < 0 {
		return w, fmt.Errorf("%w: available %d, need %d", ErrInsufficientFunds, w.Available, -e.Amount)
	}
	if next.Escrowed < 0 {
		return w, fmt.Errorf("%w: escrowed would be %d for user %s", ErrInvariantViolation, next.Escrowed, w.UserID)
	}
	next.UpdatedAt = e.CreatedAt
	return next, nil
}
