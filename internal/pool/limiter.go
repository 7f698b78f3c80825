package pool

import (
	"fmt"

	"github.com/stakefit/settlement-engine/internal/model"
)

// ExposureLimiter caps how much of a user's money may sit in escrow at once.
//
// A user staking on many overlapping challenges carries correlated risk:
// one bad week loses every stake together. The limiter bounds the
// aggregate escrow across all of the user's open challenges.
type ExposureLimiter struct {
	// MaxEscrowed is the largest escrowed total a join may produce.
	// Zero disables the check.
	MaxEscrowed int64
}

// NewExposureLimiter creates a limiter. maxEscrowed <= 0 means unlimited.
func NewExposureLimiter(maxEscrowed int64) *ExposureLimiter {
	if maxEscrowed < 0 {
		maxEscrowed = 0
	}
	return &ExposureLimiter{MaxEscrowed: maxEscrowed}
}

// CheckLimit validates a new stake against the user's current escrow.
// A nil limiter admits everything.
func (l *ExposureLimiter) CheckLimit(escrowed, stake int64) error {
	if l == nil || l.MaxEscrowed == 0 {
		return nil
	}
	if escrowed+stake > l.MaxEscrowed {
		return fmt.Errorf("%w: escrowed %d + stake %d > %d",
			model.ErrExposureLimitExceeded, escrowed, stake, l.MaxEscrowed)
	}
	return nil
}
