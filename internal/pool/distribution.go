package pool

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/model"
)

// Distribution is the computed split of a pool. It is a plan: nothing is
// posted until settlement releases each participant.
type Distribution struct {
	TotalStaked         int64                    `json:"total_staked"`
	FeeAmount           int64                    `json:"fee_amount"`
	DistributableAmount int64                    `json:"distributable_amount"`
	Winners             []string                 `json:"winners"`
	Refund              bool                     `json:"refund"` // no winners: every stake returned, fee waived
	Void                bool                     `json:"void"`   // no participants
	Payouts             map[string]int64         `json:"payouts"`
	Outcomes            map[string]model.Outcome `json:"outcomes"`
}

// Fee returns round_half_up(total × pct) in cents.
func Fee(total int64, pct decimal.Decimal) int64 {
	// Round is half away from zero, which is half-up for non-negative totals.
	return decimal.NewFromInt(total).Mul(pct).Round(0).IntPart()
}

// ComputeDistribution splits the pool among winners. It is a pure function.
//
// The fee is round_half_up(total × fee_percentage); winners share the rest
// equally and any leftover cents go to the winner with the smallest user id.
// With no winners the fee is waived and every participant gets their stake
// back. With no participants the result is Void.
func ComputeDistribution(p model.Pool, participants []model.Participation, winnerIDs []string) (Distribution, error) {
	if len(participants) == 0 {
		if p.TotalStaked != 0 || len(winnerIDs) != 0 {
			return Distribution{}, fmt.Errorf("%w: empty pool %s with total %d", model.ErrInvariantViolation, p.ChallengeID, p.TotalStaked)
		}
		return Distribution{Void: true, Payouts: map[string]int64{}, Outcomes: map[string]model.Outcome{}}, nil
	}
	if err := CheckInvariants(p, participants); err != nil {
		return Distribution{}, err
	}

	stakes := make(map[string]int64, len(participants))
	for _, pt := range participants {
		stakes[pt.UserID] = pt.Stake
	}

	winners := make([]string, 0, len(winnerIDs))
	seen := make(map[string]bool, len(winnerIDs))
	for _, id := range winnerIDs {
		if _, ok := stakes[id]; !ok {
			return Distribution{}, fmt.Errorf("%w: winner %s is not a participant", model.ErrInvariantViolation, id)
		}
		if !seen[id] {
			seen[id] = true
			winners = append(winners, id)
		}
	}
	sort.Strings(winners)

	d := Distribution{
		TotalStaked: p.TotalStaked,
		Winners:     winners,
		Payouts:     make(map[string]int64, len(participants)),
		Outcomes:    make(map[string]model.Outcome, len(participants)),
	}

	if len(winners) == 0 {
		d.Refund = true
		d.DistributableAmount = p.TotalStaked
		for id, stake := range stakes {
			d.Payouts[id] = stake
			d.Outcomes[id] = model.OutcomeRefunded
		}
		return d, d.verify()
	}

	if p.FeePercentage.IsNegative() || p.FeePercentage.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Distribution{}, fmt.Errorf("%w: fee percentage %s", model.ErrInvalidChallenge, p.FeePercentage)
	}
	d.FeeAmount = Fee(p.TotalStaked, p.FeePercentage)
	d.DistributableAmount = p.TotalStaked - d.FeeAmount

	n := int64(len(winners))
	share := d.DistributableAmount / n
	remainder := d.DistributableAmount % n
	for id := range stakes {
		d.Payouts[id] = 0
		d.Outcomes[id] = model.OutcomeLost
	}
	for _, id := range winners {
		d.Payouts[id] = share
		d.Outcomes[id] = model.OutcomeWon
	}
	d.Payouts[winners[0]] += remainder

	return d, d.verify()
}

// verify checks money conservation of the plan.
func (d Distribution) verify() error {
	if d.FeeAmount+d.DistributableAmount != d.TotalStaked {
		return fmt.Errorf("%w: fee %d + distributable %d != total %d",
			model.ErrInvariantViolation, d.FeeAmount, d.DistributableAmount, d.TotalStaked)
	}
	var paid int64
	for _, amt := range d.Payouts {
		if amt < 0 {
			return fmt.Errorf("%w: negative payout", model.ErrInvariantViolation)
		}
		paid += amt
	}
	if paid != d.DistributableAmount {
		return fmt.Errorf("%w: payouts %d != distributable %d",
			model.ErrInvariantViolation, paid, d.DistributableAmount)
	}
	return nil
}

// CheckInvariants verifies the pool totals against its participations.
func CheckInvariants(p model.Pool, participants []model.Participation) error {
	var total int64
	for _, pt := range participants {
		if pt.ChallengeID != p.ChallengeID {
			return fmt.Errorf("%w: participation of %s listed under pool %s", model.ErrInvariantViolation, pt.ChallengeID, p.ChallengeID)
		}
		total += pt.Stake
	}
	if total != p.TotalStaked {
		return fmt.Errorf("%w: pool %s total_staked %d != sum of stakes %d",
			model.ErrInvariantViolation, p.ChallengeID, p.TotalStaked, total)
	}
	if len(participants) != p.ParticipantCount {
		return fmt.Errorf("%w: pool %s participant_count %d != %d participations",
			model.ErrInvariantViolation, p.ChallengeID, p.ParticipantCount, len(participants))
	}
	if p.SettledAt != nil && p.FeeAmount+p.DistributableAmount != p.TotalStaked {
		return fmt.Errorf("%w: settled pool %s fee %d + distributable %d != total %d",
			model.ErrInvariantViolation, p.ChallengeID, p.FeeAmount, p.DistributableAmount, p.TotalStaked)
	}
	return nil
}
