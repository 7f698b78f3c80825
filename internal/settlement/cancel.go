package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/pool"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

// Cancel voids a challenge on operator request. A scheduled challenge has
// no stakes and is voided directly. An active one is taken through
// finalizing, every stake is refunded in full and no fee is charged.
// Cancelling a void challenge returns its result; a settled one cannot be
// cancelled.
func (e *Engine) Cancel(ctx context.Context, challengeID, operatorID string) (*model.SettlementResult, error) {
	c, err := e.reads.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("challenge_id", c.ID).Str("operator_id", operatorID).Logger()

	switch c.Status {
	case model.StatusVoid:
		return e.Result(ctx, c.ID)
	case model.StatusSettled:
		return nil, fmt.Errorf("%w: challenge %s is settled", model.ErrInvalidTransition, c.ID)
	case model.StatusFinalizing:
		return nil, fmt.Errorf("%w: challenge %s", model.ErrAlreadyInProgress, c.ID)
	case model.StatusScheduled:
		if err := e.store.TransitionChallenge(ctx, c.ID, model.StatusScheduled, model.StatusVoid, e.now()); err != nil {
			return nil, e.cancelConflict(err, c.ID)
		}
		logger.Info().Msg("scheduled challenge cancelled")
		return e.completed(ctx, c.ID)
	}

	claimed := e.now()
	if err := e.store.TransitionChallenge(ctx, c.ID, model.StatusActive, model.StatusFinalizing, claimed); err != nil {
		return nil, e.cancelConflict(err, c.ID)
	}
	c.Status = model.StatusFinalizing
	c.StatusChangedAt = claimed

	p, err := e.reads.GetPool(ctx, c.ID)
	if err != nil {
		return nil, e.abort(ctx, c, 0, err)
	}
	parts, err := e.reads.ListParticipations(ctx, c.ID)
	if err != nil {
		return nil, e.abort(ctx, c, 0, err)
	}
	if err := pool.CheckInvariants(*p, parts); err != nil {
		return nil, e.violation(logger, err)
	}

	released := 0
	var refunded int64
	for _, pt := range parts {
		if pt.Outcome != model.OutcomePending {
			continue
		}
		_, err := e.wallets.Release(ctx, wallet.ReleaseRequest{
			Participation: pt,
			Outcome:       model.OutcomeRefunded,
			Payout:        pt.Stake,
			OperatorID:    operatorID,
		})
		if err != nil {
			if errors.Is(err, model.ErrInvariantViolation) {
				return nil, e.violation(logger, err)
			}
			return nil, e.abort(ctx, c, released, err)
		}
		released++
		refunded += pt.Stake
	}

	final := &model.Pool{ChallengeID: c.ID, DistributableAmount: p.TotalStaked}
	if err := e.store.CompleteSettlement(ctx, final, model.StatusVoid, nil, e.now()); err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			return nil, e.violation(logger, err)
		}
		return nil, e.abort(ctx, c, released, err)
	}
	metrics.PayoutCents.WithLabelValues(string(model.KindStakeRefund)).Add(float64(refunded))

	logger.Info().Int("refunded", released).Int64("amount", refunded).Msg("active challenge cancelled")
	return e.completed(ctx, c.ID)
}

func (e *Engine) cancelConflict(err error, id string) error {
	if errors.Is(err, model.ErrStatusConflict) {
		return fmt.Errorf("%w: challenge %s changed status during cancel", model.ErrStatusConflict, id)
	}
	return err
}
