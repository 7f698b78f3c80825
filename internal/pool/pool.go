// Package pool is the per-challenge escrow accumulator: admission of stakes
// and the split of the pool at settlement.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

// Service admits participants into challenge pools.
type Service struct {
	store     store.Store
	limiter   *ExposureLimiter
	publisher events.Publisher
	now       func() time.Time
}

// NewService creates a pool service. limiter and pub may be nil.
func NewService(st store.Store, limiter *ExposureLimiter, pub events.Publisher) *Service {
	return &Service{
		store:     st,
		limiter:   limiter,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Join escrows stake from the user's wallet into the challenge pool.
//
// The admission checks, the escrow entry, the participation row and the
// pool increments commit as one unit under the challenge and wallet locks,
// so the participant cap cannot be oversold and a failed join leaves no
// partial escrow.
func (s *Service) Join(ctx context.Context, challengeID, userID string, stake int64) (*model.Participation, *model.Pool, error) {
	if stake <= 0 {
		return nil, nil, fmt.Errorf("%w: stake %d", model.ErrStakeOutOfRange, stake)
	}
	now := s.now()

	admit := func(c *model.Challenge, p *model.Pool, w *model.Wallet) error {
		if stake < c.StakeMin || stake > c.StakeMax {
			return fmt.Errorf("%w: %d not in [%d, %d]", model.ErrStakeOutOfRange, stake, c.StakeMin, c.StakeMax)
		}
		if c.Status != model.StatusActive {
			return fmt.Errorf("%w: challenge %s is %s", model.ErrChallengeNotActive, c.ID, c.Status)
		}
		if !now.Before(c.EndAt) {
			return fmt.Errorf("%w: challenge %s ended at %s", model.ErrChallengeNotActive, c.ID, c.EndAt.Format(time.RFC3339))
		}
		if c.MaxParticipants > 0 && p.ParticipantCount >= c.MaxParticipants {
			return fmt.Errorf("%w: %d/%d participants", model.ErrChallengeFull, p.ParticipantCount, c.MaxParticipants)
		}
		if w.Available < stake {
			return fmt.Errorf("%w: available %d, stake %d", model.ErrInsufficientFunds, w.Available, stake)
		}
		return s.limiter.CheckLimit(w.Escrowed, stake)
	}

	part := &model.Participation{
		ChallengeID: challengeID,
		UserID:      userID,
		Stake:       stake,
		JoinedAt:    now,
		Outcome:     model.OutcomePending,
	}
	pool, err := s.store.Join(ctx, part, wallet.EscrowEntry(userID, challengeID, stake, now), admit)
	if err != nil {
		metrics.JoinsTotal.WithLabelValues(joinResult(err)).Inc()
		if errors.Is(err, model.ErrExposureLimitExceeded) {
			metrics.ExposureLimitRejections.Inc()
		}
		return nil, nil, err
	}
	metrics.JoinsTotal.WithLabelValues("ok").Inc()
	metrics.StakedCents.Add(float64(stake))

	log.Info().
		Str("challenge_id", challengeID).
		Str("user_id", userID).
		Int64("stake", stake).
		Int("participants", pool.ParticipantCount).
		Msg("participant joined")

	if s.publisher != nil {
		s.publisher.Publish(events.Event{
			Type:         events.TypeParticipantJoined,
			ChallengeID:  challengeID,
			UserID:       userID,
			Stake:        stake,
			TotalStaked:  pool.TotalStaked,
			Participants: pool.ParticipantCount,
		})
	}
	return part, pool, nil
}

// Snapshot is a pool with its participations.
type Snapshot struct {
	Pool           model.Pool            `json:"pool"`
	Participations []model.Participation `json:"participations"`
}

// Snapshot reads a pool and verifies its invariants.
func (s *Service) Snapshot(ctx context.Context, challengeID string) (*Snapshot, error) {
	p, err := s.store.GetPool(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	parts, err := s.store.ListParticipations(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if err := CheckInvariants(*p, parts); err != nil {
		metrics.InvariantViolations.WithLabelValues("pool").Inc()
		log.Error().Err(err).Str("challenge_id", challengeID).Msg("pool invariant violated")
		return nil, err
	}
	return &Snapshot{Pool: *p, Participations: parts}, nil
}

func joinResult(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrStakeOutOfRange):
		return "stake_out_of_range"
	case errors.Is(err, model.ErrChallengeFull):
		return "challenge_full"
	case errors.Is(err, model.ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, model.ErrChallengeNotActive):
		return "not_active"
	case errors.Is(err, model.ErrExposureLimitExceeded):
		return "exposure_limit"
	default:
		return "error"
	}
}
