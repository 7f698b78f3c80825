// Package settlement runs challenge finalization: it takes exclusive
// control of a challenge, evaluates participants, splits the pool and
// releases every stake exactly once.
//
// The active → finalizing compare-and-set is the only serialization point.
// Progress is persisted per participant (outcome + ledger entry commit
// together), so a crashed run is resumed from storage, never from memory.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/evaluator"
	"github.com/stakefit/settlement-engine/internal/events"
	"github.com/stakefit/settlement-engine/internal/ledger"
	"github.com/stakefit/settlement-engine/internal/metric"
	"github.com/stakefit/settlement-engine/internal/metrics"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/pool"
	"github.com/stakefit/settlement-engine/internal/store"
	"github.com/stakefit/settlement-engine/internal/wallet"
)

// Config is the settings snapshot one settlement run uses from start to
// finish. Reload swaps in a new snapshot; running settlements keep theirs.
type Config struct {
	// StuckGrace is how long a challenge may sit in finalizing before
	// another caller may take it over and resume.
	StuckGrace time.Duration
	// EvaluateTimeout bounds each evaluator call.
	EvaluateTimeout time.Duration
	// Parallelism bounds concurrent evaluations per challenge.
	Parallelism int
	// Registry defines metric aggregation.
	Registry *metric.Registry
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	return Config{
		StuckGrace:      5 * time.Minute,
		EvaluateTimeout: 10 * time.Second,
		Parallelism:     8,
		Registry:        metric.DefaultRegistry(),
	}
}

// Engine finalizes and cancels challenges.
type Engine struct {
	store     store.Store
	reads     store.Store
	ledger    *ledger.Ledger
	wallets   *wallet.Service
	source    evaluator.SampleSource
	publisher events.Publisher
	cfg       atomic.Pointer[Config]
	now       func() time.Time
}

// NewEngine creates an engine. pub may be nil.
func NewEngine(st store.Store, src evaluator.SampleSource, pub events.Publisher, cfg Config) *Engine {
	l := ledger.New(st)
	e := &Engine{
		store:     st,
		reads:     store.Primary(st),
		ledger:    l,
		wallets:   wallet.NewService(st, l),
		source:    src,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.Reload(cfg)
	return e
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Reload installs a new configuration snapshot.
func (e *Engine) Reload(cfg Config) {
	if cfg.Registry == nil {
		cfg.Registry = metric.DefaultRegistry()
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	e.cfg.Store(&cfg)
}

// Config returns the current snapshot.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// Finalize settles a challenge once its window has ended.
//
// It is idempotent: a settled or void challenge returns its stored result
// with no side effects. A challenge being finalized by another caller
// yields model.ErrAlreadyInProgress, unless that run has been stuck longer
// than the grace period, in which case this call takes over and resumes.
func (e *Engine) Finalize(ctx context.Context, challengeID string) (*model.SettlementResult, error) {
	started := time.Now()
	res, outcome, err := e.finalize(ctx, challengeID)
	metrics.FinalizationsTotal.WithLabelValues(outcome).Inc()
	metrics.FinalizeLatency.Observe(time.Since(started).Seconds())
	return res, err
}

func (e *Engine) finalize(ctx context.Context, challengeID string) (*model.SettlementResult, string, error) {
	cfg := e.cfg.Load()
	now := e.now()

	c, err := e.reads.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, "error", err
	}

	switch c.Status {
	case model.StatusSettled, model.StatusVoid:
		res, err := e.Result(ctx, challengeID)
		return res, "replay", err

	case model.StatusScheduled:
		return nil, "not_active", fmt.Errorf("%w: challenge %s is scheduled", model.ErrChallengeNotActive, c.ID)

	case model.StatusFinalizing:
		staleBefore := now.Add(-cfg.StuckGrace)
		if !c.StatusChangedAt.Before(staleBefore) {
			return nil, "in_progress", fmt.Errorf("%w: challenge %s", model.ErrAlreadyInProgress, c.ID)
		}
		if err := e.store.ClaimStale(ctx, c.ID, staleBefore, now); err != nil {
			return e.lostRace(ctx, c.ID, err)
		}
		log.Warn().
			Str("challenge_id", c.ID).
			Time("stuck_since", c.StatusChangedAt).
			Msg("resuming stuck finalization")

	case model.StatusActive:
		if now.Before(c.EndAt) {
			return nil, "not_ended", fmt.Errorf("%w: challenge %s ends at %s", model.ErrNotEnded, c.ID, c.EndAt.Format(time.RFC3339))
		}
		if err := e.store.TransitionChallenge(ctx, c.ID, model.StatusActive, model.StatusFinalizing, now); err != nil {
			return e.lostRace(ctx, c.ID, err)
		}

	default:
		return nil, "error", fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, c.Status)
	}

	c.Status = model.StatusFinalizing
	c.StatusChangedAt = now
	res, err := e.run(ctx, cfg, c)
	if err != nil {
		return nil, "error", err
	}
	return res, string(res.Status), nil
}

// lostRace handles a failed compare-and-set: the challenge either finished
// meanwhile (replay its result) or another caller owns it.
func (e *Engine) lostRace(ctx context.Context, id string, casErr error) (*model.SettlementResult, string, error) {
	if !errors.Is(casErr, model.ErrStatusConflict) {
		return nil, "error", casErr
	}
	c, err := e.reads.GetChallenge(ctx, id)
	if err == nil && c.Status.Terminal() {
		res, err := e.Result(ctx, id)
		return res, "replay", err
	}
	return nil, "in_progress", fmt.Errorf("%w: challenge %s", model.ErrAlreadyInProgress, id)
}

// run settles a challenge this caller holds in finalizing.
func (e *Engine) run(ctx context.Context, cfg *Config, c *model.Challenge) (*model.SettlementResult, error) {
	logger := log.With().Str("challenge_id", c.ID).Logger()

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

	if len(parts) == 0 {
		if err := e.store.CompleteSettlement(ctx, &model.Pool{ChallengeID: c.ID}, model.StatusVoid, nil, e.now()); err != nil {
			return nil, e.abort(ctx, c, 0, err)
		}
		logger.Info().Msg("challenge voided: no participants")
		return e.completed(ctx, c.ID)
	}

	var pending []model.Participation
	released := 0
	for _, pt := range parts {
		if pt.Outcome == model.OutcomePending {
			pending = append(pending, pt)
		} else {
			released++
		}
	}

	plan, values, err := e.plan(ctx, cfg, c, *p, parts, pending)
	if err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			return nil, e.violation(logger, err)
		}
		return nil, e.abort(ctx, c, released, err)
	}

	for _, pt := range pending {
		_, err := e.wallets.Release(ctx, wallet.ReleaseRequest{
			Participation: pt,
			Outcome:       plan.Outcomes[pt.UserID],
			Payout:        plan.Payouts[pt.UserID],
			MetricValue:   values[pt.UserID],
		})
		switch {
		case errors.Is(err, model.ErrAlreadyReleased):
			// Verified against the plan below.
		case errors.Is(err, model.ErrInvariantViolation):
			return nil, e.violation(logger, err)
		case err != nil:
			return nil, e.abort(ctx, c, released, err)
		default:
			released++
		}
	}

	if err := e.verify(ctx, c.ID, plan); err != nil {
		if errors.Is(err, model.ErrInvariantViolation) {
			return nil, e.violation(logger, err)
		}
		return nil, e.abort(ctx, c, released, err)
	}

	var fee *model.LedgerEntry
	if plan.FeeAmount > 0 {
		fee = ledger.NewEntry(model.HouseUserID, model.KindFeeDebit, plan.FeeAmount, 0, c.ID, e.now())
	}
	final := &model.Pool{
		ChallengeID:         c.ID,
		FeeAmount:           plan.FeeAmount,
		DistributableAmount: plan.DistributableAmount,
	}
	if err := e.store.CompleteSettlement(ctx, final, model.StatusSettled, fee, e.now()); err != nil {
		switch {
		case errors.Is(err, model.ErrInvariantViolation):
			return nil, e.violation(logger, err)
		case errors.Is(err, model.ErrStatusConflict):
			// A takeover run completed first.
			res, _, err := e.lostRace(ctx, c.ID, err)
			return res, err
		}
		return nil, e.abort(ctx, c, released, err)
	}

	for uid, amt := range plan.Payouts {
		kind := string(model.KindPrizeCredit)
		if plan.Refund {
			kind = string(model.KindStakeRefund)
		} else if plan.Outcomes[uid] == model.OutcomeLost {
			kind = string(model.KindStakeForfeit)
		}
		metrics.PayoutCents.WithLabelValues(kind).Add(float64(amt))
	}
	metrics.FeeCents.Add(float64(plan.FeeAmount))

	logger.Info().
		Int("winners", len(plan.Winners)).
		Int64("total_staked", plan.TotalStaked).
		Int64("fee", plan.FeeAmount).
		Int64("distributable", plan.DistributableAmount).
		Bool("refund", plan.Refund).
		Msg("challenge settled")
	return e.completed(ctx, c.ID)
}

// plan computes the distribution. Participants already released keep their
// persisted outcomes; only pending ones are evaluated. A released refund
// means the run that started settlement found no winners.
func (e *Engine) plan(ctx context.Context, cfg *Config, c *model.Challenge, p model.Pool,
	parts, pending []model.Participation) (pool.Distribution, map[string]*decimal.Decimal, error) {

	values := make(map[string]*decimal.Decimal, len(pending))
	var winners []string
	refundPlan := false
	for _, pt := range parts {
		switch pt.Outcome {
		case model.OutcomeWon:
			winners = append(winners, pt.UserID)
		case model.OutcomeRefunded:
			refundPlan = true
		}
	}
	if refundPlan && len(winners) > 0 {
		return pool.Distribution{}, nil, fmt.Errorf("%w: challenge %s has both refunded and winning participants",
			model.ErrInvariantViolation, c.ID)
	}

	if !refundPlan && len(pending) > 0 {
		ev := evaluator.New(e.source, cfg.Registry, cfg.EvaluateTimeout, cfg.Parallelism)
		ids := make([]string, len(pending))
		for i, pt := range pending {
			ids[i] = pt.UserID
		}
		results, err := ev.DetermineOutcome(ctx, c, ids)
		if err != nil {
			return pool.Distribution{}, nil, err
		}
		for _, r := range results {
			values[r.UserID] = r.Value
			if r.Outcome == model.OutcomeWon {
				winners = append(winners, r.UserID)
			}
		}
	}

	plan, err := pool.ComputeDistribution(p, parts, winners)
	if err != nil {
		return pool.Distribution{}, nil, err
	}
	if err := checkReleased(parts, plan); err != nil {
		return pool.Distribution{}, nil, err
	}
	return plan, values, nil
}

// checkReleased verifies already-released participants against the plan,
// so a resumed run never diverges from what was paid.
func checkReleased(parts []model.Participation, plan pool.Distribution) error {
	for _, pt := range parts {
		if pt.Outcome == model.OutcomePending {
			continue
		}
		if pt.Outcome != plan.Outcomes[pt.UserID] || pt.Payout != plan.Payouts[pt.UserID] {
			return fmt.Errorf("%w: %s released as %s/%d, plan says %s/%d",
				model.ErrInvariantViolation, pt.UserID, pt.Outcome, pt.Payout,
				plan.Outcomes[pt.UserID], plan.Payouts[pt.UserID])
		}
	}
	return nil
}

// verify re-reads participations and ledger totals before the pool is
// closed: every stake released exactly as planned, nothing paid twice.
func (e *Engine) verify(ctx context.Context, challengeID string, plan pool.Distribution) error {
	parts, err := e.reads.ListParticipations(ctx, challengeID)
	if err != nil {
		return err
	}
	for _, pt := range parts {
		if pt.Outcome == model.OutcomePending {
			return fmt.Errorf("%w: %s still pending after release", model.ErrInvariantViolation, pt.UserID)
		}
	}
	if err := checkReleased(parts, plan); err != nil {
		return err
	}

	totals, err := e.ledger.ChallengeTotals(ctx, challengeID)
	if err != nil {
		return err
	}
	switch {
	case totals.Escrowed != plan.TotalStaked:
		return fmt.Errorf("%w: ledger escrowed %d, pool total %d", model.ErrInvariantViolation, totals.Escrowed, plan.TotalStaked)
	case totals.Released != plan.TotalStaked:
		return fmt.Errorf("%w: ledger released %d, pool total %d", model.ErrInvariantViolation, totals.Released, plan.TotalStaked)
	case totals.Prizes+totals.Refunds != plan.DistributableAmount:
		return fmt.Errorf("%w: credited %d, distributable %d", model.ErrInvariantViolation, totals.Prizes+totals.Refunds, plan.DistributableAmount)
	case totals.Fees != 0:
		return fmt.Errorf("%w: fee posted before completion", model.ErrInvariantViolation)
	}
	return nil
}

// abort handles a transient failure. With nothing released yet the
// challenge goes back to active and can be retried; otherwise it stays in
// finalizing for a later resume. The rollback only applies while this run
// still holds the claim it stamped into c.StatusChangedAt, so a run that
// was taken over never reopens a challenge its successor is settling.
func (e *Engine) abort(ctx context.Context, c *model.Challenge, released int, cause error) error {
	logger := log.With().Str("challenge_id", c.ID).Logger()
	if released > 0 {
		logger.Error().Err(cause).Int("released", released).Msg("finalization interrupted, left in finalizing for resume")
		return cause
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := e.store.RollbackFinalizing(rctx, c.ID, c.StatusChangedAt, e.now())
	switch {
	case err == nil:
		logger.Warn().Err(cause).Msg("finalization rolled back to active")
	case errors.Is(err, model.ErrAlreadyReleased):
		logger.Error().Err(cause).Msg("finalization interrupted after a concurrent release, left in finalizing for resume")
	case errors.Is(err, model.ErrStatusConflict):
		logger.Warn().Err(cause).Msg("finalization interrupted, challenge now held by another run")
	default:
		logger.Error().Err(err).AnErr("cause", cause).Msg("rollback to active failed")
	}
	return cause
}

// violation reports an invariant failure. The challenge is left in
// finalizing for operator intervention; nothing is corrected automatically.
func (e *Engine) violation(logger zerolog.Logger, err error) error {
	metrics.InvariantViolations.WithLabelValues("settlement").Inc()
	logger.Error().Err(err).Msg("settlement aborted: invariant violation")
	return err
}

func (e *Engine) completed(ctx context.Context, challengeID string) (*model.SettlementResult, error) {
	res, err := e.Result(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if e.publisher != nil {
		typ := events.TypeChallengeSettled
		if res.Status == model.StatusVoid {
			typ = events.TypeChallengeVoided
		}
		e.publisher.Publish(events.Event{
			Type:         typ,
			ChallengeID:  res.ChallengeID,
			Status:       string(res.Status),
			TotalStaked:  res.TotalStaked,
			WinnersCount: res.WinnersCount,
			PrizePool:    res.PrizePool,
			FeeAmount:    res.FeeAmount,
		})
	}
	return res, nil
}

// Result reads the stored outcome of a terminal challenge.
func (e *Engine) Result(ctx context.Context, challengeID string) (*model.SettlementResult, error) {
	c, err := e.reads.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Terminal() {
		return nil, fmt.Errorf("%w: challenge %s is %s, not settled", model.ErrStatusConflict, c.ID, c.Status)
	}
	p, err := e.reads.GetPool(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	parts, err := e.reads.ListParticipations(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	res := &model.SettlementResult{
		ChallengeID: c.ID,
		Status:      c.Status,
		PrizePool:   p.DistributableAmount,
		FeeAmount:   p.FeeAmount,
		TotalStaked: p.TotalStaked,
		Payouts:     make(map[string]int64, len(parts)),
	}
	for _, pt := range parts {
		if pt.Outcome == model.OutcomeWon {
			res.WinnersCount++
		}
		res.Payouts[pt.UserID] = pt.Payout
	}
	return res, nil
}
