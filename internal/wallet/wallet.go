// Package wallet is the per-user funds view over the ledger: funding,
// stake eligibility, and the escrow/release entries settlement posts.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stakefit/settlement-engine/internal/ledger"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

// Service manages wallets. Every balance change goes through the ledger.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	now    func() time.Time
}

// NewService creates a wallet service.
func NewService(st store.Store, l *ledger.Ledger) *Service {
	return &Service{store: st, ledger: l, now: func() time.Time { return time.Now().UTC() }}
}

// Open creates the user's wallet. Opening an existing wallet returns it.
func (s *Service) Open(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", model.ErrUnknownUser)
	}
	return s.store.CreateWallet(ctx, userID, s.now())
}

// Get returns the wallet projection.
func (s *Service) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

// CanStake reports whether available covers amount.
func (s *Service) CanStake(ctx context.Context, userID string, amount int64) (bool, error) {
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return false, err
	}
	return w.Available >= amount, nil
}

// Deposit credits funds received from the payment gateway.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, reference, operatorID string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: deposit of %d", model.ErrInvalidAmount, amount)
	}
	e := ledger.NewEntry(userID, model.KindDeposit, amount, 0, "", s.now())
	e.Reference = reference
	e.OperatorID = operatorID
	w, err := s.ledger.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Int64("amount", amount).Str("reference", reference).Msg("deposit posted")
	return w, nil
}

// Withdraw debits available funds. Escrowed funds are never withdrawable.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, reference, operatorID string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: withdraw of %d", model.ErrInvalidAmount, amount)
	}
	e := ledger.NewEntry(userID, model.KindWithdraw, -amount, 0, "", s.now())
	e.Reference = reference
	e.OperatorID = operatorID
	w, err := s.ledger.Append(ctx, e)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Int64("amount", amount).Str("reference", reference).Msg("withdrawal posted")
	return w, nil
}

// Entries returns the user's ledger, newest first. limit <= 0 returns all.
func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetWallet(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Reconcile checks the wallet projection against a ledger replay.
func (s *Service) Reconcile(ctx context.Context, userID string) error {
	return s.ledger.Reconcile(ctx, userID)
}

// EscrowEntry builds the stake_escrow entry that moves stake from available
// to escrowed. The store posts it inside the join's atomic unit.
func EscrowEntry(userID, challengeID string, stake int64, at time.Time) *model.LedgerEntry {
	return ledger.NewEntry(userID, model.KindStakeEscrow, -stake, stake, challengeID, at)
}

// ReleaseEntry builds the entry that takes stake out of escrow for a
// settled participation. Winners receive payout, refunds return the stake,
// losers forfeit it to the pool.
func ReleaseEntry(p model.Participation, outcome model.Outcome, payout int64, at time.Time) (*model.LedgerEntry, error) {
	switch outcome {
	case model.OutcomeWon:
		return ledger.NewEntry(p.UserID, model.KindPrizeCredit, payout, -p.Stake, p.ChallengeID, at), nil
	case model.OutcomeRefunded:
		if payout != p.Stake {
			return nil, fmt.Errorf("%w: refund %d != stake %d for %s", model.ErrInvariantViolation, payout, p.Stake, p.UserID)
		}
		return ledger.NewEntry(p.UserID, model.KindStakeRefund, p.Stake, -p.Stake, p.ChallengeID, at), nil
	case model.OutcomeLost:
		if payout != 0 {
			return nil, fmt.Errorf("%w: loser %s with payout %d", model.ErrInvariantViolation, p.UserID, payout)
		}
		return ledger.NewEntry(p.UserID, model.KindStakeForfeit, 0, -p.Stake, p.ChallengeID, at), nil
	default:
		return nil, fmt.Errorf("%w: cannot release with outcome %q", model.ErrInvalidKind, outcome)
	}
}

// ReleaseRequest settles one participation.
type ReleaseRequest struct {
	Participation model.Participation
	Outcome       model.Outcome
	Payout        int64
	MetricValue   *decimal.Decimal
	OperatorID    string
}

// Release settles one participation: its outcome and its ledger entry
// commit together, and only while the participation is still pending.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (*model.LedgerEntry, error) {
	at := s.now()
	entry, err := ReleaseEntry(req.Participation, req.Outcome, req.Payout, at)
	if err != nil {
		return nil, err
	}
	entry.OperatorID = req.OperatorID
	r := model.Release{
		ChallengeID: req.Participation.ChallengeID,
		UserID:      req.Participation.UserID,
		Outcome:     req.Outcome,
		MetricValue: req.MetricValue,
		Entry:       entry,
		At:          at,
	}
	if err := s.store.Release(ctx, r); err != nil {
		return nil, err
	}
	return entry, nil
}
