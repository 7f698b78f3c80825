// Package ledger is the append-only transaction log and the single source of
// truth for balances. Wallet rows are a projection the store keeps in step
// with every append; Reconcile proves the two agree.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

// Ledger appends and replays entries.
type Ledger struct {
	store store.Store
	now   func() time.Time
}

// New creates a ledger backed by st.
func New(st store.Store) *Ledger {
	return &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// NewEntry builds an entry with a fresh ULID.
func NewEntry(userID string, kind model.EntryKind, amount, escrow int64, challengeID string, at time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          store.NewID(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Escrow:      escrow,
		ChallengeID: challengeID,
		CreatedAt:   at,
	}
}

// Append validates and posts an entry, returning the updated wallet.
// Fails with model.ErrInvalidAmount for a zero entry and
// model.ErrUnknownUser when the user has no wallet.
func (l *Ledger) Append(ctx context.Context, e *model.LedgerEntry) (*model.Wallet, error) {
	if e.ID == "" {
		e.ID = store.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return l.store.AppendEntry(ctx, e)
}

// Replay folds entries into (available, escrowed).
func Replay(entries []model.LedgerEntry) (available, escrowed int64) {
	for _, e := range entries {
		available += e.Amount
		escrowed += e.Escrow
	}
	return available, escrowed
}

// BalanceOf replays a user's entries.
func (l *Ledger) BalanceOf(ctx context.Context, userID string) (available, escrowed int64, err error) {
	if _, err := l.store.GetWallet(ctx, userID); err != nil {
		return 0, 0, err
	}
	entries, err := l.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	available, escrowed = Replay(entries)
	return available, escrowed, nil
}

// Reconcile compares the replayed balance with the wallet projection.
// A mismatch is reported as model.ErrInvariantViolation, never corrected.
// The projection is read from the primary store, never from a cache.
func (l *Ledger) Reconcile(ctx context.Context, userID string) error {
	w, err := store.Primary(l.store).GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	entries, err := l.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		return err
	}
	available, escrowed := Replay(entries)
	if available != w.Available || escrowed != w.Escrowed {
		return fmt.Errorf("%w: wallet %s projection (%d, %d) != ledger (%d, %d)",
			model.ErrInvariantViolation, userID, w.Available, w.Escrowed, available, escrowed)
	}
	if available < 0 || escrowed < 0 {
		return fmt.Errorf("%w: wallet %s has negative bucket", model.ErrInvariantViolation, userID)
	}
	return nil
}

// Totals sums a challenge's entries per kind.
type Totals struct {
	Escrowed  int64 `json:"escrowed"`  // Σ stake_escrow stakes
	Released  int64 `json:"released"`  // Σ stakes released from escrow
	Prizes    int64 `json:"prizes"`    // Σ prize_credit amounts
	Refunds   int64 `json:"refunds"`   // Σ stake_refund amounts
	Forfeited int64 `json:"forfeited"` // Σ stake_forfeit stakes
	Fees      int64 `json:"fees"`      // Σ fee_debit amounts
}

// Conserved reports whether everything escrowed was paid out exactly once.
func (t Totals) Conserved() bool {
	return t.Escrowed == t.Released && t.Prizes+t.Refunds+t.Fees == t.Escrowed
}

// ChallengeTotals sums the entries posted for a challenge.
func (l *Ledger) ChallengeTotals(ctx context.Context, challengeID string) (Totals, error) {
	entries, err := l.store.ListEntriesByChallenge(ctx, challengeID)
	if err != nil {
		return Totals{}, err
	}
	var t Totals
	for _, e := range entries {
		switch e.Kind {
		case model.KindStakeEscrow:
			t.Escrowed += e.Escrow
		case model.KindPrizeCredit:
			t.Prizes += e.Amount
			t.Released -= e.Escrow
		case model.KindStakeRefund:
			t.Refunds += e.Amount
			t.Released -= e.Escrow
		case model.KindStakeForfeit:
			t.Forfeited -= e.Escrow
			t.Released -= e.Escrow
		case model.KindFeeDebit:
			t.Fees += e.Amount
		}
	}
	return t, nil
}
