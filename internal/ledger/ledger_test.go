package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stakefit/settlement-engine/internal/ledger"
	"github.com/stakefit/settlement-engine/internal/model"
	"github.com/stakefit/settlement-engine/internal/store"
)

func newLedger(t *testing.T, users ...string) (*ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	for _, u := range users {
		if _, err := ms.CreateWallet(context.Background(), u, time.Now()); err != nil {
			t.Fatalf("create wallet %s: %v", u, err)
		}
	}
	return ledger.New(ms), ms
}

func TestAppend_Deposit(t *testing.T) {
	l, _ := newLedger(t, "alice")
	ctx := context.Background()

	w, err := l.Append(ctx, &model.LedgerEntry{UserID: "alice", Kind: model.KindDeposit, Amount: 500})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if w.Available != 500 || w.Escrowed != 0 {
		t.Errorf("wallet = (%d, %d), want (500, 0)", w.Available, w.Escrowed)
	}

	avail, esc, err := l.BalanceOf(ctx, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if avail != 500 || esc != 0 {
		t.Errorf("BalanceOf = (%d, %d), want (500, 0)", avail, esc)
	}
}

func TestAppend_ZeroAmount(t *testing.T) {
	l, _ := newLedger(t, "alice")

	_, err := l.Append(context.Background(), &model.LedgerEntry{UserID: "alice", Kind: model.KindDeposit})
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestAppend_UnknownUser(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.Append(context.Background(), &model.LedgerEntry{UserID: "ghost", Kind: model.KindDeposit, Amount: 10})
	if !errors.Is(err, model.ErrUnknownUser) {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}
}

func TestAppend_WrongSign(t *testing.T) {
	l, _ := newLedger(t, "alice")

	_, err := l.Append(context.Background(), &model.LedgerEntry{UserID: "alice", Kind: model.KindWithdraw, Amount: 10})
	if !errors.Is(err, model.ErrInvalidAmount) {
		t.Fatalf("positive withdraw: expected ErrInvalidAmount, got %v", err)
	}
}

func TestAppend_OverdraftLeavesNoEntry(t *testing.T) {
	l, ms := newLedger(t, "alice")
	ctx := context.Background()
	l.Append(ctx, &model.LedgerEntry{UserID: "alice", Kind: model.KindDeposit, Amount: 50})

	_, err := l.Append(ctx, &model.LedgerEntry{UserID: "alice", Kind: model.KindWithdraw, Amount: -80})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	entries, _ := ms.ListEntriesByUser(ctx, "alice")
	if len(entries) != 1 {
		t.Errorf("expected 1 entry after rejected withdraw, got %d", len(entries))
	}
	if err := l.Reconcile(ctx, "alice"); err != nil {
		t.Errorf("reconcile: %v", err)
	}
}

func TestReplay(t *testing.T) {
	entries := []model.LedgerEntry{
		{Kind: model.KindDeposit, Amount: 1000},
		{Kind: model.KindStakeEscrow, Amount: -300, Escrow: 300},
		{Kind: model.KindPrizeCredit, Amount: 450, Escrow: -300},
		{Kind: model.KindWithdraw, Amount: -150},
	}
	avail, esc := ledger.Replay(entries)
	if avail != 1000 || esc != 0 {
		t.Errorf("Replay = (%d, %d), want (1000, 0)", avail, esc)
	}
}

func TestChallengeTotals_Conserved(t *testing.T) {
	l, _ := newLedger(t, "a", "b", "c")
	ctx := context.Background()
	now := time.Now()

	for _, u := range []string{"a", "b", "c"} {
		l.Append(ctx, ledger.NewEntry(u, model.KindDeposit, 100, 0, "", now))
		if _, err := l.Append(ctx, ledger.NewEntry(u, model.KindStakeEscrow, -100, 100, "ch1", now)); err != nil {
			t.Fatalf("escrow %s: %v", u, err)
		}
	}
	// Same figures as a 10% fee with two of three winning.
	l.Append(ctx, ledger.NewEntry("a", model.KindPrizeCredit, 135, -100, "ch1", now))
	l.Append(ctx, ledger.NewEntry("b", model.KindPrizeCredit, 135, -100, "ch1", now))
	l.Append(ctx, ledger.NewEntry("c", model.KindStakeForfeit, 0, -100, "ch1", now))
	l.Append(ctx, ledger.NewEntry(model.HouseUserID, model.KindFeeDebit, 30, 0, "ch1", now))

	totals, err := l.ChallengeTotals(ctx, "ch1")
	if err != nil {
		t.Fatalf("totals: %v", err)
	}
	if totals.Escrowed != 300 || totals.Released != 300 {
		t.Errorf("escrowed/released = %d/%d, want 300/300", totals.Escrowed, totals.Released)
	}
	if totals.Prizes != 270 || totals.Fees != 30 || totals.Forfeited != 100 {
		t.Errorf("unexpected totals %+v", totals)
	}
	if !totals.Conserved() {
		t.Errorf("expected conserved totals, got %+v", totals)
	}
}

func TestChallengeTotals_NotConservedWhileOpen(t *testing.T) {
	l, _ := newLedger(t, "a")
	ctx := context.Background()
	now := time.Now()
	l.Append(ctx, ledger.NewEntry("a", model.KindDeposit, 100, 0, "", now))
	l.Append(ctx, ledger.NewEntry("a", model.KindStakeEscrow, -100, 100, "ch1", now))

	totals, _ := l.ChallengeTotals(ctx, "ch1")
	if totals.Conserved() {
		t.Error("open escrow must not report conserved")
	}
}
