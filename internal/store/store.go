// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method that moves money is a single atomic unit: the ledger append,
// the wallet projection update and the owning state change (participation,
// challenge status, pool figures) commit together or not at all.
package store

import (
	"context"
	"time"

	"github.com/stakefit/settlement-engine/internal/model"
)

// AdmitFunc validates a join while the challenge and the user's wallet are
// locked. Returning an error aborts the join with no state change.
type AdmitFunc func(c *model.Challenge, pool *model.Pool, w *model.Wallet) error

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Wallets and ledger ---

	// CreateWallet opens a zero wallet for a user. Idempotent: an existing
	// wallet is returned unchanged.
	CreateWallet(ctx context.Context, userID string, at time.Time) (*model.Wallet, error)

	// GetWallet returns the wallet projection for a user.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// AppendEntry appends an immutable ledger entry and applies it to the
	// wallet projection atomically.
	AppendEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error)

	// ListEntriesByUser returns a user's entries in append order.
	ListEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// ListEntriesByChallenge returns every entry tied to a challenge.
	ListEntriesByChallenge(ctx context.Context, challengeID string) ([]model.LedgerEntry, error)

	// --- Challenges ---

	// CreateChallenge persists a challenge and its empty pool.
	CreateChallenge(ctx context.Context, c *model.Challenge) error

	// GetChallenge retrieves a challenge by ID.
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)

	// ListChallenges returns challenges in any of the given statuses
	// (all challenges when none are given).
	ListChallenges(ctx context.Context, statuses ...model.ChallengeStatus) ([]model.Challenge, error)

	// TransitionChallenge is a compare-and-set on status. It fails with
	// model.ErrStatusConflict when the current status is not from.
	TransitionChallenge(ctx context.Context, id string, from, to model.ChallengeStatus, at time.Time) error

	// ClaimStale re-stamps a finalizing challenge whose status changed
	// before staleBefore, handing it to the caller. It fails with
	// model.ErrStatusConflict when the challenge is not stale.
	ClaimStale(ctx context.Context, id string, staleBefore, at time.Time) error

	// RollbackFinalizing returns a finalizing challenge to active, but only
	// for the run holding the claim stamped at claimedAt and only while no
	// participation has been released. It fails with model.ErrStatusConflict
	// when the claim is gone and model.ErrAlreadyReleased otherwise.
	RollbackFinalizing(ctx context.Context, id string, claimedAt, at time.Time) error

	// --- Pools and participations ---

	// GetPool returns the pool of a challenge.
	GetPool(ctx context.Context, challengeID string) (*model.Pool, error)

	// ListParticipations returns all participations of a challenge ordered by user ID.
	ListParticipations(ctx context.Context, challengeID string) ([]model.Participation, error)

	// Join records a participation, posts its stake_escrow entry and
	// increments the pool in one unit. admit runs under the locks.
	Join(ctx context.Context, p *model.Participation, entry *model.LedgerEntry, admit AdmitFunc) (*model.Pool, error)

	// Release sets a pending participation's outcome and posts its release
	// entry in one unit. It fails with model.ErrAlreadyReleased when the
	// outcome is no longer pending.
	Release(ctx context.Context, r model.Release) error

	// CompleteSettlement moves a finalizing challenge to a terminal status,
	// persists the final pool figures and posts the fee entry (if any) in
	// one unit.
	CompleteSettlement(ctx context.Context, pool *model.Pool, to model.ChallengeStatus, fee *model.LedgerEntry, at time.Time) error

	// --- Performance samples ---

	// AppendSamples stores ingested samples. It is idempotent on sample
	// id: ids already stored, or repeated within the batch, are skipped.
	AppendSamples(ctx context.Context, samples []model.Sample) error

	// ListSamples returns a user's samples of one data type fully inside the window.
	ListSamples(ctx context.Context, userID, dataType string, w model.Window) ([]model.Sample, error)
}

// Primary returns the source of truth behind st. A store layered over
// another one, such as the Redis cache, exposes it through a Primary
// method; any other store is returned as is. Reads that feed money
// decisions or audits go through Primary.
func Primary(st Store) Store {
	if layered, ok := st.(interface{ Primary() Store }); ok {
		return layered.Primary()
	}
	return st
}
